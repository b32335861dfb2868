/**
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package sec

import (
	"strings"

	"github.com/apache/mynewt-artifact/errors"
)

// Policy selects whether image signatures are checked.  The zero value
// requires a signature.
type Policy int

const (
	RequireSignature Policy = iota
	Disabled
)

var policyNameMap = map[Policy]string{
	RequireSignature: "require-signature",
	Disabled:         "disabled",
}

func (p Policy) String() string {
	if name, ok := policyNameMap[p]; ok {
		return name
	}
	return "invalid"
}

func (p Policy) Required() bool {
	return p != Disabled
}

func ParsePolicy(s string) (Policy, error) {
	for p, name := range policyNameMap {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}

	return RequireSignature, errors.Errorf(
		"invalid security policy \"%s\"; must be one of: %s, %s",
		s, policyNameMap[RequireSignature], policyNameMap[Disabled])
}
