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

// Package status defines the outcome codes reported by the OAD download and
// boot paths, and an error type that carries one of them.
package status

import (
	"fmt"

	"github.com/apache/mynewt-artifact/errors"
	pkgerrors "github.com/pkg/errors"
)

type Code uint8

const (
	Success Code = iota
	Failed
	CrcError
	FlashError
	Aborted
	Rejected

	// Another download session is already open.
	Busy
)

var codeNameMap = map[Code]string{
	Success:    "success",
	Failed:     "failed",
	CrcError:   "crc error",
	FlashError: "flash error",
	Aborted:    "aborted",
	Rejected:   "rejected",
	Busy:       "busy",
}

func (c Code) String() string {
	name := codeNameMap[c]
	if name == "" {
		return fmt.Sprintf("status(%d)", uint8(c))
	}
	return name
}

// Error associates a status code with the error that produced it.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(code Code, err error) error {
	if code == Success {
		return nil
	}
	return &Error{Code: code, Err: err}
}

func Errorf(code Code, format string, args ...interface{}) error {
	return New(code, errors.Errorf(format, args...))
}

// Wrapf tags err with a status code and prefixes its message.  A nil err
// yields nil.
func Wrapf(code Code, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return New(code, errors.Wrapf(err, format, args...))
}

// Of extracts the status code from err.  A nil error is Success; an error
// that carries no code is Failed.
func Of(err error) Code {
	if err == nil {
		return Success
	}

	var se *Error
	if pkgerrors.As(err, &se) {
		return se.Code
	}
	if se, ok := pkgerrors.Cause(err).(*Error); ok {
		return se.Code
	}

	return Failed
}
