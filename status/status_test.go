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

package status

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOf(t *testing.T) {
	assert.Equal(t, Success, Of(nil))
	assert.Equal(t, Failed, Of(fmt.Errorf("plain")))
	assert.Equal(t, Rejected, Of(Errorf(Rejected, "too big: %d", 5)))

	wrapped := fmt.Errorf("outer: %w", Errorf(CrcError, "mismatch"))
	assert.Equal(t, CrcError, Of(wrapped))
}

func TestNewSuccessIsNil(t *testing.T) {
	assert.NoError(t, New(Success, fmt.Errorf("ignored")))
}

func TestWrapf(t *testing.T) {
	assert.NoError(t, Wrapf(FlashError, nil, "write"))

	err := Wrapf(FlashError, fmt.Errorf("io"), "write at 0x%x", 0x100)
	assert.Equal(t, FlashError, Of(err))
	assert.Contains(t, err.Error(), "write at 0x100")
	assert.Contains(t, err.Error(), "flash error")
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "busy", Busy.String())
	assert.Equal(t, "status(99)", Code(99).String())
}
