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

package util

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mynewt.apache.org/oad/status"
)

func TestAtoiNoOct(t *testing.T) {
	tests := []struct {
		in  string
		out int
		ok  bool
	}{
		{"0", 0, true},
		{"10", 10, true},
		{"010", 10, true},
		{"0x10", 16, true},
		{"00x10", 16, true},
		{"-5", -5, true},
		{"", 0, false},
		{"ten", 0, false},
	}

	for _, test := range tests {
		n, ok := AtoiNoOctTry(test.in)
		assert.Equal(t, test.ok, ok, "input %q", test.in)
		if test.ok {
			assert.Equal(t, test.out, n, "input %q", test.in)
		}
	}

	_, err := AtoiNoOct("0xzz")
	assert.Error(t, err)
}

func TestParseUint32(t *testing.T) {
	n, err := ParseUint32("0xffffffff")
	require.NoError(t, err)
	assert.Equal(t, uint32(0xffffffff), n)

	_, err = ParseUint32("0x100000000")
	assert.Error(t, err)

	_, err = ParseUint32("-1")
	assert.Error(t, err)
}

func TestOadErrorChain(t *testing.T) {
	base := fmt.Errorf("disk full")

	child := ChildOadError(base)
	assert.Equal(t, "disk full", child.Error())
	assert.Equal(t, base, child.Parent)
	assert.NotEmpty(t, child.StackTrace)

	// Wrapping again reaches back to the original cause.
	grandchild := ChildOadError(child)
	assert.Equal(t, base, grandchild.Parent)

	pre := PreOadError(base, "saving %s", "flash.bin")
	assert.Equal(t, "saving flash.bin; disk full", pre.Text)

	fmtd := FmtChildOadError(base, "write failed")
	assert.Equal(t, "write failed", fmtd.Text)
	assert.Equal(t, base, fmtd.Parent)
}

func TestOadErrorStatus(t *testing.T) {
	plain := NewOadError("bad argument")
	assert.Equal(t, status.Failed, plain.Code)
	assert.Equal(t, 1, plain.ExitStatus())

	crcErr := status.Errorf(status.CrcError, "crc mismatch at 0x%x", 0)
	child := ChildOadError(crcErr)
	assert.Equal(t, status.CrcError, child.Code)
	assert.Equal(t, int(status.CrcError), child.ExitStatus())
	assert.Equal(t, status.CrcError, status.Of(child))

	// The code survives rewrapping and prefixing.
	pre := PreOadError(ChildOadError(child), "download")
	assert.Equal(t, status.CrcError, pre.Code)
	assert.Equal(t, crcErr, pre.Parent)

	busy := FmtChildOadError(status.Errorf(status.Busy, "session open"),
		"device busy")
	assert.Equal(t, status.Busy, StatusOf(busy))
	assert.Equal(t, "device busy", busy.Error())
}

func TestWriteMessage(t *testing.T) {
	defer func() { Verbosity = VERBOSITY_DEFAULT }()

	buf := &bytes.Buffer{}

	Verbosity = VERBOSITY_QUIET
	WriteMessage(buf, VERBOSITY_DEFAULT, "hidden\n")
	WriteMessage(buf, VERBOSITY_QUIET, "shown %d\n", 1)
	assert.Equal(t, "shown 1\n", buf.String())

	buf.Reset()
	Verbosity = VERBOSITY_SILENT
	WriteMessage(buf, VERBOSITY_QUIET, "hidden\n")
	assert.Empty(t, buf.String())
}

func TestInitLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oad.log")

	require.NoError(t, Init(log.DebugLevel, path, VERBOSITY_VERBOSE))
	defer func() {
		logFile.Close()
		logFile = nil
		Init(log.WarnLevel, "", VERBOSITY_DEFAULT)
	}()

	log.Debugf("session opened")
	log.WithFields(log.Fields{"page": 3, "addr": "0x3000"}).Infof("erased")
	StatusMessage(VERBOSITY_VERBOSE, "status line\n")

	contents, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "[DEBUG] session opened\n")
	assert.Contains(t, string(contents), "[INFO] erased addr=0x3000 page=3\n")
	assert.Contains(t, string(contents), "status line\n")
}
