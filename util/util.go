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
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/oad/status"
)

const (
	VERBOSITY_SILENT  = 0
	VERBOSITY_QUIET   = 1
	VERBOSITY_DEFAULT = 2
	VERBOSITY_VERBOSE = 3
)

const STACK_TRACE_SZ = 16384

var Verbosity int
var logFile *os.File

// OadError is the error type reported by the oadsim commands.  Code is the
// OAD status of the failure that caused it and becomes the process exit
// status.  StackTrace holds the creating goroutine's stack.
type OadError struct {
	Parent     error
	Text       string
	Code       status.Code
	StackTrace []byte
}

func (oe *OadError) Error() string {
	return oe.Text
}

func (oe *OadError) Unwrap() error {
	return oe.Parent
}

// ExitStatus is the process exit status for the error: the numeric status
// code, never zero.
func (oe *OadError) ExitStatus() int {
	if oe.Code == status.Success {
		return int(status.Failed)
	}
	return int(oe.Code)
}

func newOadError(code status.Code, parent error, text string) *OadError {
	stack := make([]byte, STACK_TRACE_SZ)
	stack = stack[:runtime.Stack(stack, false)]

	return &OadError{
		Parent:     parent,
		Text:       text,
		Code:       code,
		StackTrace: stack,
	}
}

func NewOadError(msg string) *OadError {
	return newOadError(status.Failed, nil, msg)
}

func FmtOadError(format string, args ...interface{}) *OadError {
	return NewOadError(fmt.Sprintf(format, args...))
}

// StatusOf returns the OAD status carried by err.  An *OadError anywhere in
// the chain takes precedence over a code further down.
func StatusOf(err error) status.Code {
	var oe *OadError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return status.Of(err)
}

// ChildOadError wraps parent, keeping its status code.  If parent is itself
// an *OadError, the new error wraps the original cause instead.
func ChildOadError(parent error) *OadError {
	code := StatusOf(parent)
	for {
		oe, ok := parent.(*OadError)
		if !ok || oe == nil || oe.Parent == nil {
			break
		}
		parent = oe.Parent
	}

	return newOadError(code, parent, parent.Error())
}

func FmtChildOadError(parent error, format string,
	args ...interface{}) *OadError {

	oe := ChildOadError(parent)
	oe.Text = fmt.Sprintf(format, args...)
	return oe
}

// PreOadError prefixes the text of err.  Errors that are not already of type
// *OadError are converted first.
func PreOadError(err error, format string, args ...interface{}) *OadError {
	oe, ok := err.(*OadError)
	if !ok {
		oe = ChildOadError(err)
	}
	oe.Text = fmt.Sprintf(format, args...) + "; " + oe.Text

	return oe
}

// WriteMessage writes a message to w if the verbosity is at least level.  The
// message is copied to the log file, if one is open.
func WriteMessage(w io.Writer, level int, format string,
	args ...interface{}) {

	if Verbosity < level {
		return
	}

	msg := fmt.Sprintf(format, args...)
	io.WriteString(w, msg)
	if logFile != nil {
		logFile.WriteString(msg)
	}
}

func StatusMessage(level int, format string, args ...interface{}) {
	WriteMessage(os.Stdout, level, format, args...)
}

func ErrorMessage(level int, format string, args ...interface{}) {
	WriteMessage(os.Stderr, level, format, args...)
}

// logFormatter writes one line per entry:
//
//	2024/03/16 12:50:47.123 [DEBUG] message key=value ...
type logFormatter struct{}

func (f *logFormatter) Format(entry *log.Entry) ([]byte, error) {
	b := &bytes.Buffer{}

	b.WriteString(entry.Time.Format("2006/01/02 15:04:05.000 "))
	fmt.Fprintf(b, "[%s] %s", strings.ToUpper(entry.Level.String()),
		entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, entry.Data[k])
	}

	b.WriteByte('\n')
	return b.Bytes(), nil
}

// Init configures logging and message verbosity.  If logFilename is not
// empty, log entries and messages are also written to that file.
func Init(level log.Level, logFilename string, verbosity int) error {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}

	log.SetLevel(level)
	log.SetFormatter(&logFormatter{})
	log.SetOutput(os.Stderr)
	Verbosity = verbosity

	if logFilename == "" {
		return nil
	}

	f, err := os.Create(logFilename)
	if err != nil {
		return FmtChildOadError(err, "cannot open log file: %s", err.Error())
	}
	logFile = f
	log.SetOutput(io.MultiWriter(os.Stderr, f))

	return nil
}

// trimLeadingZeros strips the zeros that would make strconv read a number as
// octal.  A "0x" prefix is kept.
func trimLeadingZeros(s string) string {
	for len(s) > 1 && s[0] == '0' && s[1] != 'x' && s[1] != 'X' {
		s = s[1:]
	}
	return s
}

// AtoiNoOctTry parses a decimal or "0x" hexadecimal integer.  A leading zero
// means decimal, not octal.  The second return value is false if s is not a
// number.
func AtoiNoOctTry(s string) (int, bool) {
	i, err := strconv.ParseInt(trimLeadingZeros(s), 0, 64)
	if err != nil {
		return 0, false
	}

	return int(i), true
}

func AtoiNoOct(s string) (int, error) {
	val, ok := AtoiNoOctTry(s)
	if !ok {
		return 0, FmtOadError("Invalid number: \"%s\"", s)
	}

	return val, nil
}

// ParseUint32 parses a decimal or hexadecimal value that must fit in 32 bits.
func ParseUint32(s string) (uint32, error) {
	if _, ok := AtoiNoOctTry(s); !ok {
		return 0, FmtOadError("Invalid number: \"%s\"", s)
	}

	val, err := strconv.ParseUint(trimLeadingZeros(s), 0, 32)
	if err != nil {
		return 0, FmtOadError("Value out of range: \"%s\"", s)
	}

	return uint32(val), nil
}
