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

package cli

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"mynewt.apache.org/oad/oadsim/profile"
	"mynewt.apache.org/oad/status"
	"mynewt.apache.org/oad/util"
)

const OadsimVersionStr = "oadsim 1.0.0"

var OadsimProfilePath string

// OadsimUsage reports err and exits.  The exit status is the OAD status
// code carried by err, or 1 if there is none.  If cmd is not nil its help
// text follows the error.
func OadsimUsage(cmd *cobra.Command, err error) {
	exitStatus := 1
	if err != nil {
		oErr, ok := err.(*util.OadError)
		if !ok {
			oErr = util.ChildOadError(err)
		}
		log.Debugf("%s", oErr.StackTrace)
		util.ErrorMessage(util.VERBOSITY_QUIET, "Error: %s\n", oErr.Text)
		if oErr.Code != status.Failed {
			util.ErrorMessage(util.VERBOSITY_VERBOSE, "Status: %s\n",
				oErr.Code)
		}
		exitStatus = oErr.ExitStatus()
	}

	if cmd != nil {
		fmt.Printf("\n%s - ", cmd.Name())
		cmd.Help()
	}
	os.Exit(exitStatus)
}

const HELP_LINE_WIDTH = 79

// FormatHelp collapses the white space in text and fills it to
// HELP_LINE_WIDTH columns.
func FormatHelp(text string) string {
	b := &strings.Builder{}
	col := 0
	for _, word := range strings.Fields(text) {
		switch {
		case col == 0:
		case col+1+len(word) > HELP_LINE_WIDTH:
			b.WriteByte('\n')
			col = 0
		default:
			b.WriteByte(' ')
			col++
		}
		b.WriteString(word)
		col += len(word)
	}

	return b.String()
}

func AddProfileFlag(flags *pflag.FlagSet) {
	flags.StringVarP(&OadsimProfilePath, "profile", "p", "",
		"Device profile (default: "+profile.PROFILE_FILENAME+
			" next to the executable)")
}

func loadProfile() (*profile.Profile, error) {
	path := OadsimProfilePath
	if path == "" {
		var err error
		path, err = profile.DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	return profile.Read(path)
}

func mustLoadProfile() *profile.Profile {
	p, err := loadProfile()
	if err != nil {
		OadsimUsage(nil, err)
	}
	return p
}

func parseUint8Flag(name string, val string) uint8 {
	n, err := util.AtoiNoOct(val)
	if err != nil || n < 0 || n > 0xff {
		OadsimUsage(nil, util.FmtOadError("invalid %s: %s", name, val))
	}
	return uint8(n)
}

func parseUint16Flag(name string, val string) uint16 {
	n, err := util.AtoiNoOct(val)
	if err != nil || n < 0 || n > 0xffff {
		OadsimUsage(nil, util.FmtOadError("invalid %s: %s", name, val))
	}
	return uint16(n)
}

func parseUint32Flag(name string, val string) uint32 {
	n, err := util.ParseUint32(val)
	if err != nil {
		OadsimUsage(nil, util.PreOadError(err, "invalid %s", name))
	}
	return n
}
