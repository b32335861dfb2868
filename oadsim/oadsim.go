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

package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mynewt.apache.org/oad/oadsim/cli"
	"mynewt.apache.org/oad/util"
)

var OadsimLogLevel log.Level
var oadsimSilent bool
var oadsimQuiet bool
var oadsimVerbose bool
var oadsimLogFile string

func oadsimCmd() *cobra.Command {
	oadsimHelpText := cli.FormatHelp(`oadsim simulates over-the-air
		firmware download on a device with an OAD boot image manager.  It
		builds OAD images, transfers them block by block into simulated
		flash, and runs the boot image manager to show which image the
		device would start.`)
	oadsimHelpText += "\n\n" + cli.FormatHelp(`The simulated device is
		described by a YAML profile giving the flash geometry, the flash
		area map and the security policy.`)
	oadsimHelpEx := "  oadsim\n"
	oadsimHelpEx += "  oadsim help [<command-name>]\n"
	oadsimHelpEx += "    For help on <command-name>.  If not specified, " +
		"print this message."

	logLevelStr := ""
	oadsimCmd := &cobra.Command{
		Use:     "oadsim",
		Short:   "oadsim is a tool to exercise OAD firmware updates",
		Long:    oadsimHelpText,
		Example: oadsimHelpEx,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			verbosity := util.VERBOSITY_DEFAULT
			if oadsimSilent {
				verbosity = util.VERBOSITY_SILENT
			} else if oadsimQuiet {
				verbosity = util.VERBOSITY_QUIET
			} else if oadsimVerbose {
				verbosity = util.VERBOSITY_VERBOSE
			}

			var err error
			OadsimLogLevel, err = log.ParseLevel(logLevelStr)
			if err != nil {
				cli.OadsimUsage(nil, util.NewOadError(err.Error()))
			}

			err = util.Init(OadsimLogLevel, oadsimLogFile, verbosity)
			if err != nil {
				cli.OadsimUsage(nil, err)
			}
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	oadsimCmd.PersistentFlags().BoolVarP(&oadsimVerbose, "verbose", "v",
		false, "Enable verbose output when executing commands")
	oadsimCmd.PersistentFlags().BoolVarP(&oadsimQuiet, "quiet", "q", false,
		"Be quiet; only display error output")
	oadsimCmd.PersistentFlags().BoolVarP(&oadsimSilent, "silent", "s", false,
		"Be silent; don't output anything")
	oadsimCmd.PersistentFlags().StringVarP(&logLevelStr, "loglevel", "l",
		"WARN", "Log level")
	oadsimCmd.PersistentFlags().StringVarP(&oadsimLogFile, "outfile", "o",
		"", "Filename to tee output to")
	cli.AddProfileFlag(oadsimCmd.PersistentFlags())

	versHelpText := cli.FormatHelp(`Display the oadsim version number`)
	versHelpEx := "  oadsim version"
	versCmd := &cobra.Command{
		Use:     "version",
		Short:   "Display the oadsim version number",
		Long:    versHelpText,
		Example: versHelpEx,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s\n", cli.OadsimVersionStr)
		},
	}

	oadsimCmd.AddCommand(versCmd)

	return oadsimCmd
}

func main() {
	cmd := oadsimCmd()

	cli.AddImageCommands(cmd)
	cli.AddFlashCommands(cmd)
	cli.AddDownloadCommands(cmd)
	cli.AddBootCommands(cmd)

	cmd.Execute()
}
