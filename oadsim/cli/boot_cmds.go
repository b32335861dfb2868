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
	"github.com/spf13/cobra"

	"mynewt.apache.org/oad/bim"
	"mynewt.apache.org/oad/flash"
	"mynewt.apache.org/oad/image"
	"mynewt.apache.org/oad/oadsim/profile"
	"mynewt.apache.org/oad/storage"
	"mynewt.apache.org/oad/util"
)

var bootDryRun bool
var enableImgNo string
var enableTechType string

// simPlatform reports the boot decision instead of acting on it.
type simPlatform struct{}

func (simPlatform) TransferControl(entry uint32) {
	util.StatusMessage(util.VERBOSITY_DEFAULT,
		"Transferring control to 0x%08x\n", entry)
}

func (simPlatform) EnterLowPower() {
	util.StatusMessage(util.VERBOSITY_DEFAULT,
		"No bootable image; entering low power mode\n")
}

func runBoot(p *profile.Profile, dev *flash.MemDevice,
	ext *flash.MemDevice) (bim.Result, error) {

	cfg, err := p.BimConfig(dev, ext)
	if err != nil {
		return bim.Result{}, err
	}

	b, err := bim.New(cfg)
	if err != nil {
		return bim.Result{}, util.ChildOadError(err)
	}

	return b.Boot(simPlatform{}), nil
}

func bootRunCmd(cmd *cobra.Command, args []string) {
	p := mustLoadProfile()
	dev, ext, err := p.LoadDevices()
	if err != nil {
		OadsimUsage(nil, err)
	}

	res, err := runBoot(p, dev, ext)
	if err != nil {
		OadsimUsage(nil, err)
	}

	util.StatusMessage(util.VERBOSITY_VERBOSE, "Boot result: %s\n", res)

	if !bootDryRun {
		if err := p.SaveDevices(dev, ext); err != nil {
			OadsimUsage(nil, err)
		}
	}
}

func openStorage() (*profile.Profile, *flash.MemDevice, *flash.MemDevice,
	*storage.Storage) {

	p := mustLoadProfile()
	dev, ext, err := p.LoadDevices()
	if err != nil {
		OadsimUsage(nil, err)
	}

	st, err := storage.New(p.StorageConfig(dev, ext))
	if err != nil {
		OadsimUsage(nil, util.ChildOadError(err))
	}

	return p, dev, ext, st
}

func enableRunCmd(cmd *cobra.Command, args []string) {
	if len(args) < 1 {
		OadsimUsage(cmd, util.NewOadError("Must specify image type"))
	}

	p, dev, ext, st := openStorage()

	imgType, err := image.ParseImgType(args[0])
	if err != nil {
		OadsimUsage(cmd, util.ChildOadError(err))
	}
	imgNo := parseUint8Flag("image number", enableImgNo)
	techType := parseUint16Flag("technology type", enableTechType)

	if err := st.EnableImage(imgType, imgNo, techType); err != nil {
		OadsimUsage(nil, util.ChildOadError(err))
	}
	if err := p.SaveDevices(dev, ext); err != nil {
		OadsimUsage(nil, err)
	}

	util.StatusMessage(util.VERBOSITY_DEFAULT,
		"Image marked for copy on next boot\n")
}

func backupFactoryRunCmd(cmd *cobra.Command, args []string) {
	p, dev, ext, st := openStorage()

	if err := st.BackupFactoryImage(); err != nil {
		OadsimUsage(nil, util.ChildOadError(err))
	}
	if err := p.SaveDevices(dev, ext); err != nil {
		OadsimUsage(nil, err)
	}

	util.StatusMessage(util.VERBOSITY_DEFAULT,
		"Running image saved as factory image\n")
}

func invalidateRunCmd(cmd *cobra.Command, args []string) {
	if len(args) < 1 {
		OadsimUsage(cmd, util.NewOadError("Must specify header address"))
	}

	p, dev, ext, st := openStorage()

	addr := parseUint32Flag("header address", args[0])
	if err := st.InvalidateImage(addr); err != nil {
		OadsimUsage(nil, util.ChildOadError(err))
	}
	if err := p.SaveDevices(dev, ext); err != nil {
		OadsimUsage(nil, err)
	}

	util.StatusMessage(util.VERBOSITY_DEFAULT,
		"Image at 0x%x invalidated\n", addr)
}

func AddBootCommands(cmd *cobra.Command) {
	bootHelpText := FormatHelp(`Runs the boot image manager against the
		simulated flash and reports which image it would start.  Images
		stored in external flash and marked for copy are installed first.
		Status bytes the boot manager writes (CRC results, copy state,
		signature failures) are saved unless --dry-run is given.`)

	bootCmd := &cobra.Command{
		Use:     "boot",
		Short:   "Simulate a device reset",
		Long:    bootHelpText,
		Example: "  oadsim boot\n  oadsim boot --dry-run -v",
		Run:     bootRunCmd,
	}
	bootCmd.Flags().BoolVarP(&bootDryRun, "dry-run", "n", false,
		"Do not save changes to flash")
	cmd.AddCommand(bootCmd)

	enableHelpText := FormatHelp(`Marks an image previously downloaded to
		external flash so that the boot image manager copies it to internal
		flash on the next reset.`)

	enableCmd := &cobra.Command{
		Use:     "enable <img-type>",
		Short:   "Select a stored external image for installation",
		Long:    enableHelpText,
		Example: "  oadsim enable app --img-no 1",
		Run:     enableRunCmd,
	}
	enableCmd.Flags().StringVarP(&enableImgNo, "img-no", "n", "0",
		"Image number")
	enableCmd.Flags().StringVarP(&enableTechType, "tech-type", "", "0",
		"Wireless technology type")
	cmd.AddCommand(enableCmd)

	backupCmd := &cobra.Command{
		Use:     "backup-factory",
		Short:   "Copy the running image to the factory slot",
		Example: "  oadsim backup-factory",
		Run:     backupFactoryRunCmd,
	}
	cmd.AddCommand(backupCmd)

	invalidateCmd := &cobra.Command{
		Use:     "invalidate <hdr-addr>",
		Short:   "Invalidate the image at an internal flash address",
		Example: "  oadsim invalidate 0x0",
		Run:     invalidateRunCmd,
	}
	cmd.AddCommand(invalidateCmd)
}
