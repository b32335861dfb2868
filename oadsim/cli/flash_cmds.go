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
	"io"
	"os"
	"path/filepath"

	"github.com/otiai10/copy"
	"github.com/spf13/cobra"

	"mynewt.apache.org/oad/flash"
	"mynewt.apache.org/oad/image"
	"mynewt.apache.org/oad/imgtool"
	"mynewt.apache.org/oad/oadsim/profile"
	"mynewt.apache.org/oad/storage"
	"mynewt.apache.org/oad/util"
)

var flashInstallAddr string
var flashInstallExt bool

func initFlashRunCmd(cmd *cobra.Command, args []string) {
	p := mustLoadProfile()

	dev, ext := p.NewDevices()
	if err := p.SaveDevices(dev, ext); err != nil {
		OadsimUsage(nil, err)
	}

	util.StatusMessage(util.VERBOSITY_DEFAULT, "Erased %s\n", p.Flash.File)
	if ext != nil {
		util.StatusMessage(util.VERBOSITY_DEFAULT, "Erased %s\n",
			p.ExtFlash.File)
	}
}

// installImage programs an image file directly, as a debugger would.
func installImage(p *profile.Profile, dev flash.Device, ext flash.Device,
	img []byte, hdr *image.ImageHdr) (uint32, error) {

	target := dev
	addr := hdr.StartAddr()
	if flashInstallAddr != "" {
		var err error
		addr, err = util.ParseUint32(flashInstallAddr)
		if err != nil {
			return 0, err
		}
	}
	if flashInstallExt {
		if ext == nil {
			return 0, util.FmtOadError("profile %s has no external flash",
				p.Name)
		}
		target = ext
	}

	if !flash.IsPageAligned(target, addr) {
		return 0, util.FmtOadError("address 0x%x is not page aligned", addr)
	}
	if uint64(addr)+uint64(len(img)) > uint64(flash.Size(target)) {
		return 0, util.FmtOadError("image does not fit at 0x%x", addr)
	}

	startPage := flash.PageOf(target, addr)
	numPages := flash.PagesFor(target, uint32(len(img)))
	if err := flash.ErasePages(target, startPage, numPages); err != nil {
		return 0, util.ChildOadError(err)
	}
	if err := target.Write(addr, img); err != nil {
		return 0, util.ChildOadError(err)
	}

	return addr, nil
}

func installFlashRunCmd(cmd *cobra.Command, args []string) {
	if len(args) < 1 {
		OadsimUsage(cmd, util.NewOadError("Must specify image file"))
	}

	p := mustLoadProfile()
	dev, ext, err := p.LoadDevices()
	if err != nil {
		OadsimUsage(nil, err)
	}

	img, hdr, err := imgtool.ReadImage(args[0])
	if err != nil {
		OadsimUsage(nil, util.ChildOadError(err))
	}

	var extDev flash.Device
	if ext != nil {
		extDev = ext
	}
	addr, err := installImage(p, dev, extDev, img, &hdr)
	if err != nil {
		OadsimUsage(nil, err)
	}

	if err := p.SaveDevices(dev, ext); err != nil {
		OadsimUsage(nil, err)
	}

	util.StatusMessage(util.VERBOSITY_DEFAULT,
		"Installed %s image %s at 0x%x (%d bytes)\n",
		image.ImgTypeName(hdr.Fixed.ImgType), args[0], addr, len(img))
}

func fixedHdrString(fixed *image.FixedHdr) string {
	vld := "valid"
	if !image.EvenBitCount(fixed.ImgVld) {
		vld = "invalidated"
	}

	return fmt.Sprintf("type=%s no=%d len=%d ver=%s cpstat=0x%02x "+
		"crcstat=0x%02x %s", image.ImgTypeName(fixed.ImgType), fixed.ImgNo,
		fixed.Len, fixed.SoftVer, fixed.ImgCpStat, fixed.CrcStat, vld)
}

// writeFlashSummary lists the image headers found at page boundaries of
// internal flash and the metadata records of external flash.
func writeFlashSummary(w io.Writer, dev flash.Device, ext flash.Device) error {
	fmt.Fprintf(w, "Internal flash (%d x %d):\n", dev.NumPages(),
		dev.PageSize())

	b := make([]byte, image.FIXED_HDR_LEN)
	for page := 0; page < dev.NumPages(); page++ {
		if err := flash.ReadPage(dev, page, 0, b); err != nil {
			return err
		}
		fixed, err := image.ParseFixedHdr(b)
		if err != nil || !fixed.HasImgID() {
			continue
		}

		fmt.Fprintf(w, "    0x%08x: %s\n", flash.PageAddr(dev, page),
			fixedHdrString(&fixed))
	}

	if ext == nil {
		return nil
	}

	fmt.Fprintf(w, "External flash (%d x %d):\n", ext.NumPages(),
		ext.PageSize())

	imgs, err := storage.ExtImages(ext)
	if err != nil {
		return err
	}
	for _, img := range imgs {
		fmt.Fprintf(w, "    meta %d: addr=0x%08x counter=%d %s\n",
			img.MetaPage, img.Info.ExtFlAddr, img.Info.Counter,
			fixedHdrString(&img.Info.Fixed))
	}

	return nil
}

func showFlashRunCmd(cmd *cobra.Command, args []string) {
	p := mustLoadProfile()
	dev, ext, err := p.LoadDevices()
	if err != nil {
		OadsimUsage(nil, err)
	}

	var extDev flash.Device
	if ext != nil {
		extDev = ext
	}
	if err := writeFlashSummary(os.Stdout, dev, extDev); err != nil {
		OadsimUsage(nil, util.ChildOadError(err))
	}
}

func flashFiles(p *profile.Profile) []string {
	files := []string{p.Flash.File}
	if p.External() {
		files = append(files, p.ExtFlash.File)
	}
	return files
}

func copyFlashFiles(files []string, srcDir string, dstDir string) error {
	opt := copy.Options{
		OnSymlink: func(src string) copy.SymlinkAction {
			return copy.Shallow
		},
	}

	for _, f := range files {
		src := f
		dst := f
		if srcDir != "" {
			src = filepath.Join(srcDir, filepath.Base(f))
		}
		if dstDir != "" {
			dst = filepath.Join(dstDir, filepath.Base(f))
		}

		if err := copy.Copy(src, dst, opt); err != nil {
			return util.ChildOadError(err)
		}
	}

	return nil
}

func snapshotFlashRunCmd(cmd *cobra.Command, args []string) {
	if len(args) < 1 {
		OadsimUsage(cmd, util.NewOadError("Must specify snapshot directory"))
	}

	p := mustLoadProfile()
	if err := copyFlashFiles(flashFiles(p), "", args[0]); err != nil {
		OadsimUsage(nil, err)
	}

	util.StatusMessage(util.VERBOSITY_DEFAULT, "Saved flash to %s\n",
		args[0])
}

func restoreFlashRunCmd(cmd *cobra.Command, args []string) {
	if len(args) < 1 {
		OadsimUsage(cmd, util.NewOadError("Must specify snapshot directory"))
	}

	p := mustLoadProfile()
	if err := copyFlashFiles(flashFiles(p), args[0], ""); err != nil {
		OadsimUsage(nil, err)
	}

	util.StatusMessage(util.VERBOSITY_DEFAULT, "Restored flash from %s\n",
		args[0])
}

func AddFlashCommands(cmd *cobra.Command) {
	flashCmd := &cobra.Command{
		Use:   "flash",
		Short: "Manage the simulated flash devices",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	initCmd := &cobra.Command{
		Use:     "init",
		Short:   "Create erased flash files for the profile",
		Example: "  oadsim flash init -p cc2652.yml",
		Run:     initFlashRunCmd,
	}
	flashCmd.AddCommand(initCmd)

	installHelpText := FormatHelp(`Writes an image file straight into
		flash, bypassing the download protocol.  By default the image is
		written to internal flash at its payload start address.`)

	installCmd := &cobra.Command{
		Use:     "install <img-file>",
		Short:   "Program an image into flash",
		Long:    installHelpText,
		Example: "  oadsim flash install persistent.img",
		Run:     installFlashRunCmd,
	}
	installCmd.Flags().StringVarP(&flashInstallAddr, "addr", "a", "",
		"Flash address (default: image start address)")
	installCmd.Flags().BoolVarP(&flashInstallExt, "ext", "e", false,
		"Write to external flash")
	flashCmd.AddCommand(installCmd)

	showCmd := &cobra.Command{
		Use:     "show",
		Short:   "List the images stored in flash",
		Example: "  oadsim flash show",
		Run:     showFlashRunCmd,
	}
	flashCmd.AddCommand(showCmd)

	snapshotCmd := &cobra.Command{
		Use:     "snapshot <dir>",
		Short:   "Copy the flash files to a directory",
		Example: "  oadsim flash snapshot before-boot",
		Run:     snapshotFlashRunCmd,
	}
	flashCmd.AddCommand(snapshotCmd)

	restoreCmd := &cobra.Command{
		Use:     "restore <dir>",
		Short:   "Replace the flash files with a snapshot",
		Example: "  oadsim flash restore before-boot",
		Run:     restoreFlashRunCmd,
	}
	flashCmd.AddCommand(restoreCmd)

	cmd.AddCommand(flashCmd)
}
