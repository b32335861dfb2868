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
	"io/ioutil"

	"github.com/spf13/cobra"

	"mynewt.apache.org/oad/crc"
	"mynewt.apache.org/oad/flash"
	"mynewt.apache.org/oad/image"
	"mynewt.apache.org/oad/imgtool"
	"mynewt.apache.org/oad/sec"
	"mynewt.apache.org/oad/util"
)

const VERIFY_PAGE_SZ = 4096

var imgType string
var imgNo string
var imgTechType string
var imgVersion string
var imgStart string
var imgEntry string
var imgSecVer string
var imgTimeStamp string
var imgKeyFile string
var imgKeyPassword string
var imgStackStart string
var imgStackEntry string
var imgRamStart string
var imgRamEnd string
var imgCertFile string

func createImageRunCmd(cmd *cobra.Command, args []string) {
	if len(args) < 2 {
		OadsimUsage(cmd, util.NewOadError("Must specify body and image file"))
	}

	body, err := ioutil.ReadFile(args[0])
	if err != nil {
		OadsimUsage(nil, util.ChildOadError(err))
	}

	ic := imgtool.NewImageCreator()
	ic.Body = body

	ic.ImgType, err = image.ParseImgType(imgType)
	if err != nil {
		OadsimUsage(cmd, util.ChildOadError(err))
	}
	ic.ImgNo = parseUint8Flag("image number", imgNo)
	ic.TechType = parseUint16Flag("technology type", imgTechType)
	ic.SoftVer, err = image.ParseSoftVer(imgVersion)
	if err != nil {
		OadsimUsage(cmd, util.ChildOadError(err))
	}
	ic.StartAddr = parseUint32Flag("start address", imgStart)
	ic.PrgEntry = parseUint32Flag("entry address", imgEntry)
	ic.SecVer = parseUint8Flag("security version", imgSecVer)
	ic.TimeStamp = parseUint32Flag("timestamp", imgTimeStamp)

	ic.Boundary.StackStartAddr = parseUint32Flag("stack start", imgStackStart)
	ic.Boundary.StackEntryAddr = parseUint32Flag("stack entry", imgStackEntry)
	ic.Boundary.Ram0StartAddr = parseUint32Flag("RAM start", imgRamStart)
	ic.Boundary.Ram0EndAddr = parseUint32Flag("RAM end", imgRamEnd)

	if imgKeyFile != "" {
		sec.KeyPassword = []byte(imgKeyPassword)
		ic.SigKey, err = sec.ReadKey(imgKeyFile)
		if err != nil {
			OadsimUsage(nil, util.ChildOadError(err))
		}
	}

	img, err := ic.Create()
	if err != nil {
		OadsimUsage(nil, util.ChildOadError(err))
	}

	if err := imgtool.WriteImage(img, args[1]); err != nil {
		OadsimUsage(nil, util.ChildOadError(err))
	}

	util.StatusMessage(util.VERBOSITY_DEFAULT,
		"Created %s image %s (%d bytes, %d blocks of %d)\n",
		image.ImgTypeName(ic.ImgType), args[1], len(img),
		blockCount(len(img), DFLT_BYTES_PER_BLOCK), DFLT_BYTES_PER_BLOCK)
}

func showImageRunCmd(cmd *cobra.Command, args []string) {
	if len(args) < 1 {
		OadsimUsage(cmd, util.NewOadError("Must specify image file"))
	}

	_, hdr, err := imgtool.ReadImage(args[0])
	if err != nil {
		OadsimUsage(nil, util.ChildOadError(err))
	}

	s, err := hdr.Json()
	if err != nil {
		OadsimUsage(nil, util.ChildOadError(err))
	}

	fmt.Printf("%s\n", s)
}

// verifyImage checks the CRC of an image file and, if cert is non-nil, its
// signature.
func verifyImage(img []byte, hdr *image.ImageHdr, cert *sec.Cert) error {
	sum, err := crc.Checksum(img)
	if err != nil {
		return err
	}
	if sum != hdr.Fixed.Crc32 {
		return util.FmtOadError("CRC mismatch: have=0x%08x want=0x%08x",
			hdr.Fixed.Crc32, sum)
	}

	if cert == nil {
		return nil
	}

	numPages := (len(img) + VERIFY_PAGE_SZ - 1) / VERIFY_PAGE_SZ
	dev := flash.NewMemDevice(VERIFY_PAGE_SZ, numPages)
	if err := dev.Write(0, img); err != nil {
		return err
	}

	auth := sec.NewAuthenticator(*cert)
	if err := auth.Authenticate(dev, 0, uint32(len(img))); err != nil {
		return util.FmtChildOadError(err, "signature invalid: %s",
			err.Error())
	}

	return nil
}

func verifyImageRunCmd(cmd *cobra.Command, args []string) {
	if len(args) < 1 {
		OadsimUsage(cmd, util.NewOadError("Must specify image file"))
	}

	img, hdr, err := imgtool.ReadImage(args[0])
	if err != nil {
		OadsimUsage(nil, util.ChildOadError(err))
	}

	var cert *sec.Cert
	if imgCertFile != "" {
		c, err := sec.ReadCert(imgCertFile)
		if err != nil {
			OadsimUsage(nil, util.ChildOadError(err))
		}
		cert = &c
	}

	if err := verifyImage(img, &hdr, cert); err != nil {
		OadsimUsage(nil, err)
	}

	if cert != nil {
		util.StatusMessage(util.VERBOSITY_DEFAULT,
			"%s: CRC and signature OK\n", args[0])
	} else {
		util.StatusMessage(util.VERBOSITY_DEFAULT, "%s: CRC OK\n", args[0])
	}
}

func AddImageCommands(cmd *cobra.Command) {
	imageCmd := &cobra.Command{
		Use:   "image",
		Short: "Create and inspect OAD images",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	createHelpText := FormatHelp(`Wraps a raw binary in an OAD image
		header.  The header carries the image identity, a boundary segment
		describing the stack and RAM the image uses, a security segment and
		a contiguous payload segment.  If a signing key is given, the image
		is signed with ECDSA P-256 over SHA-256.  The CRC is computed last.`)
	createHelpEx := "  oadsim image create app.bin app.img --type app " +
		"--start 0x0 --version 1.0.0.0\n"
	createHelpEx += "  oadsim image create app.bin app.img --key key.pem"

	createCmd := &cobra.Command{
		Use:     "create <body-file> <img-file>",
		Short:   "Create an OAD image from a raw binary",
		Long:    createHelpText,
		Example: createHelpEx,
		Run:     createImageRunCmd,
	}

	createCmd.Flags().StringVarP(&imgType, "type", "t", "app",
		"Image type (persistent, app, stack, appstack, np, factory, bim, "+
			"appstacklib)")
	createCmd.Flags().StringVarP(&imgNo, "img-no", "n", "0", "Image number")
	createCmd.Flags().StringVarP(&imgTechType, "tech-type", "", "0",
		"Wireless technology type")
	createCmd.Flags().StringVarP(&imgVersion, "version", "V", "0.0.0.0",
		"Software version (major.minor.rev.build)")
	createCmd.Flags().StringVarP(&imgStart, "start", "", "0",
		"Flash address the image runs from")
	createCmd.Flags().StringVarP(&imgEntry, "entry", "", "0",
		"Program entry address (default: image start)")
	createCmd.Flags().StringVarP(&imgSecVer, "sec-ver", "", "1",
		"Security segment version")
	createCmd.Flags().StringVarP(&imgTimeStamp, "timestamp", "", "0",
		"Security segment timestamp")
	createCmd.Flags().StringVarP(&imgKeyFile, "key", "k", "",
		"PEM private key used to sign the image")
	createCmd.Flags().StringVarP(&imgKeyPassword, "key-password", "", "",
		"Password of an encrypted signing key")
	createCmd.Flags().StringVarP(&imgStackStart, "stack-start", "", "0",
		"Boundary: stack start address")
	createCmd.Flags().StringVarP(&imgStackEntry, "stack-entry", "", "0",
		"Boundary: stack entry address")
	createCmd.Flags().StringVarP(&imgRamStart, "ram-start", "", "0",
		"Boundary: first RAM address used")
	createCmd.Flags().StringVarP(&imgRamEnd, "ram-end", "", "0",
		"Boundary: last RAM address used")

	imageCmd.AddCommand(createCmd)

	showCmd := &cobra.Command{
		Use:     "show <img-file>",
		Short:   "Display an OAD image header as JSON",
		Example: "  oadsim image show app.img",
		Run:     showImageRunCmd,
	}
	imageCmd.AddCommand(showCmd)

	verifyHelpText := FormatHelp(`Checks the CRC of an OAD image.  If a
		certificate is given, also checks that the image is signed by the
		certificate's key.`)

	verifyCmd := &cobra.Command{
		Use:     "verify <img-file>",
		Short:   "Verify the CRC and signature of an OAD image",
		Long:    verifyHelpText,
		Example: "  oadsim image verify app.img --cert pub.pem",
		Run:     verifyImageRunCmd,
	}
	verifyCmd.Flags().StringVarP(&imgCertFile, "cert", "c", "",
		"PEM public key of the trusted signer")

	imageCmd.AddCommand(verifyCmd)

	cmd.AddCommand(imageCmd)
}
