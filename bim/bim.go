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

// Package bim is the boot image manager.  At reset it selects a valid image,
// installing a staged one first when external flash holds one, and hands
// control to it.
package bim

import (
	"fmt"

	"github.com/apache/mynewt-artifact/errors"
	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/oad/crc"
	"mynewt.apache.org/oad/flash"
	"mynewt.apache.org/oad/image"
	"mynewt.apache.org/oad/sec"
)

// Platform performs the final, device specific, step of a boot.
type Platform interface {
	TransferControl(entry uint32)
	EnterLowPower()
}

type Action int

const (
	ACTION_JUMP Action = iota
	ACTION_LOW_POWER
)

type Stage int

const (
	STAGE_NONE Stage = iota
	STAGE_EXT_COPY
	STAGE_ONCHIP
	STAGE_PERSISTENT
	STAGE_FACTORY
)

var stageNameMap = map[Stage]string{
	STAGE_NONE:       "none",
	STAGE_EXT_COPY:   "external copy",
	STAGE_ONCHIP:     "on-chip",
	STAGE_PERSISTENT: "persistent",
	STAGE_FACTORY:    "factory",
}

func (s Stage) String() string {
	if name, ok := stageNameMap[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Result describes the outcome of image selection.
type Result struct {
	Action  Action
	Entry   uint32
	HdrAddr uint32
	Stage   Stage
}

func (r Result) String() string {
	if r.Action == ACTION_LOW_POWER {
		return "no valid image; low power"
	}
	return fmt.Sprintf("jump to 0x%x (image at 0x%x, %s)",
		r.Entry, r.HdrAddr, r.Stage)
}

type Config struct {
	Device flash.Device

	// Nil for on-chip configurations.
	ExtDevice flash.Device

	Layout flash.Layout
	Policy sec.Policy

	// Required when Policy demands signatures.
	Auth *sec.Authenticator
}

type Bim struct {
	cfg Config
}

func New(cfg Config) (*Bim, error) {
	if cfg.Device == nil {
		return nil, errors.Errorf("internal flash device required")
	}
	if cfg.Policy.Required() && cfg.Auth == nil {
		return nil, errors.Errorf("security policy %s requires a certificate",
			cfg.Policy)
	}
	if err := cfg.Layout.CheckFits(cfg.Device,
		flash.DEVICE_INTERNAL); err != nil {

		return nil, err
	}

	return &Bim{cfg: cfg}, nil
}

func lowPower() Result {
	return Result{Action: ACTION_LOW_POWER, Stage: STAGE_NONE}
}

// Select chooses the image to run.  Copy and status updates happen as side
// effects; failed images are never erased.
func (b *Bim) Select() Result {
	var res Result
	var ok bool

	if b.cfg.ExtDevice != nil {
		res, ok = b.selectOffChip()
	} else {
		res, ok = b.selectOnChip()
	}
	if !ok {
		log.Warnf("No bootable image found")
		return lowPower()
	}

	log.Infof("BIM: %s", res)
	return res
}

// Boot selects an image and passes control to the platform.
func (b *Bim) Boot(p Platform) Result {
	res := b.Select()

	if res.Action == ACTION_JUMP {
		p.TransferControl(res.Entry)
	} else {
		p.EnterLowPower()
	}

	return res
}

func (b *Bim) bimArea() (lo uint32, hi uint32) {
	if area, ok := b.cfg.Layout.Find(flash.AREA_NAME_BIM); ok {
		return uint32(area.Offset), uint32(area.Offset + area.Size)
	}

	size := flash.Size(b.cfg.Device)
	return size, size
}

func writeStat(dev flash.Device, addr uint32, val uint8) {
	if err := dev.Write(addr, []byte{val}); err != nil {
		log.Warnf("failed to write status 0x%02x at 0x%x: %s", val, addr,
			err.Error())
	}
}

// checkImage runs the validation pipeline on the internal image whose header
// is at addr.  On success it returns the image's entry point.
func (b *Bim) checkImage(addr uint32, typeOk func(uint8) bool) (
	uint32, bool) {

	dev := b.cfg.Device
	size := flash.Size(dev)

	if uint64(addr)+image.IMG_HDR_LEN > uint64(size) {
		return 0, false
	}

	buf := make([]byte, image.IMG_HDR_LEN)
	if err := dev.Read(addr, buf); err != nil {
		log.Debugf("0x%x: header read failed: %s", addr, err.Error())
		return 0, false
	}
	hdr, err := image.ParseImageHdr(buf)
	if err != nil {
		return 0, false
	}
	fixed := &hdr.Fixed

	if !fixed.HasImgID() {
		return 0, false
	}
	if !typeOk(fixed.ImgType) {
		log.Debugf("0x%x: skipping %s image", addr,
			image.ImgTypeName(fixed.ImgType))
		return 0, false
	}
	if !fixed.VersionsMatch() {
		log.Debugf("0x%x: version mismatch: bim=%d meta=%d", addr,
			fixed.BimVer, fixed.MetaVer)
		return 0, false
	}
	if !image.EvenBitCount(fixed.ImgVld) {
		log.Debugf("0x%x: image invalidated", addr)
		return 0, false
	}
	if fixed.Len < image.IMG_HDR_LEN || uint64(addr)+uint64(fixed.Len) >
		uint64(size) {

		log.Debugf("0x%x: bad length %d", addr, fixed.Len)
		return 0, false
	}

	switch fixed.CrcStat {
	case image.CRC_VALID:

	case image.CRC_DEFAULT:
		sum, err := crc.CalcAt(dev, addr, fixed.Len)
		if err != nil {
			log.Debugf("0x%x: crc failed: %s", addr, err.Error())
			return 0, false
		}
		if sum != fixed.Crc32 {
			log.Debugf("0x%x: crc mismatch: have=0x%08x want=0x%08x", addr,
				sum, fixed.Crc32)
			writeStat(dev, addr+image.CRC_STAT_OFFSET, image.CRC_INVALID)
			return 0, false
		}
		writeStat(dev, addr+image.CRC_STAT_OFFSET, image.CRC_VALID)

	default:
		log.Debugf("0x%x: crc marked invalid", addr)
		return 0, false
	}

	if !b.authenticate(addr, fixed.Len) {
		return 0, false
	}

	if fixed.PrgEntry < addr || uint64(fixed.PrgEntry) >
		uint64(addr)+uint64(fixed.Len) {

		log.Debugf("0x%x: entry 0x%x outside image", addr, fixed.PrgEntry)
		return 0, false
	}

	return fixed.PrgEntry, true
}

func (b *Bim) authenticate(addr uint32, length uint32) bool {
	if !b.cfg.Policy.Required() {
		return true
	}

	if err := b.cfg.Auth.Authenticate(b.cfg.Device, addr, length); err != nil {
		log.Debugf("0x%x: authentication failed: %s", addr, err.Error())
		return false
	}

	return true
}
