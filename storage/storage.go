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

// Package storage receives OAD images block by block and stages them in
// internal or external flash for the boot image manager.
package storage

import (
	"encoding/binary"
	"sync"

	"github.com/apache/mynewt-artifact/errors"
	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/oad/crc"
	"mynewt.apache.org/oad/flash"
	"mynewt.apache.org/oad/image"
	"mynewt.apache.org/oad/status"
)

const (
	OAD_DEFAULT_BLOCK_SIZE = 128
	OAD_BLK_NUM_HDR_SZ     = 4

	COPY_CHUNK_SZ = 256
)

type Config struct {
	// Internal flash.  Holds the running image and, when no external device
	// is configured, the download staging regions.
	Device flash.Device

	// External flash used as staging area.  Nil selects on-chip staging.
	ExtDevice flash.Device

	// Internal flash regions (application, stack, BIM).
	Layout flash.Layout

	// Image bytes carried by each block, excluding the block number.
	BytesPerBlock int

	// Header address of the image currently executing.
	RunningHdrAddr uint32

	// Bytes reserved at the top of external flash for the factory image.
	FactorySize uint32
}

// Storage owns the flash staging areas.  At most one download session may
// be open at a time.
type Storage struct {
	cfg    Config
	mu     sync.Mutex
	active *Session
}

func New(cfg Config) (*Storage, error) {
	if cfg.Device == nil {
		return nil, errors.Errorf("internal flash device required")
	}
	if cfg.BytesPerBlock == 0 {
		cfg.BytesPerBlock = OAD_DEFAULT_BLOCK_SIZE - OAD_BLK_NUM_HDR_SZ
	}
	if cfg.BytesPerBlock < 0 {
		return nil, errors.Errorf("invalid block size %d", cfg.BytesPerBlock)
	}

	if err := cfg.Layout.CheckFits(cfg.Device,
		flash.DEVICE_INTERNAL); err != nil {

		return nil, err
	}

	if cfg.ExtDevice != nil {
		ext := cfg.ExtDevice
		if ext.NumPages() <= image.EFL_MAX_META {
			return nil, errors.Errorf(
				"external flash too small: %d pages", ext.NumPages())
		}
		if !flash.IsPageAligned(ext, cfg.FactorySize) ||
			uint64(extImageRegionStart(ext))+uint64(cfg.FactorySize) >=
				uint64(flash.Size(ext)) {

			return nil, errors.Errorf("invalid factory region size 0x%x",
				cfg.FactorySize)
		}
	} else if _, ok := cfg.Layout.Find(flash.AREA_NAME_APP); !ok {
		return nil, errors.Errorf("on-chip staging requires an %s area",
			flash.AREA_NAME_APP)
	}

	return &Storage{
		cfg: cfg,
	}, nil
}

func (s *Storage) External() bool {
	return s.cfg.ExtDevice != nil
}

func (s *Storage) BytesPerBlock() int {
	return s.cfg.BytesPerBlock
}

// Open starts a download session.  It fails with status Busy while another
// session is open.
func (s *Storage) Open() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return nil, status.Errorf(status.Busy, "download already in progress")
	}

	sess := newSession(s)
	s.active = sess

	log.Debugf("OAD session opened")
	return sess, nil
}

func (s *Storage) release(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == sess {
		s.active = nil
		log.Debugf("OAD session closed")
	}
}

// idle runs fn with no download session open.
func (s *Storage) idle(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return status.Errorf(status.Busy, "download in progress")
	}

	return fn()
}

func readImageHdr(dev flash.Device, addr uint32) (image.ImageHdr, error) {
	b := make([]byte, image.IMG_HDR_LEN)
	if err := dev.Read(addr, b); err != nil {
		return image.ImageHdr{}, err
	}

	return image.ParseImageHdr(b)
}

func (s *Storage) runningHdr() (image.ImageHdr, error) {
	hdr, err := readImageHdr(s.cfg.Device, s.cfg.RunningHdrAddr)
	if err != nil {
		return hdr, status.Wrapf(status.FlashError, err,
			"failed to read running image header")
	}
	if !hdr.Fixed.HasImgID() {
		return hdr, status.Errorf(status.Failed,
			"no valid image at running address 0x%x", s.cfg.RunningHdrAddr)
	}

	return hdr, nil
}

// stackHdr returns the header of the installed stack image, if any.
func (s *Storage) stackHdr() (image.ImageHdr, bool) {
	area, ok := s.cfg.Layout.Find(flash.AREA_NAME_STACK)
	if !ok {
		return image.ImageHdr{}, false
	}

	hdr, err := readImageHdr(s.cfg.Device, uint32(area.Offset))
	if err != nil || !hdr.Fixed.HasImgID() ||
		hdr.Fixed.ImgType != image.IMG_TYPE_STACK {

		return image.ImageHdr{}, false
	}

	return hdr, true
}

// bimStart is the lowest address owned by the boot image manager.
func (s *Storage) bimStart() uint32 {
	if area, ok := s.cfg.Layout.Find(flash.AREA_NAME_BIM); ok {
		return uint32(area.Offset)
	}
	return flash.Size(s.cfg.Device)
}

// stackStart is the lowest address an application image may not reach.
func (s *Storage) stackStart() uint32 {
	if hdr, ok := s.stackHdr(); ok {
		return hdr.StartAddr()
	}
	if area, ok := s.cfg.Layout.Find(flash.AREA_NAME_STACK); ok {
		return uint32(area.Offset)
	}
	return s.bimStart()
}

// InvalidateImage clears one bit of the validation word of the internal
// image at addr.  The boot image manager skips images with odd parity.
func (s *Storage) InvalidateImage(addr uint32) error {
	return s.idle(func() error {
		dev := s.cfg.Device

		fixed, err := readFixedHdr(dev, addr)
		if err != nil {
			return status.Wrapf(status.FlashError, err, "read header")
		}
		if !fixed.HasImgID() {
			return status.Errorf(status.Failed, "no image at 0x%x", addr)
		}

		vld, ok := image.InvalidateVld(fixed.ImgVld)
		if !ok {
			return status.Errorf(status.Failed,
				"image at 0x%x cannot be invalidated", addr)
		}

		vb := make([]byte, 4)
		binary.LittleEndian.PutUint32(vb, vld)
		if err := dev.Write(addr+image.IMG_VALIDATION_OFFSET,
			vb); err != nil {

			return status.Wrapf(status.FlashError, err, "write validation")
		}

		log.Debugf("Invalidated image at 0x%x (vld=0x%08x)", addr, vld)
		return nil
	})
}

// copyImagePristine copies an image and restores its status bytes to their
// default values so that the copy's CRC can be checked again.
func copyImagePristine(dst flash.Device, dstAddr uint32, src flash.Device,
	srcAddr uint32, length uint32) error {

	first := make([]byte, image.FIXED_HDR_LEN)
	if err := src.Read(srcAddr, first); err != nil {
		return err
	}
	first[image.IMG_COPY_STAT_OFFSET] = image.DEFAULT_STATE
	first[image.CRC_STAT_OFFSET] = image.CRC_DEFAULT
	if err := dst.Write(dstAddr, first); err != nil {
		return err
	}

	return flash.Copy(dst, dstAddr+image.FIXED_HDR_LEN,
		src, srcAddr+image.FIXED_HDR_LEN,
		length-image.FIXED_HDR_LEN, COPY_CHUNK_SZ)
}

// verifyCrc compares the CRC of the image at addr with the value stored in
// its header.
func verifyCrc(dev flash.Device, addr uint32, fixed *image.FixedHdr) error {
	sum, err := crc.CalcAt(dev, addr, fixed.Len)
	if err != nil {
		return status.Wrapf(status.FlashError, err, "crc of image at 0x%x",
			addr)
	}
	if sum != fixed.Crc32 {
		return status.Errorf(status.CrcError,
			"crc mismatch at 0x%x: have=0x%08x want=0x%08x",
			addr, sum, fixed.Crc32)
	}

	return nil
}
