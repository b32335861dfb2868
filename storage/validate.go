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

package storage

import (
	"mynewt.apache.org/oad/flash"
	"mynewt.apache.org/oad/image"
	"mynewt.apache.org/oad/status"
)

// target is where an accepted image is staged.
type target struct {
	dev      flash.Device
	addr     uint32
	metaPage int
}

func rejectf(format string, args ...interface{}) error {
	return status.Errorf(status.Rejected, format, args...)
}

func (s *Storage) appStart() uint32 {
	if area, ok := s.cfg.Layout.Find(flash.AREA_NAME_APP); ok {
		return uint32(area.Offset)
	}
	return 0
}

// checkIdentify decides whether a download described by id may start and,
// if so, where the image will be staged.
func (s *Storage) checkIdentify(id *image.IdentifyPayload,
	running *image.ImageHdr) (target, error) {

	t := target{metaPage: -1}

	if id.ImgID != image.OAD_IMG_ID_VAL {
		return t, rejectf("bad image id %q", id.ImgID[:])
	}
	if id.BimVer != running.Fixed.BimVer ||
		id.MetaVer != running.Fixed.MetaVer {

		return t, rejectf("version mismatch: bim=%d meta=%d; want bim=%d meta=%d",
			id.BimVer, id.MetaVer, running.Fixed.BimVer, running.Fixed.MetaVer)
	}
	if id.Len == 0 || id.Len == 0xffffffff || id.Len < image.IMG_HDR_LEN {
		return t, rejectf("invalid image length 0x%x", id.Len)
	}

	ext := s.External()
	appStart := s.appStart()
	stackStart := s.stackStart()

	switch id.ImgType {
	case image.IMG_TYPE_APP:
		if uint64(appStart)+uint64(id.Len) > uint64(stackStart)-1 {
			return t, rejectf("application of %d bytes overlaps stack at 0x%x",
				id.Len, stackStart)
		}
		if !ext {
			t.addr = appStart
		}

	case image.IMG_TYPE_STACK:
		area, ok := s.cfg.Layout.Find(flash.AREA_NAME_STACK)
		if !ok {
			return t, rejectf("no stack area")
		}
		if !flash.AreaContains(area, uint32(area.Offset), id.Len) {
			return t, rejectf("stack of %d bytes exceeds stack area (%d)",
				id.Len, area.Size)
		}
		if !ext {
			t.addr = uint32(area.Offset)
		}

	case image.IMG_TYPE_APP_STACK, image.IMG_TYPE_APPSTACKLIB:
		if !ext {
			return t, rejectf("%s images require external flash",
				image.ImgTypeName(id.ImgType))
		}
		if uint64(appStart)+uint64(id.Len) > uint64(s.bimStart()) {
			return t, rejectf("image of %d bytes overlaps BIM at 0x%x",
				id.Len, s.bimStart())
		}

	case image.IMG_TYPE_NP:
		if !ext {
			return t, rejectf("network processor images require external flash")
		}

	default:
		return t, rejectf("image type %s cannot be downloaded",
			image.ImgTypeName(id.ImgType))
	}

	if !ext {
		t.dev = s.cfg.Device
		return t, nil
	}

	page, err := s.pickMetaPage()
	if err != nil {
		return t, status.Wrapf(status.FlashError, err, "read metadata")
	}
	addr, ok, err := s.findExtImgAddr(id.Len, page)
	if err != nil {
		return t, status.Wrapf(status.FlashError, err, "read metadata")
	}
	if !ok {
		return t, rejectf("no room in external flash for %d bytes", id.Len)
	}

	t.dev = s.cfg.ExtDevice
	t.addr = addr
	t.metaPage = page
	return t, nil
}

func ramOverlaps(a *image.BoundarySeg, b *image.BoundarySeg) bool {
	return a.Tag == image.SEG_BOUNDARY && b.Tag == image.SEG_BOUNDARY &&
		a.Ram0StartAddr <= b.Ram0EndAddr && b.Ram0StartAddr <= a.Ram0EndAddr
}

// checkHeader validates a fully received image header against the identify
// parameters of the session and the running image.
func (s *Storage) checkHeader(hdr *image.ImageHdr, length uint32,
	imgType uint8, t *target, running *image.ImageHdr) error {

	fixed := &hdr.Fixed

	if !fixed.HasImgID() {
		return rejectf("bad image id in header")
	}
	if fixed.Len != length || fixed.ImgType != imgType {
		return rejectf("header does not match identify: len=%d type=%d; "+
			"want len=%d type=%d", fixed.Len, fixed.ImgType, length, imgType)
	}
	if fixed.BimVer != running.Fixed.BimVer ||
		fixed.MetaVer != running.Fixed.MetaVer {

		return rejectf("header version mismatch")
	}
	if !s.External() && fixed.TechType != running.Fixed.TechType {
		return rejectf("technology type 0x%04x does not match 0x%04x",
			fixed.TechType, running.Fixed.TechType)
	}

	if imgType == image.IMG_TYPE_NP {
		return nil
	}

	dev := s.cfg.Device
	start := hdr.StartAddr()
	end := uint64(start) + uint64(length)

	if !flash.IsPageAligned(dev, start) {
		return rejectf("start address 0x%x not page aligned", start)
	}
	if !s.External() && start != t.addr {
		return rejectf("start address 0x%x does not match staging area 0x%x",
			start, t.addr)
	}
	if end > uint64(s.bimStart()) {
		return rejectf("image [0x%x,0x%x) overlaps BIM", start, end)
	}
	if !s.External() {
		rs := uint64(s.cfg.RunningHdrAddr)
		re := rs + uint64(running.Fixed.Len)
		if uint64(start) < re && rs < end {
			return rejectf("image [0x%x,0x%x) overlaps running image",
				start, end)
		}
	}

	switch imgType {
	case image.IMG_TYPE_APP:
		stackStart := s.stackStart()
		if end > uint64(stackStart)-1 {
			return rejectf("application end 0x%x overlaps stack at 0x%x",
				end, stackStart)
		}
		if stack, ok := s.stackHdr(); ok &&
			ramOverlaps(&hdr.Boundary, &stack.Boundary) {

			return rejectf("application RAM overlaps stack RAM")
		}

	case image.IMG_TYPE_STACK:
		area, _ := s.cfg.Layout.Find(flash.AREA_NAME_STACK)
		if !flash.AreaContains(area, start, length) {
			return rejectf("stack image outside stack area")
		}
		if ramOverlaps(&hdr.Boundary, &running.Boundary) {
			return rejectf("stack RAM overlaps running image RAM")
		}
	}

	return nil
}
