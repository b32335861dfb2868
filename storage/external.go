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
	"sort"

	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/oad/flash"
	"mynewt.apache.org/oad/image"
	"mynewt.apache.org/oad/status"
)

// ExtImage is a metadata record together with the page it was read from.
type ExtImage struct {
	MetaPage int
	Info     image.ExtImageInfo
}

func extImageRegionStart(ext flash.Device) uint32 {
	return flash.PageAddr(ext, image.EFL_MAX_META)
}

func extImageRegionEnd(ext flash.Device, factorySize uint32) uint32 {
	return flash.Size(ext) - factorySize
}

func (s *Storage) factoryAddr() uint32 {
	return extImageRegionEnd(s.cfg.ExtDevice, s.cfg.FactorySize)
}

func ReadMeta(ext flash.Device, page int) (image.ExtImageInfo, error) {
	b := make([]byte, image.EXT_IMG_INFO_LEN)
	if err := flash.ReadPage(ext, page, 0, b); err != nil {
		return image.ExtImageInfo{}, err
	}

	return image.ParseExtImageInfo(b)
}

// WriteMeta replaces the record stored in a metadata page.
func WriteMeta(ext flash.Device, page int, info *image.ExtImageInfo) error {
	if err := ext.ErasePage(page); err != nil {
		return err
	}

	return flash.WritePage(ext, page, 0, info.Bytes())
}

// ExtImages lists the valid metadata records in external flash, factory
// slots included.
func ExtImages(ext flash.Device) ([]ExtImage, error) {
	var imgs []ExtImage

	for page := 0; page < image.EFL_MAX_META; page++ {
		info, err := ReadMeta(ext, page)
		if err != nil {
			return nil, err
		}
		if info.IsValid() {
			imgs = append(imgs, ExtImage{MetaPage: page, Info: info})
		}
	}

	return imgs, nil
}

// pickMetaPage selects the pool page for a new download: the first page
// without a valid record, otherwise the least recently used one.
func (s *Storage) pickMetaPage() (int, error) {
	ext := s.cfg.ExtDevice

	best := -1
	var bestCounter uint32
	for page := image.EFL_NUM_FACT_IMAGES; page < image.EFL_MAX_META; page++ {
		info, err := ReadMeta(ext, page)
		if err != nil {
			return -1, err
		}
		if !info.IsValid() {
			return page, nil
		}

		if best < 0 || info.Counter > bestCounter {
			best = page
			bestCounter = info.Counter
		}
	}

	return best, nil
}

type extent struct {
	start uint32
	end   uint32
}

// findExtImgAddr returns the lowest page-aligned address in the download
// region able to hold length bytes without touching any image still
// referenced by a metadata record.  The record in excludePage is about to be
// replaced and does not reserve space.
func (s *Storage) findExtImgAddr(length uint32, excludePage int) (
	uint32, bool, error) {

	ext := s.cfg.ExtDevice
	regionStart := extImageRegionStart(ext)
	regionEnd := s.factoryAddr()

	var used []extent
	for page := image.EFL_NUM_FACT_IMAGES; page < image.EFL_MAX_META; page++ {
		if page == excludePage {
			continue
		}

		info, err := ReadMeta(ext, page)
		if err != nil {
			return 0, false, err
		}
		if !info.IsValid() {
			continue
		}

		end := uint64(info.ExtFlAddr) +
			uint64(flash.PagesFor(ext, info.Fixed.Len))*uint64(ext.PageSize())
		if end > uint64(regionEnd) {
			end = uint64(regionEnd)
		}
		used = append(used, extent{start: info.ExtFlAddr, end: uint32(end)})
	}

	sort.Slice(used, func(i, j int) bool {
		return used[i].start < used[j].start
	})

	need := uint64(flash.PagesFor(ext, length)) * uint64(ext.PageSize())

	cur := regionStart
	for _, u := range used {
		if u.end <= cur {
			continue
		}
		if uint64(cur)+need <= uint64(u.start) {
			return cur, true, nil
		}
		cur = u.end
	}

	if uint64(cur)+need <= uint64(regionEnd) {
		return cur, true, nil
	}

	return 0, false, nil
}

// ageMeta increments the counter of every pool record except the one in
// keepPage.
func (s *Storage) ageMeta(keepPage int) error {
	ext := s.cfg.ExtDevice

	for page := image.EFL_NUM_FACT_IMAGES; page < image.EFL_MAX_META; page++ {
		if page == keepPage {
			continue
		}

		info, err := ReadMeta(ext, page)
		if err != nil {
			return err
		}
		if !info.IsValid() || info.Counter == 0xffffffff {
			continue
		}

		info.Counter++
		if err := WriteMeta(ext, page, &info); err != nil {
			return err
		}
	}

	return nil
}

// EnableImage marks a previously downloaded external image as pending copy
// so that the boot image manager installs it on the next boot.
func (s *Storage) EnableImage(imgType uint8, imgNo uint8,
	techType uint16) error {

	return s.idle(func() error {
		ext := s.cfg.ExtDevice
		if ext == nil {
			return status.Errorf(status.Failed,
				"image enable requires external flash")
		}

		for page := image.EFL_NUM_FACT_IMAGES; page < image.EFL_MAX_META; page++ {
			info, err := ReadMeta(ext, page)
			if err != nil {
				return status.Wrapf(status.FlashError, err,
					"read metadata page %d", page)
			}
			if !info.IsValid() || info.Fixed.ImgType != imgType ||
				info.Fixed.ImgNo != imgNo || info.Fixed.TechType != techType {

				continue
			}

			fixed, err := readFixedHdr(ext, info.ExtFlAddr)
			if err != nil {
				return status.Wrapf(status.FlashError, err,
					"read image at 0x%x", info.ExtFlAddr)
			}
			if !fixed.HasImgID() || fixed.Len != info.Fixed.Len {
				return status.Errorf(status.Failed,
					"metadata page %d does not match stored image", page)
			}
			if err := verifyCrc(ext, info.ExtFlAddr, &fixed); err != nil {
				return err
			}

			info.Fixed.ImgCpStat = image.NEED_COPY
			info.Fixed.CrcStat = image.CRC_VALID
			if err := WriteMeta(ext, page, &info); err != nil {
				return status.Wrapf(status.FlashError, err,
					"write metadata page %d", page)
			}

			log.Infof("Enabled %s image #%d at 0x%x",
				image.ImgTypeName(imgType), imgNo, info.ExtFlAddr)
			return nil
		}

		return status.Errorf(status.Failed, "no stored %s image #%d",
			image.ImgTypeName(imgType), imgNo)
	})
}

// HasFactoryImage indicates whether a factory image backup is present.
func (s *Storage) HasFactoryImage() (bool, error) {
	if s.cfg.ExtDevice == nil {
		return false, nil
	}

	info, err := ReadMeta(s.cfg.ExtDevice, 0)
	if err != nil {
		return false, status.Wrapf(status.FlashError, err,
			"read factory metadata")
	}

	return info.IsValid() && info.Fixed.ImgType == image.IMG_TYPE_FACTORY, nil
}

// BackupFactoryImage copies the running image to the factory region of
// external flash and records it in metadata slot 0.
func (s *Storage) BackupFactoryImage() error {
	return s.idle(func() error {
		ext := s.cfg.ExtDevice
		if ext == nil {
			return status.Errorf(status.Failed,
				"factory backup requires external flash")
		}
		if s.cfg.FactorySize == 0 {
			return status.Errorf(status.Failed, "no factory region configured")
		}

		hdr, err := s.runningHdr()
		if err != nil {
			return err
		}
		fixed := hdr.Fixed
		if fixed.Len < image.IMG_HDR_LEN || fixed.Len > s.cfg.FactorySize {
			return status.Errorf(status.Failed,
				"running image length %d does not fit factory region (%d)",
				fixed.Len, s.cfg.FactorySize)
		}

		dst := s.factoryAddr()
		if err := flash.ErasePages(ext, flash.PageOf(ext, dst),
			flash.PagesFor(ext, fixed.Len)); err != nil {

			return status.Wrapf(status.FlashError, err,
				"erase factory region")
		}
		if err := copyImagePristine(ext, dst, s.cfg.Device,
			s.cfg.RunningHdrAddr, fixed.Len); err != nil {

			return status.Wrapf(status.FlashError, err,
				"copy factory image")
		}
		if err := verifyCrc(ext, dst, &fixed); err != nil {
			return err
		}

		info := image.NewExtImageInfo(&fixed, dst)
		info.Fixed.ImgType = image.IMG_TYPE_FACTORY
		info.Fixed.ImgCpStat = image.DEFAULT_STATE
		info.Fixed.CrcStat = image.CRC_VALID
		if err := WriteMeta(ext, 0, &info); err != nil {
			return status.Wrapf(status.FlashError, err,
				"write factory metadata")
		}

		log.Infof("Backed up factory image (%d bytes) to 0x%x",
			fixed.Len, dst)
		return nil
	})
}

func readFixedHdr(dev flash.Device, addr uint32) (image.FixedHdr, error) {
	b := make([]byte, image.FIXED_HDR_LEN)
	if err := dev.Read(addr, b); err != nil {
		return image.FixedHdr{}, err
	}

	return image.ParseFixedHdr(b)
}
