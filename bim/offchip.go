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

package bim

import (
	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/oad/crc"
	"mynewt.apache.org/oad/flash"
	"mynewt.apache.org/oad/image"
	"mynewt.apache.org/oad/storage"
)

const COPY_CHUNK_SZ = 256

func (b *Bim) selectOffChip() (Result, bool) {
	ext := b.cfg.ExtDevice

	for page := image.EFL_NUM_FACT_IMAGES; page < image.EFL_MAX_META; page++ {
		info, err := storage.ReadMeta(ext, page)
		if err != nil {
			log.Debugf("metadata page %d: %s", page, err.Error())
			continue
		}
		if !info.IsValid() || info.Fixed.ImgCpStat != image.NEED_COPY ||
			info.Fixed.CrcStat != image.CRC_VALID ||
			!image.NeedsCopy(info.Fixed.ImgType) {

			continue
		}

		log.Debugf("Installing %s image from metadata page %d",
			image.ImgTypeName(info.Fixed.ImgType), page)
		if res, ok := b.install(&info, page, STAGE_EXT_COPY); ok {
			return res, true
		}
	}

	if res, ok := b.selectOnChip(); ok {
		return res, true
	}

	info, err := storage.ReadMeta(ext, 0)
	if err != nil || !info.IsValid() ||
		info.Fixed.ImgType != image.IMG_TYPE_FACTORY {

		return Result{}, false
	}

	log.Infof("Reverting to factory image")
	return b.install(&info, -1, STAGE_FACTORY)
}

// install copies an external image to the internal address named by its
// payload segment and validates the copy.  The metadata record in metaPage,
// if any, is updated to reflect the outcome.  It succeeds only if the copy
// is bootable.
func (b *Bim) install(info *image.ExtImageInfo, metaPage int,
	stage Stage) (Result, bool) {

	dev := b.cfg.Device
	ext := b.cfg.ExtDevice
	src := info.ExtFlAddr

	buf := make([]byte, image.FIXED_HDR_LEN)
	if err := ext.Read(src, buf); err != nil {
		log.Debugf("ext 0x%x: read failed: %s", src, err.Error())
		return Result{}, false
	}
	fixed, err := image.ParseFixedHdr(buf)
	if err != nil || !fixed.HasImgID() || fixed.Len != info.Fixed.Len {
		log.Debugf("ext 0x%x: image does not match metadata", src)
		return Result{}, false
	}

	read := func(off uint32, buf []byte) error {
		return ext.Read(src+off, buf)
	}
	dst, found, err := image.FindPayloadStart(read, fixed.Len)
	if err != nil || !found {
		log.Debugf("ext 0x%x: no payload segment", src)
		return Result{}, false
	}

	bimLo, _ := b.bimArea()
	if !flash.IsPageAligned(dev, dst) ||
		uint64(dst)+uint64(fixed.Len) > uint64(bimLo) {

		log.Debugf("ext 0x%x: bad destination 0x%x", src, dst)
		return Result{}, false
	}

	if err := flash.ErasePages(dev, flash.PageOf(dev, dst),
		flash.PagesFor(dev, fixed.Len)); err != nil {

		log.Warnf("erase at 0x%x failed: %s", dst, err.Error())
		return Result{}, false
	}
	if err := flash.Copy(dev, dst, ext, src, fixed.Len,
		COPY_CHUNK_SZ); err != nil {

		log.Warnf("copy to 0x%x failed: %s", dst, err.Error())
		return Result{}, false
	}

	metaAddr := uint32(0)
	if metaPage >= 0 {
		metaAddr = flash.PageAddr(ext, metaPage)
	}

	sum, err := crc.CalcAt(dev, dst, fixed.Len)
	if err != nil || sum != fixed.Crc32 {
		log.Warnf("0x%x: copied image failed crc check", dst)
		writeStat(dev, dst+image.CRC_STAT_OFFSET, image.CRC_INVALID)
		if metaPage >= 0 {
			writeStat(ext, metaAddr+image.CRC_STAT_OFFSET, image.CRC_INVALID)
		}
		return Result{}, false
	}

	writeStat(dev, dst+image.IMG_COPY_STAT_OFFSET, image.COPY_DONE)
	writeStat(dev, dst+image.CRC_STAT_OFFSET, image.CRC_VALID)
	if metaPage >= 0 {
		writeStat(ext, metaAddr+image.IMG_COPY_STAT_OFFSET, image.COPY_DONE)
		writeStat(ext, metaAddr+image.CRC_STAT_OFFSET, image.CRC_VALID)
	}
	log.Debugf("Copied %d bytes from ext 0x%x to 0x%x", fixed.Len, src, dst)

	entry, ok := b.checkImage(dst, image.IsExecutable)
	if !ok {
		return Result{}, false
	}

	return Result{
		Action:  ACTION_JUMP,
		Entry:   entry,
		HdrAddr: dst,
		Stage:   stage,
	}, true
}
