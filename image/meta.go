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

package image

import (
	"encoding/binary"
	"fmt"

	"github.com/apache/mynewt-artifact/errors"
)

const IMG_IDENTIFY_LEN = 22

// IdentifyPayload is the image identity a peer sends to open a download.
type IdentifyPayload struct {
	ImgID     [8]byte
	BimVer    uint8
	MetaVer   uint8
	ImgCpStat uint8
	CrcStat   uint8
	ImgType   uint8
	ImgNo     uint8
	Len       uint32
	SoftVer   SoftVer
}

func ParseIdentifyPayload(b []byte) (IdentifyPayload, error) {
	var p IdentifyPayload

	if len(b) < IMG_IDENTIFY_LEN {
		return p, errors.Errorf(
			"identify payload too short: have=%d want=%d",
			len(b), IMG_IDENTIFY_LEN)
	}

	copy(p.ImgID[:], b[0:8])
	p.BimVer = b[8]
	p.MetaVer = b[9]
	p.ImgCpStat = b[10]
	p.CrcStat = b[11]
	p.ImgType = b[12]
	p.ImgNo = b[13]
	p.Len = binary.LittleEndian.Uint32(b[14:])
	copy(p.SoftVer[:], b[18:22])

	return p, nil
}

func (p *IdentifyPayload) Bytes() []byte {
	b := make([]byte, IMG_IDENTIFY_LEN)

	copy(b[0:8], p.ImgID[:])
	b[8] = p.BimVer
	b[9] = p.MetaVer
	b[10] = p.ImgCpStat
	b[11] = p.CrcStat
	b[12] = p.ImgType
	b[13] = p.ImgNo
	binary.LittleEndian.PutUint32(b[14:], p.Len)
	copy(b[18:22], p.SoftVer[:])

	return b
}

func (p IdentifyPayload) String() string {
	return fmt.Sprintf("type=%s num=%d len=%d ver=%s",
		ImgTypeName(p.ImgType), p.ImgNo, p.Len, p.SoftVer)
}

// IdentifyFromHdr builds the identify payload describing an image.
func IdentifyFromHdr(h *FixedHdr) IdentifyPayload {
	return IdentifyPayload{
		ImgID:     h.ImgID,
		BimVer:    h.BimVer,
		MetaVer:   h.MetaVer,
		ImgCpStat: h.ImgCpStat,
		CrcStat:   h.CrcStat,
		ImgType:   h.ImgType,
		ImgNo:     h.ImgNo,
		Len:       h.Len,
		SoftVer:   h.SoftVer,
	}
}

/*
 * External flash metadata.  The first EFL_MAX_META pages of external flash
 * each hold at most one record; the first EFL_NUM_FACT_IMAGES of them are
 * reserved for factory images.
 */
const (
	EFL_MAX_META        = 4
	EFL_NUM_FACT_IMAGES = 2

	EFL_META_COPY_SZ   = FIXED_HDR_LEN
	EXT_FL_ADDR_OFFSET = EFL_META_COPY_SZ
	COUNTER_OFFSET     = EXT_FL_ADDR_OFFSET + 4
	EXT_IMG_INFO_LEN   = COUNTER_OFFSET + 4
)

// ExtImageInfo is a metadata record describing an image stored in external
// flash.  Counter ages the record for least-recently-used reclamation.
type ExtImageInfo struct {
	Fixed     FixedHdr
	ExtFlAddr uint32
	Counter   uint32
}

func ParseExtImageInfo(b []byte) (ExtImageInfo, error) {
	var info ExtImageInfo

	if len(b) < EXT_IMG_INFO_LEN {
		return info, errors.Errorf(
			"metadata record too short: have=%d want=%d",
			len(b), EXT_IMG_INFO_LEN)
	}

	fixed, err := ParseFixedHdr(b)
	if err != nil {
		return info, err
	}

	info.Fixed = fixed
	info.ExtFlAddr = binary.LittleEndian.Uint32(b[EXT_FL_ADDR_OFFSET:])
	info.Counter = binary.LittleEndian.Uint32(b[COUNTER_OFFSET:])

	return info, nil
}

func (info *ExtImageInfo) Bytes() []byte {
	b := make([]byte, EXT_IMG_INFO_LEN)

	copy(b, info.Fixed.Bytes())
	binary.LittleEndian.PutUint32(b[EXT_FL_ADDR_OFFSET:], info.ExtFlAddr)
	binary.LittleEndian.PutUint32(b[COUNTER_OFFSET:], info.Counter)

	return b
}

// IsValid indicates whether the record was written by a completed download
// or factory backup, as opposed to an erased page.
func (info *ExtImageInfo) IsValid() bool {
	return info.Fixed.HasExtFlID()
}

// NewExtImageInfo builds the metadata record for an image stored at extAddr.
// Images that must be copied before use are marked copy-pending.
func NewExtImageInfo(h *FixedHdr, extAddr uint32) ExtImageInfo {
	info := ExtImageInfo{
		Fixed:     *h,
		ExtFlAddr: extAddr,
		Counter:   0,
	}
	info.Fixed.ImgID = OAD_EXTFL_ID_VAL

	if NeedsCopy(h.ImgType) {
		info.Fixed.ImgCpStat = NEED_COPY
		info.Fixed.CrcStat = CRC_VALID
	}

	return info
}
