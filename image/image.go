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
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/apache/mynewt-artifact/errors"
)

var (
	OAD_IMG_ID_VAL   = [8]byte{'C', 'C', '2', '6', 'x', '2', 'R', '1'}
	OAD_EXTFL_ID_VAL = [8]byte{'O', 'A', 'D', ' ', 'N', 'V', 'M', '1'}
)

const (
	BIM_VER  = 3
	META_VER = 1
)

/*
 * Fixed header field offsets.
 */
const (
	IMG_ID_OFFSET         = 0
	CRC_OFFSET            = 8
	BIM_VER_OFFSET        = 12
	META_VER_OFFSET       = 13
	TECH_TYPE_OFFSET      = 14
	IMG_COPY_STAT_OFFSET  = 16
	CRC_STAT_OFFSET       = 17
	IMG_TYPE_OFFSET       = 18
	IMG_NO_OFFSET         = 19
	IMG_VALIDATION_OFFSET = 20
	IMG_LEN_OFFSET        = 24
	PRG_ENTRY_OFFSET      = 28
	SOFT_VER_OFFSET       = 32
	IMG_END_ADDR_OFFSET   = 36
	HDR_LEN_OFFSET        = 40
	RFU_OFFSET            = 42

	FIXED_HDR_LEN = 44
)

/*
 * Segment layout.
 */
const (
	SEG_HDR_LEN = 5 /* Tag plus 4-byte length. */

	BOUNDARY_SEG_OFFSET = FIXED_HDR_LEN
	BOUNDARY_SEG_LEN    = SEG_HDR_LEN + 16

	SEC_SEG_OFFSET     = BOUNDARY_SEG_OFFSET + BOUNDARY_SEG_LEN
	SEC_SEG_LEN        = 79
	VERIF_STAT_OFFSET  = 1 /* Within the security segment. */
	SIGNER_INFO_OFFSET = 7
	SIG_OFFSET         = 15
	SIGNER_INFO_LEN    = 8
	SIG_LEN            = 64

	HDR_LEN_WITH_SECURITY_INFO = SEC_SEG_OFFSET + SEC_SEG_LEN

	PAYLOAD_SEG_OFFSET  = HDR_LEN_WITH_SECURITY_INFO
	PAYLOAD_SEG_HDR_LEN = SEG_HDR_LEN + 4

	IMG_HDR_LEN = PAYLOAD_SEG_OFFSET + PAYLOAD_SEG_HDR_LEN
)

/*
 * Segment tags.
 */
const (
	SEG_BOUNDARY       = 0x00
	SEG_CONTIGUOUS     = 0x01 /* Image payload. */
	SEG_NON_CONTIGUOUS = 0x02
	SEG_SECURITY       = 0x03
)

/*
 * Copy, CRC and verification status bytes.  Every transition only clears
 * bits so that status can be updated in place on NOR flash.
 */
const (
	DEFAULT_STATE = 0xff
	NEED_COPY     = 0xfe
	COPY_DONE     = 0xfc

	CRC_DEFAULT = 0xff
	CRC_VALID   = 0xfe
	CRC_INVALID = 0xfc

	VERIFY_DEFAULT = 0xff
	VERIFY_PASS    = 0xfe
	VERIFY_FAIL    = 0xfc
)

/*
 * Image types.
 */
const (
	IMG_TYPE_PERSISTENT_APP = 0
	IMG_TYPE_APP            = 1
	IMG_TYPE_STACK          = 2
	IMG_TYPE_APP_STACK      = 3
	IMG_TYPE_NP             = 4
	IMG_TYPE_FACTORY        = 5
	IMG_TYPE_BIM            = 6
	IMG_TYPE_APPSTACKLIB    = 7
	IMG_TYPE_RSVD           = 8
)

var imgTypeNameMap = map[uint8]string{
	IMG_TYPE_PERSISTENT_APP: "persistent",
	IMG_TYPE_APP:            "app",
	IMG_TYPE_STACK:          "stack",
	IMG_TYPE_APP_STACK:      "appstack",
	IMG_TYPE_NP:             "np",
	IMG_TYPE_FACTORY:        "factory",
	IMG_TYPE_BIM:            "bim",
	IMG_TYPE_APPSTACKLIB:    "appstacklib",
}

func ImgTypeName(imgType uint8) string {
	name := imgTypeNameMap[imgType]
	if name == "" {
		name = "rsvd"
	}

	return name
}

// ParseImgType accepts either a type name or its numeric value.
func ParseImgType(s string) (uint8, error) {
	for t, name := range imgTypeNameMap {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}

	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil || n >= IMG_TYPE_RSVD {
		return 0, errors.Errorf("invalid image type: \"%s\"", s)
	}

	return uint8(n), nil
}

// IsExecutable indicates whether the BIM may transfer control to an image of
// the specified type.
func IsExecutable(imgType uint8) bool {
	switch imgType {
	case IMG_TYPE_PERSISTENT_APP, IMG_TYPE_APP, IMG_TYPE_APP_STACK,
		IMG_TYPE_APPSTACKLIB:

		return true
	default:
		return false
	}
}

// NeedsCopy indicates whether an image of the specified type staged in
// external flash must be copied to internal flash before use.
func NeedsCopy(imgType uint8) bool {
	switch imgType {
	case IMG_TYPE_APP, IMG_TYPE_STACK, IMG_TYPE_APP_STACK,
		IMG_TYPE_APPSTACKLIB:

		return true
	default:
		return false
	}
}

// EvenBitCount reports whether value has an even number of set bits.  An
// image whose validation word has odd parity has been invalidated.
func EvenBitCount(value uint32) bool {
	return bits.OnesCount32(value)%2 == 0
}

// InvalidateVld clears the lowest set bit of a validation word, flipping its
// parity.  It fails if no bit is left to clear.
func InvalidateVld(value uint32) (uint32, bool) {
	if value == 0 {
		return 0, false
	}

	return value & (value - 1), true
}

type SoftVer [4]byte

// ParseSoftVer parses a version of the form "a.b.c.d"; missing trailing
// components are zero.
func ParseSoftVer(versStr string) (SoftVer, error) {
	var ver SoftVer

	parts := strings.Split(versStr, ".")
	if len(parts) > 4 {
		return ver, errors.Errorf("invalid version string: \"%s\"", versStr)
	}

	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return ver, errors.Errorf("invalid version string: \"%s\"",
				versStr)
		}
		ver[i] = uint8(n)
	}

	return ver, nil
}

func (ver SoftVer) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", ver[0], ver[1], ver[2], ver[3])
}

type FixedHdr struct {
	ImgID      [8]byte
	Crc32      uint32
	BimVer     uint8
	MetaVer    uint8
	TechType   uint16
	ImgCpStat  uint8
	CrcStat    uint8
	ImgType    uint8
	ImgNo      uint8
	ImgVld     uint32
	Len        uint32
	PrgEntry   uint32
	SoftVer    SoftVer
	ImgEndAddr uint32
	HdrLen     uint16
	Rfu        uint16
}

type BoundarySeg struct {
	Tag            uint8
	Len            uint32
	StackStartAddr uint32
	StackEntryAddr uint32
	Ram0StartAddr  uint32
	Ram0EndAddr    uint32
}

type SecuritySeg struct {
	Tag        uint8
	VerifStat  uint8
	SecVer     uint8
	TimeStamp  uint32
	SignerInfo [SIGNER_INFO_LEN]byte
	Signature  [SIG_LEN]byte
}

type PayloadSeg struct {
	Tag       uint8
	Len       uint32
	StartAddr uint32
}

// ImageHdr is the complete header written at the start of every image: the
// fixed portion followed by the boundary, security and payload segments.
type ImageHdr struct {
	Fixed    FixedHdr
	Boundary BoundarySeg
	Security SecuritySeg
	Payload  PayloadSeg
}

func ParseFixedHdr(b []byte) (FixedHdr, error) {
	var h FixedHdr

	if len(b) < FIXED_HDR_LEN {
		return h, errors.Errorf(
			"fixed header too short: have=%d want>=%d", len(b), FIXED_HDR_LEN)
	}

	le := binary.LittleEndian

	copy(h.ImgID[:], b[IMG_ID_OFFSET:])
	h.Crc32 = le.Uint32(b[CRC_OFFSET:])
	h.BimVer = b[BIM_VER_OFFSET]
	h.MetaVer = b[META_VER_OFFSET]
	h.TechType = le.Uint16(b[TECH_TYPE_OFFSET:])
	h.ImgCpStat = b[IMG_COPY_STAT_OFFSET]
	h.CrcStat = b[CRC_STAT_OFFSET]
	h.ImgType = b[IMG_TYPE_OFFSET]
	h.ImgNo = b[IMG_NO_OFFSET]
	h.ImgVld = le.Uint32(b[IMG_VALIDATION_OFFSET:])
	h.Len = le.Uint32(b[IMG_LEN_OFFSET:])
	h.PrgEntry = le.Uint32(b[PRG_ENTRY_OFFSET:])
	copy(h.SoftVer[:], b[SOFT_VER_OFFSET:])
	h.ImgEndAddr = le.Uint32(b[IMG_END_ADDR_OFFSET:])
	h.HdrLen = le.Uint16(b[HDR_LEN_OFFSET:])
	h.Rfu = le.Uint16(b[RFU_OFFSET:])

	return h, nil
}

func (h *FixedHdr) Bytes() []byte {
	b := make([]byte, FIXED_HDR_LEN)
	le := binary.LittleEndian

	copy(b[IMG_ID_OFFSET:], h.ImgID[:])
	le.PutUint32(b[CRC_OFFSET:], h.Crc32)
	b[BIM_VER_OFFSET] = h.BimVer
	b[META_VER_OFFSET] = h.MetaVer
	le.PutUint16(b[TECH_TYPE_OFFSET:], h.TechType)
	b[IMG_COPY_STAT_OFFSET] = h.ImgCpStat
	b[CRC_STAT_OFFSET] = h.CrcStat
	b[IMG_TYPE_OFFSET] = h.ImgType
	b[IMG_NO_OFFSET] = h.ImgNo
	le.PutUint32(b[IMG_VALIDATION_OFFSET:], h.ImgVld)
	le.PutUint32(b[IMG_LEN_OFFSET:], h.Len)
	le.PutUint32(b[PRG_ENTRY_OFFSET:], h.PrgEntry)
	copy(b[SOFT_VER_OFFSET:], h.SoftVer[:])
	le.PutUint32(b[IMG_END_ADDR_OFFSET:], h.ImgEndAddr)
	le.PutUint16(b[HDR_LEN_OFFSET:], h.HdrLen)
	le.PutUint16(b[RFU_OFFSET:], h.Rfu)

	return b
}

func (h *FixedHdr) HasImgID() bool {
	return h.ImgID == OAD_IMG_ID_VAL
}

func (h *FixedHdr) HasExtFlID() bool {
	return h.ImgID == OAD_EXTFL_ID_VAL
}

// VersionsMatch indicates whether the header was built for this BIM and
// metadata format.
func (h *FixedHdr) VersionsMatch() bool {
	return h.BimVer == BIM_VER && h.MetaVer == META_VER
}

func ParseImageHdr(b []byte) (ImageHdr, error) {
	var h ImageHdr

	if len(b) < IMG_HDR_LEN {
		return h, errors.Errorf(
			"image header too short: have=%d want>=%d", len(b), IMG_HDR_LEN)
	}

	fixed, err := ParseFixedHdr(b)
	if err != nil {
		return h, err
	}
	h.Fixed = fixed

	le := binary.LittleEndian

	bs := b[BOUNDARY_SEG_OFFSET:]
	h.Boundary = BoundarySeg{
		Tag:            bs[0],
		Len:            le.Uint32(bs[1:]),
		StackStartAddr: le.Uint32(bs[5:]),
		StackEntryAddr: le.Uint32(bs[9:]),
		Ram0StartAddr:  le.Uint32(bs[13:]),
		Ram0EndAddr:    le.Uint32(bs[17:]),
	}

	h.Security, _ = ParseSecuritySeg(b[SEC_SEG_OFFSET:])

	ps := b[PAYLOAD_SEG_OFFSET:]
	h.Payload = PayloadSeg{
		Tag:       ps[0],
		Len:       le.Uint32(ps[1:]),
		StartAddr: le.Uint32(ps[5:]),
	}

	return h, nil
}

func (h *ImageHdr) Bytes() []byte {
	b := make([]byte, IMG_HDR_LEN)
	le := binary.LittleEndian

	copy(b, h.Fixed.Bytes())

	bs := b[BOUNDARY_SEG_OFFSET:]
	bs[0] = h.Boundary.Tag
	le.PutUint32(bs[1:], h.Boundary.Len)
	le.PutUint32(bs[5:], h.Boundary.StackStartAddr)
	le.PutUint32(bs[9:], h.Boundary.StackEntryAddr)
	le.PutUint32(bs[13:], h.Boundary.Ram0StartAddr)
	le.PutUint32(bs[17:], h.Boundary.Ram0EndAddr)

	ss := b[SEC_SEG_OFFSET:]
	ss[0] = h.Security.Tag
	ss[VERIF_STAT_OFFSET] = h.Security.VerifStat
	ss[2] = h.Security.SecVer
	le.PutUint32(ss[3:], h.Security.TimeStamp)
	copy(ss[SIGNER_INFO_OFFSET:], h.Security.SignerInfo[:])
	copy(ss[SIG_OFFSET:], h.Security.Signature[:])

	ps := b[PAYLOAD_SEG_OFFSET:]
	ps[0] = h.Payload.Tag
	le.PutUint32(ps[1:], h.Payload.Len)
	le.PutUint32(ps[5:], h.Payload.StartAddr)

	return b
}

func ParseSecuritySeg(b []byte) (SecuritySeg, error) {
	var s SecuritySeg

	if len(b) < SEC_SEG_LEN {
		return s, errors.Errorf(
			"security segment too short: have=%d want=%d",
			len(b), SEC_SEG_LEN)
	}

	s.Tag = b[0]
	s.VerifStat = b[VERIF_STAT_OFFSET]
	s.SecVer = b[2]
	s.TimeStamp = binary.LittleEndian.Uint32(b[3:])
	copy(s.SignerInfo[:], b[SIGNER_INFO_OFFSET:])
	copy(s.Signature[:], b[SIG_OFFSET:])

	return s, nil
}

// IsSigned indicates whether the security segment carries a signature.  An
// all-zero signature means the image is unsigned.
func (s *SecuritySeg) IsSigned() bool {
	return !bytes.Equal(s.Signature[:], make([]byte, SIG_LEN))
}

// StartAddr is the internal flash address the image executes from.
func (h *ImageHdr) StartAddr() uint32 {
	return h.Payload.StartAddr
}

func (h *FixedHdr) Map() map[string]interface{} {
	return map[string]interface{}{
		"img_id":       string(h.ImgID[:]),
		"crc32":        fmt.Sprintf("0x%08x", h.Crc32),
		"bim_ver":      h.BimVer,
		"meta_ver":     h.MetaVer,
		"tech_type":    fmt.Sprintf("0x%04x", h.TechType),
		"img_cp_stat":  fmt.Sprintf("0x%02x", h.ImgCpStat),
		"crc_stat":     fmt.Sprintf("0x%02x", h.CrcStat),
		"img_type":     ImgTypeName(h.ImgType),
		"img_no":       h.ImgNo,
		"img_vld":      fmt.Sprintf("0x%08x", h.ImgVld),
		"len":          h.Len,
		"prg_entry":    fmt.Sprintf("0x%08x", h.PrgEntry),
		"soft_ver":     h.SoftVer.String(),
		"img_end_addr": fmt.Sprintf("0x%08x", h.ImgEndAddr),
		"hdr_len":      h.HdrLen,
	}
}

func (h *ImageHdr) Map() map[string]interface{} {
	m := h.Fixed.Map()

	m["boundary"] = map[string]interface{}{
		"stack_start_addr": fmt.Sprintf("0x%08x", h.Boundary.StackStartAddr),
		"stack_entry_addr": fmt.Sprintf("0x%08x", h.Boundary.StackEntryAddr),
		"ram0_start_addr":  fmt.Sprintf("0x%08x", h.Boundary.Ram0StartAddr),
		"ram0_end_addr":    fmt.Sprintf("0x%08x", h.Boundary.Ram0EndAddr),
	}

	sm := map[string]interface{}{
		"verif_stat":  fmt.Sprintf("0x%02x", h.Security.VerifStat),
		"sec_ver":     h.Security.SecVer,
		"timestamp":   h.Security.TimeStamp,
		"signer_info": hex.EncodeToString(h.Security.SignerInfo[:]),
	}
	if h.Security.IsSigned() {
		sm["signature"] = hex.EncodeToString(h.Security.Signature[:])
	}
	m["security"] = sm

	m["payload"] = map[string]interface{}{
		"len":        h.Payload.Len,
		"start_addr": fmt.Sprintf("0x%08x", h.Payload.StartAddr),
	}

	return m
}

func (h *ImageHdr) Json() (string, error) {
	b, err := json.MarshalIndent(h.Map(), "", "    ")
	if err != nil {
		return "", errors.Wrapf(err, "failed to marshal image header")
	}

	return string(b), nil
}
