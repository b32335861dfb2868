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

// Package imgtool builds OAD images from raw application binaries.
package imgtool

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/binary"
	"io/ioutil"

	"github.com/apache/mynewt-artifact/errors"
	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/oad/crc"
	"mynewt.apache.org/oad/image"
	"mynewt.apache.org/oad/sec"
)

type ImageCreator struct {
	Body      []byte
	ImgType   uint8
	ImgNo     uint8
	TechType  uint16
	SoftVer   image.SoftVer
	StartAddr uint32

	// Absolute entry address; zero means the image start.
	PrgEntry uint32

	Boundary  image.BoundarySeg
	SecVer    uint8
	TimeStamp uint32
	SigKey    *ecdsa.PrivateKey
}

func NewImageCreator() ImageCreator {
	return ImageCreator{
		ImgType: image.IMG_TYPE_APP,
		SecVer:  1,
	}
}

func (ic *ImageCreator) header() image.ImageHdr {
	length := uint32(image.IMG_HDR_LEN + len(ic.Body))

	entry := ic.PrgEntry
	if entry == 0 {
		entry = ic.StartAddr
	}

	hdr := image.ImageHdr{
		Fixed: image.FixedHdr{
			ImgID:      image.OAD_IMG_ID_VAL,
			BimVer:     image.BIM_VER,
			MetaVer:    image.META_VER,
			TechType:   ic.TechType,
			ImgCpStat:  image.DEFAULT_STATE,
			CrcStat:    image.CRC_DEFAULT,
			ImgType:    ic.ImgType,
			ImgNo:      ic.ImgNo,
			ImgVld:     0xffffffff,
			Len:        length,
			PrgEntry:   entry,
			SoftVer:    ic.SoftVer,
			ImgEndAddr: ic.StartAddr + length - 1,
			HdrLen:     image.HDR_LEN_WITH_SECURITY_INFO,
			Rfu:        0xffff,
		},
		Boundary: ic.Boundary,
		Security: image.SecuritySeg{
			Tag:       image.SEG_SECURITY,
			VerifStat: image.VERIFY_DEFAULT,
			SecVer:    ic.SecVer,
			TimeStamp: ic.TimeStamp,
		},
		Payload: image.PayloadSeg{
			Tag:       image.SEG_CONTIGUOUS,
			Len:       uint32(image.PAYLOAD_SEG_HDR_LEN + len(ic.Body)),
			StartAddr: ic.StartAddr,
		},
	}
	hdr.Boundary.Tag = image.SEG_BOUNDARY
	hdr.Boundary.Len = image.BOUNDARY_SEG_LEN

	return hdr
}

// Create assembles the image.  The signature, when a key is configured, is
// computed before the CRC since the CRC covers the security segment.
func (ic *ImageCreator) Create() ([]byte, error) {
	if ic.ImgType >= image.IMG_TYPE_RSVD {
		return nil, errors.Errorf("invalid image type %d", ic.ImgType)
	}

	hdr := ic.header()

	if ic.SigKey != nil {
		info, err := sec.SignerInfo(&ic.SigKey.PublicKey)
		if err != nil {
			return nil, err
		}
		hdr.Security.SignerInfo = info
	}

	img := append(hdr.Bytes(), ic.Body...)

	if ic.SigKey != nil {
		digest, err := sec.ComputeHash(image.BytesReader(img),
			uint32(len(img)), sha256.New(), sec.SHA_BUF_SZ)
		if err != nil {
			return nil, err
		}

		sig, err := sec.Sign(ic.SigKey, digest)
		if err != nil {
			return nil, err
		}
		copy(img[image.SEC_SEG_OFFSET+image.SIG_OFFSET:], sig[:])

		log.Debugf("Signed image; signer=%x", hdr.Security.SignerInfo)
	}

	if err := UpdateCrc(img); err != nil {
		return nil, err
	}

	log.Debugf("Created %s image: len=%d start=0x%x entry=0x%x",
		image.ImgTypeName(ic.ImgType), len(img), ic.StartAddr,
		hdr.Fixed.PrgEntry)

	return img, nil
}

// UpdateCrc recomputes and stores the CRC of an image held in memory.
func UpdateCrc(img []byte) error {
	sum, err := crc.Checksum(img)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(img[image.CRC_OFFSET:], sum)
	return nil
}

func ReadImage(filename string) ([]byte, image.ImageHdr, error) {
	img, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, image.ImageHdr{}, errors.Wrapf(err,
			"failed to read image file")
	}

	hdr, err := image.ParseImageHdr(img)
	if err != nil {
		return nil, image.ImageHdr{}, err
	}
	if !hdr.Fixed.HasImgID() {
		return nil, image.ImageHdr{}, errors.Errorf(
			"%s: not an OAD image (id=%q)", filename, hdr.Fixed.ImgID[:])
	}
	if int(hdr.Fixed.Len) != len(img) {
		return nil, image.ImageHdr{}, errors.Errorf(
			"%s: length mismatch: header=%d file=%d",
			filename, hdr.Fixed.Len, len(img))
	}

	log.Debugf("Successfully read image %s", filename)
	return img, hdr, nil
}

func WriteImage(img []byte, filename string) error {
	if err := ioutil.WriteFile(filename, img, 0644); err != nil {
		return errors.Wrapf(err, "failed to write image file")
	}

	log.Debugf("Wrote image %s", filename)
	return nil
}
