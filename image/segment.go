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

	"github.com/apache/mynewt-artifact/errors"
)

// ReadFunc reads len(buf) bytes at offset off relative to the start of an
// image.
type ReadFunc func(off uint32, buf []byte) error

// BytesReader adapts an in-memory image to a ReadFunc.
func BytesReader(img []byte) ReadFunc {
	return func(off uint32, buf []byte) error {
		if uint64(off)+uint64(len(buf)) > uint64(len(img)) {
			return errors.Errorf("read [%d,%d) beyond image of %d bytes",
				off, uint64(off)+uint64(len(buf)), len(img))
		}
		copy(buf, img[off:])
		return nil
	}
}

type Segment struct {
	Tag    uint8
	Offset uint32
	Len    uint32
}

// WalkSegments visits the segments following the fixed header of an image
// that is imgLen bytes long.  Security segments have an implicit length;
// every other recognized segment carries its length after the tag.  The walk
// ends when fn returns false, at the end of the image, or at a segment that
// cannot be followed (unknown tag or zero length).
func WalkSegments(read ReadFunc, imgLen uint32,
	fn func(seg Segment) (bool, error)) error {

	hdr := make([]byte, SEG_HDR_LEN)

	off := uint32(FIXED_HDR_LEN)
	for imgLen >= SEG_HDR_LEN && off <= imgLen-SEG_HDR_LEN {
		if err := read(off, hdr); err != nil {
			return errors.Wrapf(err, "failed to read segment at %d", off)
		}

		seg := Segment{
			Tag:    hdr[0],
			Offset: off,
		}

		switch seg.Tag {
		case SEG_SECURITY:
			seg.Len = SEC_SEG_LEN

		case SEG_BOUNDARY, SEG_CONTIGUOUS, SEG_NON_CONTIGUOUS:
			seg.Len = binary.LittleEndian.Uint32(hdr[1:])
			if seg.Len == 0 {
				return nil
			}

		default:
			return nil
		}

		more, err := fn(seg)
		if err != nil || !more {
			return err
		}

		if seg.Len > imgLen-off {
			return nil
		}
		off += seg.Len
	}

	return nil
}

// FindPayloadStart locates the image payload segment and returns the
// internal flash address the image is to be placed at.
func FindPayloadStart(read ReadFunc, imgLen uint32) (uint32, bool, error) {
	var startAddr uint32
	found := false

	err := WalkSegments(read, imgLen, func(seg Segment) (bool, error) {
		if seg.Tag != SEG_CONTIGUOUS {
			return true, nil
		}

		b := make([]byte, 4)
		if err := read(seg.Offset+SEG_HDR_LEN, b); err != nil {
			return false, err
		}
		startAddr = binary.LittleEndian.Uint32(b)
		found = true
		return false, nil
	})
	if err != nil {
		return 0, false, err
	}

	return startAddr, found, nil
}
