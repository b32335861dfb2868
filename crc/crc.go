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

// Package crc computes the image CRC-32 over flash.  The checksum covers
// everything after the CRC field: the image ID and the CRC itself are
// excluded.
package crc

import (
	"hash/crc32"

	"github.com/apache/mynewt-artifact/errors"

	"mynewt.apache.org/oad/flash"
	"mynewt.apache.org/oad/image"
)

const (
	CRC_POLY       = 0xedb88320
	CRC_READ_CHUNK = 256

	// Offset of the first covered byte, relative to the image header.
	CRC_START = image.CRC_OFFSET + 4
)

var table = crc32.MakeTable(CRC_POLY)

// Calc computes the CRC of the image of length bytes whose header sits
// hdrOffset bytes into startPage.  Reads are CRC_READ_CHUNK bytes and cross
// page boundaries transparently.  A zero, erased (0xffffffff) or oversized
// length yields 0 and an error.
func Calc(dev flash.Device, startPage int, hdrOffset uint32,
	length uint32) (uint32, error) {

	if length == 0 || length == 0xffffffff {
		return 0, errors.Errorf("invalid image length 0x%x", length)
	}
	if length > flash.Size(dev) {
		return 0, errors.Errorf(
			"image length 0x%x exceeds flash capacity 0x%x",
			length, flash.Size(dev))
	}
	if length <= CRC_START {
		return 0, errors.Errorf("image length %d shorter than header", length)
	}

	addr := flash.PageAddr(dev, startPage) + hdrOffset + CRC_START
	remaining := length - CRC_START

	buf := make([]byte, CRC_READ_CHUNK)
	crc := uint32(0)
	for remaining > 0 {
		n := uint32(CRC_READ_CHUNK)
		if remaining < n {
			n = remaining
		}

		if err := dev.Read(addr, buf[:n]); err != nil {
			return 0, errors.Wrapf(err, "crc: read at 0x%x", addr)
		}
		crc = crc32.Update(crc, table, buf[:n])

		addr += n
		remaining -= n
	}

	return crc, nil
}

// CalcAt is Calc for an image whose header is at the byte address addr.
func CalcAt(dev flash.Device, addr uint32, length uint32) (uint32, error) {
	page := flash.PageOf(dev, addr)
	return Calc(dev, page, addr-flash.PageAddr(dev, page), length)
}

// Checksum computes the CRC of an image held in memory.
func Checksum(img []byte) (uint32, error) {
	if len(img) <= CRC_START {
		return 0, errors.Errorf("image length %d shorter than header",
			len(img))
	}

	return crc32.Checksum(img[CRC_START:], table), nil
}
