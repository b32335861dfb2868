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

// Package flash models the flash primitives consumed by the OAD core: byte
// and page addressed reads and programs, page erase, and geometry discovery.
package flash

import (
	"github.com/apache/mynewt-artifact/errors"
)

const ERASED_VAL = 0xff

// Device is a NOR flash device.  Programming can only clear bits; erase sets
// every byte of a page back to ERASED_VAL.
type Device interface {
	PageSize() int
	NumPages() int
	Read(addr uint32, buf []byte) error
	Write(addr uint32, data []byte) error
	ErasePage(page int) error
}

// Size returns the capacity of the device in bytes.
func Size(d Device) uint32 {
	return uint32(d.PageSize() * d.NumPages())
}

func PageAddr(d Device, page int) uint32 {
	return uint32(page * d.PageSize())
}

// PageOf returns the page containing addr.
func PageOf(d Device, addr uint32) int {
	return int(addr / uint32(d.PageSize()))
}

// PagesFor returns the number of pages needed to hold length bytes.
func PagesFor(d Device, length uint32) int {
	ps := uint32(d.PageSize())
	return int((length + ps - 1) / ps)
}

func IsPageAligned(d Device, addr uint32) bool {
	return addr%uint32(d.PageSize()) == 0
}

func ReadPage(d Device, page int, offset uint32, buf []byte) error {
	return d.Read(PageAddr(d, page)+offset, buf)
}

func WritePage(d Device, page int, offset uint32, data []byte) error {
	return d.Write(PageAddr(d, page)+offset, data)
}

// ErasePages erases count consecutive pages starting at startPage.
func ErasePages(d Device, startPage int, count int) error {
	if startPage < 0 || startPage+count > d.NumPages() {
		return errors.Errorf(
			"erase of pages [%d,%d) exceeds device (%d pages)",
			startPage, startPage+count, d.NumPages())
	}

	for i := 0; i < count; i++ {
		if err := d.ErasePage(startPage + i); err != nil {
			return err
		}
	}

	return nil
}

// Copy moves length bytes from src to dst in chunkSize pieces.  The
// destination must already be erased.
func Copy(dst Device, dstAddr uint32, src Device, srcAddr uint32,
	length uint32, chunkSize int) error {

	buf := make([]byte, chunkSize)
	for off := uint32(0); off < length; {
		n := uint32(chunkSize)
		if length-off < n {
			n = length - off
		}

		if err := src.Read(srcAddr+off, buf[:n]); err != nil {
			return errors.Wrapf(err, "copy: read at 0x%x", srcAddr+off)
		}
		if err := dst.Write(dstAddr+off, buf[:n]); err != nil {
			return errors.Wrapf(err, "copy: write at 0x%x", dstAddr+off)
		}

		off += n
	}

	return nil
}

func checkRange(d Device, addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(Size(d)) {
		return errors.Errorf(
			"access [0x%x,0x%x) exceeds device size 0x%x",
			addr, uint64(addr)+uint64(n), Size(d))
	}
	return nil
}
