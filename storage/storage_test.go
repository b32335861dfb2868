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
	"encoding/binary"
	"fmt"
	"testing"

	aflash "github.com/apache/mynewt-artifact/flash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mynewt.apache.org/oad/crc"
	"mynewt.apache.org/oad/flash"
	"mynewt.apache.org/oad/image"
	"mynewt.apache.org/oad/imgtool"
	"mynewt.apache.org/oad/status"
)

const (
	testPageSize = 4096
	testNumPages = 32

	stackOff   = 0x8000
	persistOff = 0x10000
	bimOff     = 0x1f000
)

func makeImage(t *testing.T, imgType uint8, start uint32, length int,
	minor uint8) []byte {

	t.Helper()

	ic := imgtool.NewImageCreator()
	ic.ImgType = imgType
	ic.StartAddr = start
	ic.SoftVer = image.SoftVer{1, minor, 0, 0}
	ic.Body = make([]byte, length-image.IMG_HDR_LEN)
	for i := range ic.Body {
		ic.Body[i] = byte(i*7 + int(minor))
	}

	img, err := ic.Create()
	require.NoError(t, err)
	require.Len(t, img, length)

	return img
}

func identifyPayload(t *testing.T, img []byte) []byte {
	t.Helper()

	hdr, err := image.ParseFixedHdr(img)
	require.NoError(t, err)

	id := image.IdentifyFromHdr(&hdr)
	return id.Bytes()
}

func writeBlocks(sess *Session, img []byte) error {
	bs := sess.st.BytesPerBlock()
	for off := 0; off < len(img); off += bs {
		end := off + bs
		if end > len(img) {
			end = len(img)
		}
		if err := sess.WriteBlock(uint32(off/bs), img[off:end]); err != nil {
			return err
		}
	}

	return nil
}

func download(t *testing.T, sess *Session, img []byte) error {
	t.Helper()

	if _, err := sess.Identify(identifyPayload(t, img)); err != nil {
		return err
	}
	if err := writeBlocks(sess, img); err != nil {
		return err
	}

	return sess.Finalize()
}

func onChipLayout(t *testing.T) flash.Layout {
	layout, err := flash.NewLayout([]aflash.FlashArea{
		{Name: flash.AREA_NAME_APP, Id: 1, Offset: 0, Size: stackOff},
		{Name: flash.AREA_NAME_STACK, Id: 2, Offset: stackOff,
			Size: persistOff - stackOff},
		{Name: flash.AREA_NAME_PERSISTENT, Id: 3, Offset: persistOff,
			Size: 0x1e000 - persistOff},
		{Name: flash.AREA_NAME_NV, Id: 4, Offset: 0x1e000, Size: 0x1000},
		{Name: flash.AREA_NAME_BIM, Id: 0, Offset: bimOff, Size: 0x1000},
	})
	require.NoError(t, err)

	return layout
}

func newOnChip(t *testing.T) (*Storage, *flash.MemDevice) {
	dev := flash.NewMemDevice(testPageSize, testNumPages)

	ic := imgtool.NewImageCreator()
	ic.ImgType = image.IMG_TYPE_PERSISTENT_APP
	ic.StartAddr = persistOff
	ic.Body = make([]byte, 1000)
	ic.Boundary.Ram0StartAddr = 0x20000000
	ic.Boundary.Ram0EndAddr = 0x20000fff
	running, err := ic.Create()
	require.NoError(t, err)
	require.NoError(t, dev.Write(persistOff, running))

	st, err := New(Config{
		Device:         dev,
		Layout:         onChipLayout(t),
		RunningHdrAddr: persistOff,
	})
	require.NoError(t, err)

	return st, dev
}

func newOffChip(t *testing.T, extPages int, factorySize uint32) (
	*Storage, *flash.MemDevice, *flash.MemDevice) {

	dev := flash.NewMemDevice(testPageSize, testNumPages)
	ext := flash.NewMemDevice(testPageSize, extPages)

	layout, err := flash.NewLayout([]aflash.FlashArea{
		{Name: flash.AREA_NAME_APP, Id: 1, Offset: 0, Size: 0x1e000},
		{Name: flash.AREA_NAME_NV, Id: 4, Offset: 0x1e000, Size: 0x1000},
		{Name: flash.AREA_NAME_BIM, Id: 0, Offset: bimOff, Size: 0x1000},
	})
	require.NoError(t, err)

	running := makeImage(t, image.IMG_TYPE_APP, 0, 1200, 0)
	require.NoError(t, dev.Write(0, running))

	st, err := New(Config{
		Device:         dev,
		ExtDevice:      ext,
		Layout:         layout,
		RunningHdrAddr: 0,
		FactorySize:    factorySize,
	})
	require.NoError(t, err)

	return st, dev, ext
}

func TestNewErrors(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{
		Device:    flash.NewMemDevice(testPageSize, testNumPages),
		ExtDevice: flash.NewMemDevice(testPageSize, image.EFL_MAX_META),
	})
	assert.Error(t, err)

	// On-chip staging needs an application area.
	_, err = New(Config{
		Device: flash.NewMemDevice(testPageSize, testNumPages),
	})
	assert.Error(t, err)
}

func TestIdentifyRejectsOversizedApp(t *testing.T) {
	st, dev := newOnChip(t)
	sess, err := st.Open()
	require.NoError(t, err)
	defer sess.Close()

	writes, erases := dev.Writes, dev.Erases

	img := makeImage(t, image.IMG_TYPE_APP, 0, 1000, 1)
	id, err := image.ParseIdentifyPayload(identifyPayload(t, img))
	require.NoError(t, err)

	id.Len = stackOff
	_, err = sess.Identify(id.Bytes())
	assert.Equal(t, status.Rejected, status.Of(err))

	length, imgType := sess.Candidate()
	assert.Equal(t, uint32(0xffffffff), length)
	assert.Equal(t, uint8(image.IMG_TYPE_APP), imgType)
	assert.Equal(t, STATE_IDLE, sess.State())

	// A rejection does not disturb an accepted download.
	id.Len = stackOff - 1
	blocks, err := sess.Identify(id.Bytes())
	require.NoError(t, err)
	assert.NotZero(t, blocks)

	id.Len = stackOff
	_, err = sess.Identify(id.Bytes())
	assert.Equal(t, status.Rejected, status.Of(err))

	length, _ = sess.Candidate()
	assert.Equal(t, uint32(stackOff-1), length)
	assert.Equal(t, STATE_IDENTIFYING, sess.State())

	assert.Equal(t, writes, dev.Writes)
	assert.Equal(t, erases, dev.Erases)
}

func TestIdentifyRejects(t *testing.T) {
	st, _ := newOnChip(t)
	sess, err := st.Open()
	require.NoError(t, err)
	defer sess.Close()

	img := makeImage(t, image.IMG_TYPE_APP, 0, 1000, 1)
	base, err := image.ParseIdentifyPayload(identifyPayload(t, img))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(id *image.IdentifyPayload)
	}{
		{"bad id", func(id *image.IdentifyPayload) { id.ImgID[0] = 'X' }},
		{"bim version", func(id *image.IdentifyPayload) { id.BimVer++ }},
		{"meta version", func(id *image.IdentifyPayload) { id.MetaVer++ }},
		{"zero length", func(id *image.IdentifyPayload) { id.Len = 0 }},
		{"erased length", func(id *image.IdentifyPayload) { id.Len = 0xffffffff }},
		{"short length", func(id *image.IdentifyPayload) { id.Len = 100 }},
		{"persistent", func(id *image.IdentifyPayload) {
			id.ImgType = image.IMG_TYPE_PERSISTENT_APP
		}},
		{"factory", func(id *image.IdentifyPayload) {
			id.ImgType = image.IMG_TYPE_FACTORY
		}},
		{"bim", func(id *image.IdentifyPayload) {
			id.ImgType = image.IMG_TYPE_BIM
		}},
		{"app+stack on-chip", func(id *image.IdentifyPayload) {
			id.ImgType = image.IMG_TYPE_APP_STACK
		}},
		{"np on-chip", func(id *image.IdentifyPayload) {
			id.ImgType = image.IMG_TYPE_NP
		}},
		{"oversized stack", func(id *image.IdentifyPayload) {
			id.ImgType = image.IMG_TYPE_STACK
			id.Len = persistOff - stackOff + 1
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := base
			tt.mutate(&id)

			_, err := sess.Identify(id.Bytes())
			assert.Equal(t, status.Rejected, status.Of(err))
			assert.Equal(t, STATE_IDLE, sess.State())
		})
	}

	_, err = sess.Identify([]byte{1, 2, 3})
	assert.Equal(t, status.Rejected, status.Of(err))
}

func TestDownloadOnChip(t *testing.T) {
	st, dev := newOnChip(t)
	sess, err := st.Open()
	require.NoError(t, err)
	defer sess.Close()

	img := makeImage(t, image.IMG_TYPE_APP, 0, 10000, 1)

	blocks, err := sess.Identify(identifyPayload(t, img))
	require.NoError(t, err)
	assert.Equal(t, uint32(81), blocks)

	require.NoError(t, writeBlocks(sess, img))
	received, total := sess.Progress()
	assert.Equal(t, total, received)
	assert.Equal(t, STATE_DOWNLOADING, sess.State())

	require.NoError(t, sess.Finalize())
	assert.Equal(t, STATE_IDLE, sess.State())

	want := append([]byte(nil), img...)
	want[image.CRC_STAT_OFFSET] = image.CRC_VALID
	assert.Equal(t, want, dev.Bytes()[:len(img)])

	// Only the pages covering the image were erased.
	assert.Equal(t, flash.PagesFor(dev, uint32(len(img))), dev.Erases)
}

func TestDownloadStack(t *testing.T) {
	st, dev := newOnChip(t)
	sess, err := st.Open()
	require.NoError(t, err)
	defer sess.Close()

	img := makeImage(t, image.IMG_TYPE_STACK, stackOff, 3000, 1)
	require.NoError(t, download(t, sess, img))

	stat := make([]byte, 1)
	require.NoError(t, dev.Read(stackOff+image.CRC_STAT_OFFSET, stat))
	assert.Equal(t, byte(image.CRC_VALID), stat[0])
}

func TestDownloadCrcError(t *testing.T) {
	st, dev := newOnChip(t)
	sess, err := st.Open()
	require.NoError(t, err)
	defer sess.Close()

	img := makeImage(t, image.IMG_TYPE_APP, 0, 10000, 1)
	img[5000] ^= 0x01

	err = download(t, sess, img)
	assert.Equal(t, status.CrcError, status.Of(err))
	assert.Equal(t, STATE_IDLE, sess.State())

	stat := make([]byte, 1)
	require.NoError(t, dev.Read(image.CRC_STAT_OFFSET, stat))
	assert.Equal(t, byte(image.CRC_DEFAULT), stat[0])
}

func TestHeaderRejected(t *testing.T) {
	st, dev := newOnChip(t)
	sess, err := st.Open()
	require.NoError(t, err)
	defer sess.Close()

	// Built for an address other than the application area.
	img := makeImage(t, image.IMG_TYPE_APP, 0x1000, 2000, 1)

	writes, erases := dev.Writes, dev.Erases

	_, err = sess.Identify(identifyPayload(t, img))
	require.NoError(t, err)

	bs := st.BytesPerBlock()
	require.NoError(t, sess.WriteBlock(0, img[:bs]))
	err = sess.WriteBlock(1, img[bs:2*bs])
	assert.Equal(t, status.Rejected, status.Of(err))
	assert.Equal(t, STATE_IDLE, sess.State())

	assert.Equal(t, writes, dev.Writes)
	assert.Equal(t, erases, dev.Erases)
}

func TestWriteBlockAborts(t *testing.T) {
	st, _ := newOnChip(t)
	sess, err := st.Open()
	require.NoError(t, err)
	defer sess.Close()

	img := makeImage(t, image.IMG_TYPE_APP, 0, 2000, 1)
	bs := st.BytesPerBlock()

	tests := []struct {
		name  string
		write func() error
	}{
		{"out of range", func() error {
			return sess.WriteBlock(1000, img[:bs])
		}},
		{"short block", func() error {
			return sess.WriteBlock(0, img[:10])
		}},
		{"header out of order", func() error {
			return sess.WriteBlock(1, img[bs:2*bs])
		}},
		{"short frame", func() error {
			return sess.WriteBlockFrame([]byte{0, 0})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sess.Identify(identifyPayload(t, img))
			require.NoError(t, err)

			assert.Equal(t, status.Aborted, status.Of(tt.write()))
			assert.Equal(t, STATE_IDLE, sess.State())
		})
	}

	// No download in progress.
	assert.Equal(t, status.Failed, status.Of(sess.WriteBlock(0, img[:bs])))
}

func TestDuplicateAndPaddedBlocks(t *testing.T) {
	st, _ := newOnChip(t)
	sess, err := st.Open()
	require.NoError(t, err)
	defer sess.Close()

	img := makeImage(t, image.IMG_TYPE_APP, 0, 10000, 1)
	bs := st.BytesPerBlock()

	_, err = sess.Identify(identifyPayload(t, img))
	require.NoError(t, err)

	for off := 0; off < len(img); off += bs {
		blk := make([]byte, bs)
		copy(blk, img[off:])

		for i := 0; i < 2; i++ {
			require.NoError(t, sess.WriteBlock(uint32(off/bs), blk))
		}
	}

	received, total := sess.Progress()
	assert.Equal(t, uint32(81), received)
	assert.Equal(t, uint32(81), total)

	require.NoError(t, sess.Finalize())
}

func TestFinalizeIncomplete(t *testing.T) {
	st, _ := newOnChip(t)
	sess, err := st.Open()
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, status.Failed, status.Of(sess.Finalize()))

	img := makeImage(t, image.IMG_TYPE_APP, 0, 2000, 1)
	_, err = sess.Identify(identifyPayload(t, img))
	require.NoError(t, err)

	bs := st.BytesPerBlock()
	require.NoError(t, sess.WriteBlock(0, img[:bs]))
	require.NoError(t, sess.WriteBlock(1, img[bs:2*bs]))

	assert.Equal(t, status.Failed, status.Of(sess.Finalize()))
	assert.Equal(t, STATE_DOWNLOADING, sess.State())
}

func TestFlashError(t *testing.T) {
	st, dev := newOnChip(t)
	sess, err := st.Open()
	require.NoError(t, err)
	defer sess.Close()

	img := makeImage(t, image.IMG_TYPE_APP, 0, 2000, 1)
	_, err = sess.Identify(identifyPayload(t, img))
	require.NoError(t, err)

	bs := st.BytesPerBlock()
	require.NoError(t, sess.WriteBlock(0, img[:bs]))
	require.NoError(t, sess.WriteBlock(1, img[bs:2*bs]))

	dev.WriteFault = func(addr uint32, n int) error {
		return fmt.Errorf("program failure at 0x%x", addr)
	}
	err = sess.WriteBlock(2, img[2*bs:3*bs])
	assert.Equal(t, status.FlashError, status.Of(err))
	assert.Equal(t, STATE_DOWNLOADING, sess.State())

	// The block can be retried once the fault clears.
	dev.WriteFault = nil
	assert.NoError(t, sess.WriteBlock(2, img[2*bs:3*bs]))
}

func TestHeaderEraseFailureRetry(t *testing.T) {
	st, dev := newOnChip(t)
	sess, err := st.Open()
	require.NoError(t, err)
	defer sess.Close()

	img := makeImage(t, image.IMG_TYPE_APP, 0, 3000, 4)
	_, err = sess.Identify(identifyPayload(t, img))
	require.NoError(t, err)

	bs := st.BytesPerBlock()
	hdrBlocks := (image.IMG_HDR_LEN + bs - 1) / bs
	last := uint32(hdrBlocks - 1)
	for blk := 0; blk < hdrBlocks-1; blk++ {
		require.NoError(t, sess.WriteBlock(uint32(blk),
			img[blk*bs:(blk+1)*bs]))
	}

	dev.EraseFault = func(page int) error {
		return fmt.Errorf("erase failure on page %d", page)
	}
	lastData := img[int(last)*bs : int(last+1)*bs]
	err = sess.WriteBlock(last, lastData)
	assert.Equal(t, status.FlashError, status.Of(err))
	assert.Equal(t, STATE_IDENTIFYING, sess.State())

	received, _ := sess.Progress()
	assert.Equal(t, last, received)

	// The first payload block is out of order until the header is stored.
	dev.EraseFault = nil
	next := img[int(last+1)*bs : int(last+2)*bs]
	err = sess.WriteBlock(last+1, next)
	assert.Equal(t, status.Aborted, status.Of(err))

	_, err = sess.Identify(identifyPayload(t, img))
	require.NoError(t, err)
	for blk := 0; blk < hdrBlocks-1; blk++ {
		require.NoError(t, sess.WriteBlock(uint32(blk),
			img[blk*bs:(blk+1)*bs]))
	}

	dev.EraseFault = func(page int) error {
		return fmt.Errorf("erase failure on page %d", page)
	}
	err = sess.WriteBlock(last, lastData)
	assert.Equal(t, status.FlashError, status.Of(err))

	// Retrying the block repeats the erase and header write.
	dev.EraseFault = nil
	erases := dev.Erases
	require.NoError(t, sess.WriteBlock(last, lastData))
	assert.Equal(t, STATE_DOWNLOADING, sess.State())
	assert.Less(t, erases, dev.Erases)

	for off := int(last+1) * bs; off < len(img); off += bs {
		end := off + bs
		if end > len(img) {
			end = len(img)
		}
		require.NoError(t, sess.WriteBlock(uint32(off/bs), img[off:end]))
	}
	require.NoError(t, sess.Finalize())

	want := append([]byte(nil), img...)
	want[image.CRC_STAT_OFFSET] = image.CRC_VALID
	assert.Equal(t, want, dev.Bytes()[:len(img)])
}

func TestBusy(t *testing.T) {
	st, _ := newOnChip(t)

	sess, err := st.Open()
	require.NoError(t, err)

	_, err = st.Open()
	assert.Equal(t, status.Busy, status.Of(err))
	assert.Equal(t, status.Busy, status.Of(st.InvalidateImage(persistOff)))

	sess.Close()

	sess, err = st.Open()
	require.NoError(t, err)
	sess.Close()
}

func TestIdentifyRead(t *testing.T) {
	st, _ := newOnChip(t)
	sess, err := st.Open()
	require.NoError(t, err)
	defer sess.Close()

	id, err := sess.IdentifyRead()
	require.NoError(t, err)
	assert.Equal(t, uint8(image.IMG_TYPE_PERSISTENT_APP), id.ImgType)

	img := makeImage(t, image.IMG_TYPE_APP, 0, 2000, 7)
	_, err = sess.Identify(identifyPayload(t, img))
	require.NoError(t, err)

	// The candidate header has not been written yet.
	id, err = sess.IdentifyRead()
	require.NoError(t, err)
	assert.Equal(t, uint8(image.IMG_TYPE_PERSISTENT_APP), id.ImgType)

	bs := st.BytesPerBlock()
	require.NoError(t, sess.WriteBlock(0, img[:bs]))
	require.NoError(t, sess.WriteBlock(1, img[bs:2*bs]))

	id, err = sess.IdentifyRead()
	require.NoError(t, err)
	assert.Equal(t, uint8(image.IMG_TYPE_APP), id.ImgType)
	assert.Equal(t, uint32(2000), id.Len)
	assert.Equal(t, image.SoftVer{1, 7, 0, 0}, id.SoftVer)
}

func TestWriteBlockFrameAndReadBlock(t *testing.T) {
	st, _ := newOnChip(t)
	sess, err := st.Open()
	require.NoError(t, err)
	defer sess.Close()

	img := makeImage(t, image.IMG_TYPE_APP, 0, 2000, 1)
	bs := st.BytesPerBlock()

	_, err = sess.Identify(identifyPayload(t, img))
	require.NoError(t, err)

	for off := 0; off < len(img); off += bs {
		end := off + bs
		if end > len(img) {
			end = len(img)
		}

		frame := make([]byte, OAD_BLK_NUM_HDR_SZ)
		binary.LittleEndian.PutUint32(frame, uint32(off/bs))
		frame = append(frame, img[off:end]...)
		require.NoError(t, sess.WriteBlockFrame(frame))
	}

	blk, err := sess.ReadBlock(5)
	require.NoError(t, err)
	assert.Equal(t, img[5*bs:6*bs], blk)

	_, err = sess.ReadBlock(1000)
	assert.Error(t, err)

	require.NoError(t, sess.Finalize())
}

func TestInvalidateImage(t *testing.T) {
	st, dev := newOnChip(t)
	sess, err := st.Open()
	require.NoError(t, err)

	img := makeImage(t, image.IMG_TYPE_APP, 0, 2000, 1)
	require.NoError(t, download(t, sess, img))
	sess.Close()

	require.NoError(t, st.InvalidateImage(0))

	fixed, err := readFixedHdr(dev, 0)
	require.NoError(t, err)
	assert.False(t, image.EvenBitCount(fixed.ImgVld))

	// Nothing there.
	assert.Error(t, st.InvalidateImage(0x4000))
}

func TestDownloadExternal(t *testing.T) {
	st, _, ext := newOffChip(t, 64, 0x10000)
	sess, err := st.Open()
	require.NoError(t, err)
	defer sess.Close()

	img1 := makeImage(t, image.IMG_TYPE_APP, 0, 10000, 1)
	require.NoError(t, download(t, sess, img1))

	info, err := ReadMeta(ext, 2)
	require.NoError(t, err)
	assert.True(t, info.IsValid())
	assert.Equal(t, uint8(image.IMG_TYPE_APP), info.Fixed.ImgType)
	assert.Equal(t, uint8(image.NEED_COPY), info.Fixed.ImgCpStat)
	assert.Equal(t, uint8(image.CRC_VALID), info.Fixed.CrcStat)
	assert.Equal(t, uint32(0x4000), info.ExtFlAddr)
	assert.Equal(t, uint32(0), info.Counter)
	assert.Equal(t, img1, ext.Bytes()[0x4000:0x4000+len(img1)])

	img2 := makeImage(t, image.IMG_TYPE_APP, 0, 10000, 2)
	require.NoError(t, download(t, sess, img2))

	info, err = ReadMeta(ext, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7000), info.ExtFlAddr)
	assert.Equal(t, uint32(0), info.Counter)

	info, err = ReadMeta(ext, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), info.Counter)

	// Both pool slots are in use; the oldest is reclaimed.
	img3 := makeImage(t, image.IMG_TYPE_APP, 0, 10000, 3)
	require.NoError(t, download(t, sess, img3))

	info, err = ReadMeta(ext, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x4000), info.ExtFlAddr)
	assert.Equal(t, uint32(0), info.Counter)
	assert.Equal(t, image.SoftVer{1, 3, 0, 0}, info.Fixed.SoftVer)

	info, err = ReadMeta(ext, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), info.Counter)
	assert.Equal(t, img2, ext.Bytes()[0x7000:0x7000+len(img2)])

	imgs, err := ExtImages(ext)
	require.NoError(t, err)
	assert.Len(t, imgs, 2)
}

func TestFinalizeExternalCrcError(t *testing.T) {
	st, _, ext := newOffChip(t, 64, 0x10000)
	sess, err := st.Open()
	require.NoError(t, err)
	defer sess.Close()

	good := makeImage(t, image.IMG_TYPE_APP, 0, 10000, 1)
	require.NoError(t, download(t, sess, good))
	before, err := ReadMeta(ext, 2)
	require.NoError(t, err)

	bad := makeImage(t, image.IMG_TYPE_APP, 0, 10000, 2)
	bad[9000] ^= 0x80
	err = download(t, sess, bad)
	assert.Equal(t, status.CrcError, status.Of(err))

	info, err := ReadMeta(ext, 3)
	require.NoError(t, err)
	assert.False(t, info.IsValid())

	after, err := ReadMeta(ext, 2)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestIdentifyExternalNoRoom(t *testing.T) {
	st, _, _ := newOffChip(t, 16, 0x8000)
	sess, err := st.Open()
	require.NoError(t, err)
	defer sess.Close()

	img := makeImage(t, image.IMG_TYPE_APP, 0, 20000, 1)
	_, err = sess.Identify(identifyPayload(t, img))
	assert.Equal(t, status.Rejected, status.Of(err))

	img = makeImage(t, image.IMG_TYPE_APP, 0, 10000, 1)
	_, err = sess.Identify(identifyPayload(t, img))
	assert.NoError(t, err)
}

func TestEnableImage(t *testing.T) {
	st, _, ext := newOffChip(t, 64, 0x10000)
	sess, err := st.Open()
	require.NoError(t, err)

	img := makeImage(t, image.IMG_TYPE_NP, 0, 5000, 1)
	require.NoError(t, download(t, sess, img))

	info, err := ReadMeta(ext, 2)
	require.NoError(t, err)
	assert.Equal(t, uint8(image.DEFAULT_STATE), info.Fixed.ImgCpStat)

	assert.Equal(t, status.Busy,
		status.Of(st.EnableImage(image.IMG_TYPE_NP, 0, 0)))
	sess.Close()

	require.NoError(t, st.EnableImage(image.IMG_TYPE_NP, 0, 0))

	info, err = ReadMeta(ext, 2)
	require.NoError(t, err)
	assert.Equal(t, uint8(image.NEED_COPY), info.Fixed.ImgCpStat)
	assert.Equal(t, uint8(image.CRC_VALID), info.Fixed.CrcStat)

	assert.Equal(t, status.Failed,
		status.Of(st.EnableImage(image.IMG_TYPE_APP_STACK, 0, 0)))

	onChip, _ := newOnChip(t)
	assert.Equal(t, status.Failed,
		status.Of(onChip.EnableImage(image.IMG_TYPE_APP, 0, 0)))
}

func TestBackupFactoryImage(t *testing.T) {
	st, dev, ext := newOffChip(t, 64, 0x10000)

	has, err := st.HasFactoryImage()
	require.NoError(t, err)
	assert.False(t, has)

	// The running image has already been validated by the BIM.
	require.NoError(t, dev.Write(image.CRC_STAT_OFFSET,
		[]byte{image.CRC_VALID}))

	require.NoError(t, st.BackupFactoryImage())

	has, err = st.HasFactoryImage()
	require.NoError(t, err)
	assert.True(t, has)

	info, err := ReadMeta(ext, 0)
	require.NoError(t, err)
	assert.Equal(t, uint8(image.IMG_TYPE_FACTORY), info.Fixed.ImgType)
	assert.Equal(t, uint8(image.DEFAULT_STATE), info.Fixed.ImgCpStat)
	assert.Equal(t, uint32(0x30000), info.ExtFlAddr)

	stat := make([]byte, 1)
	require.NoError(t, ext.Read(0x30000+image.CRC_STAT_OFFSET, stat))
	assert.Equal(t, byte(image.CRC_DEFAULT), stat[0])

	sum, err := crc.CalcAt(ext, 0x30000, info.Fixed.Len)
	require.NoError(t, err)
	assert.Equal(t, info.Fixed.Crc32, sum)

	onChip, _ := newOnChip(t)
	assert.Error(t, onChip.BackupFactoryImage())
}

func TestIdentifyExternalTypes(t *testing.T) {
	st, _, _ := newOffChip(t, 64, 0x10000)
	sess, err := st.Open()
	require.NoError(t, err)
	defer sess.Close()

	img := makeImage(t, image.IMG_TYPE_APP_STACK, 0, 3000, 1)
	id, err := image.ParseIdentifyPayload(identifyPayload(t, img))
	require.NoError(t, err)

	_, err = sess.Identify(id.Bytes())
	assert.NoError(t, err)

	id.Len = bimOff + 1
	_, err = sess.Identify(id.Bytes())
	assert.Equal(t, status.Rejected, status.Of(err))

	// No stack area on this target.
	id.ImgType = image.IMG_TYPE_STACK
	id.Len = 3000
	_, err = sess.Identify(id.Bytes())
	assert.Equal(t, status.Rejected, status.Of(err))
}

func TestEraseImgPage(t *testing.T) {
	st, _ := newOnChip(t)
	sess, err := st.Open()
	require.NoError(t, err)
	defer sess.Close()

	img := makeImage(t, image.IMG_TYPE_APP, 0, 10000, 1)

	assert.Equal(t, status.Failed, status.Of(sess.EraseImgPage(0)))

	_, err = sess.Identify(identifyPayload(t, img))
	require.NoError(t, err)
	require.NoError(t, writeBlocks(sess, img))

	assert.Equal(t, status.Failed, status.Of(sess.EraseImgPage(3)))

	// Blocks 33 through 66 touch the second page.
	require.NoError(t, sess.EraseImgPage(1))
	received, _ := sess.Progress()
	assert.Equal(t, uint32(81-34), received)
	assert.Equal(t, status.Failed, status.Of(sess.Finalize()))

	require.NoError(t, sess.EraseImgPage(0))
	id, err := sess.IdentifyRead()
	require.NoError(t, err)
	assert.Equal(t, uint32(10000), id.Len)

	require.NoError(t, writeBlocks(sess, img))
	require.NoError(t, sess.Finalize())
}

func TestResume(t *testing.T) {
	st, _ := newOnChip(t)
	img := makeImage(t, image.IMG_TYPE_APP, 0, 10000, 1)
	bs := st.BytesPerBlock()

	sess, err := st.Open()
	require.NoError(t, err)

	// Nothing in flash yet; the download starts over.
	_, err = sess.Resume(identifyPayload(t, img), 40)
	require.NoError(t, err)
	received, _ := sess.Progress()
	assert.Equal(t, uint32(0), received)
	assert.Equal(t, STATE_IDENTIFYING, sess.State())

	for blk := 0; blk < 40; blk++ {
		require.NoError(t, sess.WriteBlock(uint32(blk),
			img[blk*bs:(blk+1)*bs]))
	}
	sess.Close()

	sess, err = st.Open()
	require.NoError(t, err)
	defer sess.Close()

	total, err := sess.Resume(identifyPayload(t, img), 40)
	require.NoError(t, err)
	assert.Equal(t, uint32(81), total)
	assert.Equal(t, STATE_DOWNLOADING, sess.State())

	received, _ = sess.Progress()
	assert.Equal(t, uint32(40), received)

	for blk := 40; blk < int(total); blk++ {
		end := (blk + 1) * bs
		if end > len(img) {
			end = len(img)
		}
		require.NoError(t, sess.WriteBlock(uint32(blk), img[blk*bs:end]))
	}
	require.NoError(t, sess.Finalize())
}
