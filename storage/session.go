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

	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/oad/flash"
	"mynewt.apache.org/oad/image"
	"mynewt.apache.org/oad/status"
)

type State int

const (
	STATE_IDLE State = iota
	STATE_IDENTIFYING
	STATE_DOWNLOADING
	STATE_FINALIZING
)

var stateNameMap = map[State]string{
	STATE_IDLE:        "idle",
	STATE_IDENTIFYING: "identifying",
	STATE_DOWNLOADING: "downloading",
	STATE_FINALIZING:  "finalizing",
}

func (st State) String() string {
	if name, ok := stateNameMap[st]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(st))
}

// Session is a single image download.  It is not safe for concurrent use.
type Session struct {
	st *Storage

	state   State
	running image.ImageHdr

	candidateLen  uint32
	candidateType uint8

	tgt         target
	totalBlocks uint32
	hdrBlocks   uint32
	hdrBuf      []byte
	nextHdrBlk  uint32
	received    []bool
	numReceived uint32
}

func newSession(st *Storage) *Session {
	sess := &Session{st: st}
	sess.reset()
	return sess
}

func (sess *Session) reset() {
	sess.state = STATE_IDLE
	sess.candidateLen = 0xffffffff
	sess.candidateType = image.IMG_TYPE_APP
	sess.tgt = target{metaPage: -1}
	sess.totalBlocks = 0
	sess.hdrBlocks = 0
	sess.hdrBuf = nil
	sess.nextHdrBlk = 0
	sess.received = nil
	sess.numReceived = 0
}

func (sess *Session) abortf(format string, args ...interface{}) error {
	sess.reset()
	return status.Errorf(status.Aborted, format, args...)
}

func (sess *Session) State() State {
	return sess.state
}

// Candidate returns the length and type of the image being downloaded.
func (sess *Session) Candidate() (uint32, uint8) {
	return sess.candidateLen, sess.candidateType
}

// Progress reports the number of distinct blocks received and the number of
// blocks in the image.
func (sess *Session) Progress() (uint32, uint32) {
	return sess.numReceived, sess.totalBlocks
}

// ImageAddr returns the staging address of the image being downloaded.
func (sess *Session) ImageAddr() uint32 {
	return sess.tgt.addr
}

func (sess *Session) blockSize() uint32 {
	return uint32(sess.st.cfg.BytesPerBlock)
}

// Identify starts a download of the image described by payload.  On success
// it returns the number of blocks the peer must send.  A rejected request
// leaves the session and flash untouched.
func (sess *Session) Identify(payload []byte) (uint32, error) {
	id, err := image.ParseIdentifyPayload(payload)
	if err != nil {
		return 0, status.Wrapf(status.Rejected, err, "bad identify request")
	}

	running, err := sess.st.runningHdr()
	if err != nil {
		return 0, err
	}

	tgt, err := sess.st.checkIdentify(&id, &running)
	if err != nil {
		log.Debugf("Identify rejected: %s", err.Error())
		return 0, err
	}

	if sess.state != STATE_IDLE {
		log.Debugf("Identify restarts download in state %s", sess.state)
	}
	sess.reset()

	bs := sess.blockSize()
	total := (id.Len + bs - 1) / bs
	hdrBlocks := (image.IMG_HDR_LEN + bs - 1) / bs
	hdrLen := hdrBlocks * bs
	if hdrLen > id.Len {
		hdrLen = id.Len
	}

	sess.state = STATE_IDENTIFYING
	sess.running = running
	sess.candidateLen = id.Len
	sess.candidateType = id.ImgType
	sess.tgt = tgt
	sess.totalBlocks = total
	sess.hdrBlocks = hdrBlocks
	sess.hdrBuf = make([]byte, hdrLen)
	sess.received = make([]bool, total)

	log.WithFields(log.Fields{
		"blocks": total,
		"addr":   fmt.Sprintf("0x%x", tgt.addr),
	}).Debugf("Identify accepted: %s", id)
	return total, nil
}

// Resume restarts an interrupted download of the image described by payload
// without erasing what is already in flash.  Blocks below nextBlk are taken
// as written; the final CRC check catches any that were not.  If the header
// never reached flash the download starts over.
func (sess *Session) Resume(payload []byte, nextBlk uint32) (uint32, error) {
	total, err := sess.Identify(payload)
	if err != nil {
		return 0, err
	}
	if nextBlk <= sess.hdrBlocks {
		return total, nil
	}
	if nextBlk > total {
		nextBlk = total
	}

	dev := sess.tgt.dev
	if err := dev.Read(sess.tgt.addr, sess.hdrBuf); err != nil {
		sess.reset()
		return 0, status.Wrapf(status.FlashError, err, "read image header")
	}

	hdr, err := image.ParseImageHdr(sess.hdrBuf)
	if err == nil {
		err = sess.st.checkHeader(&hdr, sess.candidateLen,
			sess.candidateType, &sess.tgt, &sess.running)
	}
	if err != nil {
		log.Debugf("Cannot resume; restarting download: %s", err.Error())
		return sess.Identify(payload)
	}

	for blk := uint32(0); blk < nextBlk; blk++ {
		sess.markReceived(blk)
	}
	sess.nextHdrBlk = sess.hdrBlocks
	sess.state = STATE_DOWNLOADING

	log.Debugf("Resuming download at block %d/%d", nextBlk, total)
	return total, nil
}

// EraseImgPage erases one page of the staging area, relative to the start
// of the image.  Blocks stored in the page must be sent again; the header,
// if the page held it, is restored from memory.
func (sess *Session) EraseImgPage(relPage int) error {
	if sess.state != STATE_DOWNLOADING {
		return status.Errorf(status.Failed, "no download in progress")
	}

	dev := sess.tgt.dev
	if relPage < 0 || relPage >= flash.PagesFor(dev, sess.candidateLen) {
		return status.Errorf(status.Failed, "page %d outside image", relPage)
	}

	page := flash.PageOf(dev, sess.tgt.addr) + relPage
	if err := dev.ErasePage(page); err != nil {
		return status.Wrapf(status.FlashError, err, "erase page %d", page)
	}

	pageLo := flash.PageAddr(dev, page)
	pageHi := pageLo + uint32(dev.PageSize())
	bs := sess.blockSize()

	for blk := uint32(0); blk < sess.totalBlocks; blk++ {
		lo := sess.tgt.addr + blk*bs
		hi := lo + sess.expectedLen(blk)
		if hi <= pageLo || lo >= pageHi {
			continue
		}

		if blk < sess.hdrBlocks {
			continue
		}
		sess.unmarkReceived(blk)
	}

	if sess.tgt.addr < pageHi &&
		pageLo < sess.tgt.addr+uint32(len(sess.hdrBuf)) {

		if err := dev.Write(sess.tgt.addr, sess.hdrBuf); err != nil {
			return status.Wrapf(status.FlashError, err,
				"restore image header")
		}
	}

	log.Debugf("Erased image page %d (flash page %d)", relPage, page)
	return nil
}

// expectedLen returns the number of image bytes carried by block blkNum.
func (sess *Session) expectedLen(blkNum uint32) uint32 {
	bs := sess.blockSize()
	off := blkNum * bs
	if sess.candidateLen-off < bs {
		return sess.candidateLen - off
	}
	return bs
}

// WriteBlockFrame accepts a block prefixed with its little-endian block
// number.
func (sess *Session) WriteBlockFrame(frame []byte) error {
	if len(frame) < OAD_BLK_NUM_HDR_SZ {
		return sess.abortf("block frame too short (%d bytes)", len(frame))
	}

	blkNum := binary.LittleEndian.Uint32(frame)
	return sess.WriteBlock(blkNum, frame[OAD_BLK_NUM_HDR_SZ:])
}

// WriteBlock stores one block of the image.  Header blocks must arrive in
// order; once the header is complete it is validated and the staging area is
// erased.  Repeated blocks are ignored.
func (sess *Session) WriteBlock(blkNum uint32, data []byte) error {
	if sess.state != STATE_IDENTIFYING && sess.state != STATE_DOWNLOADING {
		return status.Errorf(status.Failed, "no download in progress")
	}

	if blkNum >= sess.totalBlocks {
		return sess.abortf("block %d out of range (%d blocks)", blkNum,
			sess.totalBlocks)
	}

	want := sess.expectedLen(blkNum)
	have := uint32(len(data))
	if have != want && (want == sess.blockSize() || have != sess.blockSize()) {
		return sess.abortf("block %d has %d bytes; want %d", blkNum, have,
			want)
	}
	data = data[:want]

	if sess.state == STATE_IDENTIFYING {
		return sess.writeHdrBlock(blkNum, data)
	}

	if blkNum < sess.hdrBlocks || sess.received[blkNum] {
		return nil
	}

	addr := sess.tgt.addr + blkNum*sess.blockSize()
	if err := sess.tgt.dev.Write(addr, data); err != nil {
		return status.Wrapf(status.FlashError, err,
			"write block %d at 0x%x", blkNum, addr)
	}

	sess.markReceived(blkNum)
	return nil
}

func (sess *Session) markReceived(blkNum uint32) {
	if !sess.received[blkNum] {
		sess.received[blkNum] = true
		sess.numReceived++
	}
}

func (sess *Session) unmarkReceived(blkNum uint32) {
	if sess.received[blkNum] {
		sess.received[blkNum] = false
		sess.numReceived--
	}
}

func (sess *Session) writeHdrBlock(blkNum uint32, data []byte) error {
	if blkNum < sess.nextHdrBlk {
		return nil
	}
	if blkNum > sess.nextHdrBlk {
		return sess.abortf("header block %d received; expected %d", blkNum,
			sess.nextHdrBlk)
	}

	copy(sess.hdrBuf[blkNum*sess.blockSize():], data)
	sess.markReceived(blkNum)
	sess.nextHdrBlk++

	if sess.nextHdrBlk < sess.hdrBlocks {
		return nil
	}

	hdr, err := image.ParseImageHdr(sess.hdrBuf)
	if err != nil {
		sess.reset()
		return status.Wrapf(status.Rejected, err, "bad image header")
	}

	if err := sess.st.checkHeader(&hdr, sess.candidateLen,
		sess.candidateType, &sess.tgt, &sess.running); err != nil {

		log.Debugf("Image header rejected: %s", err.Error())
		sess.reset()
		return err
	}

	if err := sess.prepareTarget(); err != nil {
		// The last header block stays outstanding; a retry repeats the
		// erase and header write.
		sess.nextHdrBlk--
		sess.unmarkReceived(blkNum)
		return err
	}

	sess.state = STATE_DOWNLOADING
	log.Debugf("Header accepted; downloading %d bytes to 0x%x",
		sess.candidateLen, sess.tgt.addr)
	return nil
}

// prepareTarget erases the staging area and programs the buffered header.
func (sess *Session) prepareTarget() error {
	dev := sess.tgt.dev

	if sess.tgt.metaPage >= 0 {
		if err := dev.ErasePage(sess.tgt.metaPage); err != nil {
			return status.Wrapf(status.FlashError, err,
				"erase metadata page %d", sess.tgt.metaPage)
		}
	}

	if err := flash.ErasePages(dev, flash.PageOf(dev, sess.tgt.addr),
		flash.PagesFor(dev, sess.candidateLen)); err != nil {

		return status.Wrapf(status.FlashError, err,
			"erase staging area at 0x%x", sess.tgt.addr)
	}

	if err := dev.Write(sess.tgt.addr, sess.hdrBuf); err != nil {
		return status.Wrapf(status.FlashError, err, "write image header")
	}

	return nil
}

// Finalize checks the CRC of a completely received image and marks it for
// the boot image manager.  The session returns to idle whatever the outcome,
// except when the download is incomplete.
func (sess *Session) Finalize() error {
	if sess.state != STATE_DOWNLOADING {
		return status.Errorf(status.Failed, "no download in progress")
	}
	if sess.numReceived < sess.totalBlocks {
		return status.Errorf(status.Failed, "download incomplete: %d/%d blocks",
			sess.numReceived, sess.totalBlocks)
	}

	sess.state = STATE_FINALIZING
	defer sess.reset()

	dev := sess.tgt.dev
	addr := sess.tgt.addr

	fixed, err := readFixedHdr(dev, addr)
	if err != nil {
		return status.Wrapf(status.FlashError, err, "read image header")
	}
	if fixed.CrcStat == image.CRC_INVALID {
		return status.Errorf(status.CrcError, "image marked invalid")
	}
	if err := verifyCrc(dev, addr, &fixed); err != nil {
		log.Warnf("Image finalization failed: %s", err.Error())
		return err
	}

	if sess.tgt.metaPage < 0 {
		if err := dev.Write(addr+image.CRC_STAT_OFFSET,
			[]byte{image.CRC_VALID}); err != nil {

			return status.Wrapf(status.FlashError, err, "write crc status")
		}

		log.Infof("Image at 0x%x verified", addr)
		return nil
	}

	info := image.NewExtImageInfo(&fixed, addr)
	if err := WriteMeta(dev, sess.tgt.metaPage, &info); err != nil {
		return status.Wrapf(status.FlashError, err,
			"write metadata page %d", sess.tgt.metaPage)
	}
	if err := sess.st.ageMeta(sess.tgt.metaPage); err != nil {
		log.Warnf("Failed to age metadata records: %s", err.Error())
	}

	log.Infof("Image stored at 0x%x; metadata page %d", addr,
		sess.tgt.metaPage)
	return nil
}

// IdentifyRead returns the identity of the candidate image once its header
// has been written, and the identity of the running image otherwise.
func (sess *Session) IdentifyRead() (image.IdentifyPayload, error) {
	if sess.state == STATE_DOWNLOADING || sess.state == STATE_FINALIZING {
		fixed, err := readFixedHdr(sess.tgt.dev, sess.tgt.addr)
		if err != nil {
			return image.IdentifyPayload{}, status.Wrapf(status.FlashError,
				err, "read candidate header")
		}
		return image.IdentifyFromHdr(&fixed), nil
	}

	running, err := sess.st.runningHdr()
	if err != nil {
		return image.IdentifyPayload{}, err
	}
	return image.IdentifyFromHdr(&running.Fixed), nil
}

// ReadBlock returns block blkNum of the image at the staging address of the
// current download.
func (sess *Session) ReadBlock(blkNum uint32) ([]byte, error) {
	if sess.state != STATE_DOWNLOADING {
		return nil, status.Errorf(status.Failed, "no download in progress")
	}
	if blkNum >= sess.totalBlocks {
		return nil, status.Errorf(status.Failed, "block %d out of range",
			blkNum)
	}

	buf := make([]byte, sess.expectedLen(blkNum))
	addr := sess.tgt.addr + blkNum*sess.blockSize()
	if err := sess.tgt.dev.Read(addr, buf); err != nil {
		return nil, status.Wrapf(status.FlashError, err,
			"read block %d", blkNum)
	}

	return buf, nil
}

// Close abandons any download in progress and releases the storage.
func (sess *Session) Close() {
	sess.reset()
	sess.st.release(sess)
}
