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

package cli

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"mynewt.apache.org/oad/image"
	"mynewt.apache.org/oad/imgtool"
	"mynewt.apache.org/oad/journal"
	"mynewt.apache.org/oad/status"
	"mynewt.apache.org/oad/storage"
	"mynewt.apache.org/oad/util"
)

const DFLT_BYTES_PER_BLOCK = storage.OAD_DEFAULT_BLOCK_SIZE -
	storage.OAD_BLK_NUM_HDR_SZ

const PROGRESS_INTERRUPTED = "interrupted"

var downloadResume bool
var downloadMaxBlocks int

func blockCount(length int, bytesPerBlock int) int {
	return (length + bytesPerBlock - 1) / bytesPerBlock
}

func blockFrame(img []byte, blkNum uint32, bytesPerBlock int) []byte {
	off := int(blkNum) * bytesPerBlock
	end := off + bytesPerBlock
	if end > len(img) {
		end = len(img)
	}

	frame := make([]byte, storage.OAD_BLK_NUM_HDR_SZ+end-off)
	binary.LittleEndian.PutUint32(frame, blkNum)
	copy(frame[storage.OAD_BLK_NUM_HDR_SZ:], img[off:end])

	return frame
}

// runDownload transfers img through a storage session, recording progress
// in j under id.  If maxBlocks is positive, the transfer stops after that
// many blocks as if the link had dropped.
func runDownload(st *storage.Storage, j *journal.Journal, id string,
	img []byte, resume bool, maxBlocks int) (journal.Progress, error) {

	hdr, err := image.ParseImageHdr(img)
	if err != nil {
		return journal.Progress{}, err
	}
	if hdr.Fixed.Len != uint32(len(img)) {
		return journal.Progress{}, util.FmtOadError(
			"image length mismatch: header=%d file=%d", hdr.Fixed.Len,
			len(img))
	}

	prog := journal.Progress{
		Image:  id,
		ImgLen: hdr.Fixed.Len,
		Crc32:  hdr.Fixed.Crc32,
	}

	save := func(err error) error {
		if err != nil {
			prog.Status = status.Of(err).String()
		}
		if jerr := j.Save(id, prog); jerr != nil {
			return jerr
		}
		return err
	}

	sess, err := st.Open()
	if err != nil {
		return prog, err
	}
	defer sess.Close()

	ident := image.IdentifyFromHdr(&hdr.Fixed)
	payload := ident.Bytes()

	var total uint32
	prev, found, err := j.Load(id)
	if err != nil {
		return prog, err
	}
	if resume && found && !prev.Done() && prev.ImgLen == prog.ImgLen &&
		prev.Crc32 == prog.Crc32 {

		total, err = sess.Resume(payload, prev.NextBlock)
	} else {
		total, err = sess.Identify(payload)
	}
	if err != nil {
		return prog, save(err)
	}

	start, _ := sess.Progress()
	prog.TotalBlocks = total
	prog.ImageAddr = sess.ImageAddr()
	log.Debugf("Downloading %s: blocks %d-%d to 0x%x", id, start, total,
		prog.ImageAddr)

	bs := st.BytesPerBlock()
	sent := 0
	for blk := start; blk < total; blk++ {
		if maxBlocks > 0 && sent >= maxBlocks {
			prog.NextBlock = blk
			prog.Status = PROGRESS_INTERRUPTED
			return prog, save(nil)
		}

		if err := sess.WriteBlockFrame(blockFrame(img, blk, bs)); err != nil {
			prog.NextBlock = blk
			return prog, save(err)
		}
		sent++
	}

	prog.NextBlock = total
	err = sess.Finalize()
	prog.Status = status.Of(err).String()
	return prog, save(err)
}

func downloadRunCmd(cmd *cobra.Command, args []string) {
	if len(args) < 1 {
		OadsimUsage(cmd, util.NewOadError("Must specify image file"))
	}

	p := mustLoadProfile()
	dev, ext, err := p.LoadDevices()
	if err != nil {
		OadsimUsage(nil, err)
	}

	st, err := storage.New(p.StorageConfig(dev, ext))
	if err != nil {
		OadsimUsage(nil, util.ChildOadError(err))
	}

	img, _, err := imgtool.ReadImage(args[0])
	if err != nil {
		OadsimUsage(nil, util.ChildOadError(err))
	}

	j, err := journal.Open(p.JournalFile)
	if err != nil {
		OadsimUsage(nil, util.ChildOadError(err))
	}
	defer j.Close()

	id := filepath.Base(args[0])
	prog, dlErr := runDownload(st, j, id, img, downloadResume,
		downloadMaxBlocks)

	// Partial downloads are saved too; --resume picks them up.
	if err := p.SaveDevices(dev, ext); err != nil {
		OadsimUsage(nil, err)
	}

	if dlErr != nil {
		OadsimUsage(nil, util.FmtChildOadError(dlErr,
			"download of %s failed at block %d/%d: %s", id, prog.NextBlock,
			prog.TotalBlocks, dlErr.Error()))
	}

	util.StatusMessage(util.VERBOSITY_DEFAULT,
		"%s: %d/%d blocks at 0x%x; %s\n", id, prog.NextBlock,
		prog.TotalBlocks, prog.ImageAddr, prog.Status)
}

func journalListRunCmd(cmd *cobra.Command, args []string) {
	p := mustLoadProfile()

	j, err := journal.Open(p.JournalFile)
	if err != nil {
		OadsimUsage(nil, util.ChildOadError(err))
	}
	defer j.Close()

	all, err := j.All()
	if err != nil {
		OadsimUsage(nil, util.ChildOadError(err))
	}

	ids := make([]string, 0, len(all))
	for id, _ := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		prog := all[id]
		fmt.Printf("%s: %d/%d blocks addr=0x%x crc=0x%08x %s (%s)\n", id,
			prog.NextBlock, prog.TotalBlocks, prog.ImageAddr, prog.Crc32,
			prog.Status, prog.Updated.Format("2006-01-02 15:04:05"))
	}
}

func journalClearRunCmd(cmd *cobra.Command, args []string) {
	if len(args) < 1 {
		OadsimUsage(cmd, util.NewOadError("Must specify image name"))
	}

	p := mustLoadProfile()

	j, err := journal.Open(p.JournalFile)
	if err != nil {
		OadsimUsage(nil, util.ChildOadError(err))
	}
	defer j.Close()

	for _, id := range args {
		if err := j.Delete(id); err != nil {
			OadsimUsage(nil, util.ChildOadError(err))
		}
	}
}

func AddDownloadCommands(cmd *cobra.Command) {
	downloadHelpText := FormatHelp(`Sends an image to the simulated target
		block by block, the way an OAD client would: image identify, then
		one write per block, then finalize.  Progress is recorded in the
		profile's journal.  Use --max-blocks to cut the transfer short and
		--resume to continue from the first block not yet sent.`)
	downloadHelpEx := "  oadsim download app.img\n"
	downloadHelpEx += "  oadsim download app.img --max-blocks 20\n"
	downloadHelpEx += "  oadsim download app.img --resume"

	downloadCmd := &cobra.Command{
		Use:     "download <img-file>",
		Short:   "Download an image over the simulated OAD link",
		Long:    downloadHelpText,
		Example: downloadHelpEx,
		Run:     downloadRunCmd,
	}
	downloadCmd.Flags().BoolVarP(&downloadResume, "resume", "r", false,
		"Resume an interrupted download of the same image")
	downloadCmd.Flags().IntVarP(&downloadMaxBlocks, "max-blocks", "m", 0,
		"Stop after sending this many blocks")

	cmd.AddCommand(downloadCmd)

	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the download journal",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Short:   "List recorded downloads",
		Example: "  oadsim journal list",
		Run:     journalListRunCmd,
	}
	journalCmd.AddCommand(listCmd)

	clearCmd := &cobra.Command{
		Use:     "clear <img-name> [img-name...]",
		Short:   "Forget recorded downloads",
		Example: "  oadsim journal clear app.img",
		Run:     journalClearRunCmd,
	}
	journalCmd.AddCommand(clearCmd)

	cmd.AddCommand(journalCmd)
}
