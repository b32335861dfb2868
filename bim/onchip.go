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

	"mynewt.apache.org/oad/flash"
	"mynewt.apache.org/oad/image"
)

func isUserApp(imgType uint8) bool {
	return image.IsExecutable(imgType) &&
		imgType != image.IMG_TYPE_PERSISTENT_APP
}

func isPersistentApp(imgType uint8) bool {
	return imgType == image.IMG_TYPE_PERSISTENT_APP
}

// scan examines the start of every internal page outside the BIM and
// returns the first image accepted by the validation pipeline.
func (b *Bim) scan(typeOk func(uint8) bool, stage Stage) (Result, bool) {
	dev := b.cfg.Device
	bimLo, bimHi := b.bimArea()

	for page := 0; page < dev.NumPages(); page++ {
		addr := flash.PageAddr(dev, page)
		if addr >= bimLo && addr < bimHi {
			continue
		}

		if entry, ok := b.checkImage(addr, typeOk); ok {
			return Result{
				Action:  ACTION_JUMP,
				Entry:   entry,
				HdrAddr: addr,
				Stage:   stage,
			}, true
		}
	}

	return Result{}, false
}

// searchApp looks for a user application.
func (b *Bim) searchApp() (Result, bool) {
	return b.scan(isUserApp, STAGE_ONCHIP)
}

// searchPersistent looks for the persistent application, used when no user
// application is bootable.
func (b *Bim) searchPersistent() (Result, bool) {
	return b.scan(isPersistentApp, STAGE_PERSISTENT)
}

func (b *Bim) selectOnChip() (Result, bool) {
	if res, ok := b.searchApp(); ok {
		return res, true
	}

	log.Debugf("No user application; trying persistent application")
	return b.searchPersistent()
}
