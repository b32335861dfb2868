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

package flash

import (
	"strings"

	"github.com/apache/mynewt-artifact/errors"
	aflash "github.com/apache/mynewt-artifact/flash"
)

const (
	AREA_NAME_BIM        = "FLASH_AREA_BIM"
	AREA_NAME_APP        = "FLASH_AREA_APP"
	AREA_NAME_STACK      = "FLASH_AREA_STACK"
	AREA_NAME_PERSISTENT = "FLASH_AREA_PERSISTENT_APP"
	AREA_NAME_NV         = "FLASH_AREA_NV"
)

var AREA_NAME_ID_MAP = map[string]int{
	AREA_NAME_BIM:        0,
	AREA_NAME_APP:        1,
	AREA_NAME_STACK:      2,
	AREA_NAME_PERSISTENT: 3,
	AREA_NAME_NV:         4,
}

const (
	DEVICE_INTERNAL = 0
	DEVICE_EXTERNAL = 1
)

// Layout is the set of named regions of internal flash.
type Layout struct {
	Areas []aflash.FlashArea
}

// NewLayout sorts the areas by device and offset and rejects overlapping
// regions and duplicate IDs.
func NewLayout(areas []aflash.FlashArea) (Layout, error) {
	overlaps, conflicts := aflash.DetectErrors(areas)
	if len(overlaps) > 0 || len(conflicts) > 0 {
		return Layout{}, errors.Errorf("invalid flash layout:\n%s",
			strings.TrimSpace(aflash.ErrorText(overlaps, conflicts)))
	}

	return Layout{
		Areas: aflash.SortFlashAreasByDevOff(areas),
	}, nil
}

func (l Layout) Find(name string) (aflash.FlashArea, bool) {
	for _, area := range l.Areas {
		if area.Name == name {
			return area, true
		}
	}

	return aflash.FlashArea{}, false
}

// CheckFits verifies that every area on the specified device is page aligned
// and lies within the device.
func (l Layout) CheckFits(d Device, device int) error {
	for _, area := range l.Areas {
		if area.Device != device {
			continue
		}

		if area.Offset < 0 || area.Size <= 0 {
			return errors.Errorf("flash area %s has invalid extent", area.Name)
		}
		if !IsPageAligned(d, uint32(area.Offset)) ||
			!IsPageAligned(d, uint32(area.Size)) {

			return errors.Errorf(
				"flash area %s not page aligned: offset=0x%x size=0x%x "+
					"page-size=0x%x",
				area.Name, area.Offset, area.Size, d.PageSize())
		}
		if uint64(area.Offset)+uint64(area.Size) > uint64(Size(d)) {
			return errors.Errorf(
				"flash area %s exceeds device: end=0x%x size=0x%x",
				area.Name, area.Offset+area.Size, Size(d))
		}
	}

	return nil
}

// AreaContains indicates whether [addr, addr+length) lies inside the area.
func AreaContains(area aflash.FlashArea, addr uint32, length uint32) bool {
	start := uint64(area.Offset)
	end := start + uint64(area.Size)

	return uint64(addr) >= start && uint64(addr)+uint64(length) <= end
}
