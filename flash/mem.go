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
	"io/ioutil"

	"github.com/apache/mynewt-artifact/errors"
	log "github.com/sirupsen/logrus"
)

// MemDevice is a RAM-backed flash device.  The fault hooks, when set, are
// consulted before every operation and let tests simulate hardware
// failures.
type MemDevice struct {
	pageSize int
	data     []byte

	Reads  int
	Writes int
	Erases int

	ReadFault  func(addr uint32, n int) error
	WriteFault func(addr uint32, n int) error
	EraseFault func(page int) error
}

func NewMemDevice(pageSize int, numPages int) *MemDevice {
	m := &MemDevice{
		pageSize: pageSize,
		data:     make([]byte, pageSize*numPages),
	}
	for i := range m.data {
		m.data[i] = ERASED_VAL
	}

	return m
}

func (m *MemDevice) PageSize() int {
	return m.pageSize
}

func (m *MemDevice) NumPages() int {
	return len(m.data) / m.pageSize
}

// Bytes exposes the raw contents of the device.
func (m *MemDevice) Bytes() []byte {
	return m.data
}

func (m *MemDevice) Read(addr uint32, buf []byte) error {
	if err := checkRange(m, addr, len(buf)); err != nil {
		return err
	}
	if m.ReadFault != nil {
		if err := m.ReadFault(addr, len(buf)); err != nil {
			return err
		}
	}

	m.Reads++
	copy(buf, m.data[addr:])
	return nil
}

func (m *MemDevice) Write(addr uint32, data []byte) error {
	if err := checkRange(m, addr, len(data)); err != nil {
		return err
	}
	if m.WriteFault != nil {
		if err := m.WriteFault(addr, len(data)); err != nil {
			return err
		}
	}

	m.Writes++
	for i, b := range data {
		m.data[int(addr)+i] &= b
	}
	return nil
}

func (m *MemDevice) ErasePage(page int) error {
	if page < 0 || page >= m.NumPages() {
		return errors.Errorf("invalid page %d (device has %d)",
			page, m.NumPages())
	}
	if m.EraseFault != nil {
		if err := m.EraseFault(page); err != nil {
			return err
		}
	}

	m.Erases++
	start := page * m.pageSize
	for i := start; i < start+m.pageSize; i++ {
		m.data[i] = ERASED_VAL
	}
	return nil
}

// LoadFile reads a flash dump.  A short file is padded with erased bytes up
// to numPages pages.
func LoadFile(filename string, pageSize int, numPages int) (*MemDevice, error) {
	contents, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read flash file")
	}

	m := NewMemDevice(pageSize, numPages)
	if len(contents) > len(m.data) {
		return nil, errors.Errorf(
			"flash file %s too large: have=%d want<=%d",
			filename, len(contents), len(m.data))
	}
	copy(m.data, contents)

	log.Debugf("Loaded flash file %s (%d bytes)", filename, len(contents))
	return m, nil
}

func (m *MemDevice) SaveFile(filename string) error {
	if err := ioutil.WriteFile(filename, m.data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write flash file")
	}

	log.Debugf("Wrote flash file %s", filename)
	return nil
}
