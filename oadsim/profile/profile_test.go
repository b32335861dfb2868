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

package profile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mynewt.apache.org/oad/flash"
	"mynewt.apache.org/oad/sec"
	"mynewt.apache.org/oad/storage"
)

const offChipYml = `
flash:
    page_size: 4kB
    num_pages: 32
    file: int.bin
ext_flash:
    page_size: 4kB
    num_pages: 64
    file: /tmp/ext.bin
    factory_size: 64kB
areas:
    FLASH_AREA_APP:
        device: 0
        offset: 0x0
        size: 120kB
    FLASH_AREA_NV:
        device: 0
        offset: 0x1e000
        size: 4kB
    FLASH_AREA_BIM:
        device: 0
        offset: 0x1f000
        size: 4kB
oad:
    block_size: 244
    running_hdr: 0x0
security:
    policy: disabled
`

const onChipYml = `
flash:
    page_size: 8kB
    num_pages: 44
    file: int.bin
areas:
    FLASH_AREA_APP:
        offset: 0
        size: 0x20000
    FLASH_AREA_PERSISTENT_APP:
        offset: 0x38000
        size: 0x1e000
    FLASH_AREA_BIM:
        offset: 0x56000
        size: 8kB
oad:
    running_hdr: 0x38000
    journal: state/oad.db
security:
    cert: keys/pub.pem
`

func TestParseOffChip(t *testing.T) {
	p, err := Parse([]byte(offChipYml), "test", "/work")
	require.NoError(t, err)

	assert.True(t, p.External())
	assert.Equal(t, Geometry{PageSize: 4096, NumPages: 32,
		File: filepath.Join("/work", "int.bin")}, p.Flash)
	assert.Equal(t, "/tmp/ext.bin", p.ExtFlash.File)
	assert.Equal(t, 64*4096, p.ExtFlash.Size())
	assert.Equal(t, uint32(0x10000), p.FactorySize)
	assert.Equal(t, 244, p.BlockSize)
	assert.Equal(t, sec.Disabled, p.Policy)
	assert.Equal(t, filepath.Join("/work", DFLT_JOURNAL_FILENAME),
		p.JournalFile)

	require.Len(t, p.Layout.Areas, 3)
	app, ok := p.Layout.Find(flash.AREA_NAME_APP)
	require.True(t, ok)
	assert.Equal(t, 0, app.Offset)
	assert.Equal(t, 120*1024, app.Size)
	assert.Equal(t, flash.AREA_NAME_ID_MAP[flash.AREA_NAME_APP], app.Id)

	dev, ext := p.NewDevices()
	require.NotNil(t, ext)
	cfg := p.StorageConfig(dev, ext)
	assert.Equal(t, 240, cfg.BytesPerBlock)
	_, err = storage.New(cfg)
	require.NoError(t, err)

	bcfg, err := p.BimConfig(dev, ext)
	require.NoError(t, err)
	assert.Nil(t, bcfg.Auth)
}

func TestParseOnChip(t *testing.T) {
	p, err := Parse([]byte(onChipYml), "test", "/work")
	require.NoError(t, err)

	assert.False(t, p.External())
	assert.Equal(t, storage.OAD_DEFAULT_BLOCK_SIZE, p.BlockSize)
	assert.Equal(t, uint32(0x38000), p.RunningHdrAddr)
	assert.Equal(t, sec.RequireSignature, p.Policy)
	assert.Equal(t, filepath.Join("/work", "keys/pub.pem"), p.CertFile)
	assert.Equal(t, filepath.Join("/work", "state/oad.db"), p.JournalFile)

	dev, ext := p.NewDevices()
	assert.Nil(t, ext)
	cfg := p.StorageConfig(dev, ext)
	assert.Nil(t, cfg.ExtDevice)

	// The certificate does not exist.
	_, err = p.BimConfig(dev, ext)
	assert.Error(t, err)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yml  string
	}{
		{"not yaml", "flash: [1, 2"},
		{"no flash", "areas: {FLASH_AREA_APP: {offset: 0, size: 4kB}}"},
		{"bad page size", `
flash: {page_size: big, num_pages: 4, file: a.bin}
areas: {FLASH_AREA_APP: {offset: 0, size: 4kB}}
security: {policy: disabled}`},
		{"no file", `
flash: {page_size: 4kB, num_pages: 4}
areas: {FLASH_AREA_APP: {offset: 0, size: 4kB}}
security: {policy: disabled}`},
		{"unknown area", `
flash: {page_size: 4kB, num_pages: 4, file: a.bin}
areas: {FLASH_AREA_BOGUS: {offset: 0, size: 4kB}}
security: {policy: disabled}`},
		{"missing size", `
flash: {page_size: 4kB, num_pages: 4, file: a.bin}
areas: {FLASH_AREA_APP: {offset: 0}}
security: {policy: disabled}`},
		{"overlap", `
flash: {page_size: 4kB, num_pages: 4, file: a.bin}
areas:
    FLASH_AREA_APP: {offset: 0, size: 8kB}
    FLASH_AREA_BIM: {offset: 4kB, size: 4kB}
security: {policy: disabled}`},
		{"bad policy", `
flash: {page_size: 4kB, num_pages: 4, file: a.bin}
areas: {FLASH_AREA_APP: {offset: 0, size: 4kB}}
security: {policy: sometimes}`},
		{"no cert", `
flash: {page_size: 4kB, num_pages: 4, file: a.bin}
areas: {FLASH_AREA_APP: {offset: 0, size: 4kB}}`},
		{"small block", `
flash: {page_size: 4kB, num_pages: 4, file: a.bin}
areas: {FLASH_AREA_APP: {offset: 0, size: 4kB}}
oad: {block_size: 4}
security: {policy: disabled}`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Parse([]byte(test.yml), "test", "/work")
			assert.Error(t, err)
		})
	}
}

func TestParseSize(t *testing.T) {
	n, err := parseSize("4kB")
	require.NoError(t, err)
	assert.Equal(t, 4096, n)

	n, err = parseSize("0x100")
	require.NoError(t, err)
	assert.Equal(t, 256, n)

	n, err = parseSize("010")
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	_, err = parseSize("kb")
	assert.Error(t, err)
}

func TestDevicesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, err := Parse([]byte(offChipYml), "test", dir)
	require.NoError(t, err)
	p.ExtFlash.File = filepath.Join(dir, "ext.bin")

	_, _, err = p.LoadDevices()
	assert.Error(t, err)

	dev, ext := p.NewDevices()
	require.NoError(t, dev.Write(0x100, []byte{1, 2, 3}))
	require.NoError(t, ext.Write(0x2000, []byte{4, 5}))
	require.NoError(t, p.SaveDevices(dev, ext))

	dev2, ext2, err := p.LoadDevices()
	require.NoError(t, err)
	assert.Equal(t, dev.Bytes(), dev2.Bytes())
	assert.Equal(t, ext.Bytes(), ext2.Bytes())
}
