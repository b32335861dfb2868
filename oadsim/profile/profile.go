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

// Package profile reads oadsim device profiles.  A profile describes the
// simulated target: flash geometry, the files backing each flash device, the
// flash area map and the OAD settings.
package profile

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	aflash "github.com/apache/mynewt-artifact/flash"
	"github.com/kardianos/osext"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"mynewt.apache.org/oad/bim"
	"mynewt.apache.org/oad/flash"
	"mynewt.apache.org/oad/sec"
	"mynewt.apache.org/oad/storage"
	"mynewt.apache.org/oad/util"
)

const PROFILE_FILENAME = "oadsim.yml"
const DFLT_JOURNAL_FILENAME = "oad.db"

type Geometry struct {
	PageSize int
	NumPages int
	File     string
}

func (g Geometry) Size() int {
	return g.PageSize * g.NumPages
}

type Profile struct {
	Name string
	Dir  string

	Flash Geometry

	// Zero NumPages means on-chip staging.
	ExtFlash    Geometry
	FactorySize uint32

	Layout         flash.Layout
	BlockSize      int
	RunningHdrAddr uint32
	Policy         sec.Policy
	CertFile       string
	JournalFile    string
}

func (p *Profile) External() bool {
	return p.ExtFlash.NumPages > 0
}

// DefaultPath returns the profile expected alongside the oadsim executable.
func DefaultPath() (string, error) {
	dir, err := osext.ExecutableFolder()
	if err != nil {
		return "", util.ChildOadError(err)
	}

	return filepath.Join(dir, PROFILE_FILENAME), nil
}

func parseSize(val string) (int, error) {
	lower := strings.ToLower(strings.TrimSpace(val))

	multiplier := 1
	if strings.HasSuffix(lower, "kb") {
		multiplier = 1024
		lower = strings.TrimSuffix(lower, "kb")
	}

	num, err := util.AtoiNoOct(lower)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}

func (p *Profile) resolve(filename string) string {
	if filename == "" || filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(p.Dir, filename)
}

func parseGeometry(name string, ymlFields interface{}) (Geometry, error) {
	geo := Geometry{}

	fields := cast.ToStringMapString(ymlFields)
	if len(fields) == 0 {
		return geo, util.FmtOadError("\"%s\" section missing", name)
	}

	var err error
	for k, v := range fields {
		switch k {
		case "page_size":
			geo.PageSize, err = parseSize(v)
			if err != nil {
				return geo, util.FmtOadError("%s: invalid page_size: %s",
					name, v)
			}

		case "num_pages":
			geo.NumPages, err = util.AtoiNoOct(v)
			if err != nil {
				return geo, util.FmtOadError("%s: invalid num_pages: %s",
					name, v)
			}

		case "file":
			geo.File = v

		case "factory_size":
			// Handled by the caller.

		default:
			util.StatusMessage(util.VERBOSITY_QUIET,
				"Warning: \"%s\" contains unrecognized field: %s\n", name, k)
		}
	}

	if geo.PageSize <= 0 || geo.NumPages <= 0 {
		return geo, util.FmtOadError(
			"%s: page_size and num_pages must be positive", name)
	}
	if geo.File == "" {
		return geo, util.FmtOadError("%s: required field \"file\" missing",
			name)
	}

	return geo, nil
}

func parseFlashArea(
	name string, ymlFields interface{}) (aflash.FlashArea, error) {

	area := aflash.FlashArea{
		Name: name,
	}

	id, ok := flash.AREA_NAME_ID_MAP[name]
	if !ok {
		return area, util.FmtOadError("unknown flash area \"%s\"", name)
	}
	area.Id = id

	offsetPresent := false
	sizePresent := false

	var err error
	fields := cast.ToStringMapString(ymlFields)
	for k, v := range fields {
		switch k {
		case "device":
			area.Device, err = util.AtoiNoOct(v)
			if err != nil {
				return area, util.FmtOadError(
					"flash area \"%s\": invalid device: %s", name, v)
			}

		case "offset":
			area.Offset, err = util.AtoiNoOct(v)
			if err != nil {
				return area, util.FmtOadError(
					"flash area \"%s\": invalid offset: %s", name, v)
			}
			offsetPresent = true

		case "size":
			area.Size, err = parseSize(v)
			if err != nil {
				return area, util.FmtOadError("flash area \"%s\": %s",
					name, err.Error())
			}
			sizePresent = true

		default:
			util.StatusMessage(util.VERBOSITY_QUIET,
				"Warning: flash area \"%s\" contains unrecognized field: %s\n",
				name, k)
		}
	}

	if !offsetPresent {
		return area, util.FmtOadError(
			"flash area \"%s\": required field \"offset\" missing", name)
	}
	if !sizePresent {
		return area, util.FmtOadError(
			"flash area \"%s\": required field \"size\" missing", name)
	}

	return area, nil
}

func parseAreas(ymlAreas interface{}) (flash.Layout, error) {
	areaMap := cast.ToStringMap(ymlAreas)
	if len(areaMap) == 0 {
		return flash.Layout{}, util.NewOadError("\"areas\" section missing")
	}

	names := make([]string, 0, len(areaMap))
	for name, _ := range areaMap {
		names = append(names, name)
	}
	sort.Strings(names)

	areas := make([]aflash.FlashArea, 0, len(names))
	for _, name := range names {
		area, err := parseFlashArea(name, areaMap[name])
		if err != nil {
			return flash.Layout{}, err
		}
		areas = append(areas, area)
	}

	layout, err := flash.NewLayout(areas)
	if err != nil {
		return flash.Layout{}, util.ChildOadError(err)
	}

	return layout, nil
}

// Parse interprets the contents of a profile file.  Relative file names are
// resolved against dir.
func Parse(contents []byte, name string, dir string) (*Profile, error) {
	ymlMap := map[string]interface{}{}
	if err := yaml.Unmarshal(contents, &ymlMap); err != nil {
		return nil, util.FmtChildOadError(err, "failed to parse profile %s: %s",
			name, err.Error())
	}

	p := &Profile{
		Name:      name,
		Dir:       dir,
		BlockSize: storage.OAD_DEFAULT_BLOCK_SIZE,
	}

	var err error
	p.Flash, err = parseGeometry("flash", ymlMap["flash"])
	if err != nil {
		return nil, util.PreOadError(err, "profile %s", name)
	}
	p.Flash.File = p.resolve(p.Flash.File)

	if ymlExt, ok := ymlMap["ext_flash"]; ok {
		p.ExtFlash, err = parseGeometry("ext_flash", ymlExt)
		if err != nil {
			return nil, util.PreOadError(err, "profile %s", name)
		}
		p.ExtFlash.File = p.resolve(p.ExtFlash.File)

		fields := cast.ToStringMapString(ymlExt)
		if s, ok := fields["factory_size"]; ok {
			size, err := parseSize(s)
			if err != nil || size < 0 {
				return nil, util.FmtOadError(
					"profile %s: invalid factory_size: %s", name, s)
			}
			p.FactorySize = uint32(size)
		}
	}

	p.Layout, err = parseAreas(ymlMap["areas"])
	if err != nil {
		return nil, util.PreOadError(err, "profile %s", name)
	}

	oadFields := cast.ToStringMapString(ymlMap["oad"])
	if s, ok := oadFields["block_size"]; ok {
		p.BlockSize, err = util.AtoiNoOct(s)
		if err != nil || p.BlockSize <= storage.OAD_BLK_NUM_HDR_SZ {
			return nil, util.FmtOadError(
				"profile %s: invalid block_size: %s", name, s)
		}
	}
	if s, ok := oadFields["running_hdr"]; ok {
		p.RunningHdrAddr, err = util.ParseUint32(s)
		if err != nil {
			return nil, util.PreOadError(err, "profile %s: running_hdr", name)
		}
	}
	p.JournalFile = p.resolve(oadFields["journal"])
	if p.JournalFile == "" {
		p.JournalFile = p.resolve(DFLT_JOURNAL_FILENAME)
	}

	secFields := cast.ToStringMapString(ymlMap["security"])
	if s, ok := secFields["policy"]; ok {
		p.Policy, err = sec.ParsePolicy(s)
		if err != nil {
			return nil, util.PreOadError(err, "profile %s", name)
		}
	}
	p.CertFile = p.resolve(secFields["cert"])

	if p.Policy.Required() && p.CertFile == "" {
		return nil, util.FmtOadError(
			"profile %s: policy %s requires a certificate", name, p.Policy)
	}

	log.Debugf("Loaded profile %s: flash=%dx%d ext=%dx%d policy=%s",
		name, p.Flash.NumPages, p.Flash.PageSize,
		p.ExtFlash.NumPages, p.ExtFlash.PageSize, p.Policy)

	return p, nil
}

func Read(path string) (*Profile, error) {
	contents, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, util.ChildOadError(err)
	}

	return Parse(contents, path, filepath.Dir(path))
}

// NewDevices creates erased flash devices with the profile's geometry.  The
// external device is nil for on-chip profiles.
func (p *Profile) NewDevices() (*flash.MemDevice, *flash.MemDevice) {
	dev := flash.NewMemDevice(p.Flash.PageSize, p.Flash.NumPages)

	var ext *flash.MemDevice
	if p.External() {
		ext = flash.NewMemDevice(p.ExtFlash.PageSize, p.ExtFlash.NumPages)
	}

	return dev, ext
}

// LoadDevices reads the flash contents from the profile's backing files.
func (p *Profile) LoadDevices() (*flash.MemDevice, *flash.MemDevice, error) {
	if _, err := os.Stat(p.Flash.File); os.IsNotExist(err) {
		return nil, nil, util.FmtOadError(
			"flash file %s does not exist; run \"oadsim flash init\"",
			p.Flash.File)
	}

	dev, err := flash.LoadFile(p.Flash.File, p.Flash.PageSize,
		p.Flash.NumPages)
	if err != nil {
		return nil, nil, util.ChildOadError(err)
	}

	var ext *flash.MemDevice
	if p.External() {
		ext, err = flash.LoadFile(p.ExtFlash.File, p.ExtFlash.PageSize,
			p.ExtFlash.NumPages)
		if err != nil {
			return nil, nil, util.ChildOadError(err)
		}
	}

	return dev, ext, nil
}

func (p *Profile) SaveDevices(dev *flash.MemDevice,
	ext *flash.MemDevice) error {

	if err := dev.SaveFile(p.Flash.File); err != nil {
		return util.ChildOadError(err)
	}
	if ext != nil {
		if err := ext.SaveFile(p.ExtFlash.File); err != nil {
			return util.ChildOadError(err)
		}
	}

	return nil
}

func extDevice(ext *flash.MemDevice) flash.Device {
	if ext == nil {
		return nil
	}
	return ext
}

func (p *Profile) StorageConfig(dev *flash.MemDevice,
	ext *flash.MemDevice) storage.Config {

	return storage.Config{
		Device:         dev,
		ExtDevice:      extDevice(ext),
		Layout:         p.Layout,
		BytesPerBlock:  p.BlockSize - storage.OAD_BLK_NUM_HDR_SZ,
		RunningHdrAddr: p.RunningHdrAddr,
		FactorySize:    p.FactorySize,
	}
}

// BimConfig builds the boot manager configuration.  The certificate is only
// read when the policy requires signatures.
func (p *Profile) BimConfig(dev *flash.MemDevice,
	ext *flash.MemDevice) (bim.Config, error) {

	cfg := bim.Config{
		Device:    dev,
		ExtDevice: extDevice(ext),
		Layout:    p.Layout,
		Policy:    p.Policy,
	}

	if p.Policy.Required() {
		cert, err := sec.ReadCert(p.CertFile)
		if err != nil {
			return cfg, util.ChildOadError(err)
		}
		cfg.Auth = sec.NewAuthenticator(cert)
	}

	return cfg, nil
}
