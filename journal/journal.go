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

// Package journal records the progress of image downloads so that an
// interrupted transfer can pick up where it stopped.
package journal

import (
	"encoding/json"
	"time"

	"github.com/apache/mynewt-artifact/errors"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const BUCKET_NAME = "downloads"

// Progress describes one partially or fully transferred image.
type Progress struct {
	Image       string    `json:"image"`
	ImgLen      uint32    `json:"img_len"`
	Crc32       uint32    `json:"crc32"`
	ImageAddr   uint32    `json:"image_addr"`
	TotalBlocks uint32    `json:"total_blocks"`
	NextBlock   uint32    `json:"next_block"`
	Status      string    `json:"status"`
	Updated     time.Time `json:"updated"`
}

func (p Progress) Done() bool {
	return p.TotalBlocks != 0 && p.NextBlock >= p.TotalBlocks
}

type Journal struct {
	db *bolt.DB
}

func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open journal %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(BUCKET_NAME))
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to create journal bucket")
	}

	log.Debugf("Opened download journal %s", path)
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Load returns the progress recorded under id.  The second return value is
// false if there is none.
func (j *Journal) Load(id string) (Progress, bool, error) {
	var p Progress
	found := false

	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(BUCKET_NAME)).Get([]byte(id))
		if data == nil {
			return nil
		}

		found = true
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return p, false, errors.Wrapf(err, "failed to load progress for %s",
			id)
	}

	return p, found, nil
}

func (j *Journal) Save(id string, p Progress) error {
	p.Updated = time.Now().UTC()

	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrapf(err, "failed to encode progress")
	}

	err = j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BUCKET_NAME)).Put([]byte(id), data)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to save progress for %s", id)
	}

	return nil
}

func (j *Journal) Delete(id string) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BUCKET_NAME)).Delete([]byte(id))
	})
}

// All returns every recorded download keyed by id.
func (j *Journal) All() (map[string]Progress, error) {
	all := map[string]Progress{}

	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(BUCKET_NAME)).ForEach(func(k, v []byte) error {
			var p Progress
			if err := json.Unmarshal(v, &p); err != nil {
				return errors.Wrapf(err, "corrupt record %s", string(k))
			}
			all[string(k)] = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return all, nil
}
