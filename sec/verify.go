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

package sec

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"hash"
	"math/big"

	"github.com/apache/mynewt-artifact/errors"
	log "github.com/sirupsen/logrus"

	"mynewt.apache.org/oad/flash"
	"mynewt.apache.org/oad/image"
)

const SHA_BUF_SZ = 1024

var (
	ErrNoSignature    = errors.Errorf("image carries no signature")
	ErrPoisoned       = errors.Errorf("image previously failed verification")
	ErrSignerMismatch = errors.Errorf("image signer does not match certificate")
	ErrBadSignature   = errors.Errorf("image signature verification failed")
)

/*
 * Regions of the image covered by the hash.  The image ID, CRC, status bytes
 * and the security segment are excluded.
 */
const (
	HASH_LEN_FIELD_OFFSET = image.BIM_VER_OFFSET
	HASH_LEN_FIELD_LEN    = 4
	HASH_HDR_OFFSET       = image.IMG_TYPE_OFFSET
	HASH_HDR_LEN          = image.SEC_SEG_OFFSET - image.IMG_TYPE_OFFSET
	HASH_BODY_OFFSET      = image.HDR_LEN_WITH_SECURITY_INFO
)

// ECVerifier checks a P-256 signature.  All inputs are little-endian.
type ECVerifier interface {
	Verify(hash, pubX, pubY, r, s []byte) bool
}

// P256Verifier is the software ECVerifier.
type P256Verifier struct{}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

func (P256Verifier) Verify(hash, pubX, pubY, r, s []byte) bool {
	pub := ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(reversed(pubX)),
		Y:     new(big.Int).SetBytes(reversed(pubY)),
	}

	return ecdsa.Verify(&pub, reversed(hash),
		new(big.Int).SetBytes(reversed(r)),
		new(big.Int).SetBytes(reversed(s)))
}

// ComputeHash hashes the signed regions of an image of length bytes.  The
// body is read bufSize bytes at a time.
func ComputeHash(read image.ReadFunc, length uint32, h hash.Hash,
	bufSize int) ([]byte, error) {

	if length < HASH_BODY_OFFSET {
		return nil, errors.Errorf("image length %d shorter than header",
			length)
	}

	buf := make([]byte, bufSize)

	hashRange := func(off uint32, n uint32) error {
		for n > 0 {
			chunk := uint32(len(buf))
			if n < chunk {
				chunk = n
			}
			if err := read(off, buf[:chunk]); err != nil {
				return errors.Wrapf(err, "hash: read at offset %d", off)
			}
			h.Write(buf[:chunk])

			off += chunk
			n -= chunk
		}
		return nil
	}

	if err := hashRange(HASH_LEN_FIELD_OFFSET, HASH_LEN_FIELD_LEN); err != nil {
		return nil, err
	}
	if err := hashRange(HASH_HDR_OFFSET, HASH_HDR_LEN); err != nil {
		return nil, err
	}
	if err := hashRange(HASH_BODY_OFFSET, length-HASH_BODY_OFFSET); err != nil {
		return nil, err
	}

	return h.Sum(nil), nil
}

// FindSecuritySegment returns the offset and contents of the first security
// segment that carries a signature.
func FindSecuritySegment(read image.ReadFunc, length uint32) (
	uint32, image.SecuritySeg, bool, error) {

	var found bool
	var segOff uint32
	var seg image.SecuritySeg

	err := image.WalkSegments(read, length,
		func(s image.Segment) (bool, error) {
			if s.Tag != image.SEG_SECURITY {
				return true, nil
			}
			if s.Offset+image.SEC_SEG_LEN > length {
				return false, nil
			}

			b := make([]byte, image.SEC_SEG_LEN)
			if err := read(s.Offset, b); err != nil {
				return false, err
			}

			seg, _ = image.ParseSecuritySeg(b)
			if !seg.IsSigned() {
				return true, nil
			}

			found = true
			segOff = s.Offset
			return false, nil
		})
	if err != nil {
		return 0, seg, false, err
	}

	return segOff, seg, found, nil
}

// Authenticator verifies image signatures against an embedded certificate.
type Authenticator struct {
	Cert     Cert
	NewHash  func() hash.Hash
	Verifier ECVerifier
	BufSize  int
}

func NewAuthenticator(cert Cert) *Authenticator {
	return &Authenticator{
		Cert:     cert,
		NewHash:  sha256.New,
		Verifier: P256Verifier{},
		BufSize:  SHA_BUF_SZ,
	}
}

// Authenticate verifies the signature of the image at startAddr.  A
// signature mismatch is recorded in the image's verification status byte;
// once recorded, later calls fail without hashing the image again.
func (a *Authenticator) Authenticate(dev flash.Device, startAddr uint32,
	length uint32) error {

	read := func(off uint32, buf []byte) error {
		return dev.Read(startAddr+off, buf)
	}

	segOff, seg, found, err := FindSecuritySegment(read, length)
	if err != nil {
		return errors.Wrapf(err, "failed to locate security segment")
	}
	if !found {
		log.Debugf("image at 0x%x is unsigned", startAddr)
		return ErrNoSignature
	}

	if seg.VerifStat == image.VERIFY_FAIL {
		log.Debugf("image at 0x%x previously failed verification", startAddr)
		return ErrPoisoned
	}

	if seg.SignerInfo != a.Cert.SignerInfo {
		log.Debugf("image at 0x%x signer mismatch: have=%x want=%x",
			startAddr, seg.SignerInfo, a.Cert.SignerInfo)
		return ErrSignerMismatch
	}

	newHash := a.NewHash
	if newHash == nil {
		newHash = sha256.New
	}
	bufSize := a.BufSize
	if bufSize <= 0 {
		bufSize = SHA_BUF_SZ
	}
	verifier := a.Verifier
	if verifier == nil {
		verifier = P256Verifier{}
	}

	digest, err := ComputeHash(read, length, newHash(), bufSize)
	if err != nil {
		return err
	}

	sig := seg.Signature[:]
	if !verifier.Verify(reversed(digest),
		reversed(a.Cert.PubX[:]), reversed(a.Cert.PubY[:]),
		reversed(sig[:ECC_KEY_LEN]), reversed(sig[ECC_KEY_LEN:])) {

		addr := startAddr + segOff + image.VERIF_STAT_OFFSET
		if err := dev.Write(addr, []byte{image.VERIFY_FAIL}); err != nil {
			log.Warnf("failed to record verification failure at 0x%x: %s",
				addr, err.Error())
		}

		log.Debugf("image at 0x%x signature mismatch", startAddr)
		return ErrBadSignature
	}

	log.Debugf("image at 0x%x signature verified", startAddr)
	return nil
}
