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
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"hash"
	"io/ioutil"

	"github.com/apache/mynewt-artifact/errors"
	"golang.org/x/crypto/pbkdf2"

	"mynewt.apache.org/oad/image"
)

// KeyPassword decrypts "ENCRYPTED PRIVATE KEY" signing keys.
var KeyPassword []byte

var (
	oidPbes2          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 13}
	oidPbkdf2         = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 12}
	oidHmacWithSha1   = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 7}
	oidHmacWithSha256 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 9}
	oidAes128Cbc      = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 2}
	oidAes256Cbc      = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}
)

type encryptedPrivateKeyInfo struct {
	Algo          pkix.AlgorithmIdentifier
	EncryptedData []byte
}

type pbes2Params struct {
	KeyDerivationFunc pkix.AlgorithmIdentifier
	EncryptionScheme  pkix.AlgorithmIdentifier
}

type pbkdf2Params struct {
	Salt           []byte
	IterationCount int
	KeyLength      int                      `asn1:"optional"`
	Prf            pkix.AlgorithmIdentifier `asn1:"optional"`
}

// parseEncryptedPrivateKey decrypts a PKCS#8 key protected with PBES2
// (PBKDF2 and AES-CBC).
func parseEncryptedPrivateKey(der []byte) (interface{}, error) {
	if len(KeyPassword) == 0 {
		return nil, errors.Errorf("key is encrypted; no password specified")
	}

	var info encryptedPrivateKeyInfo
	if _, err := asn1.Unmarshal(der, &info); err != nil {
		return nil, errors.Wrapf(err, "error parsing ASN1 key")
	}
	if !info.Algo.Algorithm.Equal(oidPbes2) {
		return nil, errors.Errorf("unsupported key encryption: %v",
			info.Algo.Algorithm)
	}

	var params pbes2Params
	if _, err := asn1.Unmarshal(info.Algo.Parameters.FullBytes,
		&params); err != nil {

		return nil, errors.Wrapf(err, "error parsing PBES2 parameters")
	}
	if !params.KeyDerivationFunc.Algorithm.Equal(oidPbkdf2) {
		return nil, errors.Errorf("unsupported key derivation: %v",
			params.KeyDerivationFunc.Algorithm)
	}

	var kdf pbkdf2Params
	if _, err := asn1.Unmarshal(params.KeyDerivationFunc.Parameters.FullBytes,
		&kdf); err != nil {

		return nil, errors.Wrapf(err, "error parsing PBKDF2 parameters")
	}

	var prf func() hash.Hash
	switch {
	case len(kdf.Prf.Algorithm) == 0 || kdf.Prf.Algorithm.Equal(oidHmacWithSha1):
		prf = sha1.New
	case kdf.Prf.Algorithm.Equal(oidHmacWithSha256):
		prf = sha256.New
	default:
		return nil, errors.Errorf("unsupported PBKDF2 PRF: %v",
			kdf.Prf.Algorithm)
	}

	var keyLen int
	switch {
	case params.EncryptionScheme.Algorithm.Equal(oidAes128Cbc):
		keyLen = 16
	case params.EncryptionScheme.Algorithm.Equal(oidAes256Cbc):
		keyLen = 32
	default:
		return nil, errors.Errorf("unsupported cipher: %v",
			params.EncryptionScheme.Algorithm)
	}

	var iv []byte
	if _, err := asn1.Unmarshal(params.EncryptionScheme.Parameters.FullBytes,
		&iv); err != nil {

		return nil, errors.Wrapf(err, "error parsing cipher IV")
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.Errorf("invalid IV length %d", len(iv))
	}

	data := info.EncryptedData
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.Errorf("invalid encrypted key length %d",
			len(data))
	}

	key := pbkdf2.Key(KeyPassword, kdf.Salt, kdf.IterationCount, keyLen, prf)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create cipher")
	}

	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)

	padLen := int(plain[len(plain)-1])
	if padLen == 0 || padLen > aes.BlockSize ||
		!bytes.Equal(plain[len(plain)-padLen:],
			bytes.Repeat([]byte{byte(padLen)}, padLen)) {

		return nil, errors.Errorf("incorrect password")
	}

	privKey, err := x509.ParsePKCS8PrivateKey(plain[:len(plain)-padLen])
	if err != nil {
		return nil, errors.Wrapf(err, "incorrect password")
	}

	return privKey, nil
}

// ParsePrivateKey decodes a PEM encoded P-256 signing key.
func ParsePrivateKey(keyBytes []byte) (*ecdsa.PrivateKey, error) {
	var privKey interface{}
	var err error

	block, data := pem.Decode(keyBytes)
	if block != nil && block.Type == "EC PARAMETERS" {
		/*
		 * Openssl prepends an EC PARAMETERS block before the
		 * key itself.  If we see this first, just skip it,
		 * and go on to the data block.
		 */
		block, _ = pem.Decode(data)
	}
	if block != nil && block.Type == "EC PRIVATE KEY" {
		privKey, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrapf(err, "private key parsing failed")
		}
	}
	if block != nil && block.Type == "PRIVATE KEY" {
		// PKCS#8 unencrypted private key.
		privKey, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrapf(err, "private key parsing failed")
		}
	}
	if block != nil && block.Type == "ENCRYPTED PRIVATE KEY" {
		// PKCS#8 key wrapped with PKCS#5 encryption.
		privKey, err = parseEncryptedPrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrapf(err,
				"unable to decode encrypted private key")
		}
	}
	if privKey == nil {
		return nil, errors.Errorf(
			"unknown private key format, EC private key in PEM format only")
	}

	ec, ok := privKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.Errorf("signing key is not an EC key")
	}
	if ec.Curve != elliptic.P256() {
		return nil, errors.Errorf("unsupported curve %s; P-256 required",
			ec.Curve.Params().Name)
	}

	return ec, nil
}

func ReadKey(filename string) (*ecdsa.PrivateKey, error) {
	keyBytes, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading key file")
	}

	return ParsePrivateKey(keyBytes)
}

// GenerateKeyPem creates a new P-256 key in PKCS#8 PEM form.
func GenerateKeyPem() ([]byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to generate key")
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal key")
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: der,
	}), nil
}

// Sign produces the image signature for a digest: r followed by s, each
// big-endian and zero padded.
func Sign(key *ecdsa.PrivateKey, digest []byte) ([image.SIG_LEN]byte, error) {
	var sig [image.SIG_LEN]byte

	r, s, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		return sig, errors.Wrapf(err, "failed to compute signature")
	}

	r.FillBytes(sig[:ECC_KEY_LEN])
	s.FillBytes(sig[ECC_KEY_LEN:])

	return sig, nil
}
