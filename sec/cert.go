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
	"crypto/x509"
	"encoding/pem"
	"io/ioutil"
	"math/big"

	"github.com/apache/mynewt-artifact/errors"

	"mynewt.apache.org/oad/image"
)

const ECC_KEY_LEN = 32

// Cert is the verification certificate embedded in the boot image manager.
// Coordinates are stored big-endian.
type Cert struct {
	SignerInfo [image.SIGNER_INFO_LEN]byte
	PubX       [ECC_KEY_LEN]byte
	PubY       [ECC_KEY_LEN]byte
}

// SignerInfo identifies a signing key: the leading bytes of the SHA-256 of
// its DER-encoded public key.
func SignerInfo(pub *ecdsa.PublicKey) ([image.SIGNER_INFO_LEN]byte, error) {
	var info [image.SIGNER_INFO_LEN]byte

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return info, errors.Wrapf(err, "failed to marshal public key")
	}

	sum := sha256.Sum256(der)
	copy(info[:], sum[:])
	return info, nil
}

func CertFromPublicKey(pub *ecdsa.PublicKey) (Cert, error) {
	var cert Cert

	if pub.Curve != elliptic.P256() {
		return cert, errors.Errorf("unsupported curve %s; P-256 required",
			pub.Curve.Params().Name)
	}

	info, err := SignerInfo(pub)
	if err != nil {
		return cert, err
	}

	cert.SignerInfo = info
	pub.X.FillBytes(cert.PubX[:])
	pub.Y.FillBytes(cert.PubY[:])

	return cert, nil
}

func (c *Cert) PublicKey() *ecdsa.PublicKey {
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(c.PubX[:]),
		Y:     new(big.Int).SetBytes(c.PubY[:]),
	}
}

// ParseCert builds a certificate from a PEM encoded public key.
func ParseCert(pemBytes []byte) (Cert, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "PUBLIC KEY" {
		return Cert{}, errors.Errorf("public key must be in PEM format")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return Cert{}, errors.Wrapf(err, "public key parsing failed")
	}

	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return Cert{}, errors.Errorf("public key is not an EC key")
	}

	return CertFromPublicKey(ecPub)
}

func ReadCert(filename string) (Cert, error) {
	pemBytes, err := ioutil.ReadFile(filename)
	if err != nil {
		return Cert{}, errors.Wrapf(err, "error reading certificate file")
	}

	return ParseCert(pemBytes)
}

func MarshalPublicKeyPem(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal public key")
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: der,
	}), nil
}
