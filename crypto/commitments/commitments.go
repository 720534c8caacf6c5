// Copyright 2016 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package commitments implements the commitment to a search key's value that
// is stored in each log entry.
//
//	T = HMAC-SHA256(fixedKey, nonce || u16(len(searchKey)) || searchKey || u32(len(data)) || data)
package commitments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

const (
	// NonceSize is the length of the opening of a commitment.
	NonceSize = 16
	// Size is the length of a commitment.
	Size = sha256.Size
)

var (
	// fixedKey is a publicly known random key. It lets the scheme be modeled
	// as a random oracle.
	fixedKey = []byte{0xd8, 0x21, 0xf8, 0x79, 0x0d, 0x97, 0x70, 0x97, 0x96, 0xb4, 0xd7, 0x90, 0x33, 0x57, 0xc3, 0xf5}

	// ErrInvalidCommitment occurs when the commitment doesn't match the opened
	// value.
	ErrInvalidCommitment = errors.New("invalid commitment")
	// ErrInvalidNonce occurs when the nonce is not 16 bytes.
	ErrInvalidNonce = errors.New("invalid nonce")
	// ErrTooLarge occurs when the search key or data can not be length-prefixed.
	ErrTooLarge = errors.New("search key or data too large to commit to")
)

// Commit returns the commitment to data under searchKey with the given nonce.
func Commit(searchKey, data, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	} else if len(searchKey) >= 1<<16 || uint64(len(data)) >= 1<<32 {
		return nil, ErrTooLarge
	}

	// hash.Hash never returns an error from Write.
	mac := hmac.New(sha256.New, fixedKey)
	mac.Write(nonce)
	_ = binary.Write(mac, binary.BigEndian, uint16(len(searchKey)))
	mac.Write(searchKey)
	_ = binary.Write(mac, binary.BigEndian, uint32(len(data)))
	mac.Write(data)

	return mac.Sum(nil), nil
}

// Verify checks that commitment opens to data under searchKey with the given
// nonce.
func Verify(searchKey, commitment, data, nonce []byte) error {
	if len(commitment) != Size {
		return ErrInvalidCommitment
	}
	got, err := Commit(searchKey, data, nonce)
	if err != nil {
		return err
	} else if !hmac.Equal(got, commitment) {
		return ErrInvalidCommitment
	}
	return nil
}
