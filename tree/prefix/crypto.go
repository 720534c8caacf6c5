//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package prefix

import (
	"crypto/sha256"
	"encoding/binary"
)

// Domain separation tags for the three kinds of hash in the prefix tree.
const (
	leafTag    = 0x00
	parentTag  = 0x01
	standInTag = 0x02
)

// getBit returns whether the nth bit of data, counting from the most
// significant bit of the first byte, is set.
func getBit(data []byte, bit int) bool {
	return (data[bit/8]>>(7-(bit%8)))&1 == 1
}

func leafHash(index []byte, ctr uint32, firstUpdatePosition uint64) []byte {
	if len(index) != IndexLength {
		panic("index is wrong length")
	}

	buf := make([]byte, 1+IndexLength+4+8)
	buf[0] = leafTag
	copy(buf[1:], index)
	binary.BigEndian.PutUint32(buf[1+IndexLength:], ctr)
	binary.BigEndian.PutUint64(buf[1+IndexLength+4:], firstUpdatePosition)
	h := sha256.Sum256(buf)
	return h[:]
}

func parentHash(left, right []byte) []byte {
	if len(left) != 32 {
		panic("left hash is wrong length")
	} else if len(right) != 32 {
		panic("right hash is wrong length")
	}

	buf := make([]byte, 65)
	buf[0] = parentTag
	copy(buf[1:33], left)
	copy(buf[33:65], right)
	h := sha256.Sum256(buf)
	return h[:]
}

// standInHash is the value used in place of an empty subtree at the given
// level.
func standInHash(seed []byte, level int) []byte {
	if len(seed) != 16 {
		panic("seed is wrong length")
	} else if level < 0 || level > 255 {
		panic("level is out of bounds")
	}

	buf := make([]byte, 18)
	buf[0] = standInTag
	copy(buf[1:17], seed)
	buf[17] = byte(level)
	h := sha256.Sum256(buf)
	return h[:]
}
