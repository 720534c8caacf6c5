//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package transparency

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"github.com/signalapp/keytrans/crypto/vrf"
)

// Prefixes of the search keys of each kind of identifier.
const (
	AciPrefix          = 'a'
	E164Prefix         = 'n'
	UsernameHashPrefix = 'u'
)

// DistinguishedSearchKey is the search key that the service updates on a
// fixed schedule, for clients to anchor their view of the log.
var DistinguishedSearchKey = []byte("distinguished")

func searchKey(prefix byte, id []byte) []byte {
	return append([]byte{prefix}, id...)
}

func AciSearchKey(aci []byte) []byte           { return searchKey(AciPrefix, aci) }
func E164SearchKey(e164 []byte) []byte         { return searchKey(E164Prefix, e164) }
func UsernameHashSearchKey(hash []byte) []byte { return searchKey(UsernameHashPrefix, hash) }

// DeriveLabel verifies the VRF proof for searchKey and returns the label that
// positions the key in the prefix trees.
func DeriveLabel(key vrf.PublicKey, searchKey, proof []byte) ([vrf.IndexSize]byte, error) {
	return key.ECVRFVerify(searchKey, proof)
}

// LeafHash returns the value stored in the log for an entry, given the root
// of the entry's prefix tree and the commitment to the entry's value.
func LeafHash(prefixRoot, commitment []byte) []byte {
	s := sha256.New()
	s.Write(prefixRoot)
	s.Write(commitment)
	return s.Sum(nil)
}

// MarshalUpdateValue returns the data that a commitment to value commits to.
func MarshalUpdateValue(value []byte) ([]byte, error) {
	if uint64(len(value)) >= 1<<32 {
		return nil, errors.New("value is too long to be encoded")
	}
	buf := make([]byte, 4, 4+len(value))
	binary.BigEndian.PutUint32(buf, uint32(len(value)))
	return append(buf, value...), nil
}

// treeHeadTbs is the data covered by the signature on a tree head.
type treeHeadTbs struct {
	TreeSize  uint64
	Timestamp int64
	Root      []byte
}

func writeShort(buf *bytes.Buffer, name string, data []byte) error {
	if len(data) >= 1<<16 {
		return errors.New(name + " is too long to be encoded")
	}
	binary.Write(buf, binary.BigEndian, uint16(len(data)))
	buf.Write(data)
	return nil
}

// Marshal encodes the tree head as signed for the auditor with the given key.
// The auditor key is only included in third-party auditing mode.
func (tbs *treeHeadTbs) Marshal(config *PublicConfig, auditorKey []byte) ([]byte, error) {
	buf := &bytes.Buffer{}

	buf.Write([]byte{0x00, 0x00})        // Ciphersuite
	buf.Write([]byte{byte(config.Mode)}) // Deployment mode

	if err := writeShort(buf, "signature key", config.SigKey); err != nil {
		return nil, err
	} else if err := writeShort(buf, "vrf key", config.VrfKey.Bytes()); err != nil {
		return nil, err
	}
	if config.Mode == ThirdPartyAuditing {
		if err := writeShort(buf, "auditor public key", auditorKey); err != nil {
			return nil, err
		}
	}

	binary.Write(buf, binary.BigEndian, tbs.TreeSize)
	binary.Write(buf, binary.BigEndian, tbs.Timestamp)
	if len(tbs.Root) != sha256.Size {
		return nil, errors.New("root is wrong length")
	}
	buf.Write(tbs.Root)

	return buf.Bytes(), nil
}

// SignTreeHead signs a tree head with the service's private key, for the
// auditor with the given public key. Outside of third-party auditing mode
// the auditor key is ignored and may be nil.
func SignTreeHead(key ed25519.PrivateKey, config *PublicConfig, auditorKey []byte, treeSize uint64, timestamp int64, root []byte) ([]byte, error) {
	tbs := &treeHeadTbs{TreeSize: treeSize, Timestamp: timestamp, Root: root}
	raw, err := tbs.Marshal(config, auditorKey)
	if err != nil {
		return nil, err
	}
	return key.Sign(nil, raw, crypto.Hash(0))
}

// SignAuditorTreeHead signs a tree head with an auditor's private key.
func SignAuditorTreeHead(key ed25519.PrivateKey, config *PublicConfig, treeSize uint64, timestamp int64, root []byte) ([]byte, error) {
	return SignTreeHead(key, config, key.Public().(ed25519.PublicKey), treeSize, timestamp, root)
}

func verifyTbs(config *PublicConfig, signer ed25519.PublicKey, auditorKey []byte, tbs *treeHeadTbs, sig []byte) error {
	raw, err := tbs.Marshal(config, auditorKey)
	if err != nil {
		return newError(KindMalformedProof, err)
	} else if !ed25519.Verify(signer, raw, sig) {
		return errorf(KindSignatureInvalid, "signature of %x does not verify", []byte(signer))
	}
	return nil
}
