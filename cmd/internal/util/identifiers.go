//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package util

import (
	"encoding/base64"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/signalapp/keytrans/tree/transparency"
)

var e164Pattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// ParseAci parses a UUID-formatted ACI into its 16 byte encoding.
func ParseAci(s string) ([]byte, error) {
	aci, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid UUID string for ACI: %w", err)
	}
	return aci.MarshalBinary()
}

// ParseE164 checks that s is an E164-formatted phone number, preceded with a
// '+'.
func ParseE164(s string) ([]byte, error) {
	if !e164Pattern.MatchString(s) {
		return nil, fmt.Errorf("invalid E164 phone number: %q", s)
	}
	return []byte(s), nil
}

// ParseUsernameHash decodes a base64url encoded username hash.
func ParseUsernameHash(s string) ([]byte, error) {
	hash, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		hash, err = base64.URLEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding base64url encoding for username hash: %w", err)
	} else if len(hash) != 32 {
		return nil, fmt.Errorf("username hash is wrong size: wanted=32, got=%v", len(hash))
	}
	return hash, nil
}

// FormatSearchKey returns a human readable form of a search key.
func FormatSearchKey(searchKey []byte) string {
	if string(searchKey) == string(transparency.DistinguishedSearchKey) {
		return "distinguished"
	} else if len(searchKey) < 2 {
		return fmt.Sprintf("%x", searchKey)
	}
	id := searchKey[1:]
	switch searchKey[0] {
	case transparency.AciPrefix:
		if aci, err := uuid.FromBytes(id); err == nil {
			return "aci:" + aci.String()
		}
	case transparency.E164Prefix:
		return "e164:" + string(id)
	case transparency.UsernameHashPrefix:
		return "username:" + base64.RawURLEncoding.EncodeToString(id)
	}
	return fmt.Sprintf("%x", searchKey)
}
