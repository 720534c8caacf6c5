//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

// Package transparency verifies the responses of a key transparency service
// against a small amount of previously verified state.
package transparency

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/signalapp/keytrans/crypto/vrf"
)

// DeploymentMode specifies the way that a transparency log is deployed.
type DeploymentMode uint8

const (
	ContactMonitoring DeploymentMode = iota + 1
	ThirdPartyManagement
	ThirdPartyAuditing
)

func (m DeploymentMode) String() string {
	switch m {
	case ContactMonitoring:
		return "contact-monitoring"
	case ThirdPartyManagement:
		return "third-party-management"
	case ThirdPartyAuditing:
		return "third-party-auditing"
	}
	return fmt.Sprintf("DeploymentMode(%d)", uint8(m))
}

// ParseDeploymentMode is the inverse of DeploymentMode.String.
func ParseDeploymentMode(s string) (DeploymentMode, error) {
	for _, m := range []DeploymentMode{ContactMonitoring, ThirdPartyManagement, ThirdPartyAuditing} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown deployment mode %q", s)
}

// PublicConfig wraps the cryptographic keys needed to verify a transparency
// tree. It is supplied by the caller and never fetched from the service.
type PublicConfig struct {
	Mode        DeploymentMode
	SigKey      ed25519.PublicKey
	VrfKey      vrf.PublicKey
	AuditorKeys map[string]ed25519.PublicKey
}

func (c *PublicConfig) Validate() error {
	switch c.Mode {
	case ContactMonitoring, ThirdPartyManagement:
	case ThirdPartyAuditing:
		if len(c.AuditorKeys) == 0 {
			return errors.New("third-party auditing requires at least one auditor key")
		}
	default:
		return fmt.Errorf("unknown deployment mode %d", c.Mode)
	}
	if len(c.SigKey) != ed25519.PublicKeySize {
		return errors.New("signature key has wrong length")
	} else if c.VrfKey == nil {
		return errors.New("vrf key is missing")
	}
	for name, key := range c.AuditorKeys {
		if len(key) != ed25519.PublicKeySize {
			return fmt.Errorf("auditor key %q has wrong length", name)
		}
	}
	return nil
}

// auditorKnown returns true if key is one of the configured auditor keys.
func (c *PublicConfig) auditorKnown(key []byte) bool {
	for _, known := range c.AuditorKeys {
		if known.Equal(ed25519.PublicKey(key)) {
			return true
		}
	}
	return false
}
