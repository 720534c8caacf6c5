//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	edvrf "github.com/signalapp/keytrans/crypto/vrf/ed25519"
	"github.com/signalapp/keytrans/tree/transparency"
	"github.com/signalapp/keytrans/tree/transparency/test"
)

// SimConfig specifies the file format of the simulator's config file.
type SimConfig struct {
	ServerAddr  string `yaml:"server-addr"`
	MetricsAddr string `yaml:"metrics-addr,omitempty"`
	HealthAddr  string `yaml:"health-addr,omitempty"`
	// A map of headers to a list of authorized values. At least one header to
	// value mapping must be present on client requests.
	AuthorizedHeaders map[string][]string `yaml:"authorized-headers,omitempty"`

	Mode        string   `yaml:"mode"`
	SigningKey  envstr   `yaml:"signing-key"` // 32 byte hex-encoded seed for the signing private key.
	VRFKey      envstr   `yaml:"vrf-key"`     // 32 byte hex-encoded VRF private key seed.
	AuditorKeys []envstr `yaml:"auditor-keys,omitempty"`
	keys        *test.Keys
	mode        transparency.DeploymentMode

	FakeUpdates   *FakeUpdates  `yaml:"fake,omitempty"`
	Distinguished time.Duration `yaml:"distinguished"`
	// Whether to disclose the path to a key's label in the prefix trees.
	DisclosePath bool `yaml:"disclose-path,omitempty"`
}

// FakeUpdates specifies how often to make fake updates. Updates are made such
// that there are `count` updates total every `interval` of time.
type FakeUpdates struct {
	Count    int           `yaml:"count"`
	Interval time.Duration `yaml:"interval"`
}

// LogConfig returns the config of the simulated log.
func (c *SimConfig) LogConfig() test.Config {
	return test.Config{
		Mode:         c.mode,
		Keys:         c.keys,
		AutoAudit:    true,
		DisclosePath: c.DisclosePath,
	}
}

func parseSeed(name string, value envstr) ([]byte, error) {
	seed, err := hex.DecodeString(value.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %v", name, err)
	} else if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%s is wrong size: wanted=%v, got=%v", name, ed25519.SeedSize, len(seed))
	}
	return seed, nil
}

func ParseSim(raw []byte) (*SimConfig, error) {
	var parsed SimConfig
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}

	if parsed.ServerAddr == "" {
		return nil, fmt.Errorf("field not provided: server-addr")
	} else if parsed.SigningKey == "" {
		return nil, fmt.Errorf("field not provided: signing-key")
	} else if parsed.VRFKey == "" {
		return nil, fmt.Errorf("field not provided: vrf-key")
	} else if parsed.Distinguished == 0 {
		return nil, fmt.Errorf("field not provided: distinguished")
	}
	if parsed.FakeUpdates != nil {
		if parsed.FakeUpdates.Count == 0 {
			return nil, fmt.Errorf("field not provided: fake.count")
		} else if parsed.FakeUpdates.Interval == 0 {
			return nil, fmt.Errorf("field not provided: fake.interval")
		}
	}

	parsed.mode = transparency.ContactMonitoring
	if parsed.Mode != "" {
		mode, err := transparency.ParseDeploymentMode(parsed.Mode)
		if err != nil {
			return nil, err
		}
		parsed.mode = mode
	}
	if parsed.mode == transparency.ThirdPartyAuditing && len(parsed.AuditorKeys) == 0 {
		return nil, fmt.Errorf("field not provided: auditor-keys")
	}

	// Parse cryptographic keys.
	keys := &test.Keys{}
	seed, err := parseSeed("signing key", parsed.SigningKey)
	if err != nil {
		return nil, err
	}
	keys.Sig = ed25519.NewKeyFromSeed(seed)

	seed, err = parseSeed("vrf key", parsed.VRFKey)
	if err != nil {
		return nil, err
	} else if keys.Vrf, err = edvrf.NewVRFSigner(seed); err != nil {
		return nil, fmt.Errorf("failed to parse vrf key: %v", err)
	}

	for i, key := range parsed.AuditorKeys {
		seed, err := parseSeed(fmt.Sprintf("auditor key %d", i+1), key)
		if err != nil {
			return nil, err
		}
		keys.Auditors = append(keys.Auditors, ed25519.NewKeyFromSeed(seed))
	}
	parsed.keys = keys

	return &parsed, nil
}

func ReadSim(filename string) (*SimConfig, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseSim(raw)
}
