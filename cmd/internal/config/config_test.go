//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalapp/keytrans/tree/transparency"
	"github.com/signalapp/keytrans/tree/transparency/test"
)

func testPublicConfig(t *testing.T, mode transparency.DeploymentMode) *transparency.PublicConfig {
	l, err := test.New(test.Config{Mode: mode, Auditors: 2})
	require.NoError(t, err)
	return l.PublicConfig()
}

func clientConfig(t *testing.T, extra string) string {
	tree := NewTreeConfig(testPublicConfig(t, transparency.ContactMonitoring))
	return fmt.Sprintf(`
service:
  address: localhost:8080
  timeout: 5s
  insecure: true
tree:
  signing-key: %s
  vrf-key: %s
%s`, tree.SigningKey, tree.VRFKey, extra)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(clientConfig(t, "")))
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", cfg.Service.Address.String())
	assert.Equal(t, 5*time.Second, cfg.Service.Timeout)
	assert.Equal(t, transparency.ContactMonitoring, cfg.Tree.Public().Mode)
	assert.Equal(t, "memory", cfg.Store.Kind)
	assert.Equal(t, time.Minute, cfg.Watch.Interval)

	t.Setenv("KT_TOKEN", "secret")
	cfg, err = Parse([]byte(clientConfig(t, `
store:
  kind: leveldb
  file: /tmp/kt
  cache-size: 100
watch:
  interval: 10s
  distinguished: true
  acis: [a7b3c1d8-0c8b-4b3e-9c41-2b0f3f4b8d10]
`) + `
`))
	require.NoError(t, err)
	assert.Equal(t, "leveldb", cfg.Store.Kind)
	assert.Equal(t, 100, cfg.Store.CacheSize)
	assert.Equal(t, 10*time.Second, cfg.Watch.Interval)
	assert.True(t, cfg.Watch.Distinguished)
	assert.Len(t, cfg.Watch.Acis, 1)

	raw := strings.Replace(clientConfig(t, ""), "insecure: true", "insecure: true\n  headers:\n    authorization: [\"Bearer ${KT_TOKEN}\"]", 1)
	cfg, err = Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, []envstr{"Bearer secret"}, cfg.Service.Headers["authorization"])
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"no service", "tree: {signing-key: aa, vrf-key: bb}"},
		{"no tree", "service: {address: localhost:1}"},
		{"bad mode", clientConfig(t, "") + "  mode: nonsense\n"},
		{"short key", "service: {address: localhost:1}\ntree: {signing-key: aabb, vrf-key: aabb}"},
		{"bad store", clientConfig(t, "store: {kind: postgres}")},
		{"leveldb without file", clientConfig(t, "store: {kind: leveldb}")},
		{"dynamodb without table", clientConfig(t, "store: {kind: dynamodb}")},
		{"fast watch", clientConfig(t, "watch: {interval: 10ms}")},
	}
	for _, test := range tests {
		_, err := Parse([]byte(test.raw))
		assert.Error(t, err, test.name)
	}
}

func TestAuditingTreeConfig(t *testing.T) {
	public := testPublicConfig(t, transparency.ThirdPartyAuditing)
	cfg := NewClientConfig("localhost:8080", map[string][]string{"authorization": {"a", "b"}}, public)
	file := filepath.Join(t.TempDir(), "client.yml")
	require.NoError(t, cfg.Write(file))

	parsed, err := Read(file)
	require.NoError(t, err)
	assert.Equal(t, public.Mode, parsed.Tree.Public().Mode)
	assert.Equal(t, public.SigKey, parsed.Tree.Public().SigKey)
	assert.Equal(t, public.VrfKey.Bytes(), parsed.Tree.Public().VrfKey.Bytes())
	assert.Equal(t, public.AuditorKeys, parsed.Tree.Public().AuditorKeys)
	assert.Equal(t, []envstr{"a", "b"}, parsed.Service.Headers["authorization"])
	assert.True(t, parsed.Service.Insecure)
}

const simConfig = `
server-addr: localhost:8080
mode: %s
signing-key: "0101010101010101010101010101010101010101010101010101010101010101"
vrf-key: "0202020202020202020202020202020202020202020202020202020202020202"
auditor-keys:
  - "0303030303030303030303030303030303030303030303030303030303030303"
distinguished: 1m
fake:
  count: 10
  interval: 1s
`

func TestParseSim(t *testing.T) {
	cfg, err := ParseSim([]byte(fmt.Sprintf(simConfig, "third-party-auditing")))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Distinguished)
	assert.Equal(t, 10, cfg.FakeUpdates.Count)

	l, err := test.New(cfg.LogConfig())
	require.NoError(t, err)
	assert.Equal(t, transparency.ThirdPartyAuditing, l.PublicConfig().Mode)
	assert.Len(t, l.PublicConfig().AuditorKeys, 1)

	// The keys are derived from the configured seeds.
	again, err := ParseSim([]byte(fmt.Sprintf(simConfig, "contact-monitoring")))
	require.NoError(t, err)
	assert.Equal(t, cfg.keys.Sig, again.keys.Sig)

	for _, bad := range []string{
		strings.Replace(simConfig, "server-addr: localhost:8080", "", 1),
		strings.Replace(simConfig, "distinguished: 1m", "", 1),
		strings.Replace(simConfig, "count: 10", "count: 0", 1),
		strings.Replace(simConfig, "0101", "01", 1),
	} {
		_, err := ParseSim([]byte(fmt.Sprintf(bad, "contact-monitoring")))
		assert.Error(t, err)
	}
	_, err = ParseSim([]byte(fmt.Sprintf(strings.Replace(simConfig, "auditor-keys:\n  - \"0303030303030303030303030303030303030303030303030303030303030303\"\n", "", 1), "third-party-auditing")))
	assert.Error(t, err)
}
