//
// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only
//

package config

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	edvrf "github.com/signalapp/keytrans/crypto/vrf/ed25519"
	"github.com/signalapp/keytrans/store"
	"github.com/signalapp/keytrans/transport"
	"github.com/signalapp/keytrans/tree/transparency"
)

// envstr is a string in the YAML config file that expands environment variables
// when parsed.
type envstr string

func (es *envstr) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*es = envstr(os.ExpandEnv(s))
	return nil
}

func (es envstr) String() string { return string(es) }

// Config specifies the file format of client config files.
type Config struct {
	LogOutputFile string `yaml:"log-output,omitempty"`
	MetricsAddr   string `yaml:"metrics-addr,omitempty"`
	DatadogAddr   string `yaml:"datadog-addr,omitempty"`

	Service *ServiceConfig `yaml:"service"`
	Tree    *TreeConfig    `yaml:"tree"`
	Store   *StoreConfig   `yaml:"store,omitempty"`
	Watch   *WatchConfig   `yaml:"watch,omitempty"`
}

type ServiceConfig struct {
	Address envstr `yaml:"address"`
	// Headers to attach to every request, such as authorization tokens.
	Headers  map[string][]envstr `yaml:"headers,omitempty"`
	Timeout  time.Duration       `yaml:"timeout,omitempty"`
	Insecure bool                `yaml:"insecure,omitempty"`
}

func (config *ServiceConfig) Validate() error {
	if config == nil {
		return fmt.Errorf("field not provided: service")
	} else if config.Address == "" {
		return fmt.Errorf("field not provided: service.address")
	} else if config.Timeout < 0 {
		return fmt.Errorf("service.timeout may not be negative")
	}
	return nil
}

// Connect returns a client of the configured service.
func (config *ServiceConfig) Connect() (*transport.Client, error) {
	headers := make(map[string][]string, len(config.Headers))
	for header, values := range config.Headers {
		for _, value := range values {
			headers[header] = append(headers[header], value.String())
		}
	}
	return transport.NewClient(config.Address.String(), transport.Options{
		Headers:  headers,
		Timeout:  config.Timeout,
		Insecure: config.Insecure,
	})
}

// TreeConfig holds the trust anchors of the log. Keys are hex-encoded.
type TreeConfig struct {
	Mode       string `yaml:"mode"`
	SigningKey envstr `yaml:"signing-key"` // 32 byte ed25519 public key.
	VRFKey     envstr `yaml:"vrf-key"`     // 32 byte VRF public key.

	// A map of auditor name to its public signature key.
	AuditorKeys map[string]string `yaml:"auditor-keys,omitempty"`

	public *transparency.PublicConfig
}

// NewTreeConfig returns the config that describes public.
func NewTreeConfig(public *transparency.PublicConfig) *TreeConfig {
	out := &TreeConfig{
		Mode:       public.Mode.String(),
		SigningKey: envstr(hex.EncodeToString(public.SigKey)),
		VRFKey:     envstr(hex.EncodeToString(public.VrfKey.Bytes())),
		public:     public,
	}
	if len(public.AuditorKeys) > 0 {
		out.AuditorKeys = make(map[string]string)
		for name, key := range public.AuditorKeys {
			out.AuditorKeys[name] = hex.EncodeToString(key)
		}
	}
	return out
}

// NewClientConfig returns a config for a client of the service at addr,
// connecting without TLS.
func NewClientConfig(addr string, headers map[string][]string, public *transparency.PublicConfig) *Config {
	service := &ServiceConfig{Address: envstr(addr), Insecure: true}
	if len(headers) > 0 {
		service.Headers = make(map[string][]envstr)
		for header, values := range headers {
			for _, value := range values {
				service.Headers[header] = append(service.Headers[header], envstr(value))
			}
		}
	}
	return &Config{Service: service, Tree: NewTreeConfig(public)}
}

// Public returns the parsed trust anchors. It is only set once the config
// has been validated.
func (config *TreeConfig) Public() *transparency.PublicConfig { return config.public }

func (config *TreeConfig) parse() error {
	if config == nil {
		return fmt.Errorf("field not provided: tree")
	} else if config.SigningKey == "" {
		return fmt.Errorf("field not provided: tree.signing-key")
	} else if config.VRFKey == "" {
		return fmt.Errorf("field not provided: tree.vrf-key")
	}

	public := &transparency.PublicConfig{Mode: transparency.ContactMonitoring}
	if config.Mode != "" {
		mode, err := transparency.ParseDeploymentMode(config.Mode)
		if err != nil {
			return err
		}
		public.Mode = mode
	}

	sigKey, err := hex.DecodeString(config.SigningKey.String())
	if err != nil {
		return fmt.Errorf("failed to parse signing key: %v", err)
	} else if len(sigKey) != ed25519.PublicKeySize {
		return fmt.Errorf("signing key is wrong size: wanted=%v, got=%v", ed25519.PublicKeySize, len(sigKey))
	}
	public.SigKey = sigKey

	vrfKey, err := hex.DecodeString(config.VRFKey.String())
	if err != nil {
		return fmt.Errorf("failed to parse vrf key: %v", err)
	}
	public.VrfKey, err = edvrf.NewVRFVerifier(vrfKey)
	if err != nil {
		return fmt.Errorf("failed to parse vrf key: %v", err)
	}

	if len(config.AuditorKeys) > 0 {
		public.AuditorKeys = make(map[string]ed25519.PublicKey)
	}
	for auditorName, publicKey := range config.AuditorKeys {
		pubKey, err := hex.DecodeString(publicKey)
		if err != nil {
			return fmt.Errorf("failed to parse auditor public key: %v for auditor %s", err, auditorName)
		} else if len(pubKey) != ed25519.PublicKeySize {
			return fmt.Errorf("auditor public key is wrong size: wanted=%v, got=%v for auditor %s", ed25519.PublicKeySize, len(pubKey), auditorName)
		}
		public.AuditorKeys[auditorName] = pubKey
	}

	if err := public.Validate(); err != nil {
		return fmt.Errorf("invalid tree config: %w", err)
	}
	config.public = public
	return nil
}

type StoreConfig struct {
	// One of memory, leveldb or dynamodb.
	Kind string `yaml:"kind"`

	// LevelDB
	File string `yaml:"file,omitempty"`

	// DynamoDB
	Table    envstr `yaml:"table,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`

	// Number of keys whose monitoring data is cached in memory. Zero
	// disables the cache.
	CacheSize int `yaml:"cache-size,omitempty"`
}

func (config *StoreConfig) Validate() error {
	switch config.Kind {
	case "memory":
	case "leveldb":
		if config.File == "" {
			return fmt.Errorf("field not provided: store.file")
		}
	case "dynamodb":
		if config.Table == "" {
			return fmt.Errorf("field not provided: store.table")
		}
	default:
		return fmt.Errorf("unknown store kind %q", config.Kind)
	}
	if config.CacheSize < 0 {
		return fmt.Errorf("store.cache-size may not be negative")
	}
	return nil
}

// Connect opens the configured store.
func (config *StoreConfig) Connect(ctx context.Context) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch config.Kind {
	case "leveldb":
		s, err = store.NewLDBStore(config.File)
	case "dynamodb":
		s, err = store.NewDynamoDBStore(ctx, config.Table.String(), config.Endpoint)
	default:
		s = store.NewMemoryStore()
	}
	if err != nil {
		return nil, err
	} else if config.CacheSize == 0 {
		return s, nil
	}
	return store.NewCachedStore(s, config.CacheSize)
}

// WatchConfig specifies what the watch command checks, and how often.
type WatchConfig struct {
	Interval time.Duration `yaml:"interval"`
	// ACIs to start monitoring if they are not monitored yet.
	Acis []string `yaml:"acis,omitempty"`
	// Whether to check the distinguished key on every round.
	Distinguished bool `yaml:"distinguished,omitempty"`
}

func Parse(raw []byte) (*Config, error) {
	var parsed Config
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, err
	}

	// Check that all required fields are populated.
	if err := parsed.Service.Validate(); err != nil {
		return nil, err
	} else if err := parsed.Tree.parse(); err != nil {
		return nil, err
	}

	if parsed.Store == nil {
		parsed.Store = &StoreConfig{Kind: "memory"}
	} else if err := parsed.Store.Validate(); err != nil {
		return nil, err
	}

	if parsed.Watch == nil {
		parsed.Watch = &WatchConfig{}
	}
	if parsed.Watch.Interval == 0 {
		parsed.Watch.Interval = time.Minute
	} else if parsed.Watch.Interval < time.Second {
		return nil, fmt.Errorf("watch.interval must be at least one second")
	}

	return &parsed, nil
}

func Read(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Write stores the config in filename.
func (c *Config) Write(filename string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, raw, 0644)
}
