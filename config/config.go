package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"proxywallet/crypto"
	"proxywallet/native/proxy"
	"proxywallet/observability/logging"
	"proxywallet/observability/otel"
)

// State backends accepted by StateBackend.
const (
	StateBackendLevelDB = "leveldb"
	StateBackendBolt    = "bolt"
)

// Config is the walletd node configuration.
type Config struct {
	DataDir       string `toml:"DataDir"`
	AddressPrefix string `toml:"AddressPrefix"`
	Environment   string `toml:"Environment"`
	// StateBackend selects the on-disk store: "leveldb" (a directory) or
	// "bolt" (a single file).
	StateBackend  string `toml:"StateBackend,omitempty"`
	// GatewayConfig points at the YAML file describing the HTTP surface. An
	// empty value serves the API with its defaults.
	GatewayConfig string `toml:"GatewayConfig,omitempty"`

	Log       Log       `toml:"Log"`
	Wallet    Wallet    `toml:"Wallet"`
	Telemetry Telemetry `toml:"Telemetry"`
}

// Log selects where structured logs go.
type Log struct {
	File       string `toml:"File,omitempty"`
	MaxSizeMB  int    `toml:"MaxSizeMB,omitempty"`
	MaxBackups int    `toml:"MaxBackups,omitempty"`
	MaxAgeDays int    `toml:"MaxAgeDays,omitempty"`
	Compress   bool   `toml:"Compress,omitempty"`
}

// Wallet holds the engine parameters applied to every wallet instance.
type Wallet struct {
	RotationDelaySeconds               uint64 `toml:"RotationDelaySeconds"`
	RotationReplyID                    uint64 `toml:"RotationReplyID"`
	InstantiateReplyID                 uint64 `toml:"InstantiateReplyID"`
	RelayExecReplyID                   uint64 `toml:"RelayExecReplyID"`
	DefaultDelegateVotingPeriodSeconds uint64 `toml:"DefaultDelegateVotingPeriodSeconds"`
	MaxCallDepth                       int    `toml:"MaxCallDepth"`
}

// Telemetry configures the OTLP exporters.
type Telemetry struct {
	ServiceName string `toml:"ServiceName"`
	Endpoint    string `toml:"Endpoint,omitempty"`
	Insecure    bool   `toml:"Insecure"`
	Headers     string `toml:"Headers,omitempty"`
	Traces      bool   `toml:"Traces"`
	Metrics     bool   `toml:"Metrics"`
}

// Default returns the configuration written on first start.
func Default() *Config {
	return &Config{
		DataDir:       "./walletd-data",
		AddressPrefix: string(crypto.DefaultPrefix),
		Environment:   "dev",
		StateBackend:  StateBackendLevelDB,
		Wallet: Wallet{
			RotationDelaySeconds:               uint64(proxy.DefaultRotationDelay / time.Second),
			RotationReplyID:                    proxy.DefaultRotationReplyID,
			InstantiateReplyID:                 proxy.DefaultInstantiateReplyID,
			RelayExecReplyID:                   proxy.DefaultRelayExecReplyID,
			DefaultDelegateVotingPeriodSeconds: uint64(proxy.DefaultDelegateVotingPeriod / time.Second),
			MaxCallDepth:                       8,
		},
		Telemetry: Telemetry{ServiceName: "walletd"},
	}
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.resolvePaths(path)
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// resolvePaths anchors relative paths at the directory holding the config
// file.
func (c *Config) resolvePaths(configPath string) {
	base := filepath.Dir(configPath)
	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.DataDir = anchor(c.DataDir)
	c.GatewayConfig = anchor(c.GatewayConfig)
	c.Log.File = anchor(c.Log.File)
}

// WalletParams converts the wallet section into engine parameters.
func (c *Config) WalletParams() proxy.Params {
	params := proxy.DefaultParams()
	params.RotationDelay = time.Duration(c.Wallet.RotationDelaySeconds) * time.Second
	params.RotationReplyID = c.Wallet.RotationReplyID
	params.InstantiateReplyID = c.Wallet.InstantiateReplyID
	params.RelayExecReplyID = c.Wallet.RelayExecReplyID
	if c.Wallet.DefaultDelegateVotingPeriodSeconds > 0 {
		params.DelegateVotingPeriod = time.Duration(c.Wallet.DefaultDelegateVotingPeriodSeconds) * time.Second
	}
	params.Scheme = crypto.NewAddressScheme(c.AddressPrefix)
	return params
}

// LogOptions returns the rotating file settings for the logger.
func (c *Config) LogOptions() logging.FileOptions {
	return logging.FileOptions{
		Path:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}
}

// TelemetryConfig returns the exporter settings.
func (c *Config) TelemetryConfig() otel.Config {
	return otel.Config{
		ServiceName: c.Telemetry.ServiceName,
		Environment: c.Environment,
		Endpoint:    c.Telemetry.Endpoint,
		Insecure:    c.Telemetry.Insecure,
		Headers:     otel.ParseHeaders(c.Telemetry.Headers),
		Metrics:     c.Telemetry.Metrics,
		Traces:      c.Telemetry.Traces,
	}
}
