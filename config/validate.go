package config

import (
	"fmt"
	"strings"
)

// MaxCallDepthLimit caps the configurable host call depth.
const MaxCallDepthLimit = 64

// Validate rejects configurations the node cannot serve.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir required")
	}
	switch c.StateBackend {
	case StateBackendLevelDB, StateBackendBolt:
	default:
		return fmt.Errorf("StateBackend must be %q or %q, got %q", StateBackendLevelDB, StateBackendBolt, c.StateBackend)
	}
	prefix := strings.TrimSpace(c.AddressPrefix)
	if prefix == "" {
		return fmt.Errorf("AddressPrefix required")
	}
	if prefix != strings.ToLower(prefix) {
		return fmt.Errorf("AddressPrefix must be lower case")
	}
	if c.Wallet.RotationDelaySeconds == 0 {
		return fmt.Errorf("wallet: RotationDelaySeconds must be positive")
	}
	if c.Wallet.MaxCallDepth <= 0 || c.Wallet.MaxCallDepth > MaxCallDepthLimit {
		return fmt.Errorf("wallet: MaxCallDepth must be between 1 and %d", MaxCallDepthLimit)
	}
	if err := c.WalletParams().Validate(); err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	if (c.Telemetry.Traces || c.Telemetry.Metrics) && strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry: ServiceName required when an exporter is enabled")
	}
	return nil
}
