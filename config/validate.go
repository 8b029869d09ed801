package config

import (
	"fmt"

	"coffer/crypto"
)

// ValidateConfig rejects settings the daemon cannot safely run with. Load
// calls it after Normalise, so every field already carries its default.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if cfg.RPCAddress == "" {
		return fmt.Errorf("config: RPCAddress must not be empty")
	}
	if cfg.OpsAddress == cfg.RPCAddress {
		return fmt.Errorf("config: OpsAddress must differ from RPCAddress")
	}
	switch cfg.Backend {
	case "leveldb", "bolt", "memory":
	default:
		return fmt.Errorf("config: unknown storage backend %q", cfg.Backend)
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("config: DataDir must not be empty")
	}
	if cfg.RegistryFile == "" {
		return fmt.Errorf("config: RegistryFile must not be empty")
	}
	if cfg.TreasuryAddress != "" {
		if _, err := crypto.DecodeAddress(cfg.TreasuryAddress); err != nil {
			return fmt.Errorf("config: invalid TreasuryAddress: %w", err)
		}
	}
	if cfg.RPC.RatePerSecond < 0 {
		return fmt.Errorf("config: RPC.RatePerSecond must not be negative")
	}
	if cfg.RPC.RateBurst < 0 {
		return fmt.Errorf("config: RPC.RateBurst must not be negative")
	}
	if cfg.RPC.ClockSkewSecs < 0 {
		return fmt.Errorf("config: RPC.ClockSkewSecs must not be negative")
	}
	if cfg.Audit.ReportDir != "" && cfg.Audit.Path == "" {
		return fmt.Errorf("config: Audit.ReportDir requires Audit.Path")
	}
	return nil
}
