package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultSecretEnv names the environment variable holding the RPC bearer
// secret. Secrets never live in the config file itself.
const DefaultSecretEnv = "COFFER_RPC_SECRET"

// Config is the daemon-level configuration loaded from TOML. Vault and feed
// definitions live in the separate YAML registry named by RegistryFile.
type Config struct {
	RPCAddress      string `toml:"RPCAddress"`
	OpsAddress      string `toml:"OpsAddress"`
	DataDir         string `toml:"DataDir"`
	Backend         string `toml:"Backend"`
	RegistryFile    string `toml:"RegistryFile"`
	Environment     string `toml:"Environment"`
	TreasuryAddress string `toml:"TreasuryAddress"`

	RPC    RPCConfig   `toml:"RPC"`
	Pauses Pauses      `toml:"Pauses"`
	Otel   OtelConfig  `toml:"Otel"`
	Audit  AuditConfig `toml:"Audit"`
}

// RPCConfig carries the bearer-auth and throttling settings for the JSON-RPC
// surface. The secret is read from the environment variable named by
// SecretEnv.
type RPCConfig struct {
	SecretEnv     string  `toml:"SecretEnv"`
	Issuer        string  `toml:"Issuer"`
	Audience      string  `toml:"Audience"`
	ClockSkewSecs int64   `toml:"ClockSkewSecs"`
	RatePerSecond float64 `toml:"RatePerSecond"`
	RateBurst     int     `toml:"RateBurst"`
}

// Pauses is the module circuit breaker table. A paused module rejects every
// mutating call with ErrModulePaused while reads stay open.
type Pauses struct {
	Vault  bool `toml:"Vault"`
	Oracle bool `toml:"Oracle"`
}

// IsPaused reports whether the named module is paused.
func (p Pauses) IsPaused(module string) bool {
	switch module {
	case "vault":
		return p.Vault
	case "oracle":
		return p.Oracle
	}
	return false
}

// OtelConfig mirrors the OpenTelemetry exporter settings.
type OtelConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}

// AuditConfig locates the embedded audit store and its report exports. Empty
// paths disable the corresponding facility.
type AuditConfig struct {
	Path      string `toml:"Path"`
	ReportDir string `toml:"ReportDir"`
}

// Load reads the configuration from path, creating a default file when none
// exists. Unknown keys are rejected so a typo cannot silently disable a
// setting.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.Normalise()
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalise trims fields and fills defaults for everything left unset.
func (cfg *Config) Normalise() {
	if cfg == nil {
		return
	}
	cfg.RPCAddress = strings.TrimSpace(cfg.RPCAddress)
	if cfg.RPCAddress == "" {
		cfg.RPCAddress = ":8080"
	}
	cfg.OpsAddress = strings.TrimSpace(cfg.OpsAddress)
	if cfg.OpsAddress == "" {
		cfg.OpsAddress = ":8081"
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = "./coffer-data"
	}
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if cfg.Backend == "" {
		cfg.Backend = "leveldb"
	}
	cfg.RegistryFile = strings.TrimSpace(cfg.RegistryFile)
	if cfg.RegistryFile == "" {
		cfg.RegistryFile = "registry.yaml"
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	if cfg.Environment == "" {
		cfg.Environment = strings.TrimSpace(os.Getenv("COFFER_ENV"))
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	cfg.TreasuryAddress = strings.TrimSpace(cfg.TreasuryAddress)

	cfg.RPC.SecretEnv = strings.TrimSpace(cfg.RPC.SecretEnv)
	if cfg.RPC.SecretEnv == "" {
		cfg.RPC.SecretEnv = DefaultSecretEnv
	}
	cfg.RPC.Issuer = strings.TrimSpace(cfg.RPC.Issuer)
	if cfg.RPC.Issuer == "" {
		cfg.RPC.Issuer = "cofferd"
	}
	cfg.RPC.Audience = strings.TrimSpace(cfg.RPC.Audience)
	if cfg.RPC.ClockSkewSecs <= 0 {
		cfg.RPC.ClockSkewSecs = 120
	}
	if cfg.RPC.RatePerSecond == 0 {
		cfg.RPC.RatePerSecond = 50
	}
	if cfg.RPC.RateBurst == 0 {
		cfg.RPC.RateBurst = 100
	}

	cfg.Otel.Endpoint = strings.TrimSpace(cfg.Otel.Endpoint)
	cfg.Audit.Path = strings.TrimSpace(cfg.Audit.Path)
	cfg.Audit.ReportDir = strings.TrimSpace(cfg.Audit.ReportDir)
}

// RPCSecret resolves the bearer secret from the configured environment
// variable.
func (cfg *Config) RPCSecret() string {
	if cfg == nil {
		return ""
	}
	name := cfg.RPC.SecretEnv
	if name == "" {
		name = DefaultSecretEnv
	}
	return strings.TrimSpace(os.Getenv(name))
}

// ClockSkew converts the configured skew into a duration.
func (cfg *Config) ClockSkew() time.Duration {
	if cfg == nil || cfg.RPC.ClockSkewSecs <= 0 {
		return 0
	}
	return time.Duration(cfg.RPC.ClockSkewSecs) * time.Second
}

// createDefault writes a default configuration file and returns it.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Normalise()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
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
