package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment names recognised across the service. Durable backends are
// optional in dev and mandatory everywhere else.
const (
	EnvDev        = "dev"
	EnvStaging    = "staging"
	EnvProduction = "production"
)

// Execution modes for the chain executor.
const (
	ModeSimulated   = "simulated"
	ModeStagingLive = "staging_live"
	ModeLive        = "live"
)

// Duration wraps time.Duration so TOML files can use strings like "60s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for agentpayd.
type Config struct {
	Service    ServiceConfig    `toml:"service"`
	Gateway    GatewayConfig    `toml:"gateway"`
	Replay     ReplayConfig     `toml:"replay"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Journey    JourneyConfig    `toml:"journey"`
	Recon      ReconConfig      `toml:"recon"`
	Executor   ExecutorConfig   `toml:"executor"`
	Policy     PolicyConfig     `toml:"policy"`
	Compliance ComplianceConfig `toml:"compliance"`
	Protocol   ProtocolConfig   `toml:"protocol"`
}

// ServiceConfig names the deployment.
type ServiceConfig struct {
	Name        string `toml:"name"`
	Environment string `toml:"environment"`
}

// GatewayConfig configures the HTTP listener and its auth surfaces.
type GatewayConfig struct {
	ListenAddress  string   `toml:"listen"`
	APISecretEnv   string   `toml:"api_secret_env"`
	AdminJWTSecret string   `toml:"admin_jwt_secret_env"`
	WebhookSecrets []string `toml:"webhook_providers"`
	PaymentRate    float64  `toml:"payment_rate_per_sec"`
	PaymentBurst   int      `toml:"payment_burst"`
	AdminPerMinute int      `toml:"admin_per_minute"`
}

// ReplayConfig selects the replay cache backend.
type ReplayConfig struct {
	Path          string   `toml:"path"`
	PruneInterval Duration `toml:"prune_interval"`
}

// LedgerConfig configures the canonical ledger store.
type LedgerConfig struct {
	Path string `toml:"path"`
}

// JourneyConfig configures the journey state machine database.
type JourneyConfig struct {
	// DSN selects postgres when it carries a postgres URL, otherwise the
	// value is treated as a sqlite file path.
	DSN string `toml:"dsn"`
}

// ReconConfig configures the reconciliation queue and worker.
type ReconConfig struct {
	Path          string   `toml:"path"`
	DrainInterval Duration `toml:"drain_interval"`
	MaxAttempts   int      `toml:"max_attempts"`
}

// ExecutorConfig configures signing and broadcast.
type ExecutorConfig struct {
	Mode         string            `toml:"mode"`
	Signer       string            `toml:"signer"`
	SignerKeyEnv string            `toml:"signer_key_env"`
	MPCEndpoint  string            `toml:"mpc_endpoint"`
	MPCAPIKeyEnv string            `toml:"mpc_api_key_env"`
	RPCEndpoints map[string]string `toml:"rpc_endpoints"`
	// Tokens maps chain → token symbol → ERC-20 contract address.
	Tokens         map[string]map[string]string `toml:"tokens"`
	SponsorCapJSON string                       `toml:"sponsor_cap_json"`
	BroadcastWait  Duration                     `toml:"broadcast_timeout"`
	ConfirmWait    Duration                     `toml:"confirmation_timeout"`
}

// PolicyConfig points at the operator policy template file.
type PolicyConfig struct {
	TemplatePath string `toml:"templates"`
}

// ComplianceConfig configures the KYC/KYA/KYT providers.
type ComplianceConfig struct {
	KYCThresholdMinor int64    `toml:"kyc_threshold_minor"`
	KYCProvider       string   `toml:"kyc_provider"`
	KYTProvider       string   `toml:"kyt_provider"`
	EnforceKYA        bool     `toml:"enforce_kya"`
	ProviderKeyEnv    string   `toml:"provider_key_env"`
	SanctionsLists    []string `toml:"sanctions_lists"`
}

// ProtocolConfig configures mandate verification.
type ProtocolConfig struct {
	AllowedDomains []string `toml:"allowed_domains"`
	X402Versions   []string `toml:"x402_versions"`
	EnforceTrust   bool     `toml:"a2a_trust_enforced"`
}

// Load reads the TOML file at path, normalises it, and validates it.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalise trims fields and applies defaults so Validate and consumers see
// canonical values.
func (c *Config) Normalise() {
	if c == nil {
		return
	}
	c.Service.Name = strings.TrimSpace(c.Service.Name)
	if c.Service.Name == "" {
		c.Service.Name = "agentpayd"
	}
	c.Service.Environment = strings.ToLower(strings.TrimSpace(c.Service.Environment))
	if c.Service.Environment == "" {
		c.Service.Environment = EnvDev
	}
	c.Gateway.ListenAddress = strings.TrimSpace(c.Gateway.ListenAddress)
	if c.Gateway.ListenAddress == "" {
		c.Gateway.ListenAddress = ":8443"
	}
	if c.Gateway.PaymentRate <= 0 {
		c.Gateway.PaymentRate = 5
	}
	if c.Gateway.PaymentBurst <= 0 {
		c.Gateway.PaymentBurst = 10
	}
	if c.Gateway.AdminPerMinute <= 0 {
		c.Gateway.AdminPerMinute = 10
	}
	if c.Replay.PruneInterval.Duration <= 0 {
		c.Replay.PruneInterval.Duration = 5 * time.Minute
	}
	if c.Recon.DrainInterval.Duration <= 0 {
		c.Recon.DrainInterval.Duration = 60 * time.Second
	}
	if c.Recon.MaxAttempts <= 0 {
		c.Recon.MaxAttempts = 5
	}
	c.Executor.Mode = strings.ToLower(strings.TrimSpace(c.Executor.Mode))
	if c.Executor.Mode == "" {
		c.Executor.Mode = ModeSimulated
	}
	c.Executor.Signer = strings.ToLower(strings.TrimSpace(c.Executor.Signer))
	if c.Executor.Signer == "" {
		c.Executor.Signer = "local"
	}
	if c.Executor.BroadcastWait.Duration <= 0 {
		c.Executor.BroadcastWait.Duration = 30 * time.Second
	}
	if c.Executor.ConfirmWait.Duration <= 0 {
		c.Executor.ConfirmWait.Duration = 5 * time.Minute
	}
	if c.Compliance.KYCThresholdMinor <= 0 {
		c.Compliance.KYCThresholdMinor = 1_000_000_000
	}
	c.Compliance.KYCProvider = strings.ToLower(strings.TrimSpace(c.Compliance.KYCProvider))
	if c.Compliance.KYCProvider == "" {
		c.Compliance.KYCProvider = "persona"
	}
	c.Compliance.KYTProvider = strings.ToLower(strings.TrimSpace(c.Compliance.KYTProvider))
	if c.Compliance.KYTProvider == "" {
		c.Compliance.KYTProvider = "chainalysis"
	}
	normalised := make([]string, 0, len(c.Protocol.AllowedDomains))
	for _, domain := range c.Protocol.AllowedDomains {
		if domain = strings.ToLower(strings.TrimSpace(domain)); domain != "" {
			normalised = append(normalised, domain)
		}
	}
	c.Protocol.AllowedDomains = normalised
	if len(c.Protocol.X402Versions) == 0 {
		c.Protocol.X402Versions = []string{"1", "2"}
	}
}

// Validate rejects configurations that would run the service in an unsafe
// shape. Production hard-requires every durable backend.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil config")
	}
	switch c.Service.Environment {
	case EnvDev, EnvStaging, EnvProduction:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Service.Environment)
	}
	switch c.Executor.Mode {
	case ModeSimulated, ModeStagingLive, ModeLive:
	default:
		return fmt.Errorf("config: unknown executor mode %q", c.Executor.Mode)
	}
	switch c.Executor.Signer {
	case "local", "mpc":
	default:
		return fmt.Errorf("config: unknown signer %q", c.Executor.Signer)
	}
	if c.Production() {
		if strings.TrimSpace(c.Replay.Path) == "" {
			return fmt.Errorf("config: replay.path is required in production")
		}
		if strings.TrimSpace(c.Recon.Path) == "" {
			return fmt.Errorf("config: recon.path is required in production")
		}
		if strings.TrimSpace(c.Ledger.Path) == "" {
			return fmt.Errorf("config: ledger.path is required in production")
		}
		if c.Executor.Mode == ModeLive && c.Executor.Signer == "local" {
			return fmt.Errorf("config: local signer is not permitted for live execution")
		}
	}
	if c.Executor.Signer == "mpc" && strings.TrimSpace(c.Executor.MPCEndpoint) == "" {
		return fmt.Errorf("config: executor.mpc_endpoint is required for the mpc signer")
	}
	return nil
}

// Production reports whether the configured environment is production.
func (c *Config) Production() bool {
	return c != nil && c.Service.Environment == EnvProduction
}

// Secret resolves a secret by environment variable name. Missing secrets are
// fatal in production and empty elsewhere.
func (c *Config) Secret(envName string) (string, error) {
	envName = strings.TrimSpace(envName)
	if envName == "" {
		return "", nil
	}
	value := strings.TrimSpace(os.Getenv(envName))
	if value == "" && c.Production() {
		return "", fmt.Errorf("config: secret %s is not set", envName)
	}
	return value, nil
}
