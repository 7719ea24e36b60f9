package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"htlcbridge/native/fees"
)

// SecretEnv overrides auth.hmac_secret so the secret can stay out of the file.
const SecretEnv = "HTLCD_HMAC_SECRET"

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
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

// Config captures runtime configuration for htlcd.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	DatabasePath  string        `yaml:"database"`
	ChainID       uint64        `yaml:"chain_id"`
	Admin         string        `yaml:"admin"`
	Fees          FeeConfig     `yaml:"fees"`
	Auth          AuthConfig    `yaml:"auth"`
	RateLimit     RateLimit     `yaml:"rate_limit"`
	Archive       ArchiveConfig `yaml:"archive"`
	Stream        StreamConfig  `yaml:"stream"`
	Idempotency   IdemConfig    `yaml:"idempotency"`
	Log           LogConfig     `yaml:"log"`
	Shutdown      Duration      `yaml:"shutdown_timeout"`
}

// FeeConfig seeds the fee schedule on first start. An existing persisted
// schedule always wins.
type FeeConfig struct {
	Bps         uint32 `yaml:"bps"`
	Beneficiary string `yaml:"beneficiary"`
}

// AuthConfig configures bearer JWT verification.
type AuthConfig struct {
	HMACSecret string   `yaml:"hmac_secret"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	ClockSkew  Duration `yaml:"clock_skew"`
}

// RateLimit bounds mutating requests per caller.
type RateLimit struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// ArchiveConfig selects the event archive database.
type ArchiveConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// StreamConfig tunes the live event stream.
type StreamConfig struct {
	History int `yaml:"history"`
}

// IdemConfig enables replay of retried create and confirm calls. An empty
// path disables the cache.
type IdemConfig struct {
	Path          string   `yaml:"path"`
	TTL           Duration `yaml:"ttl"`
	PurgeInterval Duration `yaml:"purge_interval"`
}

// LogConfig controls log level and the optional rotating file sink.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AdminAddress returns the configured admin as a raw address.
func (c Config) AdminAddress() [20]byte {
	return common.HexToAddress(c.Admin)
}

// FeeSchedule returns the seed schedule described by the config.
func (c Config) FeeSchedule() fees.Schedule {
	s := fees.Schedule{Bps: c.Fees.Bps}
	if strings.TrimSpace(c.Fees.Beneficiary) != "" {
		s.Beneficiary = common.HexToAddress(c.Fees.Beneficiary)
	}
	return s
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if secret := strings.TrimSpace(os.Getenv(SecretEnv)); secret != "" {
		cfg.Auth.HMACSecret = secret
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/htlcd/ledger"
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 1
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Archive.Driver == "" {
		cfg.Archive.Driver = "sqlite"
	}
	if cfg.Archive.DSN == "" && cfg.Archive.Driver == "sqlite" {
		cfg.Archive.DSN = "file:/var/data/htlcd/archive.sqlite?_journal_mode=WAL&_busy_timeout=5000"
	}
	if cfg.Stream.History <= 0 {
		cfg.Stream.History = 2048
	}
	if cfg.Idempotency.TTL.Duration == 0 {
		cfg.Idempotency.TTL.Duration = 24 * time.Hour
	}
	if cfg.Idempotency.PurgeInterval.Duration == 0 {
		cfg.Idempotency.PurgeInterval.Duration = time.Hour
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Shutdown.Duration == 0 {
		cfg.Shutdown.Duration = 5 * time.Second
	}
}

func validate(cfg Config) error {
	if !common.IsHexAddress(cfg.Admin) {
		return fmt.Errorf("admin must be a hex address")
	}
	if err := fees.ValidateRate(cfg.Fees.Bps); err != nil {
		return fmt.Errorf("fees: %w", err)
	}
	if b := strings.TrimSpace(cfg.Fees.Beneficiary); b != "" && !common.IsHexAddress(b) {
		return fmt.Errorf("fees: beneficiary must be a hex address")
	}
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth: hmac_secret must be configured")
	}
	if len(strings.TrimSpace(cfg.Auth.HMACSecret)) < 32 {
		return fmt.Errorf("auth: hmac_secret must be at least 32 bytes")
	}
	switch cfg.Archive.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("archive: unsupported driver %q", cfg.Archive.Driver)
	}
	if strings.TrimSpace(cfg.Archive.DSN) == "" {
		return fmt.Errorf("archive: dsn must be configured")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must be non-negative")
	}
	return nil
}
