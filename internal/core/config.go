package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	prov "github.com/3cpo-dev/missionfleet/internal/providers"
	"gopkg.in/yaml.v3"
)

// Secret names read from secrets.env or the environment.
const (
	SecretSeed      = "MFLEET_SEED"
	SecretFunderKey = "MFLEET_FUNDER_KEY"
	SecretOpenAIKey = "MFLEET_OPENAI_KEY"
)

// Config is the fleet configuration file.
type Config struct {
	Seed        string          `yaml:"seed"`
	Roster      RosterConfig    `yaml:"roster"`
	Limit       int             `yaml:"limit"`
	Coordinator EndpointConfig  `yaml:"coordinator"`
	Indexer     EndpointConfig  `yaml:"indexer"`
	Ledger      LedgerConfig    `yaml:"ledger"`
	Funding     FundingConfig   `yaml:"funding"`
	Execution   ExecutionConfig `yaml:"execution"`
	Schedule    ScheduleConfig  `yaml:"schedule"`
	Journal     JournalConfig   `yaml:"journal"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	StateDir    string          `yaml:"state_dir"`
}

// RosterConfig locates the provisioning artifact. Path is a local file or an
// sftp://user@host[:port]/path URL; the SSH fields are only used for the latter.
type RosterConfig struct {
	Path       string `yaml:"path"`
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
}

// defaultRetries applies when an endpoint leaves retries unset; an explicit 0
// turns retries off.
const defaultRetries = 2

// EndpointConfig is an HTTP collaborator.
type EndpointConfig struct {
	URL               string  `yaml:"url"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	Retries           *int    `yaml:"retries"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// RetryCount returns how often a failed read is retried.
func (e EndpointConfig) RetryCount() int {
	if e.Retries == nil {
		return defaultRetries
	}
	return *e.Retries
}

// Timeout returns the per-request timeout.
func (e EndpointConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// Client builds the retrying HTTP client for this endpoint.
func (e EndpointConfig) Client() *prov.RetryableHTTPClient {
	return prov.NewRetryableHTTPClient(e.Timeout(), e.RequestsPerSecond, prov.WithMaxRetries(e.RetryCount()))
}

type LedgerConfig struct {
	EndpointConfig        `yaml:",inline"`
	ReceiptPoll           time.Duration `yaml:"receipt_poll"`
	ConfirmTimeoutSeconds int           `yaml:"confirm_timeout_seconds"`
}

// FundingConfig controls the balance check before work begins. SourceKey is a
// hex ed25519 seed; when empty, underfunded identities are only reported.
type FundingConfig struct {
	Threshold float64 `yaml:"threshold"`
	Topup     float64 `yaml:"topup"`
	SourceKey string  `yaml:"source_key"`
}

type ExecutionConfig struct {
	Providers []prov.Config     `yaml:"providers"`
	Personas  map[string]string `yaml:"personas"`
}

type ScheduleConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatBatch    int           `yaml:"heartbeat_batch"`
	// GuildJoinParallel caps concurrent guild joins during fleet bootstrap.
	GuildJoinParallel int           `yaml:"guild_join_parallel"`
	HeartbeatPause    time.Duration `yaml:"heartbeat_pause"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
}

type JournalConfig struct {
	// Path of the SQLite journal; empty uses state_dir/journal.db, "off" disables it.
	Path string `yaml:"path"`
}

type TelemetryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	OTLPEndpoint    string        `yaml:"otlp_endpoint"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	StatusAddr      string        `yaml:"status_addr"`
	StatusTLS       StatusTLS     `yaml:"status_tls"`
	// StatusOrigins restricts browser access to the status API; empty allows any origin.
	StatusOrigins []string `yaml:"status_origins"`
}

// StatusTLS serves the status API over TLS when Cert and Key are set.
type StatusTLS struct {
	Cert              string `yaml:"cert"`
	Key               string `yaml:"key"`
	ClientCA          string `yaml:"client_ca"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

// DefaultConfigDir returns $XDG_CONFIG_HOME/mfleet or ~/.config/mfleet.
func DefaultConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "mfleet")
}

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/mfleet/config.yaml or ~/.config/mfleet/config.yaml.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = filepath.Join(DefaultConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	// Keys stay out of the YAML: secrets.env next to the config, then the environment.
	secrets, _ := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	for _, k := range []string{SecretSeed, SecretFunderKey, SecretOpenAIKey} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	cfg.applySecrets(secrets)
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applySecrets(secrets map[string]string) {
	if v := secrets[SecretSeed]; v != "" {
		c.Seed = v
	}
	if v := secrets[SecretFunderKey]; v != "" {
		c.Funding.SourceKey = v
	}
	if v := secrets[SecretOpenAIKey]; v != "" {
		for i := range c.Execution.Providers {
			if c.Execution.Providers[i].Kind == "openai" && c.Execution.Providers[i].APIKey == "" {
				c.Execution.Providers[i].APIKey = v
			}
		}
	}
}

// ApplyDefaults fills every interval, timeout and threshold left unset.
func (c *Config) ApplyDefaults() {
	for _, e := range []*EndpointConfig{&c.Coordinator, &c.Indexer, &c.Ledger.EndpointConfig} {
		if e.TimeoutSeconds <= 0 {
			e.TimeoutSeconds = 15
		}
		if e.Retries == nil {
			n := defaultRetries
			e.Retries = &n
		}
	}
	if c.Ledger.ReceiptPoll <= 0 {
		c.Ledger.ReceiptPoll = 2 * time.Second
	}
	if c.Ledger.ConfirmTimeoutSeconds <= 0 {
		c.Ledger.ConfirmTimeoutSeconds = 60
	}
	if c.Funding.Threshold <= 0 {
		c.Funding.Threshold = 0.0005
	}
	if c.Funding.Topup <= 0 {
		c.Funding.Topup = 0.002
	}
	s := &c.Schedule
	if s.PollInterval <= 0 {
		s.PollInterval = 30 * time.Second
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = 60 * time.Second
	}
	if s.HeartbeatBatch <= 0 {
		s.HeartbeatBatch = 10
	}
	if s.GuildJoinParallel <= 0 {
		s.GuildJoinParallel = 4
	}
	if s.HeartbeatPause <= 0 {
		s.HeartbeatPause = time.Second
	}
	if s.DrainTimeout <= 0 {
		s.DrainTimeout = 2 * time.Minute
	}
	if c.Telemetry.MetricsInterval <= 0 {
		c.Telemetry.MetricsInterval = 30 * time.Second
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(DefaultConfigDir(), "state")
	}
	if c.Journal.Path == "" {
		c.Journal.Path = filepath.Join(c.StateDir, "journal.db")
	}
}

// Validate checks the settings the fleet cannot start without.
func (c Config) Validate() error {
	if c.Seed == "" {
		return fmt.Errorf("config: seed is required (set %s)", SecretSeed)
	}
	if c.Roster.Path == "" {
		return fmt.Errorf("config: roster.path is required")
	}
	for name, e := range map[string]EndpointConfig{"coordinator": c.Coordinator, "indexer": c.Indexer, "ledger": c.Ledger.EndpointConfig} {
		if e.URL == "" {
			return fmt.Errorf("config: %s.url is required", name)
		}
		if e.RetryCount() < 0 {
			return fmt.Errorf("config: %s.retries cannot be negative", name)
		}
	}
	if c.Limit < 0 {
		return fmt.Errorf("config: limit cannot be negative")
	}
	for _, p := range c.Execution.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("config: provider %q: %w", p.Name, err)
		}
	}
	return nil
}

// JournalEnabled reports whether cycles are recorded locally.
func (c Config) JournalEnabled() bool {
	return c.Journal.Path != "off"
}
