package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

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

// Config captures the runtime configuration for pharmatraced.
type Config struct {
	ListenAddress string             `yaml:"listen"`
	Environment   string             `yaml:"environment"`
	Node          NodeConfig         `yaml:"node"`
	Database      DatabaseConfig     `yaml:"database"`
	Keystore      KeystoreConfig     `yaml:"keystore"`
	Orchestrator  OrchestratorConfig `yaml:"orchestrator"`
	Audit         AuditConfig        `yaml:"audit"`
	Recon         ReconConfig        `yaml:"recon"`
	Gateway       GatewayConfig      `yaml:"gateway"`
	Logging       LoggingConfig      `yaml:"logging"`
	Otel          OtelConfig         `yaml:"otel"`
}

// NodeConfig points at the ledger node RPC endpoint.
type NodeConfig struct {
	Endpoint      string   `yaml:"endpoint"`
	AuthToken     string   `yaml:"auth_token"`
	AuthTokenFile string   `yaml:"auth_token_file"`
	AuthTokenEnv  string   `yaml:"auth_token_env"`
	Timeout       Duration `yaml:"timeout"`
}

// DatabaseConfig selects the off-chain metadata store. DSNs beginning with
// postgres:// use the postgres driver; anything else is a sqlite path.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// KeystoreConfig locates the funding key for the service signer.
type KeystoreConfig struct {
	Path           string `yaml:"path"`
	Passphrase     string `yaml:"passphrase"`
	PassphraseEnv  string `yaml:"passphrase_env"`
	PassphraseFile string `yaml:"passphrase_file"`
}

// OrchestratorConfig tunes submission retries and confirmation polling.
type OrchestratorConfig struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	PollInterval   Duration `yaml:"poll_interval"`
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
	MinBalance     string   `yaml:"min_balance"`
}

// AuditConfig configures the webhook audit sink.
type AuditConfig struct {
	WebhookURL string  `yaml:"webhook_url"`
	Secret     string  `yaml:"secret"`
	SecretEnv  string  `yaml:"secret_env"`
	SecretFile string  `yaml:"secret_file"`
	RatePerSec float64 `yaml:"rate_per_second"`
	Burst      int     `yaml:"burst"`
	QueueCap   int     `yaml:"queue_cap"`
}

// ReconConfig schedules the daily consistency sweep.
type ReconConfig struct {
	Enabled   bool   `yaml:"enabled"`
	OutputDir string `yaml:"output_dir"`
	Hour      int    `yaml:"hour"`
	Minute    int    `yaml:"minute"`
}

// GatewayConfig secures the HTTP API.
type GatewayConfig struct {
	JWTSecret       string   `yaml:"jwt_secret"`
	JWTSecretEnv    string   `yaml:"jwt_secret_env"`
	JWTSecretFile   string   `yaml:"jwt_secret_file"`
	RatePerSec      float64  `yaml:"rate_per_second"`
	Burst           int      `yaml:"burst"`
	IdempotencyPath string   `yaml:"idempotency_path"`
	IdempotencyTTL  Duration `yaml:"idempotency_ttl"`
}

// LoggingConfig controls the rotating JSON log file. An empty path logs to
// stdout only.
type LoggingConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// OtelConfig points traces and metrics at an OTLP collector. An empty
// endpoint disables the exporter.
type OtelConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Headers  string `yaml:"headers"`
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
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Node.normalise(); err != nil {
		return cfg, fmt.Errorf("node auth: %w", err)
	}
	if err := cfg.Keystore.normalise(); err != nil {
		return cfg, fmt.Errorf("keystore: %w", err)
	}
	if err := cfg.Audit.normalise(); err != nil {
		return cfg, fmt.Errorf("audit secret: %w", err)
	}
	if err := cfg.Gateway.normalise(); err != nil {
		return cfg, fmt.Errorf("gateway auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7400"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Node.Timeout.Duration == 0 {
		cfg.Node.Timeout.Duration = 10 * time.Second
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "pharmatrace.db"
	}
	if cfg.Orchestrator.MaxAttempts <= 0 {
		cfg.Orchestrator.MaxAttempts = 3
	}
	if cfg.Orchestrator.RetryBaseDelay.Duration == 0 {
		cfg.Orchestrator.RetryBaseDelay.Duration = 2 * time.Second
	}
	if cfg.Orchestrator.PollInterval.Duration == 0 {
		cfg.Orchestrator.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Orchestrator.ConfirmTimeout.Duration == 0 {
		cfg.Orchestrator.ConfirmTimeout.Duration = 90 * time.Second
	}
	if cfg.Audit.RatePerSec <= 0 {
		cfg.Audit.RatePerSec = 5
	}
	if cfg.Audit.Burst <= 0 {
		cfg.Audit.Burst = 10
	}
	if cfg.Audit.QueueCap <= 0 {
		cfg.Audit.QueueCap = 1024
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = "recon-reports"
	}
	if cfg.Gateway.RatePerSec <= 0 {
		cfg.Gateway.RatePerSec = 20
	}
	if cfg.Gateway.Burst <= 0 {
		cfg.Gateway.Burst = 40
	}
	if cfg.Gateway.IdempotencyPath == "" {
		cfg.Gateway.IdempotencyPath = "idempotency.db"
	}
	if cfg.Gateway.IdempotencyTTL.Duration == 0 {
		cfg.Gateway.IdempotencyTTL.Duration = 24 * time.Hour
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups <= 0 {
		cfg.Logging.MaxBackups = 5
	}
	if cfg.Logging.MaxAgeDays <= 0 {
		cfg.Logging.MaxAgeDays = 30
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Node.Endpoint) == "" {
		return fmt.Errorf("node endpoint must be configured")
	}
	if strings.TrimSpace(cfg.Keystore.Path) == "" {
		return fmt.Errorf("keystore path must be configured")
	}
	if cfg.Recon.Hour < 0 || cfg.Recon.Hour > 23 {
		return fmt.Errorf("recon hour must be within 0..23")
	}
	if cfg.Recon.Minute < 0 || cfg.Recon.Minute > 59 {
		return fmt.Errorf("recon minute must be within 0..59")
	}
	if cfg.Gateway.JWTSecret == "" {
		return fmt.Errorf("gateway jwt secret must be configured")
	}
	if cfg.Audit.WebhookURL != "" && cfg.Audit.Secret == "" {
		return fmt.Errorf("audit secret must be configured when webhook_url is set")
	}
	return nil
}

// resolveSecret returns the inline value unless an env or file indirection is
// configured, in which case the indirection wins.
func resolveSecret(inline, envName, filePath, label string) (string, error) {
	value := strings.TrimSpace(inline)
	if env := strings.TrimSpace(envName); env != "" {
		fromEnv := strings.TrimSpace(os.Getenv(env))
		if fromEnv == "" {
			return "", fmt.Errorf("%s env %s is empty", label, env)
		}
		value = fromEnv
	}
	if path := strings.TrimSpace(filePath); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s file: %w", label, err)
		}
		value = strings.TrimSpace(string(contents))
	}
	return value, nil
}

func (n *NodeConfig) normalise() error {
	token, err := resolveSecret(n.AuthToken, n.AuthTokenEnv, n.AuthTokenFile, "auth_token")
	if err != nil {
		return err
	}
	n.AuthToken = token
	n.Endpoint = strings.TrimSpace(n.Endpoint)
	return nil
}

func (k *KeystoreConfig) normalise() error {
	passphrase, err := resolveSecret(k.Passphrase, k.PassphraseEnv, k.PassphraseFile, "passphrase")
	if err != nil {
		return err
	}
	k.Passphrase = passphrase
	k.Path = strings.TrimSpace(k.Path)
	return nil
}

func (a *AuditConfig) normalise() error {
	secret, err := resolveSecret(a.Secret, a.SecretEnv, a.SecretFile, "secret")
	if err != nil {
		return err
	}
	a.Secret = secret
	a.WebhookURL = strings.TrimSpace(a.WebhookURL)
	return nil
}

func (g *GatewayConfig) normalise() error {
	secret, err := resolveSecret(g.JWTSecret, g.JWTSecretEnv, g.JWTSecretFile, "jwt_secret")
	if err != nil {
		return err
	}
	g.JWTSecret = secret
	return nil
}
