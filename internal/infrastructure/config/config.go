package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Ledgerline Session Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Vault     VaultConfig     `yaml:"vault"`
	Sync      SyncConfig      `yaml:"sync"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// BackendConfig contains connection settings for the Ledgerline auth backend.
type BackendConfig struct {
	// BaseURL is the root URL of the auth backend (e.g. "https://api.ledgerline.io").
	BaseURL string `yaml:"base_url"`

	// Timeout is the per-request timeout in seconds for backend calls.
	// Logout calls are best-effort regardless of this value.
	Timeout int `yaml:"timeout"`

	// InsecureSkipVerify disables TLS certificate verification.
	// For development against self-signed backends only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// VaultConfig contains settings for the encrypted local session vault.
type VaultConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// Passphrase is the key material for record encryption.
	// Set via SESSIOND_VAULT_PASSPHRASE in production, never in the file.
	Passphrase string `yaml:"passphrase"`
}

// SyncConfig contains settings for the cross-client session sync bus.
type SyncConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    SyncBrokerConfig    `yaml:"broker"`
	Auth      SyncAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect SyncReconnectConfig `yaml:"reconnect"`
}

// SyncBrokerConfig contains MQTT broker connection details.
type SyncBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// SyncAuthConfig contains MQTT authentication credentials.
type SyncAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SyncReconnectConfig contains MQTT reconnection settings.
type SyncReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains the local HTTP API server settings.
// The API is the surface UI shells use to drive the session controller.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket state-push settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// TelemetryConfig contains InfluxDB security-telemetry settings.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains session security settings.
type SecurityConfig struct {
	Timers SessionTimerConfig `yaml:"timers"`

	// MFAMethods is the whitelist of acceptable second-factor methods.
	MFAMethods []string `yaml:"mfa_methods"`
}

// SessionTimerConfig contains the session lifecycle timer settings.
//
// The three durations are deliberately ordered: refresh_interval <
// session_ttl < idle_timeout. A live controller always rotates tokens
// (and re-persists the vault record) before the persisted copy expires,
// so the vault TTL only bites a process that died without logging out.
type SessionTimerConfig struct {
	// IdleTimeout is how long without recorded activity before forced logout (minutes).
	IdleTimeout int `yaml:"idle_timeout"`

	// IdleCheckInterval is how often the idle clock is evaluated (seconds).
	IdleCheckInterval int `yaml:"idle_check_interval"`

	// RefreshInterval is how often tokens are preemptively rotated (minutes).
	RefreshInterval int `yaml:"refresh_interval"`

	// SessionTTL is the lifetime of the persisted vault record (minutes),
	// independent of token expiry.
	SessionTTL int `yaml:"session_ttl"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SESSIOND_SECTION_KEY
// For example: SESSIOND_BACKEND_BASE_URL, SESSIOND_VAULT_PASSPHRASE
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Timeout: 30,
		},
		Vault: VaultConfig{
			Path:        "./data/sessiond.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Sync: SyncConfig{
			Enabled: true,
			Broker: SyncBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "sessiond",
			},
			QoS: 1,
			Reconnect: SyncReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8790,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			Timers: SessionTimerConfig{
				IdleTimeout:       30,
				IdleCheckInterval: 60,
				RefreshInterval:   14,
				SessionTTL:        15,
			},
			MFAMethods: []string{"totp", "sms"},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SESSIOND_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Backend
	if v := os.Getenv("SESSIOND_BACKEND_BASE_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}

	// Vault
	if v := os.Getenv("SESSIOND_VAULT_PATH"); v != "" {
		cfg.Vault.Path = v
	}
	if v := os.Getenv("SESSIOND_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}

	// Sync bus
	if v := os.Getenv("SESSIOND_SYNC_HOST"); v != "" {
		cfg.Sync.Broker.Host = v
	}
	if v := os.Getenv("SESSIOND_SYNC_USERNAME"); v != "" {
		cfg.Sync.Auth.Username = v
	}
	if v := os.Getenv("SESSIOND_SYNC_PASSWORD"); v != "" {
		cfg.Sync.Auth.Password = v
	}

	// API
	if v := os.Getenv("SESSIOND_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// Telemetry
	if v := os.Getenv("SESSIOND_TELEMETRY_TOKEN"); v != "" {
		cfg.Telemetry.Token = v
	}
}

// minPassphraseLength is the minimum vault passphrase length in bytes.
// Session tokens for a fintech account sit behind this passphrase; a
// short one would make the encrypted vault the weakest link.
const minPassphraseLength = 32

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Backend validation
	if c.Backend.BaseURL == "" {
		errs = append(errs, "backend.base_url is required (set SESSIOND_BACKEND_BASE_URL environment variable)")
	} else if !strings.HasPrefix(c.Backend.BaseURL, "http://") && !strings.HasPrefix(c.Backend.BaseURL, "https://") {
		errs = append(errs, "backend.base_url must be an http(s) URL")
	}

	// Vault validation
	if c.Vault.Path == "" {
		errs = append(errs, "vault.path is required")
	}
	if c.Vault.Passphrase == "" {
		errs = append(errs, "vault.passphrase is required (set SESSIOND_VAULT_PASSPHRASE environment variable)")
	} else if len(c.Vault.Passphrase) < minPassphraseLength {
		errs = append(errs, "vault.passphrase must be at least 32 characters")
	}

	// Sync validation
	if c.Sync.QoS < 0 || c.Sync.QoS > 2 {
		errs = append(errs, "sync.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Timer validation: the refresh schedule must beat the persisted TTL,
	// otherwise a healthy controller would watch its own vault record expire.
	t := c.Security.Timers
	if t.IdleTimeout <= 0 || t.IdleCheckInterval <= 0 || t.RefreshInterval <= 0 || t.SessionTTL <= 0 {
		errs = append(errs, "security.timers values must all be positive")
	} else if t.RefreshInterval >= t.SessionTTL {
		errs = append(errs, "security.timers.refresh_interval must be shorter than session_ttl")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetBackendTimeout returns the backend request timeout as a Duration.
func (c *Config) GetBackendTimeout() time.Duration {
	return time.Duration(c.Backend.Timeout) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the session idle timeout as a Duration.
func (s SessionTimerConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Minute
}

// GetIdleCheckInterval returns the idle evaluation interval as a Duration.
func (s SessionTimerConfig) GetIdleCheckInterval() time.Duration {
	return time.Duration(s.IdleCheckInterval) * time.Second
}

// GetRefreshInterval returns the token rotation interval as a Duration.
func (s SessionTimerConfig) GetRefreshInterval() time.Duration {
	return time.Duration(s.RefreshInterval) * time.Minute
}

// GetSessionTTL returns the persisted session lifetime as a Duration.
func (s SessionTimerConfig) GetSessionTTL() time.Duration {
	return time.Duration(s.SessionTTL) * time.Minute
}
