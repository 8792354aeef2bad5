package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" envconfig:"SERVER"`
	Storage StorageConfig `yaml:"storage" envconfig:"STORAGE"`
	Logging LoggingConfig `yaml:"logging" envconfig:"LOGGING"`
	Session SessionConfig `yaml:"session" envconfig:"SESSION"`
	Auth    AuthConfig    `yaml:"auth" envconfig:"AUTH"`
	Mail    MailConfig    `yaml:"mail" envconfig:"MAIL"`
	CORS    CORSConfig    `yaml:"cors" envconfig:"CORS"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host     string `yaml:"host" envconfig:"HOST"`
	Port     int    `yaml:"port" envconfig:"PORT"`
	RPID     string `yaml:"rp_id" envconfig:"RP_ID"`
	RPOrigin string `yaml:"rp_origin" envconfig:"RP_ORIGIN"`
	RPName   string `yaml:"rp_name" envconfig:"RP_NAME"`
	BaseURL  string `yaml:"base_url" envconfig:"BASE_URL"`
}

// StorageConfig contains storage configuration. Accounts live in the
// durable backend; the ephemeral stores (codes, tokens, challenges,
// sessions) may be kept alongside them or moved to Redis.
type StorageConfig struct {
	Type      string        `yaml:"type" envconfig:"TYPE"`           // memory, mongodb
	Ephemeral string        `yaml:"ephemeral" envconfig:"EPHEMERAL"` // same, redis
	MongoDB   MongoDBConfig `yaml:"mongodb" envconfig:"MONGODB"`
	Redis     RedisConfig   `yaml:"redis" envconfig:"REDIS"`
}

// MongoDBConfig contains MongoDB-specific configuration
type MongoDBConfig struct {
	URI      string `yaml:"uri" envconfig:"URI"`
	Database string `yaml:"database" envconfig:"DATABASE"`
	Timeout  int    `yaml:"timeout" envconfig:"TIMEOUT"` // seconds
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Address   string `yaml:"address" envconfig:"ADDRESS"`
	Password  string `yaml:"password" envconfig:"PASSWORD"`
	DB        int    `yaml:"db" envconfig:"DB"`
	KeyPrefix string `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" envconfig:"FORMAT"` // json, text
}

// SessionConfig contains session cookie configuration
type SessionConfig struct {
	Secret        string `yaml:"secret" envconfig:"SECRET"`
	CookieName    string `yaml:"cookie_name" envconfig:"COOKIE_NAME"`
	CookieSecure  bool   `yaml:"cookie_secure" envconfig:"COOKIE_SECURE"`
	TTLHours      int    `yaml:"ttl_hours" envconfig:"TTL_HOURS"`
	RememberDays  int    `yaml:"remember_days" envconfig:"REMEMBER_DAYS"`
	PartialTTLMin int    `yaml:"partial_ttl_minutes" envconfig:"PARTIAL_TTL_MINUTES"`
}

// AuthConfig contains the knobs of the authentication core
type AuthConfig struct {
	MaxFailedAttempts int    `yaml:"max_failed_attempts" envconfig:"MAX_FAILED_ATTEMPTS"`
	LockoutMinutes    int    `yaml:"lockout_minutes" envconfig:"LOCKOUT_MINUTES"`
	CodeTTLMinutes    int    `yaml:"code_ttl_minutes" envconfig:"CODE_TTL_MINUTES"`
	EnrollTTLMinutes  int    `yaml:"enroll_ttl_minutes" envconfig:"ENROLL_TTL_MINUTES"`
	LinkTokenTTLHours int    `yaml:"link_token_ttl_hours" envconfig:"LINK_TOKEN_TTL_HOURS"`
	ChallengeTTLMin   int    `yaml:"challenge_ttl_minutes" envconfig:"CHALLENGE_TTL_MINUTES"`
	MinPasswordLength int    `yaml:"min_password_length" envconfig:"MIN_PASSWORD_LENGTH"`
	TOTPIssuer        string `yaml:"totp_issuer" envconfig:"TOTP_ISSUER"`
}

// MailConfig contains outbound mail configuration
type MailConfig struct {
	Type     string `yaml:"type" envconfig:"TYPE"` // log, smtp
	SMTPAddr string `yaml:"smtp_addr" envconfig:"SMTP_ADDR"`
	Username string `yaml:"username" envconfig:"USERNAME"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	From     string `yaml:"from" envconfig:"FROM"`
}

// CORSConfig contains CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	AllowedMethods   []string `yaml:"allowed_methods" envconfig:"ALLOWED_METHODS"`
	AllowedHeaders   []string `yaml:"allowed_headers" envconfig:"ALLOWED_HEADERS"`
	ExposedHeaders   []string `yaml:"exposed_headers" envconfig:"EXPOSED_HEADERS"`
	AllowCredentials bool     `yaml:"allow_credentials" envconfig:"ALLOW_CREDENTIALS"`
	MaxAge           int      `yaml:"max_age" envconfig:"MAX_AGE"`
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Load from YAML file if provided (overrides defaults)
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// File doesn't exist, that's ok - we'll use defaults and env vars
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("IDENTITY", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Set BaseURL if not provided
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible default values
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     8080,
			RPID:     "localhost",
			RPOrigin: "http://localhost:8080",
			RPName:   "Identity Backend",
		},
		Storage: StorageConfig{
			Type:      "memory",
			Ephemeral: "same",
			MongoDB: MongoDBConfig{
				URI:      "mongodb://localhost:27017",
				Database: "identity",
				Timeout:  10,
			},
			Redis: RedisConfig{
				Address:   "localhost:6379",
				KeyPrefix: "id:",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Session: SessionConfig{
			CookieName:    "identity_session",
			TTLHours:      24,
			RememberDays:  14,
			PartialTTLMin: 15,
		},
		Auth: AuthConfig{
			MaxFailedAttempts: 5,
			LockoutMinutes:    5,
			CodeTTLMinutes:    10,
			EnrollTTLMinutes:  15,
			LinkTokenTTLHours: 24,
			ChallengeTTLMin:   5,
			MinPasswordLength: 6,
			TOTPIssuer:        "Identity Backend",
		},
		Mail: MailConfig{
			Type: "log",
			From: "no-reply@localhost",
		},
		CORS: CORSConfig{
			AllowedOrigins:   []string{"http://localhost:5173"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "X-XSRF-TOKEN"},
			AllowCredentials: true,
			MaxAge:           300,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.RPID == "" {
		return fmt.Errorf("rp_id is required")
	}

	if c.Server.RPOrigin == "" {
		return fmt.Errorf("rp_origin is required")
	}

	if c.Storage.Type != "memory" && c.Storage.Type != "mongodb" {
		return fmt.Errorf("invalid storage type: %s (must be memory or mongodb)", c.Storage.Type)
	}

	if c.Storage.Ephemeral != "same" && c.Storage.Ephemeral != "redis" {
		return fmt.Errorf("invalid ephemeral storage type: %s (must be same or redis)", c.Storage.Ephemeral)
	}

	if c.Storage.Type == "mongodb" && c.Storage.MongoDB.URI == "" {
		return fmt.Errorf("mongodb uri is required when using mongodb storage")
	}

	if c.Storage.Ephemeral == "redis" && c.Storage.Redis.Address == "" {
		return fmt.Errorf("redis address is required when using redis ephemeral storage")
	}

	if c.Session.Secret == "" {
		return fmt.Errorf("session secret is required")
	}

	if c.Auth.MaxFailedAttempts < 1 {
		return fmt.Errorf("max_failed_attempts must be positive")
	}

	if c.Mail.Type != "log" && c.Mail.Type != "smtp" {
		return fmt.Errorf("invalid mail type: %s (must be log or smtp)", c.Mail.Type)
	}

	if c.Mail.Type == "smtp" && c.Mail.SMTPAddr == "" {
		return fmt.Errorf("smtp_addr is required when using smtp mail")
	}

	return nil
}

// Address returns the server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CodeTTL returns the verification code lifetime.
func (c *AuthConfig) CodeTTL() time.Duration {
	return time.Duration(c.CodeTTLMinutes) * time.Minute
}

// EnrollTTL returns the enrollment token lifetime.
func (c *AuthConfig) EnrollTTL() time.Duration {
	return time.Duration(c.EnrollTTLMinutes) * time.Minute
}

// LinkTokenTTL returns the lifetime of emailed link tokens (confirmation,
// password reset, email change).
func (c *AuthConfig) LinkTokenTTL() time.Duration {
	return time.Duration(c.LinkTokenTTLHours) * time.Hour
}

// ChallengeTTL returns the ceremony challenge lifetime.
func (c *AuthConfig) ChallengeTTL() time.Duration {
	return time.Duration(c.ChallengeTTLMin) * time.Minute
}

// LockoutDuration returns how long an account stays locked.
func (c *AuthConfig) LockoutDuration() time.Duration {
	return time.Duration(c.LockoutMinutes) * time.Minute
}

// SessionTTL returns the lifetime for a session, honoring remember-me.
func (c *SessionConfig) SessionTTL(remember bool) time.Duration {
	if remember {
		return time.Duration(c.RememberDays) * 24 * time.Hour
	}
	return time.Duration(c.TTLHours) * time.Hour
}

// PartialTTL returns the lifetime of a partially authenticated session.
func (c *SessionConfig) PartialTTL() time.Duration {
	return time.Duration(c.PartialTTLMin) * time.Minute
}
