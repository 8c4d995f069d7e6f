// Package config provides configuration management for jarvisd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for jarvisd.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Model     ModelConfig     `mapstructure:"model"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Triggers  TriggersConfig  `mapstructure:"triggers"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Presets   PresetsConfig   `mapstructure:"presets"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// URL takes precedence; when empty, Path selects a local SQLite file.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`  // postgres://... enables the pgx driver
	Path     string `mapstructure:"path"` // SQLite file path (default ~/.jarvisd/jarvisd.db)
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ModelConfig holds LLM provider configuration.
type ModelConfig struct {
	ProviderKey    string `mapstructure:"providerKey"`
	BaseURL        string `mapstructure:"baseUrl"` // OpenAI-compatible endpoint override
	DefaultModel   string `mapstructure:"defaultModel"`
	RequestTimeout int    `mapstructure:"requestTimeout"` // per-call timeout in seconds
	MaxRetries     int    `mapstructure:"maxRetries"`
}

// AuthConfig holds device and session authentication configuration.
type AuthConfig struct {
	JWTSecret       string `mapstructure:"jwtSecret"`
	DeviceSecret    string `mapstructure:"deviceSecret"`
	TokenDuration   int    `mapstructure:"tokenDuration"` // in seconds, default 7 days
	AllowQueryToken bool   `mapstructure:"allowQueryToken"`
}

// SchedulerConfig holds cron scheduler configuration.
type SchedulerConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// TriggersConfig holds external trigger ingest configuration.
type TriggersConfig struct {
	WebhookMaxBody int64  `mapstructure:"webhookMaxBody"` // bytes, pre-HMAC cap
	EmailPushToken string `mapstructure:"emailPushToken"` // shared token for Gmail push endpoint
	EmailAudience  string `mapstructure:"emailAudience"`  // expected aud claim on push JWTs
	GmailToken     string `mapstructure:"gmailToken"`     // Gmail API access token
	GmailTopic     string `mapstructure:"gmailTopic"`     // Pub/Sub topic for watch registration
}

// EmailEnabled reports whether the Gmail push ingest is configured.
func (t *TriggersConfig) EmailEnabled() bool {
	return t.EmailPushToken != "" && t.GmailTopic != ""
}

// ToolsConfig holds tool invocation configuration.
type ToolsConfig struct {
	CallTimeout int      `mapstructure:"callTimeout"` // per-tool wall clock in seconds
	MCPServers  []string `mapstructure:"mcpServers"`  // SSE endpoint URLs
}

// StreamingConfig controls token streaming behavior.
type StreamingConfig struct {
	TokenStream bool `mapstructure:"tokenStream"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PresetsConfig points at an optional YAML file with seed agents.
type PresetsConfig struct {
	Path string `mapstructure:"path"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the session token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// RequestTimeoutDuration returns the model call timeout as a time.Duration.
func (m *ModelConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(m.RequestTimeout) * time.Second
}

// CallTimeoutDuration returns the per-tool timeout as a time.Duration.
func (t *ToolsConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(t.CallTimeout) * time.Second
}

// IsPostgres reports whether the database URL selects the pgx driver.
func (d *DatabaseConfig) IsPostgres() bool {
	return strings.HasPrefix(d.URL, "postgres://") || strings.HasPrefix(d.URL, "postgresql://")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.url", "")
	v.SetDefault("database.path", "~/.jarvisd/jarvisd.db")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "jarvisd")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("model.providerKey", "")
	v.SetDefault("model.baseUrl", "")
	v.SetDefault("model.defaultModel", "gpt-4o-mini")
	v.SetDefault("model.requestTimeout", 90)
	v.SetDefault("model.maxRetries", 2)

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.deviceSecret", "")
	v.SetDefault("auth.tokenDuration", 7*24*3600)
	v.SetDefault("auth.allowQueryToken", true)

	v.SetDefault("scheduler.timezone", "UTC")

	v.SetDefault("triggers.webhookMaxBody", 128*1024)
	v.SetDefault("triggers.emailPushToken", "")
	v.SetDefault("triggers.emailAudience", "")
	v.SetDefault("triggers.gmailToken", "")
	v.SetDefault("triggers.gmailTopic", "")

	v.SetDefault("tools.callTimeout", 30)
	v.SetDefault("tools.mcpServers", []string{})

	v.SetDefault("streaming.tokenStream", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("presets.path", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix JARVISD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/jarvisd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("JARVISD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Aliases for the conventional deployment env vars. AutomaticEnv does
	// not handle camelCase config keys, so these are bound explicitly.
	_ = v.BindEnv("model.providerKey", "MODEL_PROVIDER_KEY", "JARVISD_MODEL_PROVIDER_KEY")
	_ = v.BindEnv("auth.jwtSecret", "JWT_SECRET", "JARVISD_AUTH_JWT_SECRET")
	_ = v.BindEnv("auth.deviceSecret", "DEVICE_SECRET", "JARVISD_AUTH_DEVICE_SECRET")
	_ = v.BindEnv("database.url", "DATABASE_URL", "JARVISD_DATABASE_URL")
	_ = v.BindEnv("scheduler.timezone", "SCHEDULER_TIMEZONE", "JARVISD_SCHEDULER_TIMEZONE")
	_ = v.BindEnv("streaming.tokenStream", "TOKEN_STREAM", "JARVISD_STREAMING_TOKEN_STREAM")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/jarvisd/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Device auth is optional; when a device secret is configured the JWT
	// secret must be strong enough to sign sessions.
	if cfg.Auth.DeviceSecret != "" && len(cfg.Auth.JWTSecret) < 32 {
		errs = append(errs, "auth.jwtSecret must be at least 32 bytes when device auth is enabled")
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	if cfg.Triggers.WebhookMaxBody <= 0 {
		errs = append(errs, "triggers.webhookMaxBody must be positive")
	}

	if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("scheduler.timezone %q is not a valid location", cfg.Scheduler.Timezone))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// Location returns the scheduler timezone, falling back to UTC.
func (s *SchedulerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
