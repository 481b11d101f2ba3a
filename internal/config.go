package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/starford/heirloom/internal/models"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Duration wraps time.Duration so YAML configs can use "15m" / "1h" forms.
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Data    DataConfig        `yaml:"data"`
	Keys    KeysConfig        `yaml:"keys"`
	Session SessionConfig     `yaml:"session"`
	Sync    SyncConfig        `yaml:"sync"`
	Auth    AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Data.Validate(); err != nil {
		return err
	}
	if err := c.Keys.Validate(); err != nil {
		return err
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if err := c.Sync.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// DataConfig holds the record database location.
type DataConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// Validate validates the data configuration.
func (c *DataConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.SQLitePath, validation.Required),
	)
}

// KeysConfig holds key-storage configuration.
type KeysConfig struct {
	// Dir is the secure-store directory holding persisted key material.
	Dir string `yaml:"dir"`
	// UserID identifies whose key pair the daemon manages.
	UserID string `yaml:"user_id"`
	// AutoUnlock loads the user's key pair at startup. Disable to start
	// locked and require an explicit unlock through the API.
	AutoUnlock bool `yaml:"auto_unlock"`
}

// Validate validates the keys configuration.
func (c *KeysConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
		validation.Field(&c.UserID, validation.Required),
	)
}

// SessionConfig holds auto-lock configuration.
type SessionConfig struct {
	InactivityThreshold Duration `yaml:"inactivity_threshold"`
	CheckInterval       Duration `yaml:"check_interval"`
}

// Validate validates the session configuration.
func (c *SessionConfig) Validate() error {
	if c.InactivityThreshold < 0 || c.CheckInterval < 0 {
		return fmt.Errorf("session: durations must not be negative")
	}
	return nil
}

// SyncConfig holds sync scheduling configuration.
type SyncConfig struct {
	Mode     models.SyncMode `yaml:"mode"`
	Interval Duration        `yaml:"interval"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	// Normalise empty mode to local-only for fresh installs.
	if c.Mode == "" {
		c.Mode = models.SyncModeLocalOnly
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("sync: invalid mode %q", c.Mode)
	}
	if c.Interval < 0 {
		return fmt.Errorf("sync: interval must not be negative")
	}
	return nil
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Data: DataConfig{
			SQLitePath: "./heirloom.db",
		},
		Keys: KeysConfig{
			Dir:        "./keys",
			UserID:     "primary",
			AutoUnlock: true,
		},
		Session: SessionConfig{
			InactivityThreshold: Duration(15 * time.Minute),
			CheckInterval:       Duration(time.Minute),
		},
		Sync: SyncConfig{
			Mode:     models.SyncModeLocalOnly,
			Interval: Duration(10 * time.Minute),
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
