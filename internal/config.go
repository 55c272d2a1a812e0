package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/mpr/internal/supervisor"
	"github.com/starford/mpr/internal/syncer"
	"github.com/starford/mpr/internal/watcher"
)

// Auth modes for the status server.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// ConfigFileName is the per-directory and per-user config file name.
const ConfigFileName = "mpr-xrun.yaml"

// Config represents the application configuration.
type Config struct {
	App    ApplicationConfig `yaml:"app"`
	Tools  ToolsConfig       `yaml:"tools"`
	Xrun   XrunConfig        `yaml:"xrun"`
	Status StatusConfig      `yaml:"status"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := c.Xrun.Validate(); err != nil {
		return fmt.Errorf("xrun: %w", err)
	}
	if err := c.Status.Validate(); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	return nil
}

// ApplicationConfig holds logging configuration.
type ApplicationConfig struct {
	LogLevel slog.Level    `yaml:"log_level"`
	LogFile  LogFileConfig `yaml:"log_file"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.LogFile.Validate()
}

// LogFileConfig enables JSON logging to a rotated file when Path is set.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Validate validates the log file configuration.
func (c *LogFileConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxSizeMB, validation.Min(0)),
		validation.Field(&c.MaxBackups, validation.Min(0)),
		validation.Field(&c.MaxAgeDays, validation.Min(0)),
	)
}

// ToolsConfig locates the external tools. Empty paths are looked up next to
// the executable, then on $PATH.
type ToolsConfig struct {
	Mpremote     string   `yaml:"mpremote"`
	MpyCross     string   `yaml:"mpy_cross"`
	MpyCrossArgs []string `yaml:"mpy_cross_args"`
	Device       string   `yaml:"device"`
}

// XrunConfig holds the defaults of the xrun command.
type XrunConfig struct {
	Root     string   `yaml:"root"`
	Depth    int      `yaml:"depth"`
	Exclude  []string `yaml:"exclude"`
	Map      []string `yaml:"map"`
	CacheDir string   `yaml:"cache_dir"`

	Debounce     time.Duration `yaml:"debounce"`
	Polling      bool          `yaml:"polling"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Grace        time.Duration `yaml:"grace"`
	Settle       time.Duration `yaml:"settle"`
}

// Validate validates the xrun configuration.
func (c *XrunConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
		validation.Field(&c.Depth, validation.Min(0)),
		validation.Field(&c.Map, validation.By(func(any) error {
			_, err := syncer.ParseMapping(c.Map)
			return err
		})),
		validation.Field(&c.Debounce, validation.Required),
		validation.Field(&c.PollInterval, validation.Required),
		validation.Field(&c.Grace, validation.Required),
		validation.Field(&c.Settle, validation.Min(time.Duration(0))),
	)
}

// StatusConfig holds the optional status server configuration. An empty
// Addr disables the server.
type StatusConfig struct {
	Addr string     `yaml:"addr"`
	Auth AuthConfig `yaml:"auth"`
}

// Enabled reports whether the status server should run.
func (c *StatusConfig) Enabled() bool { return c.Addr != "" }

// Validate validates the status configuration.
func (c *StatusConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Addr, validation.By(func(any) error {
			if c.Addr == "" {
				return nil
			}
			if _, _, err := net.SplitHostPort(c.Addr); err != nil {
				return errors.New("must be host:port")
			}
			return nil
		})),
	); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// AuthConfig holds status server authentication.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): any local client may read status and request rebuilds.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
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

// BearerToken returns the token to enforce, or "" when auth is disabled.
func (c *AuthConfig) BearerToken() string {
	if c.Mode != AuthModeToken {
		return ""
	}
	return c.Token
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			LogFile: LogFileConfig{
				MaxSizeMB:  10,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
		Xrun: XrunConfig{
			Root:         ".",
			Debounce:     watcher.DefaultDebounce,
			PollInterval: watcher.DefaultPollInterval,
			Grace:        supervisor.DefaultGrace,
			Settle:       supervisor.DefaultSettle,
		},
		Status: StatusConfig{
			Auth: AuthConfig{Mode: AuthModeDisabled},
		},
	}
}
