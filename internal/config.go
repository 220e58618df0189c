package internal

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Device   DeviceConfig      `yaml:"device"`
	Backend  BackendConfig     `yaml:"backend"`
	Channel  ChannelConfig     `yaml:"channel"`
	Cache    CacheConfig       `yaml:"cache"`
	Download DownloadConfig    `yaml:"download"`
	Sync     SyncConfig        `yaml:"sync"`
	Auth     AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Device.Validate(); err != nil {
		return err
	}
	if err := c.Backend.Validate(); err != nil {
		return err
	}
	if err := c.Channel.Validate(); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Download.Validate(); err != nil {
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

// DeviceConfig holds the device data directory. The registration record and
// the persisted playlist live inside it.
type DeviceConfig struct {
	DataDir string `yaml:"data_dir"`
}

// RegistrationPath is the location of the device identity record.
func (c *DeviceConfig) RegistrationPath() string {
	return filepath.Join(c.DataDir, "registration.json")
}

// PlaylistPath is the location of the persisted playlist.
func (c *DeviceConfig) PlaylistPath() string {
	return filepath.Join(c.DataDir, "playlist.json")
}

// Validate validates the device configuration.
func (c *DeviceConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DataDir, validation.Required),
	)
}

// BackendConfig holds the playlist backend endpoint.
type BackendConfig struct {
	PlaylistURL         string `yaml:"playlist_url"`
	FetchTimeoutSeconds int    `yaml:"fetch_timeout_seconds"`
}

// FetchTimeout returns the playlist fetch timeout.
func (c *BackendConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// Validate validates the backend configuration.
func (c *BackendConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.PlaylistURL, validation.Required, is.URL),
		validation.Field(&c.FetchTimeoutSeconds, validation.Required, validation.Min(1)),
	)
}

// ChannelConfig holds the push channel connection settings. An empty URL
// disables the channel: the daemon polls on the sync interval only.
type ChannelConfig struct {
	URL             string `yaml:"url"`
	MaxAttempts     int    `yaml:"max_attempts"`
	ScheduleSeconds []int  `yaml:"schedule_seconds"`
}

// Enabled reports whether the push channel should run.
func (c *ChannelConfig) Enabled() bool {
	return c.URL != ""
}

// Schedule converts the reconnect intervals to durations.
func (c *ChannelConfig) Schedule() []time.Duration {
	out := make([]time.Duration, len(c.ScheduleSeconds))
	for i, s := range c.ScheduleSeconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// Validate validates the channel configuration.
func (c *ChannelConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.ScheduleSeconds, validation.Required),
	)
}

// CacheConfig holds the media cache configuration.
type CacheConfig struct {
	Dir        string  `yaml:"dir"`
	MaxBytes   int64   `yaml:"max_bytes"`
	Threshold  float64 `yaml:"threshold"`
	LedgerPath string  `yaml:"ledger_path"`
}

// Validate validates the cache configuration.
func (c *CacheConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
		validation.Field(&c.MaxBytes, validation.Required, validation.Min(1)),
		validation.Field(&c.Threshold, validation.Required, validation.Min(0.1), validation.Max(1.0)),
	)
}

// DownloadConfig holds the download manager configuration.
type DownloadConfig struct {
	Concurrency        int     `yaml:"concurrency"`
	MaxRetries         int     `yaml:"max_retries"`
	BackoffBaseSeconds int     `yaml:"backoff_base_seconds"`
	TimeoutSeconds     int     `yaml:"timeout_seconds"`
	ChunkSize          int     `yaml:"chunk_size"`
	RatePerSec         float64 `yaml:"rate_per_sec"`
}

// BackoffBase returns the base retry backoff.
func (c *DownloadConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// Timeout returns the per-download timeout.
func (c *DownloadConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate validates the download configuration.
func (c *DownloadConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Concurrency, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxRetries, validation.Required, validation.Min(1)),
		validation.Field(&c.BackoffBaseSeconds, validation.Required, validation.Min(1)),
		validation.Field(&c.TimeoutSeconds, validation.Required, validation.Min(1)),
		validation.Field(&c.ChunkSize, validation.Required, validation.Min(1)),
	)
}

// SyncConfig holds the sync loop configuration.
type SyncConfig struct {
	IntervalSeconds             int `yaml:"interval_seconds"`
	DefaultImageDurationSeconds int `yaml:"default_image_duration_seconds"`
}

// Interval returns the timer polling interval.
func (c *SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.IntervalSeconds, validation.Required, validation.Min(5)),
		validation.Field(&c.DefaultImageDurationSeconds, validation.Required, validation.Min(1)),
	)
}

// AuthConfig holds local API authentication configuration.
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
		Device: DeviceConfig{
			DataDir: "./data",
		},
		Backend: BackendConfig{
			PlaylistURL:         "http://localhost:9000/api/devices/playlist",
			FetchTimeoutSeconds: 30,
		},
		Channel: ChannelConfig{
			URL:             "",
			MaxAttempts:     10,
			ScheduleSeconds: []int{0, 2, 5, 10, 30, 60},
		},
		Cache: CacheConfig{
			Dir:        "./data/media",
			MaxBytes:   50 << 30,
			Threshold:  0.9,
			LedgerPath: "./data/cache.db",
		},
		Download: DownloadConfig{
			Concurrency:        3,
			MaxRetries:         3,
			BackoffBaseSeconds: 2,
			TimeoutSeconds:     300,
			ChunkSize:          1 << 20,
		},
		Sync: SyncConfig{
			IntervalSeconds:             300,
			DefaultImageDurationSeconds: 10,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
