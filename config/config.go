package config

import (
	"time"
)

// Config is the complete svcregistry configuration.
type Config struct {
	Registry     RegistryConfig     `yaml:"registry" toml:"registry" json:"registry"`
	Tracker      TrackerConfig      `yaml:"tracker" toml:"tracker" json:"tracker"`
	HTTP         HTTPConfig         `yaml:"http" toml:"http" json:"http"`
	Declarations DeclarationsConfig `yaml:"declarations" toml:"declarations" json:"declarations"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging" json:"logging"`
}

// RegistryConfig configures the in-memory registry and the lookup front end.
type RegistryConfig struct {
	// EnableUsageTracking counts outstanding borrows per registration.
	EnableUsageTracking bool `yaml:"enable_usage_tracking" toml:"enable_usage_tracking" json:"enable_usage_tracking" env:"REGISTRY_USAGE_TRACKING"`

	// MaxRegistrations caps the number of live registrations, 0 meaning unlimited.
	MaxRegistrations int `yaml:"max_registrations" toml:"max_registrations" json:"max_registrations" env:"REGISTRY_MAX_REGISTRATIONS" validate:"gte=0"`

	// Owner is recorded on registrations made through the service context.
	Owner string `yaml:"owner" toml:"owner" json:"owner" env:"REGISTRY_OWNER"`

	// FilterCacheTTL bounds how long compiled filters are kept. Zero disables the cache.
	FilterCacheTTL time.Duration `yaml:"filter_cache_ttl" toml:"filter_cache_ttl" json:"filter_cache_ttl" env:"REGISTRY_FILTER_CACHE_TTL" validate:"gte=0"`
}

// TrackerConfig configures tracker event delivery.
type TrackerConfig struct {
	// Workers is the number of delivery goroutines per tracker. Events for one
	// registration are always delivered in order.
	Workers int `yaml:"workers" toml:"workers" json:"workers" env:"TRACKER_WORKERS" validate:"gte=1,lte=256"`
}

// HTTPConfig configures the introspection API.
type HTTPConfig struct {
	Address         string        `yaml:"address" toml:"address" json:"address" env:"HTTP_ADDRESS" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout" json:"read_timeout" env:"HTTP_READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout" json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" json:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" validate:"gt=0"`
	MetricsPath     string        `yaml:"metrics_path" toml:"metrics_path" json:"metrics_path" env:"HTTP_METRICS_PATH" validate:"required,startswith=/"`
	MetricsPrefix   string        `yaml:"metrics_namespace" toml:"metrics_namespace" json:"metrics_namespace" env:"HTTP_METRICS_NAMESPACE"`
}

// DeclarationsConfig configures the file-declared registrations.
type DeclarationsConfig struct {
	// Path of the declarations file. Empty disables the feature.
	Path string `yaml:"path" toml:"path" json:"path" env:"DECLARATIONS_PATH"`

	// Watch re-syncs when the file changes on disk.
	Watch bool `yaml:"watch" toml:"watch" json:"watch" env:"DECLARATIONS_WATCH"`

	// Debounce coalesces bursts of file events.
	Debounce time.Duration `yaml:"debounce" toml:"debounce" json:"debounce" env:"DECLARATIONS_DEBOUNCE" validate:"gte=0"`

	// Resync is a cron schedule for periodic re-syncs, empty meaning never.
	Resync string `yaml:"resync" toml:"resync" json:"resync" env:"DECLARATIONS_RESYNC" validate:"omitempty,cronspec"`

	// Owner is recorded on every declared registration.
	Owner string `yaml:"owner" toml:"owner" json:"owner" env:"DECLARATIONS_OWNER" validate:"required"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level" env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" json:"format" env:"LOG_FORMAT" validate:"oneof=text json"`
}

// Default returns the configuration used when no file or override says otherwise.
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			EnableUsageTracking: true,
			FilterCacheTTL:      5 * time.Minute,
		},
		Tracker: TrackerConfig{
			Workers: 4,
		},
		HTTP: HTTPConfig{
			Address:         ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			MetricsPath:     "/metrics",
			MetricsPrefix:   "svcregistry",
		},
		Declarations: DeclarationsConfig{
			Watch:    true,
			Debounce: 250 * time.Millisecond,
			Owner:    "declarations",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
