package luabridge

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds VM construction configuration.
type Config struct {
	// SourcePath is the search template for source modules. Each `;`-separated
	// candidate contains a `?` placeholder substituted with the module name.
	SourcePath string `envconfig:"LUA_PATH" default:"./?.lua"`

	// NativePath is the search template for native/dynamic modules.
	NativePath string `envconfig:"LUA_CPATH" default:"./?.so"`

	// SafeMode disallows loading native/dynamic modules through require.
	SafeMode bool `envconfig:"LUA_SAFE_MODE" default:"true"`

	// InterruptMinInterval paces interrupt hook invocations. Zero invokes the
	// hook at every checkpoint.
	InterruptMinInterval time.Duration `envconfig:"LUA_INTERRUPT_MIN_INTERVAL" default:"0s"`

	// Logging configuration. Logging is disabled by default; a library should
	// be quiet unless asked.
	LogEnabled     bool   `envconfig:"LUA_LOG_ENABLED" default:"false"`
	LogLevel       string `envconfig:"LUA_LOG_LEVEL" default:"info"`
	LogDevelopment bool   `envconfig:"LUA_LOG_DEV" default:"false"`

	// MetricsEnabled turns on Prometheus instrumentation.
	MetricsEnabled bool `envconfig:"LUA_METRICS_ENABLED" default:"false"`
}

// DefaultConfig returns the default VM configuration.
func DefaultConfig() Config {
	return Config{
		SourcePath:     "./?.lua",
		NativePath:     "./?.so",
		SafeMode:       true,
		LogLevel:       "info",
		MetricsEnabled: false,
	}
}

// ConfigFromEnv loads configuration from environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// ConfigFromEnvOrDefault loads configuration from the environment, falling
// back to defaults on error.
func ConfigFromEnvOrDefault() Config {
	cfg, err := ConfigFromEnv()
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}
