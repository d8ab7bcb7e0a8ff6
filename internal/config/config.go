package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. INFERD_SERVER_PORT.
const EnvPrefix = "INFERD"

var (
	mu      sync.Mutex
	current *viper.Viper
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/inference-backends/")
	v.AddConfigPath("$HOME/.inference-backends/")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Environment overrides only apply to keys viper knows about.
	if err := setDefaults(v, GetDefaults()); err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config, err := decode(v)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	current = v
	mu.Unlock()
	return config, nil
}

// ConfigFile returns the file the last Load read, if any.
func ConfigFile() string {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return ""
	}
	return current.ConfigFileUsed()
}

func decode(v *viper.Viper) (*Config, error) {
	config := GetDefaults()
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(config, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// setDefaults registers every leaf of defaults under its dotted key.
func setDefaults(v *viper.Viper, defaults *Config) error {
	var tree map[string]any
	if err := mapstructure.Decode(defaults, &tree); err != nil {
		return fmt.Errorf("failed to flatten defaults: %w", err)
	}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, val := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := val.(map[string]any); ok {
				walk(key, sub)
				continue
			}
			v.SetDefault(key, val)
		}
	}
	walk("", tree)
	return nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Server.InferenceTimeout < 0 {
		return fmt.Errorf("invalid inference timeout: %s", config.Server.InferenceTimeout)
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if err := config.Model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}

	if config.RateLimit.Enabled && (config.RateLimit.RequestsPerSecond <= 0 || config.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit needs positive requests_per_second and burst")
	}

	if config.Indexer.BatchSize <= 0 {
		return fmt.Errorf("indexer batch_size must be positive")
	}

	if config.Indexer.Workers <= 0 {
		return fmt.Errorf("indexer workers must be positive")
	}

	if config.Database.Dimensions <= 0 {
		return fmt.Errorf("database dimensions must be positive")
	}

	return nil
}

// Watch starts watching the configuration file of the last Load for
// changes. callback receives every valid new configuration; onError, if
// non-nil, receives read and validation failures.
func Watch(callback func(*Config), onError func(error)) error {
	mu.Lock()
	v := current
	mu.Unlock()
	if v == nil {
		return fmt.Errorf("config not loaded")
	}
	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("no config file to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		config, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		callback(config)
	})
	v.WatchConfig()
	return nil
}
