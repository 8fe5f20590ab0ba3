package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// configName is the base name searched for, with an explicit YAML extension
// so the agentgate binary itself is never picked up.
const configName = "agentgate"

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, agentgate.yaml/.yml is searched for in the working
// directory, ~/.agentgate and /etc/agentgate.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// ReadInConfig then returns ConfigFileNotFoundError, which LoadConfig tolerates.
		viper.SetConfigName(configName)
		viper.SetConfigType("yaml")
	}

	// AGENTGATE_STORE_DSN overrides store.dsn.
	viper.SetEnvPrefix("AGENTGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".agentgate"))
	}
	paths = append(paths, "/etc/agentgate")
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first agentgate.yaml or .yml found in
// paths, or an empty string.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, configName+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys makes nested keys visible to Unmarshal when they are
// only set through the environment.
func bindNestedEnvKeys() {
	for _, key := range []string{
		"log_level",
		"log_format",
		"environment",

		"store.driver",
		"store.path",
		"store.dsn",
		"store.max_conns",
		"store.audit_path",

		"engine.combine",

		"audit.channel_size",
		"audit.batch_size",
		"audit.flush_interval",
		"audit.send_timeout",
		"audit.exporters.file.path",
		"audit.exporters.file.max_size_mb",
		"audit.exporters.file.max_backups",
		"audit.exporters.file.max_age_days",
		"audit.exporters.file.compress",
		"audit.exporters.redis.addr",
		"audit.exporters.redis.password",
		"audit.exporters.redis.db",
		"audit.exporters.redis.stream",
		"audit.exporters.redis.max_len",
		// Comma-separated in the environment.
		"audit.exporters.kafka.brokers",
		"audit.exporters.kafka.topic",

		"tracing.enabled",
		"tracing.sampler",
		"tracing.sampler_arg",

		"metrics.namespace",
	} {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults and validates the result.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Environment-only configuration.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Audit.Exporters.Kafka.Brokers = splitList(cfg.Audit.Exporters.Kafka.Brokers)

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or an
// empty string when running from the environment only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// splitList expands comma-separated entries, which is how list values
// arrive from the environment, and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
