// This file defines the configuration structure for the application.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration settings for the application.
// It maps directly to the structure of config.yml.
type Config struct {
	Port         int `mapstructure:"port"`
	SyncInterval int `mapstructure:"sync_interval"`
	Backend      struct {
		BaseURL        string `mapstructure:"base_url"`
		Token          string `mapstructure:"token"`
		UserID         string `mapstructure:"user_id"`
		TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	} `mapstructure:"backend"`
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Inbox struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"inbox"`
	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`
}

// BackendTimeout bounds every backend request except event streams.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// SyncEvery is the period of the scheduled sync jobs; zero disables them.
func (c *Config) SyncEvery() time.Duration {
	if c.SyncInterval <= 0 {
		return 0
	}
	return time.Duration(c.SyncInterval) * time.Minute
}

// Load reads configuration from a file named "config.yml" in the
// current directory and unmarshals it into a Config struct.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom reads the given config file, or searches the current directory
// for config.yml when path is empty. A missing file means defaults.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // name of config file (without extension)
		v.SetConfigType("yml")
		v.AddConfigPath(".")
	}

	// POLICYPULSE_BACKEND_BASE_URL overrides `backend.base_url`.
	v.SetEnvPrefix("POLICYPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 8090)
	v.SetDefault("sync_interval", 5)
	v.SetDefault("backend.base_url", "http://localhost:8000/routes")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.user_id", "")
	v.SetDefault("backend.timeout_seconds", 30)
	v.SetDefault("database.path", "./policypulse.db")
	v.SetDefault("inbox.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	config.Backend.BaseURL = strings.TrimRight(config.Backend.BaseURL, "/")
	return &config, nil
}
