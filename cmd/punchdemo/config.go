// Package main implements punchdemo, a small harness that exercises the full
// session lifecycle of the punch library against the real vendor signaling
// service: create a session, start it against a chosen console, and punch
// the control and data channels.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	// DefaultConfigPath is the default location for the demo harness
	// configuration file.
	DefaultConfigPath = "./punchdemo.yaml"
)

// Config holds all configuration for the demo harness.
type Config struct {
	// BaseURL is the base URL of the vendor signaling REST service. Empty
	// uses the library's built-in default.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// Token is the bearer OAuth2 token supplied to the session.
	Token string `mapstructure:"token" yaml:"token"`

	// ConsoleUID is the 64-hex-character device unique id of the console to
	// join.
	ConsoleUID string `mapstructure:"console_uid" yaml:"console_uid"`

	// Family is the console platform family, "PS4" or "PS5".
	Family string `mapstructure:"family" yaml:"family"`

	// StunServers is a list of STUN servers used as the address-discovery
	// fallback when UPnP is unavailable. Each entry is "host:port".
	StunServers []string `mapstructure:"stun_servers" yaml:"stun_servers"`

	// LogLevel controls the logging verbosity (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// LoadConfig reads configuration from the given file path, falling back to
// DefaultConfigPath if configPath is empty. Environment variables override
// file values.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("family", "PS5")
	v.SetDefault("stun_servers", []string{"stun.l.google.com:19302"})

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}

	v.SetEnvPrefix("PUNCHDEMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"base_url":     "PUNCHDEMO_BASE_URL",
		"token":        "PUNCHDEMO_TOKEN",
		"console_uid":  "PUNCHDEMO_CONSOLE_UID",
		"family":       "PUNCHDEMO_FAMILY",
		"stun_servers": "PUNCHDEMO_STUN_SERVERS",
		"log_level":    "PUNCHDEMO_LOG_LEVEL",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			// Config file not found; rely on env vars and defaults.
		} else {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are present and
// well-formed.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.ConsoleUID == "" {
		return fmt.Errorf("console_uid is required")
	}
	if len(c.ConsoleUID) != 64 {
		return fmt.Errorf("console_uid must be 64 hex characters, got %d", len(c.ConsoleUID))
	}
	if c.Family != "PS4" && c.Family != "PS5" {
		return fmt.Errorf("family must be PS4 or PS5, got %q", c.Family)
	}
	return nil
}
