package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PresenceConfig holds runtime configuration for the presence service.
type PresenceConfig struct {
	Environment     string
	Addr            string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisKeyPrefix  string
	SessionTTL      time.Duration
	EventWindow     time.Duration
	TrimProbability float64
}

// LoadPresenceConfig constructs a PresenceConfig from environment variables,
// then overlays the optional YAML file named by PRESENCE_CONFIG_FILE.
func LoadPresenceConfig() (PresenceConfig, error) {
	cfg := PresenceConfig{
		Environment:     GetString("APP_ENV", "development"),
		Addr:            GetString("PRESENCE_ADDR", ":4600"),
		RedisAddr:       GetString("PRESENCE_REDIS_ADDR", ""),
		RedisPassword:   GetString("PRESENCE_REDIS_PASSWORD", ""),
		RedisDB:         GetInt("PRESENCE_REDIS_DB", 0),
		RedisKeyPrefix:  GetString("PRESENCE_REDIS_KEY_PREFIX", "presence:"),
		SessionTTL:      time.Duration(GetInt("PRESENCE_SESSION_TTL_SECONDS", 300)) * time.Second,
		EventWindow:     time.Duration(GetInt("PRESENCE_EVENT_WINDOW_SECONDS", 60)) * time.Second,
		TrimProbability: GetFloat("PRESENCE_TRIM_PROBABILITY", 0.05),
	}
	if path := GetString("PRESENCE_CONFIG_FILE", ""); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return PresenceConfig{}, err
		}
	}
	return cfg, nil
}

// presenceFileConfig mirrors PresenceConfig for the YAML overlay; unset
// fields keep their environment-derived values.
type presenceFileConfig struct {
	Environment     string         `yaml:"environment"`
	Addr            string         `yaml:"addr"`
	RedisAddr       string         `yaml:"redis_addr"`
	RedisPassword   string         `yaml:"redis_password"`
	RedisDB         *int           `yaml:"redis_db"`
	RedisKeyPrefix  string         `yaml:"redis_key_prefix"`
	SessionTTL      *time.Duration `yaml:"session_ttl"`
	EventWindow     *time.Duration `yaml:"event_window"`
	TrimProbability *float64       `yaml:"trim_probability"`
}

func (c *PresenceConfig) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file presenceFileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if file.Environment != "" {
		c.Environment = file.Environment
	}
	if file.Addr != "" {
		c.Addr = file.Addr
	}
	if file.RedisAddr != "" {
		c.RedisAddr = file.RedisAddr
	}
	if file.RedisPassword != "" {
		c.RedisPassword = file.RedisPassword
	}
	if file.RedisDB != nil {
		c.RedisDB = *file.RedisDB
	}
	if file.RedisKeyPrefix != "" {
		c.RedisKeyPrefix = file.RedisKeyPrefix
	}
	if file.SessionTTL != nil {
		c.SessionTTL = *file.SessionTTL
	}
	if file.EventWindow != nil {
		c.EventWindow = *file.EventWindow
	}
	if file.TrimProbability != nil {
		c.TrimProbability = *file.TrimProbability
	}
	return nil
}
