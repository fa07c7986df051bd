package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration, loaded from an optional yaml file
// with environment overrides on top.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Room   RoomConfig   `yaml:"room"`
	Relay  RelayConfig  `yaml:"relay"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type RoomConfig struct {
	// SchedulingLeadMs is the buffer added to now when broadcasting a
	// playback deadline. Tune against target network conditions.
	SchedulingLeadMs int `yaml:"scheduling_lead_ms"`
}

type RelayConfig struct {
	// NATSURL enables cross-node event fanout when non-empty.
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Room:   RoomConfig{SchedulingLeadMs: 500},
		Relay:  RelayConfig{SubjectPrefix: "room.events"},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads the yaml file at path when it exists, then applies
// environment overrides. An empty path skips the file entirely.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.Server.Addr = getEnv("ATTUNE_ADDR", cfg.Server.Addr)
	cfg.Room.SchedulingLeadMs = getEnvAsInt("ATTUNE_SCHEDULING_LEAD_MS", cfg.Room.SchedulingLeadMs)
	cfg.Relay.NATSURL = getEnv("NATS_URL", cfg.Relay.NATSURL)
	cfg.Relay.SubjectPrefix = getEnv("ATTUNE_RELAY_SUBJECT_PREFIX", cfg.Relay.SubjectPrefix)
	cfg.Log.Level = getEnv("ATTUNE_LOG_LEVEL", cfg.Log.Level)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
