package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent's YAML configuration. Environment variables fill the
// secrets and deployment-specific pieces on top of it.
type Config struct {
	Session struct {
		ID            string `yaml:"id"`
		ParticipantID string `yaml:"participant_id"`
		Token         string `yaml:"token"`
	} `yaml:"session"`

	Server struct {
		BaseURL      string        `yaml:"base_url"`
		WebsocketURL string        `yaml:"websocket_url"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"server"`

	Transport struct {
		Kind    string `yaml:"kind"` // "websocket" or "jetstream"
		NATSURL string `yaml:"nats_url"`
	} `yaml:"transport"`

	Sync struct {
		ResyncThreshold time.Duration `yaml:"resync_threshold"`
		DebounceDelay   time.Duration `yaml:"debounce_delay"`
		DedupCapacity   int           `yaml:"dedup_capacity"`
	} `yaml:"sync"`

	Inspect struct {
		Enabled bool   `yaml:"enabled"`
		Port    string `yaml:"port"`
	} `yaml:"inspect"`

	Recorder struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"recorder"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(&config)
	return &config, nil
}

// defaultConfig covers the no-config-file case, running against a local
// server.
func defaultConfig() *Config {
	config := &Config{}
	config.Server.BaseURL = "http://localhost:8080"
	config.Server.WebsocketURL = "ws://localhost:8080/ws/session"
	config.Transport.Kind = "websocket"
	config.Inspect.Port = "8090"
	applyEnvOverrides(config)
	return config
}

func applyEnvOverrides(config *Config) {
	config.Session.ID = getEnv("SESSION_ID", config.Session.ID)
	config.Session.ParticipantID = getEnv("PARTICIPANT_ID", config.Session.ParticipantID)
	config.Session.Token = getEnv("SESSION_TOKEN", config.Session.Token)
	config.Server.BaseURL = getEnv("SERVER_BASE_URL", config.Server.BaseURL)
	config.Server.WebsocketURL = getEnv("SERVER_WS_URL", config.Server.WebsocketURL)
	config.Transport.Kind = getEnv("TRANSPORT", config.Transport.Kind)
	config.Transport.NATSURL = getEnv("NATS_URL", config.Transport.NATSURL)
	config.Inspect.Port = getEnv("INSPECT_PORT", config.Inspect.Port)
	config.Inspect.Enabled = getEnvAsBool("INSPECT_ENABLED", config.Inspect.Enabled)
	config.Recorder.Enabled = getEnvAsBool("RECORDER_ENABLED", config.Recorder.Enabled)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
