package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the endpoints and credentials for one client process.
type Config struct {
	Server struct {
		BaseURL    string `yaml:"base_url"`    // REST base, e.g. http://localhost:8080
		ChannelURL string `yaml:"channel_url"` // websocket endpoint, e.g. ws://localhost:8080/ws
		StreamURL  string `yaml:"stream_url"`  // push stream endpoint, e.g. http://localhost:8080/api/v1/subscribe
	} `yaml:"server"`
	Auth struct {
		Token string `yaml:"token"`
	} `yaml:"auth"`
}

// Load reads a YAML config file and applies environment overrides.
// AUCTIONPULSE_BASE_URL, AUCTIONPULSE_CHANNEL_URL, AUCTIONPULSE_STREAM_URL
// and AUCTIONPULSE_TOKEN win over file values.
func Load(path string) (*Config, error) {
	var config Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.Server.BaseURL = getEnv("AUCTIONPULSE_BASE_URL", config.Server.BaseURL)
	config.Server.ChannelURL = getEnv("AUCTIONPULSE_CHANNEL_URL", config.Server.ChannelURL)
	config.Server.StreamURL = getEnv("AUCTIONPULSE_STREAM_URL", config.Server.StreamURL)
	config.Auth.Token = getEnv("AUCTIONPULSE_TOKEN", config.Auth.Token)

	if config.Server.BaseURL == "" {
		config.Server.BaseURL = "http://localhost:8080"
	}
	if config.Server.ChannelURL == "" {
		config.Server.ChannelURL = "ws://localhost:8080/ws"
	}
	if config.Server.StreamURL == "" {
		config.Server.StreamURL = "http://localhost:8080/api/v1/subscribe"
	}

	return &config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvAsInt reads an integer environment variable with a fallback.
func GetEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
