// Package config loads the chatsync command's settings from the
// environment. A .env file in the working directory is read first when
// present; real environment variables win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is everything the command needs to open a session.
type Config struct {
	Endpoint    string
	APIEndpoint string
	UserID      string
	Token       string

	LogLevel  string
	LogFormat string

	HeartbeatInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	AuthTimeout          time.Duration
}

// Load reads the configuration. files are optional .env paths; with none
// given, ".env" is tried.
func Load(files ...string) (*Config, error) {
	_ = godotenv.Load(files...)

	cfg := &Config{
		Endpoint:             getEnv("CHATSYNC_ENDPOINT", "ws://localhost:8080/ws"),
		APIEndpoint:          getEnv("CHATSYNC_API_ENDPOINT", ""),
		UserID:               getEnv("CHATSYNC_USER_ID", ""),
		Token:                getEnv("CHATSYNC_TOKEN", ""),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "text"),
		HeartbeatInterval:    getEnvDuration("CHATSYNC_HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectDelay:       getEnvDuration("CHATSYNC_RECONNECT_DELAY", 2*time.Second),
		MaxReconnectAttempts: getEnvInt("CHATSYNC_MAX_RECONNECT_ATTEMPTS", 5),
		AuthTimeout:          getEnvDuration("CHATSYNC_AUTH_TIMEOUT", 10*time.Second),
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("CHATSYNC_TOKEN is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
