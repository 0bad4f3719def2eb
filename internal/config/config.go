package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds all service configuration. Defaults are overridden first by
// an optional YAML file (CFG_PATH), then by environment variables.
type Config struct {
	Port                int    `yaml:"port"`
	Store               string `yaml:"store"` // "postgres" or "memory"
	DatabaseURL         string `yaml:"databaseURL"`
	SweepIntervalSec    int    `yaml:"sweepInterval"`
	LogLevel            string `yaml:"loglevel"`
	DBConnectTimeoutSec int    `yaml:"dbConnectTimeout"`
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func (c *Config) DBConnectTimeout() time.Duration {
	return time.Duration(c.DBConnectTimeoutSec) * time.Second
}

func getEnvAsInt(name string, defaultVal int) int {
	if value, exists := os.LookupEnv(name); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultVal
}

func getEnv(name, defaultVal string) string {
	if value, exists := os.LookupEnv(name); exists {
		return value
	}
	return defaultVal
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:                8080,
		Store:               "postgres",
		SweepIntervalSec:    60,
		LogLevel:            "info",
		DBConnectTimeoutSec: 5,
	}

	if path := os.Getenv("CFG_PATH"); path != "" {
		buff, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(buff, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Port = getEnvAsInt("PORT", cfg.Port)
	cfg.Store = getEnv("STORE", cfg.Store)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.SweepIntervalSec = getEnvAsInt("SWEEP_INTERVAL", cfg.SweepIntervalSec)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.DBConnectTimeoutSec = getEnvAsInt("DB_CONNECTION_TIMEOUT", cfg.DBConnectTimeoutSec)

	// Basic validation
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d", cfg.Port)
	}
	switch cfg.Store {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres store")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("invalid STORE: %q", cfg.Store)
	}
	if cfg.SweepIntervalSec <= 0 {
		return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %d", cfg.SweepIntervalSec)
	}

	return cfg, nil
}
