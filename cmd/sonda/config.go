package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all sonda daemon configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	TaskAPIURL      string `json:"task_api_url"`
	TaskAPIKey      string `json:"task_api_key"`
	Ceiling         int    `json:"ceiling"` // max concurrent external task calls
	DefaultPriority int    `json:"default_priority"`
	Scheduler       bool   `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		DBPath:     filepath.Join(sondaDir(), "sonda.db"),
		LogLevel:   "info",
		TaskAPIURL: "http://localhost:4200",
		Ceiling:    4,
		Scheduler:  true,
	}
}

func sondaDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sonda"
	}
	return filepath.Join(home, ".sonda")
}

func settingsPath() string {
	return filepath.Join(sondaDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("SONDA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SONDA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SONDA_TASK_API_URL"); v != "" {
		cfg.TaskAPIURL = v
	}
	if v := os.Getenv("SONDA_TASK_API_KEY"); v != "" {
		cfg.TaskAPIKey = v
	}
	if v := os.Getenv("SONDA_CEILING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Ceiling = n
		}
	}
	if v := os.Getenv("SONDA_DEFAULT_PRIORITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultPriority = n
		}
	}
	if v := os.Getenv("SONDA_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}
