package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all weft server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	StrictContext bool   `json:"strict_context"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(weftDir(), "weft.db"),
		LogLevel: "info",
	}
}

func weftDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".weft"
	}
	return filepath.Join(home, ".weft")
}

func settingsPath() string {
	return filepath.Join(weftDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("WEFT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("WEFT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WEFT_STRICT_CONTEXT"); v != "" {
		cfg.StrictContext = v == "true" || v == "1"
	}

	return cfg
}
