package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

const defaultAPIBaseURL = "http://localhost:4000"

type cliConfig struct {
	APIBaseURL   string    `json:"api_base_url"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// expired reports whether the access token is past its expiry, with a
// small margin so requests do not race the deadline.
func (c cliConfig) expired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(30 * time.Second).After(c.ExpiresAt)
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: apiBaseFromEnv()}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = apiBaseFromEnv()
	}
	return cfg, nil
}

func apiBaseFromEnv() string {
	if v := os.Getenv("PBCTL_API"); v != "" {
		return v
	}
	return defaultAPIBaseURL
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	if v := os.Getenv("PBCTL_CONFIG"); v != "" {
		return v, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "prebuildd", "config.json"), nil
}
