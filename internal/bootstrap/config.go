package bootstrap

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"funding_arb/internal/config"

	"github.com/joho/godotenv"
)

// LoadConfig reads envFile (when present) into the environment, then
// loads and validates the YAML config. An empty path yields the paper
// trading defaults.
func LoadConfig(path, envFile string) (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg = config.DefaultConfig()
	} else if cfg, err = config.LoadConfig(path); err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}
	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *config.Config) error {
	if cfg.App.StatePath != "" {
		dir := filepath.Dir(cfg.App.StatePath)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("state_path directory %s: %w", dir, err)
		}
	}

	for name, secret := range map[string]config.Secret{
		"alerts.webhook_url":       cfg.Alerts.WebhookURL,
		"alerts.slack_webhook_url": cfg.Alerts.SlackWebhookURL,
	} {
		if !secret.IsSet() {
			continue
		}
		u, err := url.Parse(secret.Reveal())
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s is not an http(s) URL (%s)", name, secret.Hint())
		}
	}
	return nil
}
