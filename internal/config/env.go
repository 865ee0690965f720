package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// secretEnv lists values that may be kept out of the config file.
type secretEnv struct {
	PlatformPassword string `env:"THREADBOT_PLATFORM_PASSWORD"`
	ReasoningAPIKey  string `env:"THREADBOT_REASONING_API_KEY"`
	TelegramToken    string `env:"THREADBOT_TELEGRAM_TOKEN"`
	OTLPEndpoint     string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// ApplyEnv overrides secrets in cfg with non-empty environment values.
func ApplyEnv(cfg *Config) error {
	var s secretEnv
	if err := env.Parse(&s); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Platform.Password, s.PlatformPassword)
	set(&cfg.Reasoning.APIKey, s.ReasoningAPIKey)
	set(&cfg.Alerts.Token, s.TelegramToken)
	set(&cfg.Telemetry.OTLPEndpoint, s.OTLPEndpoint)
	return nil
}
