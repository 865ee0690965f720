package app

import (
	"strings"
	"time"

	"threadbot/internal/coalesce"
	"threadbot/internal/config"
	"threadbot/internal/platform"
	"threadbot/internal/reasoning"
	"threadbot/internal/task/engine"
	"threadbot/internal/telemetry"
	"threadbot/internal/transport/telegram"
	logx "threadbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Alerts.Enabled,
			MinLevel:   cfg.Alerts.MinLevel,
			RatePerSec: cfg.Alerts.RatePerSec,
		},
	}
}

// buildAlerter returns nil when alerts are off. A typed nil must never reach
// logx, so the interface is built here.
func buildAlerter(cfg *config.Config) (logx.Alerter, error) {
	if !cfg.Alerts.Enabled {
		return nil, nil
	}
	a, err := telegram.New(telegram.Config{Token: cfg.Alerts.Token, ChatID: cfg.Alerts.ChatID, ThreadID: cfg.Alerts.ThreadID})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func mapCoalesceConfig(cfg *config.Config) (coalesce.Config, error) {
	c := cfg.Coalesce
	h := c.HighTraffic
	out := coalesce.Config{
		Enabled:           h.IsEnabled(),
		Threshold:         h.NotificationThreshold,
		Window:            config.Minutes(h.TimeWindowMinutes, time.Hour),
		MentionMin:        config.Minutes(h.MentionDebounceMin, 30*time.Minute),
		MentionMax:        config.Minutes(h.MentionDebounceMax, time.Hour),
		ReplyMin:          config.Minutes(h.ReplyDebounceMin, 2*time.Hour),
		ReplyMax:          config.Minutes(h.ReplyDebounceMax, 6*time.Hour),
		MaxAttempts:       c.MaxBatchAttempts,
		ThreadDepth:       c.ThreadDepth,
		DebouncedDepth:    c.DebouncedThreadDepth,
		ParentHeight:      c.ParentHeight,
		ChainParentHeight: c.ChainParentHeight,
		SelfHandle:        cfg.Platform.Handle,
		FeedLimit:         cfg.Poller.FeedLimit,
		FeedPages:         cfg.Poller.FeedPages,
		PendingLimit:      cfg.Poller.PendingLimit,
		DueLimit:          cfg.Poller.DueLimit,
	}
	var err error
	if out.SiblingWindow, err = config.ParseDurationField("coalesce.sibling_window", c.SiblingWindow); err != nil {
		return out, err
	}
	if out.SingleRetryBase, err = config.ParseDurationField("coalesce.single_retry_base", c.SingleRetryBase); err != nil {
		return out, err
	}
	if out.RequestedDebounce, err = config.ParseDurationField("coalesce.requested_debounce", c.RequestedDebounce); err != nil {
		return out, err
	}
	return out, nil
}

func pollInterval(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("poller.interval", cfg.Poller.Interval, 10*time.Second)
}

func mapPlatformConfig(cfg *config.Config) (platform.Config, error) {
	timeout, err := config.ParseDurationOrDefault("platform.timeout", cfg.Platform.Timeout, 20*time.Second)
	if err != nil {
		return platform.Config{}, err
	}
	base := strings.TrimSpace(cfg.Platform.BaseURL)
	if base == "" {
		base = "https://bsky.social"
	}
	return platform.Config{
		BaseURL:    base,
		Identifier: strings.TrimPrefix(strings.TrimSpace(cfg.Platform.Handle), "@"),
		Password:   cfg.Platform.Password,
		RatePerSec: cfg.Platform.RatePerSec,
		Timeout:    timeout,
	}, nil
}

func mapReasoningConfig(cfg *config.Config) (reasoning.WebhookConfig, error) {
	timeout, err := config.ParseDurationOrDefault("reasoning.timeout", cfg.Reasoning.Timeout, 5*time.Minute)
	if err != nil {
		return reasoning.WebhookConfig{}, err
	}
	return reasoning.WebhookConfig{
		Endpoint: strings.TrimSpace(cfg.Reasoning.Endpoint),
		APIKey:   cfg.Reasoning.APIKey,
		Timeout:  timeout,
	}, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	out := engine.Config{
		Enabled:             te.IsEnabled(),
		Workers:             te.Workers,
		QueueSize:           te.QueueSize,
		HistorySize:         te.HistorySize,
		CircuitTripFailures: te.CircuitTripFailures,
	}
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"task_engine.default_timeout", te.DefaultTimeout, &out.DefaultTimeout},
		{"task_engine.circuit_base_delay", te.CircuitBaseDelay, &out.CircuitBaseDelay},
		{"task_engine.circuit_max_delay", te.CircuitMaxDelay, &out.CircuitMaxDelay},
		{"task_engine.circuit_reset_after", te.CircuitResetAfter, &out.CircuitResetAfter},
	} {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return engine.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

func mapTelemetryConfig(cfg *config.Config, version string) telemetry.Config {
	return telemetry.Config{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}
}
