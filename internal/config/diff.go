package config

import (
	"reflect"
	"strings"

	logx "threadbot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for the reload log. Secrets are only reported as set or
// unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		// Storage is opened once; a change only takes effect after restart.
		changed = append(changed, "storage")
		attrs = append(attrs, logx.Bool("storage.restart_required", true))
	}

	if !reflect.DeepEqual(oldCfg.Coalesce, newCfg.Coalesce) {
		h := newCfg.Coalesce.HighTraffic
		changed = append(changed, "coalesce")
		attrs = append(attrs,
			logx.Bool("coalesce.enabled", h.IsEnabled()),
			logx.Int("coalesce.threshold", h.NotificationThreshold),
			logx.Int("coalesce.window_minutes", h.TimeWindowMinutes),
		)
	}

	if !reflect.DeepEqual(oldCfg.Poller, newCfg.Poller) {
		changed = append(changed, "poller")
		attrs = append(attrs, logx.String("poller.interval", strings.TrimSpace(newCfg.Poller.Interval)))
	}

	if oldCfg.Platform.BaseURL != newCfg.Platform.BaseURL ||
		oldCfg.Platform.Handle != newCfg.Platform.Handle ||
		oldCfg.Platform.RatePerSec != newCfg.Platform.RatePerSec ||
		oldCfg.Platform.Timeout != newCfg.Platform.Timeout ||
		(oldCfg.Platform.Password != "") != (newCfg.Platform.Password != "") {
		changed = append(changed, "platform")
		attrs = append(attrs,
			logx.String("platform.base_url", newCfg.Platform.BaseURL),
			logx.String("platform.handle", newCfg.Platform.Handle),
			logx.Bool("platform.password_set", newCfg.Platform.Password != ""),
		)
	}

	if oldCfg.Reasoning.Endpoint != newCfg.Reasoning.Endpoint ||
		oldCfg.Reasoning.Timeout != newCfg.Reasoning.Timeout ||
		(oldCfg.Reasoning.APIKey != "") != (newCfg.Reasoning.APIKey != "") {
		changed = append(changed, "reasoning")
		attrs = append(attrs,
			logx.String("reasoning.endpoint", newCfg.Reasoning.Endpoint),
			logx.Bool("reasoning.api_key_set", newCfg.Reasoning.APIKey != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", newCfg.TaskEngine.IsEnabled()),
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.Int("scheduler.tasks", len(newCfg.Scheduler.Tasks)),
		)
	}

	if oldCfg.Alerts.Enabled != newCfg.Alerts.Enabled ||
		oldCfg.Alerts.ChatID != newCfg.Alerts.ChatID ||
		oldCfg.Alerts.ThreadID != newCfg.Alerts.ThreadID ||
		oldCfg.Alerts.MinLevel != newCfg.Alerts.MinLevel ||
		oldCfg.Alerts.RatePerSec != newCfg.Alerts.RatePerSec ||
		(oldCfg.Alerts.Token != "") != (newCfg.Alerts.Token != "") {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.enabled", newCfg.Alerts.Enabled),
			logx.Bool("alerts.token_set", newCfg.Alerts.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telemetry, newCfg.Telemetry) {
		changed = append(changed, "telemetry")
		attrs = append(attrs, logx.Bool("telemetry.enabled", newCfg.Telemetry.OTLPEndpoint != ""))
	}
	if oldCfg.Retention != newCfg.Retention {
		changed = append(changed, "retention")
		attrs = append(attrs, logx.Int("retention.days", newCfg.Retention.Days))
	}
	if oldCfg.Artifacts != newCfg.Artifacts {
		changed = append(changed, "artifacts")
	}
	return changed, attrs
}
