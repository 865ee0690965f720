package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate reports every structural problem in cfg at once. Schedules are
// checked by the scheduler through the manager's validator hook.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite":
	default:
		add(fmt.Errorf("storage.driver: unsupported driver %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	h := c.Coalesce.HighTraffic
	for _, f := range []struct {
		path string
		v    int
	}{
		{"coalesce.high_traffic_detection.notification_threshold", h.NotificationThreshold},
		{"coalesce.high_traffic_detection.time_window_minutes", h.TimeWindowMinutes},
		{"coalesce.high_traffic_detection.mention_debounce_min", h.MentionDebounceMin},
		{"coalesce.high_traffic_detection.mention_debounce_max", h.MentionDebounceMax},
		{"coalesce.high_traffic_detection.reply_debounce_min", h.ReplyDebounceMin},
		{"coalesce.high_traffic_detection.reply_debounce_max", h.ReplyDebounceMax},
		{"coalesce.max_batch_attempts", c.Coalesce.MaxBatchAttempts},
		{"coalesce.thread_depth", c.Coalesce.ThreadDepth},
		{"coalesce.debounced_thread_depth", c.Coalesce.DebouncedThreadDepth},
		{"coalesce.parent_height", c.Coalesce.ParentHeight},
		{"poller.feed_limit", c.Poller.FeedLimit},
		{"task_engine.workers", c.TaskEngine.Workers},
		{"task_engine.queue_size", c.TaskEngine.QueueSize},
		{"retention.days", c.Retention.Days},
	} {
		if f.v < 0 {
			add(fmt.Errorf("%s: must be >= 0", f.path))
		}
	}
	if h.MentionDebounceMin > 0 && h.MentionDebounceMax > 0 && h.MentionDebounceMax < h.MentionDebounceMin {
		add(errors.New("coalesce.high_traffic_detection: mention_debounce_max < mention_debounce_min"))
	}
	if h.ReplyDebounceMin > 0 && h.ReplyDebounceMax > 0 && h.ReplyDebounceMax < h.ReplyDebounceMin {
		add(errors.New("coalesce.high_traffic_detection: reply_debounce_max < reply_debounce_min"))
	}
	dur("coalesce.sibling_window", c.Coalesce.SiblingWindow)
	dur("coalesce.single_retry_base", c.Coalesce.SingleRetryBase)
	dur("coalesce.requested_debounce", c.Coalesce.RequestedDebounce)

	dur("poller.interval", c.Poller.Interval)
	dur("platform.timeout", c.Platform.Timeout)
	dur("reasoning.timeout", c.Reasoning.Timeout)
	dur("task_engine.default_timeout", c.TaskEngine.DefaultTimeout)
	dur("task_engine.circuit_base_delay", c.TaskEngine.CircuitBaseDelay)
	dur("task_engine.circuit_max_delay", c.TaskEngine.CircuitMaxDelay)
	dur("task_engine.circuit_reset_after", c.TaskEngine.CircuitResetAfter)

	if s := strings.TrimSpace(c.Platform.BaseURL); s != "" {
		if u, err := url.Parse(s); err != nil || u.Scheme == "" || u.Host == "" {
			add(fmt.Errorf("platform.base_url: invalid url %q", s))
		}
	}
	if s := strings.TrimSpace(c.Reasoning.Endpoint); s != "" {
		if u, err := url.Parse(s); err != nil || u.Scheme == "" || u.Host == "" {
			add(fmt.Errorf("reasoning.endpoint: invalid url %q", s))
		}
	}

	seen := map[string]bool{}
	for i, t := range c.Scheduler.Tasks {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			add(fmt.Errorf("scheduler.tasks[%d].name: required", i))
			continue
		}
		if seen[name] {
			add(fmt.Errorf("scheduler.tasks[%d].name: duplicate %q", i, name))
		}
		seen[name] = true
		if strings.TrimSpace(t.Schedule) == "" && strings.TrimSpace(t.Window) == "" {
			add(fmt.Errorf("scheduler.tasks[%d] (%s): schedule or window required", i, name))
		}
		dur(fmt.Sprintf("scheduler.tasks[%d].window", i), t.Window)
		dur(fmt.Sprintf("scheduler.tasks[%d].timeout", i), t.Timeout)
	}

	if c.Alerts.Enabled && c.Alerts.ChatID == 0 {
		add(errors.New("alerts.chat_id: required when alerts are enabled"))
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		add(fmt.Errorf("telemetry.sample_ratio: %v not in [0,1]", r))
	}
	return errors.Join(errs...)
}
