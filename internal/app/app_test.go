package app

import (
	"strings"
	"testing"
	"time"

	"threadbot/internal/config"
	logx "threadbot/pkg/logx"
)

func TestMapCoalesceConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Platform: config.PlatformConfig{Handle: "bot.example.com"}}
	c, err := mapCoalesceConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !c.Enabled {
		t.Fatalf("detection should default to enabled")
	}
	if c.Window != time.Hour || c.MentionMin != 30*time.Minute || c.ReplyMax != 6*time.Hour {
		t.Fatalf("defaults: window=%s mention_min=%s reply_max=%s", c.Window, c.MentionMin, c.ReplyMax)
	}
	if c.SelfHandle != "bot.example.com" {
		t.Fatalf("self handle=%q", c.SelfHandle)
	}
}

func TestMapCoalesceConfigOverrides(t *testing.T) {
	t.Parallel()
	off := false
	cfg := &config.Config{Coalesce: config.CoalesceConfig{
		HighTraffic:       config.HighTrafficDetection{Enabled: &off, TimeWindowMinutes: 15, ReplyDebounceMin: 5},
		SiblingWindow:     "45",
		RequestedDebounce: "2m",
	}}
	c, err := mapCoalesceConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if c.Enabled || c.Window != 15*time.Minute || c.ReplyMin != 5*time.Minute {
		t.Fatalf("got %+v", c)
	}
	if c.SiblingWindow != 45*time.Second || c.RequestedDebounce != 2*time.Minute {
		t.Fatalf("sibling=%s requested=%s", c.SiblingWindow, c.RequestedDebounce)
	}

	cfg.Coalesce.SingleRetryBase = "later"
	if _, err := mapCoalesceConfig(cfg); err == nil || !strings.Contains(err.Error(), "single_retry_base") {
		t.Fatalf("err=%v", err)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	sc, err := mapStorageConfig(&config.Config{})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if sc.Driver != "sqlite" || sc.Path != defaultDBPath || sc.BusyTimeout != time.Second {
		t.Fatalf("got %+v", sc)
	}
	if _, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: "postgres"}}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestScheduleDefinitions(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		tasks []config.ScheduledTask
		want  string
		count int
	}{
		{name: "maintenance only", count: 1},
		{
			name: "prompt and window",
			tasks: []config.ScheduledTask{
				{Name: "digest", Schedule: "cron:0 9 * * *", Prompt: "Summarize."},
				{Name: "wander", Window: "2h", Prompt: "Look around."},
			},
			count: 3,
		},
		{
			name:  "disabled skipped",
			tasks: []config.ScheduledTask{{Name: "quiet", Enabled: new(bool), Schedule: "every:1h"}},
			count: 1,
		},
		{
			name:  "reserved name",
			tasks: []config.ScheduledTask{{Name: "maintenance", Schedule: "every:1h"}},
			want:  "reserved",
		},
		{
			name:  "bad schedule",
			tasks: []config.ScheduledTask{{Name: "x", Schedule: "cron:nope"}},
			want:  "scheduler.tasks[0].schedule",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{Scheduler: config.SchedulerConfig{Tasks: tc.tasks}}
			defs, err := scheduleDefinitions(cfg, nopPrompts{}, nil, nil, logx.Nop())
			if tc.want != "" {
				if err == nil || !strings.Contains(err.Error(), tc.want) {
					t.Fatalf("err=%v, want containing %q", err, tc.want)
				}
				return
			}
			if err != nil {
				t.Fatalf("defs: %v", err)
			}
			if len(defs) != tc.count {
				t.Fatalf("count=%d want %d", len(defs), tc.count)
			}
			if defs[0].Name != maintenanceTask || defs[0].Schedule != defaultMaintenance {
				t.Fatalf("first def=%+v", defs[0])
			}
		})
	}
}

func TestValidateRuntimeRequiresIdentity(t *testing.T) {
	t.Parallel()
	err := validateRuntime(&config.Config{})
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"platform.handle", "reasoning.endpoint"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("err=%v missing %q", err, want)
		}
	}
	ok := &config.Config{
		Platform:  config.PlatformConfig{Handle: "bot"},
		Reasoning: config.ReasoningConfig{Endpoint: "http://127.0.0.1:8088"},
	}
	if err := validateRuntime(ok); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
