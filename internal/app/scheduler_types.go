package app

import (
	"fmt"
	"strings"
	"time"

	"threadbot/internal/config"
	"threadbot/internal/storage"
	sch "threadbot/internal/task/scheduler"
	logx "threadbot/pkg/logx"
)

const (
	maintenanceTask      = "maintenance"
	defaultMaintenance   = "every:6h"
	defaultPromptTimeout = 10 * time.Minute
)

func mapSchedulerConfig(cfg *config.Config) sch.Config {
	return sch.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

// scheduleDefinitions builds the retention job plus one job per enabled
// prompt task.
func scheduleDefinitions(cfg *config.Config, prompts sch.PromptSender, store sch.Retention, cache *storage.ArtifactCache, log logx.Logger) ([]sch.Definition, error) {
	maint := strings.TrimSpace(cfg.Scheduler.Maintenance)
	if maint == "" {
		maint = defaultMaintenance
	}
	defs := []sch.Definition{{
		Name:     maintenanceTask,
		Schedule: maint,
		Timeout:  2 * time.Minute,
		Run:      sch.MaintenanceJob(store, cache, retention(cfg), time.Now, log),
	}}
	for i, t := range cfg.Scheduler.Tasks {
		if !t.IsEnabled() {
			continue
		}
		name := strings.TrimSpace(t.Name)
		if name == maintenanceTask {
			return nil, fmt.Errorf("scheduler.tasks[%d]: name %q is reserved", i, name)
		}
		window, err := config.ParseDurationField(fmt.Sprintf("scheduler.tasks[%d].window", i), t.Window)
		if err != nil {
			return nil, err
		}
		timeout, err := config.ParseDurationOrDefault(fmt.Sprintf("scheduler.tasks[%d].timeout", i), t.Timeout, defaultPromptTimeout)
		if err != nil {
			return nil, err
		}
		if window <= 0 {
			if _, err := sch.ParseSchedule(t.Schedule); err != nil {
				return nil, fmt.Errorf("scheduler.tasks[%d].schedule: %w", i, err)
			}
		}
		kind := strings.TrimSpace(t.Kind)
		if kind == "" {
			kind = name
		}
		defs = append(defs, sch.Definition{
			Name:     name,
			Schedule: t.Schedule,
			Window:   window,
			Timeout:  timeout,
			Run:      sch.PromptJob(prompts, kind, t.Prompt),
		})
	}
	return defs, nil
}
