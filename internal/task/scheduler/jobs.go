package scheduler

import (
	"context"
	"fmt"
	"time"

	"threadbot/internal/reasoning"
	"threadbot/internal/storage"
	logx "threadbot/pkg/logx"
)

// PromptSender is the part of the reasoning collaborator scheduled prompts
// use.
type PromptSender interface {
	SubmitPrompt(ctx context.Context, p reasoning.Prompt) error
}

// PromptJob sends a fixed prompt.
func PromptJob(sender PromptSender, name, text string) Job {
	return func(ctx context.Context) error {
		if err := sender.SubmitPrompt(ctx, reasoning.Prompt{Name: name, Text: text}); err != nil {
			return fmt.Errorf("prompt %s: %w", name, err)
		}
		return nil
	}
}

// Retention is the store side of maintenance.
type Retention interface {
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)
	storage.EventLookup
}

// MaintenanceJob deletes terminal events older than keep and sweeps the
// artifact cache. A nil cache is skipped.
func MaintenanceJob(store Retention, cache *storage.ArtifactCache, keep time.Duration, now func() time.Time, log logx.Logger) Job {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		n, err := store.Cleanup(ctx, now().Add(-keep))
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		swept, err := cache.Sweep(ctx, store)
		if err != nil {
			return fmt.Errorf("artifact sweep: %w", err)
		}
		if n > 0 || swept > 0 {
			log.Info("maintenance done", logx.Int("events_deleted", n), logx.Int("artifacts_removed", swept))
		}
		return nil
	}
}
