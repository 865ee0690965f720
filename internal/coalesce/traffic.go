package coalesce

import (
	"context"
	"time"
)

// Counter counts a thread's qualifying events observed within window of now.
type Counter interface {
	CountRecent(ctx context.Context, rootID string, window time.Duration, now time.Time) (int, error)
}

// Detector decides whether a thread is high traffic.
type Detector struct {
	cfg   Config
	store Counter
}

func NewDetector(cfg Config, store Counter) *Detector {
	return &Detector{cfg: cfg.withDefaults(), store: store}
}

// IsHighTraffic reports whether rootID reached the threshold and the count
// it saw. A disabled detector always answers false.
func (d *Detector) IsHighTraffic(ctx context.Context, rootID string, now time.Time) (bool, int, error) {
	if !d.cfg.Enabled || rootID == "" {
		return false, 0, nil
	}
	n, err := d.store.CountRecent(ctx, rootID, d.cfg.Window, now)
	if err != nil {
		return false, 0, err
	}
	return n >= d.cfg.Threshold, n, nil
}
