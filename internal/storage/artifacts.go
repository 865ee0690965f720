package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"threadbot/internal/event"
	logx "threadbot/pkg/logx"
)

// ArtifactCache keeps a derived on-disk copy of queued events, one JSON file
// per event, for operators inspecting the queue. The database stays the
// source of truth; files are rewritten or removed from it, never read back
// into it.
type ArtifactCache struct {
	dir string
	log logx.Logger

	mu sync.Mutex
}

type artifact struct {
	ID         string    `json:"id"`
	ObservedAt time.Time `json:"observed_at"`
	Class      string    `json:"class"`
	Author     string    `json:"author"`
	Text       string    `json:"text"`
	ParentID   string    `json:"parent_id,omitempty"`
	RootID     string    `json:"root_id"`
	Status     string    `json:"status"`
}

// OpenArtifactCache creates dir if needed. An empty dir disables the cache
// (nil return, all methods no-op).
func OpenArtifactCache(dir string, log logx.Logger) (*ArtifactCache, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ArtifactCache{dir: dir, log: log}, nil
}

func (c *ArtifactCache) path(id string) string {
	sum := sha256.Sum256([]byte(id))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:12])+".json")
}

// Put writes the artifact for ev atomically (tmp + rename).
func (c *ArtifactCache) Put(ev event.Event) error {
	if c == nil {
		return nil
	}
	b, err := json.Marshal(artifact{
		ID: ev.ID, ObservedAt: ev.ObservedAt, Class: string(ev.Class), Author: ev.AuthorHandle,
		Text: ev.Text, ParentID: ev.ParentID, RootID: ev.RootID, Status: string(ev.Status),
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	dst := c.path(ev.ID)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// Remove deletes the artifact of id; a missing file is not an error.
func (c *ArtifactCache) Remove(id string) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	err := os.Remove(c.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// EventLookup is the read side Sweep needs.
type EventLookup interface {
	GetEvent(ctx context.Context, id string) (event.Event, bool, error)
}

// Sweep removes artifacts whose event reached a terminal status or no
// longer exists. It returns the number of files removed.
func (c *ArtifactCache) Sweep(ctx context.Context, store EventLookup) (int, error) {
	if c == nil {
		return 0, nil
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		full := filepath.Join(c.dir, e.Name())
		b, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		var a artifact
		if err := json.Unmarshal(b, &a); err != nil {
			c.log.Debug("artifact unreadable; removing", logx.String("file", e.Name()), logx.Err(err))
			_ = os.Remove(full)
			removed++
			continue
		}
		ev, ok, err := store.GetEvent(ctx, a.ID)
		if err != nil {
			return removed, err
		}
		if !ok || ev.Status.Terminal() {
			if err := c.Remove(a.ID); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
