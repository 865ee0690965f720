package platform

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"threadbot/internal/thread"
)

var (
	// ErrNotFound means the requested post or thread no longer exists.
	ErrNotFound = errors.New("platform: not found")
	ErrAuth     = errors.New("platform: authentication failed")
)

// Feed delivers raw notifications, newest first, with an opaque cursor.
type Feed interface {
	ListNotifications(ctx context.Context, cursor string, limit int) (items []json.RawMessage, next string, err error)
	UpdateSeen(ctx context.Context) error
}

// FetchOptions bound a thread fetch.
type FetchOptions struct {
	Depth        int
	ParentHeight int
}

// Fetcher returns the current content of a thread around uri.
type Fetcher interface {
	FetchThread(ctx context.Context, uri string, opt FetchOptions) (*thread.Tree, error)
}

// IsNotFound reports whether err means the post is permanently gone.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "Post not found")
}
