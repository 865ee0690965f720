package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Class is the kind of platform notification.
type Class string

const (
	ClassMention Class = "mention"
	ClassReply   Class = "reply"
	ClassQuote   Class = "quote"
	ClassFollow  Class = "follow"
	ClassRepost  Class = "repost"
	ClassLike    Class = "like"
)

// Qualifying reports whether events of this class count toward thread traffic.
func (c Class) Qualifying() bool { return c == ClassMention || c == ClassReply }

func ParseClass(s string) (Class, error) {
	switch c := Class(strings.ToLower(strings.TrimSpace(s))); c {
	case ClassMention, ClassReply, ClassQuote, ClassFollow, ClassRepost, ClassLike:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownClass, s)
	}
}

// Status is the processing status of a stored event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusProcessed  Status = "processed"
	StatusIgnored    Status = "ignored"
	StatusNoReply    Status = "no_reply"
	StatusError      Status = "error"
)

// Terminal reports whether no further processing happens for the status.
// error is terminal until an explicit retry moves it back to pending.
func (s Status) Terminal() bool {
	switch s {
	case StatusProcessed, StatusIgnored, StatusNoReply, StatusError:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusProcessed, StatusIgnored, StatusNoReply, StatusError:
		return true
	}
	return false
}

var (
	ErrUnknownClass      = errors.New("event: unknown class")
	ErrInvalidTransition = errors.New("event: invalid status transition")
	ErrMalformed         = errors.New("event: malformed payload")
)

// CanTransition reports whether a stored event may move from one status to
// another. Setting the current status again is allowed so batch writes are
// safe to repeat.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPending:
		return to != StatusPending
	case StatusInProgress:
		return to == StatusProcessed || to == StatusError
	case StatusError:
		return to == StatusPending
	}
	return false
}

// TextPreviewLimit caps stored text, in runes.
const TextPreviewLimit = 500

// Event is one observed notification, normalized from the platform payload.
type Event struct {
	ID         string
	ObservedAt time.Time
	Class      Class
	AuthorID   string
	// AuthorHandle is display-only; identity comparisons use AuthorID.
	AuthorHandle string
	Text         string
	ParentID     string
	RootID       string

	Status         Status
	DebounceUntil  time.Time
	DebounceReason string
	ChainID        string
	AutoDebounced  bool
	HighTraffic    bool

	RetryCount  int
	LastRetryAt time.Time
	ProcessedAt time.Time
	Error       string
	Metadata    json.RawMessage
}

// Debounced reports whether the event is held back at now.
func (e Event) Debounced(now time.Time) bool {
	return !e.DebounceUntil.IsZero() && now.Before(e.DebounceUntil)
}

// Preview trims and caps text to TextPreviewLimit runes.
func Preview(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= TextPreviewLimit {
		return s
	}
	return string(r[:TextPreviewLimit])
}
