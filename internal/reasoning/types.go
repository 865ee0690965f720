package reasoning

import (
	"context"
	"errors"
	"time"
)

// ErrRejected means the collaborator refused the unit outright; retrying
// the same unit will not help.
var ErrRejected = errors.New("reasoning: rejected")

// ContextPost is one post shown as background.
type ContextPost struct {
	URI       string    `json:"uri"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is one notified post with the same-author parts that
// preceded it, oldest first.
type Notification struct {
	EventID   string        `json:"event_id"`
	TargetURI string        `json:"target_uri"`
	Class     string        `json:"class"`
	Author    string        `json:"author"`
	Text      string        `json:"text"`
	At        time.Time     `json:"at"`
	Parts     []ContextPost `json:"parts,omitempty"`
}

// Batch is one consolidated unit of work for a thread.
type Batch struct {
	ID     string `json:"id"`
	RootID string `json:"root_id"`
	// Earlier is unreviewed context older than the first batched
	// notification.
	Earlier []ContextPost `json:"earlier_context,omitempty"`
	// Fresh is unreviewed context posted while the batch was collecting.
	Fresh []ContextPost `json:"fresh_context"`
	// ReviewedCount and ReviewedSummary stand in for context already shown
	// in an earlier batch.
	ReviewedCount   int            `json:"reviewed_count"`
	ReviewedSummary string         `json:"reviewed_summary,omitempty"`
	Notifications   []Notification `json:"notifications"`
	Size            int            `json:"size"`
	Prompt          string         `json:"prompt"`
	MaxResponses    int            `json:"max_responses"`
}

// Single is one notification handled on its own.
type Single struct {
	Notification Notification `json:"notification"`
	ThreadYAML   string       `json:"thread_yaml,omitempty"`
	Prompt       string       `json:"prompt"`
}

// Prompt is a free-form message (scheduled prompts, follow updates).
type Prompt struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Outcome reports what the collaborator did. Zero responses is a valid
// decision.
type Outcome struct {
	RespondedURIs []string `json:"responded_uris"`
	PostedURIs    []string `json:"posted_uris"`
	// DebounceRequests are holds the agent asked for while handling the unit.
	DebounceRequests []DebounceRequest `json:"debounce_requests,omitempty"`
}

// DebounceRequest asks the engine to hold a thread before answering.
type DebounceRequest struct {
	URI     string `json:"uri"`
	Seconds int    `json:"seconds"`
	Reason  string `json:"reason"`
}

// Submitter is the downstream reasoning collaborator.
type Submitter interface {
	SubmitBatch(ctx context.Context, b Batch) (Outcome, error)
	SubmitSingle(ctx context.Context, s Single) (Outcome, error)
	SubmitPrompt(ctx context.Context, p Prompt) error
}
