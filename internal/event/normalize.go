package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// rawNotification mirrors the subset of app.bsky.notification.listNotifications
// items the engine consumes. Anything else stays in Metadata.
type rawNotification struct {
	URI       string `json:"uri"`
	CID       string `json:"cid"`
	IndexedAt string `json:"indexedAt"`
	Reason    string `json:"reason"`
	Author    struct {
		DID    string `json:"did"`
		Handle string `json:"handle"`
	} `json:"author"`
	Record struct {
		Text  string `json:"text"`
		Reply *struct {
			Parent struct {
				URI string `json:"uri"`
			} `json:"parent"`
			Root struct {
				URI string `json:"uri"`
			} `json:"root"`
		} `json:"reply"`
	} `json:"record"`
}

// Normalize maps one raw platform notification into an Event with status
// pending. The thread root falls back to the parent, then to the post itself.
func Normalize(raw []byte) (Event, error) {
	var n rawNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	uri := strings.TrimSpace(n.URI)
	if uri == "" {
		return Event{}, fmt.Errorf("%w: missing uri", ErrMalformed)
	}
	class, err := ParseClass(n.Reason)
	if err != nil {
		return Event{}, err
	}
	at := time.Now().UTC()
	if s := strings.TrimSpace(n.IndexedAt); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Event{}, fmt.Errorf("%w: indexedAt: %v", ErrMalformed, err)
		}
		at = t.UTC()
	}

	var parent, root string
	if n.Record.Reply != nil {
		parent = strings.TrimSpace(n.Record.Reply.Parent.URI)
		root = strings.TrimSpace(n.Record.Reply.Root.URI)
	}
	if root == "" {
		root = parent
	}
	if root == "" {
		root = uri
	}

	meta := json.RawMessage(nil)
	if n.CID != "" {
		meta, _ = json.Marshal(map[string]string{"cid": n.CID})
	}

	return Event{
		ID:           uri,
		ObservedAt:   at,
		Class:        class,
		AuthorID:     strings.TrimSpace(n.Author.DID),
		AuthorHandle: strings.TrimSpace(n.Author.Handle),
		Text:         Preview(n.Record.Text),
		ParentID:     parent,
		RootID:       root,
		ChainID:      root,
		Status:       StatusPending,
		Metadata:     meta,
	}, nil
}
