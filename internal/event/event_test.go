package event

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusProcessed, true},
		{StatusPending, StatusIgnored, true},
		{StatusPending, StatusNoReply, true},
		{StatusInProgress, StatusProcessed, true},
		{StatusInProgress, StatusError, true},
		{StatusInProgress, StatusPending, false},
		{StatusProcessed, StatusPending, false},
		{StatusProcessed, StatusError, false},
		{StatusIgnored, StatusProcessed, false},
		{StatusError, StatusPending, true},
		{StatusError, StatusProcessed, false},
		{StatusProcessed, StatusProcessed, true},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("CanTransition(%s,%s)=%v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestNormalizeReply(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"uri":"at://did:plc:a/app.bsky.feed.post/3",
		"cid":"bafy",
		"indexedAt":"2026-01-02T03:04:05.000Z",
		"reason":"reply",
		"author":{"did":"did:plc:a","handle":"alice.test"},
		"record":{"text":"  hi  ","reply":{"parent":{"uri":"at://p"},"root":{"uri":"at://r"}}}
	}`)
	ev, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.Class != ClassReply || ev.RootID != "at://r" || ev.ParentID != "at://p" || ev.ChainID != "at://r" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Text != "hi" || ev.AuthorID != "did:plc:a" || ev.Status != StatusPending {
		t.Fatalf("unexpected fields: %+v", ev)
	}
	if !ev.ObservedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("observed_at=%v", ev.ObservedAt)
	}
}

func TestNormalizeRootFallback(t *testing.T) {
	t.Parallel()

	ev, err := Normalize([]byte(`{"uri":"at://x","reason":"mention","author":{"did":"d"}}`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.RootID != "at://x" {
		t.Fatalf("root=%q want post itself", ev.RootID)
	}
}

func TestNormalizeErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]error{
		`{"uri":"at://x","reason":"starterpack-joined"}`: ErrUnknownClass,
		`{"reason":"like"}`:                              ErrMalformed,
		`not json`:                                       ErrMalformed,
		`{"uri":"at://x","reason":"like","indexedAt":"yesterday"}`: ErrMalformed,
	}
	for in, want := range cases {
		if _, err := Normalize([]byte(in)); !errors.Is(err, want) {
			t.Fatalf("Normalize(%s) err=%v want %v", in, err, want)
		}
	}
}

func TestPreviewCapsRunes(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("é", TextPreviewLimit+20)
	if got := []rune(Preview(s)); len(got) != TextPreviewLimit {
		t.Fatalf("preview len=%d", len(got))
	}
}
