package coalesce

import (
	"strings"
	"time"
)

// Config controls high-traffic detection, debouncing and batch handling.
type Config struct {
	Enabled bool
	// Threshold is the qualifying-event count within Window that marks a
	// thread high traffic. Window is also the cooldown length after a batch.
	Threshold int
	Window    time.Duration

	MentionMin time.Duration
	MentionMax time.Duration
	ReplyMin   time.Duration
	ReplyMax   time.Duration

	MaxAttempts   int
	SiblingWindow time.Duration
	// SingleRetryBase is the first hold after a failed single-event
	// submission; each further failure doubles it.
	SingleRetryBase time.Duration
	// RequestedDebounce is used when an agent asks for a hold without a
	// duration.
	RequestedDebounce time.Duration

	ThreadDepth       int
	DebouncedDepth    int
	ParentHeight      int
	ChainParentHeight int

	SelfHandle string
	SelfDID    string

	FeedLimit    int
	FeedPages    int
	PendingLimit int
	DueLimit     int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Enabled: true}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 10
	}
	if c.Window <= 0 {
		c.Window = time.Hour
	}
	if c.MentionMin <= 0 {
		c.MentionMin = 30 * time.Minute
	}
	if c.MentionMax <= 0 {
		c.MentionMax = time.Hour
	}
	if c.ReplyMin <= 0 {
		c.ReplyMin = 2 * time.Hour
	}
	if c.ReplyMax <= 0 {
		c.ReplyMax = 6 * time.Hour
	}
	c.MentionMax = max(c.MentionMax, c.MentionMin)
	c.ReplyMax = max(c.ReplyMax, c.ReplyMin)
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SiblingWindow <= 0 {
		c.SiblingWindow = 120 * time.Second
	}
	if c.SingleRetryBase <= 0 {
		c.SingleRetryBase = 30 * time.Second
	}
	if c.RequestedDebounce <= 0 {
		c.RequestedDebounce = 600 * time.Second
	}
	if c.ThreadDepth <= 0 {
		c.ThreadDepth = 10
	}
	if c.DebouncedDepth <= 0 {
		c.DebouncedDepth = 25
	}
	if c.ParentHeight <= 0 {
		c.ParentHeight = 80
	}
	if c.ChainParentHeight <= 0 {
		c.ChainParentHeight = 20
	}
	if c.FeedLimit <= 0 {
		c.FeedLimit = 50
	}
	if c.FeedPages <= 0 {
		c.FeedPages = 5
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = 50
	}
	if c.DueLimit <= 0 {
		c.DueLimit = 20
	}
	c.SelfHandle = strings.TrimPrefix(strings.TrimSpace(c.SelfHandle), "@")
	c.SelfDID = strings.TrimSpace(c.SelfDID)
	return c
}

// MaxDeferral is the longest a debounce cycle can hold a thread.
func (c Config) MaxDeferral() time.Duration {
	return max(c.MentionMax, c.ReplyMax)
}
