package coalesce

import (
	"time"

	"threadbot/internal/event"
)

// WaitFor returns how long, measured from the start of a debounce cycle, a
// thread with count recent events is held. The wait grows linearly from the
// class minimum at count == threshold to the class maximum at three times
// the threshold.
func (c Config) WaitFor(count int, class event.Class) time.Duration {
	lo, hi := c.MentionMin, c.MentionMax
	if class == event.ClassReply {
		lo, hi = c.ReplyMin, c.ReplyMax
	}
	t := c.Threshold
	if t <= 0 {
		t = 1
	}
	switch {
	case count <= t:
		return lo
	case count >= 3*t:
		return hi
	}
	ratio := float64(count-t) / float64(2*t)
	return lo + time.Duration(float64(hi-lo)*ratio)
}

// ReasonFor is the debounce reason recorded on events of a high-traffic
// thread.
func ReasonFor(class event.Class) string {
	if class == event.ClassReply {
		return "high_traffic_reply"
	}
	return "high_traffic_mention"
}
