package scheduler

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"
)

var windowSeq uint64

func newRand(tag string) *rand.Rand {
	seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&windowSeq, 1)) ^ int64(fnv64a(tag))
	return rand.New(rand.NewSource(seed))
}

// pickInWindow returns an instant uniformly inside [now, now+window).
func pickInWindow(rng *rand.Rand, now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		return now
	}
	return now.Add(time.Duration(rng.Int63n(int64(window))))
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
