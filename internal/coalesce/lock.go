package coalesce

import "sync"

// threadLocks hands out one mutex per thread root. Entries are dropped once
// nobody holds or waits on them.
type threadLocks struct {
	mu sync.Mutex
	m  map[string]*threadLock
}

type threadLock struct {
	mu   sync.Mutex
	refs int
}

func (l *threadLocks) lock(root string) (unlock func()) {
	l.mu.Lock()
	if l.m == nil {
		l.m = map[string]*threadLock{}
	}
	tl := l.m[root]
	if tl == nil {
		tl = &threadLock{}
		l.m[root] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			tl.mu.Unlock()
			l.mu.Lock()
			if tl.refs--; tl.refs == 0 {
				delete(l.m, root)
			}
			l.mu.Unlock()
		})
	}
}
