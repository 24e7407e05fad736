package store

import (
	"sync"
	"time"
)

// versionClock issues write versions derived from wall-clock milliseconds.
// Sub-millisecond repeated writes would otherwise produce equal stamps, so
// ties (and clock regressions) are broken by bumping past the last value.
// The reference behavior is timestamp-based versions; whether to switch to a
// pure per-record counter is an open question recorded in DESIGN.md.
type versionClock struct {
	mu   sync.Mutex
	last int64
}

func (c *versionClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixMilli()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}
