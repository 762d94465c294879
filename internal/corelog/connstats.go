package corelog

import (
	"fmt"
	"sync/atomic"
)

// ConnStats tracks both the lifetime total and currently-open count of
// proxied sessions for a node, so the supervisor can expose them via
// Prometheus without a separate accounting pass.
type ConnStats struct {
	total int64
	open  int64
}

// New records the start of a new session and returns its ordinal (the
// synthetic, per-node monotonically increasing surrogate for an OS pid).
func (c *ConnStats) New() int64 {
	return atomic.AddInt64(&c.total, 1)
}

// Open increments the currently-open session count.
func (c *ConnStats) Open() {
	atomic.AddInt64(&c.open, 1)
}

// Close decrements the currently-open session count.
func (c *ConnStats) Close() {
	atomic.AddInt64(&c.open, -1)
}

// OpenCount returns the number of currently-open sessions.
func (c *ConnStats) OpenCount() int64 {
	return atomic.LoadInt64(&c.open)
}

// TotalCount returns the lifetime count of sessions started.
func (c *ConnStats) TotalCount() int64 {
	return atomic.LoadInt64(&c.total)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt64(&c.open), atomic.LoadInt64(&c.total))
}
