package metrics

import (
	"sync/atomic"
	"time"
)

// Counters are written by the smtp event loop and read concurrently by
// the control panel.
type Counters struct {
	accepted  int64
	open      int64
	rejected  int64
	delivered int64
	failed    int64
	timedOut  int64
}

// Snapshot is a point in time copy of the counters
type Snapshot struct {
	Time      time.Time `json:"time"`
	Accepted  int64     `json:"accepted"`
	Open      int64     `json:"open"`
	Rejected  int64     `json:"rejected"`
	Delivered int64     `json:"delivered"`
	Failed    int64     `json:"failed"`
	TimedOut  int64     `json:"timed_out"`
}

func (c *Counters) SessionOpened() {
	atomic.AddInt64(&c.accepted, 1)
	atomic.AddInt64(&c.open, 1)
}

func (c *Counters) SessionClosed() { atomic.AddInt64(&c.open, -1) }

// SessionRejected counts connections turned away at accept
func (c *Counters) SessionRejected() { atomic.AddInt64(&c.rejected, 1) }

func (c *Counters) SessionTimedOut() { atomic.AddInt64(&c.timedOut, 1) }

func (c *Counters) Delivered() { atomic.AddInt64(&c.delivered, 1) }

func (c *Counters) DeliveryFailed() { atomic.AddInt64(&c.failed, 1) }

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Time:      time.Now(),
		Accepted:  atomic.LoadInt64(&c.accepted),
		Open:      atomic.LoadInt64(&c.open),
		Rejected:  atomic.LoadInt64(&c.rejected),
		Delivered: atomic.LoadInt64(&c.delivered),
		Failed:    atomic.LoadInt64(&c.failed),
		TimedOut:  atomic.LoadInt64(&c.timedOut),
	}
}
