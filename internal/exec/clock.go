package exec

import "sync/atomic"

// Clock is the monotonic logical step clock. Receipts are indexed by
// values from this clock, never by wall time, so replay reproduces the
// identical numbering.
//
// Thread-safety: atomic, though the single-writer loop is the only
// caller in practice.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming from a specific step index.
// Used when continuing a run on top of an existing ledger.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Current returns the next step index to be committed.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// Advance moves past a committed step and returns the new position.
func (c *Clock) Advance() int64 {
	return c.seq.Add(1)
}
