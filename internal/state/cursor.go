package state

import "sync/atomic"

// Cursor tracks the highest applied sequence for one task. It never moves
// backwards.
type Cursor struct {
	v atomic.Uint64
}

func (c *Cursor) Load() uint64 {
	return c.v.Load()
}

// Advance raises the cursor to seq and reports whether it moved.
func (c *Cursor) Advance(seq uint64) bool {
	for {
		cur := c.v.Load()
		if seq <= cur {
			return false
		}
		if c.v.CompareAndSwap(cur, seq) {
			return true
		}
	}
}

// Covers reports whether seq is a producer sequence already at or behind the
// cursor. Unsequenced (zero) events are never covered.
func (c *Cursor) Covers(seq uint64) bool {
	return seq > 0 && seq <= c.v.Load()
}
