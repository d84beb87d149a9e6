package qalloc

import "time"

// TickDuration is the wall-clock length of one scheduler tick. Timeouts are
// expressed in ticks.
const TickDuration = time.Millisecond

// UnlimitedTimeout makes a Timeout that never expires.
const UnlimitedTimeout = ^uint32(0)

// Timeout tracks how long a blocking operation may still sleep and how long
// it has slept already. A single Timeout can be threaded through several
// waits; each one consumes from the same budget.
type Timeout struct {
	remaining uint32
	elapsed   uint32
}

// NewTimeout returns a timeout of the given number of ticks. Zero never
// blocks; UnlimitedTimeout never expires.
func NewTimeout(ticks uint32) *Timeout {
	return &Timeout{remaining: ticks}
}

// NonBlocking returns a timeout that forbids sleeping.
func NonBlocking() *Timeout { return NewTimeout(0) }

// Forever returns a timeout that never expires.
func Forever() *Timeout { return NewTimeout(UnlimitedTimeout) }

// IsUnlimited reports whether the timeout can never expire.
func (t *Timeout) IsUnlimited() bool { return t.remaining == UnlimitedTimeout }

// MayBlock reports whether there is budget left to sleep on.
func (t *Timeout) MayBlock() bool { return t.remaining > 0 }

// Remaining returns the remaining budget in ticks.
func (t *Timeout) Remaining() uint32 { return t.remaining }

// Elapsed returns the total ticks consumed so far.
func (t *Timeout) Elapsed() uint32 { return t.elapsed }

// Elapse consumes ticks from the budget.
func (t *Timeout) Elapse(ticks uint32) {
	if t.elapsed+ticks < t.elapsed {
		t.elapsed = ^uint32(0)
	} else {
		t.elapsed += ticks
	}
	if t.IsUnlimited() {
		return
	}
	if ticks > t.remaining {
		t.remaining = 0
	} else {
		t.remaining -= ticks
	}
}

// ElapseDuration consumes the tick equivalent of d, rounding up so that a
// short sleep still makes progress toward expiry.
func (t *Timeout) ElapseDuration(d time.Duration) {
	if d <= 0 {
		return
	}
	ticks := uint64((d + TickDuration - 1) / TickDuration)
	if ticks > uint64(^uint32(0)) {
		ticks = uint64(^uint32(0))
	}
	t.Elapse(uint32(ticks))
}

// Duration converts the remaining budget to a wall-clock duration; -1 means
// unlimited.
func (t *Timeout) Duration() time.Duration {
	if t.IsUnlimited() {
		return -1
	}
	return time.Duration(t.remaining) * TickDuration
}
