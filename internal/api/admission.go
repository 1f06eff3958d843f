package api

import "sync/atomic"

// Admission gates in-flight requests against a fixed ceiling: every
// request, sync or async, holds a slot for its duration; an attempt past
// the ceiling is rejected synchronously rather than queued.
type Admission struct {
	max     int64
	inFlight int64
}

// NewAdmission builds an Admission with the given ceiling. A non-positive
// max disables the limit.
func NewAdmission(max int) *Admission {
	return &Admission{max: int64(max)}
}

// Acquire reserves a slot, reporting whether one was available. Call
// Release exactly once for every Acquire that returns true.
func (a *Admission) Acquire() bool {
	n := atomic.AddInt64(&a.inFlight, 1)
	if a.max <= 0 {
		return true
	}
	if n > a.max {
		atomic.AddInt64(&a.inFlight, -1)
		return false
	}
	return true
}

// Release frees a slot reserved by a successful Acquire.
func (a *Admission) Release() {
	atomic.AddInt64(&a.inFlight, -1)
}

// InFlight reports the current number of admitted requests.
func (a *Admission) InFlight() int {
	return int(atomic.LoadInt64(&a.inFlight))
}
