package gate

import (
	"sync"
	"time"
)

const (
	// windowDuration is the rolling window admission timestamps are counted
	// over, per spec: evict anything older than one minute.
	windowDuration = time.Minute
)

// RateLimiter combines a rolling one-minute admission window with a
// concurrency semaphore. Acquire/Release must be called in pairs around
// every command dispatch; Release is safe to call on every exit path
// (success, timeout, error) and never drives the in-flight counter below
// zero.
type RateLimiter struct {
	mu            sync.Mutex
	maxPerMinute  int
	maxConcurrent int
	admissions    []time.Time
	inFlight      int

	now func() time.Time
}

// NewRateLimiter builds a RateLimiter admitting at most maxPerMinute
// commands per rolling minute and maxConcurrent commands at once.
func NewRateLimiter(maxPerMinute, maxConcurrent int) *RateLimiter {
	return &RateLimiter{
		maxPerMinute:  maxPerMinute,
		maxConcurrent: maxConcurrent,
		now:           time.Now,
	}
}

// Acquire attempts to admit one command. Reason is non-empty only when ok
// is false.
func (r *RateLimiter) Acquire() (ok bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return false, "too many concurrent"
	}

	now := r.now()
	cutoff := now.Add(-windowDuration)
	kept := r.admissions[:0]
	for _, t := range r.admissions {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.admissions = kept

	if len(r.admissions) >= r.maxPerMinute {
		return false, "rate limit"
	}

	r.admissions = append(r.admissions, now)
	r.inFlight++
	return true, ""
}

// Release decrements the in-flight counter. Never drives it below zero —
// a Release without a matching successful Acquire is a no-op.
func (r *RateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight > 0 {
		r.inFlight--
	}
}
