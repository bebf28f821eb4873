package lifecycle

import (
	"sync"
	"time"
)

// IPLimiter throttles handshake attempts per remote IP ahead of the
// WebSocket upgrade, per spec.md §4.9 ("per-IP connection-attempt rate
// limiting is applied before accept") and SPEC_FULL.md §3's supplemented
// ban-on-repeated-failure behavior (the original enforces an equivalent
// lockout at its reverse-proxy layer; fleetline brings it in-process since
// the core owns the handshake).
type IPLimiter struct {
	mu          sync.Mutex
	maxAttempts int
	window      time.Duration
	banDuration time.Duration
	attempts    map[string][]time.Time
	bannedUntil map[string]time.Time
	now         func() time.Time
}

// NewIPLimiter creates a limiter allowing maxAttempts handshake failures
// per window before banning the IP for banDuration.
func NewIPLimiter(maxAttempts int, window, banDuration time.Duration) *IPLimiter {
	return &IPLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		banDuration: banDuration,
		attempts:    make(map[string][]time.Time),
		bannedUntil: make(map[string]time.Time),
		now:         time.Now,
	}
}

// Allow reports whether ip may attempt a new handshake right now.
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, banned := l.bannedUntil[ip]; banned {
		if now.Before(until) {
			return false
		}
		delete(l.bannedUntil, ip)
		delete(l.attempts, ip)
	}
	return true
}

// RecordFailure records a failed handshake attempt for ip, banning it for
// banDuration once maxAttempts failures occur within window.
func (l *IPLimiter) RecordFailure(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	recent := l.attempts[ip][:0]
	for _, t := range l.attempts[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	l.attempts[ip] = recent

	if len(recent) >= l.maxAttempts {
		l.bannedUntil[ip] = now.Add(l.banDuration)
		delete(l.attempts, ip)
	}
}

// RecordSuccess clears ip's failure history after a successful handshake.
func (l *IPLimiter) RecordSuccess(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, ip)
}
