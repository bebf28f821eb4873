package lifecycle

import (
	"testing"
	"time"
)

func TestIPLimiterAllowsUntilThreshold(t *testing.T) {
	l := NewIPLimiter(3, time.Minute, 10*time.Minute)
	ip := "10.0.0.1"

	for i := 0; i < 2; i++ {
		if !l.Allow(ip) {
			t.Fatalf("Allow should succeed before ban, attempt %d", i)
		}
		l.RecordFailure(ip)
	}
	if !l.Allow(ip) {
		t.Fatal("should still be allowed after 2 failures with threshold 3")
	}
	l.RecordFailure(ip)
	if l.Allow(ip) {
		t.Fatal("should be banned after 3 failures")
	}
}

func TestIPLimiterBanExpires(t *testing.T) {
	l := NewIPLimiter(1, time.Minute, time.Minute)
	fakeNow := time.Now()
	l.now = func() time.Time { return fakeNow }
	ip := "10.0.0.2"

	l.RecordFailure(ip)
	if l.Allow(ip) {
		t.Fatal("should be banned immediately after threshold failure")
	}

	fakeNow = fakeNow.Add(2 * time.Minute)
	if !l.Allow(ip) {
		t.Fatal("ban should have expired")
	}
}

func TestIPLimiterRecordSuccessClearsHistory(t *testing.T) {
	l := NewIPLimiter(2, time.Minute, time.Minute)
	ip := "10.0.0.3"

	l.RecordFailure(ip)
	l.RecordSuccess(ip)
	l.RecordFailure(ip)
	if !l.Allow(ip) {
		t.Fatal("history should have been cleared by RecordSuccess")
	}
}
