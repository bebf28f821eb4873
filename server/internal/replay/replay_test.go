package replay

import (
	"testing"
	"time"
)

func TestValidateAcceptsFreshNonce(t *testing.T) {
	g := New(5*time.Minute, 30*time.Second, 0)
	ok, reason := g.Validate(time.Now(), "n1")
	if !ok || reason != "" {
		t.Fatalf("Validate(fresh) = %v, %q; want true, \"\"", ok, reason)
	}
}

func TestValidateRejectsReplay(t *testing.T) {
	g := New(5*time.Minute, 30*time.Second, 0)
	now := time.Now()
	if ok, _ := g.Validate(now, "n1"); !ok {
		t.Fatal("first Validate should succeed")
	}
	ok, reason := g.Validate(now, "n1")
	if ok {
		t.Fatal("second Validate with same nonce should fail")
	}
	if reason != "replay" {
		t.Fatalf("reason = %q, want contains replay", reason)
	}
}

func TestValidateRejectsFutureTimestamp(t *testing.T) {
	g := New(5*time.Minute, 30*time.Second, 0)
	ok, reason := g.Validate(time.Now().Add(time.Hour), "n1")
	if ok || reason != "future" {
		t.Fatalf("Validate(future) = %v, %q; want false, future", ok, reason)
	}
}

func TestValidateRejectsTooOld(t *testing.T) {
	g := New(5*time.Minute, 30*time.Second, 0)
	ok, reason := g.Validate(time.Now().Add(-time.Hour), "n1")
	if ok || reason != "too old" {
		t.Fatalf("Validate(too old) = %v, %q; want false, too old", ok, reason)
	}
}

func TestValidateAllowsWithinFutureSkew(t *testing.T) {
	g := New(5*time.Minute, 30*time.Second, 0)
	ok, _ := g.Validate(time.Now().Add(10*time.Second), "n1")
	if !ok {
		t.Fatal("timestamp within future skew should be accepted")
	}
}

func TestEvictionFreesSpaceAfterWindow(t *testing.T) {
	g := New(time.Minute, 30*time.Second, 0)
	fakeNow := time.Now()
	g.now = func() time.Time { return fakeNow }

	if ok, _ := g.Validate(fakeNow, "n1"); !ok {
		t.Fatal("first validate should succeed")
	}
	if g.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", g.Size())
	}

	fakeNow = fakeNow.Add(2 * time.Minute)
	g.now = func() time.Time { return fakeNow }

	// A new nonce at the new time should evict the stale entry and admit.
	if ok, _ := g.Validate(fakeNow, "n2"); !ok {
		t.Fatal("second validate should succeed")
	}
	if g.Size() != 1 {
		t.Fatalf("Size() after eviction = %d, want 1 (n1 evicted, n2 admitted)", g.Size())
	}
}

func TestValidateFailsClosedWhenSaturated(t *testing.T) {
	g := New(5*time.Minute, 30*time.Second, 1)
	now := time.Now()
	if ok, _ := g.Validate(now, "n1"); !ok {
		t.Fatal("first validate should succeed")
	}
	ok, reason := g.Validate(now, "n2")
	if ok || reason != "saturated" {
		t.Fatalf("Validate at capacity = %v, %q; want false, saturated", ok, reason)
	}
}

func TestGenerateNonceIsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		n, err := GenerateNonce()
		if err != nil {
			t.Fatalf("GenerateNonce: %v", err)
		}
		if _, dup := seen[n]; dup {
			t.Fatalf("duplicate nonce generated: %s", n)
		}
		seen[n] = struct{}{}
	}
}
