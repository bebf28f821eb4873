package hostmetrics

import "testing"

func TestCollectReturnsPlausibleSnapshot(t *testing.T) {
	snap := Collect()

	if snap.MemoryPercent < 0 || snap.MemoryPercent > 100 {
		t.Fatalf("MemoryPercent = %v, want between 0 and 100", snap.MemoryPercent)
	}
	if snap.CPUPercent < 0 {
		t.Fatalf("CPUPercent = %v, want non-negative", snap.CPUPercent)
	}
	if snap.UptimeSeconds == 0 {
		t.Fatal("UptimeSeconds = 0, want a positive host uptime")
	}
}
