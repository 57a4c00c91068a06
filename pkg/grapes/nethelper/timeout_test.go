package nethelper

import (
	"testing"
	"time"
)

func TestTimeout_NotExpiredImmediately(t *testing.T) {
	to := NewTimeout(50 * time.Millisecond)
	if to.Expired() {
		t.Fatal("freshly reset timeout reports expired")
	}
	if to.Remaining() <= 0 {
		t.Fatal("freshly reset timeout has no remaining time")
	}
}

func TestTimeout_ExpiresAfterDuration(t *testing.T) {
	to := NewTimeout(10 * time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	if !to.Expired() {
		t.Fatal("timeout did not expire after its duration elapsed")
	}
	if to.Remaining() != 0 {
		t.Fatalf("Remaining() = %v, want 0 once expired", to.Remaining())
	}
}

func TestTimeout_ResetRestartsTheWindow(t *testing.T) {
	to := NewTimeout(15 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if !to.Expired() {
		t.Fatal("expected expiry before Reset")
	}
	to.Reset()
	if to.Expired() {
		t.Fatal("Reset did not restart the window")
	}
}

func TestTimeout_ElapsedGrows(t *testing.T) {
	to := NewTimeout(time.Second)
	first := to.Elapsed()
	time.Sleep(5 * time.Millisecond)
	second := to.Elapsed()
	if second <= first {
		t.Fatalf("Elapsed() did not grow: %v -> %v", first, second)
	}
}
