package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterBlocksAfterMaxAttempts(t *testing.T) {
	l := New(3, time.Hour, time.Hour)
	defer l.Close()

	if l.IsBlocked("1.2.3.4") {
		t.Fatalf("should not be blocked yet")
	}
	l.RecordFailure("1.2.3.4")
	l.RecordFailure("1.2.3.4")
	blocked := l.RecordFailure("1.2.3.4")
	if !blocked {
		t.Fatalf("expected third failure to trip the block")
	}
	if !l.IsBlocked("1.2.3.4") {
		t.Fatalf("expected key to be blocked")
	}
}

func TestLimiterRecordSuccessClears(t *testing.T) {
	l := New(2, time.Hour, time.Hour)
	defer l.Close()
	l.RecordFailure("k")
	l.RecordSuccess("k")
	if l.RecordFailure("k") {
		t.Fatalf("should not be blocked after a single failure post-reset")
	}
}

func TestLimiterUnknownKeyNotBlocked(t *testing.T) {
	l := New(3, time.Hour, time.Hour)
	defer l.Close()
	if l.IsBlocked("never-seen") {
		t.Fatalf("unknown key should not be blocked")
	}
}
