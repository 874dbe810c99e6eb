package imap

import (
	"testing"
	"time"
)

func TestParseIMAPDateUTC(t *testing.T) {
	got, err := ParseIMAPDate("24-Jan-2026 20:30:00 +0000")
	if err != nil {
		t.Fatalf("ParseIMAPDate: %v", err)
	}
	want := time.Date(2026, time.January, 24, 20, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseIMAPDateWithOffset(t *testing.T) {
	got, err := ParseIMAPDate("24-Jan-2026 20:30:00 -0500")
	if err != nil {
		t.Fatalf("ParseIMAPDate: %v", err)
	}
	want := time.Date(2026, time.January, 25, 1, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestIsIMAPDate(t *testing.T) {
	if !IsIMAPDate("24-Jan-2026 20:30:00 +0000") {
		t.Error("expected true")
	}
	if IsIMAPDate("(\\Draft)") {
		t.Error("expected false for a flag list token")
	}
}

func TestFormatINTERNALDATE(t *testing.T) {
	d := time.Date(2026, time.January, 5, 9, 8, 7, 0, time.UTC)
	got := FormatINTERNALDATE(d)
	want := " 5-Jan-2026 09:08:07 +0000"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
