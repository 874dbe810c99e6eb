package auth

import "testing"

func TestValidKeyFormat(t *testing.T) {
	cases := []struct {
		key  string
		want bool
	}{
		{"pm_live_abc123", true},
		{"pm_test_abc123", true},
		{"pm_live_", true},
		{"sk_live_abc123", false},
		{"abc123", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := ValidKeyFormat(tc.key); got != tc.want {
			t.Errorf("ValidKeyFormat(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestIsAllSendersUsername(t *testing.T) {
	cases := []struct {
		username string
		want     bool
	}{
		{"api", true},
		{"*", true},
		{"someone@example.com", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsAllSendersUsername(tc.username); got != tc.want {
			t.Errorf("IsAllSendersUsername(%q) = %v, want %v", tc.username, got, tc.want)
		}
	}
}

func TestResolveSenderEmail(t *testing.T) {
	senders := []Sender{
		{ID: "s1", Email: "alice@example.com"},
		{ID: "s2", Email: "Bob@Example.com"},
	}

	if s, ok := ResolveSenderEmail(senders, "alice@example.com"); !ok || s.ID != "s1" {
		t.Fatalf("exact match failed: %+v, %v", s, ok)
	}
	if s, ok := ResolveSenderEmail(senders, "bob@example.com"); !ok || s.ID != "s2" {
		t.Fatalf("case-insensitive match failed: %+v, %v", s, ok)
	}
	if _, ok := ResolveSenderEmail(senders, "carol@example.com"); ok {
		t.Fatalf("expected no match for unknown sender")
	}
	if _, ok := ResolveSenderEmail(nil, "alice@example.com"); ok {
		t.Fatalf("expected no match against empty sender list")
	}
}
