package security

import "testing"

func TestNewManagerWithoutPathsHasNoTLS(t *testing.T) {
	m, err := NewManager("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.HasTLS() {
		t.Fatalf("expected no TLS configured")
	}
	if m.TLSConfig() != nil {
		t.Fatalf("expected nil TLS config")
	}
}

func TestNewManagerWithMissingCertFileFails(t *testing.T) {
	if _, err := NewManager("/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
		t.Fatalf("expected error loading nonexistent certificate")
	}
}
