package logging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, format string) (*Logger, func() string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := New(Config{Level: "debug", Format: format, Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, func() string {
		b, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		return strings.TrimSpace(string(b))
	}
}

func TestNewDefaultsToJSON(t *testing.T) {
	l, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l == nil || l.Logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewInvalidOutputPath(t *testing.T) {
	_, err := New(Config{Level: "info", Format: "json", Output: filepath.Join(t.TempDir(), "missing-dir", "x.log")})
	if err == nil {
		t.Fatal("expected error opening unwritable path")
	}
}

func TestLoggerJSONOutput(t *testing.T) {
	l, read := newTestLogger(t, "json")
	l.Info("hello", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal([]byte(read()), &entry); err != nil {
		t.Fatalf("expected valid JSON line, got %q: %v", read(), err)
	}
	if entry["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", entry["msg"])
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want value", entry["key"])
	}
}

func TestLoggerTextOutput(t *testing.T) {
	l, read := newTestLogger(t, "text")
	l.Info("hello world")
	if !strings.Contains(read(), "hello world") {
		t.Errorf("expected text output to contain message, got %q", read())
	}
}

func TestContextPropagation(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithSenderID(ctx, "sender-42")
	ctx = WithRemoteAddr(ctx, "10.0.0.1:5555")
	ctx = WithProtocol(ctx, "imap")
	ctx = WithMessageID(ctx, "msg-1")
	ctx = WithMailbox(ctx, "INBOX")

	l, read := newTestLogger(t, "json")
	l.InfoContext(ctx, "did a thing")

	var entry map[string]any
	if err := json.Unmarshal([]byte(read()), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	for k, want := range map[string]string{
		"trace_id":    "trace-123",
		"sender_id":   "sender-42",
		"remote_addr": "10.0.0.1:5555",
		"protocol":    "imap",
		"message_id":  "msg-1",
		"mailbox":     "INBOX",
	} {
		if entry[k] != want {
			t.Errorf("%s = %v, want %s", k, entry[k], want)
		}
	}
}

func TestContextPropagationPartial(t *testing.T) {
	ctx := WithProtocol(context.Background(), "smtp")

	l, read := newTestLogger(t, "json")
	l.WarnContext(ctx, "partial context")

	var entry map[string]any
	if err := json.Unmarshal([]byte(read()), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["protocol"] != "smtp" {
		t.Errorf("protocol = %v, want smtp", entry["protocol"])
	}
	if _, ok := entry["sender_id"]; ok {
		t.Error("sender_id should be absent when not set on context")
	}
}

type testError struct{ msg string }

func (e testError) Error() string { return e.msg }

func TestErrorContextIncludesError(t *testing.T) {
	l, read := newTestLogger(t, "json")
	l.ErrorContext(context.Background(), "failed", testError{"boom"})

	var entry map[string]any
	if err := json.Unmarshal([]byte(read()), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v, want boom", entry["error"])
	}
}

func TestErrorContextNilError(t *testing.T) {
	l, read := newTestLogger(t, "json")
	l.ErrorContext(context.Background(), "failed without error", nil)

	var entry map[string]any
	if err := json.Unmarshal([]byte(read()), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := entry["error"]; ok {
		t.Error("error field should be absent when err is nil")
	}
}

func TestDebugContext(t *testing.T) {
	l, err := New(Config{Level: "debug", Format: "json", Output: filepath.Join(t.TempDir(), "d.log")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := WithMailbox(context.Background(), "Drafts")
	l.DebugContext(ctx, "debug event")
}

func TestComponentLoggers(t *testing.T) {
	cases := []struct {
		name string
		fn   func(*Logger) *Logger
		want string
	}{
		{"smtp", (*Logger).SMTP, "smtp"},
		{"imap", (*Logger).IMAP, "imap"},
		{"upstream", (*Logger).Upstream, "upstream"},
		{"cache", (*Logger).Cache, "cache"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, read := newTestLogger(t, "json")
			tc.fn(l).Info("event")

			var entry map[string]any
			if err := json.Unmarshal([]byte(read()), &entry); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if entry["component"] != tc.want {
				t.Errorf("component = %v, want %s", entry["component"], tc.want)
			}
		})
	}
}

func TestWithErrorNil(t *testing.T) {
	l, _ := newTestLogger(t, "json")
	if got := l.WithError(nil); got != l {
		t.Error("WithError(nil) should return the same logger")
	}
}

func TestWithErrorSet(t *testing.T) {
	l, read := newTestLogger(t, "json")
	l.WithError(testError{"oops"}).Info("something broke")

	var entry map[string]any
	if err := json.Unmarshal([]byte(read()), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["error"] != "oops" {
		t.Errorf("error = %v, want oops", entry["error"])
	}
}

func TestWithFields(t *testing.T) {
	l, read := newTestLogger(t, "json")
	l2 := l.WithFields("request_id", "r1")
	l2.Info("event")

	var entry map[string]any
	if err := json.Unmarshal([]byte(read()), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["request_id"] != "r1" {
		t.Errorf("request_id = %v, want r1", entry["request_id"])
	}
}

func TestCallerAddsLocation(t *testing.T) {
	l, read := newTestLogger(t, "json")
	func() {
		l.Caller().Info("with caller")
	}()

	var entry map[string]any
	if err := json.Unmarshal([]byte(read()), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	caller, ok := entry["caller"].(map[string]any)
	if !ok {
		t.Fatalf("expected caller group, got %v", entry["caller"])
	}
	if caller["file"] == "" || caller["file"] == nil {
		t.Error("expected non-empty caller file")
	}
}

func TestDefault(t *testing.T) {
	l := Default()
	if l == nil {
		t.Fatal("expected non-nil default logger")
	}
}
