package imap

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/xmit-sh/mailgateway/internal/upstream"
)

func pipeServer(t *testing.T, up *fakeUpstream) (client net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	d := NewDispatcher(up, 28*time.Minute, nil)
	srv := &Server{Dispatcher: d, ctx: context.Background()}
	go srv.handleConn(serverConn)
	return clientConn
}

func TestServerSendsGreeting(t *testing.T) {
	client := pipeServer(t, &fakeUpstream{})
	defer client.Close()

	r := bufio.NewReader(client)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if line != greeting {
		t.Fatalf("got %q, want %q", line, greeting)
	}
}

func TestServerRoundTripsCapability(t *testing.T) {
	client := pipeServer(t, &fakeUpstream{})
	defer client.Close()

	r := bufio.NewReader(client)
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	if _, err := client.Write([]byte("a1 CAPABILITY\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	untagged, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read untagged: %v", err)
	}
	if untagged[:2] != "* " {
		t.Fatalf("want untagged line, got %q", untagged)
	}

	tagged, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read tagged: %v", err)
	}
	if tagged != "a1 OK CAPABILITY completed\r\n" {
		t.Fatalf("got %q", tagged)
	}
}

func TestServerLogoutClosesConnection(t *testing.T) {
	client := pipeServer(t, &fakeUpstream{})
	defer client.Close()

	r := bufio.NewReader(client)
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	if _, err := client.Write([]byte("a1 LOGOUT\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read bye: %v", err)
	}
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read tagged ok: %v", err)
	}
	// After LOGOUT the server closes its end; further reads should hit EOF.
	if _, err := r.ReadString('\n'); err == nil {
		t.Fatalf("expected connection closed after LOGOUT")
	}
}

func TestServerLoginThenSelect(t *testing.T) {
	up := &fakeUpstream{
		senders: []upstream.Sender{{ID: "s1", Email: "a@example.com"}},
		folders: map[string][]upstream.MailboxFolder{
			"s1": {{Name: "INBOX"}},
		},
		status: map[string]*upstream.FolderStatus{
			"s1/INBOX": {Exists: 1, UIDValidity: 5, UIDNext: 11},
		},
		messages: map[string][]upstream.MailboxMessage{
			"s1/INBOX": {{UID: 10}},
		},
	}
	client := pipeServer(t, up)
	defer client.Close()

	r := bufio.NewReader(client)
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read greeting: %v", err)
	}

	if _, err := client.Write([]byte(`a1 LOGIN "api" "pm_live_abc"` + "\r\n")); err != nil {
		t.Fatalf("write login: %v", err)
	}
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("read login ok: %v", err)
	}

	if _, err := client.Write([]byte(`a2 SELECT "INBOX"` + "\r\n")); err != nil {
		t.Fatalf("write select: %v", err)
	}
	var lastLine string
	for i := 0; i < 10; i++ {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read select response %d: %v", i, err)
		}
		lastLine = line
		if lastLine[:2] != "* " {
			break
		}
	}
	if lastLine != "a2 OK [READ-WRITE] SELECT completed\r\n" {
		t.Fatalf("got %q", lastLine)
	}
}
