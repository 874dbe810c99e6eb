package imap

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/xmit-sh/mailgateway/internal/upstream"
)

type fakeUpstream struct {
	senders       []upstream.Sender
	folders       map[string][]upstream.MailboxFolder
	status        map[string]*upstream.FolderStatus
	messages      map[string][]upstream.MailboxMessage
	bodies        map[string]*upstream.Body
	searchResults []uint32
	deleted       []uint32
	movedTo       string
	appendedUID   uint32
}

func key(senderID, folder string) string { return senderID + "/" + folder }

func (f *fakeUpstream) ValidateKey(ctx context.Context, apiKey string) (string, error) {
	return "ws1", nil
}
func (f *fakeUpstream) ListSenders(ctx context.Context, apiKey string) ([]upstream.Sender, error) {
	return f.senders, nil
}
func (f *fakeUpstream) ListFolders(ctx context.Context, apiKey, senderID string) ([]upstream.MailboxFolder, error) {
	return f.folders[senderID], nil
}
func (f *fakeUpstream) FolderStatus(ctx context.Context, apiKey, senderID, folder string) (*upstream.FolderStatus, error) {
	return f.status[key(senderID, folder)], nil
}
func (f *fakeUpstream) ListMessages(ctx context.Context, apiKey, senderID, folder string, opts upstream.MessageListOptions) ([]upstream.MailboxMessage, error) {
	all := f.messages[key(senderID, folder)]
	if len(opts.UIDs) == 0 {
		return all, nil
	}
	want := map[uint32]bool{}
	for _, u := range opts.UIDs {
		want[u] = true
	}
	var out []upstream.MailboxMessage
	for _, m := range all {
		if want[m.UID] {
			out = append(out, m)
		}
	}
	return out, nil
}
func (f *fakeUpstream) GetMessage(ctx context.Context, apiKey, senderID, folder string, uid uint32) (*upstream.MailboxMessage, error) {
	for _, m := range f.messages[key(senderID, folder)] {
		if m.UID == uid {
			cp := m
			return &cp, nil
		}
	}
	return nil, errNotFound
}
func (f *fakeUpstream) GetBody(ctx context.Context, apiKey, senderID, folder string, uid uint32, peek bool) (*upstream.Body, error) {
	return f.bodies[key(senderID, folder)], nil
}
func (f *fakeUpstream) UpdateFlags(ctx context.Context, apiKey, senderID, folder string, uid uint32, flags []string) ([]string, error) {
	return flags, nil
}
func (f *fakeUpstream) Copy(ctx context.Context, apiKey, senderID, folder string, uid uint32, targetFolder string) (uint32, error) {
	f.movedTo = targetFolder
	return uid + 1000, nil
}
func (f *fakeUpstream) Move(ctx context.Context, apiKey, senderID, folder string, uid uint32, targetFolder string) (uint32, error) {
	f.movedTo = targetFolder
	f.deleted = append(f.deleted, uid)
	return uid + 1000, nil
}
func (f *fakeUpstream) Append(ctx context.Context, apiKey, senderID, folder string, raw []byte, flags []string, date *time.Time) (uint32, error) {
	return f.appendedUID, nil
}
func (f *fakeUpstream) Delete(ctx context.Context, apiKey, senderID, folder string, uid uint32, expunge bool) error {
	f.deleted = append(f.deleted, uid)
	return nil
}
func (f *fakeUpstream) Search(ctx context.Context, apiKey, senderID, folder string, criteria []upstream.SearchCriterion) ([]uint32, error) {
	return f.searchResults, nil
}
func (f *fakeUpstream) CreateFolder(ctx context.Context, apiKey, senderID, name string) error {
	return nil
}
func (f *fakeUpstream) DeleteFolder(ctx context.Context, apiKey, senderID, name string) error {
	return nil
}

var errNotFound = &notFoundErr{}

type notFoundErr struct{}

func (*notFoundErr) Error() string { return "not found" }

func newTestDispatcher(up *fakeUpstream) *Dispatcher {
	return NewDispatcher(up, 28*time.Minute, nil)
}

func authedSession(up *fakeUpstream) *Session {
	s := NewSession("t1", "127.0.0.1:1")
	s.Authenticate("pm_live_x", "s1", "a@example.com", false)
	return s
}

func TestDispatchLoginInvalidFormat(t *testing.T) {
	up := &fakeUpstream{}
	d := newTestDispatcher(up)
	s := NewSession("t1", "127.0.0.1:1")
	cmd, _ := ParseCommand(`a LOGIN "api" "bad-password"`, nil)
	out := d.Dispatch(context.Background(), s, cmd)
	last := string(out[len(out)-1])
	if !strings.Contains(last, "NO") {
		t.Fatalf("expected NO, got %q", last)
	}
}

func TestDispatchLoginAllSenders(t *testing.T) {
	up := &fakeUpstream{}
	d := newTestDispatcher(up)
	s := NewSession("t1", "127.0.0.1:1")
	cmd, _ := ParseCommand(`a LOGIN "api" "pm_live_abc"`, nil)
	out := d.Dispatch(context.Background(), s, cmd)
	if !strings.Contains(string(out[0]), "OK") {
		t.Fatalf("expected OK, got %q", out[0])
	}
	if s.State() != StateAuth {
		t.Fatalf("state = %v", s.State())
	}
}

func TestDispatchSelect(t *testing.T) {
	up := &fakeUpstream{
		status: map[string]*upstream.FolderStatus{
			"s1/INBOX": {Exists: 2, Recent: 1, Unseen: 1, UIDValidity: 7, UIDNext: 100, Flags: []string{`\Seen`}, PermanentFlags: []string{`\Seen`, `\Deleted`}},
		},
		messages: map[string][]upstream.MailboxMessage{
			"s1/INBOX": {{UID: 10, Flags: []string{`\Seen`}}, {UID: 20}},
		},
	}
	d := newTestDispatcher(up)
	s := authedSession(up)
	cmd, _ := ParseCommand(`a SELECT "INBOX"`, nil)
	out := d.Dispatch(context.Background(), s, cmd)
	joined := joinLines(out)
	if !strings.Contains(joined, "2 EXISTS") || !strings.Contains(joined, "1 RECENT") {
		t.Fatalf("missing EXISTS/RECENT: %s", joined)
	}
	if !strings.Contains(joined, "UIDVALIDITY 7") {
		t.Fatalf("missing UIDVALIDITY: %s", joined)
	}
	if !strings.Contains(joined, "UNSEEN 2") {
		t.Fatalf("expected UNSEEN 2 (uid 20 is the second message, unseen): %s", joined)
	}
	if s.State() != StateSelected {
		t.Fatalf("state = %v", s.State())
	}
}

func TestDispatchFetchFlags(t *testing.T) {
	up := &fakeUpstream{
		messages: map[string][]upstream.MailboxMessage{
			"s1/INBOX": {{UID: 10, Flags: []string{`\Seen`}}, {UID: 20, Flags: []string{`\Answered`}}},
		},
	}
	d := newTestDispatcher(up)
	s := authedSession(up)
	s.Select(NewSelectedFolder("s1", "INBOX", 1, 100, false, []uint32{10, 20}))
	cmd, _ := ParseCommand(`a FETCH 1:2 (FLAGS)`, nil)
	out := d.Dispatch(context.Background(), s, cmd)
	joined := joinLines(out)
	if !strings.Contains(joined, "1 FETCH (FLAGS (\\Seen))") {
		t.Fatalf("joined = %s", joined)
	}
	if !strings.Contains(joined, "2 FETCH (FLAGS (\\Answered))") {
		t.Fatalf("joined = %s", joined)
	}
}

func TestDispatchStoreEmitsUntaggedFetch(t *testing.T) {
	up := &fakeUpstream{
		messages: map[string][]upstream.MailboxMessage{
			"s1/INBOX": {{UID: 10, Flags: []string{`\Seen`}}},
		},
	}
	d := newTestDispatcher(up)
	s := authedSession(up)
	s.Select(NewSelectedFolder("s1", "INBOX", 1, 100, false, []uint32{10}))
	cmd, _ := ParseCommand(`a STORE 1 +FLAGS (\Deleted)`, nil)
	out := d.Dispatch(context.Background(), s, cmd)
	joined := joinLines(out)
	if !strings.Contains(joined, "1 FETCH (FLAGS") || !strings.Contains(joined, "\\Deleted") {
		t.Fatalf("joined = %s", joined)
	}
}

func TestDispatchMoveEmitsExpungeThenCopyUID(t *testing.T) {
	up := &fakeUpstream{
		status: map[string]*upstream.FolderStatus{
			"s1/Trash": {UIDValidity: 9},
		},
		folders: map[string][]upstream.MailboxFolder{
			"s1": {{Name: "Trash"}},
		},
	}
	d := newTestDispatcher(up)
	s := authedSession(up)
	s.Select(NewSelectedFolder("s1", "INBOX", 1, 100, false, []uint32{10, 20, 30, 40}))
	cmd, _ := ParseCommand(`a UID MOVE 10,30 "Trash"`, nil)
	out := d.Dispatch(context.Background(), s, cmd)
	joined := joinLines(out)
	if !strings.Contains(joined, "* 1 EXPUNGE") || !strings.Contains(joined, "* 2 EXPUNGE") {
		t.Fatalf("joined = %s", joined)
	}
	if !strings.Contains(joined, "COPYUID 9") {
		t.Fatalf("joined = %s", joined)
	}
	remaining := s.Selected().UIDs()
	if len(remaining) != 2 || remaining[0] != 20 || remaining[1] != 40 {
		t.Fatalf("remaining = %v", remaining)
	}
}

func TestDispatchNamespace(t *testing.T) {
	up := &fakeUpstream{}
	d := newTestDispatcher(up)
	s := authedSession(up)
	cmd, _ := ParseCommand(`a NAMESPACE`, nil)
	out := d.Dispatch(context.Background(), s, cmd)
	if !strings.Contains(string(out[0]), `(("" "/")) NIL NIL`) {
		t.Fatalf("out[0] = %s", out[0])
	}
}

func TestDispatchCommandForbiddenInState(t *testing.T) {
	up := &fakeUpstream{}
	d := newTestDispatcher(up)
	s := NewSession("t1", "127.0.0.1:1")
	cmd, _ := ParseCommand(`a SELECT "INBOX"`, nil)
	out := d.Dispatch(context.Background(), s, cmd)
	if !strings.Contains(string(out[0]), "BAD") {
		t.Fatalf("expected BAD, got %s", out[0])
	}
}

func joinLines(lines [][]byte) string {
	var b strings.Builder
	for _, l := range lines {
		b.Write(l)
	}
	return b.String()
}
