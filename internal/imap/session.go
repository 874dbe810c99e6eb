package imap

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SelectedFolder is the per-session view of a mailbox folder opened by
// SELECT/EXAMINE. messageUids is the ascending UID vector that defines
// the session's sequence-number <-> UID mapping for as long as the
// folder stays selected; it only changes on EXPUNGE, MOVE, an APPEND
// into the selected folder, or a re-SELECT.
type SelectedFolder struct {
	SenderID      string
	Name          string
	UIDValidity   uint32
	UIDNext       uint32
	ReadOnly      bool
	HighestModSeq uint64

	messageUids []uint32
}

// NewSelectedFolder builds a SelectedFolder from an ascending UID list
// as returned by the upstream folder listing.
func NewSelectedFolder(senderID, name string, uidValidity, uidNext uint32, readOnly bool, uids []uint32) *SelectedFolder {
	sorted := append([]uint32(nil), uids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return &SelectedFolder{
		SenderID:    senderID,
		Name:        name,
		UIDValidity: uidValidity,
		UIDNext:     uidNext,
		ReadOnly:    readOnly,
		messageUids: sorted,
	}
}

// Exists is the folder's EXISTS count: the number of messages currently
// mapped by this session.
func (f *SelectedFolder) Exists() int {
	return len(f.messageUids)
}

// UIDs returns the current ascending UID vector. Callers must not
// mutate the returned slice.
func (f *SelectedFolder) UIDs() []uint32 {
	return f.messageUids
}

// SeqOf returns the 1-based sequence number currently mapped to uid.
func (f *SelectedFolder) SeqOf(uid uint32) (int, bool) {
	i := sort.Search(len(f.messageUids), func(i int) bool { return f.messageUids[i] >= uid })
	if i < len(f.messageUids) && f.messageUids[i] == uid {
		return i + 1, true
	}
	return 0, false
}

// UIDAt returns the UID at 1-based sequence number seq.
func (f *SelectedFolder) UIDAt(seq int) (uint32, bool) {
	if seq < 1 || seq > len(f.messageUids) {
		return 0, false
	}
	return f.messageUids[seq-1], true
}

// Remove splices uid out of the vector, as EXPUNGE and the removing
// side of MOVE require. It returns the sequence number the message
// held immediately before removal, preserving the "strictly ascending"
// invariant and shifting every later sequence number down by one.
func (f *SelectedFolder) Remove(uid uint32) (seq int, ok bool) {
	seq, ok = f.SeqOf(uid)
	if !ok {
		return 0, false
	}
	f.messageUids = append(f.messageUids[:seq-1], f.messageUids[seq:]...)
	return seq, true
}

// RemoveAll splices every uid in uids out of the vector in one pass and
// returns, in ascending UID order, the sequence number each held
// immediately before its own removal, counting the removals before it
// (the order EXPUNGE responses must be emitted in: each untagged EXPUNGE
// reply refers to the vector as it stood after the previous splice).
func (f *SelectedFolder) RemoveAll(uids []uint32) []int {
	toRemove := make(map[uint32]bool, len(uids))
	for _, u := range uids {
		toRemove[u] = true
	}
	var seqs []int
	kept := f.messageUids[:0:0]
	for i, u := range f.messageUids {
		if toRemove[u] {
			seqs = append(seqs, i+1-len(seqs))
			continue
		}
		kept = append(kept, u)
	}
	f.messageUids = kept
	return seqs
}

// Insert splices a newly APPENDed uid into the vector,
// keeping it ascending, and returns its new sequence number.
func (f *SelectedFolder) Insert(uid uint32) int {
	i := sort.Search(len(f.messageUids), func(i int) bool { return f.messageUids[i] >= uid })
	f.messageUids = append(f.messageUids, 0)
	copy(f.messageUids[i+1:], f.messageUids[i:])
	f.messageUids[i] = uid
	if uid >= f.UIDNext {
		f.UIDNext = uid + 1
	}
	return i + 1
}

// Session is the mutable state of one IMAP connection: its position in
// the NotAuth/Auth/Selected/Logout state machine, its authenticated
// sender scope, and (while Selected) the folder it has open.
//
// Invariant: Selected != nil iff State == StateSelected.
type Session struct {
	mu sync.Mutex

	ID         string
	RemoteAddr string
	StartedAt  time.Time

	state State

	apiKey string

	senderID    string
	senderEmail string
	allSenders  bool // LOGIN username "*": scoped to every sender visible to the key

	selected *SelectedFolder

	idling      bool
	idleTag     string
	idleStarted time.Time
}

// NewSession creates a fresh, unauthenticated session.
func NewSession(id, remoteAddr string) *Session {
	return &Session{
		ID:         id,
		RemoteAddr: remoteAddr,
		StartedAt:  time.Now(),
		state:      StateNotAuth,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Allowed(cmdName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Allowed(s.state, cmdName)
}

// Authenticate transitions NotAuth -> Auth, recording the validated API
// key and the sender scope resolved from the LOGIN username.
func (s *Session) Authenticate(apiKey, senderID, senderEmail string, allSenders bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = apiKey
	s.senderID = senderID
	s.senderEmail = senderEmail
	s.allSenders = allSenders
	s.state = StateAuth
}

func (s *Session) APIKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiKey
}

// SenderScope reports the sender this session is authenticated as, and
// whether it is scoped to all senders visible to the key (LOGIN
// username "*" or "api").
func (s *Session) SenderScope() (id, email string, all bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.senderID, s.senderEmail, s.allSenders
}

// Select transitions into StateSelected with the given folder. A
// session already in StateSelected silently replaces its prior folder,
// matching a bare SELECT/EXAMINE issued while one is already open.
func (s *Session) Select(f *SelectedFolder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = f
	s.state = StateSelected
}

// Unselect drops the open folder and returns to StateAuth, as CLOSE and
// a failed re-SELECT require.
func (s *Session) Unselect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = nil
	if s.state == StateSelected {
		s.state = StateAuth
	}
}

// Selected returns the open folder, or nil outside StateSelected.
func (s *Session) Selected() *SelectedFolder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = nil
	s.state = StateLogout
}

// BeginIdle records that the session has entered IDLE under tag.
func (s *Session) BeginIdle(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idling = true
	s.idleTag = tag
	s.idleStarted = time.Now()
}

// EndIdle clears IDLE state and returns the tag DONE should be replied
// under.
func (s *Session) EndIdle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag := s.idleTag
	s.idling = false
	s.idleTag = ""
	return tag
}

func (s *Session) Idling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idling
}

// IdleElapsed reports how long the session has been idling, used by
// the server to enforce the configured IDLE timeout.
func (s *Session) IdleElapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.idling {
		return 0
	}
	return time.Since(s.idleStarted)
}

func (s *Session) String() string {
	return fmt.Sprintf("session{id=%s addr=%s state=%s}", s.ID, s.RemoteAddr, s.State())
}
