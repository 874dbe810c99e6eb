package imap

import "testing"

func TestSelectedFolderRemove(t *testing.T) {
	f := NewSelectedFolder("s1", "INBOX", 1, 100, false, []uint32{10, 20, 30, 40})
	seq, ok := f.Remove(20)
	if !ok || seq != 2 {
		t.Fatalf("Remove(20) = %d, %v", seq, ok)
	}
	if got := f.UIDs(); len(got) != 3 || got[0] != 10 || got[1] != 30 || got[2] != 40 {
		t.Errorf("UIDs after remove = %v", got)
	}
	if f.Exists() != 3 {
		t.Errorf("Exists = %d, want 3", f.Exists())
	}
}

func TestSelectedFolderRemoveUnknownUID(t *testing.T) {
	f := NewSelectedFolder("s1", "INBOX", 1, 100, false, []uint32{10, 20})
	if _, ok := f.Remove(999); ok {
		t.Error("expected Remove of unknown UID to fail")
	}
}

func TestSelectedFolderRemoveAllSequenceShift(t *testing.T) {
	// Removing UIDs 20 and 40 from {10,20,30,40} should report
	// sequence numbers 2 then 3 (40's position after 20 is already gone).
	f := NewSelectedFolder("s1", "INBOX", 1, 100, false, []uint32{10, 20, 30, 40})
	seqs := f.RemoveAll([]uint32{20, 40})
	if len(seqs) != 2 || seqs[0] != 2 || seqs[1] != 3 {
		t.Errorf("seqs = %v, want [2 3]", seqs)
	}
	if got := f.UIDs(); len(got) != 2 || got[0] != 10 || got[1] != 30 {
		t.Errorf("UIDs after RemoveAll = %v", got)
	}
}

func TestSelectedFolderInsertMaintainsAscending(t *testing.T) {
	f := NewSelectedFolder("s1", "INBOX", 1, 41, false, []uint32{10, 20, 40})
	seq := f.Insert(30)
	if seq != 3 {
		t.Errorf("Insert seq = %d, want 3", seq)
	}
	got := f.UIDs()
	want := []uint32{10, 20, 30, 40}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("UIDs = %v, want %v", got, want)
		}
	}
}

func TestSelectedFolderInsertBumpsUIDNext(t *testing.T) {
	f := NewSelectedFolder("s1", "INBOX", 1, 41, false, []uint32{10, 20, 40})
	f.Insert(41)
	if f.UIDNext != 42 {
		t.Errorf("UIDNext = %d, want 42", f.UIDNext)
	}
}

func TestSelectedFolderSeqOfAndUIDAt(t *testing.T) {
	f := NewSelectedFolder("s1", "INBOX", 1, 100, false, []uint32{10, 20, 30})
	seq, ok := f.SeqOf(20)
	if !ok || seq != 2 {
		t.Fatalf("SeqOf(20) = %d, %v", seq, ok)
	}
	uid, ok := f.UIDAt(2)
	if !ok || uid != 20 {
		t.Fatalf("UIDAt(2) = %d, %v", uid, ok)
	}
	if _, ok := f.UIDAt(0); ok {
		t.Error("UIDAt(0) should fail")
	}
	if _, ok := f.UIDAt(4); ok {
		t.Error("UIDAt(4) should fail")
	}
}

func TestSessionStateTransitions(t *testing.T) {
	s := NewSession("sess-1", "127.0.0.1:1234")
	if s.State() != StateNotAuth {
		t.Fatalf("initial state = %v", s.State())
	}
	if !s.Allowed("LOGIN") {
		t.Error("LOGIN should be allowed pre-auth")
	}
	if s.Allowed("SELECT") {
		t.Error("SELECT should not be allowed pre-auth")
	}

	s.Authenticate("pm_live_abc", "sender-1", "a@example.com", false)
	if s.State() != StateAuth {
		t.Fatalf("state after Authenticate = %v", s.State())
	}
	if !s.Allowed("SELECT") {
		t.Error("SELECT should be allowed once authenticated")
	}
	if s.Allowed("FETCH") {
		t.Error("FETCH should not be allowed without a selected folder")
	}

	f := NewSelectedFolder("sender-1", "INBOX", 1, 1, false, nil)
	s.Select(f)
	if s.State() != StateSelected {
		t.Fatalf("state after Select = %v", s.State())
	}
	if s.Selected() == nil {
		t.Error("Selected() should return the folder")
	}
	if !s.Allowed("FETCH") {
		t.Error("FETCH should be allowed once selected")
	}

	s.Unselect()
	if s.State() != StateAuth || s.Selected() != nil {
		t.Fatalf("state after Unselect = %v, selected = %v", s.State(), s.Selected())
	}

	s.Logout()
	if s.State() != StateLogout {
		t.Fatalf("state after Logout = %v", s.State())
	}
}

func TestSessionIdleLifecycle(t *testing.T) {
	s := NewSession("sess-2", "127.0.0.1:1234")
	if s.Idling() {
		t.Fatal("fresh session should not be idling")
	}
	s.BeginIdle("a1")
	if !s.Idling() {
		t.Fatal("expected Idling true")
	}
	tag := s.EndIdle()
	if tag != "a1" {
		t.Errorf("EndIdle tag = %q, want a1", tag)
	}
	if s.Idling() {
		t.Error("expected Idling false after EndIdle")
	}
}
