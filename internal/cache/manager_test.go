package cache

import "testing"

func newTestManager() *Manager {
	return NewManager(NewMemoryTier(DefaultMemoryConfig()), nil)
}

func TestInvalidateSenderDoesNotTouchOtherSenders(t *testing.T) {
	m := newTestManager()
	m.SetMemory(KeyFolders("s1"), []string{"INBOX"}, 0)
	m.SetMemory(KeyFolders("s2"), []string{"INBOX"}, 0)
	m.SetMemory(KeyFolderStatus("s1", "INBOX"), "status", 0)

	if err := m.InvalidateSender("s1"); err != nil {
		t.Fatalf("InvalidateSender: %v", err)
	}

	var out []string
	if found, _ := m.GetJSON(KeyFolders("s1"), &out); found {
		t.Error("expected s1 folder list to be invalidated")
	}
	if found, _ := m.GetJSON(KeyFolders("s2"), &out); !found {
		t.Error("expected s2 folder list to survive s1 invalidation")
	}
}

func TestInvalidateFolderDoesNotTouchOtherFolders(t *testing.T) {
	m := newTestManager()
	m.SetMemory(KeyFolderStatus("s1", "INBOX"), "a", 0)
	m.SetMemory(KeyFolderStatus("s1", "Trash"), "b", 0)

	if err := m.InvalidateFolder("s1", "INBOX"); err != nil {
		t.Fatalf("InvalidateFolder: %v", err)
	}

	var out string
	if found, _ := m.GetJSON(KeyFolderStatus("s1", "INBOX"), &out); found {
		t.Error("expected INBOX status to be invalidated")
	}
	if found, _ := m.GetJSON(KeyFolderStatus("s1", "Trash"), &out); !found {
		t.Error("expected Trash status to survive INBOX invalidation")
	}
}

func TestInvalidateMessageDropsListingAndStatus(t *testing.T) {
	m := newTestManager()
	m.SetMemory(KeyMessage("s1", "INBOX", 5), "msg", 0)
	m.SetMemory(KeyMessages("s1", "INBOX"), "listing", 0)
	m.SetMemory(KeyMessagesQuery("s1", "INBOX", "unseen"), "filtered listing", 0)
	m.SetMemory(KeyFolderStatus("s1", "INBOX"), "status", 0)

	if err := m.InvalidateMessage("s1", "INBOX", 5); err != nil {
		t.Fatalf("InvalidateMessage: %v", err)
	}

	var out string
	keys := []string{
		KeyMessage("s1", "INBOX", 5),
		KeyMessages("s1", "INBOX"),
		KeyMessagesQuery("s1", "INBOX", "unseen"),
		KeyFolderStatus("s1", "INBOX"),
	}
	for _, key := range keys {
		if found, _ := m.GetJSON(key, &out); found {
			t.Errorf("expected %s to be invalidated", key)
		}
	}
}
