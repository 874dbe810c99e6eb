package imap

import "testing"

func TestParseCommandBasic(t *testing.T) {
	cmd, err := ParseCommand(`a LOGIN api pm_live_XYZ`, nil)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if cmd.Tag != "a" || cmd.Name != "LOGIN" {
		t.Fatalf("got %+v", cmd)
	}
	if len(cmd.Args) != 2 || cmd.Args[0] != "api" || cmd.Args[1] != "pm_live_XYZ" {
		t.Fatalf("args = %v", cmd.Args)
	}
}

func TestParseCommandUIDShift(t *testing.T) {
	cmd, err := ParseCommand(`b UID FETCH 1:5 (FLAGS)`, nil)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if !cmd.UseUID {
		t.Fatal("expected UseUID true")
	}
	if cmd.Name != "FETCH" {
		t.Fatalf("name = %q, want FETCH", cmd.Name)
	}
	if cmd.Args[0] != "1:5" {
		t.Fatalf("args[0] = %q", cmd.Args[0])
	}
}

func TestParseCommandQuotedMailboxWithSpace(t *testing.T) {
	cmd, err := ParseCommand(`c SELECT "My Folder"`, nil)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if cmd.Args[0] != "My Folder" {
		t.Fatalf("args[0] = %q, want \"My Folder\"", cmd.Args[0])
	}
}

func TestParseCommandParenGroupIsOneToken(t *testing.T) {
	cmd, err := ParseCommand(`d STORE 1:2 +FLAGS (\Seen \Answered)`, nil)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if len(cmd.Args) != 3 {
		t.Fatalf("args = %v, want 3 tokens", cmd.Args)
	}
	if cmd.Args[2] != `(\Seen \Answered)` {
		t.Fatalf("args[2] = %q", cmd.Args[2])
	}
}

func TestParseCommandEmptyLine(t *testing.T) {
	if _, err := ParseCommand("", nil); err == nil {
		t.Fatal("expected error for empty line")
	}
}

func TestParseCommandBracketedFetchSection(t *testing.T) {
	cmd, err := ParseCommand(`e FETCH 1 (BODY.PEEK[HEADER.FIELDS (From To)]<0.100>)`, nil)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if len(cmd.Args) != 2 {
		t.Fatalf("args = %v", cmd.Args)
	}
	items, err := ParseFetchItems(cmd.Args[1])
	if err != nil {
		t.Fatalf("ParseFetchItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %+v", items)
	}
	it := items[0]
	if it.Name != "BODY" || !it.Peek {
		t.Errorf("item = %+v, want BODY.PEEK", it)
	}
	if it.Section != "HEADER.FIELDS (From To)" {
		t.Errorf("section = %q", it.Section)
	}
	if !it.HasPartial || it.PartialStart != 0 || it.PartialLength != 100 {
		t.Errorf("partial = %+v", it)
	}
}
