package imap

import (
	"bytes"
	"testing"

	"github.com/xmit-sh/mailgateway/internal/upstream"
)

func TestSynthesizeRFC822UsesRawWhenPresent(t *testing.T) {
	raw := []byte("Subject: hi\r\n\r\nBody\r\n")
	msg := &upstream.MailboxMessage{Body: &upstream.Body{Raw: raw}}
	got := SynthesizeRFC822(msg)
	if !bytes.Equal(got, raw) {
		t.Errorf("got %q, want %q", got, raw)
	}
}

func TestSynthesizeRFC822FromEnvelopeAndText(t *testing.T) {
	msg := &upstream.MailboxMessage{
		Envelope: &upstream.Envelope{Subject: "hi", MessageID: "<1@x>"},
		Body:     &upstream.Body{Text: []byte("hello")},
	}
	got := string(SynthesizeRFC822(msg))
	if !bytes.Contains([]byte(got), []byte("Subject: hi")) {
		t.Errorf("got %q", got)
	}
	if !bytes.Contains([]byte(got), []byte("hello")) {
		t.Errorf("got %q", got)
	}
}

func TestExtractSectionFull(t *testing.T) {
	full := []byte("A: 1\r\nB: 2\r\n\r\nbody text")
	if got := ExtractSection(full, ""); !bytes.Equal(got, full) {
		t.Errorf("got %q", got)
	}
}

func TestExtractSectionHeader(t *testing.T) {
	full := []byte("A: 1\r\nB: 2\r\n\r\nbody text")
	got := ExtractSection(full, "HEADER")
	want := []byte("A: 1\r\nB: 2\r\n\r\n")
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestExtractSectionText(t *testing.T) {
	full := []byte("A: 1\r\n\r\nbody text")
	got := ExtractSection(full, "TEXT")
	if string(got) != "body text" {
		t.Errorf("got %q", got)
	}
}

func TestExtractSectionHeaderFields(t *testing.T) {
	full := []byte("From: a@x\r\nTo: b@x\r\nSubject: hi\r\n\r\nbody")
	got := ExtractSection(full, "HEADER.FIELDS (From Subject)")
	s := string(got)
	if !bytes.Contains([]byte(s), []byte("From: a@x")) || !bytes.Contains([]byte(s), []byte("Subject: hi")) {
		t.Errorf("got %q", s)
	}
	if bytes.Contains([]byte(s), []byte("To: b@x")) {
		t.Errorf("unexpected To header in %q", s)
	}
}

func TestExtractSectionDottedPathSingleLevel(t *testing.T) {
	full := []byte("Content-Type: multipart/mixed; boundary=\"b1\"\r\n\r\n" +
		"--b1\r\nContent-Type: text/plain\r\n\r\nfirst part\r\n" +
		"--b1\r\nContent-Type: text/plain\r\n\r\nsecond part\r\n" +
		"--b1--\r\n")

	if got := ExtractSection(full, "1"); string(got) != "first part" {
		t.Errorf("part 1: got %q", got)
	}
	if got := ExtractSection(full, "2"); string(got) != "second part" {
		t.Errorf("part 2: got %q", got)
	}
}

func TestExtractSectionDottedPathNested(t *testing.T) {
	full := []byte("Content-Type: multipart/mixed; boundary=\"outer\"\r\n\r\n" +
		"--outer\r\nContent-Type: multipart/alternative; boundary=\"inner\"\r\n\r\n" +
		"--inner\r\nContent-Type: text/plain\r\n\r\nplain body\r\n" +
		"--inner\r\nContent-Type: text/html\r\n\r\n<p>html body</p>\r\n" +
		"--inner--\r\n" +
		"--outer\r\nContent-Type: text/plain\r\n\r\nattachment body\r\n" +
		"--outer--\r\n")

	if got := ExtractSection(full, "1.1"); string(got) != "plain body" {
		t.Errorf("part 1.1: got %q", got)
	}
	if got := ExtractSection(full, "1.2"); string(got) != "<p>html body</p>" {
		t.Errorf("part 1.2: got %q", got)
	}
	if got := ExtractSection(full, "2"); string(got) != "attachment body" {
		t.Errorf("part 2: got %q", got)
	}
}

func TestExtractSectionDottedPathSinglePartFallsBackToWhole(t *testing.T) {
	full := []byte("Content-Type: text/plain\r\n\r\njust one part")
	if got := ExtractSection(full, "1"); string(got) != "just one part" {
		t.Errorf("got %q", got)
	}
	if got := ExtractSection(full, "2"); !bytes.Equal(got, full) {
		t.Errorf("out-of-range part should fall back to full message, got %q", got)
	}
}

func TestApplyPartialClampsToBounds(t *testing.T) {
	data := []byte("0123456789")
	got, origin := ApplyPartial(data, 5, 100, true)
	if origin != 5 || string(got) != "56789" {
		t.Errorf("got %q origin %d", got, origin)
	}
}

func TestApplyPartialNoPartial(t *testing.T) {
	data := []byte("hello")
	got, origin := ApplyPartial(data, 0, 0, false)
	if origin != -1 || string(got) != "hello" {
		t.Errorf("got %q origin %d", got, origin)
	}
}
