package imap

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xmit-sh/mailgateway/internal/upstream"
)

const crlf = "\r\n"

// EncodeAString renders s as NIL, a quoted string, or (when it carries
// CR/LF/a double quote or exceeds 100 bytes) an IMAP literal. Length is
// always measured in UTF-8 bytes, never runes or UTF-16 code units.
func EncodeAString(s string, present bool) []byte {
	if !present {
		return []byte("NIL")
	}
	if len(s) <= 100 && !strings.ContainsAny(s, "\r\n\"") {
		return []byte(quote(s))
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "{%d}%s", len(s), crlf)
	b.WriteString(s)
	return b.Bytes()
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// EncodeAddressList renders an address list per §4.5: NIL when empty,
// else a parenthesized list of (name adl mailbox host) quads.
func EncodeAddressList(addrs []upstream.Address) []byte {
	if len(addrs) == 0 {
		return []byte("NIL")
	}
	var b bytes.Buffer
	b.WriteByte('(')
	for i, a := range addrs {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteByte('(')
		b.Write(EncodeAString(a.Name, a.Name != ""))
		b.WriteByte(' ')
		b.Write(EncodeAString(a.ADL, a.ADL != ""))
		b.WriteByte(' ')
		b.Write(EncodeAString(a.Mailbox, a.Mailbox != ""))
		b.WriteByte(' ')
		b.Write(EncodeAString(a.Host, a.Host != ""))
		b.WriteByte(')')
	}
	b.WriteByte(')')
	return b.Bytes()
}

// EncodeEnvelope renders the 10-field ENVELOPE tuple.
func EncodeEnvelope(e *upstream.Envelope) []byte {
	if e == nil {
		return []byte("NIL")
	}
	var b bytes.Buffer
	b.WriteByte('(')
	b.Write(EncodeAString(formatEnvelopeDate(e.Date), !e.Date.IsZero()))
	b.WriteByte(' ')
	b.Write(EncodeAString(e.Subject, e.Subject != ""))
	b.WriteByte(' ')
	b.Write(EncodeAddressList(e.From))
	b.WriteByte(' ')
	b.Write(EncodeAddressList(senderOrFrom(e)))
	b.WriteByte(' ')
	b.Write(EncodeAddressList(replyToOrFrom(e)))
	b.WriteByte(' ')
	b.Write(EncodeAddressList(e.To))
	b.WriteByte(' ')
	b.Write(EncodeAddressList(e.Cc))
	b.WriteByte(' ')
	b.Write(EncodeAddressList(e.Bcc))
	b.WriteByte(' ')
	b.Write(EncodeAString(e.InReplyTo, e.InReplyTo != ""))
	b.WriteByte(' ')
	b.Write(EncodeAString(e.MessageID, e.MessageID != ""))
	b.WriteByte(')')
	return b.Bytes()
}

// formatEnvelopeDate renders t per RFC 5322 §3.3, the format IMAP clients
// expect in the ENVELOPE date field (distinct from INTERNALDATE).
func formatEnvelopeDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05 -0700")
}

func senderOrFrom(e *upstream.Envelope) []upstream.Address {
	if len(e.Sender) > 0 {
		return e.Sender
	}
	return e.From
}

func replyToOrFrom(e *upstream.Envelope) []upstream.Address {
	if len(e.ReplyTo) > 0 {
		return e.ReplyTo
	}
	return e.From
}

// EncodeBodyStructure renders a BODYSTRUCTURE tree: single parts as
// (type subtype params id desc encoding size [lines]), multiparts as
// (part1 part2 … "SUBTYPE").
func EncodeBodyStructure(bs *upstream.BodyStructure) []byte {
	if bs == nil {
		return []byte("NIL")
	}
	var b bytes.Buffer
	encodeBodyStructure(&b, bs)
	return b.Bytes()
}

func encodeBodyStructure(b *bytes.Buffer, bs *upstream.BodyStructure) {
	b.WriteByte('(')
	if strings.EqualFold(bs.Type, "multipart") && len(bs.Parts) > 0 {
		for i := range bs.Parts {
			if i > 0 {
				b.WriteByte(' ')
			}
			encodeBodyStructure(b, &bs.Parts[i])
		}
		b.WriteByte(' ')
		b.Write(EncodeAString(bs.Subtype, bs.Subtype != ""))
		b.WriteByte(')')
		return
	}
	b.Write(EncodeAString(bs.Type, bs.Type != ""))
	b.WriteByte(' ')
	b.Write(EncodeAString(bs.Subtype, bs.Subtype != ""))
	b.WriteByte(' ')
	b.Write(encodeParams(bs.Params))
	b.WriteByte(' ')
	b.Write(EncodeAString(bs.ID, bs.ID != ""))
	b.WriteByte(' ')
	b.Write(EncodeAString(bs.Description, bs.Description != ""))
	b.WriteByte(' ')
	b.Write(EncodeAString(bs.Encoding, bs.Encoding != ""))
	b.WriteByte(' ')
	fmt.Fprintf(b, "%d", bs.Size)
	if strings.EqualFold(bs.Type, "text") {
		fmt.Fprintf(b, " %d", bs.Lines)
	}
	b.WriteByte(')')
}

func encodeParams(params map[string]string) []byte {
	if len(params) == 0 {
		return []byte("NIL")
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b bytes.Buffer
	b.WriteByte('(')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.Write(EncodeAString(k, true))
		b.WriteByte(' ')
		b.Write(EncodeAString(params[k], true))
	}
	b.WriteByte(')')
	return b.Bytes()
}

// EncodeFlags renders a flag list as (\Flag1 \Flag2 …), leaving custom
// keyword flags unprefixed.
func EncodeFlags(flags []string) string {
	return "(" + strings.Join(flags, " ") + ")"
}

// UntaggedLine returns a complete "* <text>\r\n" response.
func UntaggedLine(text string) []byte {
	return []byte("* " + text + crlf)
}

// Continuation returns a "+ <text>\r\n" continuation request.
func Continuation(text string) []byte {
	return []byte("+ " + text + crlf)
}

// TaggedLine returns "<tag> <status> [<code>] <text>\r\n". code may be
// empty.
func TaggedLine(tag, status, code, text string) []byte {
	if code == "" {
		return []byte(tag + " " + status + " " + text + crlf)
	}
	return []byte(tag + " " + status + " [" + code + "] " + text + crlf)
}

// ListLine renders a LIST/LSUB untagged response.
func ListLine(cmdName string, flags []string, delim, name string) []byte {
	var b bytes.Buffer
	b.WriteString("* ")
	b.WriteString(cmdName)
	b.WriteString(" (")
	b.WriteString(strings.Join(flags, " "))
	b.WriteString(") \"")
	b.WriteString(delim)
	b.WriteString("\" ")
	b.Write(encodeMailboxName(name))
	b.WriteString(crlf)
	return b.Bytes()
}

// encodeMailboxName applies the LIST name's literal-vs-quoted rule:
// a literal if it contains CR/LF or exceeds 200 bytes.
func encodeMailboxName(name string) []byte {
	if len(name) > 200 || strings.ContainsAny(name, "\r\n") {
		var b bytes.Buffer
		fmt.Fprintf(&b, "{%d}%s%s", len(name), crlf, name)
		return b.Bytes()
	}
	return []byte(quote(name))
}

// StatusLine renders a STATUS response carrying only the requested
// items, in the order they were requested.
func StatusLine(mailbox string, items []string, values map[string]int64) []byte {
	var b bytes.Buffer
	b.WriteString("* STATUS ")
	b.Write(encodeMailboxName(mailbox))
	b.WriteString(" (")
	for i, item := range items {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(item)
		b.WriteByte(' ')
		fmt.Fprintf(&b, "%d", values[item])
	}
	b.WriteString(")")
	b.WriteString(crlf)
	return b.Bytes()
}

// FetchLiteral renders a "{n}\r\n<bytes>" literal suffix for use inside
// a FETCH response, e.g. after "BODY[]" or "BODY[]<0>".
func FetchLiteral(data []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "{%d}%s", len(data), crlf)
	b.Write(data)
	return b.Bytes()
}

// SpecialUseFlags maps a folder's special-use tag and its plain LIST
// flags together, special-use first.
func SpecialUseFlags(su upstream.SpecialUse, plain []string) []string {
	flags := make([]string, 0, len(plain)+1)
	if f := su.Flag(); f != "" {
		flags = append(flags, f)
	}
	flags = append(flags, plain...)
	return flags
}

// FormatSeqSet renders a sorted list of values (UIDs or new UIDs) as an
// IMAP sequence-set string, collapsing consecutive runs into N:M.
func FormatSeqSet(vals []uint32) string {
	if len(vals) == 0 {
		return ""
	}
	sorted := append([]uint32(nil), vals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var parts []string
	start := sorted[0]
	prev := sorted[0]
	flush := func(end uint32) {
		if start == end {
			parts = append(parts, strconv.FormatUint(uint64(start), 10))
		} else {
			parts = append(parts, fmt.Sprintf("%d:%d", start, end))
		}
	}
	for _, v := range sorted[1:] {
		if v == prev+1 {
			prev = v
			continue
		}
		flush(prev)
		start, prev = v, v
	}
	flush(prev)
	return strings.Join(parts, ",")
}
