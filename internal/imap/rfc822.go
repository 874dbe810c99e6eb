package imap

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"

	"github.com/xmit-sh/mailgateway/internal/upstream"
)

// SynthesizeRFC822 produces the full RFC 822 byte representation of a
// message for BODY[]/RFC822 responses. When the upstream already
// supplied raw bytes those are returned verbatim (they are the
// faithful source of truth); otherwise a message is reconstructed from
// whatever headers and text/html parts the upstream did return.
func SynthesizeRFC822(msg *upstream.MailboxMessage) []byte {
	if msg.Body != nil && len(msg.Body.Raw) > 0 {
		return msg.Body.Raw
	}

	var hdr textproto.Header
	if msg.Body != nil && len(msg.Body.Headers) > 0 {
		keys := make([]string, 0, len(msg.Body.Headers))
		for k := range msg.Body.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			hdr.Add(k, msg.Body.Headers[k])
		}
	} else {
		hdr = headerFromEnvelope(msg.Envelope)
	}

	boundary := "gw-" + boundarySeed(msg)
	hasText := msg.Body != nil && len(msg.Body.Text) > 0
	hasHTML := msg.Body != nil && len(msg.Body.HTML) > 0

	var body bytes.Buffer
	switch {
	case hasText && hasHTML:
		hdr.Set("Content-Type", fmt.Sprintf(`multipart/alternative; boundary="%s"`, boundary))
		writeMultipartPart(&body, boundary, "text/plain; charset=utf-8", msg.Body.Text)
		writeMultipartPart(&body, boundary, "text/html; charset=utf-8", msg.Body.HTML)
		fmt.Fprintf(&body, "--%s--"+crlf, boundary)
	case hasHTML:
		hdr.Set("Content-Type", "text/html; charset=utf-8")
		body.Write(msg.Body.HTML)
	default:
		hdr.Set("Content-Type", "text/plain; charset=utf-8")
		if hasText {
			body.Write(msg.Body.Text)
		}
	}

	var out bytes.Buffer
	textproto.WriteHeader(&out, hdr)
	out.Write(body.Bytes())
	return out.Bytes()
}

func writeMultipartPart(b *bytes.Buffer, boundary, contentType string, content []byte) {
	fmt.Fprintf(b, "--%s"+crlf, boundary)
	fmt.Fprintf(b, "Content-Type: %s"+crlf+crlf, contentType)
	b.Write(content)
	b.WriteString(crlf)
}

func boundarySeed(msg *upstream.MailboxMessage) string {
	if msg.Envelope != nil && msg.Envelope.MessageID != "" {
		return strings.Trim(msg.Envelope.MessageID, "<>")
	}
	return fmt.Sprintf("%d", msg.UID)
}

func headerFromEnvelope(e *upstream.Envelope) textproto.Header {
	var hdr textproto.Header
	if e == nil {
		return hdr
	}
	if !e.Date.IsZero() {
		hdr.Set("Date", formatEnvelopeDate(e.Date))
	}
	if e.Subject != "" {
		hdr.Set("Subject", e.Subject)
	}
	if addr := addressListHeader(e.From); addr != "" {
		hdr.Set("From", addr)
	}
	if addr := addressListHeader(e.To); addr != "" {
		hdr.Set("To", addr)
	}
	if addr := addressListHeader(e.Cc); addr != "" {
		hdr.Set("Cc", addr)
	}
	if addr := addressListHeader(e.ReplyTo); addr != "" {
		hdr.Set("Reply-To", addr)
	}
	if e.InReplyTo != "" {
		hdr.Set("In-Reply-To", e.InReplyTo)
	}
	if e.MessageID != "" {
		hdr.Set("Message-Id", e.MessageID)
	}
	return hdr
}

func addressListHeader(addrs []upstream.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		mbox := a.Mailbox + "@" + a.Host
		if a.Name != "" {
			parts = append(parts, fmt.Sprintf("%q <%s>", a.Name, mbox))
		} else {
			parts = append(parts, mbox)
		}
	}
	return strings.Join(parts, ", ")
}

// ExtractSection implements the BODY[section] semantics of §4.5:
//   - "" the full RFC 822 message
//   - HEADER the header block plus its terminating blank line
//   - "HEADER.FIELDS (a b …)" only the named headers (case-insensitive), plus blank line
//   - TEXT the body after the header/body blank-line separator
//   - a dotted numeric path (BODY[1], BODY[2.1], ...): the raw content
//     of the numbered part, found by walking the parsed multipart tree
func ExtractSection(full []byte, section string) []byte {
	section = strings.TrimSpace(section)
	headerEnd := findHeaderBoundary(full)

	switch {
	case section == "":
		return full
	case strings.EqualFold(section, "TEXT"):
		return full[headerEnd:]
	case strings.EqualFold(section, "HEADER"):
		return full[:headerEnd]
	case strings.HasPrefix(strings.ToUpper(section), "HEADER.FIELDS"):
		names := parseHeaderFieldNames(section)
		return filterHeaders(full[:headerEnd], names)
	case isDottedNumericPath(section):
		return extractMIMEPart(full, section)
	default:
		return full
	}
}

func isDottedNumericPath(section string) bool {
	if section == "" {
		return false
	}
	for _, r := range section {
		if r != '.' && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// extractMIMEPart parses full as a MIME message and walks its multipart
// tree along the dotted path (1-indexed at each level), returning the
// content of the selected part as go-message's Entity.Body yields it, that
// is with its Content-Transfer-Encoding decoded. A single, non-multipart
// message answers only to path "1". Anything that fails to parse or
// resolve falls back to the whole message, matching BODY[]'s behavior
// for a message the gateway can't otherwise decompose.
func extractMIMEPart(full []byte, dotted string) []byte {
	segments := strings.Split(dotted, ".")
	path := make([]int, 0, len(segments))
	for _, seg := range segments {
		n, err := strconv.Atoi(seg)
		if err != nil || n < 1 {
			return full
		}
		path = append(path, n)
	}

	entity, err := message.Read(bytes.NewReader(full))
	if err != nil {
		return full
	}

	target, ok := walkMIMEPath(entity, path)
	if !ok {
		return full
	}
	data, err := io.ReadAll(target.Body)
	if err != nil {
		return full
	}
	return data
}

func walkMIMEPath(entity *message.Entity, path []int) (*message.Entity, bool) {
	if len(path) == 0 {
		return entity, true
	}

	mr := entity.MultipartReader()
	if mr == nil {
		if len(path) == 1 && path[0] == 1 {
			return entity, true
		}
		return nil, false
	}

	target := path[0]
	for i := 1; ; i++ {
		part, err := mr.NextPart()
		if err != nil {
			return nil, false
		}
		if i == target {
			return walkMIMEPath(part, path[1:])
		}
	}
}

func findHeaderBoundary(full []byte) int {
	if i := bytes.Index(full, []byte(crlf+crlf)); i >= 0 {
		return i + len(crlf) + len(crlf)
	}
	if i := bytes.Index(full, []byte("\n\n")); i >= 0 {
		return i + 2
	}
	return len(full)
}

func parseHeaderFieldNames(section string) []string {
	i := strings.IndexByte(section, '(')
	j := strings.LastIndexByte(section, ')')
	if i < 0 || j < 0 || j <= i {
		return nil
	}
	return strings.Fields(section[i+1 : j])
}

func filterHeaders(headerBlock []byte, names []string) []byte {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.ToLower(n)] = true
	}
	var out bytes.Buffer
	lines := strings.Split(string(headerBlock), "\n")
	keep := false
	for _, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if trimmed == "" {
			continue
		}
		if line != "" && (line[0] == ' ' || line[0] == '\t') {
			if keep {
				out.WriteString(trimmed)
				out.WriteString(crlf)
			}
			continue
		}
		name, _, ok := strings.Cut(trimmed, ":")
		keep = ok && want[strings.ToLower(strings.TrimSpace(name))]
		if keep {
			out.WriteString(trimmed)
			out.WriteString(crlf)
		}
	}
	out.WriteString(crlf)
	return out.Bytes()
}

// ApplyPartial clamps a <start.length> partial fetch window to the
// byte slice's bounds, per §4.5: start is clamped to 0..len, length is
// taken from the slice starting at the clamped origin.
func ApplyPartial(data []byte, start, length int, hasPartial bool) ([]byte, int) {
	if !hasPartial {
		return data, -1
	}
	if start < 0 {
		start = 0
	}
	if start > len(data) {
		start = len(data)
	}
	end := start + length
	if end > len(data) || length < 0 {
		end = len(data)
	}
	return data[start:end], start
}
