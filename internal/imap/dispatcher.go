package imap

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xmit-sh/mailgateway/internal/auth"
	"github.com/xmit-sh/mailgateway/internal/logging"
	"github.com/xmit-sh/mailgateway/internal/metrics"
	"github.com/xmit-sh/mailgateway/internal/upstream"
)

// UpstreamClient is the subset of *upstream.Client the dispatcher
// depends on; narrowed to an interface so handlers can be tested
// against a fake.
type UpstreamClient interface {
	MailboxResolver
	ValidateKey(ctx context.Context, apiKey string) (string, error)
	FolderStatus(ctx context.Context, apiKey, senderID, folder string) (*upstream.FolderStatus, error)
	ListMessages(ctx context.Context, apiKey, senderID, folder string, opts upstream.MessageListOptions) ([]upstream.MailboxMessage, error)
	GetMessage(ctx context.Context, apiKey, senderID, folder string, uid uint32) (*upstream.MailboxMessage, error)
	GetBody(ctx context.Context, apiKey, senderID, folder string, uid uint32, peek bool) (*upstream.Body, error)
	UpdateFlags(ctx context.Context, apiKey, senderID, folder string, uid uint32, flags []string) ([]string, error)
	Copy(ctx context.Context, apiKey, senderID, folder string, uid uint32, targetFolder string) (uint32, error)
	Move(ctx context.Context, apiKey, senderID, folder string, uid uint32, targetFolder string) (uint32, error)
	Append(ctx context.Context, apiKey, senderID, folder string, raw []byte, flags []string, date *time.Time) (uint32, error)
	Delete(ctx context.Context, apiKey, senderID, folder string, uid uint32, expunge bool) error
	Search(ctx context.Context, apiKey, senderID, folder string, criteria []upstream.SearchCriterion) ([]uint32, error)
	CreateFolder(ctx context.Context, apiKey, senderID, name string) error
	DeleteFolder(ctx context.Context, apiKey, senderID, name string) error
}

// Dispatcher executes parsed Commands against a Session, producing the
// ordered wire responses the server writes back.
type Dispatcher struct {
	Upstream    UpstreamClient
	IdleTimeout time.Duration
	Log         *logging.Logger
}

// NewDispatcher builds a Dispatcher. idleTimeout is clamped to 28
// minutes per RFC 2177's advice that servers not let a connection sit
// idle long enough for middleboxes to reap it.
func NewDispatcher(client UpstreamClient, idleTimeout time.Duration, log *logging.Logger) *Dispatcher {
	if idleTimeout <= 0 || idleTimeout > 28*time.Minute {
		idleTimeout = 28 * time.Minute
	}
	return &Dispatcher{Upstream: client, IdleTimeout: idleTimeout, Log: log}
}

// Dispatch executes cmd against sess and returns the full ordered
// response byte stream (untagged lines first, tagged reply last).
func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, cmd *Command) [][]byte {
	metrics.IMAPCommands.WithLabelValues(cmd.Name).Inc()
	if !sess.Allowed(cmd.Name) {
		return []([]byte){TaggedLine(cmd.Tag, "BAD", "", "command not permitted in this state")}
	}

	switch cmd.Name {
	case "CAPABILITY":
		return d.handleCapability(cmd)
	case "NOOP":
		return []([]byte){TaggedLine(cmd.Tag, "OK", "", "NOOP completed")}
	case "LOGOUT":
		sess.Logout()
		return [][]byte{
			UntaggedLine("BYE gateway logging out"),
			TaggedLine(cmd.Tag, "OK", "", "LOGOUT completed"),
		}
	case "LOGIN":
		return d.handleLogin(ctx, sess, cmd)
	case "AUTHENTICATE":
		return d.handleAuthenticate(ctx, sess, cmd)
	case "SELECT", "EXAMINE":
		return d.handleSelect(ctx, sess, cmd)
	case "LIST", "LSUB":
		return d.handleList(ctx, sess, cmd)
	case "STATUS":
		return d.handleStatus(ctx, sess, cmd)
	case "CREATE":
		return d.handleCreate(ctx, sess, cmd)
	case "DELETE":
		return d.handleDeleteFolder(ctx, sess, cmd)
	case "SUBSCRIBE", "UNSUBSCRIBE":
		return []([]byte){TaggedLine(cmd.Tag, "OK", "", cmd.Name+" completed")}
	case "RENAME":
		return []([]byte){TaggedLine(cmd.Tag, "NO", "", "RENAME not supported")}
	case "FETCH":
		return d.handleFetch(ctx, sess, cmd)
	case "STORE":
		return d.handleStore(ctx, sess, cmd)
	case "SEARCH":
		return d.handleSearch(ctx, sess, cmd)
	case "COPY":
		return d.handleCopy(ctx, sess, cmd)
	case "MOVE":
		return d.handleMove(ctx, sess, cmd)
	case "EXPUNGE":
		return d.handleExpunge(ctx, sess, cmd)
	case "APPEND":
		return d.handleAppend(ctx, sess, cmd)
	case "CHECK":
		return []([]byte){TaggedLine(cmd.Tag, "OK", "", "CHECK completed")}
	case "CLOSE":
		return d.handleClose(ctx, sess, cmd)
	case "NAMESPACE":
		return [][]byte{
			UntaggedLine(`NAMESPACE (("" "/")) NIL NIL`),
			TaggedLine(cmd.Tag, "OK", "", "NAMESPACE completed"),
		}
	default:
		return []([]byte){TaggedLine(cmd.Tag, "BAD", "", "unknown command")}
	}
}

func (d *Dispatcher) handleCapability(cmd *Command) [][]byte {
	return [][]byte{
		UntaggedLine("CAPABILITY IMAP4rev1 IDLE NAMESPACE UIDPLUS MOVE SPECIAL-USE AUTH=PLAIN AUTH=LOGIN"),
		TaggedLine(cmd.Tag, "OK", "", "CAPABILITY completed"),
	}
}

// handleLogin enforces the pm_live_/pm_test_ password format
// predicate, the LOGIN username special cases (api/* => all senders),
// and validates the key against the upstream.
func (d *Dispatcher) handleLogin(ctx context.Context, sess *Session, cmd *Command) [][]byte {
	if len(cmd.Args) < 2 {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", "LOGIN requires username and password")}
	}
	username := stripOuter(cmd.Args[0], '"', '"')
	password := stripOuter(cmd.Args[1], '"', '"')

	if ok, reason := d.authenticateSession(ctx, sess, username, password); !ok {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "AUTHENTICATIONFAILED", reason)}
	}
	return [][]byte{TaggedLine(cmd.Tag, "OK", "", "LOGIN completed")}
}

// handleAuthenticate implements AUTHENTICATE PLAIN with an inline SASL-IR
// initial response (RFC 4959): "AUTHENTICATE PLAIN <base64>", where the
// decoded response is authzid NUL authcid NUL password. There is no
// multi-line continuation exchange; a client that sends the bare
// "AUTHENTICATE PLAIN" without an inline response is asked to retry with
// one. authcid (falling back to authzid) is validated the same way
// LOGIN's username is.
func (d *Dispatcher) handleAuthenticate(ctx context.Context, sess *Session, cmd *Command) [][]byte {
	if len(cmd.Args) < 1 {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", "AUTHENTICATE requires a mechanism")}
	}
	mechanism := strings.ToUpper(cmd.Args[0])
	if mechanism != "PLAIN" {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "", "unsupported SASL mechanism")}
	}
	if len(cmd.Args) < 2 {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", "AUTHENTICATE PLAIN requires an inline initial response")}
	}

	decoded, err := base64.StdEncoding.DecodeString(cmd.Args[1])
	if err != nil {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", "invalid base64 initial response")}
	}
	parts := bytes.SplitN(decoded, []byte{0}, 3)
	if len(parts) != 3 {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", "malformed SASL-PLAIN response")}
	}
	authzid, authcid, password := string(parts[0]), string(parts[1]), string(parts[2])
	username := authcid
	if username == "" {
		username = authzid
	}

	if ok, reason := d.authenticateSession(ctx, sess, username, password); !ok {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "AUTHENTICATIONFAILED", reason)}
	}
	return [][]byte{TaggedLine(cmd.Tag, "OK", "", "AUTHENTICATE completed")}
}

// authenticateSession runs the shared LOGIN/AUTHENTICATE validation path:
// format-check the key, validate it against the upstream, then resolve
// username into either the all-senders scope or a single pinned sender.
// On success it calls sess.Authenticate; on failure it returns the
// human-readable reason for the NO response.
func (d *Dispatcher) authenticateSession(ctx context.Context, sess *Session, username, password string) (bool, string) {
	if !auth.ValidKeyFormat(password) {
		metrics.RecordAuth(false, "imap")
		return false, "invalid API key format"
	}

	if _, err := d.Upstream.ValidateKey(ctx, password); err != nil {
		metrics.RecordAuth(false, "imap")
		return false, "invalid API key"
	}

	if auth.IsAllSendersUsername(username) {
		sess.Authenticate(password, "", "", true)
		metrics.RecordAuth(true, "imap")
		return true, ""
	}

	senders, err := d.Upstream.ListSenders(ctx, password)
	if err != nil {
		metrics.RecordAuth(false, "imap")
		return false, "could not resolve sender"
	}
	if s, ok := auth.ResolveSenderEmail(toAuthSenders(senders), username); ok {
		sess.Authenticate(password, s.ID, s.Email, false)
		metrics.RecordAuth(true, "imap")
		return true, ""
	}
	metrics.RecordAuth(false, "imap")
	return false, "unknown sender"
}

func toAuthSenders(senders []upstream.Sender) []auth.Sender {
	out := make([]auth.Sender, len(senders))
	for i, s := range senders {
		out[i] = auth.Sender{ID: s.ID, Email: s.Email}
	}
	return out
}

func (d *Dispatcher) resolve(ctx context.Context, sess *Session, name string) (*ResolvedMailbox, error) {
	apiKey := sess.APIKey()
	pinned, _, all := sess.SenderScope()
	return ResolveMailbox(ctx, d.Upstream, apiKey, pinned, all, name)
}

func (d *Dispatcher) handleSelect(ctx context.Context, sess *Session, cmd *Command) [][]byte {
	if len(cmd.Args) < 1 {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", "missing mailbox name")}
	}
	// A SELECT/EXAMINE closes any open folder before it is attempted, so
	// a failed one leaves the session in StateAuth.
	sess.Unselect()
	name := stripOuter(cmd.Args[0], '"', '"')
	rm, err := d.resolve(ctx, sess, name)
	if err != nil || rm == nil {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "", "mailbox does not exist")}
	}

	status, err := d.Upstream.FolderStatus(ctx, sess.APIKey(), rm.SenderID, rm.FolderName)
	if err != nil {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "", "could not open mailbox")}
	}
	msgs, err := d.Upstream.ListMessages(ctx, sess.APIKey(), rm.SenderID, rm.FolderName, upstream.MessageListOptions{
		Fields: []string{"uid"}, Limit: 10000,
	})
	if err != nil {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "", "could not open mailbox")}
	}
	uids := make([]uint32, 0, len(msgs))
	for _, m := range msgs {
		uids = append(uids, m.UID)
	}

	readOnly := cmd.Name == "EXAMINE"
	folder := NewSelectedFolder(rm.SenderID, rm.FolderName, status.UIDValidity, status.UIDNext, readOnly, uids)
	sess.Select(folder)

	out := [][]byte{
		UntaggedLine(fmt.Sprintf("%d EXISTS", status.Exists)),
		UntaggedLine(fmt.Sprintf("%d RECENT", status.Recent)),
		UntaggedLine("FLAGS " + EncodeFlags(status.Flags)),
		UntaggedLine("OK [PERMANENTFLAGS " + EncodeFlags(status.PermanentFlags) + "] permanent flags"),
		UntaggedLine(fmt.Sprintf("OK [UIDVALIDITY %d] UIDs valid", status.UIDValidity)),
		UntaggedLine(fmt.Sprintf("OK [UIDNEXT %d] next UID", status.UIDNext)),
	}
	if status.Unseen > 0 {
		if seq, ok := folder.SeqOf(firstUnseenUID(msgs)); ok {
			out = append(out, UntaggedLine(fmt.Sprintf("OK [UNSEEN %d] first unseen", seq)))
		}
	}
	code := "READ-WRITE"
	if readOnly {
		code = "READ-ONLY"
	}
	out = append(out, TaggedLine(cmd.Tag, "OK", code, cmd.Name+" completed"))
	return out
}

func firstUnseenUID(msgs []upstream.MailboxMessage) uint32 {
	for _, m := range msgs {
		seen := false
		for _, f := range m.Flags {
			if f == `\Seen` {
				seen = true
				break
			}
		}
		if !seen {
			return m.UID
		}
	}
	return 0
}

func (d *Dispatcher) handleList(ctx context.Context, sess *Session, cmd *Command) [][]byte {
	if len(cmd.Args) < 2 {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", cmd.Name+" requires reference and pattern")}
	}
	pattern := stripOuter(cmd.Args[1], '"', '"')
	apiKey := sess.APIKey()
	pinned, pinnedEmail, all := sess.SenderScope()

	type scope struct{ id, email string }
	var scopes []scope
	if pinned != "" {
		scopes = []scope{{pinned, pinnedEmail}}
	} else if all {
		senders, err := d.Upstream.ListSenders(ctx, apiKey)
		if err != nil {
			return [][]byte{TaggedLine(cmd.Tag, "NO", "", "could not list senders")}
		}
		for _, s := range senders {
			scopes = append(scopes, scope{s.ID, s.Email})
		}
	}

	var out [][]byte
	for _, sc := range scopes {
		folders, err := d.Upstream.ListFolders(ctx, apiKey, sc.id)
		if err != nil {
			continue
		}
		for _, f := range folders {
			name := f.Name
			if sc.email != "" && pinned == "" {
				name = sc.email + "/" + f.Name
			}
			if !matchIMAPWildcard(pattern, name) {
				continue
			}
			out = append(out, ListLine(cmd.Name, SpecialUseFlags(f.SpecialUse, nil), "/", name))
		}
	}
	out = append(out, TaggedLine(cmd.Tag, "OK", "", cmd.Name+" completed"))
	return out
}

// matchIMAPWildcard implements IMAP LIST wildcards: "*" matches any
// sequence of characters including hierarchy delimiters, "%" matches
// any sequence except "/".
func matchIMAPWildcard(pattern, name string) bool {
	if pattern == "" {
		return name == ""
	}
	return wildcardMatch([]rune(pattern), []rune(name))
}

func wildcardMatch(pattern, name []rune) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(name); i++ {
			if wildcardMatch(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	case '%':
		for i := 0; i <= len(name); i++ {
			if i > 0 && name[i-1] == '/' {
				break
			}
			if wildcardMatch(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	default:
		if len(name) == 0 || name[0] != pattern[0] {
			return false
		}
		return wildcardMatch(pattern[1:], name[1:])
	}
}

func (d *Dispatcher) handleStatus(ctx context.Context, sess *Session, cmd *Command) [][]byte {
	if len(cmd.Args) < 2 {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", "STATUS requires mailbox and item list")}
	}
	name := stripOuter(cmd.Args[0], '"', '"')
	items := tokenize(stripOuter(cmd.Args[1], '(', ')'))
	rm, err := d.resolve(ctx, sess, name)
	if err != nil || rm == nil {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "", "mailbox does not exist")}
	}
	status, err := d.Upstream.FolderStatus(ctx, sess.APIKey(), rm.SenderID, rm.FolderName)
	if err != nil {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "", "could not read status")}
	}
	values := map[string]int64{
		"MESSAGES":    status.Exists,
		"RECENT":      status.Recent,
		"UIDNEXT":     int64(status.UIDNext),
		"UIDVALIDITY": int64(status.UIDValidity),
		"UNSEEN":      status.Unseen,
	}
	return [][]byte{
		StatusLine(name, items, values),
		TaggedLine(cmd.Tag, "OK", "", "STATUS completed"),
	}
}

func (d *Dispatcher) handleCreate(ctx context.Context, sess *Session, cmd *Command) [][]byte {
	if len(cmd.Args) < 1 {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", "CREATE requires a mailbox name")}
	}
	name := stripOuter(cmd.Args[0], '"', '"')
	senderID, _, _ := sess.SenderScope()
	if senderID == "" {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "", "cannot create without a pinned sender")}
	}
	if err := d.Upstream.CreateFolder(ctx, sess.APIKey(), senderID, name); err != nil {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "", "could not create mailbox")}
	}
	return [][]byte{TaggedLine(cmd.Tag, "OK", "", "CREATE completed")}
}

func (d *Dispatcher) handleDeleteFolder(ctx context.Context, sess *Session, cmd *Command) [][]byte {
	if len(cmd.Args) < 1 {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", "DELETE requires a mailbox name")}
	}
	name := stripOuter(cmd.Args[0], '"', '"')
	rm, err := d.resolve(ctx, sess, name)
	if err != nil || rm == nil {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "", "mailbox does not exist")}
	}
	if err := d.Upstream.DeleteFolder(ctx, sess.APIKey(), rm.SenderID, rm.FolderName); err != nil {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "", "could not delete mailbox")}
	}
	return [][]byte{TaggedLine(cmd.Tag, "OK", "", "DELETE completed")}
}

// fetchFieldOrder is the set of metadata fields the dispatcher may ask
// the upstream for, in request order; UID is always included.
var fetchFieldOrder = []string{"FLAGS", "UID", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODYSTRUCTURE"}

func (d *Dispatcher) handleFetch(ctx context.Context, sess *Session, cmd *Command) [][]byte {
	if len(cmd.Args) < 2 {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", "FETCH requires a sequence set and item list")}
	}
	folder := sess.Selected()
	uids, err := ResolveSequenceSet(cmd.Args[0], folder.UIDs(), cmd.UseUID)
	if err != nil {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", "invalid sequence set")}
	}
	items, err := ParseFetchItems(strings.Join(cmd.Args[1:], " "))
	if err != nil {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", "invalid FETCH items")}
	}

	wantFields := map[string]bool{"UID": true}
	needsEnvelope := false
	for _, it := range items {
		switch it.Name {
		case "FLAGS", "UID", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODYSTRUCTURE":
			wantFields[it.Name] = true
		case "RFC822", "RFC822.TEXT", "RFC822.HEADER", "BODY":
			needsEnvelope = true
		}
	}
	if needsEnvelope {
		wantFields["ENVELOPE"] = true
	}
	fields := make([]string, 0, len(wantFields))
	for _, f := range fetchFieldOrder {
		if wantFields[f] {
			fields = append(fields, f)
		}
	}

	needsBody := NeedsBody(items)
	peek := AllBodyPeek(items)

	msgs, err := d.Upstream.ListMessages(ctx, sess.APIKey(), folder.SenderID, folder.Name, upstream.MessageListOptions{
		UIDs: uids, Fields: fields,
	})
	if err != nil {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "", "FETCH failed")}
	}

	var out [][]byte
	for i := range msgs {
		m := &msgs[i]
		seq, ok := folder.SeqOf(m.UID)
		if !ok {
			continue
		}
		if needsBody && m.Body == nil {
			body, err := d.Upstream.GetBody(ctx, sess.APIKey(), folder.SenderID, folder.Name, m.UID, peek)
			if err == nil {
				m.Body = body
			}
		}
		out = append(out, UntaggedLine(fmt.Sprintf("%d FETCH %s", seq, renderFetchResponse(m, items))))
	}
	out = append(out, TaggedLine(cmd.Tag, "OK", "", "FETCH completed"))
	return out
}

func renderFetchResponse(m *upstream.MailboxMessage, items []FetchItem) string {
	var b strings.Builder
	b.WriteByte('(')
	for i, it := range items {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(renderFetchItem(m, it))
	}
	b.WriteByte(')')
	return b.String()
}

func renderFetchItem(m *upstream.MailboxMessage, it FetchItem) string {
	switch it.Name {
	case "FLAGS":
		return "FLAGS " + EncodeFlags(m.Flags)
	case "UID":
		return fmt.Sprintf("UID %d", m.UID)
	case "INTERNALDATE":
		return "INTERNALDATE \"" + FormatINTERNALDATE(m.InternalDate) + "\""
	case "RFC822.SIZE":
		return fmt.Sprintf("RFC822.SIZE %d", m.Size)
	case "ENVELOPE":
		return "ENVELOPE " + string(EncodeEnvelope(m.Envelope))
	case "BODYSTRUCTURE":
		return "BODYSTRUCTURE " + string(EncodeBodyStructure(m.BodyStructure))
	case "RFC822", "RFC822.HEADER", "RFC822.TEXT", "BODY":
		return renderBodyFetchItem(m, it)
	default:
		return it.Name
	}
}

func renderBodyFetchItem(m *upstream.MailboxMessage, it FetchItem) string {
	if m.Body == nil {
		return it.Name + "[] " + string(FetchLiteral(nil))
	}
	full := SynthesizeRFC822(m)
	section := it.Section
	if it.Name == "RFC822.HEADER" {
		section = "HEADER"
	}
	if it.Name == "RFC822.TEXT" {
		section = "TEXT"
	}
	data := ExtractSection(full, section)
	data, origin := ApplyPartial(data, it.PartialStart, it.PartialLength, it.HasPartial)

	label := it.Name
	if it.Name == "BODY" {
		label = "BODY[" + it.Section + "]"
	}
	if origin >= 0 {
		label += fmt.Sprintf("<%d>", origin)
	}
	return label + " " + string(FetchLiteral(data))
}

func (d *Dispatcher) handleStore(ctx context.Context, sess *Session, cmd *Command) [][]byte {
	if len(cmd.Args) < 3 {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", "STORE requires set, action and flags")}
	}
	folder := sess.Selected()
	uids, err := ResolveSequenceSet(cmd.Args[0], folder.UIDs(), cmd.UseUID)
	if err != nil {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", "invalid sequence set")}
	}
	action := strings.ToUpper(cmd.Args[1])
	silent := strings.HasSuffix(action, ".SILENT")
	action = strings.TrimSuffix(action, ".SILENT")
	flags := tokenize(stripOuter(strings.Join(cmd.Args[2:], " "), '(', ')'))

	var out [][]byte
	for _, uid := range uids {
		newFlags, err := applyStore(ctx, d.Upstream, sess, folder, uid, action, flags)
		if err != nil {
			continue
		}
		if !silent {
			if seq, ok := folder.SeqOf(uid); ok {
				out = append(out, UntaggedLine(fmt.Sprintf("%d FETCH (FLAGS %s)", seq, EncodeFlags(newFlags))))
			}
		}
	}
	out = append(out, TaggedLine(cmd.Tag, "OK", "", "STORE completed"))
	return out
}

func applyStore(ctx context.Context, up UpstreamClient, sess *Session, folder *SelectedFolder, uid uint32, action string, flags []string) ([]string, error) {
	switch action {
	case "FLAGS":
		return up.UpdateFlags(ctx, sess.APIKey(), folder.SenderID, folder.Name, uid, flags)
	case "+FLAGS", "-FLAGS":
		msg, err := up.GetMessage(ctx, sess.APIKey(), folder.SenderID, folder.Name, uid)
		if err != nil {
			return nil, err
		}
		merged := mergeFlags(msg.Flags, flags, action == "+FLAGS")
		return up.UpdateFlags(ctx, sess.APIKey(), folder.SenderID, folder.Name, uid, merged)
	default:
		return nil, fmt.Errorf("unsupported STORE action %q", action)
	}
}

func mergeFlags(existing, delta []string, add bool) []string {
	set := make(map[string]bool, len(existing))
	for _, f := range existing {
		set[f] = true
	}
	for _, f := range delta {
		if add {
			set[f] = true
		} else {
			delete(set, f)
		}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) handleSearch(ctx context.Context, sess *Session, cmd *Command) [][]byte {
	folder := sess.Selected()
	crit, err := ParseSearchCriteria(cmd.Args)
	if err != nil {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", "invalid SEARCH criteria")}
	}
	uids, err := d.Upstream.Search(ctx, sess.APIKey(), folder.SenderID, folder.Name, crit)
	if err != nil {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "", "SEARCH failed")}
	}

	nums := make([]string, 0, len(uids))
	for _, uid := range uids {
		if cmd.UseUID {
			nums = append(nums, strconv.FormatUint(uint64(uid), 10))
			continue
		}
		if seq, ok := folder.SeqOf(uid); ok && seq > 0 {
			nums = append(nums, strconv.Itoa(seq))
		}
	}
	line := "SEARCH"
	if len(nums) > 0 {
		line += " " + strings.Join(nums, " ")
	}
	return [][]byte{
		UntaggedLine(line),
		TaggedLine(cmd.Tag, "OK", "", "SEARCH completed"),
	}
}

func (d *Dispatcher) handleCopy(ctx context.Context, sess *Session, cmd *Command) [][]byte {
	return d.copyOrMove(ctx, sess, cmd, false)
}

func (d *Dispatcher) handleMove(ctx context.Context, sess *Session, cmd *Command) [][]byte {
	return d.copyOrMove(ctx, sess, cmd, true)
}

func (d *Dispatcher) copyOrMove(ctx context.Context, sess *Session, cmd *Command, move bool) [][]byte {
	if len(cmd.Args) < 2 {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", "requires set and target mailbox")}
	}
	folder := sess.Selected()
	uids, err := ResolveSequenceSet(cmd.Args[0], folder.UIDs(), cmd.UseUID)
	if err != nil {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", "invalid sequence set")}
	}
	targetName := stripOuter(cmd.Args[1], '"', '"')
	rm, err := d.resolve(ctx, sess, targetName)
	if err != nil || rm == nil {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "TRYCREATE", "target mailbox does not exist")}
	}
	targetStatus, err := d.Upstream.FolderStatus(ctx, sess.APIKey(), rm.SenderID, rm.FolderName)
	if err != nil {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "", "could not read target mailbox")}
	}

	var out [][]byte
	var srcUIDs, dstUIDs []uint32
	for _, uid := range uids {
		var newUID uint32
		var err error
		if move {
			newUID, err = d.Upstream.Move(ctx, sess.APIKey(), folder.SenderID, folder.Name, uid, rm.FolderName)
		} else {
			newUID, err = d.Upstream.Copy(ctx, sess.APIKey(), folder.SenderID, folder.Name, uid, rm.FolderName)
		}
		if err != nil {
			continue
		}
		srcUIDs = append(srcUIDs, uid)
		dstUIDs = append(dstUIDs, newUID)

		if move {
			if seq, ok := folder.Remove(uid); ok {
				out = append(out, UntaggedLine(fmt.Sprintf("%d EXPUNGE", seq)))
			}
		}
	}

	if len(srcUIDs) == 0 {
		verb := "COPY"
		if move {
			verb = "MOVE"
		}
		return append(out, TaggedLine(cmd.Tag, "NO", "", verb+" failed"))
	}

	code := fmt.Sprintf("COPYUID %d %s %s", targetStatus.UIDValidity, FormatSeqSet(srcUIDs), FormatSeqSet(dstUIDs))
	verb := "COPY"
	if move {
		verb = "MOVE"
	}
	out = append(out, TaggedLine(cmd.Tag, "OK", code, verb+" completed"))
	return out
}

func (d *Dispatcher) handleExpunge(ctx context.Context, sess *Session, cmd *Command) [][]byte {
	folder := sess.Selected()
	seqs, err := d.expungeDeleted(ctx, sess, folder)
	if err != nil {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "", "EXPUNGE failed")}
	}

	var out [][]byte
	for _, seq := range seqs {
		out = append(out, UntaggedLine(fmt.Sprintf("%d EXPUNGE", seq)))
	}
	out = append(out, TaggedLine(cmd.Tag, "OK", "", "EXPUNGE completed"))
	return out
}

// handleClose expunges \Deleted messages the same way EXPUNGE does, but
// silently: RFC 3501 has CLOSE discard them without untagged EXPUNGE
// responses before returning the mailbox to the authenticated state.
func (d *Dispatcher) handleClose(ctx context.Context, sess *Session, cmd *Command) [][]byte {
	folder := sess.Selected()
	if _, err := d.expungeDeleted(ctx, sess, folder); err != nil {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "", "CLOSE failed")}
	}
	sess.Unselect()
	return [][]byte{TaggedLine(cmd.Tag, "OK", "", "CLOSE completed")}
}

// expungeDeleted deletes every \Deleted-flagged message in folder
// upstream and splices it out of the local UID vector, returning the
// sequence numbers that were removed.
func (d *Dispatcher) expungeDeleted(ctx context.Context, sess *Session, folder *SelectedFolder) ([]int, error) {
	msgs, err := d.Upstream.ListMessages(ctx, sess.APIKey(), folder.SenderID, folder.Name, upstream.MessageListOptions{
		Fields: []string{"UID", "FLAGS"},
	})
	if err != nil {
		return nil, err
	}

	var removed []int
	for _, m := range msgs {
		if !hasFlag(m.Flags, `\Deleted`) {
			continue
		}
		if err := d.Upstream.Delete(ctx, sess.APIKey(), folder.SenderID, folder.Name, m.UID, true); err != nil {
			continue
		}
		if seq, ok := folder.Remove(m.UID); ok {
			removed = append(removed, seq)
		}
	}
	return removed, nil
}

func hasFlag(flags []string, target string) bool {
	for _, f := range flags {
		if f == target {
			return true
		}
	}
	return false
}

func (d *Dispatcher) handleAppend(ctx context.Context, sess *Session, cmd *Command) [][]byte {
	if len(cmd.Args) < 1 || cmd.Literal == nil {
		return [][]byte{TaggedLine(cmd.Tag, "BAD", "", "APPEND requires mailbox and literal")}
	}
	name := stripOuter(cmd.Args[0], '"', '"')
	var flags []string
	var date *time.Time
	for _, arg := range cmd.Args[1:] {
		switch {
		case strings.HasPrefix(arg, "("):
			flags = tokenize(stripOuter(arg, '(', ')'))
		case IsIMAPDate(stripOuter(arg, '"', '"')):
			if t, err := ParseIMAPDate(stripOuter(arg, '"', '"')); err == nil {
				date = &t
			}
		}
	}

	senderID, _, _ := sess.SenderScope()
	rm, err := d.resolve(ctx, sess, name)
	if err != nil || rm == nil {
		if senderID == "" {
			return [][]byte{TaggedLine(cmd.Tag, "NO", "TRYCREATE", "mailbox does not exist")}
		}
		rm = &ResolvedMailbox{SenderID: senderID, FolderName: name}
	}

	newUID, err := d.Upstream.Append(ctx, sess.APIKey(), rm.SenderID, rm.FolderName, cmd.Literal, flags, date)
	if err != nil {
		return [][]byte{TaggedLine(cmd.Tag, "NO", "TRYCREATE", "APPEND failed")}
	}
	status, err := d.Upstream.FolderStatus(ctx, sess.APIKey(), rm.SenderID, rm.FolderName)
	uidValidity := uint32(0)
	if err == nil {
		uidValidity = status.UIDValidity
	}

	if folder := sess.Selected(); folder != nil && folder.SenderID == rm.SenderID && folder.Name == rm.FolderName {
		folder.Insert(newUID)
	}

	code := fmt.Sprintf("APPENDUID %d %d", uidValidity, newUID)
	return [][]byte{TaggedLine(cmd.Tag, "OK", code, "APPEND completed")}
}

// HandleIdleStart writes the continuation and arms the session's idle
// state; the server's connection loop is responsible for waiting for
// DONE or the timeout and calling HandleIdleEnd.
func (d *Dispatcher) HandleIdleStart(sess *Session, tag string) []byte {
	sess.BeginIdle(tag)
	return Continuation("idling")
}

// HandleIdleEnd produces the tagged reply for the end of an IDLE,
// whether triggered by DONE (timedOut=false) or the idle timer.
func (d *Dispatcher) HandleIdleEnd(sess *Session, timedOut bool) []byte {
	tag := sess.EndIdle()
	if timedOut {
		return TaggedLine(tag, "OK", "", "IDLE terminated (timeout)")
	}
	return TaggedLine(tag, "OK", "", "IDLE terminated")
}
