// Package smtp implements the gateway's submission-only SMTP front end:
// AUTH PLAIN/LOGIN, STARTTLS, MIME parsing via go-message, and handing
// the parsed message to the upstream mailbox service. There is no MX
// mode and no local delivery — every accepted message either reaches
// the upstream's send endpoint or is rejected with a mapped reply code.
package smtp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/xmit-sh/mailgateway/internal/auth"
	"github.com/xmit-sh/mailgateway/internal/logging"
	"github.com/xmit-sh/mailgateway/internal/metrics"
	"github.com/xmit-sh/mailgateway/internal/ratelimit"
	"github.com/xmit-sh/mailgateway/internal/upstream"
)

// UpstreamClient narrows *upstream.Client to what submission needs.
type UpstreamClient interface {
	ValidateKey(ctx context.Context, apiKey string) (string, error)
	ListSenders(ctx context.Context, apiKey string) ([]upstream.Sender, error)
	Send(ctx context.Context, apiKey, senderID string, msg upstream.OutgoingMessage) error
}

// Backend implements go-smtp's Backend interface for the submission
// listener.
type Backend struct {
	Upstream       UpstreamClient
	Log            *logging.Logger
	Limiter        *ratelimit.Limiter
	MaxMessageSize int64
}

// NewBackend builds a Backend. limiter may be nil to disable AUTH
// throttling (tests only; production always wires one).
func NewBackend(client UpstreamClient, log *logging.Logger, limiter *ratelimit.Limiter, maxMessageSize int64) *Backend {
	if maxMessageSize <= 0 {
		maxMessageSize = 10 * 1024 * 1024
	}
	return &Backend{Upstream: client, Log: log, Limiter: limiter, MaxMessageSize: maxMessageSize}
}

// NewSession starts a session over c.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remoteAddr := ""
	if c.Conn() != nil {
		remoteAddr = c.Conn().RemoteAddr().String()
	}
	metrics.RecordConnection("smtp")
	return &Session{backend: b, remoteAddr: remoteAddr, ctx: context.Background()}, nil
}

// Session is one SMTP submission session: AUTH state, then the
// MAIL/RCPT/DATA envelope for a single message.
type Session struct {
	backend *Backend

	remoteAddr  string
	apiKey      string
	senderID    string
	senderEmail string
	allSenders  bool

	from  string
	rcpts []string
	ctx   context.Context
}

// AuthMechanisms advertises PLAIN and LOGIN, per the external-interfaces
// contract.
func (s *Session) AuthMechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

// Auth builds the sasl.Server for mech, sharing one authenticate path
// for both mechanisms.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			return s.authenticate(username, password)
		}), nil
	case sasl.Login:
		return sasl.NewLoginServer(func(username, password string) error {
			return s.authenticate(username, password)
		}), nil
	default:
		return nil, errors.New("unsupported auth mechanism")
	}
}

// authenticate validates an API key the way the IMAP LOGIN command
// does: prefix-checked, upstream-validated, then either scoped to a
// single sender (username is that sender's email) or left unscoped
// ("api"/"*") until MAIL FROM names the sending address.
func (s *Session) authenticate(username, password string) error {
	if s.backend.Limiter != nil && s.backend.Limiter.IsBlocked(s.remoteAddr) {
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 7, 0}, Message: "Too many failed attempts, try again later"}
	}

	fail := func() error {
		if s.backend.Limiter != nil {
			s.backend.Limiter.RecordFailure(s.remoteAddr)
		}
		metrics.RecordAuth(false, "smtp")
		return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "Authentication failed"}
	}

	if !auth.ValidKeyFormat(password) {
		return fail()
	}

	if _, err := s.backend.Upstream.ValidateKey(s.ctx, password); err != nil {
		return fail()
	}

	s.apiKey = password
	if auth.IsAllSendersUsername(username) {
		s.allSenders = true
		if s.backend.Limiter != nil {
			s.backend.Limiter.RecordSuccess(s.remoteAddr)
		}
		metrics.RecordAuth(true, "smtp")
		return nil
	}

	senders, err := s.backend.Upstream.ListSenders(s.ctx, password)
	if err != nil {
		return fail()
	}
	if sdr, ok := auth.ResolveSenderEmail(toAuthSenders(senders), username); ok {
		s.senderID = sdr.ID
		s.senderEmail = sdr.Email
		if s.backend.Limiter != nil {
			s.backend.Limiter.RecordSuccess(s.remoteAddr)
		}
		metrics.RecordAuth(true, "smtp")
		return nil
	}
	return fail()
}

func toAuthSenders(senders []upstream.Sender) []auth.Sender {
	out := make([]auth.Sender, len(senders))
	for i, sdr := range senders {
		out[i] = auth.Sender{ID: sdr.ID, Email: sdr.Email}
	}
	return out
}

// Mail records the envelope sender and, for a session authenticated
// with the all-senders scope, resolves which sender owns this address.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if s.apiKey == "" {
		return &smtp.SMTPError{Code: 530, EnhancedCode: smtp.EnhancedCode{5, 7, 0}, Message: "Authentication required"}
	}
	s.from = stripAngleBrackets(from)

	if s.senderID == "" && s.allSenders {
		senders, err := s.backend.Upstream.ListSenders(s.ctx, s.apiKey)
		if err != nil {
			return &smtp.SMTPError{Code: 421, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "Mailbox service temporarily unavailable"}
		}
		if sdr, ok := auth.ResolveSenderEmail(toAuthSenders(senders), s.from); ok {
			s.senderID, s.senderEmail = sdr.ID, sdr.Email
			return nil
		}
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 0}, Message: "Sender address not recognized"}
	}
	return nil
}

// Rcpt appends a recipient. Submission accepts any syntactically valid
// address; the upstream, not this gateway, is authoritative about
// deliverability.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	addr := stripAngleBrackets(to)
	if _, domain := splitAddress(addr); domain == "" {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 3}, Message: "Malformed recipient address"}
	}
	s.rcpts = append(s.rcpts, addr)
	return nil
}

// Data reads, size-checks, MIME-parses and submits the message.
func (s *Session) Data(r io.Reader) error {
	if len(s.rcpts) == 0 {
		return &smtp.SMTPError{Code: 503, EnhancedCode: smtp.EnhancedCode{5, 5, 1}, Message: "No recipients specified"}
	}

	limited := io.LimitReader(r, s.backend.MaxMessageSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "Error reading message data"}
	}
	if int64(len(data)) > s.backend.MaxMessageSize {
		return &smtp.SMTPError{Code: 552, EnhancedCode: smtp.EnhancedCode{5, 3, 4}, Message: "Message exceeds maximum size"}
	}

	if _, err := message.Read(bytes.NewReader(data)); err != nil {
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 6, 0}, Message: "Malformed MIME message"}
	}

	msg := upstream.OutgoingMessage{
		From: addressFromString(s.from),
		Raw:  data,
	}
	for _, rcpt := range s.rcpts {
		msg.To = append(msg.To, addressFromString(rcpt))
	}

	if err := s.backend.Upstream.Send(s.ctx, s.apiKey, s.senderID, msg); err != nil {
		return mapSendError(err)
	}
	return nil
}

// mapSendError translates an upstream sentinel error kind into the SMTP
// reply code table from the external-interfaces contract.
func mapSendError(err error) error {
	switch {
	case errors.Is(err, upstream.ErrAuthFailed):
		return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "Authentication failed"}
	case errors.Is(err, upstream.ErrRateLimited):
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 7, 1}, Message: "Rate limited, try again later"}
	case errors.Is(err, upstream.ErrTransient):
		return &smtp.SMTPError{Code: 421, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "Mailbox service temporarily unavailable"}
	case errors.Is(err, upstream.ErrNotFound), errors.Is(err, upstream.ErrPermanent):
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "Message rejected by mailbox service"}
	default:
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 0, 0}, Message: "Temporary failure submitting message"}
	}
}

// Reset clears per-message state between MAIL/RCPT/DATA cycles on the
// same authenticated connection.
func (s *Session) Reset() {
	s.from = ""
	s.rcpts = nil
}

// Logout releases the session's connection-count metric; submission
// holds no other per-session resources.
func (s *Session) Logout() error {
	metrics.ReleaseConnection("smtp")
	return nil
}

func stripAngleBrackets(addr string) string {
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	return addr
}

func splitAddress(addr string) (local, domain string) {
	parts := strings.SplitN(addr, "@", 2)
	if len(parts) != 2 {
		return addr, ""
	}
	return parts[0], parts[1]
}

func addressFromString(addr string) upstream.Address {
	local, domain := splitAddress(addr)
	return upstream.Address{Mailbox: local, Host: domain}
}
