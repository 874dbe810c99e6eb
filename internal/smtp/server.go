package smtp

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/xmit-sh/mailgateway/internal/logging"
)

// Server wraps a single go-smtp submission listener. Unlike the dual
// MX-plus-submission shape this package descends from, the gateway has
// exactly one SMTP role: accept authenticated submissions and forward
// them to the upstream. There is no port 25 MX listener.
type Server struct {
	smtpServer *smtp.Server
	log        *logging.Logger

	listener    net.Listener
	tlsListener net.Listener
}

// NewServer builds the submission listener. tlsConfig may be nil, in
// which case STARTTLS is unavailable and AllowInsecureAuth governs
// whether AUTH is permitted over plain text at all.
func NewServer(backend *Backend, hostname string, tlsConfig *tls.Config, requireTLS bool, log *logging.Logger) *Server {
	s := smtp.NewServer(backend)
	s.Domain = hostname
	s.ReadTimeout = 60 * time.Second
	s.WriteTimeout = 60 * time.Second
	s.MaxMessageBytes = backend.MaxMessageSize
	s.MaxRecipients = 100
	s.AllowInsecureAuth = !requireTLS
	if tlsConfig != nil {
		s.TLSConfig = tlsConfig
	}
	return &Server{smtpServer: s, log: log}
}

// ListenAndServe starts the plain-text (STARTTLS-capable) listener on
// addr, e.g. ":587".
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp: listen on %s: %w", addr, err)
	}
	s.listener = listener

	if s.log != nil {
		s.log.SMTP().Info("submission listener started", "addr", addr)
	}

	go func() {
		if err := s.smtpServer.Serve(listener); err != nil && s.log != nil {
			s.log.SMTP().WithError(err).Warn("submission listener stopped")
		}
	}()
	return nil
}

// ListenAndServeTLS starts an implicit-TLS listener on addr, e.g.
// ":465". It is a no-op if no TLS config was supplied to NewServer.
func (s *Server) ListenAndServeTLS(addr string) error {
	if s.smtpServer.TLSConfig == nil {
		return nil
	}

	listener, err := tls.Listen("tcp", addr, s.smtpServer.TLSConfig)
	if err != nil {
		return fmt.Errorf("smtp: tls listen on %s: %w", addr, err)
	}
	s.tlsListener = listener

	if s.log != nil {
		s.log.SMTP().Info("implicit TLS submission listener started", "addr", addr)
	}

	go func() {
		if err := s.smtpServer.Serve(listener); err != nil && s.log != nil {
			s.log.SMTP().WithError(err).Warn("implicit TLS submission listener stopped")
		}
	}()
	return nil
}

// Close stops accepting new connections and drains existing ones.
func (s *Server) Close() error {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.tlsListener != nil {
		s.tlsListener.Close()
	}
	return s.smtpServer.Close()
}
