package imap

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xmit-sh/mailgateway/internal/logging"
	"github.com/xmit-sh/mailgateway/internal/metrics"
)

// greeting is the untagged OK banner sent immediately after accept, per
// the external-interfaces contract: CAPABILITY is advertised up front so
// clients never need a round trip just to learn it.
const greeting = "* OK [CAPABILITY IMAP4rev1 IDLE NAMESPACE UIDPLUS MOVE SPECIAL-USE] Transmit IMAP Ready\r\n"

// Server accepts IMAP connections and runs one goroutine per connection.
// Each connection owns its own Framer, Session and read loop; all of them
// share one Dispatcher (and, through it, one upstream client and cache).
type Server struct {
	Dispatcher      *Dispatcher
	Log             *logging.Logger
	TLSConfig       *tls.Config
	ConnIdleTimeout time.Duration

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer builds a Server. tlsConfig may be nil (plain TCP, used only
// in NODE_ENV=development per the external-interfaces contract).
func NewServer(d *Dispatcher, log *logging.Logger, tlsConfig *tls.Config, connIdleTimeout time.Duration) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Dispatcher:      d,
		Log:             log,
		TLSConfig:       tlsConfig,
		ConnIdleTimeout: connIdleTimeout,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// ListenAndServe opens addr (implicit TLS if s.TLSConfig is set) and
// accepts connections until Close is called.
func (s *Server) ListenAndServe(addr string) error {
	var ln net.Listener
	var err error
	if s.TLSConfig != nil {
		ln, err = tls.Listen("tcp", addr, s.TLSConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return err
	}
	s.listener = ln

	if s.Log != nil {
		s.Log.IMAP().InfoContext(s.ctx, "imap listener started", "addr", addr, "tls", s.TLSConfig != nil)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
				if s.Log != nil {
					s.Log.IMAP().WarnContext(s.ctx, "accept error", "error", err.Error())
				}
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting connections and waits (briefly) for in-flight
// connections to finish their current command.
func (s *Server) Close() error {
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
	}
	return err
}

// handleConn runs one connection's entire lifecycle: greeting, the framed
// command loop, IDLE's concurrent DONE/timeout race, and the connection
// idle timeout that is distinct from IDLE.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	metrics.RecordConnection("imap")
	defer metrics.ReleaseConnection("imap")

	sessionID := uuid.NewString()
	sess := NewSession(sessionID, conn.RemoteAddr().String())
	framer := NewFramer(conn, conn, conn)

	if _, err := conn.Write([]byte(greeting)); err != nil {
		return
	}

	for {
		if s.ConnIdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.ConnIdleTimeout))
		}

		ev, err := framer.Next()
		if err != nil {
			if isTimeout(err) {
				_, _ = conn.Write(UntaggedLine("BYE Connection timed out"))
			} else if IsFatal(err) {
				_, _ = conn.Write(UntaggedLine("BAD " + FatalMessage(err)))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		var literal []byte
		if ev.Kind == EventLiteral {
			literal = ev.Literal
		}
		cmd, perr := ParseCommand(string(ev.Line), literal)
		if perr != nil {
			// Tag is unrecoverable; RFC 3501 allows "*" as the tag for a
			// response to an unparsable line.
			_, _ = conn.Write(TaggedLine("*", "BAD", "", perr.Error()))
			continue
		}

		if cmd.Name == "IDLE" {
			if !sess.Allowed("IDLE") {
				_, _ = conn.Write(TaggedLine(cmd.Tag, "BAD", "", "command not permitted in this state"))
				continue
			}
			if _, werr := conn.Write(s.Dispatcher.HandleIdleStart(sess, cmd.Tag)); werr != nil {
				return
			}
			if !s.runIdle(conn, framer, sess) {
				return
			}
			continue
		}

		ctx := s.ctx
		out := s.Dispatcher.Dispatch(ctx, sess, cmd)
		for _, line := range out {
			if _, werr := conn.Write(line); werr != nil {
				return
			}
		}

		if cmd.Name == "LOGOUT" {
			return
		}
	}
}

// runIdle watches for the client's DONE line and the session's idle
// timer concurrently, reporting to the caller whether the connection
// should continue (true) or be torn down (false, on a read error or
// idle timeout).
func (s *Server) runIdle(conn net.Conn, framer *Framer, sess *Session) bool {
	doneLine := make(chan struct{}, 1)
	readErr := make(chan error, 1)

	go func() {
		for sess.Idling() {
			ev, err := framer.Next()
			if err != nil {
				readErr <- err
				return
			}
			if ev.Kind == EventLine && string(ev.Line) == "DONE" {
				doneLine <- struct{}{}
				return
			}
			// Any other line during IDLE is logged and ignored.
			if s.Log != nil {
				s.Log.IMAP().DebugContext(s.ctx, "ignored non-DONE line during idle", "line", string(ev.Line))
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-doneLine:
			_, _ = conn.Write(s.Dispatcher.HandleIdleEnd(sess, false))
			return true
		case <-readErr:
			return false
		case <-ticker.C:
			if s.Dispatcher.IdleTimeout > 0 && sess.IdleElapsed() >= s.Dispatcher.IdleTimeout {
				_, _ = conn.Write(s.Dispatcher.HandleIdleEnd(sess, true))
				return false
			}
		case <-s.ctx.Done():
			return false
		}
	}
}
