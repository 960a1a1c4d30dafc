package tunnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/metertun/metertun/internal/guard"
	"github.com/metertun/metertun/internal/meter"
	"github.com/metertun/metertun/internal/protocol"
)

// SessionState tracks where a session is in its lifecycle.
type SessionState int32

const (
	StateAwaitingHeader SessionState = iota
	StateAuthenticating
	StateRelaying
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingHeader:
		return "awaiting-header"
	case StateAuthenticating:
		return "authenticating"
	case StateRelaying:
		return "relaying"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session owns one client connection from accept to close. It drives the
// header decode, authorization, upstream dial and the bidirectional relay,
// and shares no mutable state with other sessions beyond the account store.
type Session struct {
	id     string
	server *Server
	conn   *websocket.Conn
	stream *wsStream
	source string
	logger *slog.Logger

	state       atomic.Int32
	closeReason atomic.Int32
	bytesUp     atomic.Int64
	bytesDown   atomic.Int64
	connectedAt time.Time

	mu       sync.Mutex
	account  uuid.UUID
	target   string
	upstream net.Conn
	cancel   context.CancelFunc

	closeOnce sync.Once
}

func newSession(server *Server, conn *websocket.Conn, source string) *Session {
	id := server.nextSessionID()
	return &Session{
		id:          id,
		server:      server,
		conn:        conn,
		stream:      newWSStream(conn),
		source:      source,
		logger:      server.logger.With("session", id, "source", source),
		connectedAt: time.Now(),
	}
}

func (s *Session) setState(state SessionState) {
	s.state.Store(int32(state))
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Reason returns the termination reason once the session is closing.
func (s *Session) Reason() CloseReason {
	return CloseReason(s.closeReason.Load())
}

// close drives the session to Closing exactly once: it records the reason,
// notifies the client with the mapped close code, and tears down both
// connections so the opposite relay direction unblocks promptly.
func (s *Session) close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.closeReason.Store(int32(reason))
		s.setState(StateClosing)
		s.server.metrics.sessionsClosed.WithLabelValues(reasonLabel(reason)).Inc()

		msg := websocket.FormatCloseMessage(reason.CloseCode(), reason.String())
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(2*time.Second))

		s.mu.Lock()
		cancel := s.cancel
		upstream := s.upstream
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if upstream != nil {
			_ = upstream.Close()
		}
		_ = s.conn.Close()
	})
}

func reasonLabel(reason CloseReason) string {
	return strings.ReplaceAll(reason.String(), " ", "_")
}

// run executes the session state machine. It blocks until the connection is
// fully torn down and all usage has been flushed.
func (s *Session) run(ctx context.Context) {
	defer s.setState(StateClosed)

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	ctx, span := otel.Tracer("metertun/tunnel").Start(ctx, "tunnel.session",
		trace.WithAttributes(
			attribute.String("session.id", s.id),
			attribute.String("session.source", s.source),
		))
	defer span.End()

	header, leftover, ok := s.readHeader()
	if !ok {
		return
	}

	s.setState(StateAuthenticating)
	target := header.Target()
	s.mu.Lock()
	s.account = header.Account
	s.target = target
	s.mu.Unlock()
	span.SetAttributes(
		attribute.String("tunnel.account", header.Account.String()),
		attribute.String("tunnel.target", target),
	)

	acct, err := s.server.guard.Authorize(ctx, header.Account, s.source)
	if err != nil {
		s.server.metrics.authFailures.Inc()
		s.logger.Info("session rejected", "account", header.Account, "reason", err)
		s.close(authCloseReason(err))
		return
	}

	s.setState(StateRelaying)
	dialer := net.Dialer{Timeout: s.server.opts.dialTimeout}
	upstream, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		s.server.metrics.dialErrors.Inc()
		s.logger.Warn("upstream dial failed", "target", target, "error", err)
		s.close(ReasonUpstreamUnreachable)
		return
	}
	s.mu.Lock()
	s.upstream = upstream
	s.mu.Unlock()

	usage := meter.New(s.server.store, acct.ID, s.server.opts.flushInterval, s.logger)
	go usage.Run(ctx)
	defer func() {
		cancel()
		<-usage.Done()
	}()

	s.logger.Info("relaying", "account", header.Account, "target", target)

	// Acknowledge the request before any downstream payload.
	if _, err := s.stream.Write([]byte{header.Version, 0}); err != nil {
		s.close(ReasonIOError)
		return
	}

	// First-frame bytes past the header already belong to the client payload.
	if len(leftover) > 0 {
		if _, err := upstream.Write(leftover); err != nil {
			s.close(ReasonIOError)
			return
		}
		s.countUpstream(usage, len(leftover))
	}

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		s.pipeClientToUpstream(upstream, usage)
	}()
	s.pipeUpstreamToClient(upstream, usage)
	<-clientDone
}

// readHeader buffers client frames until a complete header decodes, within
// the configured bounded wait. It reports false once the session is closed.
func (s *Session) readHeader() (*protocol.Header, []byte, bool) {
	s.setState(StateAwaitingHeader)
	if t := s.server.opts.headerTimeout; t > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(t))
	}

	var buf []byte
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Debug("connection ended before header", "error", err)
			s.close(ReasonProtocolError)
			return nil, nil, false
		}
		if msgType != websocket.BinaryMessage {
			s.server.metrics.parseErrors.Inc()
			s.logger.Warn("non-binary frame before header", "type", msgType)
			s.close(ReasonProtocolError)
			return nil, nil, false
		}
		buf = append(buf, data...)

		header, err := protocol.Decode(buf)
		if errors.Is(err, protocol.ErrIncomplete) {
			continue
		}
		if err != nil {
			s.server.metrics.parseErrors.Inc()
			s.logger.Warn("invalid request header", "error", err)
			s.close(ReasonProtocolError)
			return nil, nil, false
		}

		_ = s.conn.SetReadDeadline(time.Time{})
		if header.Command != protocol.CommandTCP {
			s.server.metrics.parseErrors.Inc()
			s.logger.Warn("unsupported command", "command", header.Command)
			s.close(ReasonProtocolError)
			return nil, nil, false
		}
		return header, buf[header.PayloadOffset:], true
	}
}

func authCloseReason(err error) CloseReason {
	switch {
	case errors.Is(err, guard.ErrUnknownAccount):
		return ReasonUnknownAccount
	case errors.Is(err, guard.ErrExpired):
		return ReasonExpired
	case errors.Is(err, guard.ErrTrafficExceeded):
		return ReasonTrafficExceeded
	case errors.Is(err, guard.ErrIPLimitExceeded):
		return ReasonIPLimitExceeded
	default:
		// store unreachable: fail closed
		return ReasonStoreUnavailable
	}
}

func (s *Session) pipeClientToUpstream(upstream net.Conn, usage *meter.Meter) {
	buf := make([]byte, s.server.opts.maxFrame)
	for {
		n, err := s.stream.Read(buf)
		if n > 0 {
			if _, werr := upstream.Write(buf[:n]); werr != nil {
				s.close(ReasonIOError)
				return
			}
			s.countUpstream(usage, n)
		}
		if err != nil {
			if isExpectedClose(err) {
				s.close(ReasonNormal)
			} else {
				s.close(ReasonIOError)
			}
			return
		}
	}
}

func (s *Session) pipeUpstreamToClient(upstream net.Conn, usage *meter.Meter) {
	buf := make([]byte, s.server.opts.maxFrame)
	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			if _, werr := s.stream.Write(buf[:n]); werr != nil {
				s.close(ReasonIOError)
				return
			}
			usage.Record(int64(n))
			s.bytesDown.Add(int64(n))
			s.server.metrics.bytesDownstream.Add(float64(n))
		}
		if err != nil {
			if isExpectedClose(err) {
				s.close(ReasonNormal)
			} else {
				s.close(ReasonIOError)
			}
			return
		}
	}
}

func (s *Session) countUpstream(usage *meter.Meter, n int) {
	usage.Record(int64(n))
	s.bytesUp.Add(int64(n))
	s.server.metrics.bytesUpstream.Add(float64(n))
}

func isExpectedClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

func (s *Session) snapshot() statusSession {
	s.mu.Lock()
	account := s.account
	target := s.target
	s.mu.Unlock()

	entry := statusSession{
		ID:          s.id,
		Source:      s.source,
		State:       s.State().String(),
		Target:      target,
		ConnectedAt: s.connectedAt,
		BytesUp:     s.bytesUp.Load(),
		BytesDown:   s.bytesDown.Load(),
	}
	if account != uuid.Nil {
		entry.Account = account.String()
	}
	if reason := s.Reason(); reason != ReasonNone {
		entry.Reason = reason.String()
	}
	return entry
}
