// Package transport owns the single persistent WebSocket connection between
// the agent and the upload server. It provides connect-with-backoff, abort,
// graceful close and two independent cancellation scopes, one for outbound
// and one for inbound traffic.
//
// The session is half-duplex at the application level: callers must follow
// every Send with exactly one Receive before the next Send.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fieldops/uplink/internal/log"
	"github.com/gorilla/websocket"
)

// Common errors returned by the transport package.
var (
	// ErrTransport matches every socket-level failure.
	ErrTransport = errors.New("transport failure")
	// ErrCanceled is returned when a send or receive scope is canceled.
	ErrCanceled = errors.New("operation canceled")
	// ErrNotOpen is returned when the connection is not open.
	ErrNotOpen = errors.New("connection not open")
)

// Error describes a socket-level failure during Op.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrTransport
}

// State represents the state of the connection handle.
type State int

const (
	// StateClosed indicates there is no usable connection.
	StateClosed State = iota
	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting
	// StateOpen indicates the connection is established.
	StateOpen
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	default:
		return "Unknown"
	}
}

// Config contains configuration options for the session.
type Config struct {
	// HandshakeTimeout bounds a single dial attempt.
	HandshakeTimeout time.Duration
	// RetryStep is added to the reconnect delay after every failed attempt.
	RetryStep time.Duration
	// MaxRetryDelay caps the reconnect delay.
	MaxRetryDelay time.Duration
	// WarnEvery raises an operator warning after this many consecutive failures.
	WarnEvery int
	// BufferSize is the read and write buffer size of the socket.
	BufferSize int
	// ReadLimit is the maximum size of one assembled inbound message.
	ReadLimit int64
	// CloseTimeout bounds the close handshake.
	CloseTimeout time.Duration
	// Header is sent with the upgrade request.
	Header http.Header
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 30 * time.Second,
		RetryStep:        time.Second,
		MaxRetryDelay:    30 * time.Second,
		WarnEvery:        10,
		BufferSize:       64 * 1024,
		ReadLimit:        16 * 1024 * 1024,
		CloseTimeout:     5 * time.Second,
	}
}

// FailureHook is called every WarnEvery consecutive connection failures.
type FailureHook func(attempts int, err error)

// frame is one message (or read error) produced by the reader pump.
type frame struct {
	kind int
	data []byte
	err  error
}

// link is one physical connection. It is replaced, never reused, on reconnect.
type link struct {
	conn    *websocket.Conn
	inbox   chan frame
	done    chan struct{}
	writeMu sync.Mutex
	once    sync.Once
}

func newLink(conn *websocket.Conn) *link {
	l := &link{
		conn:  conn,
		inbox: make(chan frame, 8),
		done:  make(chan struct{}),
	}
	go l.pump()
	return l
}

// pump reads frames until the connection fails or the link is discarded.
func (l *link) pump() {
	for {
		kind, data, err := l.conn.ReadMessage()
		select {
		case l.inbox <- frame{kind: kind, data: data, err: err}:
		case <-l.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (l *link) discard() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// Session owns one logical connection to the server.
type Session struct {
	config Config
	dialer *websocket.Dialer
	onFail FailureHook

	mu         sync.Mutex
	link       *link
	state      State
	sendCtx    context.Context
	sendCancel context.CancelFunc
	recvCtx    context.Context
	recvCancel context.CancelFunc
	// unanswered counts requests written since the last reply was read.
	unanswered int
	// stale counts replies that belong to requests whose receive was canceled.
	stale int
}

// NewSession creates a closed session.
func NewSession(config Config) *Session {
	s := &Session{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
			ReadBufferSize:   config.BufferSize,
			WriteBufferSize:  config.BufferSize,
		},
	}
	s.resetScopesLocked()
	return s
}

// SetFailureHook registers a hook for repeated connection failures.
func (s *Session) SetFailureHook(hook FailureHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFail = hook
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsOpen reports whether the connection is open.
func (s *Session) IsOpen() bool {
	return s.State() == StateOpen
}

// hasHandle reports whether a connection handle exists, open or broken.
func (s *Session) hasHandle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link != nil
}

// Connect blocks until a connection to uri is open. Failed attempts are
// retried forever with a delay of min(attempt*RetryStep, MaxRetryDelay). It
// only returns an error when ctx is canceled.
func (s *Session) Connect(ctx context.Context, uri string) error {
	log.Info().Str("uri", uri).Msg("Attempting to establish connection")

	for attempt := 1; ; attempt++ {
		s.mu.Lock()
		if s.link != nil {
			s.link.discard()
			s.link = nil
		}
		s.state = StateConnecting
		s.mu.Unlock()

		conn, _, err := s.dialer.DialContext(ctx, uri, s.config.Header)
		if err == nil {
			conn.SetReadLimit(s.config.ReadLimit)

			s.mu.Lock()
			s.link = newLink(conn)
			s.state = StateOpen
			s.unanswered, s.stale = 0, 0
			s.resetScopesLocked()
			s.mu.Unlock()

			log.Info().Str("uri", uri).Int("attempt", attempt).Msg("Connection successful")
			return nil
		}

		if ctx.Err() != nil {
			s.setState(StateClosed)
			return ctx.Err()
		}

		delay := min(time.Duration(attempt)*s.config.RetryStep, s.config.MaxRetryDelay)
		log.Error().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("Connection failed, retrying")

		if s.config.WarnEvery > 0 && attempt%s.config.WarnEvery == 0 {
			log.Warn().Int("attempts", attempt).Msg("Consecutive connection failures, server might be down")
			s.mu.Lock()
			hook := s.onFail
			s.mu.Unlock()
			if hook != nil {
				hook(attempt, err)
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateClosed)
			return ctx.Err()
		}
	}
}

// Abort discards the connection without a close handshake.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.link == nil {
		log.Warn().Msg("Attempted to abort, but there is no connection")
		return
	}

	log.Info().Str("state", s.state.String()).Msg("Aborting connection")
	s.link.discard()
	s.link = nil
	s.state = StateClosed
}

// Close performs a close handshake. The connection is discarded and both
// scopes are canceled even if the handshake fails.
func (s *Session) Close() error {
	s.mu.Lock()
	l := s.link
	if l == nil {
		s.mu.Unlock()
		log.Warn().Msg("Attempted to close, but there is no connection")
		return nil
	}
	s.sendCancel()
	s.recvCancel()
	s.link = nil
	s.state = StateClosed
	s.mu.Unlock()

	log.Info().Msg("Closing connection")

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Closing connection")
	l.writeMu.Lock()
	err := l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.config.CloseTimeout))
	l.writeMu.Unlock()
	l.discard()

	if err != nil {
		log.Error().Err(err).Msg("Close handshake failed")
		return &Error{Op: "close", Err: err}
	}
	log.Info().Msg("Connection closed")
	return nil
}

// RetryAfterAbort reconnects a connection that failed or was aborted. It
// is a no-op when the connection is open or no handle was ever created.
func (s *Session) RetryAfterAbort(ctx context.Context, uri string) error {
	s.mu.Lock()
	if s.link == nil || s.state == StateOpen {
		s.mu.Unlock()
		return nil
	}
	s.sendCancel()
	s.recvCancel()
	s.resetScopesLocked()
	s.mu.Unlock()

	log.Info().Msg("Attempting to reconnect after an aborted connection")
	if err := s.Connect(ctx, uri); err != nil {
		log.Error().Err(err).Msg("Could not reconnect")
		return err
	}
	return nil
}

// Send writes msg as one text frame. Transport failures and cancellation of
// the send scope are logged, not returned; delivery is only confirmed by the
// matching reply. ErrNotOpen is returned when the connection is not open.
func (s *Session) Send(ctx context.Context, msg []byte) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return &Error{Op: "send", Err: ErrNotOpen}
	}
	l, scope := s.link, s.sendCtx
	s.mu.Unlock()

	if scope.Err() != nil {
		s.renewSendScope(scope)
		log.Info().Msg("Sending operation canceled")
		return nil
	}
	if ctx.Err() != nil {
		log.Info().Msg("Sending operation canceled")
		return nil
	}

	if len(msg) < 1000 {
		log.Debug().Str("message", string(msg)).Msg("Sending message")
	} else {
		log.Debug().Str("message", string(msg[:1000])).Int("size", len(msg)).Msg("Sending message (truncated)")
	}

	l.writeMu.Lock()
	err := l.conn.WriteMessage(websocket.TextMessage, msg)
	l.writeMu.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("Sending operation failed due to connection issues")
		s.markBroken(l)
		return nil
	}

	s.mu.Lock()
	if scope.Err() != nil {
		// The receive for this request will be canceled too; fence its reply.
		s.stale++
	} else {
		s.unanswered++
	}
	s.mu.Unlock()
	return nil
}

// Receive returns the next complete, non-empty text message. Non-text
// frames are discarded. Cancellation yields an error matching ErrCanceled;
// socket failures yield an error matching ErrTransport. There is no timeout.
func (s *Session) Receive(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return "", &Error{Op: "receive", Err: ErrNotOpen}
	}
	l, scope := s.link, s.recvCtx
	s.mu.Unlock()

	for {
		if scope.Err() != nil {
			s.mu.Lock()
			if s.recvCtx == scope {
				s.recvCtx, s.recvCancel = context.WithCancel(context.Background())
			}
			s.drainLocked(l)
			s.mu.Unlock()
			log.Info().Msg("Reception operation has been canceled")
			return "", fmt.Errorf("receive: %w", ErrCanceled)
		}

		var f frame
		select {
		case f = <-l.inbox:
		case <-scope.Done():
			continue
		case <-ctx.Done():
			log.Info().Msg("Reception operation has been canceled")
			return "", fmt.Errorf("receive: %w: %v", ErrCanceled, ctx.Err())
		case <-l.done:
			return "", &Error{Op: "receive", Err: errors.New("connection discarded")}
		}

		if f.err != nil {
			log.Error().Err(f.err).Msg("Reception operation failed due to connection issues")
			s.markBroken(l)
			return "", &Error{Op: "receive", Err: f.err}
		}
		if f.kind != websocket.TextMessage {
			log.Debug().Int("type", f.kind).Msg("Discarding non-text frame")
			continue
		}
		if len(f.data) == 0 {
			continue
		}

		s.mu.Lock()
		if s.stale > 0 {
			s.stale--
			s.mu.Unlock()
			log.Debug().Msg("Discarding reply to a canceled request")
			continue
		}
		if s.unanswered > 0 {
			s.unanswered--
		}
		s.mu.Unlock()

		if len(f.data) < 1000 {
			log.Debug().Str("message", string(f.data)).Msg("Received message")
		} else {
			log.Debug().Str("message", string(f.data[:1000])).Int("size", len(f.data)).Msg("Received message (truncated)")
		}
		return string(f.data), nil
	}
}

// CancelSend cancels the current send scope. Only the next send observes it.
func (s *Session) CancelSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Debug().Msg("Sending cancel requested")
	s.sendCancel()
}

// CancelReceive cancels the current receive scope. Only the next receive
// observes it; replies to requests already written are discarded.
func (s *Session) CancelReceive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Debug().Msg("Reception cancel requested")
	s.stale += s.unanswered
	s.unanswered = 0
	s.recvCancel()
}

// ResetScopes replaces both scopes with fresh ones, dropping a cancellation
// no call has observed yet. Messages already buffered are dropped so the
// next exchange reads its own reply.
func (s *Session) ResetScopes() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetScopesLocked()
	s.drainLocked(s.link)
}

// drainLocked drops the frames already buffered on l without blocking.
// Each is either a late reply to a fenced request or an unsolicited push
// nobody is waiting for. A buffered read error marks the link broken.
func (s *Session) drainLocked(l *link) {
	if l == nil || s.link != l {
		return
	}
	for {
		select {
		case f := <-l.inbox:
			if f.err != nil {
				log.Error().Err(f.err).Msg("Connection failed while no reception was pending")
				s.state = StateClosed
				return
			}
			if f.kind != websocket.TextMessage || len(f.data) == 0 {
				continue
			}
			if s.stale > 0 {
				s.stale--
			}
			log.Debug().Int("size", len(f.data)).Msg("Discarding buffered message")
		default:
			return
		}
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// markBroken leaves the handle in place so RetryAfterAbort can replace it.
func (s *Session) markBroken(l *link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == l {
		s.state = StateClosed
	}
}

func (s *Session) resetScopesLocked() {
	if s.sendCancel != nil {
		s.sendCancel()
	}
	if s.recvCancel != nil {
		s.recvCancel()
	}
	s.sendCtx, s.sendCancel = context.WithCancel(context.Background())
	s.recvCtx, s.recvCancel = context.WithCancel(context.Background())
}

func (s *Session) renewSendScope(old context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendCtx == old {
		s.sendCtx, s.sendCancel = context.WithCancel(context.Background())
	}
}

