package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldops/uplink/internal/codec"
	"github.com/fieldops/uplink/internal/device"
	"github.com/fieldops/uplink/internal/identity"
	"github.com/fieldops/uplink/internal/pack"
	"github.com/fieldops/uplink/internal/transport"
)

// handler returns the reply to a sent message, or fail to break the
// connection before the reply arrives. A failure also takes the server
// away until the test makes it connectable again. An empty reply leaves
// the message unanswered.
type handler func(op, msg string) (reply string, fail bool)

func ackAll(op, msg string) (string, bool) {
	if op == codec.OpRecordingExists {
		return `{"status":"new"}`, false
	}
	return `{"status":"ok"}`, false
}

// fakeSession is an in-memory server connection. It mirrors the scope
// semantics of transport.Session: a canceled scope is consumed by the next
// call and reset on connect.
type fakeSession struct {
	mu           sync.Mutex
	open         bool
	handle       bool
	connectable  bool
	connects     int
	sent         []string
	replies      []string
	broken       bool
	sendCanceled bool
	recvCanceled bool
	respond      handler
}

func newFakeSession(connectable bool) *fakeSession {
	return &fakeSession{connectable: connectable, respond: ackAll}
}

func (s *fakeSession) setConnectable(v bool) {
	s.mu.Lock()
	s.connectable = v
	s.mu.Unlock()
}

func (s *fakeSession) setHandler(h handler) {
	s.mu.Lock()
	s.respond = h
	s.mu.Unlock()
}

// push queues an unsolicited server message.
func (s *fakeSession) push(msg string) {
	s.mu.Lock()
	s.replies = append(s.replies, msg)
	s.mu.Unlock()
}

// drop breaks the connection as if the server went away.
func (s *fakeSession) drop() {
	s.mu.Lock()
	s.broken, s.open, s.connectable = true, false, false
	s.mu.Unlock()
}

func (s *fakeSession) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *fakeSession) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *fakeSession) ops() []string {
	var ops []string
	for _, m := range s.messages() {
		op, _ := codec.DecodeField(m, "op")
		ops = append(ops, op)
	}
	return ops
}

func (s *fakeSession) Connect(ctx context.Context, uri string) error {
	for {
		s.mu.Lock()
		if s.connectable {
			s.open, s.handle, s.broken = true, true, false
			s.replies = nil
			s.sendCanceled, s.recvCanceled = false, false
			s.connects++
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (s *fakeSession) RetryAfterAbort(ctx context.Context, uri string) error {
	s.mu.Lock()
	skip := s.open || !s.handle
	s.mu.Unlock()
	if skip {
		return nil
	}
	return s.Connect(ctx, uri)
}

func (s *fakeSession) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeSession) ResetScopes() {
	s.mu.Lock()
	s.sendCanceled, s.recvCanceled = false, false
	s.mu.Unlock()
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Send(ctx context.Context, msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return &transport.Error{Op: "send", Err: transport.ErrNotOpen}
	}
	if s.sendCanceled {
		s.sendCanceled = false
		return nil
	}

	s.sent = append(s.sent, string(msg))
	op, _ := codec.DecodeField(string(msg), "op")
	reply, fail := s.respond(op, string(msg))
	if fail {
		s.broken = true
		s.open = false
		s.connectable = false
		return nil
	}
	if reply != "" {
		s.replies = append(s.replies, reply)
	}
	return nil
}

func (s *fakeSession) Receive(ctx context.Context) (string, error) {
	for {
		s.mu.Lock()
		switch {
		case s.recvCanceled:
			s.recvCanceled = false
			s.mu.Unlock()
			return "", fmt.Errorf("receive: %w", transport.ErrCanceled)
		case s.broken:
			s.broken = false
			s.mu.Unlock()
			return "", &transport.Error{Op: "receive", Err: errors.New("connection reset by peer")}
		case !s.open:
			s.mu.Unlock()
			return "", &transport.Error{Op: "receive", Err: transport.ErrNotOpen}
		case len(s.replies) > 0:
			r := s.replies[0]
			s.replies = s.replies[1:]
			s.mu.Unlock()
			return r, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("receive: %w: %v", transport.ErrCanceled, ctx.Err())
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (s *fakeSession) CancelSend() {
	s.mu.Lock()
	s.sendCanceled = true
	s.mu.Unlock()
}

func (s *fakeSession) CancelReceive() {
	s.mu.Lock()
	s.recvCanceled = true
	s.mu.Unlock()
}

type fakeHandle struct {
	serial string
	dataID string

	mu       sync.Mutex
	commands []string
}

func (h *fakeHandle) Serial() (string, error)          { return h.serial, nil }
func (h *fakeHandle) DatasetID() (string, error)       { return h.dataID, nil }
func (h *fakeHandle) MeasuredFiles() ([]string, error) { return []string{"DATA/ch1.ndf"}, nil }

func (h *fakeHandle) ApplyCommand(command string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, command)
	return nil
}

func (h *fakeHandle) applied() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

// fakeSource serves at most one device that tests attach and remove.
type fakeSource struct {
	mu      sync.Mutex
	handle  *fakeHandle
	removed chan struct{}
}

func (s *fakeSource) attach(h *fakeHandle) {
	s.mu.Lock()
	s.handle = h
	s.removed = make(chan struct{})
	s.mu.Unlock()
}

func (s *fakeSource) remove() {
	s.mu.Lock()
	s.handle = nil
	if s.removed != nil {
		close(s.removed)
		s.removed = nil
	}
	s.mu.Unlock()
}

func (s *fakeSource) Probe() (device.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return nil, nil
	}
	return s.handle, nil
}

func (s *fakeSource) AwaitInsertion(ctx context.Context) (device.Handle, error) {
	for {
		if h, _ := s.Probe(); h != nil {
			return h, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (s *fakeSource) WatchRemoval(ctx context.Context, h device.Handle) <-chan struct{} {
	s.mu.Lock()
	removed := s.removed
	s.mu.Unlock()

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		select {
		case <-removed:
			out <- struct{}{}
		case <-ctx.Done():
		}
	}()
	return out
}

func (s *fakeSource) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// fakePacker returns a package of size bytes without touching the disk.
type fakePacker struct {
	size int
}

func (p *fakePacker) Build(ctx context.Context, files []string, id identity.Identity, progress pack.ProgressFunc) (*pack.Package, error) {
	payload := make([]byte, p.size)
	for i := range payload {
		payload[i] = byte(i)
	}
	if progress != nil {
		progress(int64(p.size), int64(p.size))
	}
	return &pack.Package{
		DataID:        id.DataID,
		Payload:       payload,
		PackedHash:    "packed-" + id.DataID,
		EncryptedHash: "encrypted-" + id.DataID,
		Size:          int64(p.size),
	}, nil
}

type countingMetrics struct {
	reconnects atomic.Int32
	chunks     atomic.Int32
	verified   atomic.Int32
	state      atomic.Value
}

func (m *countingMetrics) ChunkSent(int)             { m.chunks.Add(1) }
func (m *countingMetrics) ChunkRetried()             {}
func (m *countingMetrics) UploadVerified()           { m.verified.Add(1) }
func (m *countingMetrics) Reconnected()              { m.reconnects.Add(1) }
func (m *countingMetrics) StateChanged(state string) { m.state.Store(state) }

func (m *countingMetrics) Progress(sent, total int64) {}
