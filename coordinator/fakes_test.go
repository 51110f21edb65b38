// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/bureau-foundation/tandem/wire"
)

type testStream struct{ id string }

func (s *testStream) ID() string { return s.id }

func newTestStream() *testStream {
	return &testStream{id: NewStreamID()}
}

var errConnectionClosed = errors.New("fake connection closed")

// fakeConnection records what the coordinator does to it and lets
// tests fire its events. Close reports closure through OnClosed, the
// way transport-backed connections do.
type fakeConnection struct {
	id     string
	sender bool

	mu       sync.Mutex
	stream   Stream
	handlers ConnectionHandlers
	written  []string
	openErr  error
	opened   bool
	closed   bool
}

func (f *fakeConnection) ID() string     { return f.id }
func (f *fakeConnection) IsSender() bool { return f.sender }

func (f *fakeConnection) Stream() Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stream
}

func (f *fakeConnection) Handle(handlers ConnectionHandlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = handlers
}

func (f *fakeConnection) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeConnection) Write(payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errConnectionClosed
	}
	f.written = append(f.written, payload)
	return nil
}

func (f *fakeConnection) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	onClosed := f.handlers.OnClosed
	f.mu.Unlock()

	if onClosed != nil {
		onClosed()
	}
	return nil
}

// fail simulates the transport dying underneath the connection.
func (f *fakeConnection) fail() {
	f.Close()
}

func (f *fakeConnection) emitMessage(payload string) {
	f.mu.Lock()
	onMessage := f.handlers.OnMessage
	f.mu.Unlock()
	if onMessage != nil {
		onMessage(payload)
	}
}

func (f *fakeConnection) emitStream(stream Stream) {
	f.mu.Lock()
	f.stream = stream
	onStream := f.handlers.OnStream
	f.mu.Unlock()
	if onStream != nil {
		onStream(stream)
	}
}

func (f *fakeConnection) writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

func (f *fakeConnection) isOpened() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *fakeConnection) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeAdaptor struct {
	mu         sync.Mutex
	senders    []*fakeConnection
	receivers  []*fakeConnection
	connectErr error
	receiveErr error
	openErr    error

	// onConnect and onReceive run after a connection is created and
	// before it is returned, outside the adaptor's lock.
	onConnect func()
	onReceive func()
}

func (a *fakeAdaptor) Connect(stream Stream) (Connection, error) {
	a.mu.Lock()
	if a.connectErr != nil {
		a.mu.Unlock()
		return nil, a.connectErr
	}
	conn := &fakeConnection{id: stream.ID(), sender: true, stream: stream, openErr: a.openErr}
	a.senders = append(a.senders, conn)
	hook := a.onConnect
	a.mu.Unlock()

	if hook != nil {
		hook()
	}
	return conn, nil
}

func (a *fakeAdaptor) Receive(id string) (Connection, error) {
	a.mu.Lock()
	if a.receiveErr != nil {
		a.mu.Unlock()
		return nil, a.receiveErr
	}
	conn := &fakeConnection{id: id}
	a.receivers = append(a.receivers, conn)
	hook := a.onReceive
	a.mu.Unlock()

	if hook != nil {
		hook()
	}
	return conn, nil
}

func (a *fakeAdaptor) sent() []*fakeConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*fakeConnection(nil), a.senders...)
}

func (a *fakeAdaptor) received() []*fakeConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*fakeConnection(nil), a.receivers...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) types() []EventType {
	var types []EventType
	for _, event := range r.all() {
		types = append(types, event.Type)
	}
	return types
}

func (r *eventRecorder) last(t *testing.T) Event {
	t.Helper()
	events := r.all()
	if len(events) == 0 {
		t.Fatal("no events recorded")
	}
	return events[len(events)-1]
}

// peer bundles a Coordinator with its fake adaptor and event log.
type peer struct {
	*Coordinator
	adaptor *fakeAdaptor
	events  *eventRecorder
}

func newPeer(t *testing.T, send func(string), configure func(*Config)) *peer {
	t.Helper()
	adaptor := &fakeAdaptor{}
	config := Config{Adaptor: adaptor, Send: send}
	if configure != nil {
		configure(&config)
	}
	coordinator, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events := &eventRecorder{}
	coordinator.Subscribe(events.record)
	return &peer{Coordinator: coordinator, adaptor: adaptor, events: events}
}

// newPair wires two coordinators back-to-back with synchronous Send
// functions.
func newPair(t *testing.T) (a, b *peer) {
	t.Helper()
	a = newPeer(t, func(frame string) { b.Write(frame) }, nil)
	b = newPeer(t, func(frame string) { a.Write(frame) }, nil)
	return a, b
}

// newRunningPair returns a pair that has completed init.
func newRunningPair(t *testing.T) (a, b *peer) {
	t.Helper()
	a, b = newPair(t)
	a.Open()
	if a.State() != StateRunning || b.State() != StateRunning {
		t.Fatalf("after init: a=%s b=%s, want both running", a.State(), b.State())
	}
	return a, b
}

// frameLog stands in for the peer when a test drives one coordinator
// by hand.
type frameLog struct {
	mu     sync.Mutex
	frames []string
}

func (l *frameLog) send(frame string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, frame)
}

func (l *frameLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

// registered returns how many connections the coordinator holds in
// each registry, regardless of state.
func (p *peer) registered() (local, remote int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.local.connections), len(p.remote.connections)
}

// protocol decodes the index'th sent frame, which must be a protocol
// frame.
func (l *frameLog) protocol(t *testing.T, index int) wire.ProtocolFrame {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if index >= len(l.frames) {
		t.Fatalf("frame %d requested, only %d sent", index, len(l.frames))
	}
	frame, err := wire.Decode(l.frames[index])
	if err != nil {
		t.Fatalf("frame %d: %v", index, err)
	}
	if frame.Kind != wire.KindProtocol {
		t.Fatalf("frame %d is %s, want protocol", index, frame.Kind)
	}
	return frame.Protocol
}

func newScriptedPeer(t *testing.T, configure func(*Config)) (*peer, *frameLog) {
	t.Helper()
	log := &frameLog{}
	return newPeer(t, log.send, configure), log
}

// leg encodes a protocol frame as the hand-driven peer would send it.
func leg(t *testing.T, context, message, topic string) string {
	t.Helper()
	frame, err := wire.EncodeProtocol(wire.ProtocolFrame{
		Context: context,
		Message: json.RawMessage(message),
		Topic:   topic,
	})
	if err != nil {
		t.Fatalf("EncodeProtocol: %v", err)
	}
	return frame
}

func requireCompleted(t *testing.T, op *Operation) error {
	t.Helper()
	select {
	case <-op.Done():
		return op.Err()
	default:
		t.Fatal("operation has not completed")
		return nil
	}
}

func requirePending(t *testing.T, op *Operation) {
	t.Helper()
	select {
	case <-op.Done():
		t.Fatalf("operation completed early: %v", op.Err())
	default:
	}
}
