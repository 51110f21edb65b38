// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/tandem/correlate"
	"github.com/bureau-foundation/tandem/lib/clock"
	"github.com/bureau-foundation/tandem/wire"
)

var (
	// ErrClosed completes operations that were pending or started
	// after the coordinator closed.
	ErrClosed = errors.New("coordinator: closed")

	// ErrInvalidStreamID rejects streams whose ID is not 36 bytes.
	ErrInvalidStreamID = errors.New("coordinator: stream ID must be 36 bytes")

	// ErrNilStream rejects AddStream(nil).
	ErrNilStream = errors.New("coordinator: nil stream")
)

// RemoteError reports a failure the peer sent back in an exchange
// reply, such as an adaptor that could not create a receiver.
type RemoteError struct {
	Topic   string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("coordinator: peer failed %s: %s", e.Topic, e.Message)
}

// State is the coordinator's lifecycle state.
type State int32

const (
	StateWaiting State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Role decides which side starts the init exchange.
type Role int

const (
	// RoleActive sends init when opened. Both peers may be active.
	RoleActive Role = iota

	// RolePassive only answers the peer's init.
	RolePassive
)

func (r Role) String() string {
	switch r {
	case RoleActive:
		return "active"
	case RolePassive:
		return "passive"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ParseRole parses "active" or "passive". The empty string is active.
func ParseRole(s string) (Role, error) {
	switch s {
	case "", "active":
		return RoleActive, nil
	case "passive":
		return RolePassive, nil
	default:
		return 0, fmt.Errorf("unknown coordinator role %q (expected \"active\" or \"passive\")", s)
	}
}

// Config configures a Coordinator.
type Config struct {
	// Adaptor creates stream connections. Required.
	Adaptor Adaptor

	// Send carries one encoded frame to the peer's Write. Required. It
	// may call the peer synchronously.
	Send func(frame string)

	// Role selects whether Open sends init.
	Role Role

	// ExchangeTimeout fails exchanges whose reply does not arrive in
	// time. Zero waits indefinitely.
	ExchangeTimeout time.Duration

	// Clock drives exchange timeouts. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives diagnostics. Defaults to discarding them.
	Logger *slog.Logger

	// Metrics records counters. May be nil.
	Metrics *Metrics
}

// deferredTask is work held until the coordinator reaches Running.
// op, when set, is failed if the coordinator closes first.
type deferredTask struct {
	run func()
	op  *Operation
}

// Coordinator keeps one peer's view of the shared stream set
// consistent with the other peer's, over a single ordered signaling
// channel. See the package documentation.
type Coordinator struct {
	adaptor Adaptor
	send    func(string)
	role    Role
	logger  *slog.Logger
	metrics *Metrics

	correlator *correlate.Correlator

	// serial orders every state-changing task: inbound frames,
	// connection events, exchange continuations, and public operations.
	serial serial

	// mu guards the fields below. It is never held while calling out
	// to the adaptor, connections, subscribers, or Send.
	mu             sync.Mutex
	state          State
	local          *registry
	remote         *registry
	deferred       []deferredTask
	recovering     map[string]struct{}
	subscribers    map[uint64]func(Event)
	nextSubscriber uint64
}

// New creates a Coordinator in the Waiting state. Call Open to start
// the init exchange.
func New(config Config) (*Coordinator, error) {
	if config.Adaptor == nil {
		return nil, errors.New("coordinator: Adaptor is required")
	}
	if config.Send == nil {
		return nil, errors.New("coordinator: Send is required")
	}
	if config.ExchangeTimeout < 0 {
		return nil, fmt.Errorf("coordinator: negative ExchangeTimeout %v", config.ExchangeTimeout)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	c := &Coordinator{
		adaptor:     config.Adaptor,
		send:        config.Send,
		role:        config.Role,
		logger:      logger,
		metrics:     config.Metrics,
		local:       newRegistry(config.Metrics.streamsChanged("local")),
		remote:      newRegistry(config.Metrics.streamsChanged("remote")),
		recovering:  make(map[string]struct{}),
		subscribers: make(map[uint64]func(Event)),
	}

	var options []correlate.Option
	if config.ExchangeTimeout > 0 {
		options = append(options, correlate.WithTimeout(config.ExchangeTimeout, clk))
	}
	c.correlator = correlate.New(c.sendProtocol, options...)
	c.correlator.Handle(topicInit, c.handleInit)
	c.correlator.Handle(topicStreamAdded, c.handleStreamAdded)
	c.correlator.Handle(topicStreamRemoved, c.handleStreamRemoved)
	c.correlator.Handle(topicClosed, c.handleClosed)
	c.correlator.Handle(topicConnectionClosed, c.handleConnectionClosed)

	return c, nil
}

// NewStreamID returns a fresh 36-byte stream ID.
func NewStreamID() string {
	return uuid.NewString()
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open starts the coordinator. An active coordinator sends init; a
// passive one waits for the peer's. Open on a coordinator that has
// left Waiting does nothing.
func (c *Coordinator) Open() {
	c.serial.do(func() {
		if c.State() != StateWaiting || c.role != RoleActive {
			return
		}
		c.logger.Debug("sending init")
		c.metrics.exchange(topicInit, "local")
		c.correlator.Initiate(topicInit, nil).Then(c.continuation(func(_ correlate.Exchange, err error) {
			if err != nil {
				c.logger.Warn("init exchange failed", "error", err)
				return
			}
			c.enterRunning(nil)
		}))
	})
}

// Write accepts one frame from the peer's Send. It never fails:
// malformed frames and frames for unknown streams are logged and
// dropped. Frames written after Close are ignored.
func (c *Coordinator) Write(frame string) {
	c.serial.do(func() { c.handleFrame(frame) })
}

// AddStream announces a local stream to the peer and, once the peer
// has acknowledged, creates and opens a sender connection for it.
// Called before Running, the operation is held until Running. meta is
// marshaled to JSON and handed to the peer's streamAdded event.
func (c *Coordinator) AddStream(stream Stream, meta any) *Operation {
	if stream == nil {
		return failedOperation(ErrNilStream)
	}
	id := stream.ID()
	if !wire.ValidStreamID(id) {
		return failedOperation(fmt.Errorf("%w: got %d bytes", ErrInvalidStreamID, len(id)))
	}
	var metaJSON json.RawMessage
	if meta != nil {
		data, err := json.Marshal(meta)
		if err != nil {
			return failedOperation(fmt.Errorf("coordinator: encoding stream metadata: %w", err))
		}
		metaJSON = data
	}

	op := newOperation()
	c.whenRunning(op, func() { c.addStream(stream, metaJSON, op) })
	return op
}

// RemoveStream retracts a local stream. See RemoveStreamByID.
func (c *Coordinator) RemoveStream(stream Stream) *Operation {
	if stream == nil {
		return failedOperation(ErrNilStream)
	}
	return c.RemoveStreamByID(stream.ID())
}

// RemoveStreamByID tells the peer to drop the stream, then closes and
// unregisters the local sender connection. Removing an ID that is not
// registered still runs the exchange and completes without error.
func (c *Coordinator) RemoveStreamByID(id string) *Operation {
	op := newOperation()
	c.whenRunning(op, func() { c.removeStream(id, op) })
	return op
}

// LocalStreams returns the streams this side has added, by ID. It is
// empty unless the coordinator is Running.
func (c *Coordinator) LocalStreams() map[string]Stream {
	return c.streams(func() *registry { return c.local })
}

// RemoteStreams returns the streams the peer has added, by ID. It is
// empty unless the coordinator is Running. A stream whose receiver has
// not yet delivered it maps to nil.
func (c *Coordinator) RemoteStreams() map[string]Stream {
	return c.streams(func() *registry { return c.remote })
}

func (c *Coordinator) streams(which func() *registry) map[string]Stream {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return map[string]Stream{}
	}
	connections := which().snapshot()
	c.mu.Unlock()

	streams := make(map[string]Stream, len(connections))
	for id, conn := range connections {
		streams[id] = conn.Stream()
	}
	return streams
}

// StreamByID looks id up among local streams, then remote streams.
func (c *Coordinator) StreamByID(id string) (Stream, bool) {
	c.mu.Lock()
	conn := c.local.get(id)
	if conn == nil {
		conn = c.remote.get(id)
	}
	c.mu.Unlock()

	if conn == nil {
		return nil, false
	}
	stream := conn.Stream()
	return stream, stream != nil
}

// Close moves to Closed, tells the peer, emits EventClosed, and closes
// every connection. reason is marshaled to JSON and delivered to both
// sides' EventClosed. The state change is immediate; the rest runs on
// the coordinator's execution context. Close is idempotent.
func (c *Coordinator) Close(reason any) {
	var reasonJSON json.RawMessage
	if reason != nil {
		data, err := json.Marshal(reason)
		if err != nil {
			c.logger.Warn("dropping unencodable close reason", "error", err)
		} else {
			reasonJSON = data
		}
	}

	teardown, ok := c.markClosed()
	if !ok {
		return
	}
	c.serial.do(func() { c.finishClose(teardown, false, reasonJSON) })
}

// whenRunning runs task on the execution context once the coordinator
// is Running. op is failed with ErrClosed if it closes first.
func (c *Coordinator) whenRunning(op *Operation, task func()) {
	c.serial.do(func() {
		c.mu.Lock()
		switch c.state {
		case StateWaiting:
			c.deferred = append(c.deferred, deferredTask{run: task, op: op})
			c.mu.Unlock()
		case StateRunning:
			c.mu.Unlock()
			task()
		default:
			c.mu.Unlock()
			if op != nil {
				op.complete(ErrClosed)
			}
		}
	})
}

// continuation adapts fn into a Future callback that runs on the
// execution context.
func (c *Coordinator) continuation(fn func(reply correlate.Exchange, err error)) func(correlate.Exchange, error) {
	return func(reply correlate.Exchange, err error) {
		c.serial.do(func() { fn(reply, err) })
	}
}

// enterRunning moves Waiting to Running and emits EventRunning. If
// the transition happened, acknowledge (when non-nil) runs next and
// deferred work is replayed after it. It reports whether the
// transition happened.
func (c *Coordinator) enterRunning(acknowledge func()) bool {
	c.mu.Lock()
	if c.state != StateWaiting {
		c.mu.Unlock()
		return false
	}
	c.state = StateRunning
	deferred := c.deferred
	c.deferred = nil
	c.mu.Unlock()

	c.metrics.transition(StateRunning)
	c.logger.Info("coordinator running", "deferred", len(deferred))
	c.emit(Event{Type: EventRunning})
	if acknowledge != nil {
		acknowledge()
	}
	for _, task := range deferred {
		task.run()
	}
	return true
}

// deferWhileWaiting holds task until Running if the coordinator is
// still Waiting, and reports whether it did.
func (c *Coordinator) deferWhileWaiting(task func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateWaiting {
		return false
	}
	c.deferred = append(c.deferred, deferredTask{run: task})
	return true
}

// closeTeardown is what markClosed took out of the coordinator.
type closeTeardown struct {
	connections []Connection
	deferred    []deferredTask
}

func (c *Coordinator) markClosed() (closeTeardown, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return closeTeardown{}, false
	}
	c.state = StateClosed
	connections := append(c.local.drain(), c.remote.drain()...)
	deferred := c.deferred
	c.deferred = nil
	clear(c.recovering)
	return closeTeardown{connections: connections, deferred: deferred}, true
}

func (c *Coordinator) finishClose(teardown closeTeardown, remote bool, reason json.RawMessage) {
	c.metrics.transition(StateClosed)
	c.logger.Info("coordinator closed", "remote", remote, "connections", len(teardown.connections))

	if !remote {
		c.metrics.exchange(topicClosed, "local")
		if err := c.correlator.Notify(topicClosed, closedMessage{Reason: reason}); err != nil {
			c.logger.Warn("sending closed", "error", err)
		}
	}
	c.correlator.Close(ErrClosed)

	for _, task := range teardown.deferred {
		if task.op != nil {
			task.op.complete(ErrClosed)
		}
	}

	c.emit(Event{Type: EventClosed, Remote: remote, Reason: reason})

	for _, conn := range teardown.connections {
		c.closeConnection(conn)
	}
}

// sendProtocol is the correlator's sink.
func (c *Coordinator) sendProtocol(context string, message json.RawMessage, topic string) {
	frame, err := wire.EncodeProtocol(wire.ProtocolFrame{
		Context: context,
		Message: message,
		Topic:   topic,
	})
	if err != nil {
		c.logger.Error("encoding protocol frame", "topic", topic, "error", err)
		return
	}
	c.send(frame)
}

func (c *Coordinator) handleFrame(raw string) {
	if c.State() == StateClosed {
		c.metrics.dropped("closed")
		return
	}

	frame, err := wire.Decode(raw)
	if err != nil {
		c.metrics.dropped("malformed")
		c.logger.Debug("dropping malformed frame", "error", err, "length", len(raw))
		return
	}

	switch frame.Kind {
	case wire.KindLocal:
		c.deliverData(c.local, frame)
	case wire.KindRemote:
		c.deliverData(c.remote, frame)
	case wire.KindProtocol:
		outcome := c.correlator.Deliver(frame.Protocol.Context, frame.Protocol.Message, frame.Protocol.Topic)
		switch outcome {
		case correlate.Dispatched:
			c.metrics.exchange(frame.Protocol.Topic, "remote")
		case correlate.DroppedTopic, correlate.DroppedContext:
			c.metrics.dropped(outcome.String())
			c.logger.Debug("dropping protocol frame",
				"outcome", outcome.String(),
				"topic", frame.Protocol.Topic,
			)
		}
	}
}

// deliverData hands a data frame's payload to the connection for its
// stream. A frame tagged L addresses a local (sender) connection; R
// addresses a remote (receiver) one.
func (c *Coordinator) deliverData(registry *registry, frame wire.Frame) {
	c.mu.Lock()
	conn := registry.get(frame.StreamID)
	c.mu.Unlock()

	if conn == nil {
		c.metrics.dropped("unknown_stream")
		c.logger.Debug("dropping data frame for unknown stream",
			"kind", frame.Kind.String(),
			"stream_id", frame.StreamID,
		)
		return
	}
	c.metrics.dataFrame("inbound")
	if err := conn.Write(frame.Payload); err != nil {
		c.logger.Warn("connection rejected data frame",
			"stream_id", frame.StreamID,
			"error", err,
		)
	}
}

// forward relays a connection's outbound payloads to the peer. A
// sender's payloads are tagged R so they reach the peer's receiver,
// and a receiver's are tagged L. Payloads from a connection that is
// no longer registered are dropped.
func (c *Coordinator) forward(registry *registry, conn Connection) func(string) {
	kind := wire.KindLocal
	if conn.IsSender() {
		kind = wire.KindRemote
	}
	return func(payload string) {
		c.serial.do(func() {
			c.mu.Lock()
			live := c.state != StateClosed && registry.holds(conn.ID(), conn)
			c.mu.Unlock()
			if !live {
				return
			}

			frame, err := wire.EncodeData(kind, conn.ID(), payload)
			if err != nil {
				c.logger.Error("encoding data frame", "stream_id", conn.ID(), "error", err)
				return
			}
			c.metrics.dataFrame("outbound")
			c.send(frame)
		})
	}
}

// install registers conn under its stream ID and closes whatever it
// displaced. Handlers are wired first so no event is missed. A
// coordinator that closed while conn was being created does not take
// it: conn is closed and install reports false.
func (c *Coordinator) install(registry *registry, conn Connection, handlers ConnectionHandlers) bool {
	conn.Handle(handlers)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		c.logger.Debug("discarding connection created during close", "stream_id", conn.ID())
		c.closeConnection(conn)
		return false
	}
	previous := registry.replace(conn.ID(), conn)
	c.mu.Unlock()

	if previous != nil && previous != conn {
		c.logger.Debug("replacing stream connection", "stream_id", conn.ID())
		c.closeConnection(previous)
	}
	return true
}

// uninstall removes conn if it is still registered under its ID and
// closes it either way.
func (c *Coordinator) uninstall(registry *registry, conn Connection) {
	c.mu.Lock()
	if registry.holds(conn.ID(), conn) {
		registry.remove(conn.ID())
	}
	c.mu.Unlock()
	c.closeConnection(conn)
}

func (c *Coordinator) installSender(conn Connection) bool {
	return c.install(c.local, conn, ConnectionHandlers{
		OnMessage: c.forward(c.local, conn),
		OnClosed: func() {
			c.logger.Debug("sender connection closed", "stream_id", conn.ID())
		},
	})
}

// installReceiver registers a receiver connection; onStream runs on
// the execution context when its stream arrives, as long as conn is
// still registered.
func (c *Coordinator) installReceiver(conn Connection, onStream func(Stream)) bool {
	id := conn.ID()
	return c.install(c.remote, conn, ConnectionHandlers{
		OnMessage: c.forward(c.remote, conn),
		OnClosed: func() {
			c.serial.do(func() { c.receiverClosed(id, conn) })
		},
		OnStream: func(stream Stream) {
			c.serial.do(func() {
				c.mu.Lock()
				live := c.remote.holds(id, conn)
				c.mu.Unlock()
				if live {
					onStream(stream)
				}
			})
		},
	})
}

func (c *Coordinator) closeConnection(conn Connection) {
	if err := conn.Close(); err != nil {
		c.logger.Debug("closing stream connection", "stream_id", conn.ID(), "error", err)
	}
}

func (c *Coordinator) addStream(stream Stream, meta json.RawMessage, op *Operation) {
	id := stream.ID()
	c.metrics.exchange(topicStreamAdded, "local")
	c.correlator.Initiate(topicStreamAdded, streamAddedMessage{ID: id, Meta: meta}).
		Then(c.continuation(func(reply correlate.Exchange, err error) {
			if err != nil {
				op.complete(fmt.Errorf("adding stream %s: %w", id, err))
				return
			}
			var body streamAddedReply
			if err := reply.Decode(&body); err != nil {
				op.complete(fmt.Errorf("adding stream %s: %w", id, err))
				return
			}
			if body.Error != "" {
				op.complete(&RemoteError{Topic: topicStreamAdded, Message: body.Error})
				return
			}
			if c.State() != StateRunning {
				op.complete(ErrClosed)
				return
			}

			conn, err := c.adaptor.Connect(stream)
			if err != nil {
				c.logger.Error("creating sender connection", "stream_id", id, "error", err)
				op.complete(fmt.Errorf("connecting stream %s: %w", id, err))
				return
			}
			if !c.installSender(conn) {
				op.complete(ErrClosed)
				return
			}
			if err := conn.Open(); err != nil {
				c.logger.Error("opening sender connection", "stream_id", id, "error", err)
				c.uninstall(c.local, conn)
				op.complete(fmt.Errorf("opening stream %s: %w", id, err))
				return
			}
			c.logger.Info("stream added", "stream_id", id)
			op.complete(nil)
		}))
}

func (c *Coordinator) removeStream(id string, op *Operation) {
	c.metrics.exchange(topicStreamRemoved, "local")
	c.correlator.Initiate(topicStreamRemoved, streamRemovedMessage{ID: id}).
		Then(c.continuation(func(_ correlate.Exchange, err error) {
			if err != nil {
				op.complete(fmt.Errorf("removing stream %s: %w", id, err))
				return
			}
			c.mu.Lock()
			conn := c.local.remove(id)
			c.mu.Unlock()
			if conn != nil {
				c.closeConnection(conn)
				c.logger.Info("stream removed", "stream_id", id)
			}
			op.complete(nil)
		}))
}
