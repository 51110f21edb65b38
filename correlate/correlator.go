// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package correlate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/tandem/lib/clock"
)

var (
	// ErrExpired settles a Future whose reply did not arrive within the
	// timeout configured by WithTimeout.
	ErrExpired = errors.New("correlate: exchange expired")

	// ErrClosed is the default error for Futures settled by Close.
	ErrClosed = errors.New("correlate: correlator closed")
)

// Sink carries one leg to the peer. topic is empty on every leg after
// the first.
type Sink func(context string, message json.RawMessage, topic string)

// Handler serves the first leg of an exchange for one topic.
type Handler func(exchange Exchange)

// Outcome reports what Deliver did with a leg.
type Outcome int

const (
	// Dispatched means the leg carried a topic and its handler ran.
	Dispatched Outcome = iota + 1
	// Resolved means the leg settled a pending Future.
	Resolved
	// DroppedTopic means no handler is registered for the leg's topic.
	DroppedTopic
	// DroppedContext means no exchange is pending for the leg's context.
	DroppedContext
)

func (o Outcome) String() string {
	switch o {
	case Dispatched:
		return "dispatched"
	case Resolved:
		return "resolved"
	case DroppedTopic:
		return "dropped_topic"
	case DroppedContext:
		return "dropped_context"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Exchange is one received leg together with the means to answer it.
type Exchange struct {
	// Message is the leg's payload (JSON, possibly "null").
	Message json.RawMessage

	context    string
	correlator *Correlator
}

// Context returns the correlation context shared by every leg of this
// exchange.
func (e Exchange) Context() string {
	return e.context
}

// Decode unmarshals the leg's payload into v. A null or absent payload
// leaves v untouched.
func (e Exchange) Decode(v any) error {
	if len(e.Message) == 0 {
		return nil
	}
	return json.Unmarshal(e.Message, v)
}

// Continue sends message as the next leg and returns a Future for the
// peer's answer to it.
func (e Exchange) Continue(message any) *Future {
	if e.correlator == nil {
		return failedFuture(errors.New("correlate: Continue on a zero Exchange"))
	}
	return e.correlator.send(e.context, message, "", true)
}

// Finish sends message as the final leg. No reply is expected.
func (e Exchange) Finish(message any) error {
	if e.correlator == nil {
		return errors.New("correlate: Finish on a zero Exchange")
	}
	_, err := e.correlator.send(e.context, message, "", false).Result()
	return err
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithTimeout expires pending exchanges after d, settling their
// Futures with ErrExpired. A zero duration disables expiry.
func WithTimeout(d time.Duration, c clock.Clock) Option {
	return func(correlator *Correlator) {
		correlator.timeout = d
		correlator.clock = c
	}
}

// WithContextGenerator replaces the UUID v4 context generator. Tests
// use it to get predictable contexts.
func WithContextGenerator(generate func() string) Option {
	return func(correlator *Correlator) {
		correlator.newContext = generate
	}
}

// Correlator multiplexes request/reply exchanges over a Sink. It is
// safe for concurrent use.
type Correlator struct {
	sink       Sink
	newContext func() string
	timeout    time.Duration
	clock      clock.Clock

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]*pendingExchange
	closeErr error
}

type pendingExchange struct {
	future *Future
	timer  *clock.Timer
}

// New creates a Correlator that sends every outbound leg through sink.
func New(sink Sink, options ...Option) *Correlator {
	correlator := &Correlator{
		sink:       sink,
		newContext: uuid.NewString,
		clock:      clock.Real(),
		handlers:   make(map[string]Handler),
		pending:    make(map[string]*pendingExchange),
	}
	for _, option := range options {
		option(correlator)
	}
	if correlator.clock == nil {
		correlator.clock = clock.Real()
	}
	return correlator
}

// Handle binds handler to topic. A later registration for the same
// topic replaces the earlier one.
func (c *Correlator) Handle(topic string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = handler
}

// Initiate starts an exchange: it mints a fresh context, sends message
// as the first leg under topic, and returns a Future for the reply.
func (c *Correlator) Initiate(topic string, message any) *Future {
	return c.send(c.newContext(), message, topic, true)
}

// Notify sends message under topic as a one-leg exchange. No pending
// entry is created, so a reply, if the peer sends one, is dropped.
func (c *Correlator) Notify(topic string, message any) error {
	_, err := c.send(c.newContext(), message, topic, false).Result()
	return err
}

// Deliver is the single inbound entry point. A non-empty topic marks
// the first leg of a new exchange; otherwise the leg answers one of
// ours.
func (c *Correlator) Deliver(context string, message json.RawMessage, topic string) Outcome {
	exchange := Exchange{Message: message, context: context, correlator: c}

	if topic != "" {
		c.mu.Lock()
		handler, ok := c.handlers[topic]
		c.mu.Unlock()
		if !ok {
			return DroppedTopic
		}
		handler(exchange)
		return Dispatched
	}

	c.mu.Lock()
	pending, ok := c.pending[context]
	if ok {
		delete(c.pending, context)
	}
	c.mu.Unlock()
	if !ok {
		return DroppedContext
	}
	if pending.timer != nil {
		pending.timer.Stop()
	}
	pending.future.settle(exchange, nil)
	return Resolved
}

// Pending returns the number of exchanges waiting for a reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close settles every pending Future with err (ErrClosed if nil).
// Afterwards nothing more is sent: Initiate and Continue return Futures
// already settled with err, and Finish and Notify return it. Close is
// idempotent; only the first call's error is kept.
func (c *Correlator) Close(err error) {
	if err == nil {
		err = ErrClosed
	}

	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		return
	}
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[string]*pendingExchange)
	c.mu.Unlock()

	for _, entry := range pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.future.settle(Exchange{}, err)
	}
}

// send encodes message and hands one leg to the sink. When awaitReply
// is set, a pending entry is registered before the sink runs so that a
// synchronous loopback reply finds it. The returned Future carries any
// encoding or closed error; when awaitReply is false it is settled
// immediately on success too.
func (c *Correlator) send(context string, message any, topic string, awaitReply bool) *Future {
	payload, err := encodeMessage(message)
	if err != nil {
		return failedFuture(err)
	}

	future := newFuture()

	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		return failedFuture(err)
	}
	if awaitReply {
		entry := &pendingExchange{future: future}
		c.pending[context] = entry
		if c.timeout > 0 {
			entry.timer = c.clock.AfterFunc(c.timeout, func() {
				c.expire(context, entry)
			})
		}
	}
	c.mu.Unlock()

	c.sink(context, payload, topic)

	if !awaitReply {
		future.settle(Exchange{}, nil)
	}
	return future
}

// expire removes entry if it is still the pending exchange for context
// and settles it with ErrExpired.
func (c *Correlator) expire(context string, entry *pendingExchange) {
	c.mu.Lock()
	current, ok := c.pending[context]
	if !ok || current != entry {
		c.mu.Unlock()
		return
	}
	delete(c.pending, context)
	c.mu.Unlock()

	entry.future.settle(Exchange{}, ErrExpired)
}

// encodeMessage converts an outbound payload to JSON. nil becomes JSON
// null; json.RawMessage passes through untouched.
func encodeMessage(message any) (json.RawMessage, error) {
	switch value := message.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if value == nil {
			return json.RawMessage("null"), nil
		}
		return value, nil
	}
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("correlate: encoding message: %w", err)
	}
	return data, nil
}
