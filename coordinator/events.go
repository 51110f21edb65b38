// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"encoding/json"
	"fmt"
	"slices"
)

// EventType identifies an application-facing event.
type EventType int

const (
	// EventRunning: the init exchange completed; the coordinator
	// accepts stream operations.
	EventRunning EventType = iota + 1

	// EventStreamAdded: the peer added a stream and its transport
	// delivered it. Stream, StreamID, and Meta are set.
	EventStreamAdded

	// EventStreamUpdated: a remote stream's transport was recovered
	// after a failure. Stream and StreamID are set.
	EventStreamUpdated

	// EventStreamRemoved: the peer removed a stream. StreamID is set.
	// It also fires when a remote stream's transport failed and the
	// peer, asked to recover it, answered that it no longer has the
	// stream: the stream is gone even though no streamRemoved arrived.
	EventStreamRemoved

	// EventClosed: the coordinator closed. Remote and Reason are set.
	EventClosed
)

func (t EventType) String() string {
	switch t {
	case EventRunning:
		return "running"
	case EventStreamAdded:
		return "streamAdded"
	case EventStreamUpdated:
		return "streamUpdated"
	case EventStreamRemoved:
		return "streamRemoved"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is delivered to subscribers. Which fields are set depends on
// Type.
type Event struct {
	Type     EventType
	StreamID string
	Stream   Stream

	// Meta is the JSON metadata the peer attached in AddStream.
	Meta json.RawMessage

	// Remote is true when the peer initiated the close.
	Remote bool

	// Reason is the JSON reason passed to Close.
	Reason json.RawMessage
}

// Subscribe registers fn to receive every event from now on and
// returns a function that removes it. Events are delivered on the
// coordinator's execution context, in order; fn must not block. It may
// call back into the coordinator.
func (c *Coordinator) Subscribe(fn func(Event)) (cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSubscriber++
	key := c.nextSubscriber
	c.subscribers[key] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, key)
	}
}

func (c *Coordinator) emit(event Event) {
	c.mu.Lock()
	keys := make([]uint64, 0, len(c.subscribers))
	for key := range c.subscribers {
		keys = append(keys, key)
	}
	handlers := make([]func(Event), 0, len(keys))
	slices.Sort(keys)
	for _, key := range keys {
		handlers = append(handlers, c.subscribers[key])
	}
	c.mu.Unlock()

	c.logger.Debug("coordinator event",
		"event", event.Type.String(),
		"stream_id", event.StreamID,
	)
	for _, handler := range handlers {
		handler(event)
	}
}
