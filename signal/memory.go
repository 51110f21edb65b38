// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Channel = (*MemoryChannel)(nil)

// MemoryChannel is one end of an in-process channel created by Pipe.
// Send never blocks: messages queue until the other end receives them.
type MemoryChannel struct {
	inbox  *memoryQueue
	outbox *memoryQueue
}

// Pipe creates a connected pair of in-process channels. A message sent
// on one end is received on the other.
func Pipe() (*MemoryChannel, *MemoryChannel) {
	forward := newMemoryQueue()
	backward := newMemoryQueue()
	return &MemoryChannel{inbox: backward, outbox: forward},
		&MemoryChannel{inbox: forward, outbox: backward}
}

func (c *MemoryChannel) Send(_ context.Context, message string) error {
	return c.outbox.push(message)
}

func (c *MemoryChannel) Receive(ctx context.Context) (string, error) {
	return c.inbox.pop(ctx)
}

// Close closes both directions. The other end can still receive
// messages already queued for it.
func (c *MemoryChannel) Close() error {
	c.outbox.close()
	c.inbox.close()
	return nil
}

// memoryQueue is an unbounded FIFO with a single consumer.
type memoryQueue struct {
	mu       sync.Mutex
	messages []string
	closed   bool

	// ready holds a token whenever the consumer may have something to
	// look at.
	ready chan struct{}
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{ready: make(chan struct{}, 1)}
}

func (q *memoryQueue) push(message string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.messages = append(q.messages, message)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *memoryQueue) pop(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if len(q.messages) > 0 {
			message := q.messages[0]
			q.messages[0] = ""
			q.messages = q.messages[1:]
			q.mu.Unlock()
			return message, nil
		}
		if q.closed {
			q.mu.Unlock()
			return "", ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (q *memoryQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *memoryQueue) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
