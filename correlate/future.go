// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package correlate

import (
	"context"
	"sync"
)

// Future is the eventual next leg of an exchange. It settles exactly
// once, either with the peer's reply or with an error (expiry, Close,
// or an unencodable message).
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	settled   bool
	reply     Exchange
	err       error
	callbacks []func(Exchange, error)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// failedFuture returns a Future already settled with err.
func failedFuture(err error) *Future {
	future := newFuture()
	future.settle(Exchange{}, err)
	return future
}

// Then registers fn to run once the Future settles. If it has already
// settled, fn runs before Then returns. Callbacks run in registration
// order on the goroutine that settles the Future.
func (f *Future) Then(fn func(reply Exchange, err error)) {
	f.mu.Lock()
	if !f.settled {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	reply, err := f.reply, f.err
	f.mu.Unlock()
	fn(reply, err)
}

// Done returns a channel that is closed when the Future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the settled reply and error. Only meaningful after
// Done is closed.
func (f *Future) Result() (Exchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reply, f.err
}

// Await blocks until the Future settles or ctx is done.
func (f *Future) Await(ctx context.Context) (Exchange, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return Exchange{}, ctx.Err()
	}
}

// settle records the outcome and runs callbacks. Returns false if the
// Future had already settled.
func (f *Future) settle(reply Exchange, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.reply = reply
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, callback := range callbacks {
		callback(reply, err)
	}
	return true
}
