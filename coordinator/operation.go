// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"sync"
)

// Operation tracks an AddStream or RemoveStream call. The call itself
// returns immediately; the Operation completes when the exchange with
// the peer has finished and the local registry reflects the result.
type Operation struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newOperation() *Operation {
	return &Operation{done: make(chan struct{})}
}

func failedOperation(err error) *Operation {
	op := newOperation()
	op.complete(err)
	return op
}

// Done returns a channel that is closed when the operation completes.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Err returns the operation's error. It is nil while the operation is
// in flight and after a successful completion.
func (o *Operation) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

// Wait blocks until the operation completes or ctx is done.
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Operation) complete(err error) {
	o.once.Do(func() {
		o.err = err
		close(o.done)
	})
}
