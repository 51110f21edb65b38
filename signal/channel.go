// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signal

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bureau-foundation/tandem/lib/netutil"
)

// ErrClosed is returned by Send and Receive once either end of the
// channel has closed and any queued messages have been received.
var ErrClosed = errors.New("signal: channel closed")

// Channel is one end of an ordered signaling channel. Send may be
// called from any goroutine; Receive must only be called from one
// goroutine at a time.
type Channel interface {
	// Send transmits one message.
	Send(ctx context.Context, message string) error

	// Receive blocks until the next message arrives, the channel
	// closes (ErrClosed), or ctx is done.
	Receive(ctx context.Context) (string, error)

	// Close shuts the channel down. It is idempotent.
	Close() error
}

// Pump receives messages from ch and passes each to deliver, in order,
// until ctx is done or the channel fails. An orderly close returns nil.
func Pump(ctx context.Context, ch Channel, deliver func(message string)) error {
	for {
		message, err := ch.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		deliver(message)
	}
}

// Sender adapts ch to a fire-and-forget send function such as
// coordinator.Config.Send. Failures are logged: the coordinator learns
// about a dead channel from the Pump side, not from sends.
func Sender(ctx context.Context, ch Channel, logger *slog.Logger) func(message string) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(message string) {
		err := ch.Send(ctx, message)
		switch {
		case err == nil:
		case errors.Is(err, ErrClosed) || netutil.IsExpectedCloseError(err):
			logger.Debug("signaling send after close", "error", err, "length", len(message))
		default:
			logger.Warn("signaling send failed", "error", err, "length", len(message))
		}
	}
}
