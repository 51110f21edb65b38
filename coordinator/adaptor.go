// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

// Stream is an application stream handle. Its ID addresses the stream
// on the wire and must be exactly 36 bytes (see NewStreamID).
type Stream interface {
	ID() string
}

// ConnectionHandlers receives a Connection's events. Any field may be
// nil. Adaptors may invoke handlers from any goroutine; the coordinator
// serializes them onto its own execution context.
type ConnectionHandlers struct {
	// OnMessage is called with each payload the connection wants to
	// send to its counterpart on the other peer.
	OnMessage func(payload string)

	// OnClosed is called when the connection's transport is gone,
	// whether it failed or was closed locally.
	OnClosed func()

	// OnStream is called by receiver-role connections once the
	// underlying stream becomes available.
	OnStream func(stream Stream)
}

// Connection is one stream's transport, created by an Adaptor. A
// sender-role connection carries a stream this side added; a
// receiver-role connection carries a stream the peer added.
type Connection interface {
	// ID returns the stream ID this connection carries.
	ID() string

	// IsSender reports whether this is a sender-role connection.
	IsSender() bool

	// Stream returns the underlying stream. For receiver-role
	// connections it is nil until OnStream has fired.
	Stream() Stream

	// Handle installs the event handlers, replacing any earlier set.
	Handle(handlers ConnectionHandlers)

	// Open starts transport negotiation. The coordinator calls it on
	// sender-role connections after installing handlers. Receiver-role
	// connections negotiate in response to Write and may treat Open
	// as a no-op.
	Open() error

	// Write hands a payload from the counterpart connection to this
	// one.
	Write(payload string) error

	// Close tears the transport down. Closing an already-closed
	// connection returns nil.
	Close() error
}

// Adaptor creates Connections. Adaptor-specific configuration (ICE
// servers, codecs, loggers) is bound when the adaptor is constructed.
// Errors from Connect and Receive are returned to the coordinator's
// caller; the coordinator does not retry.
type Adaptor interface {
	// Connect creates a sender-role connection for a local stream.
	Connect(stream Stream) (Connection, error)

	// Receive creates a receiver-role connection for a stream the peer
	// announced under id.
	Receive(id string) (Connection, error)
}
