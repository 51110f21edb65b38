// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator keeps two peers' sets of media streams in sync
// over one ordered, reliable signaling channel.
//
// Each peer runs a [Coordinator]. The application hands it the
// channel's outbound side as Config.Send and feeds every inbound frame
// to [Coordinator.Write]. Frames use the three-tag format in package
// wire: protocol frames (G) carry correlated exchanges from package
// correlate, and data frames (L, R) carry opaque negotiation payloads
// between a stream's two connections.
//
// The coordinator moves through three states:
//
//	Waiting --init exchange--> Running --Close or peer closed--> Closed
//
// While Running it runs five exchanges with its peer:
//
//   - init: either side (or both) announces itself. The side that
//     receives init enters Running and acknowledges; the side that
//     sent it enters Running on the acknowledgment.
//   - streamAdded: announces a local stream. The peer creates a
//     receiver connection and acknowledges; the announcing side then
//     creates and opens a sender connection.
//   - streamRemoved: retracts a stream. The peer closes its receiver;
//     the announcing side then closes its sender.
//   - connectionClosed: a receiver that failed on its own asks the
//     stream's owner to reconnect. The owner discards its sender and
//     waits while the receiver side builds a fresh receiver, then
//     connects a fresh sender to it. The application sees
//     EventStreamUpdated.
//   - closed: one-way notice that the peer is shutting down.
//
// Connections come from an [Adaptor]. Package transport provides one
// backed by WebRTC; tests use in-memory fakes.
//
// Every state change runs on the coordinator's execution context: a
// serial queue that runs one task at a time, in order, on whichever
// goroutine submitted into it while it was idle. Inbound frames,
// connection events, exchange continuations, and public operations all
// go through it, so two coordinators can be connected back-to-back
// with Send calling the other's Write directly.
package coordinator
