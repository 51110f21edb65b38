// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signal carries a coordinator's signaling strings between two
// peers.
//
// A [Channel] is an ordered, message-oriented pipe of opaque strings.
// [Pipe] returns the two ends of an in-process channel for tests and
// single-process setups. [WebSocketChannel] runs over
// gorilla/websocket: [Dial] connects to a peer and a [Listener] accepts
// connecting peers as an http.Handler.
//
// [Pump] reads a channel and hands each message to a coordinator's
// Write; [Sender] adapts a channel to the coordinator's Send function.
// The coordinator treats every message as opaque, so nothing here
// parses frames.
package signal
