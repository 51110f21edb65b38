// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import "encoding/json"

// Exchange topics.
const (
	topicInit             = "init"
	topicStreamAdded      = "streamAdded"
	topicStreamRemoved    = "streamRemoved"
	topicClosed           = "closed"
	topicConnectionClosed = "connectionClosed"
)

type streamAddedMessage struct {
	ID   string          `json:"id"`
	Meta json.RawMessage `json:"meta,omitempty"`
}

// streamAddedReply is the final leg of streamAdded. Error is set when
// the receiving side could not create its connection; peers that never
// fail send null.
type streamAddedReply struct {
	Error string `json:"error,omitempty"`
}

type streamRemovedMessage struct {
	ID string `json:"id"`
}

type closedMessage struct {
	Reason json.RawMessage `json:"reason,omitempty"`
}

type connectionClosedMessage struct {
	ID string `json:"id"`
}

// connectionClosedReply answers connectionClosed on either of its
// later legs. StreamNotFound ends recovery on the sender side's first
// reply; Error ends it on the receiver side's final leg.
type connectionClosedReply struct {
	StreamNotFound bool   `json:"streamNotFound,omitempty"`
	Error          string `json:"error,omitempty"`
}
