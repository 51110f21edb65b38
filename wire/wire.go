// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame tags. The tag is the first byte of every signaling string.
const (
	TagLocal    = 'L'
	TagRemote   = 'R'
	TagProtocol = 'G'
)

// StreamIDLength is the fixed width of the stream ID in data frames.
const StreamIDLength = 36

var (
	// ErrEmpty is returned when decoding an empty string.
	ErrEmpty = errors.New("wire: empty frame")

	// ErrUnknownTag is returned when the first byte is not a known tag.
	ErrUnknownTag = errors.New("wire: unknown frame tag")

	// ErrShortFrame is returned when a data frame is too short to hold
	// a stream ID.
	ErrShortFrame = errors.New("wire: data frame shorter than stream id")

	// ErrInvalidStreamID is returned when encoding a data frame for a
	// stream ID that is not exactly StreamIDLength bytes.
	ErrInvalidStreamID = errors.New("wire: stream id must be 36 bytes")
)

// Kind identifies the frame variant.
type Kind int

const (
	// KindLocal addresses the receiving side's local connection registry.
	KindLocal Kind = iota + 1
	// KindRemote addresses the receiving side's remote connection registry.
	KindRemote
	// KindProtocol carries one leg of a correlated exchange.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	case KindProtocol:
		return "protocol"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Frame is one decoded signaling string. StreamID and Payload are set
// for data frames; Protocol is set for protocol frames.
type Frame struct {
	Kind     Kind
	StreamID string
	Payload  string
	Protocol ProtocolFrame
}

// ProtocolFrame is one leg of an exchange. Topic is empty on every leg
// after the first.
type ProtocolFrame struct {
	Context string          `json:"context"`
	Message json.RawMessage `json:"message"`
	Topic   string          `json:"topic,omitempty"`
}

// ValidStreamID reports whether id fits the fixed-width stream ID slot.
func ValidStreamID(id string) bool {
	return len(id) == StreamIDLength
}

// EncodeData builds a data frame addressed to the receiving side's
// local (KindLocal) or remote (KindRemote) registry.
func EncodeData(kind Kind, streamID, payload string) (string, error) {
	var tag byte
	switch kind {
	case KindLocal:
		tag = TagLocal
	case KindRemote:
		tag = TagRemote
	default:
		return "", fmt.Errorf("wire: cannot encode %s as a data frame", kind)
	}
	if !ValidStreamID(streamID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidStreamID, streamID)
	}
	return string(tag) + streamID + payload, nil
}

// EncodeProtocol builds a G frame. A nil Message encodes as JSON null.
func EncodeProtocol(frame ProtocolFrame) (string, error) {
	if frame.Context == "" {
		return "", errors.New("wire: protocol frame has no context")
	}
	if frame.Message == nil {
		frame.Message = json.RawMessage("null")
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return "", fmt.Errorf("wire: encoding protocol frame: %w", err)
	}
	return string(TagProtocol) + string(data), nil
}

// Decode parses one signaling string.
func Decode(raw string) (Frame, error) {
	if raw == "" {
		return Frame{}, ErrEmpty
	}

	switch raw[0] {
	case TagLocal, TagRemote:
		if len(raw) < 1+StreamIDLength {
			return Frame{}, ErrShortFrame
		}
		kind := KindLocal
		if raw[0] == TagRemote {
			kind = KindRemote
		}
		return Frame{
			Kind:     kind,
			StreamID: raw[1 : 1+StreamIDLength],
			Payload:  raw[1+StreamIDLength:],
		}, nil

	case TagProtocol:
		var protocol ProtocolFrame
		if err := json.Unmarshal([]byte(raw[1:]), &protocol); err != nil {
			return Frame{}, fmt.Errorf("wire: decoding protocol frame: %w", err)
		}
		if protocol.Context == "" {
			return Frame{}, errors.New("wire: protocol frame has no context")
		}
		return Frame{Kind: KindProtocol, Protocol: protocol}, nil

	default:
		return Frame{}, fmt.Errorf("%w %q", ErrUnknownTag, raw[0])
	}
}
