// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/tandem/lib/codec"
)

// sessionSignal is the payload a Connection exchanges with its
// counterpart through the coordinator. The signaling model is vanilla
// ICE: all candidates are gathered before the SDP is published, so each
// negotiation is exactly one offer and one answer.
//
// On the wire it is CBOR, base64url-encoded so it survives any
// string-typed signaling channel.
type sessionSignal struct {
	Type string `cbor:"type"`
	SDP  string `cbor:"sdp"`
}

func encodeSignal(description webrtc.SessionDescription) (string, error) {
	payload, err := codec.MarshalString(sessionSignal{
		Type: description.Type.String(),
		SDP:  description.SDP,
	})
	if err != nil {
		return "", fmt.Errorf("encoding %s signal: %w", description.Type, err)
	}
	return payload, nil
}

func decodeSignal(payload string) (webrtc.SessionDescription, error) {
	var signal sessionSignal
	if err := codec.UnmarshalString(payload, &signal); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("decoding signal: %w", err)
	}
	sdpType := webrtc.NewSDPType(signal.Type)
	if sdpType != webrtc.SDPTypeOffer && sdpType != webrtc.SDPTypeAnswer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: signal type %q", ErrNotSupported, signal.Type)
	}
	if signal.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("decoding signal: empty %s SDP", signal.Type)
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: signal.SDP}, nil
}
