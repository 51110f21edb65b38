// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the coordinator's stream connections
// with pion/webrtc.
//
// [Adaptor] satisfies coordinator.Adaptor. Connect builds a sending
// PeerConnection that carries the tracks of a [LocalStream]; Receive
// builds a receiving PeerConnection that assembles a [RemoteStream]
// from the tracks the peer sends. Each stream gets its own
// PeerConnection, so one failed stream can be recovered without
// renegotiating the others.
//
// Negotiation payloads travel through the coordinator as opaque
// strings. Each is a base64url CBOR session description (offer or
// answer) with candidates gathered in full before it is sent, so no
// trickle ICE messages are needed. The sender always offers.
//
// A Connection reports OnClosed once, when its PeerConnection reaches
// failed or closed or when Close is called, which is what the
// coordinator uses to trigger recovery.
//
// [ICEConfig] holds STUN/TURN servers; [Adaptor.UpdateICEConfig]
// swaps them for PeerConnections created afterwards. [WriteSilence]
// and [NewAudioTrack] provide a media source for streams with no
// capture device.
package transport
