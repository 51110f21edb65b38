// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Tandem-peer runs one side of a two-peer stream session.
//
// One peer listens for the other on a WebSocket signaling endpoint
// (signaling.listen); the other dials it (signaling.connect). Once the
// signaling channel is up, a stream coordinator runs over it and
// negotiates a WebRTC PeerConnection for every stream either side
// adds. With media.audio set, the peer adds one stream carrying Opus
// silence so a pair of peers can be exercised without capture devices.
//
// Configuration comes from --config or TANDEM_CONFIG (see lib/config).
// Coordinator counters are exported on metrics.listen when set.
package main
