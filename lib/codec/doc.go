// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Tandem's standard CBOR encoding configuration.
//
// Tandem uses two serialization formats with a clear boundary:
//
//   - JSON for the coordinator protocol: the G frames exchanged between
//     two coordinators are read by peers written against the same wire
//     format, so they stay human-readable.
//   - CBOR for adaptor-internal signals: the payloads a transport
//     adaptor exchanges with its counterpart (SDP offers and answers for
//     the WebRTC adaptor) are opaque to the coordinator and only ever
//     read by the same adaptor on the other side.
//
// Signaling channels carry text, so CBOR payloads cross them as
// unpadded base64url:
//
//	payload, err := codec.MarshalString(signal)
//	err = codec.UnmarshalString(payload, &signal)
//
// Types serialized only as CBOR carry `cbor` struct tags.
package codec
