// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire encodes and decodes the frames two coordinators exchange
// over their signaling channel.
//
// Every frame is a single string whose first byte selects the variant:
//
//	L<stream id><payload>   data for the receiver's local (sender-role) connection
//	R<stream id><payload>   data for the receiver's remote (receiver-role) connection
//	G<json>                 protocol frame {"context","message","topic"}
//
// Stream IDs are exactly [StreamIDLength] bytes (the canonical UUID
// string form), so data frames need no delimiter. Payloads are opaque:
// the coordinator forwards them to the addressed connection untouched.
//
// Protocol frames carry one leg of a correlated exchange. The topic is
// present only on the first leg. [Decode] returns an error instead of a
// frame for anything malformed; callers drop such input.
package wire
