// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items.
var encMode cbor.EncMode

// decMode is the CBOR decoder. Unknown fields are silently ignored so
// that an older peer can decode signals from a newer one.
var decMode cbor.DecMode

// textEncoding carries CBOR over text-only channels. The URL alphabet
// without padding keeps the output free of characters that signaling
// relays tend to mangle.
var textEncoding = base64.RawURLEncoding

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Limit nesting so a hostile peer cannot make the decoder
		// recurse without bound. Adaptor signals are flat.
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// MarshalString encodes v to CBOR and returns it as unpadded base64url
// text, suitable as the opaque payload of a stream data frame.
func MarshalString(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return textEncoding.EncodeToString(data), nil
}

// UnmarshalString reverses MarshalString.
func UnmarshalString(text string, v any) error {
	data, err := textEncoding.DecodeString(text)
	if err != nil {
		return fmt.Errorf("decoding base64 payload: %w", err)
	}
	return Unmarshal(data, v)
}
