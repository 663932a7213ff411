// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Parameters decoded into `any` must come out as
		// map[string]any so editor integrations can re-encode them as
		// JSON without conversion.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Frames come from the network; bound nesting and container
		// sizes so a hostile peer cannot make a decode explode.
		MaxNestedLevels:  32,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is an encoded CBOR value whose decoding is deferred to the
// handler that knows its type.
type RawMessage = cbor.RawMessage

// Encoder is a CBOR stream encoder.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder.
type Decoder = cbor.Decoder

// NewEncoder returns a stream encoder writing deterministic CBOR to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}

// MarshalAll encodes each value into its own RawMessage. A nil input
// yields an empty, non-nil slice so that "no parameters" and "one nil
// parameter" stay distinguishable after a round trip.
func MarshalAll(values []any) ([]RawMessage, error) {
	raw := make([]RawMessage, 0, len(values))
	for _, value := range values {
		data, err := Marshal(value)
		if err != nil {
			return nil, err
		}
		raw = append(raw, data)
	}
	return raw, nil
}
