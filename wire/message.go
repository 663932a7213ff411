// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/bureau-foundation/cowork/lib/codec"
)

// Message is the logical content of a frame.
type Message struct {
	Kind   Kind
	ID     uint64
	Origin string
	Target string

	Method string
	Params []codec.RawMessage

	// Responses only.
	Result codec.RawMessage
	Error  *ErrorPayload
}

// ErrorPayload is the failure side of a response.
type ErrorPayload struct {
	Code    string `cbor:"1,keyasint,omitempty"`
	Message string `cbor:"2,keyasint"`
}

// content is what gets sealed.
type content struct {
	Method string             `cbor:"1,keyasint,omitempty"`
	Params []codec.RawMessage `cbor:"2,keyasint"`
	Result codec.RawMessage   `cbor:"3,keyasint,omitempty"`
	Error  *ErrorPayload      `cbor:"4,keyasint,omitempty"`
}

func (m *Message) content() content {
	params := m.Params
	if params == nil {
		params = []codec.RawMessage{}
	}
	return content{Method: m.Method, Params: params, Result: m.Result, Error: m.Error}
}

func (m *Message) setContent(body content) {
	m.Method = body.Method
	m.Params = body.Params
	if m.Params == nil {
		m.Params = []codec.RawMessage{}
	}
	m.Result = body.Result
	m.Error = body.Error
}

// DecodeParam decodes params[index] into v.
func DecodeParam(params []codec.RawMessage, index int, v any) error {
	if index >= len(params) {
		return fmt.Errorf("missing parameter %d (got %d)", index, len(params))
	}
	if err := codec.Unmarshal(params[index], v); err != nil {
		return fmt.Errorf("decoding parameter %d: %w", index, err)
	}
	return nil
}
