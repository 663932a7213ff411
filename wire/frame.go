// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"github.com/bureau-foundation/cowork/lib/codec"
	"github.com/bureau-foundation/cowork/lib/compress"
	"github.com/bureau-foundation/cowork/protocol"
)

// Kind is the delivery semantics of a message.
type Kind uint8

const (
	KindRequest      Kind = 1
	KindResponse     Kind = 2
	KindNotification Kind = 3
	KindBroadcast    Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	case KindBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Frame is the unit written to a transport.
type Frame struct {
	Version int    `cbor:"1,keyasint"`
	Kind    Kind   `cbor:"2,keyasint"`
	ID      uint64 `cbor:"3,keyasint,omitempty"`
	Origin  string `cbor:"4,keyasint,omitempty"`
	Target  string `cbor:"5,keyasint,omitempty"`

	// Exactly one of Sealed and Plain is set. Plain is only legal when
	// Origin or Target is protocol.RelayID.
	Sealed *SealedBody      `cbor:"6,keyasint,omitempty"`
	Plain  codec.RawMessage `cbor:"7,keyasint,omitempty"`
}

// SealedBody is the encrypted part of a frame.
type SealedBody struct {
	Compression compress.Tag `cbor:"1,keyasint"`
	Size        int          `cbor:"2,keyasint"` // content length before compression
	Nonce       []byte       `cbor:"3,keyasint"`
	Slots       []KeySlot    `cbor:"4,keyasint"`
	Ciphertext  []byte       `cbor:"5,keyasint"`
}

// KeySlot is the content key sealed to one recipient.
type KeySlot struct {
	Recipient string `cbor:"1,keyasint"`
	Nonce     []byte `cbor:"2,keyasint"`
	Key       []byte `cbor:"3,keyasint"`
}

// header is the associated data bound into the payload AEAD.
type header struct {
	Version     int          `cbor:"1,keyasint"`
	Kind        Kind         `cbor:"2,keyasint"`
	ID          uint64       `cbor:"3,keyasint"`
	Origin      string       `cbor:"4,keyasint"`
	Target      string       `cbor:"5,keyasint"`
	Compression compress.Tag `cbor:"6,keyasint"`
	Size        int          `cbor:"7,keyasint"`
}

func (f *Frame) associatedData() ([]byte, error) {
	return codec.Marshal(header{
		Version:     f.Version,
		Kind:        f.Kind,
		ID:          f.ID,
		Origin:      f.Origin,
		Target:      f.Target,
		Compression: f.Sealed.Compression,
		Size:        f.Sealed.Size,
	})
}

// ParseFrame decodes and structurally validates a frame without
// opening it. The relay uses it for routing.
func ParseFrame(data []byte) (*Frame, error) {
	var frame Frame
	if err := codec.Unmarshal(data, &frame); err != nil {
		return nil, &protocol.ProtocolError{Reason: fmt.Sprintf("malformed frame: %v", err)}
	}
	if frame.Version != protocol.Version {
		return nil, &protocol.ProtocolError{Reason: fmt.Sprintf("unsupported protocol version %d", frame.Version)}
	}
	if frame.Kind < KindRequest || frame.Kind > KindBroadcast {
		return nil, &protocol.ProtocolError{Reason: fmt.Sprintf("unknown message kind %d", frame.Kind)}
	}
	if (frame.Sealed == nil) == (frame.Plain == nil) {
		return nil, &protocol.ProtocolError{Reason: "frame must carry exactly one of sealed or plain body"}
	}
	if frame.Plain != nil && frame.Origin != protocol.RelayID && frame.Target != protocol.RelayID {
		return nil, &protocol.ProtocolError{Reason: "plaintext frame not addressed to or from the relay"}
	}
	if (frame.Kind == KindRequest || frame.Kind == KindResponse) && frame.ID == 0 {
		return nil, &protocol.ProtocolError{Reason: fmt.Sprintf("%s without id", frame.Kind)}
	}
	return &frame, nil
}

// Marshal encodes the frame.
func (f *Frame) Marshal() ([]byte, error) {
	return codec.Marshal(f)
}

// Recipients lists the peers a frame is deliverable to: the target, or
// for broadcasts, the holder of every key slot.
func (f *Frame) Recipients() []string {
	if f.Target != "" {
		return []string{f.Target}
	}
	if f.Sealed == nil {
		return nil
	}
	recipients := make([]string, 0, len(f.Sealed.Slots))
	for _, slot := range f.Sealed.Slots {
		recipients = append(recipients, slot.Recipient)
	}
	return recipients
}

// SlotFor returns a copy of the frame reduced to the key slot of
// recipient. The relay trims broadcasts per recipient so peers do not
// learn who else is in the room from slot lists. The associated data
// does not cover the slot list, so the result still opens.
func (f *Frame) SlotFor(recipient string) *Frame {
	if f.Sealed == nil || len(f.Sealed.Slots) <= 1 {
		return f
	}
	trimmed := *f
	sealed := *f.Sealed
	sealed.Slots = nil
	for _, slot := range f.Sealed.Slots {
		if slot.Recipient == recipient {
			sealed.Slots = []KeySlot{slot}
			break
		}
	}
	trimmed.Sealed = &sealed
	return &trimmed
}
