// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/bureau-foundation/cowork/lib/codec"
	"github.com/bureau-foundation/cowork/lib/compress"
	"github.com/bureau-foundation/cowork/lib/secret"
	"github.com/bureau-foundation/cowork/protocol"
)

// ErrNoRecipients is returned when a broadcast is encoded while no
// other peer is registered.
var ErrNoRecipients = errors.New("wire: broadcast has no recipients")

// MaxContentSize bounds the decompressed size of a frame's content.
const MaxContentSize = 64 << 20

// Codec seals and opens frames for one local peer.
//
// Codec is safe for concurrent use.
type Codec struct {
	keypair    *Keypair
	registry   *Registry
	preference []string

	mu      sync.RWMutex
	localID string
}

// NewCodec returns a codec sealing with keypair to peers in registry.
// preference is the compression preference order; nil uses
// compress.DefaultPreference.
func NewCodec(keypair *Keypair, registry *Registry, preference []string) *Codec {
	if preference == nil {
		preference = compress.DefaultPreference
	}
	return &Codec{keypair: keypair, registry: registry, preference: preference}
}

// SetLocalID records the id the relay assigned to this peer. Frames
// encoded before it is set carry an empty origin and are rejected by
// the relay.
func (c *Codec) SetLocalID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localID = id
}

// LocalID returns the id set by SetLocalID.
func (c *Codec) LocalID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localID
}

// Registry returns the peer key registry.
func (c *Codec) Registry() *Registry { return c.registry }

// Keypair returns the local identity.
func (c *Codec) Keypair() *Keypair { return c.keypair }

// Encode produces the frame bytes for message. The origin is always the
// local id. A message with an empty Target is sealed to every
// registered peer except the local one; a Target of protocol.RelayID is
// sent as plaintext control traffic.
func (c *Codec) Encode(message *Message) ([]byte, error) {
	frame := &Frame{
		Version: protocol.Version,
		Kind:    message.Kind,
		ID:      message.ID,
		Origin:  c.LocalID(),
		Target:  message.Target,
	}

	if message.Target == protocol.RelayID {
		return EncodePlain(frame, message)
	}

	var recipients []string
	if message.Target != "" {
		recipients = []string{message.Target}
	} else {
		recipients = c.registry.Recipients(frame.Origin)
		if len(recipients) == 0 {
			return nil, ErrNoRecipients
		}
	}

	entries := make([]registeredPeer, 0, len(recipients))
	capabilities := make([][]string, 0, len(recipients))
	for _, id := range recipients {
		entry, ok := c.registry.entry(id)
		if !ok {
			return nil, &protocol.EncryptionError{PeerID: id, Err: protocol.ErrUnknownPeer}
		}
		entries = append(entries, entry)
		capabilities = append(capabilities, entry.peer.Metadata.Compression.Supported)
	}

	plaintext, err := codec.Marshal(message.content())
	if err != nil {
		return nil, fmt.Errorf("encoding %s content: %w", message.Method, err)
	}
	body, tag, err := compress.Auto(plaintext, compress.Negotiate(c.preference, capabilities))
	if err != nil {
		return nil, fmt.Errorf("compressing %s content: %w", message.Method, err)
	}
	frame.Sealed = &SealedBody{Compression: tag, Size: len(plaintext)}

	if err := c.seal(frame, body, entries); err != nil {
		return nil, err
	}
	return frame.Marshal()
}

func (c *Codec) seal(frame *Frame, body []byte, recipients []registeredPeer) error {
	contentKey := make([]byte, chacha20poly1305.KeySize)
	defer secret.Zero(contentKey)
	if _, err := rand.Read(contentKey); err != nil {
		return fmt.Errorf("generating content key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return fmt.Errorf("initializing payload cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating payload nonce: %w", err)
	}
	associatedData, err := frame.associatedData()
	if err != nil {
		return fmt.Errorf("encoding frame header: %w", err)
	}
	frame.Sealed.Nonce = nonce
	frame.Sealed.Ciphertext = aead.Seal(nil, nonce, body, associatedData)

	frame.Sealed.Slots = make([]KeySlot, 0, len(recipients))
	var slotErr error
	c.keypair.withPrivate(func(private *[KeySize]byte) {
		for _, recipient := range recipients {
			var slotNonce [24]byte
			if _, err := rand.Read(slotNonce[:]); err != nil {
				slotErr = fmt.Errorf("generating key slot nonce: %w", err)
				return
			}
			publicKey := recipient.publicKey
			frame.Sealed.Slots = append(frame.Sealed.Slots, KeySlot{
				Recipient: recipient.peer.ID,
				Nonce:     slotNonce[:],
				Key:       box.Seal(nil, contentKey, &slotNonce, &publicKey, private),
			})
		}
	})
	return slotErr
}

// Decode opens frame bytes addressed to the local peer.
func (c *Codec) Decode(data []byte) (*Message, error) {
	frame, err := ParseFrame(data)
	if err != nil {
		return nil, err
	}
	return c.Open(frame)
}

// Open decodes an already parsed frame.
func (c *Codec) Open(frame *Frame) (*Message, error) {
	message := &Message{Kind: frame.Kind, ID: frame.ID, Origin: frame.Origin, Target: frame.Target}

	if frame.Plain != nil {
		if frame.Origin != protocol.RelayID {
			return nil, &protocol.ProtocolError{Reason: fmt.Sprintf("plaintext frame from peer %q", frame.Origin)}
		}
		var body content
		if err := codec.Unmarshal(frame.Plain, &body); err != nil {
			return nil, &protocol.ProtocolError{Reason: fmt.Sprintf("malformed control content: %v", err)}
		}
		message.setContent(body)
		return message, nil
	}

	sealed := frame.Sealed
	if sealed == nil {
		return nil, &protocol.ProtocolError{Reason: "frame carries no content"}
	}
	sender, ok := c.registry.entry(frame.Origin)
	if !ok {
		return nil, &protocol.EncryptionError{PeerID: frame.Origin, Err: protocol.ErrUnknownPeer}
	}
	if sealed.Size < 0 || sealed.Size > MaxContentSize {
		return nil, &protocol.ProtocolError{Reason: fmt.Sprintf("content size %d out of range", sealed.Size)}
	}

	localID := c.LocalID()
	var slot *KeySlot
	for index := range sealed.Slots {
		if sealed.Slots[index].Recipient == localID {
			slot = &sealed.Slots[index]
			break
		}
	}
	if slot == nil || len(slot.Nonce) != 24 {
		return nil, &protocol.EncryptionError{
			PeerID: frame.Origin,
			Err:    fmt.Errorf("no key slot for %q: %w", localID, protocol.ErrDecryptionFailure),
		}
	}

	var contentKey []byte
	var opened bool
	c.keypair.withPrivate(func(private *[KeySize]byte) {
		var slotNonce [24]byte
		copy(slotNonce[:], slot.Nonce)
		publicKey := sender.publicKey
		contentKey, opened = box.Open(nil, slot.Key, &slotNonce, &publicKey, private)
	})
	defer secret.Zero(contentKey)
	if !opened || len(contentKey) != chacha20poly1305.KeySize {
		return nil, &protocol.EncryptionError{PeerID: frame.Origin, Err: protocol.ErrDecryptionFailure}
	}

	aead, err := chacha20poly1305.NewX(contentKey)
	if err != nil {
		return nil, &protocol.EncryptionError{PeerID: frame.Origin, Err: protocol.ErrDecryptionFailure}
	}
	if len(sealed.Nonce) != aead.NonceSize() {
		return nil, &protocol.EncryptionError{PeerID: frame.Origin, Err: protocol.ErrDecryptionFailure}
	}
	associatedData, err := frame.associatedData()
	if err != nil {
		return nil, fmt.Errorf("encoding frame header: %w", err)
	}
	body, err := aead.Open(nil, sealed.Nonce, sealed.Ciphertext, associatedData)
	if err != nil {
		return nil, &protocol.EncryptionError{PeerID: frame.Origin, Err: protocol.ErrDecryptionFailure}
	}

	plaintext, err := compress.Decompress(body, sealed.Compression, sealed.Size)
	if err != nil {
		return nil, &protocol.ProtocolError{Reason: fmt.Sprintf("decompressing content: %v", err)}
	}
	var decoded content
	if err := codec.Unmarshal(plaintext, &decoded); err != nil {
		return nil, &protocol.ProtocolError{Reason: fmt.Sprintf("malformed content: %v", err)}
	}
	message.setContent(decoded)
	return message, nil
}

// EncodePlain fills frame with message as plaintext control content.
// It is used for traffic between peers and the relay, which holds no
// keys.
func EncodePlain(frame *Frame, message *Message) ([]byte, error) {
	body, err := codec.Marshal(message.content())
	if err != nil {
		return nil, fmt.Errorf("encoding %s control content: %w", message.Method, err)
	}
	frame.Plain = body
	frame.Sealed = nil
	return frame.Marshal()
}

// EncodeControl builds a relay-originated control frame.
func EncodeControl(message *Message) ([]byte, error) {
	frame := &Frame{
		Version: protocol.Version,
		Kind:    message.Kind,
		ID:      message.ID,
		Origin:  protocol.RelayID,
		Target:  message.Target,
	}
	return EncodePlain(frame, message)
}

// DecodeControl decodes the plaintext content of a frame addressed to
// the relay.
func DecodeControl(frame *Frame) (*Message, error) {
	if frame.Plain == nil {
		return nil, &protocol.ProtocolError{Reason: "sealed frame addressed to the relay"}
	}
	var body content
	if err := codec.Unmarshal(frame.Plain, &body); err != nil {
		return nil, &protocol.ProtocolError{Reason: fmt.Sprintf("malformed control content: %v", err)}
	}
	message := &Message{Kind: frame.Kind, ID: frame.ID, Origin: frame.Origin, Target: frame.Target}
	message.setContent(body)
	return message, nil
}
