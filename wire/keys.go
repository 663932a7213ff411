// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/bureau-foundation/cowork/lib/secret"
)

// KeySize is the length of Curve25519 public and private keys.
const KeySize = 32

// Keypair is a peer's Curve25519 identity. The private half lives in a
// secret.Buffer; call Close when the peer shuts down.
type Keypair struct {
	public  [KeySize]byte
	private *secret.Buffer
}

// GenerateKeypair creates a new random identity.
func GenerateKeypair() (*Keypair, error) {
	public, private, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating curve25519 keypair: %w", err)
	}
	buffer, err := secret.NewFromBytes(private[:])
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}
	return &Keypair{public: *public, private: buffer}, nil
}

// KeypairFromPrivate derives the public key from private. The keypair
// takes ownership of private.
func KeypairFromPrivate(private *secret.Buffer) (*Keypair, error) {
	if private.Len() != KeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", KeySize, private.Len())
	}
	public, err := curve25519.X25519(private.Bytes(), curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	keypair := &Keypair{private: private}
	copy(keypair.public[:], public)
	return keypair, nil
}

// PublicKey returns the raw public key.
func (k *Keypair) PublicKey() [KeySize]byte { return k.public }

// PublicKeyString returns the public key as advertised in peer
// metadata.
func (k *Keypair) PublicKeyString() string {
	return base64.StdEncoding.EncodeToString(k.public[:])
}

// Fingerprint returns the short display form of the public key.
func (k *Keypair) Fingerprint() string { return Fingerprint(k.public) }

// Close zeros the private key.
func (k *Keypair) Close() error { return k.private.Close() }

// withPrivate copies the private key into a stack array for the
// duration of fn and zeros it afterwards.
func (k *Keypair) withPrivate(fn func(*[KeySize]byte)) {
	var private [KeySize]byte
	copy(private[:], k.private.Bytes())
	defer secret.Zero(private[:])
	fn(&private)
}

// ParsePublicKey decodes a base64 Curve25519 public key.
func ParsePublicKey(encoded string) ([KeySize]byte, error) {
	var key [KeySize]byte
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return key, fmt.Errorf("decoding public key: %w", err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("public key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// Fingerprint is the first 16 bytes of the BLAKE3 hash of a public key,
// hex encoded in groups of four. Hosts show it when approving a join so
// users can compare keys out of band.
func Fingerprint(publicKey [KeySize]byte) string {
	sum := blake3.Sum256(publicKey[:])
	encoded := hex.EncodeToString(sum[:16])
	grouped := make([]byte, 0, len(encoded)+len(encoded)/4)
	for index := 0; index < len(encoded); index += 4 {
		if index > 0 {
			grouped = append(grouped, ':')
		}
		grouped = append(grouped, encoded[index:index+4]...)
	}
	return string(grouped)
}
