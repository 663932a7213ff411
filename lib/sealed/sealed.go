// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/cowork/lib/secret"
)

// ErrWrongPassphrase is returned when no identity can unlock a file.
var ErrWrongPassphrase = errors.New("sealed: no matching identity or wrong passphrase")

// scryptWorkFactor is the log2 scrypt cost for passphrase sealing.
// age's default (18) takes about a second; identity files are unlocked
// once per process.
const scryptWorkFactor = 18

// Keypair is an age X25519 keypair used as a sealing recipient.
type Keypair struct {
	// PrivateKey is the AGE-SECRET-KEY-1... string.
	PrivateKey *secret.Buffer

	// PublicKey is the age1... recipient string.
	PublicKey string
}

// Close releases the private key memory.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair generates an age X25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}
	return &Keypair{PrivateKey: privateKey, PublicKey: identity.Recipient().String()}, nil
}

// SealWithPassphrase encrypts plaintext to a passphrase and returns an
// armored age file.
func SealWithPassphrase(plaintext []byte, passphrase *secret.Buffer) ([]byte, error) {
	if passphrase == nil || passphrase.Len() == 0 {
		return nil, fmt.Errorf("sealed: passphrase is required")
	}
	recipient, err := age.NewScryptRecipient(passphrase.String())
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(scryptWorkFactor)
	return seal(plaintext, recipient)
}

// Seal encrypts plaintext to age X25519 recipients (age1... strings)
// and returns an armored age file.
func Seal(plaintext []byte, recipientKeys []string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("sealed: at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}
	return seal(plaintext, recipients...)
}

func seal(plaintext []byte, recipients ...age.Recipient) ([]byte, error) {
	var output bytes.Buffer
	armored := armor.NewWriter(&output)
	writer, err := age.Encrypt(armored, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return nil, fmt.Errorf("finalizing armor: %w", err)
	}
	return output.Bytes(), nil
}

// OpenWithPassphrase decrypts a file produced by SealWithPassphrase.
func OpenWithPassphrase(sealedFile []byte, passphrase *secret.Buffer) (*secret.Buffer, error) {
	if passphrase == nil || passphrase.Len() == 0 {
		return nil, fmt.Errorf("sealed: passphrase is required")
	}
	identity, err := age.NewScryptIdentity(passphrase.String())
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}
	identity.SetMaxWorkFactor(scryptWorkFactor + 4)
	return open(sealedFile, identity)
}

// Open decrypts a file produced by Seal with an AGE-SECRET-KEY-1...
// private key.
func Open(sealedFile []byte, privateKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return open(sealedFile, identity)
}

func open(sealedFile []byte, identity age.Identity) (*secret.Buffer, error) {
	var source io.Reader = bytes.NewReader(sealedFile)
	if bytes.HasPrefix(bytes.TrimSpace(sealedFile), []byte(armor.Header)) {
		source = armor.NewReader(source)
	}
	reader, err := age.Decrypt(source, identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) || strings.Contains(err.Error(), "incorrect passphrase") {
			return nil, ErrWrongPassphrase
		}
		return nil, fmt.Errorf("decrypting sealed file: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("sealed: file contains no data")
	}
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("protecting decrypted plaintext: %w", err)
	}
	return buffer, nil
}

// ParsePublicKey validates an age recipient string.
func ParsePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("invalid age public key: %w", err)
	}
	return nil
}
