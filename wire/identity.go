// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"os"

	"github.com/bureau-foundation/cowork/lib/codec"
	"github.com/bureau-foundation/cowork/lib/sealed"
	"github.com/bureau-foundation/cowork/lib/secret"
)

const identityVersion = 1

// identityFile is the plaintext inside a sealed identity file.
type identityFile struct {
	Version    int    `cbor:"1,keyasint"`
	PrivateKey []byte `cbor:"2,keyasint"`
}

// SaveIdentity writes keypair to path sealed with passphrase. The file
// is created with mode 0600 and must not already exist.
func SaveIdentity(path string, keypair *Keypair, passphrase *secret.Buffer) error {
	return saveIdentity(path, keypair, func(plaintext []byte) ([]byte, error) {
		return sealed.SealWithPassphrase(plaintext, passphrase)
	})
}

// SaveIdentityForRecipients writes keypair to path sealed to age X25519
// recipients (age1... strings) instead of a passphrase, so the holder
// of any matching age key can unseal it.
func SaveIdentityForRecipients(path string, keypair *Keypair, recipients []string) error {
	return saveIdentity(path, keypair, func(plaintext []byte) ([]byte, error) {
		return sealed.Seal(plaintext, recipients)
	})
}

func saveIdentity(path string, keypair *Keypair, seal func([]byte) ([]byte, error)) error {
	plaintext, err := codec.Marshal(identityFile{Version: identityVersion, PrivateKey: keypair.private.Bytes()})
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}
	defer secret.Zero(plaintext)

	sealedFile, err := seal(plaintext)
	if err != nil {
		return fmt.Errorf("sealing identity: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating identity file: %w", err)
	}
	if _, err := file.Write(sealedFile); err != nil {
		file.Close()
		return fmt.Errorf("writing identity file: %w", err)
	}
	return file.Close()
}

// LoadIdentity reads and unseals an identity file written by
// SaveIdentity.
func LoadIdentity(path string, passphrase *secret.Buffer) (*Keypair, error) {
	return loadIdentity(path, func(sealedFile []byte) (*secret.Buffer, error) {
		return sealed.OpenWithPassphrase(sealedFile, passphrase)
	})
}

// LoadIdentityWithKey unseals an identity file written by
// SaveIdentityForRecipients using an AGE-SECRET-KEY-1... private key.
func LoadIdentityWithKey(path string, ageKey *secret.Buffer) (*Keypair, error) {
	return loadIdentity(path, func(sealedFile []byte) (*secret.Buffer, error) {
		return sealed.Open(sealedFile, ageKey)
	})
}

func loadIdentity(path string, open func([]byte) (*secret.Buffer, error)) (*Keypair, error) {
	sealedFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	plaintext, err := open(sealedFile)
	if err != nil {
		return nil, fmt.Errorf("unsealing identity file %s: %w", path, err)
	}
	defer plaintext.Close()

	var identity identityFile
	if err := codec.Unmarshal(plaintext.Bytes(), &identity); err != nil {
		return nil, fmt.Errorf("decoding identity file: %w", err)
	}
	if identity.Version != identityVersion {
		secret.Zero(identity.PrivateKey)
		return nil, fmt.Errorf("unsupported identity file version %d", identity.Version)
	}
	private, err := secret.NewFromBytes(identity.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}
	keypair, err := KeypairFromPrivate(private)
	if err != nil {
		private.Close()
		return nil, err
	}
	return keypair, nil
}
