// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/cowork/lib/sealed"
	"github.com/bureau-foundation/cowork/lib/secret"
	"github.com/bureau-foundation/cowork/lib/version"
	"github.com/bureau-foundation/cowork/wire"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	var (
		out            string
		inspect        string
		passphraseFile string
		ageKeyFile     string
		recipients     []string
		force          bool
		showVersion    bool
	)
	flagSet := pflag.NewFlagSet("cowork-keygen", pflag.ContinueOnError)
	flagSet.StringVarP(&out, "out", "o", "", "write the sealed identity to this path")
	flagSet.StringVar(&inspect, "inspect", "", "open an existing identity and print its public key")
	flagSet.StringVar(&passphraseFile, "passphrase-file", "", "read the passphrase from this file instead of the terminal")
	flagSet.StringSliceVar(&recipients, "recipient", nil, "seal to these age public keys (age1...) instead of a passphrase")
	flagSet.StringVar(&ageKeyFile, "age-key", "", "with --inspect, open an identity sealed to recipients with this age private key file")
	flagSet.BoolVar(&force, "force", false, "overwrite an existing identity file")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Fprintf(stdout, "cowork-keygen %s\n", version.Info())
		return nil
	}

	switch {
	case inspect != "" && out != "":
		return fmt.Errorf("--out and --inspect are mutually exclusive")
	case inspect != "":
		keypair, err := openIdentity(inspect, ageKeyFile, passphraseFile)
		if err != nil {
			return err
		}
		defer keypair.Close()
		printIdentity(stdout, keypair)
		return nil
	case out == "":
		return fmt.Errorf("--out is required")
	}
	for _, recipient := range recipients {
		if err := sealed.ParsePublicKey(recipient); err != nil {
			return fmt.Errorf("--recipient %s: %w", recipient, err)
		}
	}

	if !force {
		if _, err := os.Stat(out); err == nil {
			return fmt.Errorf("%s already exists (use --force to replace it)", out)
		}
	}
	keypair, err := wire.GenerateKeypair()
	if err != nil {
		return err
	}
	defer keypair.Close()
	if len(recipients) > 0 {
		err = wire.SaveIdentityForRecipients(out, keypair, recipients)
	} else {
		err = saveWithPassphrase(out, keypair, passphraseFile)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "identity written to %s\n", out)
	printIdentity(stdout, keypair)
	return nil
}

func saveWithPassphrase(path string, keypair *wire.Keypair, passphraseFile string) error {
	passphrase, err := readPassphrase(passphraseFile, true)
	if err != nil {
		return err
	}
	defer passphrase.Close()
	return wire.SaveIdentity(path, keypair, passphrase)
}

// openIdentity unseals path with the age key in ageKeyFile, or with a
// passphrase when no key file is given.
func openIdentity(path, ageKeyFile, passphraseFile string) (*wire.Keypair, error) {
	if ageKeyFile != "" {
		key, err := readSecretFile(ageKeyFile)
		if err != nil {
			return nil, err
		}
		defer key.Close()
		return wire.LoadIdentityWithKey(path, key)
	}
	passphrase, err := readPassphrase(passphraseFile, false)
	if err != nil {
		return nil, err
	}
	defer passphrase.Close()
	return wire.LoadIdentity(path, passphrase)
}

func printIdentity(w io.Writer, keypair *wire.Keypair) {
	fmt.Fprintf(w, "public key:  %s\n", keypair.PublicKeyString())
	fmt.Fprintf(w, "fingerprint: %s\n", keypair.Fingerprint())
}

// readPassphrase reads the passphrase from path, or prompts on the
// terminal with echo disabled. A new passphrase is asked for twice.
func readPassphrase(path string, confirm bool) (*secret.Buffer, error) {
	if path != "" {
		return readSecretFile(path)
	}
	stdinFileDescriptor := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFileDescriptor) {
		return nil, fmt.Errorf("no terminal available for the passphrase prompt (use --passphrase-file)")
	}

	first, err := prompt(stdinFileDescriptor, "Passphrase: ")
	if err != nil {
		return nil, err
	}
	if !confirm {
		return first, nil
	}
	second, err := prompt(stdinFileDescriptor, "Repeat passphrase: ")
	if err != nil {
		first.Close()
		return nil, err
	}
	defer second.Close()
	if !first.Equal(second.Bytes()) {
		first.Close()
		return nil, fmt.Errorf("passphrases do not match")
	}
	return first, nil
}

func prompt(fd int, label string) (*secret.Buffer, error) {
	fmt.Fprint(os.Stderr, label)
	passphraseBytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	if len(passphraseBytes) == 0 {
		return nil, fmt.Errorf("the passphrase must not be empty")
	}
	buffer, err := secret.NewFromBytes(passphraseBytes)
	if err != nil {
		secret.Zero(passphraseBytes)
		return nil, err
	}
	return buffer, nil
}

// readSecretFile reads a passphrase file, stripping trailing newlines.
func readSecretFile(path string) (*secret.Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	for len(data) > 0 && (data[len(data)-1] == '\n' || data[len(data)-1] == '\r') {
		data = data[:len(data)-1]
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("passphrase file %s is empty", path)
	}
	buffer, err := secret.NewFromBytes(data)
	if err != nil {
		secret.Zero(data)
		return nil, err
	}
	return buffer, nil
}
