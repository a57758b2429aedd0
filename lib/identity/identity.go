// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity manages the node's Ed25519 signing keypair. The
// private key signs every bundle the node originates; the public key
// travels inside each bundle so any peer can verify without a key
// exchange.
//
// The private key is stored either raw (0600) or sealed with age
// scrypt encryption when a passphrase is provided. Sealing protects
// keys on mules and relays that may be physically captured.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/zeebo/blake3"
)

const (
	privateKeyFile = "node-signing-key"
	sealedKeyFile  = "node-signing-key.age"
	publicKeyFile  = "node-signing-key.pub"
)

// Generate creates a new Ed25519 signing keypair.
func Generate() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating Ed25519 keypair: %w", err)
	}
	return public, private, nil
}

// Save writes a keypair to dir. With an empty passphrase the private
// key is written raw with 0600 permissions; otherwise it is sealed
// with age scrypt encryption. The public key is always written plain.
func Save(dir string, public ed25519.PublicKey, private ed25519.PrivateKey, passphrase string) error {
	if passphrase == "" {
		path := filepath.Join(dir, privateKeyFile)
		if err := os.WriteFile(path, private, 0600); err != nil {
			return fmt.Errorf("writing private key: %w", err)
		}
	} else {
		sealed, err := seal(private, passphrase)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, sealedKeyFile)
		if err := os.WriteFile(path, sealed, 0600); err != nil {
			return fmt.Errorf("writing sealed private key: %w", err)
		}
	}

	publicPath := filepath.Join(dir, publicKeyFile)
	if err := os.WriteFile(publicPath, public, 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}
	return nil
}

// Load reads a keypair from dir. A sealed key file takes precedence
// over a raw one; unsealing requires the passphrase it was sealed
// with.
func Load(dir, passphrase string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	var privateBytes []byte

	sealedPath := filepath.Join(dir, sealedKeyFile)
	if sealed, err := os.ReadFile(sealedPath); err == nil {
		if passphrase == "" {
			return nil, nil, fmt.Errorf("private key %s is sealed but no passphrase was provided", sealedPath)
		}
		privateBytes, err = unseal(sealed, passphrase)
		if err != nil {
			return nil, nil, err
		}
	} else {
		privateBytes, err = os.ReadFile(filepath.Join(dir, privateKeyFile))
		if err != nil {
			return nil, nil, fmt.Errorf("reading private key: %w", err)
		}
	}
	if len(privateBytes) != ed25519.PrivateKeySize {
		return nil, nil, fmt.Errorf("private key has %d bytes, want %d", len(privateBytes), ed25519.PrivateKeySize)
	}

	publicBytes, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("reading public key: %w", err)
	}
	if len(publicBytes) != ed25519.PublicKeySize {
		return nil, nil, fmt.Errorf("public key has %d bytes, want %d", len(publicBytes), ed25519.PublicKeySize)
	}

	private := ed25519.PrivateKey(privateBytes)
	if !bytes.Equal(private.Public().(ed25519.PublicKey), publicBytes) {
		return nil, nil, fmt.Errorf("public key file does not match the private key")
	}
	return ed25519.PublicKey(publicBytes), private, nil
}

// LoadOrGenerate loads an existing keypair from dir, or generates and
// saves a new one if none exists. The directory is created if needed.
// Returns the keypair and whether it was newly generated.
func LoadOrGenerate(dir, passphrase string) (ed25519.PublicKey, ed25519.PrivateKey, bool, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, nil, false, fmt.Errorf("creating key directory: %w", err)
	}

	_, sealedErr := os.Stat(filepath.Join(dir, sealedKeyFile))
	_, rawErr := os.Stat(filepath.Join(dir, privateKeyFile))
	if sealedErr == nil || rawErr == nil {
		public, private, err := Load(dir, passphrase)
		if err != nil {
			return nil, nil, false, err
		}
		return public, private, false, nil
	}

	public, private, err := Generate()
	if err != nil {
		return nil, nil, false, err
	}
	if err := Save(dir, public, private, passphrase); err != nil {
		return nil, nil, false, err
	}
	return public, private, true, nil
}

// LoadPassphrase reads a passphrase file, stripping trailing
// whitespace. An empty path yields an empty passphrase.
func LoadPassphrase(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading passphrase file: %w", err)
	}
	passphrase := strings.TrimRight(string(data), "\r\n")
	if passphrase == "" {
		return "", fmt.Errorf("passphrase file %s is empty", path)
	}
	return passphrase, nil
}

// Fingerprint returns a short stable identifier for a public key,
// suitable for logs.
func Fingerprint(public ed25519.PublicKey) string {
	sum := blake3.Sum256(public)
	return hex.EncodeToString(sum[:8])
}

// seal encrypts a private key with age scrypt encryption.
func seal(private ed25519.PrivateKey, passphrase string) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("preparing key sealing: %w", err)
	}

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return nil, fmt.Errorf("sealing private key: %w", err)
	}
	if _, err := writer.Write(private); err != nil {
		return nil, fmt.Errorf("sealing private key: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing sealed private key: %w", err)
	}
	return sealed.Bytes(), nil
}

// unseal decrypts an age-sealed private key.
func unseal(sealed []byte, passphrase string) ([]byte, error) {
	scryptIdentity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("preparing key unsealing: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(sealed), scryptIdentity)
	if err != nil {
		return nil, fmt.Errorf("unsealing private key (wrong passphrase?): %w", err)
	}
	private, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading unsealed private key: %w", err)
	}
	return private, nil
}
