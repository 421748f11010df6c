// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package crypto implements the at-rest envelope internal/secretstore
// wraps a worker's local secrets file in: a passphrase-derived AES-256-GCM
// cipher, keyed by PBKDF2 so an operator's FLEETAGENT_SECRETS_PASSPHRASE never
// becomes the AES key directly.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of the AES key (256 bits).
	KeySize = 32
	// Iterations is the PBKDF2 work factor used to derive the AES key
	// from an operator's passphrase.
	Iterations = 100000
)

// Encryptor seals and opens a worker's local secrets envelope
// (internal/secretstore's secretsPath / bundle/.env.secrets file)
// under a single operator-supplied passphrase.
type Encryptor struct {
	key []byte
}

// NewEncryptor derives an AES-256 key from passphrase via PBKDF2. The
// salt is fixed per-passphrase rather than stored alongside the
// ciphertext: a worker's secrets envelope carries only the passphrase
// out of band (an environment variable), so there is nowhere to keep a
// random salt that Decrypt could later read back.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: passphrase cannot be empty")
	}

	salt := sha256.Sum256([]byte("fleetagent-secretstore-salt-" + passphrase))
	key := pbkdf2.Key([]byte(passphrase), salt[:], Iterations, KeySize, sha256.New)

	return &Encryptor{key: key}, nil
}

// Encrypt seals plaintext (a secretstore KEY=VALUE blob) into a
// base64-encoded nonce||ciphertext blob suitable for the envelope
// payload line.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("crypto: plaintext cannot be empty")
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("crypto: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	combined := make([]byte, len(nonce)+len(ciphertext))
	copy(combined, nonce)
	copy(combined[len(nonce):], ciphertext)

	return base64.StdEncoding.EncodeToString(combined), nil
}

// Decrypt opens a blob produced by Encrypt, returning the original
// secrets payload.
func (e *Encryptor) Decrypt(encrypted string) (string, error) {
	if encrypted == "" {
		return "", errors.New("crypto: encrypted text cannot be empty")
	}

	combined, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("crypto: decode base64: %w", err)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("crypto: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: create gcm: %w", err)
	}

	if len(combined) < gcm.NonceSize() {
		return "", errors.New("crypto: encrypted text too short")
	}
	nonce := combined[:gcm.NonceSize()]
	ciphertext := combined[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt: %w", err)
	}

	return string(plaintext), nil
}
