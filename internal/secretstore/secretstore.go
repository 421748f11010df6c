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

// Package secretstore transparently decrypts a worker's local secrets
// file when it was written in the AES-256-GCM envelope format, and
// falls back to plain KEY=VALUE parsing otherwise. It exists for
// self-hosted workers whose secretsPath or bundle/.env.secrets file
// lives on a disk the operator doesn't otherwise encrypt.
package secretstore

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"fleetagent/pkg/crypto"
)

// envelopeMagic marks the first line of a secrets file encrypted with
// Encrypt. Anything else is parsed as plaintext KEY=VALUE pairs.
const envelopeMagic = "FLEETAGENT-SECRETS-V1"

// Load reads path and returns its KEY=VALUE pairs. If the file carries
// the encrypted envelope header, passphrase must be non-empty and
// correct; otherwise the file is parsed as plaintext. A missing file
// is not an error: it returns a nil map, and the caller falls through
// to the next source in its chain.
func Load(path, passphrase string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, scanner.Err()
	}
	first := scanner.Text()

	if first != envelopeMagic {
		out := map[string]string{}
		parseLine(first, out)
		for scanner.Scan() {
			parseLine(scanner.Text(), out)
		}
		return out, scanner.Err()
	}

	if !scanner.Scan() {
		return nil, fmt.Errorf("secretstore: envelope %s has no payload line", path)
	}
	if passphrase == "" {
		return nil, fmt.Errorf("secretstore: %s is encrypted but no passphrase is configured", path)
	}
	enc, err := crypto.NewEncryptor(passphrase)
	if err != nil {
		return nil, fmt.Errorf("secretstore: %w", err)
	}
	plaintext, err := enc.Decrypt(scanner.Text())
	if err != nil {
		return nil, fmt.Errorf("secretstore: decrypt %s: %w", path, err)
	}

	out := map[string]string{}
	for _, line := range strings.Split(plaintext, "\n") {
		parseLine(line, out)
	}
	return out, nil
}

func parseLine(line string, out map[string]string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	if k, v, ok := strings.Cut(line, "="); ok {
		out[strings.TrimSpace(k)] = v
	}
}

// Encrypt serializes a KEY=VALUE secrets map and returns the
// envelope-formatted file content, ready to write to disk. Operators
// use this to produce an at-rest-encrypted secretsPath file.
func Encrypt(secrets map[string]string, passphrase string) (string, error) {
	enc, err := crypto.NewEncryptor(passphrase)
	if err != nil {
		return "", fmt.Errorf("secretstore: %w", err)
	}
	var plain strings.Builder
	for k, v := range secrets {
		plain.WriteString(k)
		plain.WriteByte('=')
		plain.WriteString(v)
		plain.WriteByte('\n')
	}
	ciphertext, err := enc.Encrypt(plain.String())
	if err != nil {
		return "", fmt.Errorf("secretstore: %w", err)
	}
	return envelopeMagic + "\n" + ciphertext + "\n", nil
}
