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

package secretstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsNilMap(t *testing.T) {
	secrets, err := Load(filepath.Join(t.TempDir(), "nope.env"), "")
	if err != nil {
		t.Fatalf("expected no error for a missing file, got %v", err)
	}
	if secrets != nil {
		t.Errorf("expected nil map, got %v", secrets)
	}
}

func TestLoadPlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.env")
	content := "# comment\nAPI_KEY=abc123\n\nDB_PASSWORD=hunter2\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	secrets, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if secrets["API_KEY"] != "abc123" || secrets["DB_PASSWORD"] != "hunter2" {
		t.Errorf("unexpected secrets: %v", secrets)
	}
	if len(secrets) != 2 {
		t.Errorf("expected comments/blank lines to be skipped, got %v", secrets)
	}
}

func TestEncryptRoundTrip(t *testing.T) {
	secrets := map[string]string{"TOKEN": "s3cr3t"}
	envelope, err := Encrypt(secrets, "correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	path := filepath.Join(t.TempDir(), "secrets.env")
	if err := os.WriteFile(path, []byte(envelope), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := Load(path, "correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("Load encrypted: %v", err)
	}
	if got["TOKEN"] != "s3cr3t" {
		t.Errorf("expected TOKEN=s3cr3t, got %v", got)
	}
}

func TestLoadEncryptedWithoutPassphraseFails(t *testing.T) {
	envelope, err := Encrypt(map[string]string{"A": "1"}, "pw")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	path := filepath.Join(t.TempDir(), "secrets.env")
	if err := os.WriteFile(path, []byte(envelope), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Load(path, ""); err == nil {
		t.Error("expected an error loading an encrypted file without a passphrase")
	}
	if _, err := Load(path, "wrong-passphrase"); err == nil {
		t.Error("expected an error decrypting with the wrong passphrase")
	}
}
