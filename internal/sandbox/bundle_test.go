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

package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// buildTar packs files (path -> content) into a tar archive and
// returns its bytes.
func buildTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	return buf.Bytes()
}

func TestDownloadBundleWritesFile(t *testing.T) {
	want := []byte("tarball-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(want)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "bundle.tar")
	if err := downloadBundle(context.Background(), srv.Client(), srv.URL, dest, 5*time.Second); err != nil {
		t.Fatalf("downloadBundle: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestDownloadBundleNon2xxIsBundleError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "bundle.tar")
	err := downloadBundle(context.Background(), srv.Client(), srv.URL, dest, 5*time.Second)
	if err == nil {
		t.Fatal("expected error on 404")
	}
	var be *BundleError
	if be, _ = err.(*BundleError); be == nil || be.Stage != "download" {
		t.Errorf("expected BundleError{Stage: download}, got %v", err)
	}
}

func TestVerifyChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.tar")
	content := []byte("hello world")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sum := sha256.Sum256(content)
	hexSum := hex.EncodeToString(sum[:])

	if err := verifyChecksum(path, hexSum); err != nil {
		t.Errorf("expected matching checksum to pass, got %v", err)
	}
	if err := verifyChecksum(path, ""); err != nil {
		t.Errorf("expected blank checksum to skip verification, got %v", err)
	}
	if err := verifyChecksum(path, "deadbeef"); err == nil {
		t.Error("expected mismatched checksum to fail")
	}
}

func TestExtractTarRefusesPathEscape(t *testing.T) {
	dir := t.TempDir()
	tarPath := filepath.Join(dir, "evil.tar")

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0o644, Size: 4})
	tw.Write([]byte("evil"))
	tw.Close()
	if err := os.WriteFile(tarPath, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write tar: %v", err)
	}

	destDir := filepath.Join(dir, "extracted")
	err := extractTar(tarPath, destDir)
	if err == nil {
		t.Fatal("expected path-escape entry to be rejected")
	}
}

func TestExtractTarAndReadMetadata(t *testing.T) {
	dir := t.TempDir()
	tarPath := filepath.Join(dir, "bundle.tar")
	data := buildTar(t, map[string]string{
		"metadata.json": `{"schemaVersion":1,"rootHash":"abc","files":{"a.js":{"hash":"h1","exports":[{"id":"t1","exportName":"testOne"}]}}}`,
		"a.js":          "// test file",
	})
	if err := os.WriteFile(tarPath, data, 0o644); err != nil {
		t.Fatalf("write tar: %v", err)
	}

	destDir := filepath.Join(dir, "extracted")
	if err := extractTar(tarPath, destDir); err != nil {
		t.Fatalf("extractTar: %v", err)
	}

	meta, err := readMetadata(destDir)
	if err != nil {
		t.Fatalf("readMetadata: %v", err)
	}
	if meta.SchemaVersion != 1 {
		t.Errorf("expected schemaVersion 1, got %d", meta.SchemaVersion)
	}
	if len(meta.Files["a.js"].Exports) != 1 || meta.Files["a.js"].Exports[0].ID != "t1" {
		t.Errorf("unexpected files map: %+v", meta.Files)
	}
}
