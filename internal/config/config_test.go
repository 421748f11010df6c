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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if len(kv) > 11 && kv[:11] == "FLEETAGENT_" {
			key := kv[:strIndex(kv, '=')]
			os.Unsetenv(key)
			t.Cleanup(func() { os.Unsetenv(key) })
		}
	}
}

func strIndex(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func TestLoadRequiresControlPlaneURLAndToken(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); err == nil {
		t.Fatal("expected error when control plane URL and worker token are unset")
	}

	os.Setenv("FLEETAGENT_CONTROL_PLANE_URL", "https://example.test")
	t.Cleanup(func() { os.Unsetenv("FLEETAGENT_CONTROL_PLANE_URL") })
	if _, err := Load(); err == nil {
		t.Fatal("expected error when worker token is unset")
	}

	os.Setenv("FLEETAGENT_WORKER_TOKEN", "tok")
	t.Cleanup(func() { os.Unsetenv("FLEETAGENT_WORKER_TOKEN") })
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WorkerID == "" || len(cfg.WorkerID) < len("worker-") {
		t.Errorf("expected an auto-generated worker id, got %q", cfg.WorkerID)
	}
	if cfg.Mode != "daemon" {
		t.Errorf("expected default mode daemon, got %q", cfg.Mode)
	}
	if cfg.LongPollMs != 30_000 {
		t.Errorf("expected default longPollMs 30000, got %d", cfg.LongPollMs)
	}
}

func TestLoadRejectsLegacyKeys(t *testing.T) {
	clearEnv(t)
	os.Setenv("FLEETAGENT_CONTROL_PLANE_URL", "https://example.test")
	os.Setenv("FLEETAGENT_WORKER_TOKEN", "tok")
	os.Setenv("STOP_ON_FAILURE", "true")
	t.Cleanup(func() {
		os.Unsetenv("FLEETAGENT_CONTROL_PLANE_URL")
		os.Unsetenv("FLEETAGENT_WORKER_TOKEN")
		os.Unsetenv("STOP_ON_FAILURE")
	})

	_, err := Load()
	if err == nil {
		t.Fatal("expected legacy key STOP_ON_FAILURE to be rejected")
	}
	var cerr *ConfigError
	if !asConfigError(err, &cerr) {
		t.Fatalf("expected *ConfigError, got %T: %v", err, err)
	}
}

func TestLoadRejectsLegacyKeysInFileOverlay(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"executionTimeoutMs": 1000}`), 0o600); err != nil {
		t.Fatal(err)
	}

	os.Setenv("FLEETAGENT_CONTROL_PLANE_URL", "https://example.test")
	os.Setenv("FLEETAGENT_WORKER_TOKEN", "tok")
	os.Setenv("FLEETAGENT_CONFIG_FILE", path)
	t.Cleanup(func() {
		os.Unsetenv("FLEETAGENT_CONTROL_PLANE_URL")
		os.Unsetenv("FLEETAGENT_WORKER_TOKEN")
		os.Unsetenv("FLEETAGENT_CONFIG_FILE")
	})

	_, err := Load()
	if err == nil {
		t.Fatal("expected legacy file key executionTimeoutMs to be rejected")
	}
	var cerr *ConfigError
	if !asConfigError(err, &cerr) {
		t.Fatalf("expected *ConfigError, got %T: %v", err, err)
	}
}

func asConfigError(err error, target **ConfigError) bool {
	if ce, ok := err.(*ConfigError); ok {
		*target = ce
		return true
	}
	return false
}

func TestLoadFileOverlayEnvWins(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"maxConcurrentTasks": 5, "mode": "job"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	os.Setenv("FLEETAGENT_CONTROL_PLANE_URL", "https://example.test")
	os.Setenv("FLEETAGENT_WORKER_TOKEN", "tok")
	os.Setenv("FLEETAGENT_CONFIG_FILE", path)
	os.Setenv("FLEETAGENT_MAX_CONCURRENT_TASKS", "9")
	t.Cleanup(func() {
		os.Unsetenv("FLEETAGENT_CONTROL_PLANE_URL")
		os.Unsetenv("FLEETAGENT_WORKER_TOKEN")
		os.Unsetenv("FLEETAGENT_CONFIG_FILE")
		os.Unsetenv("FLEETAGENT_MAX_CONCURRENT_TASKS")
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Mode != "job" {
		t.Errorf("expected file-sourced mode 'job', got %q", cfg.Mode)
	}
	if cfg.MaxConcurrentTasks != 9 {
		t.Errorf("expected env (9) to win over file (5), got %d", cfg.MaxConcurrentTasks)
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := defaults()
	cfg.ControlPlaneURL = "https://example.test"
	cfg.WorkerToken = "tok"
	cfg.Mode = "weekly"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid mode to fail validation")
	}
}

func TestMaskEnvPrefixesAlwaysIncludesWorkerToken(t *testing.T) {
	clearEnv(t)
	os.Setenv("FLEETAGENT_CONTROL_PLANE_URL", "https://example.test")
	os.Setenv("FLEETAGENT_WORKER_TOKEN", "tok")
	t.Cleanup(func() {
		os.Unsetenv("FLEETAGENT_CONTROL_PLANE_URL")
		os.Unsetenv("FLEETAGENT_WORKER_TOKEN")
	})
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, p := range cfg.MaskEnvPrefixes {
		if p == "FLEETAGENT_WORKER_TOKEN" {
			found = true
		}
	}
	if !found {
		t.Error("expected FLEETAGENT_WORKER_TOKEN to always be in MaskEnvPrefixes")
	}
}

func TestLoadDoesNotMutateEnviron(t *testing.T) {
	clearEnv(t)
	os.Setenv("FLEETAGENT_CONTROL_PLANE_URL", "https://example.test")
	os.Setenv("FLEETAGENT_WORKER_TOKEN", "tok")
	t.Cleanup(func() {
		os.Unsetenv("FLEETAGENT_CONTROL_PLANE_URL")
		os.Unsetenv("FLEETAGENT_WORKER_TOKEN")
	})
	before := os.Environ()
	if _, err := Load(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := os.Environ()
	if len(before) != len(after) {
		t.Fatalf("Load mutated process environment: before=%d after=%d", len(before), len(after))
	}
}
