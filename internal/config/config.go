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

// Package config loads the worker's strongly typed configuration from
// environment variables with an optional JSON file overlay. Every
// field has an env key and an equivalent file key; on conflict the
// environment wins. Legacy keys from the worker's predecessor
// generation are rejected outright rather than silently accepted.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConfigError marks a fatal startup configuration problem. The process
// must abort on this error rather than run half-configured.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Msg
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// legacyKeys maps a retired configuration key (canonicalized: lowered,
// underscores stripped, so EXECUTION_TIMEOUT_MS and executionTimeoutMs
// both match) to the message explaining what replaced it. Presence of
// any of these, in either the environment or the file overlay, is a
// fatal ConfigError rather than silent fallthrough to a default.
var legacyKeys = map[string]string{
	"executiontimeoutms": "renamed to FLEETAGENT_TASK_TIMEOUT_MS",
	"stoponfailure":      "renamed to FLEETAGENT_FAIL_FAST",
	"concurrency":        "renamed to FLEETAGENT_MAX_CONCURRENT_TASKS",
	"pollintervalms":     "renamed to FLEETAGENT_CLAIM_INTERVAL_MS",
}

func canonicalKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(key), "_", "")
}

// NetworkPolicy configures the sandbox's optional egress enforcement.
type NetworkPolicy struct {
	Mode                  string `json:"mode,omitempty"`
	MaxRequests           int    `json:"maxRequests,omitempty"`
	MaxConcurrentRequests int    `json:"maxConcurrentRequests,omitempty"`
	RequestTimeoutMs      int64  `json:"requestTimeoutMs,omitempty"`
	MaxResponseBytes      int64  `json:"maxResponseBytes,omitempty"`
	AllowedPorts          []int  `json:"allowedPorts,omitempty"`
}

// Config is the worker's full runtime configuration surface.
type Config struct {
	ControlPlaneURL string   `json:"controlPlaneUrl"`
	WorkerToken     string   `json:"workerToken"`
	WorkerID        string   `json:"workerId,omitempty"`
	Tags            []string `json:"tags,omitempty"`

	LongPollMs          int64 `json:"longPollMs,omitempty"`
	ClaimIntervalMs     int64 `json:"claimIntervalMs,omitempty"`
	HeartbeatIntervalMs int64 `json:"heartbeatIntervalMs,omitempty"`
	TaskTimeoutMs       int64 `json:"taskTimeoutMs,omitempty"`

	MaxConcurrentTasks   int   `json:"maxConcurrentTasks,omitempty"`
	TaskMemoryLimitBytes int64 `json:"taskMemoryLimitBytes,omitempty"`

	Mode              string `json:"mode,omitempty"` // daemon|job
	IdleGraceMs       int64  `json:"idleGraceMs,omitempty"`
	MaxLifetimeMs     int64  `json:"maxLifetimeMs,omitempty"`
	MaxTasksPerWorker int    `json:"maxTasksPerWorker,omitempty"`

	WorkDir           string `json:"workDir,omitempty"`
	RunnerPath        string `json:"runnerPath,omitempty"`
	DownloadTimeoutMs int64  `json:"downloadTimeoutMs,omitempty"`
	FailFast          bool   `json:"failFast,omitempty"`

	SecretsPath           string   `json:"secretsPath,omitempty"`
	SecretsEnvOverrideVar string   `json:"secretsEnvOverrideVar,omitempty"`
	SecretsPassphrase     string   `json:"secretsPassphrase,omitempty"`
	MaskEnvPrefixes       []string `json:"maskEnvPrefixes,omitempty"`
	AllowNet              []string `json:"allowNet,omitempty"`

	InsecureTLS       bool `json:"insecureTls,omitempty"`
	MaxClientAttempts int  `json:"maxClientAttempts,omitempty"`

	MetricsAddr string `json:"metricsAddr,omitempty"`
	LogLevel    string `json:"logLevel,omitempty"`
	JournalPath string `json:"journalPath,omitempty"`

	NetworkPolicy NetworkPolicy `json:"networkPolicy,omitempty"`
	Pipeline      Pipeline      `json:"pipeline,omitempty"`
}

// Pipeline tunes the event pipeline's buffering and backpressure
// parameters; zero values fall back to the pipeline's own defaults.
type Pipeline struct {
	FlushEveryMs           int64 `json:"flushEveryMs,omitempty"`
	FlushMaxBuffer         int   `json:"flushMaxBuffer,omitempty"`
	MaxBuffer              int   `json:"maxBuffer,omitempty"`
	MaxConsecutiveFailures int   `json:"maxConsecutiveFailures,omitempty"`
	BackpressureWaitMs     int64 `json:"backpressureWaitMs,omitempty"`
}

// workerTokenEnvVar is always masked out of child-process
// environments, regardless of what MaskEnvPrefixes says: the worker
// token is the one long-lived secret and must never reach a child.
const workerTokenEnvVar = "FLEETAGENT_WORKER_TOKEN"

func defaults() Config {
	return Config{
		LongPollMs:            30_000,
		ClaimIntervalMs:       1_000,
		HeartbeatIntervalMs:   15_000,
		TaskTimeoutMs:         300_000,
		MaxConcurrentTasks:    1,
		TaskMemoryLimitBytes:  0,
		Mode:                  "daemon",
		WorkDir:               "./var/fleetagent/work",
		DownloadTimeoutMs:     60_000,
		SecretsEnvOverrideVar: "FLEETAGENT_SECRETS_FILE",
		MaskEnvPrefixes:       []string{workerTokenEnvVar},
		MaxClientAttempts:     4,
		LogLevel:              "info",
		JournalPath:           "./var/fleetagent/journal.db",
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getenvCSV(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvPorts(key string, def []int) ([]int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// checkLegacyKeys inspects an arbitrary string-keyed map (either the
// process environment's own keys or a decoded JSON overlay) for
// retired configuration keys and fails fast if any are present.
func checkLegacyKeys(keys map[string]struct{}) error {
	for key := range keys {
		if reason, legacy := legacyKeys[canonicalKey(key)]; legacy {
			return &ConfigError{Field: key, Msg: "legacy key rejected: " + reason}
		}
	}
	return nil
}

func environKeys() map[string]struct{} {
	out := make(map[string]struct{})
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = struct{}{}
		}
	}
	return out
}

// Load builds a Config from the environment, optionally overlaid by a
// JSON file named in FLEETAGENT_CONFIG_FILE. Environment variables
// always win over the file on a per-field basis. Load never mutates
// os.Environ(); it only reads from it.
func Load() (Config, error) {
	if err := checkLegacyKeys(environKeys()); err != nil {
		return Config{}, err
	}

	cfg := defaults()

	if path := os.Getenv("FLEETAGENT_CONFIG_FILE"); path != "" {
		overlay, err := loadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = mergeFile(cfg, overlay)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = generateWorkerID()
	}
	if !containsPrefix(cfg.MaskEnvPrefixes, workerTokenEnvVar) {
		cfg.MaskEnvPrefixes = append(cfg.MaskEnvPrefixes, workerTokenEnvVar)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func containsPrefix(prefixes []string, want string) bool {
	for _, p := range prefixes {
		if p == want {
			return true
		}
	}
	return false
}

func generateWorkerID() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return "worker-" + id
}

func loadFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Field: "FLEETAGENT_CONFIG_FILE", Msg: err.Error()}
	}
	var overlay map[string]any
	if err := json.Unmarshal(raw, &overlay); err != nil {
		return nil, &ConfigError{Field: "FLEETAGENT_CONFIG_FILE", Msg: "invalid JSON: " + err.Error()}
	}
	fileKeys := make(map[string]struct{}, len(overlay))
	for k := range overlay {
		fileKeys[k] = struct{}{}
	}
	if err := checkLegacyKeys(fileKeys); err != nil {
		return nil, err
	}
	return overlay, nil
}

// mergeFile re-marshals the overlay map through the Config struct's own
// json tags so file keys line up with the documented field names,
// while still letting applyEnv override per-field afterward.
func mergeFile(base Config, overlay map[string]any) Config {
	raw, err := json.Marshal(overlay)
	if err != nil {
		return base
	}
	_ = json.Unmarshal(raw, &base)
	return base
}

// applyEnv overlays every FLEETAGENT_* environment variable onto cfg,
// taking precedence over both defaults and the file overlay.
func applyEnv(cfg *Config) error {
	cfg.ControlPlaneURL = getenv("FLEETAGENT_CONTROL_PLANE_URL", cfg.ControlPlaneURL)
	cfg.WorkerToken = getenv(workerTokenEnvVar, cfg.WorkerToken)
	cfg.WorkerID = getenv("FLEETAGENT_WORKER_ID", cfg.WorkerID)
	cfg.Tags = getenvCSV("FLEETAGENT_TAGS", cfg.Tags)

	var err error
	if cfg.LongPollMs, err = getenvInt64("FLEETAGENT_LONG_POLL_MS", cfg.LongPollMs); err != nil {
		return &ConfigError{Field: "FLEETAGENT_LONG_POLL_MS", Msg: err.Error()}
	}
	if cfg.ClaimIntervalMs, err = getenvInt64("FLEETAGENT_CLAIM_INTERVAL_MS", cfg.ClaimIntervalMs); err != nil {
		return &ConfigError{Field: "FLEETAGENT_CLAIM_INTERVAL_MS", Msg: err.Error()}
	}
	if cfg.HeartbeatIntervalMs, err = getenvInt64("FLEETAGENT_HEARTBEAT_INTERVAL_MS", cfg.HeartbeatIntervalMs); err != nil {
		return &ConfigError{Field: "FLEETAGENT_HEARTBEAT_INTERVAL_MS", Msg: err.Error()}
	}
	if cfg.TaskTimeoutMs, err = getenvInt64("FLEETAGENT_TASK_TIMEOUT_MS", cfg.TaskTimeoutMs); err != nil {
		return &ConfigError{Field: "FLEETAGENT_TASK_TIMEOUT_MS", Msg: err.Error()}
	}
	if cfg.MaxConcurrentTasks, err = getenvInt("FLEETAGENT_MAX_CONCURRENT_TASKS", cfg.MaxConcurrentTasks); err != nil {
		return &ConfigError{Field: "FLEETAGENT_MAX_CONCURRENT_TASKS", Msg: err.Error()}
	}
	if cfg.TaskMemoryLimitBytes, err = getenvInt64("FLEETAGENT_TASK_MEMORY_LIMIT_BYTES", cfg.TaskMemoryLimitBytes); err != nil {
		return &ConfigError{Field: "FLEETAGENT_TASK_MEMORY_LIMIT_BYTES", Msg: err.Error()}
	}

	cfg.Mode = getenv("FLEETAGENT_MODE", cfg.Mode)
	if cfg.IdleGraceMs, err = getenvInt64("FLEETAGENT_IDLE_GRACE_MS", cfg.IdleGraceMs); err != nil {
		return &ConfigError{Field: "FLEETAGENT_IDLE_GRACE_MS", Msg: err.Error()}
	}
	if cfg.MaxLifetimeMs, err = getenvInt64("FLEETAGENT_MAX_LIFETIME_MS", cfg.MaxLifetimeMs); err != nil {
		return &ConfigError{Field: "FLEETAGENT_MAX_LIFETIME_MS", Msg: err.Error()}
	}
	if cfg.MaxTasksPerWorker, err = getenvInt("FLEETAGENT_MAX_TASKS_PER_WORKER", cfg.MaxTasksPerWorker); err != nil {
		return &ConfigError{Field: "FLEETAGENT_MAX_TASKS_PER_WORKER", Msg: err.Error()}
	}

	cfg.WorkDir = getenv("FLEETAGENT_WORK_DIR", cfg.WorkDir)
	cfg.RunnerPath = getenv("FLEETAGENT_RUNNER_PATH", cfg.RunnerPath)
	if cfg.DownloadTimeoutMs, err = getenvInt64("FLEETAGENT_DOWNLOAD_TIMEOUT_MS", cfg.DownloadTimeoutMs); err != nil {
		return &ConfigError{Field: "FLEETAGENT_DOWNLOAD_TIMEOUT_MS", Msg: err.Error()}
	}
	if cfg.FailFast, err = getenvBool("FLEETAGENT_FAIL_FAST", cfg.FailFast); err != nil {
		return &ConfigError{Field: "FLEETAGENT_FAIL_FAST", Msg: err.Error()}
	}

	cfg.SecretsPath = getenv("FLEETAGENT_SECRETS_PATH", cfg.SecretsPath)
	cfg.SecretsEnvOverrideVar = getenv("FLEETAGENT_SECRETS_ENV_OVERRIDE_VAR", cfg.SecretsEnvOverrideVar)
	cfg.SecretsPassphrase = getenv("FLEETAGENT_SECRETS_PASSPHRASE", cfg.SecretsPassphrase)
	cfg.MaskEnvPrefixes = getenvCSV("FLEETAGENT_MASK_ENV_PREFIXES", cfg.MaskEnvPrefixes)
	cfg.AllowNet = getenvCSV("FLEETAGENT_ALLOW_NET", cfg.AllowNet)

	if cfg.InsecureTLS, err = getenvBool("FLEETAGENT_INSECURE_TLS", cfg.InsecureTLS); err != nil {
		return &ConfigError{Field: "FLEETAGENT_INSECURE_TLS", Msg: err.Error()}
	}
	if cfg.MaxClientAttempts, err = getenvInt("FLEETAGENT_MAX_CLIENT_ATTEMPTS", cfg.MaxClientAttempts); err != nil {
		return &ConfigError{Field: "FLEETAGENT_MAX_CLIENT_ATTEMPTS", Msg: err.Error()}
	}

	cfg.MetricsAddr = getenv("FLEETAGENT_METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = getenv("FLEETAGENT_LOG_LEVEL", cfg.LogLevel)
	cfg.JournalPath = getenv("FLEETAGENT_JOURNAL_PATH", cfg.JournalPath)

	cfg.NetworkPolicy.Mode = getenv("FLEETAGENT_NETWORK_POLICY_MODE", cfg.NetworkPolicy.Mode)
	if cfg.NetworkPolicy.MaxRequests, err = getenvInt("FLEETAGENT_NETWORK_POLICY_MAX_REQUESTS", cfg.NetworkPolicy.MaxRequests); err != nil {
		return &ConfigError{Field: "FLEETAGENT_NETWORK_POLICY_MAX_REQUESTS", Msg: err.Error()}
	}
	if cfg.NetworkPolicy.MaxConcurrentRequests, err = getenvInt("FLEETAGENT_NETWORK_POLICY_MAX_CONCURRENT_REQUESTS", cfg.NetworkPolicy.MaxConcurrentRequests); err != nil {
		return &ConfigError{Field: "FLEETAGENT_NETWORK_POLICY_MAX_CONCURRENT_REQUESTS", Msg: err.Error()}
	}
	if cfg.NetworkPolicy.RequestTimeoutMs, err = getenvInt64("FLEETAGENT_NETWORK_POLICY_REQUEST_TIMEOUT_MS", cfg.NetworkPolicy.RequestTimeoutMs); err != nil {
		return &ConfigError{Field: "FLEETAGENT_NETWORK_POLICY_REQUEST_TIMEOUT_MS", Msg: err.Error()}
	}
	if cfg.NetworkPolicy.MaxResponseBytes, err = getenvInt64("FLEETAGENT_NETWORK_POLICY_MAX_RESPONSE_BYTES", cfg.NetworkPolicy.MaxResponseBytes); err != nil {
		return &ConfigError{Field: "FLEETAGENT_NETWORK_POLICY_MAX_RESPONSE_BYTES", Msg: err.Error()}
	}
	if cfg.NetworkPolicy.AllowedPorts, err = getenvPorts("FLEETAGENT_NETWORK_POLICY_ALLOWED_PORTS", cfg.NetworkPolicy.AllowedPorts); err != nil {
		return &ConfigError{Field: "FLEETAGENT_NETWORK_POLICY_ALLOWED_PORTS", Msg: err.Error()}
	}

	if cfg.Pipeline.FlushEveryMs, err = getenvInt64("FLEETAGENT_FLUSH_EVERY_MS", cfg.Pipeline.FlushEveryMs); err != nil {
		return &ConfigError{Field: "FLEETAGENT_FLUSH_EVERY_MS", Msg: err.Error()}
	}
	if cfg.Pipeline.FlushMaxBuffer, err = getenvInt("FLEETAGENT_FLUSH_MAX_BUFFER", cfg.Pipeline.FlushMaxBuffer); err != nil {
		return &ConfigError{Field: "FLEETAGENT_FLUSH_MAX_BUFFER", Msg: err.Error()}
	}
	if cfg.Pipeline.MaxBuffer, err = getenvInt("FLEETAGENT_MAX_BUFFER", cfg.Pipeline.MaxBuffer); err != nil {
		return &ConfigError{Field: "FLEETAGENT_MAX_BUFFER", Msg: err.Error()}
	}
	if cfg.Pipeline.MaxConsecutiveFailures, err = getenvInt("FLEETAGENT_MAX_CONSECUTIVE_FAILURES", cfg.Pipeline.MaxConsecutiveFailures); err != nil {
		return &ConfigError{Field: "FLEETAGENT_MAX_CONSECUTIVE_FAILURES", Msg: err.Error()}
	}
	if cfg.Pipeline.BackpressureWaitMs, err = getenvInt64("FLEETAGENT_BACKPRESSURE_WAIT_MS", cfg.Pipeline.BackpressureWaitMs); err != nil {
		return &ConfigError{Field: "FLEETAGENT_BACKPRESSURE_WAIT_MS", Msg: err.Error()}
	}

	return nil
}

// Validate checks required fields and cross-field invariants. A
// worker with an invalid configuration must never reach the claim
// loop.
func (c Config) Validate() error {
	if c.ControlPlaneURL == "" {
		return &ConfigError{Field: "FLEETAGENT_CONTROL_PLANE_URL", Msg: "required"}
	}
	if c.WorkerToken == "" {
		return &ConfigError{Field: workerTokenEnvVar, Msg: "required"}
	}
	if c.Mode != "daemon" && c.Mode != "job" {
		return &ConfigError{Field: "FLEETAGENT_MODE", Msg: "must be 'daemon' or 'job'"}
	}
	if c.MaxConcurrentTasks < 1 {
		return &ConfigError{Field: "FLEETAGENT_MAX_CONCURRENT_TASKS", Msg: "must be >= 1"}
	}
	if c.TaskMemoryLimitBytes < 0 {
		return &ConfigError{Field: "FLEETAGENT_TASK_MEMORY_LIMIT_BYTES", Msg: "must be >= 0"}
	}
	if c.LongPollMs < 0 {
		return &ConfigError{Field: "FLEETAGENT_LONG_POLL_MS", Msg: "must be >= 0"}
	}
	if c.ClaimIntervalMs < 0 {
		return &ConfigError{Field: "FLEETAGENT_CLAIM_INTERVAL_MS", Msg: "must be >= 0"}
	}
	if c.TaskTimeoutMs <= 0 {
		return &ConfigError{Field: "FLEETAGENT_TASK_TIMEOUT_MS", Msg: "must be > 0"}
	}
	switch c.NetworkPolicy.Mode {
	case "", "trusted", "shared_serverless":
	default:
		return &ConfigError{Field: "FLEETAGENT_NETWORK_POLICY_MODE", Msg: "must be 'trusted' or 'shared_serverless'"}
	}
	return nil
}

// TaskTimeout returns TaskTimeoutMs as a time.Duration.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns HeartbeatIntervalMs as a time.Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// ClaimInterval returns ClaimIntervalMs as a time.Duration.
func (c Config) ClaimInterval() time.Duration {
	return time.Duration(c.ClaimIntervalMs) * time.Millisecond
}

// DownloadTimeout returns DownloadTimeoutMs as a time.Duration.
func (c Config) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutMs) * time.Millisecond
}

// IdleGrace returns IdleGraceMs as a time.Duration.
func (c Config) IdleGrace() time.Duration {
	return time.Duration(c.IdleGraceMs) * time.Millisecond
}

// MaxLifetime returns MaxLifetimeMs as a time.Duration.
func (c Config) MaxLifetime() time.Duration {
	return time.Duration(c.MaxLifetimeMs) * time.Millisecond
}
