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

// Package sandbox downloads and verifies a task's test bundle, selects
// the tests to run, spawns an isolated child process per test with
// restricted permissions and a resource budget, and translates each
// child's timeline into the pipeline's RunEvent stream.
package sandbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"fleetagent/internal/secretstore"
	"fleetagent/pkg/agent"
)

// EventSink is the subset of pipeline.Pipeline the executor depends
// on, so tests can substitute a recording fake.
type EventSink interface {
	Push(ctx context.Context, event agent.RunEvent) error
}

// Config controls a single task's execution.
type Config struct {
	WorkDir                string
	RunnerPath             string
	DownloadTimeout        time.Duration
	SecretsEnvOverridePath string
	WorkerSecretsDefault   string
	SecretsPassphrase      string
	MaskEnvPrefixes        []string
	MemoryCheckInterval    time.Duration
	FailFast               bool
	Logger                 *slog.Logger

	// AllowNet restricts the hostnames a child may reach through the
	// egress proxy. Empty means any destination the NetworkPolicy's
	// other rules permit.
	AllowNet []string

	// DefaultNetworkPolicy applies to a task whose RuntimeContext
	// carries no NetworkPolicy of its own, letting an operator enforce
	// a baseline egress policy worker-wide.
	DefaultNetworkPolicy *agent.NetworkPolicy

	// DefaultTimeout is used when a task's RuntimeContext carries no
	// overall timeout of its own.
	DefaultTimeout time.Duration

	// MaxMemoryBytes caps whatever memory limit a task's RuntimeContext
	// requests. Zero means no worker-wide ceiling.
	MaxMemoryBytes int64
}

// Outcome is what the executor reports once a task's execution
// concludes, whichever way it concludes.
type Outcome struct {
	Success  bool
	Aborted  bool
	TimedOut bool
	Error    error
	Counts   Counts
}

// Counts tallies per-test results for the terminal summary.
type Counts struct {
	Total, Passed, Failed, Skipped int
}

// Executor runs one task's bundle to completion.
type Executor struct {
	cfg    Config
	hc     *http.Client
	seq    int64
	taskID string
	runID  string
	sink   EventSink
}

// New constructs an Executor for one task.
func New(cfg Config, sink EventSink, taskID, runID string) *Executor {
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 60 * time.Second
	}
	if cfg.MemoryCheckInterval <= 0 {
		cfg.MemoryCheckInterval = 500 * time.Millisecond
	}
	return &Executor{
		cfg:    cfg,
		hc:     &http.Client{},
		taskID: taskID,
		runID:  runID,
		sink:   sink,
	}
}

// Run executes the full 14-step pipeline for rc and returns the
// terminal Outcome. It never panics; all failures are captured in the
// returned Outcome.Error.
func (e *Executor) Run(ctx context.Context, rc agent.RuntimeContext) Outcome {
	taskDir := filepath.Join(e.cfg.WorkDir, rc.TaskID)
	defer e.cleanup(taskDir)

	overallTimeout := time.Duration(rc.Limits.TimeoutMs) * time.Millisecond
	if overallTimeout <= 0 {
		overallTimeout = e.cfg.DefaultTimeout
	}
	if overallTimeout <= 0 {
		overallTimeout = 5 * time.Minute
	}
	rctx, cancel := context.WithTimeout(ctx, overallTimeout)
	defer cancel()

	// 1. Prepare workdir
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return Outcome{Error: &BundleError{Stage: "workdir", Err: err}}
	}
	tarPath := filepath.Join(taskDir, "bundle.tar")

	// 1. Download
	if err := downloadBundle(rctx, e.hc, rc.Bundle.Download.URL, tarPath, e.cfg.DownloadTimeout); err != nil {
		return Outcome{Error: err}
	}

	// 2. Verify checksum
	if err := verifyChecksum(tarPath, rc.Bundle.Download.Checksum); err != nil {
		return Outcome{Error: err}
	}

	// 3. Extract
	bundleDir := filepath.Join(taskDir, "bundle")
	if err := extractTar(tarPath, bundleDir); err != nil {
		return Outcome{Error: err}
	}

	// 4. Read metadata
	meta, err := readMetadata(bundleDir)
	if err != nil {
		return Outcome{Error: err}
	}

	// 5. Select tests, then honor the bundle's own only/skip marks
	tests, skippedTests := applyMarks(selectTests(meta, rc.Selection))
	if len(tests) == 0 {
		return Outcome{Success: true, Counts: Counts{Total: len(skippedTests), Skipped: len(skippedTests)}}
	}

	// 6. Resolve secrets
	secretsFile, err := resolveSecretsFile(rc.SecretsPath, e.cfg.SecretsEnvOverridePath, bundleDir, e.cfg.WorkerSecretsDefault)
	if err != nil {
		return Outcome{Error: &BundleError{Stage: "secrets", Err: err}}
	}
	secrets := rc.Secrets
	if secrets == nil && secretsFile != "" {
		secrets, _ = secretstore.Load(secretsFile, e.cfg.SecretsPassphrase)
	}

	// 7. Per-test timeout budget
	perTestTimeout := time.Duration(math.Floor(float64(overallTimeout) * 0.9 / float64(len(tests))))

	// 8. Concurrency
	concurrency := computeConcurrency(rc.Limits.RequestedConcurrency, rc.Limits.MaxConcurrency, len(tests))

	// Optional network policy enforcement
	var enforcer *proxyEnforcer
	netPolicy := rc.NetworkPolicy
	if netPolicy == nil {
		netPolicy = e.cfg.DefaultNetworkPolicy
	}
	if netPolicy != nil || len(e.cfg.AllowNet) > 0 {
		policy := agent.NetworkPolicy{}
		if netPolicy != nil {
			policy = *netPolicy
		}
		enforcer, err = newProxyEnforcer(policy, e.cfg.AllowNet)
		if err != nil && e.cfg.Logger != nil {
			e.cfg.Logger.Warn("network policy enforcer failed to start", "err", err)
		}
		if enforcer != nil {
			defer enforcer.Close()
		}
	}

	var memLimit int64
	if rc.Limits.MemoryMb > 0 {
		memLimit = rc.Limits.MemoryMb * 1024 * 1024
	}
	if e.cfg.MaxMemoryBytes > 0 && (memLimit <= 0 || memLimit > e.cfg.MaxMemoryBytes) {
		memLimit = e.cfg.MaxMemoryBytes
	}

	results := e.runTests(rctx, tests, bundleDir, rc.Vars, secrets, perTestTimeout, concurrency, memLimit, enforcer)

	counts := Counts{Total: len(tests) + len(skippedTests), Skipped: len(skippedTests)}
	anyFailed := false
	for _, r := range results {
		switch {
		case r.skipped:
			counts.Skipped++
		case r.passed:
			counts.Passed++
		default:
			counts.Failed++
			anyFailed = true
		}
	}

	timedOut := rctx.Err() == context.DeadlineExceeded
	if enforcer != nil {
		if v := enforcer.Violation(); v != nil {
			return Outcome{Error: v, Counts: counts, TimedOut: timedOut}
		}
	}
	if timedOut {
		return Outcome{Error: ErrOverallTimeout, Counts: counts, TimedOut: true}
	}

	return Outcome{
		Success: !anyFailed,
		Counts:  counts,
	}
}

type testResult struct {
	passed  bool
	skipped bool

	// completed and assertFailed are tracked separately because the
	// child's result frame and its assert frames can arrive in either
	// order: a result{completed} must never erase an earlier
	// assert{passed:false} observation. passed is resolved from both
	// once the child has exited.
	completed    bool
	assertFailed bool

	// sawResult records whether the child emitted a result frame of its
	// own; when it didn't (timeout, memory kill, crash before reporting)
	// the executor synthesizes one so the server-seen stream always
	// carries a terminal result per test.
	sawResult bool
}

// runTests drives up to `concurrency` tests at once, emitting
// step_start/result events for each via e.sink, honoring fail-fast.
func (e *Executor) runTests(ctx context.Context, tests []agent.SelectedTest, bundleDir string, vars, secrets map[string]string, perTestTimeout time.Duration, concurrency int, memLimit int64, enforcer *proxyEnforcer) []testResult {
	results := make([]testResult, len(tests))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var cancelled atomic.Bool

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i, t := range tests {
		if cancelled.Load() {
			results[i] = testResult{skipped: true}
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, t agent.SelectedTest) {
			defer wg.Done()
			defer func() { <-sem }()

			if cctx.Err() != nil {
				results[i] = testResult{skipped: true}
				return
			}

			_ = e.runOneTest(cctx, t, bundleDir, vars, secrets, perTestTimeout, memLimit, enforcer, &results[i])

			if !results[i].passed && !results[i].skipped && e.cfg.FailFast {
				cancelled.Store(true)
				cancel()
			}
		}(i, t)
	}
	wg.Wait()
	return results
}

// runOneTest spawns and monitors a single test's child process,
// translating its timeline into pipeline events.
func (e *Executor) runOneTest(ctx context.Context, t agent.SelectedTest, bundleDir string, vars, secrets map[string]string, perTestTimeout time.Duration, memLimit int64, enforcer *proxyEnforcer, out *testResult) error {
	env := buildChildEnv(vars, secrets, e.cfg.MaskEnvPrefixes)
	if enforcer != nil {
		env = append(env, "HTTP_PROXY="+enforcer.Addr(), "HTTPS_PROXY="+enforcer.Addr())
	}
	env = append(env, "FLEETAGENT_TEST_EXPORT="+t.Export.ExportName, "FLEETAGENT_TEST_FILE="+t.FilePath)

	// A test's own declared timeout may tighten, never widen, the
	// derived per-test budget.
	timeout := perTestTimeout
	if t.Export.Timeout != nil && *t.Export.Timeout > 0 {
		if d := time.Duration(*t.Export.Timeout) * time.Millisecond; d < timeout {
			timeout = d
		}
	}

	stepIdx := 0
	started := time.Now()
	res := runChild(ctx, e.taskID, e.cfg.RunnerPath, []string{filepath.Join(bundleDir, t.FilePath)}, bundleDir, env, timeout, memLimit, e.cfg.MemoryCheckInterval, func(frame timelineFrame) {
		e.translate(ctx, t.Export.ID, frame, &stepIdx, out)
	})

	// A completed result never overrides an earlier failed assertion:
	// both must hold for the test to pass.
	out.passed = out.completed && !out.assertFailed

	if res.Killed != nil {
		e.synthesizeResult(ctx, t.Export.ID, out, started, res.Killed.Error(), false)
		return &ExecError{TestID: t.Export.ID, Err: res.Killed}
	}
	if res.TimedOut {
		out.passed = false
		e.synthesizeResult(ctx, t.Export.ID, out, started, "per-test timeout exceeded", true)
		return &ExecError{TestID: t.Export.ID, TimedOut: true, Err: res.ExitErr}
	}
	if res.ExitErr != nil && !out.passed {
		e.synthesizeResult(ctx, t.Export.ID, out, started, res.ExitErr.Error(), false)
		return &ExecError{TestID: t.Export.ID, Err: res.ExitErr}
	}
	e.synthesizeResult(ctx, t.Export.ID, out, started, "child exited without reporting a result", false)
	return nil
}

// synthesizeResult emits a failed result event for a test whose child
// never reported one, so every run's stream ends with a terminal
// result per test regardless of how the child died.
func (e *Executor) synthesizeResult(ctx context.Context, testID string, out *testResult, started time.Time, errMsg string, timedOut bool) {
	if out.sawResult {
		return
	}
	out.passed = false
	stepIdx := 0
	e.translate(ctx, testID, timelineFrame{
		Type: string(agent.EventResult),
		Payload: agent.MustPayload(agent.ResultPayload{
			Status:       agent.ResultFailed,
			DurationMs:   time.Since(started).Milliseconds(),
			ErrorMessage: errMsg,
			TimedOut:     timedOut,
		}),
	}, &stepIdx, out)
}

// translate maps one child timeline frame to a RunEvent and pushes it
// to the sink; result and assert frames additionally update out's
// completion/assertion state, resolved into out.passed once the child
// has exited.
func (e *Executor) translate(ctx context.Context, testID string, frame timelineFrame, stepIdx *int, out *testResult) {
	evType := agent.EventType(frame.Type)
	seq := atomic.AddInt64(&e.seq, 1)

	switch evType {
	case agent.EventResult:
		var p agent.ResultPayload
		_ = json.Unmarshal(frame.Payload, &p)
		out.sawResult = true
		out.completed = p.Status == agent.ResultCompleted
	case agent.EventAssert:
		var p agent.AssertPayload
		if err := json.Unmarshal(frame.Payload, &p); err == nil && !p.Passed {
			out.assertFailed = true
		}
	case agent.EventStepStart, agent.EventStepEnd:
		*stepIdx++
	}

	ev := agent.RunEvent{
		RunID:     e.runID,
		TaskID:    e.taskID,
		Seq:       seq,
		Ts:        time.Now().UTC(),
		Type:      evType,
		TestID:    testID,
		StepIndex: frame.StepIndex,
		Payload:   frame.Payload,
	}
	_ = e.sink.Push(ctx, ev)
}

func computeConcurrency(requested, max, n int) int {
	if requested < 1 {
		requested = 1
	}
	if max < 1 {
		max = 1
	}
	c := requested
	if c > max {
		c = max
	}
	if c > n {
		c = n
	}
	if c < 1 {
		c = 1
	}
	return c
}

// cleanup removes the task's working directory. Failure is logged,
// not swallowed, with a best-effort removal of the largest artifact.
func (e *Executor) cleanup(taskDir string) {
	if err := os.RemoveAll(taskDir); err != nil {
		if e.cfg.Logger != nil {
			e.cfg.Logger.Error("sandbox cleanup failed", "taskDir", taskDir, "err", err)
		}
		_ = os.Remove(filepath.Join(taskDir, "bundle.tar"))
	}
}

