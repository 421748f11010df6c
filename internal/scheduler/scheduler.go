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

// Package scheduler owns the worker's main claim loop: a bounded
// number of concurrent task-fibers, each with its own heartbeat
// renewal and sandboxed execution, plus daemon/job lifecycle exit
// conditions and a graceful drain on shutdown.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fleetagent/internal/classify"
	"fleetagent/internal/client"
	"fleetagent/internal/heartbeat"
	"fleetagent/internal/journal"
	"fleetagent/internal/metrics"
	"fleetagent/internal/pipeline"
	"fleetagent/internal/sandbox"
	"fleetagent/pkg/agent"
)

// Mode selects the scheduler's lifecycle semantics.
type Mode string

const (
	ModeDaemon Mode = "daemon"
	ModeJob    Mode = "job"
)

// Config controls the scheduler's loop.
type Config struct {
	WorkerID           string
	Tags               []string
	Mode               Mode
	MaxConcurrentTasks int
	LongPollMs         int64
	ClaimInterval      time.Duration

	// job-mode exit triggers
	IdleGrace         time.Duration
	MaxLifetime       time.Duration
	MaxTasksPerWorker int

	HeartbeatInterval time.Duration
	PipelineConfig    pipeline.Config
	SandboxConfig     sandbox.Config
	Logger            *slog.Logger

	// Journal records one row per task attempt locally. Nil disables
	// journaling entirely.
	Journal *journal.Journal
}

// withDefaults fills in unset fields. ClaimInterval is deliberately
// left alone: zero is a valid explicit value meaning the idle loop
// re-claims immediately instead of sleeping, and the configuration
// layer owns the default for an unset interval.
func (c Config) withDefaults() Config {
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.Mode == "" {
		c.Mode = ModeDaemon
	}
	return c
}

// Scheduler runs the worker's bounded-concurrency claim loop.
type Scheduler struct {
	cfg    Config
	client client.Client
	logger *slog.Logger

	sem chan struct{}

	startedAt  time.Time
	lastTaskAt atomic.Int64   // unix nano
	finished   atomic.Int64
	active     atomic.Int64   // number of task-fibers currently running
	activeWG   sync.WaitGroup
}

// New constructs a Scheduler.
func New(cl client.Client, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:    cfg,
		client: cl,
		logger: cfg.Logger,
		sem:    make(chan struct{}, cfg.MaxConcurrentTasks),
	}
	s.startedAt = time.Now()
	s.lastTaskAt.Store(s.startedAt.UnixNano())
	return s
}

// Run drives the claim loop until ctx is cancelled or, in job mode, a
// lifecycle exit condition is met. It blocks until all in-flight
// task-fibers have drained.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.activeWG.Wait()

	for {
		if ctx.Err() != nil {
			return
		}
		if s.cfg.Mode == ModeJob && s.shouldExit() {
			return
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		claimStart := time.Now()
		task, err := s.client.Claim(ctx, client.ClaimRequest{
			WorkerID:   s.cfg.WorkerID,
			Tags:       s.cfg.Tags,
			LongPollMs: s.cfg.LongPollMs,
		})
		if err != nil {
			metrics.ObserveClaim("error", time.Since(claimStart))
			<-s.sem
			if s.logger != nil {
				s.logger.Warn("claim failed", "err", err)
			}
			if !s.sleepOrDone(ctx, s.cfg.ClaimInterval) {
				return
			}
			continue
		}
		if task == nil {
			metrics.ObserveClaim("idle", time.Since(claimStart))
			<-s.sem
			if s.cfg.Mode == ModeJob && s.shouldExit() {
				return
			}
			if !s.sleepOrDone(ctx, s.cfg.ClaimInterval) {
				return
			}
			continue
		}
		metrics.ObserveClaim("task", time.Since(claimStart))

		s.lastTaskAt.Store(time.Now().UnixNano())
		s.active.Add(1)
		s.activeWG.Add(1)
		go func() {
			defer s.activeWG.Done()
			defer func() { <-s.sem }()
			defer s.active.Add(-1)
			s.runTask(ctx, *task)
			s.finished.Add(1)
			s.lastTaskAt.Store(time.Now().UnixNano())
		}()
	}
}

func (s *Scheduler) sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Scheduler) shouldExit() bool {
	if s.cfg.MaxTasksPerWorker > 0 && int(s.finished.Load()) >= s.cfg.MaxTasksPerWorker {
		return true
	}
	if s.cfg.MaxLifetime > 0 && time.Since(s.startedAt) > s.cfg.MaxLifetime {
		return true
	}
	if s.cfg.IdleGrace > 0 && s.active.Load() == 0 {
		last := time.Unix(0, s.lastTaskAt.Load())
		if time.Since(last) > s.cfg.IdleGrace {
			return true
		}
	}
	return false
}

// runTask owns one task-fiber end to end: fetch context, launch
// heartbeat + pipeline + executor, report the terminal outcome.
func (s *Scheduler) runTask(ctx context.Context, lease agent.TaskLease) {
	logger := s.logger
	if s.cfg.Journal != nil {
		if err := s.cfg.Journal.RecordStarted(ctx, lease); err != nil && logger != nil {
			logger.Warn("journal record started failed", "taskId", lease.TaskID, "err", err)
		}
	}
	hb := heartbeat.New(s.client, lease.TaskID, lease.LeaseToken, heartbeat.Config{
		Interval:        s.cfg.HeartbeatInterval,
		SystemInfoEvery: 4,
		SystemInfo:      heartbeat.CollectSystemInfo,
		Logger:          logger,
	})
	defer hb.Stop()

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-hb.Abort():
			cancel()
		case <-taskCtx.Done():
		}
	}()

	rc, err := s.client.GetContext(taskCtx, lease.TaskID, lease.LeaseToken)
	if err != nil {
		s.reportFail(ctx, lease, err)
		return
	}

	pl := pipeline.New(s.client, lease.TaskID, lease.LeaseToken, s.cfg.PipelineConfig, logger)
	defer pl.Close()

	exec := sandbox.New(s.cfg.SandboxConfig, pl, lease.TaskID, rc.RunID)
	startedAt := time.Now()
	outcome := exec.Run(taskCtx, rc)

	if aborted, abortErr := pl.Aborted(); aborted {
		s.reportFail(ctx, lease, abortErr)
		return
	}
	if err := pl.Flush(ctx); err != nil {
		s.reportFail(ctx, lease, err)
		return
	}

	if hbErr := hbAbortErr(hb); hbErr != nil {
		s.reportFail(ctx, lease, hbErr)
		return
	}

	if outcome.Error != nil {
		s.reportFail(ctx, lease, outcome.Error)
		return
	}

	status := agent.RunPassed
	if !outcome.Success {
		status = agent.RunFailed
	}
	metrics.ObserveTaskCompletion(string(status))
	if s.cfg.Journal != nil {
		if err := s.cfg.Journal.RecordCompleted(ctx, lease, status); err != nil && logger != nil {
			logger.Warn("journal record completed failed", "taskId", lease.TaskID, "err", err)
		}
	}
	summary := agent.RunSummary{
		TaskID:     lease.TaskID,
		RunID:      rc.RunID,
		Status:     status,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		DurationMs: time.Since(startedAt).Milliseconds(),
		Counts: agent.RunCounts{
			Tests:   outcome.Counts.Total,
			Passed:  outcome.Counts.Passed,
			Failed:  outcome.Counts.Failed,
			Skipped: outcome.Counts.Skipped,
			Events:  pl.StreamedCount(),
		},
	}
	if err := s.client.Complete(ctx, lease.TaskID, lease.LeaseToken, client.CompleteRequest{
		Summary:        summary,
		IdempotencyKey: lease.IdempotencyKey(),
	}); err != nil && logger != nil {
		logger.Error("complete call failed", "taskId", lease.TaskID, "err", err)
	}
}

func hbAbortErr(hb *heartbeat.Loop) error {
	select {
	case <-hb.Abort():
		return hb.AbortErr()
	default:
		return nil
	}
}

func (s *Scheduler) reportFail(ctx context.Context, lease agent.TaskLease, cause error) {
	class := classify.Classify(cause)
	metrics.ObserveTaskCompletion(string(class))
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	idempotencyKey := lease.FailIdempotencyKey()
	if s.cfg.Journal != nil {
		if err := s.cfg.Journal.RecordFailed(ctx, lease, class, msg, idempotencyKey); err != nil && s.logger != nil {
			s.logger.Warn("journal record failed failed", "taskId", lease.TaskID, "err", err)
		}
	}
	if err := s.client.Fail(ctx, lease.TaskID, lease.LeaseToken, client.FailRequest{
		FailureClass:   class,
		Message:        msg,
		IdempotencyKey: idempotencyKey,
	}); err != nil && s.logger != nil {
		s.logger.Error("fail call failed", "taskId", lease.TaskID, "err", err)
	}
}
