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

// Package pipeline buffers a task's RunEvents in order and drains them
// to the control plane on a timer and on threshold, applying
// backpressure when the buffer nears its cap and aborting the task
// when the control plane stays unreachable for too long.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"fleetagent/internal/metrics"
	"fleetagent/pkg/agent"
)

// FlushError is raised when the pipeline gives up submitting events
// because the control plane rejected maxConsecutiveFailures
// submissions in a row. A buffer that stays at capacity does not
// raise one: Push keeps waiting until space frees up or ctx ends.
type FlushError struct {
	Reason string
	Err    error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Reason, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// Submitter is the subset of client.Client the pipeline depends on.
type Submitter interface {
	SubmitEvents(ctx context.Context, taskID, leaseToken string, events []agent.RunEvent) error
}

// Config tunes the pipeline's buffering and backpressure behavior.
// Zero values are replaced with the documented defaults.
type Config struct {
	FlushEvery             time.Duration
	FlushMaxBuffer         int
	MaxBuffer              int
	MaxConsecutiveFailures int
	BackpressureWait       time.Duration
}

func (c Config) withDefaults() Config {
	if c.FlushEvery <= 0 {
		c.FlushEvery = time.Second
	}
	if c.FlushMaxBuffer <= 0 {
		c.FlushMaxBuffer = 50
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = 10000
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.BackpressureWait <= 0 {
		c.BackpressureWait = 100 * time.Millisecond
	}
	return c
}

func (c Config) highWater() int {
	return int(0.9 * float64(c.MaxBuffer))
}

// Pipeline is the EventPipeline for a single task's run. It is not
// safe for use after Close.
type Pipeline struct {
	cfg        Config
	client     Submitter
	taskID     string
	leaseToken string
	logger     *slog.Logger

	mu                  sync.Mutex
	buffer              []agent.RunEvent
	streamedCount       int64
	consecutiveFailures int
	flushing            bool
	aborted             bool
	abortErr            error

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Pipeline for one task and starts its periodic
// flush timer. Call Close when the task-fiber exits.
func New(cl Submitter, taskID, leaseToken string, cfg Config, logger *slog.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	p := &Pipeline{
		cfg:        cfg,
		client:     cl,
		taskID:     taskID,
		leaseToken: leaseToken,
		logger:     logger,
		ticker:     time.NewTicker(cfg.FlushEvery),
		done:       make(chan struct{}),
	}
	p.wg.Add(1)
	go p.tickLoop()
	return p
}

func (p *Pipeline) tickLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			p.flush(context.Background())
		}
	}
}

// Close stops the periodic timer. It does not flush; callers must
// call Flush explicitly before Close on the success path.
func (p *Pipeline) Close() {
	p.ticker.Stop()
	close(p.done)
	p.wg.Wait()
}

// Aborted reports whether the pipeline gave up, and the reason.
func (p *Pipeline) Aborted() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborted, p.abortErr
}

// StreamedCount returns the number of events acknowledged so far.
func (p *Pipeline) StreamedCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamedCount
}

// Push appends event to the buffer, applying backpressure if the
// buffer is at capacity and triggering an opportunistic flush once
// the threshold is crossed.
func (p *Pipeline) Push(ctx context.Context, event agent.RunEvent) error {
	p.mu.Lock()
	if p.aborted {
		err := p.abortErr
		p.mu.Unlock()
		return err
	}
	full := len(p.buffer) >= p.cfg.MaxBuffer
	p.mu.Unlock()

	if full {
		for {
			p.flush(ctx)
			p.mu.Lock()
			n := len(p.buffer)
			aborted := p.aborted
			p.mu.Unlock()
			if aborted {
				p.mu.Lock()
				err := p.abortErr
				p.mu.Unlock()
				return err
			}
			if n < p.cfg.highWater() {
				break
			}
			waitStart := time.Now()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.BackpressureWait):
			}
			metrics.ObserveBackpressureWait(time.Since(waitStart))
			p.mu.Lock()
			stillFull := len(p.buffer) >= p.cfg.MaxBuffer
			p.mu.Unlock()
			if !stillFull {
				break
			}
		}
	}

	p.mu.Lock()
	p.buffer = append(p.buffer, event)
	triggerFlush := len(p.buffer) >= p.cfg.FlushMaxBuffer
	p.mu.Unlock()

	if triggerFlush {
		go p.flush(context.Background())
	}
	return nil
}

// Flush forces an immediate synchronous flush; used on the terminal
// success path before reporting complete.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.flush(ctx)
	if aborted, err := p.Aborted(); aborted {
		return err
	}
	return nil
}

// flush implements the single-flight drain-and-submit algorithm.
func (p *Pipeline) flush(ctx context.Context) {
	p.mu.Lock()
	if p.flushing || len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.buffer
	p.buffer = nil
	p.flushing = true
	p.mu.Unlock()

	for {
		flushStart := time.Now()
		err := p.client.SubmitEvents(ctx, p.taskID, p.leaseToken, batch)
		metrics.ObserveEventFlush(time.Since(flushStart), len(batch))
		if err == nil {
			p.mu.Lock()
			p.streamedCount += int64(len(batch))
			p.consecutiveFailures = 0
			p.flushing = false
			p.mu.Unlock()
			return
		}

		p.mu.Lock()
		p.consecutiveFailures++
		exhausted := p.consecutiveFailures >= p.cfg.MaxConsecutiveFailures
		attempt := p.consecutiveFailures
		p.mu.Unlock()

		if exhausted {
			p.mu.Lock()
			p.buffer = append(batch, p.buffer...)
			p.flushing = false
			p.aborted = true
			p.abortErr = &FlushError{Reason: "consecutive submit failures exhausted", Err: err}
			abortErr := p.abortErr
			p.mu.Unlock()
			if p.logger != nil {
				p.logger.Error("pipeline aborting", "taskId", p.taskID, "err", abortErr)
			}
			return
		}

		sleep := backoffFor(attempt)
		if p.logger != nil {
			p.logger.Debug("pipeline flush retry", "taskId", p.taskID, "attempt", attempt, "sleep", sleep, "err", err)
		}
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.buffer = append(batch, p.buffer...)
			p.flushing = false
			p.mu.Unlock()
			return
		case <-time.After(sleep):
		}
	}
}

// backoffFor mirrors internal/client's retry curve: full-jitter
// exponential, base = min(2^(n-1)*1s, 10s), jitter in [0, 0.5*base].
func backoffFor(n int) time.Duration {
	exp := n - 1
	if exp > 10 {
		exp = 10
	}
	base := time.Second * time.Duration(1<<exp)
	if base > 10*time.Second {
		base = 10 * time.Second
	}
	jitter := time.Duration(rand.Float64() * 0.5 * float64(base))
	return base + jitter
}
