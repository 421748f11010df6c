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

// Package clienttest provides an in-memory fake control plane
// implementing client.Client, for use by tests of the scheduler,
// heartbeat loop, and pipeline without a real HTTP server.
package clienttest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetagent/internal/client"
	"fleetagent/pkg/agent"
)

// QueuedTask is a task the fake will hand out on the next Claim call.
type QueuedTask struct {
	Context     agent.RuntimeContext
	MaxAttempts int
}

// Fake is a minimal, goroutine-safe stand-in for the real control
// plane. Tests enqueue tasks with Enqueue and then exercise a
// scheduler/heartbeat/pipeline against it.
type Fake struct {
	mu sync.Mutex

	queue    []QueuedTask
	leases   map[string]*leaseState
	events   map[string][]agent.RunEvent
	outcomes map[string]Outcome

	// HeartbeatErr, when set, is returned by every Heartbeat call
	// until cleared, for simulating network partitions.
	HeartbeatErr error
	// ShouldCancel, when true, is returned on the next successful
	// heartbeat and then reset.
	ShouldCancel bool
}

type leaseState struct {
	lease   agent.TaskLease
	context agent.RuntimeContext
}

// Outcome is the terminal call (complete or fail) a task received.
type Outcome struct {
	Completed      bool
	Summary        agent.RunSummary
	FailureClass   agent.FailureClass
	Message        string
	IdempotencyKey string
}

func New() *Fake {
	return &Fake{
		leases:   map[string]*leaseState{},
		events:   map[string][]agent.RunEvent{},
		outcomes: map[string]Outcome{},
	}
}

// Enqueue adds a task to be returned by the next Claim call.
func (f *Fake) Enqueue(q QueuedTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, q)
}

// Events returns the events recorded for taskID, in submission order.
func (f *Fake) Events(taskID string) []agent.RunEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.RunEvent(nil), f.events[taskID]...)
}

// Outcome returns the terminal outcome recorded for taskID, if any.
func (f *Fake) Outcome(taskID string) (Outcome, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.outcomes[taskID]
	return o, ok
}

func (f *Fake) Claim(ctx context.Context, req client.ClaimRequest) (*agent.TaskLease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return nil, nil
	}
	q := f.queue[0]
	f.queue = f.queue[1:]

	taskID := q.Context.TaskID
	maxAttempts := q.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	lease := agent.TaskLease{
		TaskID:         taskID,
		LeaseID:        uuid.New().String(),
		LeaseToken:     uuid.New().String(),
		LeaseExpiresAt: time.Now().Add(5 * time.Minute),
		Attempt:        1,
		MaxAttempts:    maxAttempts,
	}
	f.leases[taskID] = &leaseState{lease: lease, context: q.Context}
	return &lease, nil
}

func (f *Fake) Heartbeat(ctx context.Context, taskID, leaseToken string, req client.HeartbeatRequest) (client.HeartbeatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HeartbeatErr != nil {
		return client.HeartbeatResponse{}, f.HeartbeatErr
	}
	ls, ok := f.leases[taskID]
	if !ok || ls.lease.LeaseToken != leaseToken {
		return client.HeartbeatResponse{}, &client.Error{Kind: client.KindLeaseExpired}
	}
	ls.lease.LeaseExpiresAt = time.Now().Add(5 * time.Minute)
	shouldCancel := f.ShouldCancel
	f.ShouldCancel = false
	return client.HeartbeatResponse{LeaseExpiresAt: ls.lease.LeaseExpiresAt, ShouldCancel: shouldCancel}, nil
}

func (f *Fake) GetContext(ctx context.Context, taskID, leaseToken string) (agent.RuntimeContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ls, ok := f.leases[taskID]
	if !ok || ls.lease.LeaseToken != leaseToken {
		return agent.RuntimeContext{}, &client.Error{Kind: client.KindLeaseExpired}
	}
	return ls.context, nil
}

func (f *Fake) SubmitEvents(ctx context.Context, taskID, leaseToken string, events []agent.RunEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ls, ok := f.leases[taskID]
	if !ok || ls.lease.LeaseToken != leaseToken {
		return &client.Error{Kind: client.KindLeaseExpired}
	}
	f.events[taskID] = append(f.events[taskID], events...)
	return nil
}

func (f *Fake) Complete(ctx context.Context, taskID, leaseToken string, req client.CompleteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.leases[taskID]; !ok {
		return &client.Error{Kind: client.KindLeaseExpired}
	}
	f.outcomes[taskID] = Outcome{Completed: true, Summary: req.Summary, IdempotencyKey: req.IdempotencyKey}
	delete(f.leases, taskID)
	return nil
}

func (f *Fake) Fail(ctx context.Context, taskID, leaseToken string, req client.FailRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[taskID] = Outcome{
		FailureClass:   req.FailureClass,
		Message:        req.Message,
		IdempotencyKey: req.IdempotencyKey,
	}
	delete(f.leases, taskID)
	return nil
}

var _ client.Client = (*Fake)(nil)
