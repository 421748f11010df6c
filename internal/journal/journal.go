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

// Package journal is the worker's local forensic history: one row per
// task attempt, recorded independently of whatever the control plane
// believes, so an operator can reconstruct what a worker actually did
// after the fact even if a Complete/Fail call never reached the server.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"fleetagent/pkg/agent"
)

// Journal wraps a local SQLite database recording task attempts.
type Journal struct {
	conn *sql.DB
}

// Open creates or opens the journal database at path and runs
// migrations. path may be ":memory:" for tests.
func Open(path string) (*Journal, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("journal: ping %s: %w", path, err)
	}
	j := &Journal{conn: conn}
	if err := j.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.conn.Close()
}

func (j *Journal) migrate(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS attempts (
		task_id TEXT NOT NULL,
		lease_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		failure_class TEXT,
		message TEXT,
		idempotency_key TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		PRIMARY KEY (task_id, attempt)
	)`
	_, err := j.conn.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	_, err = j.conn.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_attempts_status ON attempts(status)`)
	if err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// RecordStarted inserts a row for a newly claimed attempt. Re-claiming
// the same (taskID, attempt) pair overwrites the prior row, matching
// the lease protocol's own at-least-once delivery.
func (j *Journal) RecordStarted(ctx context.Context, lease agent.TaskLease) error {
	_, err := j.conn.ExecContext(ctx, `
		INSERT INTO attempts (task_id, lease_id, attempt, status, started_at)
		VALUES (?, ?, ?, 'running', ?)
		ON CONFLICT(task_id, attempt) DO UPDATE SET
			lease_id=excluded.lease_id,
			status='running',
			started_at=excluded.started_at,
			finished_at=NULL,
			failure_class=NULL,
			message=NULL,
			idempotency_key=NULL
	`, lease.TaskID, lease.LeaseID, lease.Attempt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("journal: record started: %w", err)
	}
	return nil
}

// RecordCompleted marks an attempt passed or failed with no
// classifiable infrastructure cause (a normal test outcome).
func (j *Journal) RecordCompleted(ctx context.Context, lease agent.TaskLease, status agent.RunStatus) error {
	_, err := j.conn.ExecContext(ctx, `
		UPDATE attempts SET status = ?, finished_at = ?
		WHERE task_id = ? AND attempt = ?
	`, string(status), time.Now().UTC(), lease.TaskID, lease.Attempt)
	if err != nil {
		return fmt.Errorf("journal: record completed: %w", err)
	}
	return nil
}

// RecordFailed marks an attempt failed with a classified cause and the
// idempotency key used on the Fail call, so a later audit can confirm
// the key sent to the control plane matches what was journaled here.
func (j *Journal) RecordFailed(ctx context.Context, lease agent.TaskLease, class agent.FailureClass, message, idempotencyKey string) error {
	_, err := j.conn.ExecContext(ctx, `
		UPDATE attempts SET status = 'failed', failure_class = ?, message = ?, idempotency_key = ?, finished_at = ?
		WHERE task_id = ? AND attempt = ?
	`, string(class), message, idempotencyKey, time.Now().UTC(), lease.TaskID, lease.Attempt)
	if err != nil {
		return fmt.Errorf("journal: record failed: %w", err)
	}
	return nil
}

// Attempt is one journaled row, used by Recent for forensic inspection.
type Attempt struct {
	TaskID         string
	LeaseID        string
	Attempt        int
	Status         string
	FailureClass   string
	Message        string
	IdempotencyKey string
	StartedAt      time.Time
	FinishedAt     sql.NullTime
}

// Recent returns the most recently started attempts, newest first,
// capped at limit rows.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.conn.QueryContext(ctx, `
		SELECT task_id, lease_id, attempt, status, COALESCE(failure_class, ''), COALESCE(message, ''),
		       COALESCE(idempotency_key, ''), started_at, finished_at
		FROM attempts ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.TaskID, &a.LeaseID, &a.Attempt, &a.Status, &a.FailureClass, &a.Message,
			&a.IdempotencyKey, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountByStatus returns the number of journaled attempts in a given
// terminal status, used by operators to spot-check drift against the
// control plane's own view.
func (j *Journal) CountByStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := j.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM attempts WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("journal: count: %w", err)
	}
	return n, nil
}
