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

// Package classify maps a task-fiber's terminal error into the
// server-facing failure taxonomy. It is a pure function: given the
// same error value it always returns the same class.
package classify

import (
	"errors"
	"syscall"

	"fleetagent/internal/client"
	"fleetagent/internal/heartbeat"
	"fleetagent/internal/monitor"
	"fleetagent/internal/pipeline"
	"fleetagent/internal/sandbox"
	"fleetagent/pkg/agent"
)

// Classify implements the FailureClassifier contract: EventFlushError
// and LeaseExpired/5xx map to infra_error, timeouts map to timeout,
// memory-monitor kills map to crash, connection-refused maps to
// infra_error, other 4xx maps to user_error, and everything else maps
// to crash.
func Classify(err error) agent.FailureClass {
	if err == nil {
		return agent.FailureInfraError
	}

	var flushErr *pipeline.FlushError
	if errors.As(err, &flushErr) {
		return agent.FailureInfraError
	}

	if errors.Is(err, heartbeat.ErrExhausted) {
		return agent.FailureInfraError
	}

	var clientErr *client.Error
	if errors.As(err, &clientErr) {
		switch {
		case clientErr.Kind == client.KindLeaseExpired:
			return agent.FailureInfraError
		case clientErr.Kind == client.KindHTTP && clientErr.Status >= 500:
			return agent.FailureInfraError
		case clientErr.Kind == client.KindTimeout:
			return agent.FailureTimeout
		case clientErr.Kind == client.KindHTTP && clientErr.Status >= 400:
			return agent.FailureUserError
		case clientErr.Kind == client.KindNetwork:
			return agent.FailureInfraError
		}
	}

	if errors.Is(err, sandbox.ErrOverallTimeout) {
		return agent.FailureTimeout
	}

	var execErr *sandbox.ExecError
	if errors.As(err, &execErr) && execErr.TimedOut {
		return agent.FailureTimeout
	}

	var memErr *monitor.MemoryLimitExceededError
	if errors.As(err, &memErr) {
		return agent.FailureCrash
	}

	var bundleErr *sandbox.BundleError
	if errors.As(err, &bundleErr) {
		return agent.FailureInfraError
	}

	var netPolicyErr *sandbox.NetworkPolicyViolation
	if errors.As(err, &netPolicyErr) {
		return agent.FailureUserError
	}

	if isConnRefused(err) {
		return agent.FailureInfraError
	}

	return agent.FailureCrash
}

// isConnRefused reports whether err wraps ECONNREFUSED, the one raw
// network errno the classifier maps to infra_error on its own; any
// other network failure falls through to the crash default.
func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
