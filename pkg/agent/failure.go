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

package agent

// FailureClass is the closed taxonomy a failed task is mapped into
// before being reported to the control plane. Classification is pure
// and deterministic given the same inputs (see internal/classify).
type FailureClass string

const (
	// FailureTimeout covers both per-test and overall task timeouts.
	FailureTimeout FailureClass = "timeout"
	// FailureCrash covers a child process that exited on a signal or
	// with a non-zero code not attributable to an assertion failure.
	FailureCrash FailureClass = "crash"
	// FailureUserError covers assertion failures and other outcomes
	// the test author's own code produced deliberately.
	FailureUserError FailureClass = "user_error"
	// FailureInfraError covers everything the worker itself could not
	// recover from: download failures, checksum mismatches, malformed
	// bundles, control plane errors surviving retry.
	FailureInfraError FailureClass = "infra_error"
)
