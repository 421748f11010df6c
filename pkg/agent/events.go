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

import (
	"encoding/json"
	"time"
)

// EventType enumerates the kinds of timeline events a run produces.
// Payload is a type-tagged sum modeled as json.RawMessage so callers
// can switch exhaustively on Type before unmarshaling.
type EventType string

const (
	EventLog       EventType = "log"
	EventAssert    EventType = "assert"
	EventTrace     EventType = "trace"
	EventMetric    EventType = "metric"
	EventSummary   EventType = "summary"
	EventResult    EventType = "result"
	EventStepStart EventType = "step_start"
	EventStepEnd   EventType = "step_end"
	EventSystem    EventType = "system"
)

// RunEvent is one append-only element of a task's event stream. Seq is
// strictly increasing per task, starting at 1.
type RunEvent struct {
	RunID     string          `json:"runId"`
	TaskID    string          `json:"taskId"`
	Seq       int64           `json:"seq"`
	Ts        time.Time       `json:"ts"`
	Type      EventType       `json:"type"`
	TestID    string          `json:"testId,omitempty"`
	StepIndex *int            `json:"stepIndex,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// LogPayload is the Payload shape for EventLog.
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// AssertPayload is the Payload shape for EventAssert.
type AssertPayload struct {
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// ResultStatus is the terminal per-test outcome carried by EventResult.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

// ResultPayload is the Payload shape for EventResult.
type ResultPayload struct {
	Status       ResultStatus `json:"status"`
	DurationMs   int64        `json:"durationMs"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	TimedOut     bool         `json:"timedOut,omitempty"`
}

// MustPayload marshals v to json.RawMessage, panicking only on a
// programmer error (v not marshalable); callers pass static structs.
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic("agent: payload not marshalable: " + err.Error())
	}
	return b
}
