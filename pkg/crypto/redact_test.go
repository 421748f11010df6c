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

package crypto

import "testing"

func TestIsSensitiveKey(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		expected bool
	}{
		{"secrets exact", "secrets", true},
		{"password exact", "password", true},
		{"token exact", "token", true},
		{"leaseToken", "leaseToken", true},
		{"workerToken", "workerToken", true},
		{"Authorization", "Authorization", true},
		{"apiKey", "apiKey", true},
		{"secret exact", "secret", true},
		{"webhook_secret substring", "webhook_secret", true},
		{"access_token substring", "access_token", true},
		{"X-Lease-Token header", "X-Lease-Token", true},
		{"user_password substring", "user_password", true},
		{"taskId not sensitive", "taskId", false},
		{"projectId not sensitive", "projectId", false},
		{"vars not sensitive", "vars", false},
		{"Content-Type not sensitive", "Content-Type", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSensitiveKey(tt.key); got != tt.expected {
				t.Errorf("isSensitiveKey(%q) = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestRedactHeaders(t *testing.T) {
	input := map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer wt-abc123",
		"X-Lease-Token": "lt-xyz789",
		"User-Agent":    "fleetagent/1.0",
	}

	result := RedactHeaders(input)

	if result["Content-Type"] != "application/json" {
		t.Error("Content-Type should not be redacted")
	}
	if result["User-Agent"] != "fleetagent/1.0" {
		t.Error("User-Agent should not be redacted")
	}
	if result["Authorization"] != "[REDACTED]" {
		t.Errorf("Authorization = %q, want [REDACTED]", result["Authorization"])
	}
	if result["X-Lease-Token"] != "[REDACTED]" {
		t.Errorf("X-Lease-Token = %q, want [REDACTED]", result["X-Lease-Token"])
	}

	if input["Authorization"] != "Bearer wt-abc123" {
		t.Error("original map should not be modified")
	}
}

func TestRedactHeadersNil(t *testing.T) {
	if got := RedactHeaders(nil); got != nil {
		t.Errorf("RedactHeaders(nil) = %v, want nil", got)
	}
}

func TestRedactMap(t *testing.T) {
	input := map[string]any{
		"taskId":         "t-1",
		"workerToken":    "wt-abc123",
		"projectId":      "p-1",
		"apiKey":         "key-12345",
		"vars": map[string]any{
			"CI":             "true",
			"webhook_secret": "nested-secret",
		},
	}

	result := RedactMap(input)

	if result["taskId"] != "t-1" {
		t.Error("taskId should not be redacted")
	}
	if result["projectId"] != "p-1" {
		t.Error("projectId should not be redacted")
	}
	if result["workerToken"] != "[REDACTED]" {
		t.Errorf("workerToken = %v, want [REDACTED]", result["workerToken"])
	}
	if result["apiKey"] != "[REDACTED]" {
		t.Errorf("apiKey = %v, want [REDACTED]", result["apiKey"])
	}

	vars, ok := result["vars"].(map[string]any)
	if !ok {
		t.Fatal("vars should remain a map")
	}
	if vars["CI"] != "true" {
		t.Error("nested CI should not be redacted")
	}
	if vars["webhook_secret"] != "[REDACTED]" {
		t.Errorf("nested webhook_secret = %v, want [REDACTED]", vars["webhook_secret"])
	}

	if input["workerToken"] != "wt-abc123" {
		t.Error("original map should not be modified")
	}
}

func TestRedactMapNil(t *testing.T) {
	if got := RedactMap(nil); got != nil {
		t.Errorf("RedactMap(nil) = %v, want nil", got)
	}
}
