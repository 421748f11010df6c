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

import "strings"

// sensitiveKeys are the exact (case-insensitive) key names redaction
// matches outright: the wire-level secrets bag, both of the worker's
// long-lived tokens, and the two auth headers it sends on every
// request.
var sensitiveKeys = map[string]struct{}{
	"secrets":       {},
	"password":      {},
	"token":         {},
	"leasetoken":    {},
	"workertoken":   {},
	"authorization": {},
	"apikey":        {},
	"secret":        {},
}

// sensitiveSubstrings catches every other shape a secret-bearing key
// takes in practice (snake_case, camelCase, header-case) without
// needing an exhaustive key list.
var sensitiveSubstrings = []string{"secret", "token", "apikey", "password"}

// isSensitiveKey reports whether name is a key that must never reach
// a log record or a submitted event unredacted.
func isSensitiveKey(name string) bool {
	lower := strings.ToLower(name)
	if _, ok := sensitiveKeys[lower]; ok {
		return true
	}
	for _, sub := range sensitiveSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// RedactMap returns a copy of data with every sensitive-shaped key
// (task vars, a decoded runtime-config blob) replaced by "[REDACTED]",
// walking nested maps recursively. Non-sensitive values, including
// nested non-map values, pass through unchanged.
func RedactMap(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}

	redacted := make(map[string]any, len(data))
	for k, v := range data {
		switch {
		case isSensitiveKey(k):
			redacted[k] = "[REDACTED]"
		default:
			if nested, ok := v.(map[string]any); ok {
				redacted[k] = RedactMap(nested)
			} else {
				redacted[k] = v
			}
		}
	}
	return redacted
}

// RedactHeaders returns a copy of headers with every sensitive header
// value replaced by "[REDACTED]", in particular the worker's
// Authorization and X-Lease-Token headers, which must never appear in
// a log line in any partial form.
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}

	redacted := make(map[string]string, len(headers))
	for k, v := range headers {
		if isSensitiveKey(k) {
			redacted[k] = "[REDACTED]"
		} else {
			redacted[k] = v
		}
	}
	return redacted
}
