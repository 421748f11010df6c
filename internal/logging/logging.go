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

// Package logging constructs the worker's structured slog.Logger and
// provides a redacting attribute helper so no log call site needs to
// remember to scrub a map of task vars or headers by hand.
package logging

import (
	"log/slog"
	"os"

	"fleetagent/pkg/crypto"
)

// New builds a JSON-to-stdout slog.Logger at the given level ("debug",
// "info", "warn", "error"; unrecognized values fall back to "info").
func New(level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedactedMap returns an slog.Attr wrapping data with every
// secret-shaped key replaced by "[REDACTED]". Use this
// any time a log call would otherwise attach a map[string]any payload
// (task vars, a decoded runtime-config blob) directly.
func RedactedMap(key string, data map[string]any) slog.Attr {
	return slog.Any(key, crypto.RedactMap(data))
}

// RedactedHeaders mirrors RedactedMap for string-valued HTTP headers.
func RedactedHeaders(key string, headers map[string]string) slog.Attr {
	return slog.Any(key, crypto.RedactHeaders(headers))
}
