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

package client

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// retryPolicy is the full-jitter exponential backoff curve shared by
// every retryable endpoint: base = min(2^(n-1)*1s, 10s), jitter in
// [0, 0.5*base].
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitterFrac  float64
	opLabel     string
}

func newRetryPolicy(opLabel string, maxAttempts int) retryPolicy {
	return retryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   1 * time.Second,
		maxDelay:    10 * time.Second,
		jitterFrac:  0.5,
		opLabel:     opLabel,
	}
}

// backoffFor returns the sleep duration before attempt n (1-based, the
// delay that precedes attempt n+1).
func backoffFor(p retryPolicy, n int) time.Duration {
	exp := n - 1
	if exp > 10 {
		exp = 10
	}
	backoff := p.baseDelay * (1 << exp)
	if backoff > p.maxDelay {
		backoff = p.maxDelay
	}
	jitter := time.Duration(rand.Float64() * p.jitterFrac * float64(backoff))
	return backoff + jitter
}

// doWithRetry executes fn, retrying on transient failures per p. fn
// returns the parsed HTTP status code alongside its error so the
// caller doesn't need to unpack *http.Response itself.
func doWithRetry(ctx context.Context, logger *slog.Logger, p retryPolicy, fn func(context.Context) (int, error)) error {
	if p.maxAttempts <= 0 {
		p.maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		status, err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableErr(err, status) {
			return err
		}
		if attempt == p.maxAttempts {
			break
		}
		sleep := backoffFor(p, attempt)
		if logger != nil {
			logger.Debug("client retry", "op", p.opLabel, "attempt", attempt, "sleep", sleep, "status", status, "err", err)
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// isRetryableErr reports whether status/err indicates a transient
// failure worth retrying. 4xx other than 408/429 is never retryable.
func isRetryableErr(err error, status int) bool {
	if status >= 400 && status < 500 {
		return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
	}
	if status >= 500 {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return status == 0
}
