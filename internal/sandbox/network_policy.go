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

package sandbox

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"fleetagent/pkg/agent"
)

// proxyEnforcer is a per-test forward proxy enforcing an
// agent.NetworkPolicy on every outbound request a child process
// issues through it. Children are pointed at the proxy via
// HTTP_PROXY/HTTPS_PROXY in their environment (see runOneTest).
type proxyEnforcer struct {
	policy   agent.NetworkPolicy
	allowNet []string
	srv      *http.Server
	addr     string

	mu        sync.Mutex
	totalReqs int
	inFlight  int
	violation *NetworkPolicyViolation
}

// newProxyEnforcer starts a loopback-only listener and returns the
// enforcer; Close shuts it down. A zero-value policy with an empty
// allowNet adds no host, port or budget limits, but sensitive
// hostnames and names that fail DNS checks are still rejected.
func newProxyEnforcer(policy agent.NetworkPolicy, allowNet []string) (*proxyEnforcer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	pe := &proxyEnforcer{policy: policy, allowNet: allowNet, addr: ln.Addr().String()}
	pe.srv = &http.Server{Handler: http.HandlerFunc(pe.handle)}
	go pe.srv.Serve(ln)
	return pe, nil
}

func (pe *proxyEnforcer) Addr() string { return pe.addr }

func (pe *proxyEnforcer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = pe.srv.Shutdown(ctx)
}

// Violation returns the first policy violation observed, if any.
func (pe *proxyEnforcer) Violation() *NetworkPolicyViolation {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.violation
}

func (pe *proxyEnforcer) recordViolation(v *NetworkPolicyViolation) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if pe.violation == nil {
		pe.violation = v
	}
}

func (pe *proxyEnforcer) handle(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Hostname()
	port := r.URL.Port()
	if port == "" {
		if r.URL.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	if v := pe.checkRequestBudget(); v != nil {
		pe.recordViolation(v)
		http.Error(w, v.Error(), http.StatusForbidden)
		return
	}
	defer pe.releaseInFlight()

	if v := checkDestination(host, port, pe.policy.AllowedPorts, pe.allowNet); v != nil {
		pe.recordViolation(v)
		http.Error(w, v.Error(), http.StatusForbidden)
		return
	}

	timeout := time.Duration(pe.policy.RequestTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""

	resp, err := client.Do(outReq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if pe.policy.MaxResponseBytes > 0 {
		body = io.LimitReader(resp.Body, pe.policy.MaxResponseBytes+1)
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, body)
	if pe.policy.MaxResponseBytes > 0 && n > pe.policy.MaxResponseBytes {
		pe.recordViolation(&NetworkPolicyViolation{Rule: "max_response_bytes", Detail: fmt.Sprintf("response exceeded %d bytes", pe.policy.MaxResponseBytes)})
	}
}

func (pe *proxyEnforcer) checkRequestBudget() *NetworkPolicyViolation {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if pe.policy.MaxRequests > 0 && pe.totalReqs >= pe.policy.MaxRequests {
		return &NetworkPolicyViolation{Rule: "max_requests", Detail: fmt.Sprintf("exceeded %d total requests", pe.policy.MaxRequests)}
	}
	if pe.policy.MaxConcurrentRequests > 0 && pe.inFlight >= pe.policy.MaxConcurrentRequests {
		return &NetworkPolicyViolation{Rule: "max_concurrent_requests", Detail: fmt.Sprintf("exceeded %d concurrent requests", pe.policy.MaxConcurrentRequests)}
	}
	pe.totalReqs++
	pe.inFlight++
	return nil
}

func (pe *proxyEnforcer) releaseInFlight() {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.inFlight--
}

// checkDestination enforces the host and port allow-lists and the
// DNS-rebinding defense: resolve host and reject if any resolved
// address is a loopback address the caller didn't intend to reach
// directly.
func checkDestination(host, port string, allowedPorts []int, allowNet []string) *NetworkPolicyViolation {
	if len(allowNet) > 0 {
		allowed := false
		for _, h := range allowNet {
			if h == host {
				allowed = true
				break
			}
		}
		if !allowed {
			return &NetworkPolicyViolation{Rule: "allow_net", Detail: fmt.Sprintf("host %q not in allow-list", host)}
		}
	}

	if len(allowedPorts) > 0 {
		p, err := strconv.Atoi(port)
		if err != nil {
			return &NetworkPolicyViolation{Rule: "allowed_ports", Detail: fmt.Sprintf("invalid port %q", port)}
		}
		allowed := false
		for _, ap := range allowedPorts {
			if ap == p {
				allowed = true
				break
			}
		}
		if !allowed {
			return &NetworkPolicyViolation{Rule: "allowed_ports", Detail: fmt.Sprintf("port %d not in allow-list", p)}
		}
	}

	if isSensitiveHostname(host) {
		return &NetworkPolicyViolation{Rule: "sensitive_hostname", Detail: host}
	}

	// A non-sensitive literal address can't be rebound; the DNS defense
	// below only applies to names. Loopback and link-local literals were
	// already rejected above.
	if net.ParseIP(host) != nil {
		return nil
	}

	addrs, err := net.LookupHost(host)
	if err != nil {
		// fail closed: a DNS failure is a violation, not a pass-through
		return &NetworkPolicyViolation{Rule: "dns_resolution", Detail: err.Error()}
	}
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip != nil && ip.IsLoopback() {
			return &NetworkPolicyViolation{Rule: "dns_rebinding", Detail: fmt.Sprintf("%s resolved to loopback address %s", host, a)}
		}
	}
	return nil
}

// isSensitiveHostname reports whether host names a destination user
// code must never reach: loopback (by name or literal address, the
// literal being the easier bypass of the two) and the link-local
// metadata range cloud providers serve credentials from.
func isSensitiveHostname(host string) bool {
	switch host {
	case "localhost", "metadata.google.internal":
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsLinkLocalUnicast()
	}
	return false
}
