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
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"fleetagent/pkg/agent"
)

func TestProxyEnforcerRejectsLoopbackDestination(t *testing.T) {
	var upstreamHits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	pe, err := newProxyEnforcer(agent.NetworkPolicy{}, nil)
	if err != nil {
		t.Fatalf("newProxyEnforcer: %v", err)
	}
	defer pe.Close()

	// The httptest upstream listens on 127.0.0.1: the literal-loopback
	// destination must be refused without the upstream ever being hit.
	resp := proxyGet(t, pe.Addr(), upstream.URL)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
	v := pe.Violation()
	if v == nil || v.Rule != "sensitive_hostname" {
		t.Errorf("expected sensitive_hostname violation, got %v", v)
	}
	if n := upstreamHits.Load(); n != 0 {
		t.Errorf("loopback upstream was reached %d times", n)
	}
}

func TestProxyEnforcerForwardsToNonLoopbackDestination(t *testing.T) {
	ip := nonLoopbackIPv4(t)
	ln, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
	if err != nil {
		t.Skipf("cannot listen on %s: %v", ip, err)
	}
	upstream := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	upstream.Listener.Close()
	upstream.Listener = ln
	upstream.Start()
	defer upstream.Close()

	pe, err := newProxyEnforcer(agent.NetworkPolicy{}, nil)
	if err != nil {
		t.Fatalf("newProxyEnforcer: %v", err)
	}
	defer pe.Close()

	resp := proxyGet(t, pe.Addr(), upstream.URL)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if pe.Violation() != nil {
		t.Errorf("expected no violation, got %v", pe.Violation())
	}
}

func TestCheckRequestBudgetMaxRequests(t *testing.T) {
	pe := &proxyEnforcer{policy: agent.NetworkPolicy{MaxRequests: 1}}
	if v := pe.checkRequestBudget(); v != nil {
		t.Fatalf("first request rejected: %v", v)
	}
	pe.releaseInFlight()
	v := pe.checkRequestBudget()
	if v == nil || v.Rule != "max_requests" {
		t.Errorf("expected max_requests violation on the 2nd request, got %v", v)
	}
}

func TestCheckRequestBudgetMaxConcurrentRequests(t *testing.T) {
	pe := &proxyEnforcer{policy: agent.NetworkPolicy{MaxConcurrentRequests: 1}}
	if v := pe.checkRequestBudget(); v != nil {
		t.Fatalf("first request rejected: %v", v)
	}
	// Second request while the first is still in flight.
	v := pe.checkRequestBudget()
	if v == nil || v.Rule != "max_concurrent_requests" {
		t.Errorf("expected max_concurrent_requests violation, got %v", v)
	}
}

func TestCheckDestinationAllowedPorts(t *testing.T) {
	if v := checkDestination("203.0.113.7", "80", []int{443}, nil); v == nil || v.Rule != "allowed_ports" {
		t.Errorf("expected allowed_ports violation, got %v", v)
	}
	if v := checkDestination("203.0.113.7", "443", []int{443}, nil); v != nil {
		t.Errorf("expected allowed port to pass, got %v", v)
	}
}

func TestCheckDestinationAllowNet(t *testing.T) {
	if v := checkDestination("evil.test", "80", nil, []string{"api.test"}); v == nil || v.Rule != "allow_net" {
		t.Errorf("expected allow_net violation, got %v", v)
	}
	if v := checkDestination("203.0.113.7", "80", nil, []string{"203.0.113.7"}); v != nil {
		t.Errorf("expected allow-listed host to pass, got %v", v)
	}
}

func TestCheckDestinationRejectsLoopbackLiterals(t *testing.T) {
	for _, host := range []string{"127.0.0.1", "127.8.8.8", "::1"} {
		v := checkDestination(host, "80", nil, nil)
		if v == nil || v.Rule != "sensitive_hostname" {
			t.Errorf("checkDestination(%q): expected sensitive_hostname violation, got %v", host, v)
		}
	}
}

func TestIsSensitiveHostname(t *testing.T) {
	cases := map[string]bool{
		"localhost":                true,
		"metadata.google.internal": true,
		"169.254.169.254":          true,
		"127.0.0.1":                true,
		"127.8.8.8":                true,
		"::1":                      true,
		"203.0.113.7":              false,
		"example.test":             false,
	}
	for host, want := range cases {
		if got := isSensitiveHostname(host); got != want {
			t.Errorf("isSensitiveHostname(%q) = %v, want %v", host, got, want)
		}
	}
}

// nonLoopbackIPv4 returns an IPv4 address of a local non-loopback
// interface, or skips the test when the host has none to bind to.
func nonLoopbackIPv4(t *testing.T) string {
	t.Helper()
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		t.Skipf("InterfaceAddrs: %v", err)
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipn.IP.To4()
		if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
			continue
		}
		return ip.String()
	}
	t.Skip("no non-loopback IPv4 interface available")
	return ""
}

// proxyGet issues a GET through the proxy at proxyAddr to targetURL,
// mimicking how an HTTP_PROXY-configured client would route the call.
func proxyGet(t *testing.T, proxyAddr, targetURL string) *http.Response {
	t.Helper()
	proxyURL, err := url.Parse("http://" + proxyAddr)
	if err != nil {
		t.Fatalf("parse proxy addr: %v", err)
	}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	resp, err := client.Get(targetURL)
	if err != nil {
		t.Fatalf("proxy request: %v", err)
	}
	defer resp.Body.Close()
	return resp
}
