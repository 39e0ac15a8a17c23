package kored_test

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/korehq/kored"
	"github.com/korehq/kored/httputil"
	"github.com/korehq/kored/tlsutil"
)

type staticProbe struct {
	err error
}

func (p staticProbe) Check(ctx context.Context) error {
	return p.err
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot reserve port: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func proxyTestConfig(t *testing.T) *kored.Config {
	return &kored.Config{
		LogLevel:       "error",
		Bind:           freeAddr(t),
		GateBind:       freeAddr(t),
		WorkerTimeout:  2 * time.Second,
		HealthPath:     "/api/v1/health/",
		HealthInterval: time.Hour,
		HealthTimeout:  500 * time.Millisecond,
		HealthRetries:  3,
		HealthRecovery: 1,
	}
}

func startProxy(t *testing.T, cfg *kored.Config, gate *kored.HealthGate) context.CancelFunc {
	t.Helper()
	proxy, err := kored.NewGateProxy(cfg, gate, kored.GateProxyOptions{})
	if err != nil {
		t.Fatalf("cannot create proxy: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := proxy.Listen(ctx); err != nil {
			t.Errorf("proxy listen returned error: %v", err)
		}
	}()
	waitDialable(t, cfg.GateBind)
	return cancel
}

func waitDialable(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("nothing listening at %s", addr)
}

func getStatus(t *testing.T, url string) (int, string) {
	t.Helper()
	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("cannot read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestGateProxyForwardsWhileOpen(t *testing.T) {
	cfg := proxyTestConfig(t)
	stop, err := httputil.CreateTestBackend(cfg.UpstreamAddr(), "/api/v1/ping", "pong")
	if err != nil {
		t.Fatalf("cannot start backend: %v", err)
	}
	defer func() {
		_ = stop()
	}()

	gate := kored.NewHealthGate(cfg, kored.HealthGateOptions{Probe: staticProbe{}})
	cancel := startProxy(t, cfg, gate)
	defer cancel()

	code, body := getStatus(t, "http://"+cfg.GateBind+"/api/v1/ping")
	if code != http.StatusOK || body != "pong" {
		t.Errorf("expected 200 pong through the gate, got %d %q", code, body)
	}
}

func TestGateProxyRejectsWhileClosed(t *testing.T) {
	cfg := proxyTestConfig(t)
	stop, err := httputil.CreateTestBackend(cfg.UpstreamAddr(), "/api/v1/ping", "pong")
	if err != nil {
		t.Fatalf("cannot start backend: %v", err)
	}
	defer func() {
		_ = stop()
	}()

	gate := kored.NewHealthGate(cfg, kored.HealthGateOptions{Probe: staticProbe{}})
	cancel := startProxy(t, cfg, gate)
	defer cancel()

	// Drive the hysteresis over the closing threshold
	for i := 0; i < cfg.HealthRetries; i++ {
		gate.Observe(false)
	}

	code, body := getStatus(t, "http://"+cfg.GateBind+"/api/v1/ping")
	if code != http.StatusServiceUnavailable {
		t.Errorf("closed gate should answer 503, got %d %q", code, body)
	}

	// A single success reopens, traffic flows again
	gate.Observe(true)
	code, body = getStatus(t, "http://"+cfg.GateBind+"/api/v1/ping")
	if code != http.StatusOK || body != "pong" {
		t.Errorf("reopened gate should forward, got %d %q", code, body)
	}
}

func TestGateProxyBadGatewayWhenPoolUnreachable(t *testing.T) {
	cfg := proxyTestConfig(t)
	// Nothing bound on the upstream address

	gate := kored.NewHealthGate(cfg, kored.HealthGateOptions{Probe: staticProbe{}})
	cancel := startProxy(t, cfg, gate)
	defer cancel()

	code, _ := getStatus(t, "http://"+cfg.GateBind+"/api/v1/ping")
	if code != http.StatusBadGateway {
		t.Errorf("unreachable pool should answer 502, got %d", code)
	}
}

func TestGateProxyGatewayTimeoutOnStalledWorker(t *testing.T) {
	cfg := proxyTestConfig(t)
	cfg.WorkerTimeout = 200 * time.Millisecond

	// A worker that never answers inside the budget
	ln, err := net.Listen("tcp", cfg.UpstreamAddr())
	if err != nil {
		t.Fatalf("cannot bind stalled backend: %v", err)
	}
	defer func() {
		_ = ln.Close()
	}()
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		fmt.Fprint(w, "too late")
	})}
	go func() {
		_ = srv.Serve(ln)
	}()
	defer func() {
		_ = srv.Close()
	}()

	gate := kored.NewHealthGate(cfg, kored.HealthGateOptions{Probe: staticProbe{}})
	cancel := startProxy(t, cfg, gate)
	defer cancel()

	started := time.Now()
	code, _ := getStatus(t, "http://"+cfg.GateBind+"/api/v1/ping")
	if code != http.StatusGatewayTimeout {
		t.Errorf("stalled worker should turn into 504, got %d", code)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Errorf("timeout response took %s, budget was 200ms", elapsed)
	}
}

func TestGateProxyServesTLS(t *testing.T) {
	cfg := proxyTestConfig(t)
	certFile, keyFile, err := tlsutil.WriteSelfSigned(t.TempDir(), "127.0.0.1")
	if err != nil {
		t.Fatalf("cannot generate TLS material: %v", err)
	}
	cfg.TLS = kored.TLSMaterial{CertFile: certFile, KeyFile: keyFile, Version: "TLS"}

	stop, err := httputil.CreateTestBackend(cfg.UpstreamAddr(), "/api/v1/ping", "pong")
	if err != nil {
		t.Fatalf("cannot start backend: %v", err)
	}
	defer func() {
		_ = stop()
	}()

	gate := kored.NewHealthGate(cfg, kored.HealthGateOptions{Probe: staticProbe{}})
	cancel := startProxy(t, cfg, gate)
	defer cancel()

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
			DisableKeepAlives: true,
		},
	}
	resp, err := client.Get("https://" + cfg.GateBind + "/api/v1/ping")
	if err != nil {
		t.Fatalf("TLS request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "pong" {
		t.Errorf("expected 200 pong over TLS, got %d %q", resp.StatusCode, body)
	}
}
