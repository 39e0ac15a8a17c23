package libtests

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/korehq/kored"
	"github.com/korehq/kored/httputil"
	kt "github.com/korehq/kored/testing"
)

// Whole-coordinator flow against a live backend playing the worker pool:
// traffic passes while the pool answers its health endpoint, the gate
// closes after the retry budget when the pool dies, and a single healthy
// probe reopens it.

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

func flowConfig(t *testing.T) *kored.Config {
	return &kored.Config{
		LogLevel:        "error",
		Bind:            freeAddr(t),
		GateBind:        freeAddr(t),
		Workers:         2,
		WorkerTimeout:   2 * time.Second,
		StartupTimeout:  time.Second,
		RestartLimit:    3,
		RestartWindow:   time.Minute,
		GracefulTimeout: time.Second,
		HealthPath:      "/api/v1/health/",
		HealthInterval:  time.Hour, // probes driven manually below
		HealthTimeout:   200 * time.Millisecond,
		HealthRetries:   3,
		HealthRecovery:  1,
	}
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	client := &http.Client{
		Timeout:   3 * time.Second,
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

func waitReady(t *testing.T, sup *kored.Supervisor, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ready := 0
		for _, s := range sup.Snapshot() {
			if s.State == "ready" {
				ready++
			}
		}
		if ready == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pool never reached %d ready slots", want)
}

func TestGateFlowAcrossBackendOutage(t *testing.T) {
	cfg := flowConfig(t)

	// The backend stands in for the worker pool behind the shared socket
	stop, err := httputil.CreateTestBackend(cfg.UpstreamAddr(), "/api/v1/work", "done")
	if err != nil {
		t.Fatalf("cannot start backend: %v", err)
	}
	backendUp := true
	defer func() {
		if backendUp {
			_ = stop()
		}
	}()

	runner := kt.NewFakeRunner()
	runner.AutoReady = true
	runner.ExitOnSignal = true
	sup, err := kored.NewSupervisor(cfg, kored.SupervisorOptions{
		Runner:       runner,
		TickInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("cannot create supervisor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	supDone := make(chan error, 1)
	go func() {
		supDone <- sup.Start(ctx)
	}()
	waitReady(t, sup, cfg.Workers)

	gate := kored.NewHealthGate(cfg, kored.HealthGateOptions{})
	proxy, err := kored.NewGateProxy(cfg, gate, kored.GateProxyOptions{})
	if err != nil {
		t.Fatalf("cannot create proxy: %v", err)
	}
	proxyDone := make(chan error, 1)
	go func() {
		proxyDone <- proxy.Listen(ctx)
	}()

	probe := func() bool {
		req, _ := http.NewRequest(http.MethodGet, cfg.HealthURL(), nil)
		client := &http.Client{Timeout: cfg.HealthTimeout}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}

	waitDialable(t, cfg.GateBind)

	// Healthy pool, traffic flows
	gate.Observe(probe())
	code, body := get(t, "http://"+cfg.GateBind+"/api/v1/work")
	if code != http.StatusOK || body != "done" {
		t.Fatalf("expected 200 done through the gate, got %d %q", code, body)
	}

	// Pool goes away, the retry budget closes the gate
	_ = stop()
	backendUp = false
	for i := 0; i < cfg.HealthRetries; i++ {
		gate.Observe(probe())
	}
	if gate.Admitting() {
		t.Fatal("gate should be closed after the retry budget")
	}
	code, _ = get(t, "http://"+cfg.GateBind+"/api/v1/work")
	if code != http.StatusServiceUnavailable {
		t.Errorf("closed gate should answer 503, got %d", code)
	}

	// Pool comes back, one healthy probe reopens
	stop, err = httputil.CreateTestBackend(cfg.UpstreamAddr(), "/api/v1/work", "done")
	if err != nil {
		t.Fatalf("cannot restart backend: %v", err)
	}
	backendUp = true
	gate.Observe(probe())
	if !gate.Admitting() {
		t.Fatal("gate should reopen after one healthy probe")
	}
	code, body = get(t, "http://"+cfg.GateBind+"/api/v1/work")
	if code != http.StatusOK || body != "done" {
		t.Errorf("reopened gate should forward, got %d %q", code, body)
	}

	cancel()
	select {
	case err := <-supDone:
		if err != nil {
			t.Errorf("supervisor returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Error("supervisor did not stop")
	}
	select {
	case err := <-proxyDone:
		if err != nil {
			t.Errorf("proxy returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Error("proxy did not stop")
	}
	if live := runner.Live(); live != 0 {
		t.Errorf("expected zero worker processes after shutdown, got %d", live)
	}
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
