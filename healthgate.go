package kored

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Admission is the gate's view of the backend, Open admits traffic
type Admission int

const (
	AdmissionOpen Admission = iota
	AdmissionClosed
)

func (a Admission) String() string {
	if a == AdmissionClosed {
		return "closed"
	}
	return "open"
}

// HealthState accumulates consecutive probe outcomes, mutated only by the
// gate loop through GatePolicy.Step
type HealthState struct {
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
	Admission            Admission
	LastCheck            time.Time
}

// GatePolicy holds the hysteresis thresholds, CloseAfter consecutive
// failures shut the gate, ReopenAfter consecutive successes open it back.
// The defaults bias toward availability, slow to close and fast to reopen.
type GatePolicy struct {
	CloseAfter  int
	ReopenAfter int
}

// Step is the pure transition for one probe outcome
func (p GatePolicy) Step(state HealthState, ok bool, at time.Time) HealthState {
	next := state
	next.LastCheck = at
	if ok {
		next.ConsecutiveSuccesses++
		next.ConsecutiveFailures = 0
		if next.Admission == AdmissionClosed && next.ConsecutiveSuccesses >= p.ReopenAfter {
			next.Admission = AdmissionOpen
		}
	} else {
		next.ConsecutiveFailures++
		next.ConsecutiveSuccesses = 0
		if next.Admission == AdmissionOpen && next.ConsecutiveFailures >= p.CloseAfter {
			next.Admission = AdmissionClosed
		}
	}
	return next
}

type HealthGateOptions struct {
	Probe    Probe
	Interval time.Duration
	Policy   GatePolicy
	Logger   Logger
	Metrics  *Metrics
}

// HealthGate polls the worker pool's health endpoint on an interval and
// decides whether the front end may admit traffic
type HealthGate struct {
	probe     Probe
	interval  time.Duration
	policy    GatePolicy
	logger    Logger
	metrics   *Metrics
	admitting atomic.Bool

	mu    sync.Mutex
	state HealthState
}

func NewHealthGate(cfg *Config, opt HealthGateOptions) *HealthGate {
	probe := opt.Probe
	if probe == nil {
		probe = newHTTPProbe(cfg.HealthURL(), cfg.HealthTimeout)
	}
	interval := opt.Interval
	if interval == 0 {
		interval = cfg.HealthInterval
	}
	policy := opt.Policy
	if policy.CloseAfter == 0 {
		policy.CloseAfter = cfg.HealthRetries
	}
	if policy.ReopenAfter == 0 {
		policy.ReopenAfter = cfg.HealthRecovery
	}
	logger := opt.Logger
	if logger == nil {
		logger = newZeroLogForName("kored-gate", "", cfg.LogLevel)
	}
	hg := &HealthGate{
		probe:    probe,
		interval: interval,
		policy:   policy,
		logger:   logger,
		metrics:  opt.Metrics,
	}
	// Start admitting, the first probe round corrects the view if the
	// pool is not actually there
	hg.admitting.Store(true)
	hg.metrics.SetAdmission(AdmissionOpen)
	return hg
}

// Admitting is the request-admission read path, safe from any goroutine
func (hg *HealthGate) Admitting() bool {
	return hg.admitting.Load()
}

// State returns a copy of the current hysteresis counters
func (hg *HealthGate) State() HealthState {
	hg.mu.Lock()
	defer hg.mu.Unlock()
	return hg.state
}

// Run drives the probe loop until the context ends, one probe per tick,
// every blocking call bounded by the probe timeout
func (hg *HealthGate) Run(ctx context.Context) {
	ticker := time.NewTicker(hg.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hg.Observe(hg.check(ctx))
		}
	}
}

func (hg *HealthGate) check(ctx context.Context) bool {
	started := time.Now()
	err := hg.probe.Check(ctx)
	hg.metrics.ObserveProbe(time.Since(started), err == nil)
	if err != nil {
		hg.logger.Debug(fmt.Sprintf("health probe failed, error: %v", err))
	}
	return err == nil
}

// Observe feeds one probe outcome through the hysteresis machine
func (hg *HealthGate) Observe(ok bool) {
	hg.mu.Lock()
	prev := hg.state.Admission
	hg.state = hg.policy.Step(hg.state, ok, time.Now())
	next := hg.state.Admission
	hg.mu.Unlock()

	if next != prev {
		hg.admitting.Store(next == AdmissionOpen)
		hg.metrics.SetAdmission(next)
		if next == AdmissionClosed {
			hg.logger.Error(fmt.Sprintf("backend unhealthy after %d consecutive failures, gate closed", hg.policy.CloseAfter))
		} else {
			hg.logger.Info("backend recovered, gate reopened")
		}
	}
}

type httpProbe struct {
	url    string
	client *http.Client
}

func newHTTPProbe(url string, timeout time.Duration) *httpProbe {
	return &httpProbe{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Check counts any 2xx inside the probe timeout as success, everything
// else including refused connections and timeouts as failure
func (p *httpProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
