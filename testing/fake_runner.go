package testing

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/korehq/kored"
)

// FakeHandle is an in-memory kored.ProcessHandle for supervisor tests,
// lifecycle events are driven by the test instead of a real process
type FakeHandle struct {
	Slot         int
	ExitOnSignal bool

	pid    int
	events chan kored.WorkerEvent
	done   chan kored.ExitStatus

	mu      sync.Mutex
	exited  bool
	signals []os.Signal
}

func (h *FakeHandle) Pid() int {
	return h.pid
}

func (h *FakeHandle) Events() <-chan kored.WorkerEvent {
	return h.events
}

func (h *FakeHandle) Done() <-chan kored.ExitStatus {
	return h.done
}

func (h *FakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	exitOnSignal := h.ExitOnSignal && sig == syscall.SIGTERM
	h.mu.Unlock()
	if exitOnSignal {
		h.Exit(0, nil)
	}
	return nil
}

func (h *FakeHandle) Kill() error {
	h.Exit(-1, fmt.Errorf("killed"))
	return nil
}

// Ready, Busy and Idle emit worker notifications toward the supervisor
func (h *FakeHandle) Ready() { h.emit(kored.EventReady) }
func (h *FakeHandle) Busy()  { h.emit(kored.EventBusy) }
func (h *FakeHandle) Idle()  { h.emit(kored.EventIdle) }

func (h *FakeHandle) emit(ev kored.WorkerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.events <- ev
}

// Exit terminates the fake process exactly once
func (h *FakeHandle) Exit(code int, err error) {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	h.exited = true
	h.mu.Unlock()
	close(h.events)
	h.done <- kored.ExitStatus{Code: code, Err: err}
	close(h.done)
}

func (h *FakeHandle) Exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exited
}

func (h *FakeHandle) Signals() []os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]os.Signal, len(h.signals))
	copy(out, h.signals)
	return out
}

// FakeRunner hands out FakeHandles and lets the test observe every spawn
type FakeRunner struct {
	// AutoReady makes every spawned worker announce readiness at once
	AutoReady bool
	// ExitOnSignal makes workers exit cleanly on SIGTERM
	ExitOnSignal bool

	mu         sync.Mutex
	failSpawns int
	nextPid    int
	handles    []*FakeHandle
	spawned    chan *FakeHandle
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{spawned: make(chan *FakeHandle, 64)}
}

// FailNextSpawns makes the next n Spawn calls return an error
func (r *FakeRunner) FailNextSpawns(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSpawns = n
}

func (r *FakeRunner) Spawn(ctx context.Context, slotID int) (kored.ProcessHandle, error) {
	r.mu.Lock()
	if r.failSpawns > 0 {
		r.failSpawns--
		r.mu.Unlock()
		return nil, fmt.Errorf("spawn refused")
	}
	r.nextPid++
	h := &FakeHandle{
		Slot:         slotID,
		ExitOnSignal: r.ExitOnSignal,
		pid:          1000 + r.nextPid,
		events:       make(chan kored.WorkerEvent, 8),
		done:         make(chan kored.ExitStatus, 1),
	}
	r.handles = append(r.handles, h)
	r.mu.Unlock()

	if r.AutoReady {
		h.Ready()
	}
	r.spawned <- h
	return h, nil
}

// Spawned delivers handles in spawn order
func (r *FakeRunner) Spawned() <-chan *FakeHandle {
	return r.spawned
}

// Live counts fake processes that have not exited
func (r *FakeRunner) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.handles {
		if !h.Exited() {
			n++
		}
	}
	return n
}

// Handles returns every handle spawned so far
func (r *FakeRunner) Handles() []*FakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*FakeHandle, len(r.handles))
	copy(out, r.handles)
	return out
}
