package kored

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTickInterval = 200 * time.Millisecond
	defaultBackoffSeed  = time.Second
	defaultBackoffCap   = 30 * time.Second
)

type SupervisorOptions struct {
	// Runner overrides process spawning, nil binds the shared socket and
	// spawns real worker processes from Config.WorkerCommand
	Runner  ProcessRunner
	Logger  Logger
	Metrics *Metrics
	// Timing knobs, zero values take the defaults
	TickInterval time.Duration
	BackoffSeed  time.Duration
	BackoffCap   time.Duration
}

// Supervisor keeps exactly Config.Workers live worker slots on one shared
// listening socket, restarting crashed slots with backoff up to the
// sliding-window ceiling. All slot mutation happens on the control loop.
type Supervisor struct {
	id       string
	cfg      *Config
	runner   ProcessRunner
	logger   Logger
	metrics  *Metrics
	listener *net.TCPListener
	ledger   *restartLedger
	events   chan slotEvent

	tick        time.Duration
	backoffSeed time.Duration
	backoffCap  time.Duration

	mu    sync.RWMutex
	slots []*WorkerSlot
}

type slotEvent struct {
	slot  int
	gen   int
	event WorkerEvent
	exit  *ExitStatus
}

func NewSupervisor(cfg *Config, opt SupervisorOptions) (*Supervisor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("missing parameter cfg")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("gen id failed")
	}
	logger := opt.Logger
	if logger == nil {
		logger = newZeroLogForName("kored-supervisor", id.String(), cfg.LogLevel)
	}
	tick := opt.TickInterval
	if tick == 0 {
		tick = defaultTickInterval
	}
	seed := opt.BackoffSeed
	if seed == 0 {
		seed = defaultBackoffSeed
	}
	ceiling := opt.BackoffCap
	if ceiling == 0 {
		ceiling = defaultBackoffCap
	}
	return &Supervisor{
		id:          id.String(),
		cfg:         cfg,
		runner:      opt.Runner,
		logger:      logger,
		metrics:     opt.Metrics,
		ledger:      newRestartLedger(cfg.RestartWindow),
		events:      make(chan slotEvent, cfg.Workers*8+16),
		tick:        tick,
		backoffSeed: seed,
		backoffCap:  ceiling,
	}, nil
}

// Start binds the shared socket when running real workers, spawns the
// whole pool and blocks on the control loop until the context ends, then
// shuts down within the configured grace period.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.runner == nil {
		addr, err := net.ResolveTCPAddr("tcp", s.cfg.Bind)
		if err != nil {
			return fmt.Errorf("invalid bind address %s, error: %w", s.cfg.Bind, err)
		}
		ln, err := net.ListenTCP("tcp", addr)
		if err != nil {
			return fmt.Errorf("cannot bind shared socket %s, error: %w", s.cfg.Bind, err)
		}
		s.listener = ln
		s.runner = &ExecRunner{Command: s.cfg.WorkerCommand, Listener: ln, Logger: s.logger}
		s.logger.Info(fmt.Sprintf("shared socket bound at %s", s.cfg.Bind))
	}

	s.mu.Lock()
	s.slots = make([]*WorkerSlot, s.cfg.Workers)
	now := time.Now()
	for i := range s.slots {
		slot := &WorkerSlot{id: i}
		s.slots[i] = slot
		if err := s.spawn(ctx, slot); err != nil {
			s.logger.Error(fmt.Sprintf("slot %d failed to spawn, error: %v", i, err))
			slot.state = SlotCrashed
			slot.spawnDue = now.Add(s.backoffSeed)
			slot.backoff = s.backoffSeed * 2
		}
	}
	s.publishStatesLocked()
	s.mu.Unlock()

	s.logger.Info(fmt.Sprintf("supervising %d worker slots", s.cfg.Workers))
	return s.run(ctx)
}

func (s *Supervisor) run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.Shutdown(s.cfg.GracefulTimeout)
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		case <-ticker.C:
			s.checkDeadlines(ctx, time.Now())
		}
	}
}

// spawn replaces the slot's process, caller holds the lock
func (s *Supervisor) spawn(ctx context.Context, slot *WorkerSlot) error {
	h, err := s.runner.Spawn(ctx, slot.id)
	if err != nil {
		return err
	}
	slot.gen++
	slot.handle = h
	slot.state = SlotStarting
	slot.startedAt = time.Now()
	slot.spawnDue = time.Time{}
	s.watchHandle(slot.id, slot.gen, h)
	return nil
}

// watchHandle funnels one handle's notifications into the control loop
func (s *Supervisor) watchHandle(slotID, gen int, h ProcessHandle) {
	go func() {
		for ev := range h.Events() {
			s.events <- slotEvent{slot: slotID, gen: gen, event: ev}
		}
	}()
	go func() {
		status := <-h.Done()
		s.events <- slotEvent{slot: slotID, gen: gen, exit: &status}
	}()
}

func (s *Supervisor) handleEvent(ctx context.Context, ev slotEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.slot < 0 || ev.slot >= len(s.slots) {
		return
	}
	slot := s.slots[ev.slot]
	// Late notifications from a replaced process carry a stale generation
	if ev.gen != slot.gen {
		return
	}
	if ev.exit != nil {
		s.onWorkerExit(ctx, slot, *ev.exit)
		s.publishStatesLocked()
		return
	}
	switch ev.event {
	case EventReady:
		if slot.state == SlotStarting {
			slot.state = SlotReady
			slot.backoff = 0
			s.logger.Info(fmt.Sprintf("worker slot %d ready, pid %d", slot.id, slot.handle.Pid()))
		}
	case EventBusy:
		if slot.state == SlotReady {
			slot.state = SlotServing
			slot.lastRequest = time.Now()
		}
	case EventIdle:
		if slot.state == SlotServing {
			slot.state = SlotReady
		}
	}
	s.publishStatesLocked()
}

// onWorkerExit applies the restart policy, caller holds the lock
func (s *Supervisor) onWorkerExit(ctx context.Context, slot *WorkerSlot, status ExitStatus) {
	slot.handle = nil
	if slot.state == SlotTerminating {
		s.logger.Info(fmt.Sprintf("worker slot %d stopped cleanly", slot.id))
		return
	}

	slot.state = SlotCrashed
	slot.restartCount++
	now := time.Now()
	if s.ledger.Record(slot.id, now) >= s.cfg.RestartLimit {
		slot.state = SlotFailed
		s.metrics.WorkerFailed()
		// Operator alert condition, the slot is out until a redeploy
		s.logger.Error(fmt.Sprintf(
			"worker slot %d exceeded %d restarts within %s, marked failed",
			slot.id, s.cfg.RestartLimit, s.cfg.RestartWindow))
		return
	}

	delay := slot.backoff
	if slot.backoff == 0 {
		slot.backoff = s.backoffSeed
	} else {
		slot.backoff *= 2
		if slot.backoff > s.backoffCap {
			slot.backoff = s.backoffCap
		}
	}
	s.logger.Warn(fmt.Sprintf(
		"worker slot %d exited, code %d, restart in %s", slot.id, status.Code, delay))
	if delay == 0 {
		s.restart(ctx, slot, now)
		return
	}
	slot.spawnDue = now.Add(delay)
}

// restart respawns a crashed slot, the crash itself was already counted
// against the window when the exit arrived
func (s *Supervisor) restart(ctx context.Context, slot *WorkerSlot, now time.Time) {
	s.metrics.WorkerRestarted()
	if err := s.spawn(ctx, slot); err != nil {
		s.logger.Error(fmt.Sprintf("slot %d respawn failed, error: %v", slot.id, err))
		slot.state = SlotCrashed
		slot.spawnDue = now.Add(slot.backoff)
		slot.backoff *= 2
		if slot.backoff > s.backoffCap {
			slot.backoff = s.backoffCap
		}
	}
}

// checkDeadlines enforces the startup timeout, the request timeout and
// due backoff respawns
func (s *Supervisor) checkDeadlines(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range s.slots {
		switch slot.state {
		case SlotStarting:
			if now.Sub(slot.startedAt) > s.cfg.StartupTimeout {
				s.logger.Error(fmt.Sprintf(
					"worker slot %d not ready within %s, killing process", slot.id, s.cfg.StartupTimeout))
				s.killSlot(slot)
			}
		case SlotServing:
			if now.Sub(slot.lastRequest) > s.cfg.WorkerTimeout {
				s.requestTimeout(slot)
			}
		case SlotCrashed:
			if !slot.spawnDue.IsZero() && !now.Before(slot.spawnDue) {
				s.restart(ctx, slot, now)
			}
		}
	}
	s.publishStatesLocked()
}

// requestTimeout bounds worst-case latency by killing the worker holding
// the request, losing in-flight work on purpose
func (s *Supervisor) requestTimeout(slot *WorkerSlot) {
	s.logger.Error(fmt.Sprintf(
		"worker slot %d held a request beyond %s, killing process", slot.id, s.cfg.WorkerTimeout))
	s.metrics.RequestTimedOut()
	s.killSlot(slot)
}

// killSlot force-terminates, the exit notification drives the crash path
func (s *Supervisor) killSlot(slot *WorkerSlot) {
	slot.state = SlotCrashed
	if slot.handle != nil {
		_ = slot.handle.Kill()
	}
}

// Shutdown stops accepting on the shared socket, asks every worker to
// finish in-flight work and force-terminates whatever outlives the grace
// period. Zero worker processes remain when it returns.
func (s *Supervisor) Shutdown(grace time.Duration) error {
	s.logger.Info(fmt.Sprintf("shutting down worker pool, grace %s", grace))
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.mu.Lock()
	live := 0
	for _, slot := range s.slots {
		if slot.handle != nil {
			slot.state = SlotTerminating
			_ = slot.handle.Signal(syscall.SIGTERM)
			live++
		}
	}
	s.publishStatesLocked()
	s.mu.Unlock()

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for live > 0 {
		select {
		case ev := <-s.events:
			if s.collectExit(ev) {
				live--
			}
		case <-deadline.C:
			s.mu.Lock()
			for _, slot := range s.slots {
				if slot.handle != nil {
					s.logger.Warn(fmt.Sprintf("worker slot %d did not stop in time, killing", slot.id))
					_ = slot.handle.Kill()
				}
			}
			s.mu.Unlock()
			// Kill guarantees the exits arrive
			for live > 0 {
				if s.collectExit(<-s.events) {
					live--
				}
			}
		}
	}

	s.mu.Lock()
	s.publishStatesLocked()
	s.mu.Unlock()
	s.logger.Info("all workers stopped")
	return nil
}

func (s *Supervisor) collectExit(ev slotEvent) bool {
	if ev.exit == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := s.slots[ev.slot]
	if ev.gen != slot.gen || slot.handle == nil {
		return false
	}
	slot.handle = nil
	return true
}

// Snapshot is the operator-visible view served by the ops endpoint
func (s *Supervisor) Snapshot() []SlotStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SlotStatus, 0, len(s.slots))
	for _, slot := range s.slots {
		st := SlotStatus{Slot: slot.id, State: slot.state.String(), Restarts: slot.restartCount}
		if slot.handle != nil {
			st.Pid = slot.handle.Pid()
		}
		out = append(out, st)
	}
	return out
}

// caller holds the lock
func (s *Supervisor) publishStatesLocked() {
	if s.metrics == nil {
		return
	}
	counts := make(map[string]int, 6)
	for _, st := range []SlotState{SlotStarting, SlotReady, SlotServing, SlotCrashed, SlotTerminating, SlotFailed} {
		counts[st.String()] = 0
	}
	for _, slot := range s.slots {
		counts[slot.state.String()]++
	}
	s.metrics.SetSlotStates(counts)
}
