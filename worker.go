package kored

import (
	"time"
)

// SlotState is the lifecycle of one supervised worker slot
type SlotState int

const (
	// SlotStarting process spawned, readiness signal pending
	SlotStarting SlotState = iota
	// SlotReady worker accepted the socket and sits idle
	SlotReady
	// SlotServing worker holds an in-flight request
	SlotServing
	// SlotCrashed process gone, restart pending or in backoff
	SlotCrashed
	// SlotTerminating manager asked the worker to stop
	SlotTerminating
	// SlotFailed restart ceiling exceeded, slot is out permanently
	SlotFailed
)

func (s SlotState) String() string {
	switch s {
	case SlotStarting:
		return "starting"
	case SlotReady:
		return "ready"
	case SlotServing:
		return "serving"
	case SlotCrashed:
		return "crashed"
	case SlotTerminating:
		return "terminating"
	case SlotFailed:
		return "failed"
	}
	return "unknown"
}

// Live states count against the pool size invariant
func (s SlotState) Live() bool {
	return s == SlotStarting || s == SlotReady || s == SlotServing
}

// WorkerSlot is one supervised position in the pool, the process behind it
// is replaced on crash while the slot id stays stable
type WorkerSlot struct {
	id           int
	gen          int
	state        SlotState
	handle       ProcessHandle
	startedAt    time.Time
	lastRequest  time.Time
	restartCount int
	backoff      time.Duration
	spawnDue     time.Time
}

// SlotStatus is the operator-visible snapshot of a slot
type SlotStatus struct {
	Slot     int    `json:"slot"`
	State    string `json:"state"`
	Pid      int    `json:"pid,omitempty"`
	Restarts int    `json:"restarts"`
}
