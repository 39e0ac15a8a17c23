package kored

import (
	"context"
	"os"
)

// WorkerEvent is a lifecycle notification a worker process sends to its
// supervisor over the notification pipe.
type WorkerEvent int

const (
	// EventReady worker accepted the shared socket and can serve
	EventReady WorkerEvent = iota
	// EventBusy worker picked up a request
	EventBusy
	// EventIdle worker finished its in-flight request
	EventIdle
)

// ExitStatus describes how a worker process terminated
type ExitStatus struct {
	Code int
	Err  error
}

type ProcessRunner interface {
	// Spawn launches one worker process for the given slot, the returned
	// handle reports lifecycle events and the eventual exit status
	Spawn(ctx context.Context, slotID int) (ProcessHandle, error)
}

type ProcessHandle interface {
	// Pid of the underlying OS process, 0 for fakes
	Pid() int
	// Events delivers readiness and busy/idle notifications, closed when
	// the worker side of the notification channel goes away
	Events() <-chan WorkerEvent
	// Done delivers exactly one ExitStatus when the process terminates
	Done() <-chan ExitStatus
	// Signal asks the process to shut down gracefully
	Signal(sig os.Signal) error
	// Kill terminates the process without waiting for in-flight work
	Kill() error
}

// Probe issues one synthetic health check against the worker pool
type Probe interface {
	Check(ctx context.Context) error
}

type Logger interface {
	Info(s string)
	Warn(s string)
	Error(s string)
	Debug(s string)
}
