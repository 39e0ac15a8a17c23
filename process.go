package kored

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
)

// Environment handed to every spawned worker, the shared socket rides on
// fd 3 and the notification pipe on fd 4
const (
	EnvWorkerSlot     = "KORED_SLOT"
	EnvWorkerListenFD = "KORED_LISTEN_FD"
	EnvWorkerNotifyFD = "KORED_NOTIFY_FD"
)

// ExecRunner spawns real worker processes that inherit the shared
// listening socket. Workers report lifecycle over the notification pipe
// with single-byte events: R ready, B request begin, I request end.
type ExecRunner struct {
	Command  []string
	Listener *net.TCPListener
	Logger   Logger
}

func (r *ExecRunner) Spawn(ctx context.Context, slotID int) (ProcessHandle, error) {
	if len(r.Command) == 0 {
		return nil, fmt.Errorf("no worker command configured, set %s", EnvWorkerCommand)
	}

	socketFile, err := r.Listener.File()
	if err != nil {
		return nil, fmt.Errorf("cannot dup shared socket, error: %w", err)
	}
	notifyRead, notifyWrite, err := os.Pipe()
	if err != nil {
		_ = socketFile.Close()
		return nil, fmt.Errorf("cannot open notification pipe, error: %w", err)
	}

	cmd := exec.Command(r.Command[0], r.Command[1:]...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", EnvWorkerSlot, slotID),
		fmt.Sprintf("%s=3", EnvWorkerListenFD),
		fmt.Sprintf("%s=4", EnvWorkerNotifyFD),
	)
	cmd.ExtraFiles = []*os.File{socketFile, notifyWrite}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		_ = socketFile.Close()
		_ = notifyRead.Close()
		_ = notifyWrite.Close()
		return nil, fmt.Errorf("cannot start worker for slot %d, error: %w", slotID, err)
	}
	// Parent keeps neither inherited end
	_ = socketFile.Close()
	_ = notifyWrite.Close()

	h := &execHandle{
		cmd:    cmd,
		events: make(chan WorkerEvent, 8),
		done:   make(chan ExitStatus, 1),
	}
	go h.readEvents(notifyRead)
	go h.await()
	return h, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	events chan WorkerEvent
	done   chan ExitStatus
}

func (h *execHandle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Events() <-chan WorkerEvent {
	return h.events
}

func (h *execHandle) Done() <-chan ExitStatus {
	return h.done
}

func (h *execHandle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Kill() error {
	return h.cmd.Process.Kill()
}

func (h *execHandle) readEvents(pipe *os.File) {
	defer close(h.events)
	defer func() {
		_ = pipe.Close()
	}()
	reader := bufio.NewReader(pipe)
	for {
		b, err := reader.ReadByte()
		if err != nil {
			// Worker side closed, exit status arrives through Done
			return
		}
		switch b {
		case 'R':
			h.events <- EventReady
		case 'B':
			h.events <- EventBusy
		case 'I':
			h.events <- EventIdle
		}
	}
}

func (h *execHandle) await() {
	err := h.cmd.Wait()
	status := ExitStatus{Code: 0}
	if err != nil {
		status.Err = err
		status.Code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			status.Code = exitErr.ExitCode()
		}
	}
	h.done <- status
	close(h.done)
}
