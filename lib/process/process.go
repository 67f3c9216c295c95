// Package process manages module child processes: the isolation boundary
// that keeps one module's crash from corrupting any other module or the
// router. A handle exposes exit notification for the router's exit
// detection and a terminate-then-kill escalation for unresponsive modules.
package process

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Handle represents a running module process.
type Handle struct {
	cmd *exec.Cmd

	mu      sync.Mutex
	waitErr error
	done    chan struct{}
}

// Start launches the module binary with the given arguments. The child
// inherits stdout and stderr so its own operational output stays visible;
// all protocol traffic goes over its network connection to the router.
func Start(path string, args ...string) (*Handle, error) {
	return StartWithEnv(path, nil, args...)
}

// StartWithEnv launches like Start with extra environment variables
// appended to the parent's environment.
func StartWithEnv(path string, extraEnv []string, args ...string) (*Handle, error) {
	cmd := exec.Command(path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process %s: %w", path, err)
	}

	h := &Handle{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.waitErr = err
		h.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

// Pid returns the child's process ID.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Done returns a channel closed when the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Alive reports whether the process has not yet exited.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Err returns the exit error after Done is closed, nil for a clean exit.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// Terminate asks the process to exit with SIGTERM and waits up to the
// given window. If the process is still alive afterwards it is killed.
// This is the escalation path for modules that ignore the shutdown
// protocol; it never blocks longer than the window plus kill latency.
func (h *Handle) Terminate(window time.Duration) error {
	if !h.Alive() {
		return nil
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return h.Kill()
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(window):
		return h.Kill()
	}
}

// Kill forcibly terminates the process.
func (h *Handle) Kill() error {
	if !h.Alive() {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill process %d: %w", h.Pid(), err)
	}
	<-h.done
	return nil
}
