package process

import (
	"testing"
	"time"
)

func TestStartAndExit(t *testing.T) {
	h, err := Start("/bin/sh", "-c", "exit 0")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	if h.Alive() {
		t.Error("Alive should report false after exit")
	}
	if h.Err() != nil {
		t.Errorf("clean exit should have nil error, got %v", h.Err())
	}
}

func TestExitError(t *testing.T) {
	h, err := Start("/bin/sh", "-c", "exit 3")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-h.Done()
	if h.Err() == nil {
		t.Error("non-zero exit should surface an error")
	}
}

func TestTerminateCooperative(t *testing.T) {
	// sleep exits on SIGTERM, so the kill escalation is never needed.
	h, err := Start("/bin/sleep", "30")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	start := time.Now()
	if err := h.Terminate(2 * time.Second); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("terminate took %v for a cooperative process", elapsed)
	}
	if h.Alive() {
		t.Error("process should be gone after Terminate")
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	// The trap makes the shell ignore SIGTERM, forcing the SIGKILL path.
	h, err := Start("/bin/sh", "-c", "trap '' TERM; sleep 30")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	start := time.Now()
	if err := h.Terminate(200 * time.Millisecond); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("escalation took %v", elapsed)
	}
	if h.Alive() {
		t.Error("process should be gone after escalation")
	}
}

func TestTerminateIdempotentAfterExit(t *testing.T) {
	h, err := Start("/bin/sh", "-c", "exit 0")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-h.Done()
	if err := h.Terminate(time.Second); err != nil {
		t.Errorf("terminate on an exited process should be a no-op, got %v", err)
	}
	if err := h.Kill(); err != nil {
		t.Errorf("kill on an exited process should be a no-op, got %v", err)
	}
}
