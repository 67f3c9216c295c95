package module

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spectralab/conductor/lib/communicator"
	"github.com/spectralab/conductor/lib/eventmanager"
	"github.com/spectralab/conductor/lib/message"
)

// recordingHandler records hook invocations for lifecycle assertions.
type recordingHandler struct {
	Base

	mu       sync.Mutex
	started  bool
	stopped  bool
	steps    int
	received []*message.Message

	failType string // HandleMessage fails for this type
	stepErr  error  // returned by Step once started
}

func (h *recordingHandler) OnStart(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = true
	return nil
}

func (h *recordingHandler) Step(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.steps++
	return h.stepErr
}

func (h *recordingHandler) HandleMessage(ctx context.Context, msg *message.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if msg.Type == h.failType {
		return fmt.Errorf("cannot handle %s", msg.Type)
	}
	h.received = append(h.received, msg)
	return nil
}

func (h *recordingHandler) OnStop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	return nil
}

func (h *recordingHandler) snapshot() (started, stopped bool, steps, received int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started, h.stopped, h.steps, len(h.received)
}

func startManager(t *testing.T) *eventmanager.EventManager {
	t.Helper()
	m := eventmanager.New(&eventmanager.Options{GracePeriod: 5 * time.Second})
	if err := m.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func waitActive(t *testing.T, m *eventmanager.EventManager, identity string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.ModuleState(identity) == eventmanager.StateActive {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("module %s never became Active", identity)
}

func runModule(t *testing.T, m *eventmanager.EventManager, identity string, h Handler) (*Runner, chan error) {
	t.Helper()
	r := NewRunner(identity, m.Addr(), h, &Options{PollTimeout: 20 * time.Millisecond})
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()
	waitActive(t, m, identity)
	return r, errCh
}

func waitRun(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("module did not stop in time")
		return nil
	}
}

func TestLifecycleOnShutdown(t *testing.T) {
	m := startManager(t)
	h := &recordingHandler{}
	_, errCh := runModule(t, m, "Worker", h)

	started, _, _, _ := h.snapshot()
	if !started {
		t.Error("OnStart should have run after registration")
	}

	stepDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(stepDeadline) {
		if _, _, steps, _ := h.snapshot(); steps > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.BroadcastShutdown(context.Background())

	if err := waitRun(t, errCh); err != nil {
		t.Errorf("run returned error on clean shutdown: %v", err)
	}
	_, stopped, steps, _ := h.snapshot()
	if !stopped {
		t.Error("OnStop should have run on shutdown")
	}
	if steps == 0 {
		t.Error("Step should have run between polls")
	}
	if m.ModuleState("Worker") != eventmanager.StateTerminated {
		t.Errorf("router should see Worker as Terminated, got %s", m.ModuleState("Worker"))
	}
}

func TestHandlerErrorsDoNotStopTheLoop(t *testing.T) {
	m := startManager(t)
	h := &recordingHandler{failType: "Bad"}
	r, errCh := runModule(t, m, "Worker", h)
	defer func() {
		r.Stop()
		waitRun(t, errCh)
	}()

	peer, err := communicator.Dial(context.Background(), m.Addr(), "Peer", nil)
	if err != nil {
		t.Fatalf("dial peer: %v", err)
	}
	defer peer.Close()

	peer.Send(message.New("Peer", "Worker", "Bad", nil))
	peer.Send(message.New("Peer", "Worker", "Good", nil))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, _, received := h.snapshot(); received == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, _, _, received := h.snapshot(); received != 1 {
		t.Fatalf("expected exactly the Good message through, got %d", received)
	}
}

func TestVoluntaryStopDeregisters(t *testing.T) {
	m := startManager(t)
	h := &recordingHandler{}
	r, errCh := runModule(t, m, "Worker", h)

	r.Stop()
	if err := waitRun(t, errCh); err != nil {
		t.Errorf("voluntary stop returned error: %v", err)
	}

	_, stopped, _, _ := h.snapshot()
	if !stopped {
		t.Error("OnStop should have run on voluntary stop")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.ModuleState("Worker") == eventmanager.StateTerminated {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("router should see Worker as Terminated, got %s", m.ModuleState("Worker"))
}

func TestStepErrorIsFatal(t *testing.T) {
	m := startManager(t)
	h := &recordingHandler{stepErr: errors.New("hardware fault")}
	r := NewRunner("Worker", m.Addr(), h, &Options{PollTimeout: 20 * time.Millisecond})

	err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected step failure to be returned")
	}
	_, stopped, _, _ := h.snapshot()
	if !stopped {
		t.Error("OnStop must run on the error path too")
	}
}

func TestRegistrationFailureIsFatal(t *testing.T) {
	m := startManager(t)
	h := &recordingHandler{}
	_, errCh := runModule(t, m, "Worker", h)
	defer waitRun(t, errCh)
	defer m.BroadcastShutdown(context.Background())

	dup := NewRunner("Worker", m.Addr(), &recordingHandler{}, nil)
	err := dup.Run(context.Background())
	if !errors.Is(err, communicator.ErrRegistrationRejected) {
		t.Fatalf("expected registration rejection, got %v", err)
	}
}

func TestSendMessageAndLog(t *testing.T) {
	m := startManager(t)
	h := &recordingHandler{}
	r, errCh := runModule(t, m, "Camera", h)
	defer func() {
		r.Stop()
		waitRun(t, errCh)
	}()

	logger, err := communicator.Dial(context.Background(), m.Addr(), "Logger", nil)
	if err != nil {
		t.Fatalf("dial logger: %v", err)
	}
	defer logger.Close()

	r.Log("INFO", "Started")

	got, err := logger.Receive(2 * time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got.Type != message.TypeLogMessage || got.Sender != "Camera" {
		t.Errorf("unexpected log message %+v", got)
	}
	if level, _ := got.PayloadString("level"); level != "INFO" {
		t.Errorf("log level lost: %q", level)
	}
}
