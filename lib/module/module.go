// Package module defines the lifecycle contract every functional module
// implements and the runner that drives it: dial and register, OnStart,
// the poll-dispatch-step main loop, and the coordinated stop paths. The
// runner and the communicator pumps are the module's two concurrent
// activities; they share nothing but the communicator's queues.
package module

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spectralab/conductor/lib/codec"
	"github.com/spectralab/conductor/lib/communicator"
	"github.com/spectralab/conductor/lib/logging"
	"github.com/spectralab/conductor/lib/message"
)

// Handler is the hook set a concrete module implements. All hooks run on
// the runner goroutine; none is called concurrently with another.
type Handler interface {
	// OnStart runs once after registration succeeds, before the main
	// loop. Idempotent setup belongs here. It must not block
	// indefinitely; a slow OnStart delays overall system readiness.
	OnStart(ctx context.Context) error
	// Step performs one increment of the module's own work. It is called
	// every loop iteration, message or not. Returning an error stops the
	// module as a fatal condition.
	Step(ctx context.Context) error
	// HandleMessage processes one routed message. Errors are logged and
	// dropped by the runner, never re-raised into the loop.
	HandleMessage(ctx context.Context, msg *message.Message) error
	// OnStop runs once on every exit path, before the module's
	// acknowledgment or deregistration is sent.
	OnStop(ctx context.Context) error
}

// Base is a no-op Handler to embed when a module only needs some hooks.
type Base struct{}

func (Base) OnStart(context.Context) error                         { return nil }
func (Base) Step(context.Context) error                            { return nil }
func (Base) HandleMessage(context.Context, *message.Message) error { return nil }
func (Base) OnStop(context.Context) error                          { return nil }

// Options configures a Runner.
type Options struct {
	// Codec is the wire codec, matching the router's. Defaults to JSON.
	Codec codec.Codec
	// QueueSize is the communicator queue capacity.
	QueueSize int
	// PollTimeout is the main-loop receive timeout, the interval at which
	// the loop re-checks stop conditions. Defaults to 100ms.
	PollTimeout time.Duration
	// RegisterTimeout bounds the registration handshake.
	RegisterTimeout time.Duration
	// Logger receives operational log records.
	Logger *logging.Logger
}

// Runner owns a module's lifecycle and messaging surface.
type Runner struct {
	identity string
	addr     string
	handler  Handler
	opts     Options
	logger   *logging.Logger

	comm *communicator.Communicator
	stop chan struct{}
}

// NewRunner creates a runner for the given identity and handler, targeting
// the router at addr.
func NewRunner(identity, addr string, handler Handler, o *Options) *Runner {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return &Runner{
		identity: identity,
		addr:     addr,
		handler:  handler,
		opts:     opts,
		logger:   opts.Logger.With("module", identity),
		stop:     make(chan struct{}),
	}
}

// Identity returns the module's routing identity.
func (r *Runner) Identity() string {
	return r.identity
}

// Stop requests a voluntary stop of a running module. Safe to call from
// any goroutine, more than once.
func (r *Runner) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

// SendMessage sends a typed message to another module, with the sender
// stamped by the communicator. Valid only while Run is active.
func (r *Runner) SendMessage(destination, msgType string, payload map[string]any) {
	if r.comm == nil {
		return
	}
	r.comm.Send(message.New(r.identity, destination, msgType, payload))
}

// Log sends a LogMessage to the Logger module. Loss is tolerated.
func (r *Runner) Log(level, text string) {
	if r.comm == nil {
		return
	}
	r.comm.Send(message.Log(r.identity, level, text))
}

// Run executes the module lifecycle: register, OnStart, main loop, OnStop,
// then acknowledgment or deregistration. It returns when the module has
// fully stopped. Registration failure is fatal and returned as-is.
func (r *Runner) Run(ctx context.Context) error {
	comm, err := communicator.Dial(ctx, r.addr, r.identity, &communicator.Options{
		Codec:           r.opts.Codec,
		QueueSize:       r.opts.QueueSize,
		RegisterTimeout: r.opts.RegisterTimeout,
		Logger:          r.opts.Logger,
	})
	if err != nil {
		return fmt.Errorf("module %s failed to register: %w", r.identity, err)
	}
	r.comm = comm
	defer comm.Close()

	if err := r.handler.OnStart(ctx); err != nil {
		comm.Send(message.Deregister(r.identity))
		return fmt.Errorf("module %s failed to start: %w", r.identity, err)
	}
	r.logger.Info("module started")

	gotShutdown, loopErr := r.mainLoop(ctx)

	if err := r.handler.OnStop(ctx); err != nil {
		r.logger.Warn("OnStop failed", "error", err)
	}

	// The ack goes out only after OnStop has completed; on voluntary
	// paths the router is told the module is leaving. Close's drain
	// window flushes whichever was queued.
	if gotShutdown {
		comm.Send(message.New(r.identity, message.RouterIdentity, message.TypeShutdownAck, nil))
	} else {
		comm.Send(message.Deregister(r.identity))
	}

	r.logger.Info("module stopped")
	return loopErr
}

// mainLoop polls for messages and performs work increments until a stop
// condition: Shutdown from the router, voluntary stop, context
// cancellation, communicator pump exit, or a fatal Step error.
func (r *Runner) mainLoop(ctx context.Context) (gotShutdown bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case <-r.stop:
			return false, nil
		case <-r.comm.Done():
			if pumpErr := r.comm.Err(); pumpErr != nil {
				return false, fmt.Errorf("module %s lost router connection: %w", r.identity, pumpErr)
			}
			return false, nil
		default:
		}

		msg, recvErr := r.comm.Receive(r.opts.PollTimeout)
		switch {
		case recvErr == nil:
			if msg.Type == message.TypeShutdown {
				r.logger.Info("shutdown requested by router")
				return true, nil
			}
			if hErr := r.handler.HandleMessage(ctx, msg); hErr != nil {
				r.logger.Warn("message handling failed, message dropped",
					"type", msg.Type, "from", msg.Sender, "error", hErr)
			}
		case errors.Is(recvErr, communicator.ErrNoMessage):
			// Idle iteration; fall through to the work increment.
		case errors.Is(recvErr, communicator.ErrClosed):
			return false, nil
		}

		if sErr := r.handler.Step(ctx); sErr != nil {
			r.logger.Error("work step failed, stopping module", "error", sErr)
			return false, fmt.Errorf("module %s step failed: %w", r.identity, sErr)
		}
	}
}
