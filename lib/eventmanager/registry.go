package eventmanager

import (
	"fmt"
	"net"
	"sync"

	"github.com/spectralab/conductor/lib/message"
)

// State is the lifecycle state of a module identity as seen by the router.
// Transitions only move forward; Terminated is absorbing.
type State int

const (
	StateUnregistered State = iota
	StateRegistering
	StateActive
	StateStopping
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "Unregistered"
	case StateRegistering:
		return "Registering"
	case StateActive:
		return "Active"
	case StateStopping:
		return "Stopping"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// entry is one module's registry record: its lifecycle state, its outbound
// delivery queue, and the connection the queue drains to.
type entry struct {
	identity string
	state    State
	conn     net.Conn

	// outbound is drained by the entry's single writer goroutine, which
	// preserves delivery order per destination. The channel is never
	// closed; the writer exits via stopWriter.
	outbound   chan *message.Message
	stopWriter chan struct{}

	// terminated is closed exactly once when the entry reaches
	// StateTerminated. Shutdown coordination waits on it.
	terminated chan struct{}
}

// registry is the router's single piece of shared mutable state: the map
// from identity to entry. Every operation holds the one mutex.
type registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

// register creates an entry in StateRegistering. Any existing entry for
// the identity, whatever its state, makes the registration a duplicate:
// the original is kept and Terminated identities never come back.
func (r *registry) register(identity string, conn net.Conn, queueSize int) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[identity]; ok {
		return nil, fmt.Errorf("identity %q already %s", identity, existing.state)
	}
	e := &entry{
		identity:   identity,
		state:      StateRegistering,
		conn:       conn,
		outbound:   make(chan *message.Message, queueSize),
		stopWriter: make(chan struct{}),
		terminated: make(chan struct{}),
	}
	r.entries[identity] = e
	return e, nil
}

// activate completes a registration.
func (r *registry) activate(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.state == StateRegistering {
		e.state = StateActive
	}
}

// deliver enqueues a message for an Active or Stopping identity.
// routable is false when the identity cannot receive messages at all;
// delivered is false on a routable identity whose queue is full. The
// enqueue is non-blocking so one slow module can never stall the
// dispatch loop.
func (r *registry) deliver(identity string, msg *message.Message) (delivered, routable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok || (e.state != StateActive && e.state != StateStopping) {
		return false, false
	}
	select {
	case e.outbound <- msg:
		return true, true
	default:
		return false, true
	}
}

// broadcast enqueues a message for every Active identity except the
// sender, returning the identities reached.
func (r *registry) broadcast(msg *message.Message) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reached []string
	for identity, e := range r.entries {
		if identity == msg.Sender || e.state != StateActive {
			continue
		}
		select {
		case e.outbound <- msg:
			reached = append(reached, identity)
		default:
		}
	}
	return reached
}

// stopping moves an Active entry to StateStopping, returning false if the
// entry was not Active.
func (r *registry) stopping(e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.state != StateActive {
		return false
	}
	e.state = StateStopping
	return true
}

// terminate moves an entry to StateTerminated from any live state,
// releasing its writer and closing its connection. Idempotent.
func (r *registry) terminate(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[identity]
	if !ok || e.state == StateTerminated {
		return false
	}
	e.state = StateTerminated
	close(e.stopWriter)
	close(e.terminated)
	if e.conn != nil {
		e.conn.Close()
	}
	return true
}

// stateOf returns the lifecycle state of an identity; StateUnregistered
// when the identity has never registered.
func (r *registry) stateOf(identity string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[identity]; ok {
		return e.state
	}
	return StateUnregistered
}

// active returns a snapshot of the Active entries.
func (r *registry) active() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entry
	for _, e := range r.entries {
		if e.state == StateActive {
			out = append(out, e)
		}
	}
	return out
}

// activeCount returns the number of Active identities.
func (r *registry) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.state == StateActive {
			n++
		}
	}
	return n
}
