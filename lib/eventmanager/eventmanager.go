// Package eventmanager implements the central router: the single source of
// truth for which modules are alive and where their messages go. Modules
// connect over TCP, register an identity as their first frame, and from
// then on every frame they send is dispatched by destination identity.
//
// One goroutine accepts connections, one reader goroutine per connection
// feeds a single dispatch loop, and one writer goroutine per registered
// module drains that module's delivery queue. The registry is the only
// shared mutable state and every operation on it holds its one mutex.
// Messages from a given sender to a given destination are delivered in
// send order; no order is guaranteed across different sender pairs.
package eventmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spectralab/conductor/lib/codec"
	"github.com/spectralab/conductor/lib/frame"
	"github.com/spectralab/conductor/lib/logging"
	"github.com/spectralab/conductor/lib/message"
	"github.com/spectralab/conductor/lib/process"
)

const (
	defaultQueueSize   = 64
	defaultGracePeriod = 5 * time.Second

	// handshakeTimeout bounds the wait for a new connection's Register
	// frame. A connection that stays silent is dropped.
	handshakeTimeout = 5 * time.Second

	// killWindow is the SIGTERM-to-SIGKILL window used when escalating on
	// an unresponsive module.
	killWindow = 500 * time.Millisecond
)

// Options configures an EventManager.
type Options struct {
	// Codec is the wire codec shared with every module. Defaults to JSON.
	Codec codec.Codec
	// QueueSize is the per-module delivery queue capacity.
	QueueSize int
	// GracePeriod bounds the wait for ShutdownAck during shutdown before
	// escalation.
	GracePeriod time.Duration
	// Logger receives operational log records.
	Logger *logging.Logger
}

func (o *Options) withDefaults() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.Codec == nil {
		opts.Codec = codec.JSON{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return opts
}

// EventManager is the router and lifecycle coordinator.
type EventManager struct {
	opts     Options
	logger   *logging.Logger
	registry *registry

	ln       net.Listener
	incoming chan *message.Message

	procMu sync.Mutex
	procs  map[string]*process.Handle

	stop      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	wg        sync.WaitGroup
}

// New creates an EventManager. Call Start to begin serving.
func New(o *Options) *EventManager {
	opts := o.withDefaults()
	return &EventManager{
		opts:     opts,
		logger:   opts.Logger.With("component", "eventmanager"),
		registry: newRegistry(),
		incoming: make(chan *message.Message, opts.QueueSize),
		procs:    make(map[string]*process.Handle),
		stop:     make(chan struct{}),
	}
}

// Start listens on addr and begins accepting module connections and
// dispatching messages. Use ":0" style addresses to let the OS pick a
// port; Addr reports the bound address.
func (m *EventManager) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	m.ln = ln
	m.logger.Info("event manager listening", "addr", ln.Addr().String())

	m.wg.Add(2)
	go m.acceptLoop()
	go m.routeLoop()
	return nil
}

// Addr returns the listener address, valid after Start.
func (m *EventManager) Addr() string {
	return m.ln.Addr().String()
}

// ModuleState reports the lifecycle state of an identity.
func (m *EventManager) ModuleState(identity string) State {
	return m.registry.stateOf(identity)
}

// ActiveModules returns the number of Active identities.
func (m *EventManager) ActiveModules() int {
	return m.registry.activeCount()
}

// AttachProcess associates a supervised child process with an identity.
// The handle is the escalation target if the module ignores Shutdown.
func (m *EventManager) AttachProcess(identity string, h *process.Handle) {
	m.procMu.Lock()
	defer m.procMu.Unlock()
	m.procs[identity] = h
}

func (m *EventManager) processFor(identity string) *process.Handle {
	m.procMu.Lock()
	defer m.procMu.Unlock()
	return m.procs[identity]
}

// acceptLoop admits connections until the listener closes.
func (m *EventManager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			if m.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warn("accept failed", "error", err)
			continue
		}
		m.wg.Add(1)
		go m.handleConn(conn)
	}
}

// handleConn performs the registration handshake and then pumps the
// connection's frames into the dispatch loop. It is the router's exit
// detector: when the read side ends, the identity is deregistered.
func (m *EventManager) handleConn(conn net.Conn) {
	defer m.wg.Done()

	e, err := m.handshake(conn)
	if err != nil {
		m.logger.Warn("registration failed", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}
	identity := e.identity
	logger := m.logger.With("module", identity)
	logger.Info("module registered")

	defer func() {
		if m.registry.terminate(identity) {
			logger.Info("module deregistered on disconnect")
		}
	}()

	fr := frame.NewReader(conn, 0)
	for {
		body, err := fr.Read()
		if err != nil {
			if err != io.EOF && !m.closed.Load() && m.registry.stateOf(identity) != StateTerminated {
				logger.Warn("module connection lost", "error", err)
			}
			return
		}
		msg, err := m.opts.Codec.Unmarshal(body)
		if err != nil {
			logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		// The connection's registered identity wins over whatever the
		// frame claims, so a module can never impersonate another.
		msg.Sender = identity
		select {
		case m.incoming <- msg:
		case <-m.stop:
			return
		}
	}
}

// handshake reads the mandatory Register frame, updates the registry, and
// answers with RegisterAck or RegisterRejected. On success the entry is
// Active and its writer goroutine is running.
func (m *EventManager) handshake(conn net.Conn) (*entry, error) {
	if err := conn.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, fmt.Errorf("failed to arm handshake deadline: %w", err)
	}
	fr := frame.NewReader(conn, 0)
	body, err := fr.Read()
	if err != nil {
		return nil, fmt.Errorf("no registration frame: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("failed to clear handshake deadline: %w", err)
	}

	msg, err := m.opts.Codec.Unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("undecodable registration frame: %w", err)
	}
	if msg.Type != message.TypeRegister {
		return nil, fmt.Errorf("first frame must be %s, got %q", message.TypeRegister, msg.Type)
	}
	identity, ok := msg.PayloadString("identity")
	if !ok || identity == "" {
		identity = msg.Sender
	}
	if identity == "" || identity == message.RouterIdentity || identity == message.BroadcastIdentity {
		return nil, fmt.Errorf("invalid identity %q", identity)
	}

	e, err := m.registry.register(identity, conn, m.opts.QueueSize)
	if err != nil {
		// Duplicate registration: the original stays, the duplicate gets
		// a rejection notice before its connection is dropped.
		m.reply(conn, message.New(message.RouterIdentity, identity, message.TypeRegisterRejected,
			map[string]any{"reason": err.Error()}))
		return nil, err
	}

	// Close terminates every registry entry and then waits for the
	// connection goroutines. A registration landing after that sweep would
	// never be terminated, so it must not survive on a closing router.
	if m.closed.Load() {
		m.reply(conn, message.New(message.RouterIdentity, identity, message.TypeRegisterRejected,
			map[string]any{"reason": "router is shutting down"}))
		m.registry.terminate(identity)
		return nil, fmt.Errorf("router is shutting down")
	}

	m.wg.Add(1)
	go m.entryWriter(e)

	// The ack goes through the entry's queue so it is the first message
	// the module receives.
	e.outbound <- message.New(message.RouterIdentity, identity, message.TypeRegisterAck, nil)
	m.registry.activate(e)
	return e, nil
}

// reply writes a single message directly on a connection that has no
// writer goroutine, best effort.
func (m *EventManager) reply(conn net.Conn, msg *message.Message) {
	body, err := m.opts.Codec.Marshal(msg)
	if err != nil {
		return
	}
	_ = frame.NewWriter(conn).Write(body)
}

// entryWriter drains one module's delivery queue onto its connection, in
// order. It exits when the entry is terminated or the connection fails.
func (m *EventManager) entryWriter(e *entry) {
	defer m.wg.Done()
	fw := frame.NewWriter(e.conn)
	for {
		select {
		case msg := <-e.outbound:
			body, err := m.opts.Codec.Marshal(msg)
			if err != nil {
				m.logger.Warn("failed to encode message, dropped",
					"module", e.identity, "type", msg.Type, "error", err)
				continue
			}
			if err := fw.Write(body); err != nil {
				if errors.Is(err, frame.ErrFrameTooLarge) {
					m.logger.Warn("message exceeds frame limit, dropped",
						"module", e.identity, "type", msg.Type, "error", err)
					continue
				}
				if m.registry.stateOf(e.identity) != StateTerminated {
					m.logger.Warn("failed to deliver to module",
						"module", e.identity, "type", msg.Type, "error", err)
				}
				return
			}
		case <-e.stopWriter:
			return
		}
	}
}

// routeLoop is the single dispatch goroutine. Because it alone consumes
// the incoming channel and each per-module queue is drained by one writer,
// delivery is FIFO per sender-destination pair.
func (m *EventManager) routeLoop() {
	defer m.wg.Done()
	for {
		select {
		case msg := <-m.incoming:
			m.route(msg)
		case <-m.stop:
			return
		}
	}
}

// route dispatches one message: control traffic to the router itself,
// broadcast to every other Active module, otherwise unicast with a
// best-effort DeliveryFailure notice when the destination cannot receive.
func (m *EventManager) route(msg *message.Message) {
	switch msg.Destination {
	case message.RouterIdentity:
		m.handleControl(msg)
	case message.BroadcastIdentity:
		m.registry.broadcast(msg)
	default:
		delivered, routable := m.registry.deliver(msg.Destination, msg)
		if delivered {
			return
		}
		if !routable {
			m.logger.Warn("undeliverable message dropped",
				"from", msg.Sender, "to", msg.Destination, "type", msg.Type)
			m.notifyFailure(msg, "destination not registered")
			return
		}
		m.logger.Warn("destination queue full, message dropped",
			"from", msg.Sender, "to", msg.Destination, "type", msg.Type)
	}
}

// notifyFailure sends a best-effort routing-failure notice back to the
// sender. Notices about notices are never generated.
func (m *EventManager) notifyFailure(msg *message.Message, reason string) {
	if msg.Type == message.TypeDeliveryFailure || msg.Sender == message.RouterIdentity {
		return
	}
	m.registry.deliver(msg.Sender, message.DeliveryFailure(msg, reason))
}

// handleControl consumes messages addressed to the router identity.
func (m *EventManager) handleControl(msg *message.Message) {
	switch msg.Type {
	case message.TypeDeregister:
		if m.registry.terminate(msg.Sender) {
			m.logger.Info("module deregistered", "module", msg.Sender)
		}
	case message.TypeShutdownAck:
		if m.registry.terminate(msg.Sender) {
			m.logger.Info("module acknowledged shutdown", "module", msg.Sender)
		}
	case message.TypeRegister:
		// Registration is only valid as a connection's first frame.
		m.logger.Warn("mid-stream registration ignored", "module", msg.Sender)
	default:
		m.logger.Warn("unrecognized control message dropped",
			"from", msg.Sender, "type", msg.Type)
	}
}

// BroadcastShutdown sends Shutdown to every Active module and waits up to
// the grace period for each to acknowledge or exit. Modules still alive
// afterwards have their attached process terminated. The call always
// returns within the grace period plus the kill window.
func (m *EventManager) BroadcastShutdown(ctx context.Context) {
	targets := m.registry.active()
	if len(targets) == 0 {
		return
	}
	m.logger.Info("broadcasting shutdown", "modules", len(targets))

	for _, e := range targets {
		shutdown := message.New(message.RouterIdentity, e.identity, message.TypeShutdown, nil)
		select {
		case e.outbound <- shutdown:
		default:
			m.logger.Warn("could not queue shutdown", "module", e.identity)
		}
		m.registry.stopping(e)
	}

	allDone := make(chan struct{})
	go func() {
		for _, e := range targets {
			<-e.terminated
		}
		close(allDone)
	}()

	timer := time.NewTimer(m.opts.GracePeriod)
	defer timer.Stop()
	select {
	case <-allDone:
		m.logger.Info("all modules acknowledged shutdown")
		return
	case <-timer.C:
	case <-ctx.Done():
	}

	for _, e := range targets {
		select {
		case <-e.terminated:
			continue
		default:
		}
		m.logger.Warn("module unresponsive to shutdown, escalating", "module", e.identity)
		if h := m.processFor(e.identity); h != nil {
			if err := h.Terminate(killWindow); err != nil {
				m.logger.Error("failed to terminate module process",
					"module", e.identity, "error", err)
			}
		}
		m.registry.terminate(e.identity)
	}
}

// Close stops serving: the listener closes, every remaining entry is
// terminated, and all router goroutines are waited for. Idempotent.
func (m *EventManager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.stop)
		if m.ln != nil {
			m.ln.Close()
		}
		m.registry.mu.Lock()
		identities := make([]string, 0, len(m.registry.entries))
		for identity := range m.registry.entries {
			identities = append(identities, identity)
		}
		m.registry.mu.Unlock()
		for _, identity := range identities {
			m.registry.terminate(identity)
		}
		m.wg.Wait()
		m.logger.Info("event manager stopped")
	})
	return nil
}

// Shutdown performs the coordinated stop: shutdown broadcast with
// escalation, then router teardown.
func (m *EventManager) Shutdown(ctx context.Context) error {
	m.BroadcastShutdown(ctx)
	return m.Close()
}
