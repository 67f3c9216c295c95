// Package communicator implements the per-module transport endpoint. It
// owns an inbound and an outbound message queue and runs two pump
// goroutines bridging them to the router's TCP transport, so business
// logic never blocks on router availability and vice versa. Business logic
// and the pumps interact only through the queues.
package communicator

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
)

var (
	// ErrNoMessage is returned by Receive when the timeout elapses with
	// nothing queued.
	ErrNoMessage = errors.New("no message available")
	// ErrClosed is returned by Receive once the endpoint is torn down and
	// the inbound queue is drained.
	ErrClosed = errors.New("communicator closed")
	// ErrRegistrationRejected is returned by Dial when the router refuses
	// the identity.
	ErrRegistrationRejected = errors.New("registration rejected")
)

const defaultQueueSize = 64

// drainWindow bounds how long Close waits for queued outbound messages to
// reach the wire before the connection is dropped.
const drainWindow = 500 * time.Millisecond

// Options configures a Communicator.
type Options struct {
	// Codec is the wire codec. Defaults to JSON.
	Codec codec.Codec
	// QueueSize is the capacity of each queue. Defaults to 64.
	QueueSize int
	// RegisterTimeout bounds the wait for the router's RegisterAck.
	// Registration timing out is a fatal startup condition for the module.
	RegisterTimeout time.Duration
	// Logger receives operational log records. Defaults to a no-op logger.
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
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	return opts
}

// Communicator is a module's endpoint to the router. Send and Receive are
// safe to call from the module's logic goroutine while the pumps run.
type Communicator struct {
	identity string
	conn     net.Conn
	codec    codec.Codec
	logger   *logging.Logger

	inbound  chan *message.Message
	outbound chan *message.Message

	stop      chan struct{}
	writeDone chan struct{}
	readDone  chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once

	mu      sync.Mutex
	pumpErr error
}

// Dial connects to the router, performs the registration handshake, and
// starts the transport pumps. The returned Communicator is live and its
// identity is an accepted routing destination.
func Dial(ctx context.Context, addr, identity string, o *Options) (*Communicator, error) {
	opts := o.withDefaults()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to router at %s: %w", addr, err)
	}

	c := &Communicator{
		identity:  identity,
		conn:      conn,
		codec:     opts.Codec,
		logger:    opts.Logger.With("identity", identity),
		inbound:   make(chan *message.Message, opts.QueueSize),
		outbound:  make(chan *message.Message, opts.QueueSize),
		stop:      make(chan struct{}),
		writeDone: make(chan struct{}),
		readDone:  make(chan struct{}),
	}

	if err := c.register(opts.RegisterTimeout); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// register sends the Register message and waits, bounded, for the router's
// verdict. It runs before the pumps start, so it owns the connection.
func (c *Communicator) register(timeout time.Duration) error {
	fw := frame.NewWriter(c.conn)
	body, err := c.codec.Marshal(message.Register(c.identity))
	if err != nil {
		return fmt.Errorf("failed to encode registration: %w", err)
	}
	if err := fw.Write(body); err != nil {
		return fmt.Errorf("failed to send registration: %w", err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("failed to arm registration deadline: %w", err)
	}
	fr := frame.NewReader(c.conn, 0)
	reply, err := fr.Read()
	if err != nil {
		return fmt.Errorf("no registration reply from router: %w", err)
	}
	if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("failed to clear registration deadline: %w", err)
	}

	msg, err := c.codec.Unmarshal(reply)
	if err != nil {
		return fmt.Errorf("failed to decode registration reply: %w", err)
	}
	switch msg.Type {
	case message.TypeRegisterAck:
		return nil
	case message.TypeRegisterRejected:
		reason, _ := msg.PayloadString("reason")
		return fmt.Errorf("%w: %s", ErrRegistrationRejected, reason)
	default:
		return fmt.Errorf("unexpected registration reply type %q", msg.Type)
	}
}

// Identity returns the identity this endpoint registered under.
func (c *Communicator) Identity() string {
	return c.identity
}

// Send enqueues a message for delivery, stamping the sender with this
// endpoint's identity. It never blocks: when the endpoint is closed or
// the outbound queue is full the message is dropped with a log entry
// rather than an error raised into business logic.
func (c *Communicator) Send(msg *message.Message) {
	msg.Sender = c.identity
	if c.closed.Load() {
		c.logger.Warn("send on closed communicator, message dropped",
			"type", msg.Type, "destination", msg.Destination)
		return
	}
	select {
	case c.outbound <- msg:
	default:
		c.logger.Warn("outbound queue full, message dropped",
			"type", msg.Type, "destination", msg.Destination)
	}
}

// Receive waits up to timeout for an inbound message. It returns
// ErrNoMessage on timeout and ErrClosed once the endpoint is torn down
// and drained, so a polling main loop always stays responsive.
func (c *Communicator) Receive(timeout time.Duration) (*message.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-c.inbound:
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	case <-timer.C:
		return nil, ErrNoMessage
	}
}

// Done returns a channel closed when the read pump has exited, which means
// the router connection is gone. A module's main loop checks this between
// iterations.
func (c *Communicator) Done() <-chan struct{} {
	return c.readDone
}

// Err returns the pump failure, if any, after Done is closed.
func (c *Communicator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pumpErr
}

func (c *Communicator) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pumpErr == nil {
		c.pumpErr = err
	}
}

// readLoop pumps frames from the connection into the inbound queue. It
// owns the inbound channel and closes it on exit.
func (c *Communicator) readLoop() {
	defer close(c.readDone)
	defer close(c.inbound)

	fr := frame.NewReader(c.conn, 0)
	for {
		body, err := fr.Read()
		if err != nil {
			if err != io.EOF && !c.closed.Load() {
				c.setErr(err)
				c.logger.Warn("connection to router lost", "error", err)
			}
			return
		}
		msg, err := c.codec.Unmarshal(body)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		select {
		case c.inbound <- msg:
		case <-c.stop:
			return
		}
	}
}

// writeLoop pumps the outbound queue onto the connection. On stop it
// drains whatever is already queued before returning.
func (c *Communicator) writeLoop() {
	defer close(c.writeDone)
	fw := frame.NewWriter(c.conn)

	write := func(msg *message.Message) bool {
		body, err := c.codec.Marshal(msg)
		if err != nil {
			c.logger.Warn("failed to encode message, dropped", "type", msg.Type, "error", err)
			return true
		}
		if err := fw.Write(body); err != nil {
			if errors.Is(err, frame.ErrFrameTooLarge) {
				c.logger.Warn("message exceeds frame limit, dropped",
					"type", msg.Type, "error", err)
				return true
			}
			c.setErr(err)
			if !c.closed.Load() {
				c.logger.Warn("failed to send message", "type", msg.Type, "error", err)
			}
			return false
		}
		return true
	}

	for {
		select {
		case msg := <-c.outbound:
			if !write(msg) {
				return
			}
		case <-c.stop:
			for {
				select {
				case msg := <-c.outbound:
					if !write(msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// Close tears the endpoint down: the write pump gets a short window to
// drain queued messages, then the connection is closed and both pumps are
// waited for. Close is idempotent and safe on every module exit path.
func (c *Communicator) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stop)
		select {
		case <-c.writeDone:
		case <-time.After(drainWindow):
		}
		c.conn.Close()
		<-c.readDone
	})
	return nil
}
