// ABOUTME: Protocol engine owning the TCP control connection
// ABOUTME: Bounded connect retry, framed receive and single-flight send
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jonect/jonect-go/internal/notify"
	"github.com/jonect/jonect-go/internal/protocol"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 100
	DefaultRetryDelay  = 10 * time.Millisecond
	DefaultQueueSize   = 32
	defaultDialTimeout = 2 * time.Second
)

var (
	ErrConnectFailed  = errors.New("client: could not connect to server")
	ErrSendQueueFull  = errors.New("client: send queue full")
	ErrClosed         = errors.New("client: connection closed")
	ErrAlreadyStarted = errors.New("client: connection already started")
)

// EventKind identifies what an Event reports
type EventKind int

const (
	EventConnected EventKind = iota
	EventMessage
	EventConnectionError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "Connected"
	case EventMessage:
		return "MessageReceived"
	case EventConnectionError:
		return "ConnectionError"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is emitted by the connection to its owner
type Event struct {
	Kind    EventKind
	Message protocol.Message // EventMessage
	Err     error            // EventConnectionError
}

// DialFunc opens the control socket
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Config holds connection configuration
type Config struct {
	// Address is host:port of the server control socket
	Address      string
	MaxAttempts  int
	RetryDelay   time.Duration
	MaxFrameSize uint32
	QueueSize    int
	Dial         DialFunc
	Logger       *zap.Logger
}

// Connection is one control connection to a server. It runs a single worker
// goroutine that connects, then multiplexes inbound frames, outbound
// commands and the quit request. At most one outbound frame is being written
// at any time.
type Connection struct {
	config Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan protocol.Message
	commands *notify.Signal
	quit     *notify.Signal
	events   chan Event
	done     chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewConnection creates an unstarted connection
func NewConnection(config Config) *Connection {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.MaxFrameSize == 0 {
		config.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.Dial == nil {
		dialer := &net.Dialer{Timeout: defaultDialTimeout}
		config.Dial = dialer.DialContext
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Connection{
		config:   config,
		logger:   config.Logger.With(zap.String("server", config.Address)),
		ctx:      ctx,
		cancel:   cancel,
		outbound: make(chan protocol.Message, config.QueueSize),
		commands: notify.New(),
		quit:     notify.New(),
		events:   make(chan Event, config.QueueSize),
		done:     make(chan struct{}),
	}
}

// Start launches the worker. Progress is reported on Events: Connected once
// the socket is open, then MessageReceived per inbound message, and finally
// ConnectionError if the connection could not be made or was lost.
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	go c.run()
	return nil
}

// Events is closed after the worker exits
func (c *Connection) Events() <-chan Event {
	return c.events
}

// Done is closed after the worker exits
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Send queues a message for the server without blocking
func (c *Connection) Send(m protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	select {
	case c.outbound <- m:
		c.commands.Notify()
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Stop requests the worker to quit, waits for it to exit and then releases
// the notification signals. It is safe to call more than once.
func (c *Connection) Stop() {
	c.mu.Lock()
	first := !c.closed
	c.closed = true
	started := c.started
	c.mu.Unlock()

	if first {
		c.quit.Notify()
		c.cancel()
	}
	if started {
		<-c.done
	}
	if first {
		c.quit.Release()
		c.commands.Release()
		c.logger.Debug("Connection stopped")
	}
}

// Connect dials the server, retrying up to MaxAttempts times with RetryDelay
// between attempts. The server may not be listening yet when the player starts.
func (c *Connection) Connect(ctx context.Context) (net.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		conn, err := c.config.Dial(ctx, "tcp", c.config.Address)
		if err == nil {
			c.logger.Info("Connected to server", zap.Int("attempt", attempt))
			return conn, nil
		}
		lastErr = err
		c.logger.Debug("Connect attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		if attempt == c.config.MaxAttempts {
			break
		}
		select {
		case <-time.After(c.config.RetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrConnectFailed, c.config.MaxAttempts, lastErr)
}

func (c *Connection) run() {
	defer close(c.done)
	defer close(c.events)

	conn, err := c.Connect(c.ctx)
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Error("Connection failed", zap.Error(err))
			c.emit(Event{Kind: EventConnectionError, Err: err})
		}
		return
	}

	if !c.emit(Event{Kind: EventConnected}) {
		conn.Close()
		return
	}

	if err := c.serve(conn); err != nil {
		c.logger.Error("Connection lost", zap.Error(err))
		c.emit(Event{Kind: EventConnectionError, Err: err})
	}
}

// emit delivers ev unless a stop has been requested
func (c *Connection) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// serve multiplexes the socket until quit or a fatal error. A nil error
// means quit was requested.
func (c *Connection) serve(conn net.Conn) error {
	stop := make(chan struct{})
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	writes := make(chan []byte)
	written := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop(conn, frames, readErr, stop)
	}()
	go func() {
		defer wg.Done()
		writeLoop(conn, writes, written, stop)
	}()

	defer func() {
		close(stop)
		conn.Close()
		wg.Wait()
	}()

	// pending is a frame waiting for the writer, writing is true while the
	// writer holds one. Either one is a write obligation.
	var pending []byte
	writing := false

	for {
		var commandC <-chan struct{}
		if pending == nil && !writing {
			commandC = c.commands.C()
		}
		var writeC chan<- []byte
		if pending != nil {
			writeC = writes
		}

		select {
		case <-c.quit.C():
			c.logger.Debug("Quit requested")
			return nil

		case payload := <-frames:
			if !c.deliver(payload) {
				return nil
			}

		case err := <-readErr:
			return err

		case writeC <- pending:
			pending = nil
			writing = true

		case err := <-written:
			writing = false
			if err != nil {
				return fmt.Errorf("write failed: %w", err)
			}
			if len(c.outbound) > 0 {
				c.commands.Notify()
			}

		case <-commandC:
			frame, ok := c.nextFrame()
			if ok {
				pending = frame
			}
		}
	}
}

// nextFrame dequeues and encodes one outbound message
func (c *Connection) nextFrame() ([]byte, bool) {
	for {
		select {
		case m := <-c.outbound:
			frame, err := protocol.EncodeMessage(m)
			if err != nil {
				c.logger.Warn("Dropping unencodable message",
					zap.String("type", string(m.MessageType())), zap.Error(err))
				continue
			}
			c.logger.Debug("Sending message", zap.String("type", string(m.MessageType())))
			return frame, true
		default:
			return nil, false
		}
	}
}

// deliver decodes one inbound frame and forwards it. Frames that do not
// parse are logged and dropped.
func (c *Connection) deliver(payload []byte) bool {
	m, err := protocol.Decode(payload)
	if err != nil {
		c.logger.Warn("Dropping malformed message", zap.Error(err), zap.ByteString("payload", payload))
		return true
	}
	c.logger.Debug("Received message", zap.String("type", string(m.MessageType())))
	return c.emit(Event{Kind: EventMessage, Message: m})
}

func (c *Connection) readLoop(conn net.Conn, frames chan<- []byte, readErr chan<- error, stop <-chan struct{}) {
	dec := protocol.NewFrameDecoder(c.config.MaxFrameSize)
	for {
		payload, err := dec.Next(conn)
		if err != nil {
			readErr <- err
			return
		}
		if payload == nil {
			continue
		}
		select {
		case frames <- payload:
		case <-stop:
			return
		}
	}
}

func writeLoop(conn net.Conn, writes <-chan []byte, written chan<- error, stop <-chan struct{}) {
	for {
		select {
		case frame := <-writes:
			_, err := conn.Write(frame)
			written <- err
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
