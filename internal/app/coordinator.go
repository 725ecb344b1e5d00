// ABOUTME: Session coordinator sequencing connection and audio lifecycles
// ABOUTME: A single goroutine owns the session state and reacts to commands and events
package app

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonect/jonect-go/internal/audio"
	"github.com/jonect/jonect-go/internal/client"
	"github.com/jonect/jonect-go/internal/output"
	"github.com/jonect/jonect-go/internal/player"
	"github.com/jonect/jonect-go/internal/protocol"
	"go.uber.org/zap"
)

var (
	ErrQuitting = errors.New("app: quit requested")
	ErrStopped  = errors.New("app: coordinator stopped")
	ErrRunning  = errors.New("app: coordinator already running")
)

const (
	DefaultControlPort = 8080
	statusBuffer       = 32
	inboxSize          = 64
)

// Config holds coordinator configuration
type Config struct {
	ControlPort      int
	DeviceID         string
	Version          string
	NativeSampleRate int

	MaxAttempts int
	RetryDelay  time.Duration

	BufferFrames  int
	PoolSize      int
	PrimingWrites int
	// ByteOrder is the host byte order, nil for the running host
	ByteOrder binary.ByteOrder

	Sink        output.Factory
	NewDecoder  func(audio.StreamInfo) (audio.Decoder, error)
	DialControl client.DialFunc
	DialData    player.DialFunc
	Logger      *zap.Logger
}

type connectRequest struct{ addr string }
type disconnectRequest struct{}
type quitRequest struct{}

// engineEvent and audioDone carry the generation of the component that
// produced them so events from torn down components can be dropped
type engineEvent struct {
	gen uint64
	ev  client.Event
}

type audioDone struct {
	gen uint64
	err error
}

// Coordinator is the session state machine. Commands may be issued from any
// goroutine; all state changes happen on the goroutine running Run.
type Coordinator struct {
	config Config
	logger *zap.Logger

	inbox chan any
	done  chan struct{}

	state    atomic.Int32
	running  atomic.Bool
	quitting atomic.Bool

	subMu sync.Mutex
	subs  []chan Status

	// owned by Run
	gen      uint64
	conn     *client.Connection
	connGen  uint64
	host     string
	pipeline *player.Pipeline
	pipeGen  uint64
}

// NewCoordinator creates a coordinator in the Idle state
func NewCoordinator(config Config) *Coordinator {
	if config.ControlPort == 0 {
		config.ControlPort = DefaultControlPort
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Coordinator{
		config: config,
		logger: config.Logger,
		inbox:  make(chan any, inboxSize),
		done:   make(chan struct{}),
	}
}

// Subscribe returns a channel of status notifications. Slow subscribers
// miss statuses rather than stall the session. The channel is closed when
// the coordinator stops.
func (c *Coordinator) Subscribe() <-chan Status {
	ch := make(chan Status, statusBuffer)

	c.subMu.Lock()
	defer c.subMu.Unlock()

	select {
	case <-c.done:
		close(ch)
	default:
		c.subs = append(c.subs, ch)
	}
	return ch
}

// Unsubscribe stops delivery to a channel returned by Subscribe and closes it
func (c *Coordinator) Unsubscribe(sub <-chan Status) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for i, ch := range c.subs {
		if ch == sub {
			close(ch)
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

// State returns the current session state
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Done is closed once Run has returned
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Connect asks the coordinator to connect to addr, given as host or host:port
func (c *Coordinator) Connect(addr string) error {
	return c.command(connectRequest{addr: addr})
}

// Disconnect asks the coordinator to drop the session
func (c *Coordinator) Disconnect() error {
	return c.command(disconnectRequest{})
}

// Quit tears the session down and waits for Run to return. Once Quit has
// been called every other command is refused.
func (c *Coordinator) Quit() {
	c.quitting.Store(true)
	select {
	case c.inbox <- quitRequest{}:
	case <-c.done:
	}
	<-c.done
}

func (c *Coordinator) command(cmd any) error {
	if c.quitting.Load() {
		return ErrQuitting
	}
	return c.post(cmd)
}

func (c *Coordinator) post(msg any) error {
	select {
	case c.inbox <- msg:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

// Run processes commands and events until Quit is called or ctx ends
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer c.finish()

	c.logger.Info("Coordinator started", zap.String("device_id", c.config.DeviceID))

	for {
		select {
		case msg := <-c.inbox:
			if _, ok := msg.(quitRequest); ok {
				c.shutdown()
				return nil
			}
			c.handle(msg)

		case <-ctx.Done():
			c.quitting.Store(true)
			c.shutdown()
			return ctx.Err()
		}
	}
}

func (c *Coordinator) finish() {
	c.subMu.Lock()
	close(c.done)
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
	c.subMu.Unlock()

	c.logger.Info("Coordinator stopped")
}

func (c *Coordinator) handle(msg any) {
	switch m := msg.(type) {
	case connectRequest:
		c.handleConnect(m.addr)

	case disconnectRequest:
		c.handleDisconnect()

	case engineEvent:
		if c.conn == nil || m.gen != c.connGen {
			c.logger.Debug("Dropping stale connection event", zap.Stringer("kind", m.ev.Kind))
			return
		}
		c.handleEngineEvent(m.ev)

	case audioDone:
		if c.pipeline == nil || m.gen != c.pipeGen {
			c.logger.Debug("Dropping stale audio event")
			return
		}
		c.handleAudioDone(m.err)

	default:
		c.logger.Warn("Unknown coordinator message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (c *Coordinator) handleConnect(addr string) {
	if state := c.State(); state != Idle && state != Errored {
		c.logger.Warn("Ignoring connect request", zap.Stringer("state", state))
		return
	}

	address, host, err := c.resolve(addr)
	if err != nil {
		c.setState(Errored)
		c.publish(StatusConnectionError, connectionErrorText(err))
		return
	}

	c.gen++
	gen := c.gen
	conn := client.NewConnection(client.Config{
		Address:     address,
		MaxAttempts: c.config.MaxAttempts,
		RetryDelay:  c.config.RetryDelay,
		Dial:        c.config.DialControl,
		Logger:      c.logger.Named("connection"),
	})

	c.conn = conn
	c.connGen = gen
	c.host = host
	c.setState(Connecting)

	if err := conn.Start(); err != nil {
		c.failConnection(err)
		return
	}
	go c.forward(gen, conn)
}

// forward relays connection events into the inbox
func (c *Coordinator) forward(gen uint64, conn *client.Connection) {
	for ev := range conn.Events() {
		if c.post(engineEvent{gen: gen, ev: ev}) != nil {
			return
		}
	}
}

// resolve turns user input into a dial address and the bare host used for
// the audio data socket
func (c *Coordinator) resolve(addr string) (string, string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", "", errors.New("no server address")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host = strings.Trim(addr, "[]")
		port = strconv.Itoa(c.config.ControlPort)
	}
	if host == "" {
		return "", "", fmt.Errorf("invalid server address %q", addr)
	}
	return net.JoinHostPort(host, port), host, nil
}

func (c *Coordinator) handleEngineEvent(ev client.Event) {
	switch ev.Kind {
	case client.EventConnected:
		if c.State() != Connecting {
			return
		}
		c.setState(Connected)
		c.send(protocol.ClientInfo{
			Version:          c.config.Version,
			ID:               c.config.DeviceID,
			NativeSampleRate: int32(c.config.NativeSampleRate),
		})
		c.publish(StatusConnected, "Connected")

	case client.EventMessage:
		c.handleMessage(ev.Message)

	case client.EventConnectionError:
		c.failConnection(ev.Err)
	}
}

func (c *Coordinator) failConnection(err error) {
	c.stopAudio()
	c.stopConnection()
	c.setState(Errored)
	c.publish(StatusConnectionError, connectionErrorText(err))
}

func (c *Coordinator) handleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Ping:
		c.send(protocol.PingResponse{})

	case protocol.PlayAudioStream:
		c.startAudio(m)

	case protocol.ServerInfo:
		c.logger.Info("Server info", zap.String("id", m.ID), zap.String("version", m.Version))
		c.publish(StatusServerInfo, fmt.Sprintf("Server %s (version %s)", m.ID, m.Version))

	case protocol.DisconnectDevice:
		c.handleDisconnect()

	case protocol.DeviceConnectionEstablished:
		c.publish(StatusServerState, m.String())
	case protocol.DeviceConnectionDisconnected:
		c.publish(StatusServerState, m.String())
	case protocol.DeviceConnectionDisconnectedWithError:
		c.publish(StatusServerState, m.String())

	case protocol.Unrecognized:
		c.logger.Warn("Ignoring unknown message", zap.String("type", string(m.Type)))

	default:
		c.logger.Debug("Ignoring unexpected message", zap.String("type", string(msg.MessageType())))
	}
}

func (c *Coordinator) startAudio(m protocol.PlayAudioStream) {
	if c.pipeline != nil {
		c.logger.Info("Audio already active, ignoring PlayAudioStream")
		return
	}
	if c.State() != Connected {
		return
	}

	info := audio.StreamInfoFrom(c.host, m)
	p := player.NewPipeline(player.Config{
		Info:          info,
		BufferFrames:  c.config.BufferFrames,
		PoolSize:      c.config.PoolSize,
		PrimingWrites: c.config.PrimingWrites,
		ByteOrder:     c.config.ByteOrder,
		Sink:          c.config.Sink,
		NewDecoder:    c.config.NewDecoder,
		Dial:          c.config.DialData,
		Logger:        c.logger.Named("audio"),
	})

	if err := p.Start(context.Background()); err != nil {
		c.logger.Error("Audio stream rejected", zap.Error(err))
		c.publish(StatusAudioStreamError, streamErrorText(err))
		return
	}

	c.gen++
	gen := c.gen
	c.pipeline = p
	c.pipeGen = gen
	c.setState(AudioActive)
	c.publish(StatusAudioStarted, "Playing "+info.String())

	go func() {
		err := <-p.Done()
		c.post(audioDone{gen: gen, err: err})
	}()
}

func (c *Coordinator) handleAudioDone(err error) {
	c.stopAudio()
	if c.State() == AudioActive {
		c.setState(Connected)
	}
	if err != nil {
		c.logger.Error("Audio stream failed", zap.Error(err))
		c.publish(StatusAudioStreamError, streamErrorText(err))
	}
}

func (c *Coordinator) handleDisconnect() {
	if c.conn == nil && c.pipeline == nil && c.State() == Idle {
		return
	}

	c.setState(Disconnecting)
	c.stopAudio()
	c.stopConnection()
	c.setState(Idle)
	c.publish(StatusDisconnected, "Disconnected")
}

// shutdown releases audio first, then the connection
func (c *Coordinator) shutdown() {
	c.stopAudio()
	c.stopConnection()
	c.setState(Idle)
}

func (c *Coordinator) stopAudio() {
	if c.pipeline == nil {
		return
	}
	c.pipeline.Stop()
	c.pipeline = nil
}

func (c *Coordinator) stopConnection() {
	if c.conn == nil {
		return
	}
	c.conn.Stop()
	c.conn = nil
}

func (c *Coordinator) send(m protocol.Message) {
	if c.conn == nil {
		return
	}
	if err := c.conn.Send(m); err != nil {
		c.logger.Warn("Failed to queue message",
			zap.String("type", string(m.MessageType())), zap.Error(err))
	}
}

func (c *Coordinator) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Info("Session state", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

func (c *Coordinator) publish(kind StatusKind, text string) {
	status := Status{Kind: kind, State: c.State(), Text: text}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- status:
		default:
			c.logger.Debug("Status subscriber full, dropping", zap.String("status", text))
		}
	}
}

func streamErrorText(err error) string {
	var streamErr *player.StreamError
	if errors.As(err, &streamErr) {
		return streamErr.Text
	}
	return err.Error()
}
