// ABOUTME: Reference Jonect server for development and integration tests
// ABOUTME: Serves the control protocol and streams a test tone on the data port
package testserver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jonect/jonect-go/internal/audio"
	"github.com/jonect/jonect-go/internal/protocol"
	"go.uber.org/zap"
)

const (
	// ProtocolVersion is reported in ServerInfo
	ProtocolVersion = "0.1"

	chunkDuration = 20 * time.Millisecond
)

// Config holds server configuration
type Config struct {
	ControlAddr string
	DataAddr    string
	ServerID    string

	Format   string
	Channels int
	Rate     int

	// AutoStream sends PlayAudioStream once the client sent ClientInfo
	AutoStream   bool
	PingInterval time.Duration
	Logger       *zap.Logger
}

// EventKind identifies a connection change seen by the server
type EventKind int

const (
	ControlConnected EventKind = iota
	ControlClosed
	DataConnected
	DataClosed
)

func (k EventKind) String() string {
	switch k {
	case ControlConnected:
		return "control connected"
	case ControlClosed:
		return "control closed"
	case DataConnected:
		return "data connected"
	case DataClosed:
		return "data closed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a connection change with the time it was observed
type Event struct {
	Kind EventKind
	At   time.Time
}

// Server is a single-client Jonect server
type Server struct {
	config Config
	logger *zap.Logger

	control net.Listener
	data    net.Listener

	mu        sync.Mutex
	conn      net.Conn
	writeMu   sync.Mutex
	dataConns map[net.Conn]struct{}

	received chan protocol.Message
	events   chan Event

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a server listening on both ports
func New(config Config) (*Server, error) {
	if config.ControlAddr == "" {
		config.ControlAddr = "127.0.0.1:0"
	}
	if config.DataAddr == "" {
		config.DataAddr = "127.0.0.1:0"
	}
	if config.ServerID == "" {
		config.ServerID = "jonect-testserver"
	}
	if config.Format == "" {
		config.Format = audio.FormatPCMS16LE
	}
	if config.Channels == 0 {
		config.Channels = 2
	}
	if config.Rate == 0 {
		config.Rate = 48000
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	control, err := net.Listen("tcp", config.ControlAddr)
	if err != nil {
		return nil, fmt.Errorf("control listen failed: %w", err)
	}
	data, err := net.Listen("tcp", config.DataAddr)
	if err != nil {
		control.Close()
		return nil, fmt.Errorf("data listen failed: %w", err)
	}

	return &Server{
		config:    config,
		logger:    config.Logger,
		control:   control,
		data:      data,
		dataConns: make(map[net.Conn]struct{}),
		received:  make(chan protocol.Message, 64),
		events:    make(chan Event, 64),
		stopChan:  make(chan struct{}),
	}, nil
}

// Start accepts connections in the background
func (s *Server) Start() {
	s.wg.Add(2)
	go s.acceptControl()
	go s.acceptData()

	s.logger.Info("Test server listening",
		zap.String("control", s.control.Addr().String()),
		zap.String("data", s.data.Addr().String()),
		zap.String("format", s.config.Format))
}

// ControlAddr is the host:port clients connect to
func (s *Server) ControlAddr() string {
	return s.control.Addr().String()
}

// DataPort is advertised in PlayAudioStream
func (s *Server) DataPort() int {
	return s.data.Addr().(*net.TCPAddr).Port
}

// Received yields every message the client sent
func (s *Server) Received() <-chan protocol.Message {
	return s.received
}

// Events yields connection changes
func (s *Server) Events() <-chan Event {
	return s.events
}

// Send writes one message to the connected client
func (s *Server) Send(m protocol.Message) error {
	payload, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return s.SendFrame(payload)
}

// SendFrame writes a raw payload as one frame, valid JSON or not
func (s *Server) SendFrame(payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return errors.New("testserver: no client connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := conn.Write(protocol.EncodeFrame(payload))
	return err
}

// PlayAudioStream tells the client to start streaming from this server
func (s *Server) PlayAudioStream() error {
	return s.Send(protocol.PlayAudioStream{
		Format:   s.config.Format,
		Channels: uint8(s.config.Channels),
		Rate:     uint32(s.config.Rate),
		Port:     uint16(s.DataPort()),
	})
}

// CloseData drops every open data connection
func (s *Server) CloseData() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.dataConns {
		conn.Close()
	}
}

// Close stops the server and waits for its goroutines
func (s *Server) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.control.Close()
		s.data.Close()

		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		for conn := range s.dataConns {
			conn.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	return nil
}

func (s *Server) emit(kind EventKind) {
	select {
	case s.events <- Event{Kind: kind, At: time.Now()}:
	default:
	}
}

func (s *Server) acceptControl() {
	defer s.wg.Done()

	for {
		conn, err := s.control.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.conn = conn
		s.mu.Unlock()

		s.logger.Info("Client connected", zap.String("remote", conn.RemoteAddr().String()))
		s.emit(ControlConnected)

		s.wg.Add(1)
		go s.serveControl(conn)
	}
}

func (s *Server) serveControl(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()

		s.logger.Info("Client disconnected")
		s.emit(ControlClosed)
	}()

	if err := s.Send(protocol.ServerInfo{Version: ProtocolVersion, ID: s.config.ServerID}); err != nil {
		s.logger.Warn("Failed to send server info", zap.Error(err))
		return
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	if s.config.PingInterval > 0 {
		s.wg.Add(1)
		go s.pingLoop(pingDone)
	}

	for {
		payload, err := protocol.ReadFrame(conn, protocol.DefaultMaxFrameSize)
		if err != nil {
			break
		}
		msg, err := protocol.Decode(payload)
		if err != nil {
			s.logger.Warn("Dropping bad message", zap.Error(err))
			continue
		}

		s.logger.Debug("Received", zap.String("type", string(msg.MessageType())))
		select {
		case s.received <- msg:
		default:
		}

		if _, ok := msg.(protocol.ClientInfo); ok && s.config.AutoStream {
			if err := s.PlayAudioStream(); err != nil {
				s.logger.Warn("Failed to start stream", zap.Error(err))
			}
		}
	}
}

func (s *Server) pingLoop(done <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Send(protocol.Ping{}); err != nil {
				return
			}
		case <-done:
			return
		case <-s.stopChan:
			return
		}
	}
}

func (s *Server) acceptData() {
	defer s.wg.Done()

	for {
		conn, err := s.data.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.dataConns[conn] = struct{}{}
		s.mu.Unlock()
		s.emit(DataConnected)

		s.wg.Add(1)
		go s.streamTone(conn)
	}
}

// streamTone writes the tone in real time until the connection fails
func (s *Server) streamTone(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.dataConns, conn)
		s.mu.Unlock()
		s.emit(DataClosed)
	}()

	tone := NewTone(s.config.Rate, s.config.Channels)
	frames := s.config.Rate * int(chunkDuration/time.Millisecond) / 1000
	samples := make([]int16, frames*s.config.Channels)

	var encoder *opusEncoder
	if s.config.Format == audio.FormatOpus {
		var err error
		encoder, err = newOpusEncoder(s.config.Rate, s.config.Channels, s.logger)
		if err != nil {
			s.logger.Error("Cannot stream opus", zap.Error(err))
			return
		}
	}

	ticker := time.NewTicker(chunkDuration)
	defer ticker.Stop()

	var sent int64
	for {
		tone.Read(samples)

		var chunk []byte
		if encoder != nil {
			packet, err := encoder.Encode(samples)
			if err != nil {
				s.logger.Error("Encode failed", zap.Error(err))
				return
			}
			chunk = protocol.EncodeFrame(packet)
		} else {
			chunk = encodePCM(samples)
		}

		if _, err := conn.Write(chunk); err != nil {
			s.logger.Info("Audio stream closed", zap.Int64("chunks", sent), zap.Error(err))
			return
		}
		sent++

		select {
		case <-ticker.C:
		case <-s.stopChan:
			return
		}
	}
}
