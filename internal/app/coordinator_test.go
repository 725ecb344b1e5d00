// ABOUTME: Tests for the session coordinator
// ABOUTME: Runs full sessions against the reference server with a fake sink
package app

import (
	"context"
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonect/jonect-go/internal/output"
	"github.com/jonect/jonect-go/internal/protocol"
	"github.com/jonect/jonect-go/internal/testserver"
)

// recordingSink accepts everything and remembers when it was released
type recordingSink struct {
	mu         sync.Mutex
	writes     int
	playing    bool
	releasedAt time.Time
}

func (s *recordingSink) Write(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return len(p), nil
}

func (s *recordingSink) Play() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = true
}

func (s *recordingSink) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
}

func (s *recordingSink) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releasedAt = time.Now()
	return nil
}

func (s *recordingSink) NativeSampleRate() int { return 48000 }
func (s *recordingSink) UnderrunCount() int64  { return 0 }

func (s *recordingSink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *recordingSink) ReleasedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releasedAt
}

type harness struct {
	t      *testing.T
	server *testserver.Server
	coord  *Coordinator
	status <-chan Status

	mu    sync.Mutex
	sinks []*recordingSink
}

func newHarness(t *testing.T, serverConfig testserver.Config, tweak func(*Config)) *harness {
	t.Helper()

	srv, err := testserver.New(serverConfig)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	srv.Start()
	t.Cleanup(func() { srv.Close() })

	h := &harness{t: t, server: srv}

	config := Config{
		DeviceID:         "test-device",
		Version:          "0.1",
		NativeSampleRate: 48000,
		MaxAttempts:      3,
		RetryDelay:       time.Millisecond,
		BufferFrames:     240,
		PrimingWrites:    2,
		ByteOrder:        binary.LittleEndian,
		Sink: func(output.Attributes) (output.Sink, error) {
			sink := &recordingSink{}
			h.mu.Lock()
			h.sinks = append(h.sinks, sink)
			h.mu.Unlock()
			return sink, nil
		},
	}
	if tweak != nil {
		tweak(&config)
	}

	h.coord = NewCoordinator(config)
	h.status = h.coord.Subscribe()
	go h.coord.Run(context.Background())
	t.Cleanup(h.coord.Quit)

	return h
}

func (h *harness) sink(i int) *recordingSink {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.sinks) {
		return nil
	}
	return h.sinks[i]
}

func (h *harness) connect() {
	h.t.Helper()
	if err := h.coord.Connect(h.server.ControlAddr()); err != nil {
		h.t.Fatalf("connect: %v", err)
	}
	h.waitStatus(StatusConnected)
	h.waitReceived(func(m protocol.Message) bool {
		_, ok := m.(protocol.ClientInfo)
		return ok
	})
}

func (h *harness) waitStatus(kind StatusKind) Status {
	h.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case st, ok := <-h.status:
			if !ok {
				h.t.Fatalf("status channel closed waiting for %v", kind)
			}
			if st.Kind == kind {
				return st
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for status %v", kind)
		}
	}
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for h.coord.State() != want {
		if time.Now().After(deadline) {
			h.t.Fatalf("expected state %v, still %v", want, h.coord.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) waitReceived(match func(protocol.Message) bool) protocol.Message {
	h.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-h.server.Received():
			if match(m) {
				return m
			}
		case <-deadline:
			h.t.Fatal("timed out waiting for client message")
		}
	}
}

func (h *harness) waitEvent(kind testserver.EventKind) testserver.Event {
	h.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-h.server.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for server event %v", kind)
		}
	}
}

func (h *harness) waitWrites(i, n int) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if sink := h.sink(i); sink != nil && sink.Writes() >= n {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("sink %d did not receive %d writes", i, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func isPingResponse(m protocol.Message) bool {
	_, ok := m.(protocol.PingResponse)
	return ok
}

func TestConnectSendsClientInfo(t *testing.T) {
	h := newHarness(t, testserver.Config{}, nil)

	if h.coord.State() != Idle {
		t.Fatalf("expected Idle, got %v", h.coord.State())
	}
	if err := h.coord.Connect(h.server.ControlAddr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	st := h.waitStatus(StatusConnected)
	if st.Text != "Connected" {
		t.Errorf("expected status text Connected, got %q", st.Text)
	}
	h.waitState(Connected)

	m := h.waitReceived(func(m protocol.Message) bool {
		_, ok := m.(protocol.ClientInfo)
		return ok
	})
	info := m.(protocol.ClientInfo)
	if info.ID != "test-device" || info.NativeSampleRate != 48000 || info.Version != "0.1" {
		t.Errorf("unexpected client info %+v", info)
	}

	st = h.waitStatus(StatusServerInfo)
	if !strings.Contains(st.Text, "jonect-testserver") {
		t.Errorf("expected server id in status, got %q", st.Text)
	}
}

func TestPingGetsExactlyOneResponse(t *testing.T) {
	h := newHarness(t, testserver.Config{}, nil)
	h.connect()

	if err := h.server.Send(protocol.Ping{}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	h.waitReceived(isPingResponse)

	select {
	case m := <-h.server.Received():
		t.Errorf("expected a single response, also got %#v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPlayAudioStreamStartsPipeline(t *testing.T) {
	h := newHarness(t, testserver.Config{AutoStream: true}, nil)
	h.connect()

	h.waitState(AudioActive)
	h.waitStatus(StatusAudioStarted)
	h.waitEvent(testserver.DataConnected)
	h.waitWrites(0, 4)
}

func TestBigEndianHostRejectsPCMWithoutDialing(t *testing.T) {
	h := newHarness(t, testserver.Config{}, func(c *Config) {
		c.ByteOrder = binary.BigEndian
	})
	h.connect()

	if err := h.server.PlayAudioStream(); err != nil {
		t.Fatalf("play: %v", err)
	}

	st := h.waitStatus(StatusAudioStreamError)
	if !strings.Contains(st.Text, "little-endian") {
		t.Errorf("unexpected status text %q", st.Text)
	}
	if h.coord.State() != Connected {
		t.Errorf("expected Connected, got %v", h.coord.State())
	}
	if h.sink(0) != nil {
		t.Error("sink should not have been opened")
	}

	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case ev := <-h.server.Events():
			if ev.Kind == testserver.DataConnected {
				t.Fatal("data socket was opened")
			}
		case <-deadline:
			return
		}
	}
}

func TestAudioEOFKeepsControlConnection(t *testing.T) {
	h := newHarness(t, testserver.Config{AutoStream: true}, nil)
	h.connect()
	h.waitState(AudioActive)
	h.waitWrites(0, 2)

	h.server.CloseData()

	st := h.waitStatus(StatusAudioStreamError)
	if st.Text != "Audio stream ended" {
		t.Errorf("unexpected status text %q", st.Text)
	}
	h.waitState(Connected)
	if h.sink(0).ReleasedAt().IsZero() {
		t.Error("sink was not released")
	}

	if err := h.server.Send(protocol.Ping{}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	h.waitReceived(isPingResponse)

	// a new stream may start on the same connection
	if err := h.server.PlayAudioStream(); err != nil {
		t.Fatalf("play: %v", err)
	}
	h.waitState(AudioActive)
}

func TestDisconnectTearsDownAudioThenConnection(t *testing.T) {
	h := newHarness(t, testserver.Config{AutoStream: true}, nil)
	h.connect()
	h.waitState(AudioActive)
	h.waitWrites(0, 2)

	if err := h.coord.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	st := h.waitStatus(StatusDisconnected)
	if st.Text != "Disconnected" || st.State != Idle {
		t.Errorf("unexpected status %+v", st)
	}
	h.waitState(Idle)

	closed := h.waitEvent(testserver.ControlClosed)
	released := h.sink(0).ReleasedAt()
	if released.IsZero() {
		t.Fatal("sink was not released")
	}
	if !released.Before(closed.At) {
		t.Errorf("audio released at %v, after control closed at %v", released, closed.At)
	}
}

func TestConnectFailureReportsConnectionError(t *testing.T) {
	h := newHarness(t, testserver.Config{}, nil)

	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	refused := ln.Addr().String()
	ln.Close()

	if err := h.coord.Connect(refused); err != nil {
		t.Fatalf("connect: %v", err)
	}

	st := h.waitStatus(StatusConnectionError)
	if !strings.HasPrefix(st.Text, "Connection error: ") {
		t.Errorf("unexpected status text %q", st.Text)
	}
	h.waitState(Errored)

	// errored sessions may reconnect
	h.connect()
	h.waitState(Connected)
}

func TestServerLossIsConnectionError(t *testing.T) {
	h := newHarness(t, testserver.Config{AutoStream: true}, nil)
	h.connect()
	h.waitState(AudioActive)

	h.server.Close()

	h.waitStatus(StatusConnectionError)
	h.waitState(Errored)
}

func TestUnknownMessagesAreIgnored(t *testing.T) {
	h := newHarness(t, testserver.Config{}, nil)
	h.connect()

	h.server.SendFrame([]byte(`{"type":"AndroidGetNativeSampleRate"}`))
	h.server.SendFrame([]byte(`not json`))
	h.server.Send(protocol.Ping{})

	h.waitReceived(isPingResponse)
	if h.coord.State() != Connected {
		t.Errorf("expected Connected, got %v", h.coord.State())
	}
}

func TestSecondPlayAudioStreamIsIgnored(t *testing.T) {
	h := newHarness(t, testserver.Config{AutoStream: true}, nil)
	h.connect()
	h.waitState(AudioActive)
	h.waitEvent(testserver.DataConnected)

	h.server.PlayAudioStream()
	h.server.Send(protocol.Ping{})
	h.waitReceived(isPingResponse)

	select {
	case ev := <-h.server.Events():
		if ev.Kind == testserver.DataConnected {
			t.Error("a second data connection was opened")
		}
	case <-time.After(100 * time.Millisecond):
	}
	if h.sink(1) != nil {
		t.Error("a second sink was opened")
	}
}

func TestServerStatusesAreForwarded(t *testing.T) {
	h := newHarness(t, testserver.Config{}, nil)
	h.connect()

	h.server.Send(protocol.DeviceConnectionDisconnectedWithError{})

	st := h.waitStatus(StatusServerState)
	if st.Text != "Connection error" {
		t.Errorf("expected Connection error, got %q", st.Text)
	}
}

func TestServerDisconnectDevice(t *testing.T) {
	h := newHarness(t, testserver.Config{}, nil)
	h.connect()

	h.server.Send(protocol.DisconnectDevice{})

	h.waitStatus(StatusDisconnected)
	h.waitState(Idle)
}

func TestConnectIgnoredWhileConnected(t *testing.T) {
	h := newHarness(t, testserver.Config{}, nil)
	h.connect()

	h.coord.Connect("127.0.0.1:1")
	h.server.Send(protocol.Ping{})
	h.waitReceived(isPingResponse)

	if h.coord.State() != Connected {
		t.Errorf("expected Connected, got %v", h.coord.State())
	}
}

func TestQuitRefusesFurtherCommands(t *testing.T) {
	h := newHarness(t, testserver.Config{AutoStream: true}, nil)
	h.connect()
	h.waitState(AudioActive)

	h.coord.Quit()

	if err := h.coord.Connect(h.server.ControlAddr()); err == nil {
		t.Error("expected connect to be refused after quit")
	}
	if err := h.coord.Disconnect(); err == nil {
		t.Error("expected disconnect to be refused after quit")
	}
	if h.sink(0).ReleasedAt().IsZero() {
		t.Error("sink was not released on quit")
	}

	// drain, then the status channel must be closed
	for {
		select {
		case _, ok := <-h.status:
			if !ok {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("status channel not closed after quit")
		}
	}
}

func TestResolveAddress(t *testing.T) {
	c := NewCoordinator(Config{ControlPort: 8080})

	tests := []struct {
		in       string
		wantAddr string
		wantHost string
	}{
		{"192.168.1.10", "192.168.1.10:8080", "192.168.1.10"},
		{"192.168.1.10:9000", "192.168.1.10:9000", "192.168.1.10"},
		{" host.local ", "host.local:8080", "host.local"},
		{"[fe80::1]:9000", "[fe80::1]:9000", "fe80::1"},
		{"fe80::1", "[fe80::1]:8080", "fe80::1"},
	}

	for _, tt := range tests {
		addr, host, err := c.resolve(tt.in)
		if err != nil {
			t.Errorf("%q: unexpected error %v", tt.in, err)
			continue
		}
		if addr != tt.wantAddr || host != tt.wantHost {
			t.Errorf("%q: expected %s %s, got %s %s", tt.in, tt.wantAddr, tt.wantHost, addr, host)
		}
	}

	if _, _, err := c.resolve("   "); err == nil {
		t.Error("expected error for empty address")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	c := NewCoordinator(Config{})
	go c.Run(context.Background())
	defer c.Quit()

	sub := c.Subscribe()
	c.Unsubscribe(sub)

	if _, ok := <-sub; ok {
		t.Error("expected unsubscribed channel to be closed")
	}
	// unknown channels are ignored
	c.Unsubscribe(make(chan Status))
}
