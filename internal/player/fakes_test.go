// ABOUTME: Test doubles for the audio pipeline
// ABOUTME: A recording sink, a loopback data server and stream helpers
package player

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/jonect/jonect-go/internal/audio"
	"github.com/jonect/jonect-go/internal/output"
)

// fakeSink records every call made to it
type fakeSink struct {
	mu        sync.Mutex
	calls     []string
	written   [][]byte
	short     bool
	underruns int64
	native    int
	wrote     chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{native: 48000, wrote: make(chan struct{}, 1024)}
}

func (s *fakeSink) Write(ctx context.Context, p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, "write")
	s.written = append(s.written, append([]byte(nil), p...))
	select {
	case s.wrote <- struct{}{}:
	default:
	}
	if s.short {
		return len(p) - 1, nil
	}
	return len(p), nil
}

func (s *fakeSink) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeSink) Play()          { s.record("play") }
func (s *fakeSink) Pause()         { s.record("pause") }
func (s *fakeSink) Release() error { s.record("release"); return nil }

func (s *fakeSink) NativeSampleRate() int { return s.native }

func (s *fakeSink) UnderrunCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.underruns
}

func (s *fakeSink) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeSink) Written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.written...)
}

func (s *fakeSink) factory() output.Factory {
	return func(output.Attributes) (output.Sink, error) { return s, nil }
}

// dataServer accepts one audio connection and hands it to serve
func dataServer(t *testing.T, serve func(net.Conn)) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ = strconv.Atoi(portStr)
	return host, port
}

func pcmInfo(host string, port int) audio.StreamInfo {
	return audio.StreamInfo{
		Address:  host,
		Format:   audio.FormatPCMS16LE,
		Channels: 2,
		Rate:     48000,
		Port:     port,
	}
}
