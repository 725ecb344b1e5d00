// ABOUTME: Tests for the playback driver
// ABOUTME: Verifies priming order, short writes and cancellation
package player

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/jonect/jonect-go/internal/audio"
)

func waitWrites(t *testing.T, sink *fakeSink, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for len(sink.Written()) < n {
		select {
		case <-sink.wrote:
		case <-deadline:
			t.Fatalf("expected %d writes, got %d", n, len(sink.Written()))
		}
	}
}

func TestPlaybackPrimesBeforePlay(t *testing.T) {
	sink := newFakeSink()
	buffers := audio.NewBufferManager(8, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := byte(0); i < 6; i++ {
		buffers.PublishFilled(ctx, []byte{i, i, i, i})
	}

	done := make(chan error, 1)
	go func() {
		done <- NewPlayback(sink, buffers, 4, nil).Run(ctx)
	}()

	waitWrites(t, sink, 6)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}

	want := []string{"write", "write", "write", "write", "play", "write", "write"}
	if got := sink.Calls(); !slices.Equal(got, want) {
		t.Errorf("expected calls %v, got %v", want, got)
	}

	// FIFO order preserved
	for i, buf := range sink.Written() {
		if buf[0] != byte(i) {
			t.Errorf("write %d: expected buffer %d, got %d", i, i, buf[0])
		}
	}

	// buffers were recycled; the last one may be abandoned by the cancel
	if buffers.Pooled() < 5 {
		t.Errorf("expected recycled buffers, got %d", buffers.Pooled())
	}
}

func TestPlaybackWithoutPriming(t *testing.T) {
	sink := newFakeSink()
	buffers := audio.NewBufferManager(2, 4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- NewPlayback(sink, buffers, 0, nil).Run(ctx)
	}()

	buffers.PublishFilled(ctx, []byte{1, 1, 1, 1})
	waitWrites(t, sink, 1)
	cancel()
	<-done

	if got := sink.Calls(); len(got) < 2 || got[0] != "play" {
		t.Errorf("expected play before the first write, got %v", got)
	}
}

func TestPlaybackShortWriteIsFatal(t *testing.T) {
	sink := newFakeSink()
	sink.short = true
	buffers := audio.NewBufferManager(2, 4)
	ctx := context.Background()

	buffers.PublishFilled(ctx, []byte{1, 2, 3, 4})

	err := NewPlayback(sink, buffers, 2, nil).Run(ctx)
	if !errors.Is(err, ErrShortWrite) {
		t.Fatalf("expected ErrShortWrite, got %v", err)
	}

	var streamErr *StreamError
	if !errors.As(err, &streamErr) || streamErr.Text == "" {
		t.Errorf("expected StreamError with text, got %#v", err)
	}
}

func TestPlaybackUnderrunIsNotFatal(t *testing.T) {
	sink := newFakeSink()
	sink.underruns = 3
	buffers := audio.NewBufferManager(4, 2)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- NewPlayback(sink, buffers, 1, nil).Run(ctx)
	}()

	buffers.PublishFilled(ctx, []byte{1, 1})
	buffers.PublishFilled(ctx, []byte{2, 2})
	waitWrites(t, sink, 2)
	cancel()

	if err := <-done; err != nil {
		t.Errorf("expected clean stop, got %v", err)
	}
}
