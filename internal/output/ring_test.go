// ABOUTME: Tests for the output ring buffer and volume scaling
// ABOUTME: Covers wraparound, blocking writes and underrun counting
package output

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestRingBufferWrapAround(t *testing.T) {
	ctx := context.Background()
	rb := NewRingBuffer(8)

	rb.Write(ctx, []byte{1, 2, 3, 4, 5, 6})
	out := make([]byte, 4)
	rb.Read(out)
	if !bytes.Equal(out, []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected first read %v", out)
	}

	// wraps past the end of the backing slice
	rb.Write(ctx, []byte{7, 8, 9, 10, 11, 12})
	if rb.Buffered() != 8 {
		t.Fatalf("expected 8 buffered bytes, got %d", rb.Buffered())
	}

	out = make([]byte, 8)
	rb.Read(out)
	if !bytes.Equal(out, []byte{5, 6, 7, 8, 9, 10, 11, 12}) {
		t.Errorf("unexpected wrapped read %v", out)
	}
}

func TestRingBufferZeroFillsAndCountsUnderruns(t *testing.T) {
	ctx := context.Background()
	rb := NewRingBuffer(8)
	rb.Write(ctx, []byte{9, 9})

	out := []byte{1, 1, 1, 1}
	n, err := rb.Read(out)
	if n != 4 || err != nil {
		t.Fatalf("expected full read, got %d %v", n, err)
	}
	if !bytes.Equal(out, []byte{9, 9, 0, 0}) {
		t.Errorf("expected zero fill, got %v", out)
	}
	if rb.Underruns() != 1 {
		t.Errorf("expected 1 underrun, got %d", rb.Underruns())
	}

	// still starving: same underrun
	rb.Read(out)
	if rb.Underruns() != 1 {
		t.Errorf("expected continued starvation to count once, got %d", rb.Underruns())
	}

	// recover then starve again
	rb.Write(ctx, []byte{1, 2, 3, 4})
	rb.Read(out)
	rb.Read(out)
	if rb.Underruns() != 2 {
		t.Errorf("expected 2 underruns, got %d", rb.Underruns())
	}
}

func TestRingBufferWriteBlocksUntilRead(t *testing.T) {
	ctx := context.Background()
	rb := NewRingBuffer(4)
	rb.Write(ctx, []byte{1, 2, 3, 4})

	done := make(chan int, 1)
	go func() {
		n, _ := rb.Write(ctx, []byte{5, 6})
		done <- n
	}()

	select {
	case <-done:
		t.Fatal("write into a full ring should block")
	case <-time.After(50 * time.Millisecond):
	}

	rb.Read(make([]byte, 2))

	select {
	case n := <-done:
		if n != 2 {
			t.Errorf("expected 2 bytes written, got %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("write did not resume")
	}
}

func TestRingBufferCloseReleasesWriter(t *testing.T) {
	ctx := context.Background()
	rb := NewRingBuffer(2)
	rb.Write(ctx, []byte{1, 2})

	done := make(chan error, 1)
	go func() {
		_, err := rb.Write(ctx, []byte{3})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	rb.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrReleased) {
			t.Errorf("expected ErrReleased, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close did not wake the writer")
	}
}

func TestVolumeMultiplier(t *testing.T) {
	tests := []struct {
		volume   int
		expected float64
	}{
		{100, 1.0},
		{50, 0.5},
		{0, 0.0},
		{150, 1.0},
	}

	for _, tt := range tests {
		result := getVolumeMultiplier(tt.volume)
		if result != tt.expected {
			t.Errorf("volume=%d: expected %f, got %f", tt.volume, tt.expected, result)
		}
	}
}

func TestApplyVolume(t *testing.T) {
	src := make([]byte, 4)
	binary.LittleEndian.PutUint16(src[0:], uint16(int16(1000)))
	binary.LittleEndian.PutUint16(src[2:], uint16(int16(-1000)))

	dst := make([]byte, 4)
	applyVolume(dst, src, 50)

	if got := int16(binary.LittleEndian.Uint16(dst[0:])); got != 500 {
		t.Errorf("expected 500, got %d", got)
	}
	if got := int16(binary.LittleEndian.Uint16(dst[2:])); got != -500 {
		t.Errorf("expected -500, got %d", got)
	}
}

func TestRingBufferWriteHonorsContext(t *testing.T) {
	rb := NewRingBuffer(2)
	rb.Write(context.Background(), []byte{1, 2})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := rb.Write(ctx, []byte{3, 4})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancel did not wake the writer")
	}
}
