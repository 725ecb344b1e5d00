// ABOUTME: Audio sink interface used by the playback driver
// ABOUTME: A sink accepts 16-bit little-endian PCM and reports underruns
package output

import (
	"context"
	"errors"
)

// ErrReleased is returned by writes to a released sink
var ErrReleased = errors.New("output: sink released")

// Attributes describe the PCM a sink is opened for
type Attributes struct {
	SampleRate int
	Channels   int
	// BufferBytes sizes the sink's internal buffer
	BufferBytes int
}

// Sink is an opened audio output
type Sink interface {
	// Write blocks until all of p has been accepted, the sink fails or
	// ctx is done
	Write(ctx context.Context, p []byte) (int, error)
	Play()
	Pause()
	Release() error
	NativeSampleRate() int
	UnderrunCount() int64
}

// Factory opens a sink
type Factory func(Attributes) (Sink, error)
