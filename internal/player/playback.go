// ABOUTME: Playback driver moving filled buffers into the audio sink
// ABOUTME: Primes the sink before starting it and tracks underruns
package player

import (
	"context"

	"github.com/jonect/jonect-go/internal/audio"
	"github.com/jonect/jonect-go/internal/output"
	"go.uber.org/zap"
)

// DefaultPrimingWrites is the number of buffers written before play starts
const DefaultPrimingWrites = 4

// Playback runs independently of network timing, blocking only on the
// playable queue and on sink writes.
type Playback struct {
	sink    output.Sink
	buffers *audio.BufferManager
	priming int
	logger  *zap.Logger

	written   int64
	underruns int64
	playing   bool
}

// NewPlayback creates a playback driver. priming below zero selects the default.
func NewPlayback(sink output.Sink, buffers *audio.BufferManager, priming int, logger *zap.Logger) *Playback {
	if priming < 0 {
		priming = DefaultPrimingWrites
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Playback{
		sink:    sink,
		buffers: buffers,
		priming: priming,
		logger:  logger,
	}
}

// Run plays buffers until ctx ends (nil) or the sink fails
func (pb *Playback) Run(ctx context.Context) error {
	if pb.priming == 0 {
		pb.start()
	}

	for {
		buf, err := pb.buffers.TakeFilled(ctx)
		if err != nil {
			return nil
		}

		n, err := pb.sink.Write(ctx, buf)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return streamError("Audio output error", err)
		}
		if n != len(buf) {
			return streamError("Audio output error", ErrShortWrite)
		}
		pb.buffers.ReleaseWritable(buf)
		pb.written++

		if !pb.playing && pb.written >= int64(pb.priming) {
			pb.start()
		}
		pb.checkUnderruns()
	}
}

func (pb *Playback) start() {
	pb.sink.Play()
	pb.playing = true
	pb.logger.Info("Playback started", zap.Int64("primed_buffers", pb.written))
}

func (pb *Playback) checkUnderruns() {
	count := pb.sink.UnderrunCount()
	if count > pb.underruns {
		pb.logger.Warn("Audio underrun", zap.Int64("total", count), zap.Int64("new", count-pb.underruns))
		pb.underruns = count
	}
}
