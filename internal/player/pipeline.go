// ABOUTME: Audio pipeline pairing ingest with playback for one stream
// ABOUTME: Validates the stream, opens the sink and runs both as one group
package player

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/jonect/jonect-go/internal/audio"
	"github.com/jonect/jonect-go/internal/output"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrAlreadyStarted = errors.New("player: pipeline already started")

// Config holds pipeline configuration
type Config struct {
	Info          audio.StreamInfo
	BufferFrames  int
	PoolSize      int
	PrimingWrites int
	// ByteOrder is the host byte order, nil for the running host
	ByteOrder  binary.ByteOrder
	Sink       output.Factory
	NewDecoder func(audio.StreamInfo) (audio.Decoder, error)
	Dial       DialFunc
	Logger     *zap.Logger
}

// Pipeline is one audio stream from data socket to sink
type Pipeline struct {
	config  Config
	logger  *zap.Logger
	buffers *audio.BufferManager

	sink    output.Sink
	decoder audio.Decoder

	cancel   context.CancelFunc
	done     chan error
	finished chan struct{}
	stopOnce sync.Once
}

// NewPipeline creates an unstarted pipeline
func NewPipeline(config Config) *Pipeline {
	if config.ByteOrder == nil {
		config.ByteOrder = audio.NativeByteOrder()
	}
	if config.NewDecoder == nil {
		config.NewDecoder = audio.NewDecoder
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Pipeline{
		config:   config,
		logger:   config.Logger,
		done:     make(chan error, 1),
		finished: make(chan struct{}),
	}
}

// Start validates the stream and starts ingest and playback. Validation
// happens before the data socket is opened; every error returned is a
// *StreamError.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.cancel != nil {
		return ErrAlreadyStarted
	}

	info := p.config.Info
	if err := info.Validate(p.config.ByteOrder); err != nil {
		return streamError(validationText(info, err), err)
	}

	if info.Compressed() {
		decoder, err := p.config.NewDecoder(info)
		if err != nil {
			return streamError("Audio decoder unavailable", err)
		}
		p.decoder = decoder
	}

	bufferSize := info.BufferSize(p.config.BufferFrames)
	p.buffers = audio.NewBufferManager(p.config.PoolSize, bufferSize)

	priming := p.config.PrimingWrites
	if priming < 0 {
		priming = DefaultPrimingWrites
	}
	sink, err := p.config.Sink(output.Attributes{
		SampleRate: info.Rate,
		Channels:   info.Channels,
		// room for the priming writes plus one in flight
		BufferBytes: max(bufferSize*(priming+2), info.Rate*info.FrameSize()/10),
	})
	if err != nil {
		p.closeDecoder()
		return streamError("Audio output unavailable", err)
	}
	p.sink = sink

	if info.Rate == sink.NativeSampleRate() {
		p.logger.Info("Stream rate matches native output rate", zap.Int("rate", info.Rate))
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	ingest := NewIngest(info, p.buffers, p.decoder, p.config.Dial, p.logger.Named("ingest"))
	playback := NewPlayback(sink, p.buffers, priming, p.logger.Named("playback"))

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return ingest.Run(gctx) })
	g.Go(func() error { return playback.Run(gctx) })

	go func() {
		err := g.Wait()
		p.done <- err
		close(p.finished)
	}()

	p.logger.Info("Audio pipeline started",
		zap.String("stream", info.String()),
		zap.Int("buffer_size", bufferSize))
	return nil
}

// Done yields the terminal error once both workers have stopped. The error
// is nil when the pipeline was stopped.
func (p *Pipeline) Done() <-chan error {
	return p.done
}

// Buffers exposes the buffer manager of a started pipeline
func (p *Pipeline) Buffers() *audio.BufferManager {
	return p.buffers
}

// Stop pauses the sink, interrupts both workers, waits for them to exit and
// then releases the sink. It is safe to call more than once.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel == nil {
			return
		}
		p.sink.Pause()
		p.cancel()
		<-p.finished

		if err := p.sink.Release(); err != nil {
			p.logger.Warn("Failed to release audio output", zap.Error(err))
		}
		p.closeDecoder()
		p.logger.Info("Audio pipeline stopped",
			zap.Int64("allocated", p.buffers.Allocated()),
			zap.Int64("dropped", p.buffers.Dropped()))
	})
}

func (p *Pipeline) closeDecoder() {
	if p.decoder != nil {
		p.decoder.Close()
	}
}

func validationText(info audio.StreamInfo, err error) string {
	switch {
	case errors.Is(err, audio.ErrByteOrder):
		return "Audio stream error: this device is not little-endian"
	case errors.Is(err, audio.ErrUnsupportedChannels):
		return fmt.Sprintf("Audio stream error: unsupported channel count %d", info.Channels)
	default:
		return fmt.Sprintf("Audio stream error: unsupported format %q", info.Format)
	}
}
