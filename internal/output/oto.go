// ABOUTME: Oto-based audio sink
// ABOUTME: A ring buffer feeds a persistent oto player with software volume
package output

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

// ErrFormatLocked is returned when a sink is requested with a format other
// than the one the process-wide oto context was created with
var ErrFormatLocked = errors.New("output: audio device already opened with another format")

// OtoConfig configures sinks created by NewOto
type OtoConfig struct {
	// NativeSampleRate is reported to the server as the preferred rate
	NativeSampleRate int
	// Volume is 0-100
	Volume int
	Logger *zap.Logger
}

// oto allows one context per process
var device struct {
	mu       sync.Mutex
	ctx      *oto.Context
	rate     int
	channels int
}

func otoContext(rate, channels int, buffer time.Duration) (*oto.Context, error) {
	device.mu.Lock()
	defer device.mu.Unlock()

	if device.ctx != nil {
		if device.rate != rate || device.channels != channels {
			return nil, fmt.Errorf("%w: have %dHz %dch, want %dHz %dch",
				ErrFormatLocked, device.rate, device.channels, rate, channels)
		}
		return device.ctx, nil
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   buffer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-ready

	device.ctx = ctx
	device.rate = rate
	device.channels = channels
	return ctx, nil
}

// Oto is a Sink backed by the oto library
type Oto struct {
	player *oto.Player
	ring   *RingBuffer
	native int
	volume int
	scaled []byte
	logger *zap.Logger
}

// NewOto returns a Factory that opens oto sinks
func NewOto(cfg OtoConfig) Factory {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Volume = min(max(cfg.Volume, 0), 100)
	return func(attrs Attributes) (Sink, error) {
		return openOto(cfg, attrs)
	}
}

func openOto(cfg OtoConfig, attrs Attributes) (*Oto, error) {
	if attrs.Channels != 1 && attrs.Channels != 2 {
		return nil, fmt.Errorf("output: unsupported channel count %d", attrs.Channels)
	}

	bufferBytes := attrs.BufferBytes
	if bufferBytes <= 0 {
		// 100ms
		bufferBytes = attrs.SampleRate * attrs.Channels * 2 / 10
	}
	frameBytes := attrs.Channels * 2
	bufferBytes -= bufferBytes % frameBytes

	// Smallest device buffer when no resampling is needed
	deviceBuffer := time.Duration(0)
	if attrs.SampleRate == cfg.NativeSampleRate {
		deviceBuffer = 10 * time.Millisecond
		cfg.Logger.Info("Low latency output path",
			zap.Int("sample_rate", attrs.SampleRate))
	}

	ctx, err := otoContext(attrs.SampleRate, attrs.Channels, deviceBuffer)
	if err != nil {
		return nil, err
	}

	ring := NewRingBuffer(bufferBytes)
	o := &Oto{
		player: ctx.NewPlayer(ring),
		ring:   ring,
		native: cfg.NativeSampleRate,
		volume: cfg.Volume,
		logger: cfg.Logger,
	}

	cfg.Logger.Info("Audio output initialized",
		zap.Int("sample_rate", attrs.SampleRate),
		zap.Int("channels", attrs.Channels),
		zap.Int("buffer_bytes", bufferBytes))

	return o, nil
}

// Write queues PCM for playback, blocking while the ring buffer is full
func (o *Oto) Write(ctx context.Context, p []byte) (int, error) {
	if o.volume >= 100 {
		return o.ring.Write(ctx, p)
	}

	if cap(o.scaled) < len(p) {
		o.scaled = make([]byte, len(p))
	}
	scaled := o.scaled[:len(p)]
	applyVolume(scaled, p, o.volume)
	return o.ring.Write(ctx, scaled)
}

func (o *Oto) Play() {
	o.player.Play()
}

func (o *Oto) Pause() {
	o.player.Pause()
}

// Release stops playback and wakes any blocked writer
func (o *Oto) Release() error {
	o.ring.Close()
	if err := o.player.Close(); err != nil {
		return fmt.Errorf("failed to close oto player: %w", err)
	}
	return nil
}

func (o *Oto) NativeSampleRate() int {
	return o.native
}

func (o *Oto) UnderrunCount() int64 {
	return o.ring.Underruns()
}

// applyVolume scales 16-bit little-endian samples from src into dst
func applyVolume(dst, src []byte, volume int) {
	multiplier := getVolumeMultiplier(volume)
	for i := 0; i+1 < len(src); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(src[i:]))
		binary.LittleEndian.PutUint16(dst[i:], uint16(int16(float64(sample)*multiplier)))
	}
}

func getVolumeMultiplier(volume int) float64 {
	if volume <= 0 {
		return 0.0
	}
	if volume >= 100 {
		return 1.0
	}
	return float64(volume) / 100.0
}
