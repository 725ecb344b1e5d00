// ABOUTME: Opus encoder for the reference server's compressed stream
// ABOUTME: Wraps libopus to encode PCM frames into Opus packets
package testserver

import (
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/hraban/opus.v2"
)

// maxOpusPacket is the largest packet libopus produces
const maxOpusPacket = 4000

type opusEncoder struct {
	encoder *opus.Encoder
	out     []byte
}

func newOpusEncoder(sampleRate, channels int, logger *zap.Logger) (*opusEncoder, error) {
	encoder, err := opus.NewEncoder(sampleRate, channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}

	// 64 kbps per channel
	if err := encoder.SetBitrate(64000 * channels); err != nil {
		logger.Warn("Failed to set opus bitrate", zap.Error(err))
	}

	return &opusEncoder{encoder: encoder, out: make([]byte, maxOpusPacket)}, nil
}

// Encode returns one packet for a full frame of interleaved samples
func (e *opusEncoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.encoder.Encode(pcm, e.out)
	if err != nil {
		return nil, fmt.Errorf("opus encode failed: %w", err)
	}
	return e.out[:n], nil
}
