// ABOUTME: Decoder for compressed audio streams
// ABOUTME: Turns Opus packets into interleaved 16-bit little-endian PCM
package audio

import (
	"encoding/binary"
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// maxOpusFrame is the largest Opus frame in samples per channel (120ms at 48kHz)
const maxOpusFrame = 5760

// Decoder decodes one compressed packet at a time
type Decoder interface {
	// Decode returns the PCM for one packet. The returned slice is only
	// valid until the next call.
	Decode(packet []byte) ([]byte, error)
	Close() error
}

// NewDecoder creates a decoder for a compressed stream
func NewDecoder(info StreamInfo) (Decoder, error) {
	switch info.Format {
	case FormatOpus:
		return NewOpusDecoder(info.Rate, info.Channels)
	default:
		return nil, fmt.Errorf("%w: no decoder for %q", ErrUnsupportedFormat, info.Format)
	}
}

// OpusDecoder decodes Opus audio
type OpusDecoder struct {
	decoder  *opus.Decoder
	channels int
	pcm      []int16
	out      []byte
}

// NewOpusDecoder creates an Opus decoder for the given rate and channel count
func NewOpusDecoder(rate, channels int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(rate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}

	return &OpusDecoder{
		decoder:  dec,
		channels: channels,
		pcm:      make([]int16, maxOpusFrame*channels),
		out:      make([]byte, maxOpusFrame*channels*BytesPerSample),
	}, nil
}

func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	n, err := d.decoder.Decode(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode failed: %w", err)
	}

	samples := n * d.channels
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(d.out[i*BytesPerSample:], uint16(d.pcm[i]))
	}
	return d.out[:samples*BytesPerSample], nil
}

func (d *OpusDecoder) Close() error {
	return nil
}
