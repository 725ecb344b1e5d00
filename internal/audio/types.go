// ABOUTME: Audio stream description and format validation
// ABOUTME: Derives read buffer sizing from channel count and sample width
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/jonect/jonect-go/internal/protocol"
)

// Stream formats advertised in PlayAudioStream
const (
	FormatPCMS16LE = "pcm-s16le"
	FormatOpus     = "opus"
)

// BytesPerSample is the width of one 16-bit PCM sample
const BytesPerSample = 2

var (
	ErrUnsupportedFormat   = errors.New("audio: unsupported stream format")
	ErrUnsupportedChannels = errors.New("audio: unsupported channel count")
	ErrByteOrder           = errors.New("audio: native byte order is not little-endian")
)

// StreamInfo describes one audio stream. It is not modified after the
// pipeline has been built from it.
type StreamInfo struct {
	Address  string
	Format   string
	Channels int
	Rate     int
	Port     int
}

// StreamInfoFrom combines the server address with a PlayAudioStream request
func StreamInfoFrom(addr string, m protocol.PlayAudioStream) StreamInfo {
	return StreamInfo{
		Address:  addr,
		Format:   m.Format,
		Channels: int(m.Channels),
		Rate:     int(m.Rate),
		Port:     int(m.Port),
	}
}

// DataAddress is the host:port of the audio data socket
func (s StreamInfo) DataAddress() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// Compressed reports whether the stream needs a decoder
func (s StreamInfo) Compressed() bool {
	return s.Format == FormatOpus
}

// FrameSize is the byte size of one interleaved sample frame
func (s StreamInfo) FrameSize() int {
	return BytesPerSample * s.Channels
}

// Validate checks that the stream can be played on a host with the given
// byte order. Every failure is fatal for the stream.
func (s StreamInfo) Validate(order binary.ByteOrder) error {
	if s.Channels != 1 && s.Channels != 2 {
		return fmt.Errorf("%w: %d", ErrUnsupportedChannels, s.Channels)
	}
	if s.Rate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, s.Rate)
	}

	switch s.Format {
	case FormatPCMS16LE:
		if !IsLittleEndian(order) {
			return ErrByteOrder
		}
		return nil
	case FormatOpus:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, s.Format)
	}
}

// BufferSize returns the read buffer capacity for the given number of frames.
// The result is always a multiple of FrameSize.
func (s StreamInfo) BufferSize(frames int) int {
	if frames <= 0 {
		frames = 1
	}
	return frames * s.FrameSize()
}

// String renders the stream for logs and status
func (s StreamInfo) String() string {
	return fmt.Sprintf("%s %dHz %dch from %s", s.Format, s.Rate, s.Channels, s.DataAddress())
}

// NativeByteOrder is the byte order of the running host
func NativeByteOrder() binary.ByteOrder {
	return binary.NativeEndian
}

// IsLittleEndian reports whether order stores the low byte first
func IsLittleEndian(order binary.ByteOrder) bool {
	return order.Uint16([]byte{1, 0}) == 1
}
