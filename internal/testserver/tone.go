// ABOUTME: Test tone generator for the reference server
// ABOUTME: Generates a 440Hz sine wave as interleaved 16-bit PCM
package testserver

import (
	"encoding/binary"
	"math"
)

// Tone generates a sine wave at 50% volume
type Tone struct {
	frequency   float64
	sampleRate  int
	channels    int
	sampleIndex uint64
}

// NewTone creates a 440Hz tone
func NewTone(sampleRate, channels int) *Tone {
	return &Tone{
		frequency:  440.0, // A4 note
		sampleRate: sampleRate,
		channels:   channels,
	}
}

// Read fills samples with whole interleaved frames and returns the number
// of samples written
func (t *Tone) Read(samples []int16) int {
	frames := len(samples) / t.channels

	for i := 0; i < frames; i++ {
		at := float64(t.sampleIndex+uint64(i)) / float64(t.sampleRate)
		value := int16(math.Sin(2*math.Pi*t.frequency*at) * 32767.0 * 0.5)

		for ch := 0; ch < t.channels; ch++ {
			samples[i*t.channels+ch] = value
		}
	}

	t.sampleIndex += uint64(frames)
	return frames * t.channels
}

// encodePCM encodes int16 samples as little-endian bytes
func encodePCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}
