// ABOUTME: Length-prefixed framing for the control channel
// ABOUTME: Incremental frame decoder and frame encoder (uint32 big-endian length + JSON)
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// LengthPrefixSize is the size of the big-endian frame length header
	LengthPrefixSize = 4

	// DefaultMaxFrameSize bounds the memory one frame may claim
	DefaultMaxFrameSize = 1 << 20
)

var (
	ErrPeerClosed    = errors.New("protocol: peer closed the connection")
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")
)

type decodeState int

const (
	awaitingLength decodeState = iota
	awaitingBody
)

// FrameDecoder assembles frames from a byte stream one read at a time.
// It is not safe for concurrent use.
type FrameDecoder struct {
	state    decodeState
	header   [LengthPrefixSize]byte
	headerN  int
	body     []byte
	bodyN    int
	maxFrame uint32
}

// NewFrameDecoder creates a decoder that rejects frames larger than maxFrame bytes
func NewFrameDecoder(maxFrame uint32) *FrameDecoder {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &FrameDecoder{maxFrame: maxFrame}
}

// Next performs at most one Read on r. It returns (nil, nil) while the current
// frame is incomplete and the payload once the last byte has arrived, after
// which the decoder is reset for the following frame. A read that returns
// zero bytes without error means "try again later". io.EOF is reported as
// ErrPeerClosed.
func (d *FrameDecoder) Next(r io.Reader) ([]byte, error) {
	switch d.state {
	case awaitingLength:
		n, err := r.Read(d.header[d.headerN:])
		d.headerN += n
		if d.headerN == LengthPrefixSize {
			length := binary.BigEndian.Uint32(d.header[:])
			if length > d.maxFrame {
				return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, d.maxFrame)
			}
			d.body = make([]byte, length)
			d.bodyN = 0
			d.state = awaitingBody
			if length == 0 {
				return d.finish(), nil
			}
		}
		return nil, readErr(err)

	case awaitingBody:
		n, err := r.Read(d.body[d.bodyN:])
		d.bodyN += n
		if d.bodyN == len(d.body) {
			return d.finish(), nil
		}
		return nil, readErr(err)
	}

	return nil, fmt.Errorf("protocol: invalid decoder state %d", d.state)
}

// Pending reports whether a frame has been partially received
func (d *FrameDecoder) Pending() bool {
	return d.headerN > 0
}

func (d *FrameDecoder) finish() []byte {
	payload := d.body
	d.state = awaitingLength
	d.headerN = 0
	d.body = nil
	d.bodyN = 0
	return payload
}

func readErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return ErrPeerClosed
	}
	return err
}

// ReadFrame blocks until one whole frame has been read from r
func ReadFrame(r io.Reader, maxFrame uint32) ([]byte, error) {
	dec := NewFrameDecoder(maxFrame)
	for {
		payload, err := dec.Next(r)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			return payload, nil
		}
	}
}

// EncodeFrame prefixes payload with its big-endian length
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[LengthPrefixSize:], payload)
	return frame
}

// EncodeMessage serializes m and frames it for the wire
func EncodeMessage(m Message) ([]byte, error) {
	payload, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(payload), nil
}

// WriteMessage writes one framed message to w
func WriteMessage(w io.Writer, m Message) error {
	frame, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads and decodes one framed message from r
func ReadMessage(r io.Reader) (Message, error) {
	payload, err := ReadFrame(r, DefaultMaxFrameSize)
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}
