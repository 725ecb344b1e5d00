// ABOUTME: Stream error type shared by ingest and playback
// ABOUTME: Carries the text shown to the user alongside the cause
package player

import (
	"errors"
	"io"
)

var (
	ErrStreamEOF  = errors.New("player: audio stream closed by server")
	ErrShortWrite = errors.New("player: audio output accepted a partial buffer")
)

// StreamError is a fatal audio pipeline error. Text is the status shown to
// the user.
type StreamError struct {
	Text string
	Err  error
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return e.Text
	}
	return e.Text + ": " + e.Err.Error()
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

func streamError(text string, err error) *StreamError {
	return &StreamError{Text: text, Err: err}
}

// readError maps a data socket read failure to a StreamError
func readError(err error) *StreamError {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return streamError("Audio stream ended", ErrStreamEOF)
	}
	return streamError("Audio stream read failed", err)
}
