// ABOUTME: Audio ingest reading the data socket into playable buffers
// ABOUTME: PCM is read frame-aligned, Opus packets are decoded first
package player

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/jonect/jonect-go/internal/audio"
	"github.com/jonect/jonect-go/internal/protocol"
	"go.uber.org/zap"
)

// maxPacketSize bounds one length-prefixed Opus packet
const maxPacketSize = 64 * 1024

// DialFunc opens the audio data socket
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Ingest owns the audio data socket. It fills buffers from the writable pool
// and publishes them in arrival order.
type Ingest struct {
	info    audio.StreamInfo
	buffers *audio.BufferManager
	decoder audio.Decoder
	dial    DialFunc
	logger  *zap.Logger

	published int64
}

// NewIngest creates an ingest for info. decoder must be set for compressed
// streams and nil otherwise.
func NewIngest(info audio.StreamInfo, buffers *audio.BufferManager, decoder audio.Decoder, dial DialFunc, logger *zap.Logger) *Ingest {
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingest{
		info:    info,
		buffers: buffers,
		decoder: decoder,
		dial:    dial,
		logger:  logger,
	}
}

// Run connects and reads until the stream fails or ctx ends. Cancellation
// returns nil.
func (in *Ingest) Run(ctx context.Context) error {
	conn, err := in.dial(ctx, "tcp", in.info.DataAddress())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return streamError("Could not connect to audio stream", err)
	}
	defer conn.Close()

	// unblocks the read below on cancellation
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	in.logger.Info("Audio stream connected", zap.String("stream", in.info.String()))

	if in.decoder != nil {
		err = in.readPackets(ctx, conn)
	} else {
		err = in.readPCM(ctx, conn)
	}
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		in.logger.Error("Audio ingest stopped", zap.Error(err), zap.Int64("buffers", in.published))
	}
	return err
}

func (in *Ingest) readPCM(ctx context.Context, conn net.Conn) error {
	for {
		buf := in.buffers.AcquireWritable()
		if _, err := io.ReadFull(conn, buf); err != nil {
			in.buffers.ReleaseWritable(buf)
			return readError(err)
		}
		if err := in.publish(ctx, buf); err != nil {
			return err
		}
	}
}

func (in *Ingest) readPackets(ctx context.Context, conn net.Conn) error {
	dec := protocol.NewFrameDecoder(maxPacketSize)
	buf := in.buffers.AcquireWritable()
	filled := 0

	for {
		packet, err := dec.Next(conn)
		if err != nil {
			in.buffers.ReleaseWritable(buf)
			if errors.Is(err, protocol.ErrPeerClosed) {
				return readError(io.EOF)
			}
			return readError(err)
		}
		if packet == nil {
			continue
		}

		pcm, err := in.decoder.Decode(packet)
		if err != nil {
			in.logger.Warn("Skipping undecodable packet", zap.Int("size", len(packet)), zap.Error(err))
			continue
		}

		for len(pcm) > 0 {
			n := copy(buf[filled:], pcm)
			filled += n
			pcm = pcm[n:]
			if filled < len(buf) {
				continue
			}
			if err := in.publish(ctx, buf); err != nil {
				return err
			}
			buf = in.buffers.AcquireWritable()
			filled = 0
		}
	}
}

func (in *Ingest) publish(ctx context.Context, buf []byte) error {
	if err := in.buffers.PublishFilled(ctx, buf); err != nil {
		return err
	}
	in.published++
	if in.published <= 3 {
		in.logger.Debug("Published audio buffer", zap.Int64("count", in.published), zap.Int("size", len(buf)))
	}
	return nil
}
