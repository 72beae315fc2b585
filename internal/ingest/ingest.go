// Package ingest records a timelapse series from a live ZMQ stream. Each
// message is one CBOR record of the timelapse layout, so a stream can be
// consumed exactly like a container file.
package ingest

import (
	"context"
	"errors"
	"io"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	"go.uber.org/zap"

	"github.com/felixriese/thermal-image-processing/internal/container"
	"github.com/felixriese/thermal-image-processing/internal/logging"
	"github.com/felixriese/thermal-image-processing/internal/metrics"
	"github.com/felixriese/thermal-image-processing/internal/types"
)

// Source delivers raw messages. Recv blocks until a message arrives, ctx is
// done or the source gives up.
type Source interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

type Options struct {
	// LogEvery logs only every Nth skipped message.
	LogEvery int
	// Idle aborts the series when no message arrives for this long. Zero waits forever.
	Idle time.Duration
	// Recorder receives every accepted message, producing a timelapse container.
	Recorder io.Writer
}

// Reader implements container.Reader on top of a Source.
type Reader struct {
	ctx      context.Context
	src      Source
	name     string
	opts     Options
	series   *container.Series
	logger   *zap.Logger
	skipped  int
	received int
}

// Dial connects a PULL socket to endpoint and waits for the start record.
func Dial(ctx context.Context, endpoint string, opts Options, logger *zap.Logger) (*Reader, error) {
	src, err := NewZMQSource(endpoint)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(ctx, src, endpoint, opts, logger)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	return r, nil
}

// NewReader waits for the start record of a series on src. Messages that do
// not decode are skipped until then.
func NewReader(ctx context.Context, src Source, name string, opts Options, logger *zap.Logger) (*Reader, error) {
	if opts.LogEvery < 1 {
		opts.LogEvery = 1
	}
	r := &Reader{
		ctx:    ctx,
		src:    src,
		name:   name,
		opts:   opts,
		series: container.NewSeries(name),
		logger: logging.OrNop(logger).With(zap.String("endpoint", name)),
	}
	for !r.series.Started() {
		msg, raw, err := r.recv(ctx)
		if err != nil {
			return nil, err
		}
		if msg.Type != container.MessageStart {
			r.skip("ingest ignoring message before start", zap.String("type", msg.Type))
			continue
		}
		if _, err := r.series.Accept(msg); err != nil {
			return nil, err
		}
		if err := r.record(raw); err != nil {
			return nil, err
		}
	}
	h := r.series.Header()
	r.logger.Info("series started",
		zap.Int("series_id", h.SeriesID),
		zap.Int("width", h.Width),
		zap.Int("height", h.Height),
		zap.Int("number_of_images", h.FrameCount))
	return r, nil
}

func (r *Reader) Header() types.Header { return r.series.Header() }

// Next returns the next image of the series and io.EOF after its end record.
// Records of other series are skipped.
func (r *Reader) Next() (types.RawFrame, error) {
	return r.NextContext(r.ctx)
}

// NextContext is Next bounded by ctx rather than by the context the reader
// was created with.
func (r *Reader) NextContext(ctx context.Context) (types.RawFrame, error) {
	for !r.series.Ended() {
		msg, raw, err := r.recv(ctx)
		if err != nil {
			return types.RawFrame{}, err
		}
		if msg.SeriesID != r.series.Header().SeriesID {
			r.skip("ingest ignoring message of another series", zap.Int("series_id", msg.SeriesID))
			continue
		}
		isImage, err := r.series.Accept(msg)
		if err != nil {
			return types.RawFrame{}, err
		}
		if err := r.record(raw); err != nil {
			return types.RawFrame{}, err
		}
		if isImage {
			r.received++
			return msg.Frame, nil
		}
	}
	r.logger.Info("series ended", zap.Int("images", r.received), zap.Int("skipped", r.skipped))
	return types.RawFrame{}, io.EOF
}

func (r *Reader) Close() error {
	return r.src.Close()
}

// Skipped is the number of messages that were dropped.
func (r *Reader) Skipped() int { return r.skipped }

// recv returns the next message that decodes.
func (r *Reader) recv(ctx context.Context) (container.Message, []byte, error) {
	for {
		recvCtx := ctx
		var cancel context.CancelFunc
		if r.opts.Idle > 0 {
			recvCtx, cancel = context.WithTimeout(ctx, r.opts.Idle)
		}
		raw, err := r.src.Recv(recvCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if ctx.Err() != nil {
				return container.Message{}, nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				metrics.DecodeErrorsTotal.WithLabelValues("stream").Inc()
				return container.Message{}, nil, types.NewDecodeError(r.name, -1, "no message for %s", r.opts.Idle)
			}
			return container.Message{}, nil, err
		}
		msg, err := container.DecodeMessage(raw)
		if err != nil {
			metrics.DecodeErrorsTotal.WithLabelValues("stream").Inc()
			r.skip("ingest decode skipped message", zap.Error(err))
			continue
		}
		return msg, raw, nil
	}
}

func (r *Reader) record(raw []byte) error {
	if r.opts.Recorder == nil {
		return nil
	}
	_, err := r.opts.Recorder.Write(raw)
	return err
}

func (r *Reader) skip(msg string, fields ...zap.Field) {
	r.skipped++
	if r.skipped%r.opts.LogEvery == 0 {
		r.logger.Warn(msg, append(fields, zap.Int("skipped", r.skipped))...)
	}
}

// ZMQSource receives from a connected PULL socket.
type ZMQSource struct {
	socket *zmq4.Socket
}

func NewZMQSource(endpoint string) (*ZMQSource, error) {
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return nil, err
	}
	if err := socket.SetRcvtimeo(200 * time.Millisecond); err != nil {
		_ = socket.Close()
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, err
	}
	return &ZMQSource{socket: socket}, nil
}

func (z *ZMQSource) Recv(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := z.socket.RecvBytes(0)
		if err == nil {
			return msg, nil
		}
		if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
			continue
		}
		return nil, err
	}
}

func (z *ZMQSource) Close() error {
	return z.socket.Close()
}
