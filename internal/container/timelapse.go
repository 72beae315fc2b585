package container

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/felixriese/thermal-image-processing/internal/types"
)

const (
	MessageStart = "start"
	MessageImage = "image"
	MessageEnd   = "end"
)

// Message is one decoded CBOR record of a timelapse series, read either from
// a container file or from the live stream:
//
//	{ "type": "start", "series_id": <int>, "width": <int>, "height": <int>, "number_of_images": <int>, ... }
//	{ "type": "image", "series_id": <int>, "image_id": <int>, "start_time": <float>, "data": <tag 40 array> }
//	{ "type": "end", "series_id": <int> }
type Message struct {
	Type     string
	SeriesID int
	Header   types.Header
	Frame    types.RawFrame
}

// DecodeMessage parses a single CBOR encoded record.
func DecodeMessage(data []byte) (Message, error) {
	var payload map[string]any
	if err := cbor.Unmarshal(data, &payload); err != nil {
		return Message{}, fmt.Errorf("CBOR decode: %w", err)
	}
	return parseMessage(payload)
}

func parseMessage(payload map[string]any) (Message, error) {
	msgType, _ := payload["type"].(string)
	msg := Message{Type: msgType}
	if v, ok := payload["series_id"]; ok {
		id, err := toInt(v)
		if err != nil {
			return Message{}, fmt.Errorf("invalid series_id: %w", err)
		}
		msg.SeriesID = id
	}

	switch msgType {
	case MessageStart:
		h, err := parseStart(payload)
		if err != nil {
			return Message{}, err
		}
		h.SeriesID = msg.SeriesID
		msg.Header = h
	case MessageImage:
		frame, err := parseImage(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Frame = frame
	case MessageEnd:
	default:
		return Message{}, fmt.Errorf("unknown message type %q", msgType)
	}
	return msg, nil
}

func parseStart(payload map[string]any) (types.Header, error) {
	h := types.Header{Kind: types.KindTimelapse, Calibration: types.TLinearHighGain}
	var err error
	if h.Width, err = requiredInt(payload, "width"); err != nil {
		return h, err
	}
	if h.Height, err = requiredInt(payload, "height"); err != nil {
		return h, err
	}
	if h.FrameCount, err = requiredInt(payload, "number_of_images"); err != nil {
		return h, err
	}
	if h.Width <= 0 || h.Height <= 0 {
		return h, fmt.Errorf("invalid dimensions %dx%d", h.Width, h.Height)
	}
	if h.FrameCount < 0 {
		return h, fmt.Errorf("invalid number_of_images %d", h.FrameCount)
	}
	if v, ok := payload["gain"]; ok {
		if h.Calibration.Gain, err = toFloat(v); err != nil || h.Calibration.Gain == 0 {
			return h, fmt.Errorf("invalid gain %v", v)
		}
	}
	if v, ok := payload["offset"]; ok {
		if h.Calibration.Offset, err = toFloat(v); err != nil {
			return h, fmt.Errorf("invalid offset: %w", err)
		}
	}
	if v, ok := payload["interval_s"]; ok {
		if h.Interval, err = toFloat(v); err != nil || h.Interval < 0 {
			return h, fmt.Errorf("invalid interval_s %v", v)
		}
		if h.Interval > 0 {
			h.FrameRate = 1 / h.Interval
		}
	}
	if v, ok := payload["start_time"]; ok {
		sec, err := toFloat(v)
		if err != nil {
			return h, fmt.Errorf("invalid start_time: %w", err)
		}
		h.Start = unixSeconds(sec)
	}
	return h, nil
}

func parseImage(payload map[string]any) (types.RawFrame, error) {
	id, err := requiredInt(payload, "image_id")
	if err != nil {
		return types.RawFrame{}, err
	}
	raw, ok := payload["start_time"]
	if !ok {
		return types.RawFrame{}, errors.New("missing start_time")
	}
	sec, err := toFloat(raw)
	if err != nil {
		return types.RawFrame{}, fmt.Errorf("invalid start_time: %w", err)
	}
	array, err := decodeMultiDimArray(payload["data"])
	if err != nil {
		return types.RawFrame{}, fmt.Errorf("image %d data: %w", id, err)
	}
	frame := types.RawFrame{
		Index:     id,
		Timestamp: unixSeconds(sec),
		Width:     array.cols,
		Height:    array.rows,
	}
	switch {
	case array.float32 != nil:
		frame.Celsius = array.float32
	case array.uint16 != nil:
		frame.Counts = array.uint16
	default:
		frame.Counts = make([]uint16, len(array.uint8))
		for i, v := range array.uint8 {
			frame.Counts[i] = uint16(v)
		}
	}
	return frame, nil
}

func requiredInt(payload map[string]any, key string) (int, error) {
	v, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// unixSeconds converts fractional unix seconds with microsecond resolution.
func unixSeconds(sec float64) time.Time {
	return time.UnixMicro(int64(math.Round(sec * 1e6))).UTC()
}

func toUnixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// EncodeStart, EncodeImage and EncodeEnd build the records of a series.
func EncodeStart(h types.Header) ([]byte, error) {
	msg := map[string]any{
		"type":             MessageStart,
		"series_id":        h.SeriesID,
		"width":            h.Width,
		"height":           h.Height,
		"number_of_images": h.FrameCount,
		"gain":             h.Calibration.Gain,
		"offset":           h.Calibration.Offset,
	}
	if h.Interval > 0 {
		msg["interval_s"] = h.Interval
	}
	if !h.Start.IsZero() {
		msg["start_time"] = toUnixSeconds(h.Start)
	}
	return cbor.Marshal(msg)
}

func EncodeImage(seriesID int, frame types.RawFrame) ([]byte, error) {
	var data cbor.Tag
	switch {
	case frame.Celsius != nil:
		if len(frame.Celsius) != frame.Width*frame.Height {
			return nil, fmt.Errorf("frame %d has %d values, want %d", frame.Index, len(frame.Celsius), frame.Width*frame.Height)
		}
		data = encodeFloat32Array(frame.Height, frame.Width, frame.Celsius)
	default:
		if len(frame.Counts) != frame.Width*frame.Height {
			return nil, fmt.Errorf("frame %d has %d values, want %d", frame.Index, len(frame.Counts), frame.Width*frame.Height)
		}
		data = encodeUint16Array(frame.Height, frame.Width, frame.Counts)
	}
	return cbor.Marshal(map[string]any{
		"type":       MessageImage,
		"series_id":  seriesID,
		"image_id":   frame.Index,
		"start_time": toUnixSeconds(frame.Timestamp),
		"data":       data,
	})
}

func EncodeEnd(seriesID int) ([]byte, error) {
	return cbor.Marshal(map[string]any{"type": MessageEnd, "series_id": seriesID})
}

// Series checks the ordering rules of a timelapse series: a start record, the
// declared number of images with consecutive ids and matching shape, then an
// end record. It is shared by the file reader and the live stream.
type Series struct {
	path    string
	header  types.Header
	started bool
	ended   bool
	next    int
}

func NewSeries(path string) *Series {
	return &Series{path: path}
}

func (s *Series) Header() types.Header { return s.header }

func (s *Series) Started() bool { return s.started }

func (s *Series) Ended() bool { return s.ended }

// Accept validates msg against the series state. It returns true for image
// records that carry a frame.
func (s *Series) Accept(msg Message) (bool, error) {
	switch msg.Type {
	case MessageStart:
		if s.started {
			return false, types.NewDecodeError(s.path, -1, "duplicate start record")
		}
		s.started = true
		s.header = msg.Header
		return false, nil
	case MessageImage:
		if !s.started {
			return false, types.NewDecodeError(s.path, msg.Frame.Index, "image before start record")
		}
		if s.ended {
			return false, types.NewDecodeError(s.path, msg.Frame.Index, "image after end record")
		}
		if msg.Frame.Index != s.next {
			return false, types.NewDecodeError(s.path, msg.Frame.Index, "image_id out of sequence, want %d", s.next)
		}
		if s.next >= s.header.FrameCount {
			return false, types.NewDecodeError(s.path, msg.Frame.Index, "more images than the %d declared", s.header.FrameCount)
		}
		if msg.Frame.Width != s.header.Width || msg.Frame.Height != s.header.Height {
			return false, types.NewDecodeError(s.path, msg.Frame.Index, "image is %dx%d, header declares %dx%d",
				msg.Frame.Width, msg.Frame.Height, s.header.Width, s.header.Height)
		}
		s.next++
		return true, nil
	case MessageEnd:
		if !s.started {
			return false, types.NewDecodeError(s.path, -1, "end before start record")
		}
		if s.next != s.header.FrameCount {
			return false, types.NewDecodeError(s.path, -1, "series holds %d of %d declared images", s.next, s.header.FrameCount)
		}
		s.ended = true
		return false, nil
	}
	return false, types.NewDecodeError(s.path, -1, "unknown message type %q", msg.Type)
}

// TimelapseReader reads a CBOR sequence timelapse container.
type TimelapseReader struct {
	path   string
	dec    *cbor.Decoder
	closer io.Closer
	series *Series
}

func NewTimelapseReader(r io.Reader, path string) (*TimelapseReader, error) {
	tr := &TimelapseReader{
		path:   path,
		dec:    cbor.NewDecoder(bufio.NewReaderSize(r, 1024*1024)),
		series: NewSeries(path),
	}
	msg, err := tr.read(-1)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, types.NewDecodeError(path, -1, "empty container")
		}
		return nil, err
	}
	if msg.Type != MessageStart {
		return nil, types.NewDecodeError(path, -1, "first record is %q, want start", msg.Type)
	}
	if _, err := tr.series.Accept(msg); err != nil {
		return nil, err
	}
	return tr, nil
}

func (t *TimelapseReader) read(frame int) (Message, error) {
	var payload map[string]any
	if err := t.dec.Decode(&payload); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, &types.DecodeError{Path: t.path, Frame: frame, Reason: "malformed CBOR record", Err: err}
	}
	msg, err := parseMessage(payload)
	if err != nil {
		return Message{}, &types.DecodeError{Path: t.path, Frame: frame, Reason: "invalid record", Err: err}
	}
	return msg, nil
}

func (t *TimelapseReader) Header() types.Header { return t.series.Header() }

func (t *TimelapseReader) Next() (types.RawFrame, error) {
	for {
		if t.series.Ended() {
			if _, err := t.read(-1); !errors.Is(err, io.EOF) {
				return types.RawFrame{}, types.NewDecodeError(t.path, -1, "trailing data after end record")
			}
			return types.RawFrame{}, io.EOF
		}
		msg, err := t.read(t.series.next)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return types.RawFrame{}, types.NewDecodeError(t.path, -1, "missing end record after %d images", t.series.next)
			}
			return types.RawFrame{}, err
		}
		isImage, err := t.series.Accept(msg)
		if err != nil {
			return types.RawFrame{}, err
		}
		if isImage {
			return msg.Frame, nil
		}
	}
}

func (t *TimelapseReader) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// TimelapseWriter writes a CBOR sequence timelapse container.
type TimelapseWriter struct {
	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	header  types.Header
	written int
}

func CreateTimelapse(path string, h types.Header) (*TimelapseWriter, error) {
	if h.Width <= 0 || h.Height <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", h.Width, h.Height)
	}
	start, err := EncodeStart(h)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.Write(start); err != nil {
		_ = f.Close()
		return nil, err
	}
	h.Kind = types.KindTimelapse
	return &TimelapseWriter{f: f, w: w, header: h}, nil
}

func (t *TimelapseWriter) WriteFrame(frame types.RawFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return fmt.Errorf("timelapse writer is closed")
	}
	frame.Index = t.written
	frame.Width = t.header.Width
	frame.Height = t.header.Height
	payload, err := EncodeImage(t.header.SeriesID, frame)
	if err != nil {
		return err
	}
	if _, err := t.w.Write(payload); err != nil {
		return err
	}
	t.written++
	return nil
}

func (t *TimelapseWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return nil
	}
	end, err := EncodeEnd(t.header.SeriesID)
	if err == nil {
		_, err = t.w.Write(end)
	}
	if ferr := t.w.Flush(); err == nil {
		err = ferr
	}
	if cerr := t.f.Close(); err == nil {
		err = cerr
	}
	t.w = nil
	if err == nil && t.written != t.header.FrameCount {
		err = fmt.Errorf("wrote %d images, header declares %d", t.written, t.header.FrameCount)
	}
	return err
}
