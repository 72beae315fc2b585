package container

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/felixriese/thermal-image-processing/internal/types"
)

const (
	movieMagic      = "TIRMOV01"
	movieHeaderSize = 36
	recordHeaderLen = 12
)

// MovieReader reads the binary movie layout:
//
//	magic[8] width u16 height u16 frames u32 rate f32 gain f32 offset f32 start i64
//	{ timestamp i64, length u32, counts [width*height]u16 } * frames
type MovieReader struct {
	path   string
	r      *bufio.Reader
	closer io.Closer
	header types.Header
	next   int
}

func NewMovieReader(r io.Reader, path string) (*MovieReader, error) {
	br := bufio.NewReaderSize(r, 1024*1024)
	var raw [movieHeaderSize]byte
	if _, err := io.ReadFull(br, raw[:]); err != nil {
		return nil, &types.DecodeError{Path: path, Frame: -1, Reason: "short header", Err: err}
	}
	if string(raw[:8]) != movieMagic {
		return nil, types.NewDecodeError(path, -1, "unexpected magic %q", string(raw[:8]))
	}
	le := binary.LittleEndian
	h := types.Header{
		Kind:       types.KindMovie,
		Width:      int(le.Uint16(raw[8:10])),
		Height:     int(le.Uint16(raw[10:12])),
		FrameCount: int(le.Uint32(raw[12:16])),
		FrameRate:  float64(math.Float32frombits(le.Uint32(raw[16:20]))),
		Calibration: types.Calibration{
			Gain:   float64(math.Float32frombits(le.Uint32(raw[20:24]))),
			Offset: float64(math.Float32frombits(le.Uint32(raw[24:28]))),
		},
	}
	if startNs := int64(le.Uint64(raw[28:36])); startNs != 0 {
		h.Start = time.Unix(0, startNs).UTC()
	}
	if h.Width == 0 || h.Height == 0 {
		return nil, types.NewDecodeError(path, -1, "invalid dimensions %dx%d", h.Width, h.Height)
	}
	if !(h.FrameRate > 0) || math.IsInf(h.FrameRate, 0) {
		return nil, types.NewDecodeError(path, -1, "invalid frame rate %v", h.FrameRate)
	}
	if h.Calibration.Gain == 0 || math.IsNaN(h.Calibration.Gain) || math.IsNaN(h.Calibration.Offset) {
		return nil, types.NewDecodeError(path, -1, "invalid calibration gain=%v offset=%v", h.Calibration.Gain, h.Calibration.Offset)
	}
	return &MovieReader{path: path, r: br, header: h}, nil
}

func (m *MovieReader) Header() types.Header { return m.header }

func (m *MovieReader) Next() (types.RawFrame, error) {
	if m.next >= m.header.FrameCount {
		if _, err := m.r.Peek(1); err == nil {
			return types.RawFrame{}, types.NewDecodeError(m.path, m.next, "trailing data after %d declared frames", m.header.FrameCount)
		}
		return types.RawFrame{}, io.EOF
	}
	index := m.next
	var meta [recordHeaderLen]byte
	if _, err := io.ReadFull(m.r, meta[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return types.RawFrame{}, types.NewDecodeError(m.path, index, "container holds %d of %d declared frames", index, m.header.FrameCount)
		}
		return types.RawFrame{}, &types.DecodeError{Path: m.path, Frame: index, Reason: "truncated record header", Err: err}
	}
	ts := int64(binary.LittleEndian.Uint64(meta[:8]))
	size := int(binary.LittleEndian.Uint32(meta[8:12]))
	expected := m.header.Width * m.header.Height * 2
	if size != expected {
		return types.RawFrame{}, types.NewDecodeError(m.path, index, "payload is %d bytes, %dx%d frame needs %d", size, m.header.Width, m.header.Height, expected)
	}
	// the buffer grows with the data actually present, not with the header
	payload, err := io.ReadAll(io.LimitReader(m.r, int64(size)))
	if err != nil {
		return types.RawFrame{}, &types.DecodeError{Path: m.path, Frame: index, Reason: "read payload", Err: err}
	}
	if len(payload) != size {
		return types.RawFrame{}, types.NewDecodeError(m.path, index, "truncated payload: %d of %d bytes", len(payload), size)
	}
	m.next++

	var stamp time.Time
	if ts == 0 {
		offset := time.Duration(float64(index) / m.header.FrameRate * float64(time.Second))
		stamp = m.header.Start.Add(offset)
	} else {
		stamp = time.Unix(0, ts).UTC()
	}
	return types.RawFrame{
		Index:     index,
		Timestamp: stamp,
		Width:     m.header.Width,
		Height:    m.header.Height,
		Counts:    bytesToUint16(payload),
	}, nil
}

func (m *MovieReader) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}

// MovieWriter writes the binary movie layout. The declared frame count is
// fixed up front; Close fails when a different number of frames was written.
type MovieWriter struct {
	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	header  types.Header
	written int
}

func CreateMovie(path string, h types.Header) (*MovieWriter, error) {
	if h.Width <= 0 || h.Height <= 0 || h.Width > math.MaxUint16 || h.Height > math.MaxUint16 {
		return nil, fmt.Errorf("invalid dimensions %dx%d", h.Width, h.Height)
	}
	if h.FrameRate <= 0 {
		return nil, fmt.Errorf("invalid frame rate %v", h.FrameRate)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	var raw [movieHeaderSize]byte
	le := binary.LittleEndian
	copy(raw[:8], movieMagic)
	le.PutUint16(raw[8:10], uint16(h.Width))
	le.PutUint16(raw[10:12], uint16(h.Height))
	le.PutUint32(raw[12:16], uint32(h.FrameCount))
	le.PutUint32(raw[16:20], math.Float32bits(float32(h.FrameRate)))
	le.PutUint32(raw[20:24], math.Float32bits(float32(h.Calibration.Gain)))
	le.PutUint32(raw[24:28], math.Float32bits(float32(h.Calibration.Offset)))
	if !h.Start.IsZero() {
		le.PutUint64(raw[28:36], uint64(h.Start.UnixNano()))
	}
	if _, err := w.Write(raw[:]); err != nil {
		_ = f.Close()
		return nil, err
	}
	h.Kind = types.KindMovie
	return &MovieWriter{f: f, w: w, header: h}, nil
}

func (m *MovieWriter) WriteFrame(ts time.Time, counts []uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.w == nil {
		return fmt.Errorf("movie writer is closed")
	}
	if len(counts) != m.header.Width*m.header.Height {
		return fmt.Errorf("frame has %d pixels, want %d", len(counts), m.header.Width*m.header.Height)
	}
	var meta [recordHeaderLen]byte
	if !ts.IsZero() {
		binary.LittleEndian.PutUint64(meta[:8], uint64(ts.UnixNano()))
	}
	binary.LittleEndian.PutUint32(meta[8:12], uint32(len(counts)*2))
	if _, err := m.w.Write(meta[:]); err != nil {
		return err
	}
	if _, err := m.w.Write(uint16ToBytes(counts)); err != nil {
		return err
	}
	m.written++
	return nil
}

func (m *MovieWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.w == nil {
		return nil
	}
	err := m.w.Flush()
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	m.w = nil
	if err == nil && m.written != m.header.FrameCount {
		err = fmt.Errorf("wrote %d frames, header declares %d", m.written, m.header.FrameCount)
	}
	return err
}

func bytesToUint16(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := 0; i < len(out); i++ {
		out[i] = binary.LittleEndian.Uint16(data[i*2 : i*2+2])
	}
	return out
}

func uint16ToBytes(values []uint16) []byte {
	out := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], v)
	}
	return out
}
