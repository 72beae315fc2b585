// Package container reads and writes thermal recordings.
//
// Two layouts exist: the binary movie layout (MovieReader, MovieWriter) for
// continuous recordings at a fixed frame rate, and the CBOR sequence timelapse
// layout (TimelapseReader, TimelapseWriter) for sparse, possibly irregular
// series. Open picks the reader from the leading bytes of a file.
package container

import (
	"bufio"
	"io"
	"os"

	"github.com/felixriese/thermal-image-processing/internal/types"
)

// Reader yields the frames of a container in capture order. Next returns
// io.EOF after the last declared frame.
type Reader interface {
	Header() types.Header
	Next() (types.RawFrame, error)
	Close() error
}

func Open(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReaderSize(f, 1024*1024)
	head, err := br.Peek(len(movieMagic))
	if err != nil && err != io.EOF {
		_ = f.Close()
		return nil, err
	}

	var r Reader
	switch {
	case string(head) == movieMagic:
		var mr *MovieReader
		mr, err = NewMovieReader(br, path)
		if err == nil {
			mr.closer = f
			r = mr
		}
	case len(head) > 0 && isCBORMap(head[0]):
		var tr *TimelapseReader
		tr, err = NewTimelapseReader(br, path)
		if err == nil {
			tr.closer = f
			r = tr
		}
	default:
		err = types.NewDecodeError(path, -1, "unrecognized container format")
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// isCBORMap reports whether b starts a CBOR map (major type 5).
func isCBORMap(b byte) bool {
	return b>>5 == 5
}
