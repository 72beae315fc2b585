package csvframes

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/felixriese/thermal-image-processing/internal/output"
	"github.com/felixriese/thermal-image-processing/internal/types"
)

// Source is a set of frames read from one CSV file.
type Source struct {
	Path   string
	Layout Layout
	Frames []types.Frame
}

// gridSet is the grid files of one export prefix in one folder together with
// what the export declares about them.
type gridSet struct {
	indexPath string
	index     map[string]IndexRecord
	meta      output.Metadata
	hasMeta   bool
	width     int
	height    int
	seen      map[int]string
}

// ReadFiles loads every path in order. Grid files are grouped by export
// prefix: the frame index and metadata sidecar of a group are read once, every
// frame they declare must exist, every file read must be listed and no frame
// index may be read twice. Without an index, the frame index comes from the
// export file name, otherwise from the position in paths.
func ReadFiles(ctx context.Context, paths []string) ([]Source, error) {
	sets := make(map[string]*gridSet)
	out := make([]Source, 0, len(paths))
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		layout, err := Sniff(path)
		if err != nil {
			return nil, err
		}
		src := Source{Path: path, Layout: layout}
		if layout == LayoutLong {
			if src.Frames, err = ReadLong(path); err != nil {
				return nil, err
			}
			out = append(out, src)
			continue
		}

		set, err := gridSetFor(sets, path)
		if err != nil {
			return nil, err
		}
		frame, err := ReadGrid(path)
		if err != nil {
			return nil, err
		}
		if err := set.place(path, &frame, i); err != nil {
			return nil, err
		}
		src.Frames = []types.Frame{frame}
		out = append(out, src)
	}
	return out, nil
}

func (s *gridSet) place(path string, frame *types.Frame, fallback int) error {
	base := filepath.Base(path)
	frame.Index = fallback
	switch {
	case s.index != nil:
		rec, ok := s.index[base]
		if !ok {
			return types.NewValidationError(path, -1, "file is not listed in %s", filepath.Base(s.indexPath))
		}
		frame.Index = rec.FrameIndex
		frame.Timestamp = rec.Timestamp
	default:
		if info, ok := ParseFileInfo(path); ok {
			frame.Index = info.Number
			if ts, err := info.Timestamp(); err == nil {
				frame.Timestamp = ts
			}
		}
	}
	if s.hasMeta && s.meta.Frames > 0 && frame.Index >= s.meta.Frames {
		return types.NewValidationError(path, frame.Index, "frame index beyond the %d declared frames", s.meta.Frames)
	}
	if prev, dup := s.seen[frame.Index]; dup {
		return types.NewValidationError(path, frame.Index, "frame index already read from %s", prev)
	}
	s.seen[frame.Index] = base
	if s.width == 0 {
		s.width, s.height = frame.Width, frame.Height
	} else if frame.Width != s.width || frame.Height != s.height {
		return types.NewValidationError(path, frame.Index, "frame is %dx%d, other frames of the export are %dx%d",
			frame.Width, frame.Height, s.width, s.height)
	}
	return nil
}

// gridSetFor returns the set path belongs to, loading and checking its index
// and sidecar the first time the set is seen.
func gridSetFor(sets map[string]*gridSet, path string) (*gridSet, error) {
	dir := filepath.Dir(path)
	prefix, ok := gridPrefix(path)
	key := filepath.Join(dir, prefix)
	if set, found := sets[key]; found {
		return set, nil
	}
	set := &gridSet{seen: make(map[int]string)}
	sets[key] = set
	if !ok {
		return set, nil
	}

	indexPath := filepath.Join(dir, IndexFileName(prefix))
	index, err := ReadIndex(indexPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		set.index, set.indexPath = index, indexPath
		for file, rec := range index {
			if _, err := os.Stat(filepath.Join(dir, file)); err != nil {
				return nil, types.NewValidationError(indexPath, rec.FrameIndex, "declared frame file %s is missing", file)
			}
		}
	}

	set.meta, set.hasMeta, err = output.ReadMetadata(output.MetadataPath(dir, prefix))
	if err != nil {
		return nil, err
	}
	if set.hasMeta && set.index != nil && len(set.index) != set.meta.Frames {
		return nil, types.NewValidationError(indexPath, -1, "index lists %d frames, metadata declares %d", len(set.index), set.meta.Frames)
	}
	return set, nil
}

// gridPrefix returns the export prefix of a <prefix>_<NNNN>_<HH-MM-SS>.csv file.
func gridPrefix(path string) (string, bool) {
	parts := strings.Split(strings.TrimSuffix(filepath.Base(path), ".csv"), "_")
	if len(parts) < 3 {
		return "", false
	}
	return strings.Join(parts[:len(parts)-2], "_"), true
}

// IsFrameIndex reports whether path is a grid frame index rather than frame data.
func IsFrameIndex(path string) bool {
	return strings.HasSuffix(filepath.Base(path), "_frames.csv")
}
