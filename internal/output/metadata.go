package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/felixriese/thermal-image-processing/internal/types"
)

// Metadata is the sidecar written next to extracted CSV files.
type Metadata struct {
	RunID     string       `json:"run_id"`
	Source    string       `json:"source"`
	Layout    string       `json:"layout"`
	Rotation  int          `json:"rotation"`
	TimeShift string       `json:"time_shift,omitempty"`
	Header    types.Header `json:"header"`
	Width     int          `json:"width"`
	Height    int          `json:"height"`
	Frames    int          `json:"frame_count"`
	Files     []string     `json:"files,omitempty"`
	Created   time.Time    `json:"created"`
}

func MetadataPath(outputDir, prefix string) string {
	return filepath.Join(outputDir, prefix+".meta.json")
}

// MetadataPathFor returns the sidecar path belonging to a long layout CSV file.
func MetadataPathFor(csvPath string) string {
	return strings.TrimSuffix(csvPath, filepath.Ext(csvPath)) + ".meta.json"
}

func WriteMetadata(path string, meta Metadata) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ReadMetadata loads a sidecar. ok is false when the file does not exist.
func ReadMetadata(path string) (meta Metadata, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Metadata{}, false, nil
		}
		return Metadata{}, false, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, false, fmt.Errorf("parse %s: %w", path, err)
	}
	return meta, true, nil
}

// NormalizeJSONValue turns decoded CBOR values into values encoding/json can
// marshal: interface keyed maps become string keyed, tags become objects and
// large byte strings are summarized.
func NormalizeJSONValue(value any) any {
	switch v := value.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[fmt.Sprint(key)] = NormalizeJSONValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = NormalizeJSONValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = NormalizeJSONValue(item)
		}
		return out
	case cbor.Tag:
		return map[string]any{
			"tag":     v.Number,
			"content": NormalizeJSONValue(v.Content),
		}
	case []byte:
		if len(v) > 64 {
			return fmt.Sprintf("<%d bytes>", len(v))
		}
		return v
	default:
		return v
	}
}
