package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

// RFC 8746 tags.
const (
	tagMultiDimArray = 40
	tagUint8         = 64
	tagUint16LE      = 69
	tagFloat32LE     = 85
)

// multiDimArray is a decoded tag 40 array. Exactly one of the slices is set.
type multiDimArray struct {
	rows    int
	cols    int
	uint8   []uint8
	uint16  []uint16
	float32 []float32
}

func (a multiDimArray) len() int {
	switch {
	case a.uint16 != nil:
		return len(a.uint16)
	case a.float32 != nil:
		return len(a.float32)
	default:
		return len(a.uint8)
	}
}

func decodeMultiDimArray(value any) (multiDimArray, error) {
	tag, ok := value.(cbor.Tag)
	if !ok || tag.Number != tagMultiDimArray {
		return multiDimArray{}, fmt.Errorf("expected multidim tag 40")
	}

	items, ok := tag.Content.([]any)
	if !ok || len(items) != 2 {
		return multiDimArray{}, fmt.Errorf("invalid multidim array content")
	}

	dimsRaw, ok := items[0].([]any)
	if !ok || len(dimsRaw) != 2 {
		return multiDimArray{}, fmt.Errorf("invalid multidim dimensions")
	}

	rows, err := toInt(dimsRaw[0])
	if err != nil {
		return multiDimArray{}, err
	}
	cols, err := toInt(dimsRaw[1])
	if err != nil {
		return multiDimArray{}, err
	}
	if rows <= 0 || cols <= 0 {
		return multiDimArray{}, fmt.Errorf("invalid multidim dimensions %dx%d", rows, cols)
	}

	out, err := decodeTypedArray(items[1])
	if err != nil {
		return multiDimArray{}, err
	}
	out.rows = rows
	out.cols = cols
	if out.len() != rows*cols {
		return multiDimArray{}, fmt.Errorf("dimension mismatch: %dx%d array holds %d elements", rows, cols, out.len())
	}
	return out, nil
}

func decodeTypedArray(value any) (multiDimArray, error) {
	tag, ok := value.(cbor.Tag)
	if !ok {
		return multiDimArray{}, fmt.Errorf("expected typed array tag")
	}

	data, ok := tag.Content.([]byte)
	if !ok {
		return multiDimArray{}, fmt.Errorf("unsupported typed array content %T", tag.Content)
	}

	switch tag.Number {
	case tagUint8:
		return multiDimArray{uint8: data}, nil
	case tagUint16LE:
		if len(data)%2 != 0 {
			return multiDimArray{}, errors.New("uint16 array length is not a multiple of 2")
		}
		return multiDimArray{uint16: bytesToUint16(data)}, nil
	case tagFloat32LE:
		if len(data)%4 != 0 {
			return multiDimArray{}, errors.New("float32 array length is not a multiple of 4")
		}
		return multiDimArray{float32: bytesToFloat32(data)}, nil
	default:
		return multiDimArray{}, fmt.Errorf("unsupported typed array tag %d", tag.Number)
	}
}

func encodeUint16Array(rows, cols int, values []uint16) cbor.Tag {
	return cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			[]any{rows, cols},
			cbor.Tag{Number: tagUint16LE, Content: uint16ToBytes(values)},
		},
	}
}

func encodeFloat32Array(rows, cols int, values []float32) cbor.Tag {
	return cbor.Tag{
		Number: tagMultiDimArray,
		Content: []any{
			[]any{rows, cols},
			cbor.Tag{Number: tagFloat32LE, Content: float32ToBytes(values)},
		},
	}
}

func bytesToFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := 0; i < len(out); i++ {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func float32ToBytes(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(v))
	}
	return out
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		if n > math.MaxInt32 {
			return 0, fmt.Errorf("integer %d out of range", n)
		}
		return int(n), nil
	case uint32:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("non-integral value %v", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("unsupported int type %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unsupported float type %T", v)
	}
}
