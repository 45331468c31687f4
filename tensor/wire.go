package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/fxamacker/cbor/v2"
	"github.com/x448/float16"
)

type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
)

// wireTensor is the CBOR envelope for one named tensor. Data holds the
// little-endian element bytes.
type wireTensor struct {
	DType DType  `cbor:"dtype"`
	Shape []int  `cbor:"shape"`
	Data  []byte `cbor:"data"`
}

// Marshal encodes named tensors as a CBOR map, storing elements as dtype.
func Marshal(ts map[string]*Tensor, dtype DType) ([]byte, error) {
	wire := make(map[string]wireTensor, len(ts))
	for name, t := range ts {
		data, err := encodeElements(t.Data(), dtype)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		wire[name] = wireTensor{DType: dtype, Shape: t.Shape(), Data: data}
	}

	return cbor.Marshal(wire)
}

// Unmarshal decodes a CBOR map written by Marshal. F16 and BF16 payloads are
// widened to float32.
func Unmarshal(b []byte) (map[string]*Tensor, error) {
	var wire map[string]wireTensor
	if err := cbor.Unmarshal(b, &wire); err != nil {
		return nil, err
	}

	ts := make(map[string]*Tensor, len(wire))
	for name, w := range wire {
		data, err := decodeElements(w.Data, w.DType)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		t, err := New(slices.Clone(w.Shape), data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		ts[name] = t
	}

	return ts, nil
}

func encodeElements(f32s []float32, dtype DType) ([]byte, error) {
	switch dtype {
	case F32:
		b := make([]byte, 4*len(f32s))
		for i, f := range f32s {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
		}
		return b, nil
	case F16:
		b := make([]byte, 2*len(f32s))
		for i, f := range f32s {
			binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(f).Bits())
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported encode dtype %q", dtype)
	}
}

func decodeElements(b []byte, dtype DType) ([]float32, error) {
	switch dtype {
	case F32:
		if len(b)%4 != 0 {
			return nil, fmt.Errorf("F32 payload of %d bytes", len(b))
		}
		f32s := make([]float32, len(b)/4)
		for i := range f32s {
			f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		}
		return f32s, nil
	case F16:
		if len(b)%2 != 0 {
			return nil, fmt.Errorf("F16 payload of %d bytes", len(b))
		}
		f32s := make([]float32, len(b)/2)
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(b[2*i:])).Float32()
		}
		return f32s, nil
	case BF16:
		if len(b)%2 != 0 {
			return nil, fmt.Errorf("BF16 payload of %d bytes", len(b))
		}
		return bfloat16.DecodeFloat32(b), nil
	default:
		return nil, fmt.Errorf("unknown dtype %q", dtype)
	}
}
