// Package codec converts embedding vectors to a self-describing text payload
// suitable for a TEXT column, and back.
//
// The payload is a JSON object with three fields:
//
//	{"shape":[128],"dtype":"float64","data":"<base64 little-endian buffer>"}
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// DType tags the element type of the raw buffer.
type DType string

const (
	Float64 DType = "float64"
	Float32 DType = "float32"
)

// Size returns the width in bytes of one element, or 0 for an unknown tag.
func (d DType) Size() int {
	switch d {
	case Float64:
		return 8
	case Float32:
		return 4
	}
	return 0
}

var (
	ErrMalformed     = errors.New("malformed payload")
	ErrTruncated     = errors.New("truncated data")
	ErrShapeMismatch = errors.New("shape does not match data length")
	ErrUnknownDType  = errors.New("unknown dtype")
)

// Error is returned for every encode/decode failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("codec: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	return &Error{Op: op, Err: err}
}

type payload struct {
	Shape []int  `json:"shape"`
	DType DType  `json:"dtype"`
	Data  string `json:"data"`
}

// Encode serializes vec as dtype with the given shape. A nil shape means a
// flat vector of len(vec). Float32 narrowing is exact only for values that
// were float32 to begin with.
func Encode(vec []float64, dtype DType, shape []int) (string, error) {
	size := dtype.Size()
	if size == 0 {
		return "", wrap("encode", fmt.Errorf("%w: %q", ErrUnknownDType, dtype))
	}
	if shape == nil {
		shape = []int{len(vec)}
	}
	n, err := elements(shape)
	if err != nil {
		return "", wrap("encode", err)
	}
	if n != len(vec) {
		return "", wrap("encode", fmt.Errorf("%w: shape %v holds %d elements, got %d", ErrShapeMismatch, shape, n, len(vec)))
	}

	buf := make([]byte, n*size)
	for i, v := range vec {
		switch dtype {
		case Float64:
			binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
		case Float32:
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
		}
	}

	out, err := json.Marshal(payload{
		Shape: shape,
		DType: dtype,
		Data:  base64.StdEncoding.EncodeToString(buf),
	})
	if err != nil {
		return "", wrap("encode", err)
	}
	return string(out), nil
}

// EncodeVector is Encode for a flat float64 vector, the form the external
// embedder produces.
func EncodeVector(vec []float64) (string, error) {
	return Encode(vec, Float64, nil)
}

// Decode parses a payload produced by Encode. The returned vector is always
// widened to float64; dtype reports what was stored.
func Decode(s string) ([]float64, []int, DType, error) {
	var p payload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, nil, "", wrap("decode", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if p.Shape == nil || p.DType == "" {
		return nil, nil, "", wrap("decode", fmt.Errorf("%w: missing shape or dtype", ErrMalformed))
	}
	size := p.DType.Size()
	if size == 0 {
		return nil, nil, "", wrap("decode", fmt.Errorf("%w: %q", ErrUnknownDType, p.DType))
	}
	n, err := elements(p.Shape)
	if err != nil {
		return nil, nil, "", wrap("decode", err)
	}

	raw, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, nil, "", wrap("decode", fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if len(raw)%size != 0 {
		return nil, nil, "", wrap("decode", fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrTruncated, len(raw), size))
	}
	if len(raw) != n*size {
		return nil, nil, "", wrap("decode", fmt.Errorf("%w: shape %v needs %d bytes, got %d", ErrShapeMismatch, p.Shape, n*size, len(raw)))
	}

	vec := make([]float64, n)
	for i := range vec {
		switch p.DType {
		case Float64:
			vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		case Float32:
			vec[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	}
	return vec, p.Shape, p.DType, nil
}

// DecodeVector decodes a payload and discards shape and dtype.
func DecodeVector(s string) ([]float64, error) {
	vec, _, _, err := Decode(s)
	return vec, err
}

func elements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in %v", ErrMalformed, shape)
		}
		if d != 0 && n > math.MaxInt32/d {
			return 0, fmt.Errorf("%w: shape %v too large", ErrMalformed, shape)
		}
		n *= d
	}
	return n, nil
}
