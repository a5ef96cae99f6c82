package model

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Int64Matrix creates an int64 tensor shaped [len(rows), len(rows[0])]. All rows must have the
// same length.
func Int64Matrix(rows [][]int) (*tensors.Tensor, error) {
	if len(rows) == 0 {
		return nil, errors.New("can't create a tensor from zero rows")
	}
	width := len(rows[0])
	flat := make([]int64, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, errors.Errorf("row #%d has length %d, but row #0 has length %d", i, len(row), width)
		}
		for _, v := range row {
			flat = append(flat, int64(v))
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(rows), width), nil
}

// Int64s returns the flat values and dimensions of an int64 (or int32) tensor.
func Int64s(t *tensors.Tensor) ([]int64, []int, error) {
	if t == nil {
		return nil, nil, errors.New("nil tensor")
	}
	dims := t.Shape().Dimensions
	size := t.Shape().Size()
	values := make([]int64, size)
	switch t.DType() {
	case dtypes.Int64:
		t.MutableBytes(func(data []byte) {
			for i := range values {
				values[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
			}
		})
	case dtypes.Int32:
		t.MutableBytes(func(data []byte) {
			for i := range values {
				values[i] = int64(int32(binary.LittleEndian.Uint32(data[i*4:])))
			}
		})
	default:
		return nil, nil, errors.Errorf("expected an integer tensor, got dtype %s", t.DType())
	}
	return values, dims, nil
}

// Float32s returns the flat values and dimensions of a float32 tensor.
func Float32s(t *tensors.Tensor) ([]float32, []int, error) {
	if t == nil {
		return nil, nil, errors.New("nil tensor")
	}
	if t.DType() != dtypes.Float32 {
		return nil, nil, errors.Errorf("expected a Float32 tensor, got dtype %s", t.DType())
	}
	values := make([]float32, t.Shape().Size())
	t.MutableBytes(func(data []byte) {
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	})
	return values, t.Shape().Dimensions, nil
}

// Float32Tensor creates a float32 tensor with the given flat values and dimensions.
func Float32Tensor(values []float32, dims ...int) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(values, dims...)
}

// Int64Tensor creates an int64 tensor with the given flat values and dimensions.
func Int64Tensor(values []int64, dims ...int) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(values, dims...)
}

// Rows splits the flat int64 values of a [batch, seqLen] tensor into per-example rows.
func Rows(t *tensors.Tensor) ([][]int64, error) {
	values, dims, err := Int64s(t)
	if err != nil {
		return nil, err
	}
	if len(dims) != 2 {
		return nil, errors.Errorf("expected a rank-2 tensor, got dimensions %v", dims)
	}
	rows := make([][]int64, dims[0])
	for i := range rows {
		rows[i] = values[i*dims[1] : (i+1)*dims[1]]
	}
	return rows, nil
}
