package safetensors

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	weights := []float32{0.5, -1, 2.25, 3, 4, 5}
	moments := []float64{1e-9, 2}
	steps := []int64{7}
	err := WriteFile(path, []Tensor{
		Float32Tensor("classifier.weight", []int{2, 3}, weights),
		Float64Tensor("optimizer.exp_avg", []int{2}, moments),
		Int64Tensor("optimizer.step", nil, steps),
	}, map[string]string{"epoch": "1"})
	require.NoError(t, err)

	f, err := Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	assert.Equal(t, []string{"classifier.weight", "optimizer.exp_avg", "optimizer.step"}, f.TensorNames())
	assert.Equal(t, "1", f.Header.Metadata["epoch"])

	gotWeights, shape, err := f.Float32s("classifier.weight")
	require.NoError(t, err)
	assert.Equal(t, weights, gotWeights)
	assert.Equal(t, []int{2, 3}, shape)

	gotMoments, _, err := f.Float64s("optimizer.exp_avg")
	require.NoError(t, err)
	assert.Equal(t, moments, gotMoments)

	gotSteps, shape, err := f.Int64s("optimizer.step")
	require.NoError(t, err)
	assert.Equal(t, steps, gotSteps)
	assert.Empty(t, shape)

	_, _, err = f.Float64s("classifier.weight")
	assert.Error(t, err, "dtype mismatch must fail")
	_, _, err = f.Float32s("missing")
	assert.Error(t, err)
	assert.False(t, f.Has("missing"))
}

func TestEncodeHeaderAlignment(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, []Tensor{Float32Tensor("w", []int{1}, []float32{1})}, nil))
	headerSize := binary.LittleEndian.Uint64(buf.Bytes()[:8])
	assert.Zero(t, headerSize%8)
	assert.Equal(t, int(8+headerSize+4), buf.Len())

	header, dataOffset, err := parseHeader(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, int64(8+headerSize), dataOffset)
	assert.Equal(t, int64(4), header.Tensors["w"].SizeBytes())
}

func TestEncodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		tensors []Tensor
	}{
		{"size mismatch", []Tensor{{Name: "w", Dtype: "F32", Shape: []int{2}, Data: make([]byte, 4)}}},
		{"unknown dtype", []Tensor{{Name: "w", Dtype: "F8", Shape: []int{1}, Data: make([]byte, 1)}}},
		{"reserved name", []Tensor{Float32Tensor(MetadataKey, []int{1}, []float32{1})}},
		{"duplicate", []Tensor{Float32Tensor("w", []int{1}, []float32{1}), Float32Tensor("w", []int{1}, []float32{2})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			assert.Error(t, Encode(&buf, tt.tensors, nil))
		})
	}
}

func TestParseHeaderCorrupted(t *testing.T) {
	_, _, err := parseHeader([]byte{1, 2, 3})
	assert.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, []Tensor{Float32Tensor("w", []int{4}, make([]float32, 4))}, nil))
	truncated := buf.Bytes()[:buf.Len()-4]
	_, _, err = parseHeader(truncated)
	assert.Error(t, err, "data offsets beyond the end of the file must be rejected")
}
