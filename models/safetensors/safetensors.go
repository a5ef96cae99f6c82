// Package safetensors reads and writes local .safetensors files: weights of the reference scorer and
// the tensors of a training checkpoint.
//
// Layout of a file:
//
//	[8 bytes: header size as little-endian u64]
//	[header_size bytes: JSON header, padded with spaces to a multiple of 8]
//	[remaining bytes: tensor data]
//
// Example:
//
//	err := safetensors.WriteFile(path, []safetensors.Tensor{
//		safetensors.Float32Tensor("classifier.weight", []int{vocab, labels}, weights),
//	}, map[string]string{"epoch": "3"})
//
//	f, err := safetensors.Open(path)
//	if err != nil {
//		return err
//	}
//	defer f.Close()
//	values, shape, err := f.Float32s("classifier.weight")
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"sort"

	"github.com/gomlx/go-punctuation/hub"
	"github.com/pkg/errors"
)

// MetadataKey is the reserved header entry holding free-form string metadata.
const MetadataKey = "__metadata__"

// maxHeaderSize is a sanity check on the header size of files being read.
const maxHeaderSize = 100 * 1024 * 1024

// Header represents the JSON header of a safetensors file.
type Header struct {
	Tensors  map[string]*TensorMetadata // Tensor name -> metadata
	Metadata map[string]string          // Optional __metadata__ field
}

// TensorMetadata represents metadata for a single tensor in a safetensors file.
type TensorMetadata struct {
	Name        string   `json:"-"`            // Tensor name (from map key)
	Dtype       string   `json:"dtype"`        // Data type: F32, F64, I32, I64, etc.
	Shape       []int    `json:"shape"`        // Tensor dimensions
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end] byte offsets, relative to the data section
}

// SizeBytes returns the size of the tensor data in bytes.
func (tm *TensorMetadata) SizeBytes() int64 {
	return tm.DataOffsets[1] - tm.DataOffsets[0]
}

// NumElements returns the total number of elements in a tensor based on its shape.
func (tm *TensorMetadata) NumElements() int64 {
	if len(tm.Shape) == 0 {
		return 1 // Scalar
	}
	prod := int64(1)
	for _, dim := range tm.Shape {
		prod *= int64(dim)
	}
	return prod
}

// Tensor is a named tensor to be written, with its data already in little-endian byte order.
type Tensor struct {
	Name  string
	Dtype string
	Shape []int
	Data  []byte
}

// Float32Tensor encodes values as an "F32" tensor.
func Float32Tensor(name string, shape []int, values []float32) Tensor {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return Tensor{Name: name, Dtype: "F32", Shape: shape, Data: data}
}

// Float64Tensor encodes values as an "F64" tensor.
func Float64Tensor(name string, shape []int, values []float64) Tensor {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return Tensor{Name: name, Dtype: "F64", Shape: shape, Data: data}
}

// Int64Tensor encodes values as an "I64" tensor.
func Int64Tensor(name string, shape []int, values []int64) Tensor {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], uint64(v))
	}
	return Tensor{Name: name, Dtype: "I64", Shape: shape, Data: data}
}

// Encode writes the tensors and the metadata in safetensors layout. Tensors are laid out in name order.
func Encode(w io.Writer, tensors []Tensor, metadata map[string]string) error {
	sorted := make([]Tensor, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	rawHeader := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		rawHeader[MetadataKey] = metadata
	}
	var offset int64
	for _, t := range sorted {
		if t.Name == MetadataKey {
			return errors.Errorf("tensor name %q is reserved", MetadataKey)
		}
		if _, found := rawHeader[t.Name]; found {
			return errors.Errorf("duplicate tensor name %q", t.Name)
		}
		size, err := dtypeSize(t.Dtype)
		if err != nil {
			return err
		}
		meta := &TensorMetadata{Name: t.Name, Dtype: t.Dtype, Shape: t.Shape}
		if want := meta.NumElements() * int64(size); want != int64(len(t.Data)) {
			return errors.Errorf("tensor %q with shape %v and dtype %s needs %d bytes, got %d",
				t.Name, t.Shape, t.Dtype, want, len(t.Data))
		}
		if meta.Shape == nil {
			meta.Shape = []int{}
		}
		meta.DataOffsets = [2]int64{offset, offset + int64(len(t.Data))}
		offset += int64(len(t.Data))
		rawHeader[t.Name] = meta
	}

	headerBytes, err := json.Marshal(rawHeader)
	if err != nil {
		return errors.Wrap(err, "failed to encode header JSON")
	}
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return errors.Wrap(err, "failed to write header size")
	}
	if _, err := w.Write(headerBytes); err != nil {
		return errors.Wrap(err, "failed to write header")
	}
	for _, t := range sorted {
		if _, err := w.Write(t.Data); err != nil {
			return errors.Wrapf(err, "failed to write data of tensor %q", t.Name)
		}
	}
	return nil
}

// WriteFile atomically writes a safetensors file, see hub.WriteFileAtomic.
func WriteFile(path string, tensors []Tensor, metadata map[string]string) error {
	return hub.WriteFileAtomic(path, func(w io.Writer) error {
		return Encode(w, tensors, metadata)
	})
}

// parseHeader parses the header from the beginning of the file contents.
// It returns the header and the offset where the data section starts.
func parseHeader(content []byte) (*Header, int64, error) {
	if len(content) < 8 {
		return nil, 0, errors.Errorf("file too short (%d bytes) for a safetensors header", len(content))
	}
	headerSize := binary.LittleEndian.Uint64(content[:8])
	if headerSize > maxHeaderSize {
		return nil, 0, errors.Errorf("header size too large: %d bytes", headerSize)
	}
	if uint64(len(content)-8) < headerSize {
		return nil, 0, errors.Errorf("truncated header: want %d bytes, file has %d", headerSize, len(content)-8)
	}
	headerBytes := content[8 : 8+headerSize]

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &rawHeader); err != nil {
		return nil, 0, errors.Wrap(err, "failed to parse header JSON")
	}

	header := &Header{
		Tensors:  make(map[string]*TensorMetadata),
		Metadata: make(map[string]string),
	}
	dataSize := int64(len(content)) - int64(8+headerSize)
	for key, value := range rawHeader {
		if key == MetadataKey {
			if err := json.Unmarshal(value, &header.Metadata); err != nil {
				return nil, 0, errors.Wrapf(err, "failed to parse %s", MetadataKey)
			}
			continue
		}
		var tm TensorMetadata
		if err := json.Unmarshal(value, &tm); err != nil {
			return nil, 0, errors.Wrapf(err, "failed to parse tensor metadata for %s", key)
		}
		tm.Name = key
		if tm.DataOffsets[0] < 0 || tm.DataOffsets[1] < tm.DataOffsets[0] || tm.DataOffsets[1] > dataSize {
			return nil, 0, errors.Errorf("tensor %s has invalid data offsets %v (data section has %d bytes)",
				key, tm.DataOffsets, dataSize)
		}
		header.Tensors[key] = &tm
	}
	return header, int64(8 + headerSize), nil
}

// dtypeSize returns the size in bytes of a single element of the given dtype.
func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case "F64", "I64", "U64":
		return 8, nil
	case "F32", "I32", "U32":
		return 4, nil
	case "F16", "BF16", "I16", "U16":
		return 2, nil
	case "I8", "U8", "BOOL":
		return 1, nil
	default:
		return 0, errors.Errorf("unknown dtype: %s", dtype)
	}
}
