package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// File is a memory-mapped .safetensors file opened for reading.
type File struct {
	Path   string
	Header *Header

	file       *os.File
	mapped     mmap.MMap
	dataOffset int64
}

// Open memory-maps the file at path and parses its header.
// The returned File must be closed after use.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "failed to mmap %s", path)
	}
	header, dataOffset, err := parseHeader(mapped)
	if err != nil {
		_ = mapped.Unmap()
		_ = f.Close()
		return nil, errors.WithMessagef(err, "while parsing header of %s", path)
	}
	return &File{
		Path:       path,
		Header:     header,
		file:       f,
		mapped:     mapped,
		dataOffset: dataOffset,
	}, nil
}

// Close unmaps and closes the underlying file.
func (f *File) Close() error {
	if f.mapped == nil {
		return nil
	}
	errUnmap := f.mapped.Unmap()
	errClose := f.file.Close()
	f.mapped = nil
	if errUnmap != nil {
		return errors.Wrapf(errUnmap, "failed to unmap %s", f.Path)
	}
	return errors.Wrapf(errClose, "failed to close %s", f.Path)
}

// TensorNames returns the names of all tensors in the file, sorted.
func (f *File) TensorNames() []string {
	names := make([]string, 0, len(f.Header.Tensors))
	for name := range f.Header.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns whether the file holds a tensor with the given name.
func (f *File) Has(name string) bool {
	_, found := f.Header.Tensors[name]
	return found
}

// rawBytes returns the bytes of the named tensor, checking its dtype.
func (f *File) rawBytes(name, dtype string) (*TensorMetadata, []byte, error) {
	if f.mapped == nil {
		return nil, nil, errors.Errorf("file %s already closed", f.Path)
	}
	meta, found := f.Header.Tensors[name]
	if !found {
		return nil, nil, errors.Errorf("tensor %s not found in %s", name, f.Path)
	}
	if meta.Dtype != dtype {
		return nil, nil, errors.Errorf("tensor %s in %s has dtype %s, wanted %s", name, f.Path, meta.Dtype, dtype)
	}
	size, err := dtypeSize(dtype)
	if err != nil {
		return nil, nil, err
	}
	if expected := meta.NumElements() * int64(size); expected != meta.SizeBytes() {
		return nil, nil, errors.Errorf("tensor %s shape %v expected %d bytes, but got %d bytes",
			name, meta.Shape, expected, meta.SizeBytes())
	}
	start := f.dataOffset + meta.DataOffsets[0]
	return meta, f.mapped[start : start+meta.SizeBytes()], nil
}

// Float32s returns a copy of the values of an "F32" tensor, and its shape.
func (f *File) Float32s(name string) ([]float32, []int, error) {
	meta, data, err := f.rawBytes(name, "F32")
	if err != nil {
		return nil, nil, err
	}
	values := make([]float32, meta.NumElements())
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return values, meta.Shape, nil
}

// Float64s returns a copy of the values of an "F64" tensor, and its shape.
func (f *File) Float64s(name string) ([]float64, []int, error) {
	meta, data, err := f.rawBytes(name, "F64")
	if err != nil {
		return nil, nil, err
	}
	values := make([]float64, meta.NumElements())
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return values, meta.Shape, nil
}

// Int64s returns a copy of the values of an "I64" tensor, and its shape.
func (f *File) Int64s(name string) ([]int64, []int, error) {
	meta, data, err := f.rawBytes(name, "I64")
	if err != nil {
		return nil, nil, err
	}
	values := make([]int64, meta.NumElements())
	for i := range values {
		values[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return values, meta.Shape, nil
}
