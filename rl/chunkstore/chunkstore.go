// Package chunkstore implements a small chunked on-disk array store in
// the spirit of zarr/z5: a store is a directory, each dataset a
// subdirectory holding a JSON metadata file and raw little-endian chunk
// files named by their chunk-grid index ("0.0.0.0"). Capacity is fixed at
// creation; writes are row-aligned subarray updates on axis 0.
package chunkstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DtypeInt16   = "int16"
	DtypeInt32   = "int32"
	DtypeFloat32 = "float32"
)

const storeMarker = "store.json"
const metaFile = ".meta.json"

type storeInfo struct {
	Format  string `json:"format"`
	Version int    `json:"version"`
}

// Meta describes one dataset.
type Meta struct {
	Dtype  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Chunks []int  `json:"chunks"`
}

// File is a handle to a store directory.
type File struct {
	path string
}

// Exists reports whether path already holds a store.
func Exists(path string) bool {
	_, err := os.Stat(filepath.Join(path, storeMarker))
	return err == nil
}

// Create initializes a new store directory.
func Create(path string) (*File, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	info, err := json.Marshal(storeInfo{Format: "chunkstore", Version: 1})
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(path, storeMarker), info, 0o644); err != nil {
		return nil, fmt.Errorf("write store marker: %w", err)
	}
	return &File{path: path}, nil
}

// Open attaches to an existing store directory.
func Open(path string) (*File, error) {
	if !Exists(path) {
		return nil, fmt.Errorf("no store at %s", path)
	}
	return &File{path: path}, nil
}

// Dataset is a fixed-shape chunked array inside a store.
type Dataset struct {
	dir  string
	meta Meta

	rowSize   int // values per axis-0 row
	chunkRows int // axis-0 rows per chunk
	elemSize  int // bytes per value
}

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case DtypeInt16:
		return 2, nil
	case DtypeInt32, DtypeFloat32:
		return 4, nil
	}
	return 0, fmt.Errorf("unsupported dtype %q", dtype)
}

func newDataset(dir string, meta Meta) (*Dataset, error) {
	if len(meta.Shape) == 0 || len(meta.Shape) != len(meta.Chunks) {
		return nil, fmt.Errorf("shape %v and chunks %v must be non-empty and equal rank", meta.Shape, meta.Chunks)
	}
	for i := 1; i < len(meta.Shape); i++ {
		if meta.Chunks[i] != meta.Shape[i] {
			return nil, fmt.Errorf("only axis-0 chunking is supported, got chunks %v for shape %v", meta.Chunks, meta.Shape)
		}
	}
	elemSize, err := dtypeSize(meta.Dtype)
	if err != nil {
		return nil, err
	}
	rowSize := 1
	for _, s := range meta.Shape[1:] {
		rowSize *= s
	}
	return &Dataset{
		dir:       dir,
		meta:      meta,
		rowSize:   rowSize,
		chunkRows: meta.Chunks[0],
		elemSize:  elemSize,
	}, nil
}

func (d *Dataset) Shape() []int { return append([]int(nil), d.meta.Shape...) }
func (d *Dataset) Dtype() string { return d.meta.Dtype }

// CreateDataset allocates a dataset. Chunking is on axis 0 only: every
// trailing chunk dimension must equal the shape dimension.
func (f *File) CreateDataset(name, dtype string, shape, chunks []int) (*Dataset, error) {
	dir := filepath.Join(f.path, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset dir: %w", err)
	}
	meta := Meta{Dtype: dtype, Shape: shape, Chunks: chunks}
	d, err := newDataset(dir, meta)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), raw, 0o644); err != nil {
		return nil, fmt.Errorf("write dataset meta: %w", err)
	}
	return d, nil
}

// OpenDataset attaches to an existing dataset.
func (f *File) OpenDataset(name string) (*Dataset, error) {
	dir := filepath.Join(f.path, name)
	raw, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("read dataset meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parse dataset meta: %w", err)
	}
	return newDataset(dir, meta)
}

func (d *Dataset) chunkPath(chunkIdx int) string {
	parts := make([]string, len(d.meta.Shape))
	parts[0] = strconv.Itoa(chunkIdx)
	for i := 1; i < len(parts); i++ {
		parts[i] = "0"
	}
	return filepath.Join(d.dir, strings.Join(parts, "."))
}

func (d *Dataset) chunkBytes() int {
	return d.chunkRows * d.rowSize * d.elemSize
}

// loadChunk returns the chunk's bytes, zero-filled when the chunk has not
// been written yet.
func (d *Dataset) loadChunk(chunkIdx int) ([]byte, error) {
	buf, err := os.ReadFile(d.chunkPath(chunkIdx))
	if err != nil {
		if os.IsNotExist(err) {
			return make([]byte, d.chunkBytes()), nil
		}
		return nil, fmt.Errorf("read chunk: %w", err)
	}
	if len(buf) != d.chunkBytes() {
		return nil, fmt.Errorf("chunk %d has %d bytes, want %d", chunkIdx, len(buf), d.chunkBytes())
	}
	return buf, nil
}

func (d *Dataset) storeChunk(chunkIdx int, buf []byte) error {
	path := d.chunkPath(chunkIdx)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename chunk: %w", err)
	}
	return nil
}

// Scalar constrains the element types the store can hold.
type Scalar interface {
	~int16 | ~int32 | ~float32
}

func dtypeOf[T Scalar]() string {
	switch any(T(0)).(type) {
	case int16:
		return DtypeInt16
	case int32:
		return DtypeInt32
	default:
		return DtypeFloat32
	}
}

func encodeLE[T Scalar](data []T) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(len(data) * int(binary.Size(T(0))))
	_ = binary.Write(buf, binary.LittleEndian, data)
	return buf.Bytes()
}

func decodeLE[T Scalar](raw []byte, out []T) error {
	return binary.Read(bytes.NewReader(raw), binary.LittleEndian, out)
}

// Write stores len(data)/rowSize rows starting at axis-0 index offset.
// Partially covered chunks are read, patched and rewritten.
func Write[T Scalar](d *Dataset, offset int, data []T) error {
	if dt := dtypeOf[T](); dt != d.meta.Dtype {
		return fmt.Errorf("write %s into %s dataset", dt, d.meta.Dtype)
	}
	if len(data)%d.rowSize != 0 {
		return fmt.Errorf("data length %d is not a multiple of row size %d", len(data), d.rowSize)
	}
	rows := len(data) / d.rowSize
	if offset < 0 || offset+rows > d.meta.Shape[0] {
		return fmt.Errorf("write of %d rows at offset %d exceeds dataset length %d", rows, offset, d.meta.Shape[0])
	}

	raw := encodeLE(data)
	rowBytes := d.rowSize * d.elemSize
	for written := 0; written < rows; {
		row := offset + written
		chunkIdx := row / d.chunkRows
		rowInChunk := row % d.chunkRows
		span := d.chunkRows - rowInChunk
		if remain := rows - written; span > remain {
			span = remain
		}
		buf, err := d.loadChunk(chunkIdx)
		if err != nil {
			return err
		}
		copy(buf[rowInChunk*rowBytes:], raw[written*rowBytes:(written+span)*rowBytes])
		if err := d.storeChunk(chunkIdx, buf); err != nil {
			return err
		}
		written += span
	}
	return nil
}

// Read loads rows axis-0 rows starting at offset.
func Read[T Scalar](d *Dataset, offset, rows int) ([]T, error) {
	if dt := dtypeOf[T](); dt != d.meta.Dtype {
		return nil, fmt.Errorf("read %s from %s dataset", dt, d.meta.Dtype)
	}
	if offset < 0 || offset+rows > d.meta.Shape[0] {
		return nil, fmt.Errorf("read of %d rows at offset %d exceeds dataset length %d", rows, offset, d.meta.Shape[0])
	}

	out := make([]T, rows*d.rowSize)
	rowBytes := d.rowSize * d.elemSize
	for read := 0; read < rows; {
		row := offset + read
		chunkIdx := row / d.chunkRows
		rowInChunk := row % d.chunkRows
		span := d.chunkRows - rowInChunk
		if remain := rows - read; span > remain {
			span = remain
		}
		buf, err := d.loadChunk(chunkIdx)
		if err != nil {
			return nil, err
		}
		if err := decodeLE(buf[rowInChunk*rowBytes:(rowInChunk+span)*rowBytes], out[read*d.rowSize:(read+span)*d.rowSize]); err != nil {
			return nil, err
		}
		read += span
	}
	return out, nil
}
