package chunkstore

import (
	"path/filepath"
	"testing"
)

func TestWriteReadAcrossChunkBoundaries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store.zip")
	f, err := Create(dir)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d, err := f.CreateDataset("x", DtypeInt16, []int{10, 3}, []int{4, 3})
	if err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}

	rows := make([]int16, 10*3)
	for i := range rows {
		rows[i] = int16(i)
	}
	// Two writes, the first ending mid-chunk and the second spanning the
	// chunk boundary.
	if err := Write(d, 0, rows[:3*3]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Write(d, 3, rows[3*3:]); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read[int16](d, 0, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := range rows {
		if got[i] != rows[i] {
			t.Fatalf("got[%d] = %d, want %d", i, got[i], rows[i])
		}
	}
}

func TestReadZeroFillsUnwrittenChunks(t *testing.T) {
	f, err := Create(t.TempDir())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d, err := f.CreateDataset("y", DtypeFloat32, []int{6}, []int{2})
	if err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}
	if err := Write(d, 0, []float32{1.5}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read[float32](d, 0, 6)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := []float32{1.5, 0, 0, 0, 0, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := t.TempDir()
	f, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d, err := f.CreateDataset("v", DtypeInt32, []int{4}, []int{2})
	if err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}
	if err := Write(d, 1, []int32{7, -3}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if !Exists(path) {
		t.Fatalf("Exists = false after Create")
	}
	f2, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d2, err := f2.OpenDataset("v")
	if err != nil {
		t.Fatalf("OpenDataset: %v", err)
	}
	got, err := Read[int32](d2, 0, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := []int32{0, 7, -3, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if ds := d2.Shape(); len(ds) != 1 || ds[0] != 4 {
		t.Errorf("Shape = %v, want [4]", ds)
	}
}

func TestOpenMissingStoreFails(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing store")
	}
}

func TestWriteRejectsDtypeMismatch(t *testing.T) {
	f, _ := Create(t.TempDir())
	d, err := f.CreateDataset("x", DtypeInt16, []int{4}, []int{2})
	if err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}
	if err := Write(d, 0, []float32{1}); err == nil {
		t.Errorf("float32 write into int16 dataset succeeded")
	}
	if _, err := Read[float32](d, 0, 1); err == nil {
		t.Errorf("float32 read from int16 dataset succeeded")
	}
}

func TestWriteRejectsOutOfBounds(t *testing.T) {
	f, _ := Create(t.TempDir())
	d, err := f.CreateDataset("x", DtypeInt16, []int{4, 2}, []int{2, 2})
	if err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}
	if err := Write(d, 3, []int16{1, 2, 3, 4}); err == nil {
		t.Errorf("write past dataset length succeeded")
	}
	if err := Write(d, 0, []int16{1, 2, 3}); err == nil {
		t.Errorf("write of a partial row succeeded")
	}
}

func TestCreateDatasetRejectsInnerChunking(t *testing.T) {
	f, _ := Create(t.TempDir())
	if _, err := f.CreateDataset("x", DtypeInt16, []int{4, 4}, []int{2, 2}); err == nil {
		t.Errorf("inner-axis chunking accepted")
	}
}
