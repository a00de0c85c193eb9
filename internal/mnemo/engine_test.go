package mnemo_test

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/shubhambiswas2196/engram-db/internal/flock"
	"github.com/shubhambiswas2196/engram-db/internal/mnemo"
)

// recordSize returns the on-disk size of a record with no ttl and no
// metadata: sync(4) + id(8) + flags(1) + ts(8) + clen(4) + content +
// vlen(4) + 4*dim + crc(4).
func recordSize(content string, dim int) int64 {
	return int64(21 + 4 + len(content) + 4 + 4*dim + 4)
}

func openEngine(t *testing.T, dir string) *mnemo.Engine {
	t.Helper()

	e, err := mnemo.Open(dir, mnemo.Options{})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}

	t.Cleanup(func() { _ = e.Close() })

	return e
}

func Test_Open_Creates_Directory_And_Header_When_Store_Is_New(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "store")

	e := openEngine(t, dir)

	if e.Count() != 0 {
		t.Fatalf("count = %d, want 0", e.Count())
	}

	data, err := os.ReadFile(filepath.Join(dir, mnemo.StoreFileName))
	if err != nil {
		t.Fatalf("read store file: %v", err)
	}

	if len(data) != 64 {
		t.Fatalf("file size = %d, want 64", len(data))
	}

	// Magic "MNMO" then little-endian version 3.
	want := []byte{0x4D, 0x4E, 0x4D, 0x4F, 0x03, 0x00}
	if !cmp.Equal(data[:6], want) {
		t.Fatalf("header prefix = % X, want % X", data[:6], want)
	}

	for i := 6; i < 64; i++ {
		if data[i] != 0 {
			t.Fatalf("reserved byte %d = %#x, want 0", i, data[i])
		}
	}
}

func Test_Append_Then_Read_Round_Trips_Record(t *testing.T) {
	t.Parallel()

	e := openEngine(t, t.TempDir())

	ttl := uint64(3600)
	meta := map[string]string{"tag": "greet", "lang": "en"}
	vector := []float32{0.25, -1, 3.5}

	id, err := e.Append("hello world", vector, meta, &ttl)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if id != 1 {
		t.Fatalf("id = %d, want 1", id)
	}

	rec, err := e.Read(id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if rec.Content != "hello world" {
		t.Fatalf("content = %q", rec.Content)
	}

	if diff := cmp.Diff(vector, rec.Vector); diff != "" {
		t.Fatalf("vector mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(meta, rec.Metadata); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}

	if rec.TTL == nil || *rec.TTL != ttl {
		t.Fatalf("ttl = %v, want %d", rec.TTL, ttl)
	}

	if rec.Timestamp == 0 {
		t.Fatal("timestamp not set")
	}
}

func Test_Read_Returns_NotFound_When_ID_Is_Unknown(t *testing.T) {
	t.Parallel()

	e := openEngine(t, t.TempDir())

	_, err := e.Read(42)
	if !errors.Is(err, mnemo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func Test_Reopen_Restores_Index_And_Records(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	e, err := mnemo.Open(dir, mnemo.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	contents := []string{"a", "b", "c"}
	for _, c := range contents {
		_, err = e.Append(c, []float32{1, 2}, nil, nil)
		if err != nil {
			t.Fatalf("append %q: %v", c, err)
		}
	}

	err = e.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	e2 := openEngine(t, dir)

	if e2.Count() != 3 {
		t.Fatalf("count = %d, want 3", e2.Count())
	}

	if e2.LastID() != 3 {
		t.Fatalf("last id = %d, want 3", e2.LastID())
	}

	rec, err := e2.Read(2)
	if err != nil {
		t.Fatalf("read 2: %v", err)
	}

	if rec.Content != "b" {
		t.Fatalf("content = %q, want \"b\"", rec.Content)
	}
}

func Test_Reopen_Continues_ID_Sequence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	e, err := mnemo.Open(dir, mnemo.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for range 5 {
		_, err = e.Append("x", []float32{1}, nil, nil)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	err = e.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	e2 := openEngine(t, dir)

	id, err := e2.Append("y", []float32{1}, nil, nil)
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}

	if id != 6 {
		t.Fatalf("id = %d, want 6", id)
	}
}

func Test_Reopen_Drops_Torn_Tail_When_Last_Record_Is_Truncated(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, mnemo.StoreFileName)

	e, err := mnemo.Open(dir, mnemo.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	const n = 10
	for range n {
		_, err = e.Append("content", []float32{1, 2, 3}, nil, nil)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	err = e.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	// Cut into the middle of the last record.
	err = os.Truncate(path, info.Size()-5)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}

	e2 := openEngine(t, dir)

	if e2.Count() != n-1 {
		t.Fatalf("count = %d, want %d", e2.Count(), n-1)
	}

	for id := uint64(1); id <= n-1; id++ {
		_, err = e2.Read(id)
		if err != nil {
			t.Fatalf("read %d after torn tail: %v", id, err)
		}
	}

	_, err = e2.Read(n)
	if !errors.Is(err, mnemo.ErrNotFound) {
		t.Fatalf("read of torn record: err = %v, want ErrNotFound", err)
	}
}

func Test_Reopen_Keeps_First_Fifty_Records_When_File_Is_Cut_Mid_Stream(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, mnemo.StoreFileName)

	e, err := mnemo.Open(dir, mnemo.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	const dim = 8
	for range 100 {
		_, err = e.Append("record", make([]float32, dim), nil, nil)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	err = e.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	cut := 64 + 50*recordSize("record", dim) + 7

	err = os.Truncate(path, cut)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}

	e2 := openEngine(t, dir)

	if e2.Count() != 50 {
		t.Fatalf("count = %d, want 50", e2.Count())
	}
}

func Test_Open_Reinitializes_Store_When_Magic_Is_Zeroed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, mnemo.StoreFileName)

	e, err := mnemo.Open(dir, mnemo.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err = e.Append("x", []float32{1}, nil, nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	err = e.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}

	_, err = f.WriteAt([]byte{0, 0, 0, 0}, 0)
	if err != nil {
		t.Fatalf("zero magic: %v", err)
	}

	err = f.Close()
	if err != nil {
		t.Fatalf("close file: %v", err)
	}

	// Liveness over salvage: the file is truncated and reinitialized.
	e2 := openEngine(t, dir)

	if e2.Count() != 0 {
		t.Fatalf("count = %d, want 0", e2.Count())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	if info.Size() != 64 {
		t.Fatalf("size = %d, want 64", info.Size())
	}
}

func Test_Flags_Byte_Reflects_TTL_And_Metadata_Presence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, mnemo.StoreFileName)

	e, err := mnemo.Open(dir, mnemo.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err = e.Append("x", []float32{1}, nil, nil)
	if err != nil {
		t.Fatalf("append bare: %v", err)
	}

	_, err = e.Append("y", []float32{1}, map[string]string{"k": "v"}, nil)
	if err != nil {
		t.Fatalf("append with metadata: %v", err)
	}

	ttl := uint64(60)

	_, err = e.Append("z", []float32{1}, nil, &ttl)
	if err != nil {
		t.Fatalf("append with ttl: %v", err)
	}

	err = e.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}

	first := int64(64)
	second := first + recordSize("x", 1)

	// Flags byte sits after sync(4) + id(8).
	if got := data[first+12]; got != 0x00 {
		t.Fatalf("first flags = %#02x, want 0x00", got)
	}

	if got := data[second+12]; got != 0x02 {
		t.Fatalf("second flags = %#02x, want 0x02", got)
	}

	// Third record follows the metadata record; its offset adds the metadata
	// length field and JSON bytes to the bare record size.
	third := second + recordSize("y", 1) + 4 + int64(len(`{"k":"v"}`))
	if got := data[third+12]; got != 0x01 {
		t.Fatalf("third flags = %#02x, want 0x01", got)
	}

	// Record ids embedded at the located offsets line up.
	if got := binary.LittleEndian.Uint64(data[third+4:]); got != 3 {
		t.Fatalf("third id = %d, want 3", got)
	}
}

func Test_Open_Fails_When_Another_Instance_Holds_The_Directory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	e := openEngine(t, dir)
	_ = e

	_, err := mnemo.Open(dir, mnemo.Options{})
	if !errors.Is(err, mnemo.ErrLocked) {
		t.Fatalf("second open err = %v, want ErrLocked", err)
	}
}

func Test_Open_Succeeds_After_Previous_Instance_Closes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	e, err := mnemo.Open(dir, mnemo.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	err = e.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	e2 := openEngine(t, dir)

	if e2.Count() != 0 {
		t.Fatalf("count = %d, want 0", e2.Count())
	}
}

func Test_Lock_File_Persists_But_Is_Released_On_Close(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	lockPath := filepath.Join(dir, mnemo.StoreFileName+".lock")

	e, err := mnemo.Open(dir, mnemo.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	err = e.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	// Lock file stays on disk but the flock is gone.
	_, err = os.Stat(lockPath)
	if err != nil {
		t.Fatalf("stat lock file: %v", err)
	}

	lk, err := flock.TryLock(lockPath)
	if err != nil {
		t.Fatalf("relock after close: %v", err)
	}

	_ = lk.Close()
}

func Test_Operations_Fail_When_Engine_Is_Closed(t *testing.T) {
	t.Parallel()

	e, err := mnemo.Open(t.TempDir(), mnemo.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	err = e.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err = e.Append("x", []float32{1}, nil, nil)
	if !errors.Is(err, mnemo.ErrClosed) {
		t.Fatalf("append err = %v, want ErrClosed", err)
	}

	_, err = e.Read(1)
	if !errors.Is(err, mnemo.ErrClosed) {
		t.Fatalf("read err = %v, want ErrClosed", err)
	}

	err = e.Close()
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func Test_Read_Sees_Records_Appended_After_Previous_Read(t *testing.T) {
	t.Parallel()

	e := openEngine(t, t.TempDir())

	id1, err := e.Append("first", []float32{1}, nil, nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	_, err = e.Read(id1)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}

	// The mapping acquired above lags the file after this append; the next
	// read must refresh it.
	id2, err := e.Append("second", []float32{2}, nil, nil)
	if err != nil {
		t.Fatalf("append second: %v", err)
	}

	rec, err := e.Read(id2)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}

	if rec.Content != "second" {
		t.Fatalf("content = %q, want \"second\"", rec.Content)
	}
}

func Test_Cache_Serves_Same_Record_Data_As_Mmap_Path(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cached, err := mnemo.Open(dir, mnemo.Options{CacheSize: 16})
	if err != nil {
		t.Fatalf("open cached: %v", err)
	}

	meta := map[string]string{"k": "v"}

	id, err := cached.Append("payload", []float32{1, 2, 3}, meta, nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	fromCache, err := cached.Read(id)
	if err != nil {
		t.Fatalf("cached read: %v", err)
	}

	err = cached.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	plain := openEngine(t, dir)

	fromDisk, err := plain.Read(id)
	if err != nil {
		t.Fatalf("disk read: %v", err)
	}

	if diff := cmp.Diff(fromDisk, fromCache); diff != "" {
		t.Fatalf("cache vs disk mismatch (-disk +cache):\n%s", diff)
	}
}

func Test_IDs_Are_Sorted_Ascending(t *testing.T) {
	t.Parallel()

	e := openEngine(t, t.TempDir())

	for range 20 {
		_, err := e.Append("x", []float32{1}, nil, nil)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	ids := e.IDs()
	if len(ids) != 20 {
		t.Fatalf("len(ids) = %d, want 20", len(ids))
	}

	for i, id := range ids {
		if id != uint64(i+1) {
			t.Fatalf("ids[%d] = %d, want %d", i, id, i+1)
		}
	}
}
