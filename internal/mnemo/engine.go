// Package mnemo implements the append-only binary log that backs an engram
// store: the store.mnemo file format, the in-memory offset index, the
// memory-mapped read path, and recovery-by-scan on open.
//
// The engine is a single-writer, single-process component. It performs no
// internal locking; callers serialize access (the engram facade holds one
// coarse mutex). A second Open of the same directory fails with [ErrLocked]
// via an advisory flock on store.mnemo.lock.
package mnemo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/shubhambiswas2196/engram-db/internal/flock"
)

// StoreFileName is the single file the engine creates inside its directory.
// An advisory lock file is kept next to it at StoreFileName + ".lock".
const StoreFileName = "store.mnemo"

var (
	// ErrNotFound is returned by Read for ids with no readable record.
	// Callers should use errors.Is.
	ErrNotFound = errors.New("mnemo: record not found")

	// ErrCorrupt reports malformed record bytes. Read paths translate it to
	// ErrNotFound; it surfaces from encode/decode internals and tooling.
	ErrCorrupt = errors.New("mnemo: corrupt")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("mnemo: closed")

	// ErrLocked is returned by Open when another engine instance holds the
	// store directory.
	ErrLocked = errors.New("mnemo: store is locked by another instance")
)

// Options configures an engine.
type Options struct {
	// SyncWrites makes Append fsync before returning. Without it a crash may
	// lose the tail of the log; scan-on-open tolerates the torn tail either
	// way.
	SyncWrites bool

	// CacheSize bounds the decoded-record LRU on the read path.
	// 0 disables caching.
	CacheSize int

	// Logger receives recovery and lifecycle events. Nil means no logging.
	Logger *zap.SugaredLogger
}

// Engine owns the store.mnemo file: appends records, reads them back by id
// through a read-only memory mapping, and restores its offset index by
// scanning the file on open.
type Engine struct {
	path string
	file *os.File
	lock *flock.Lock
	log  *zap.SugaredLogger

	// index maps record id to the file offset of the record's sync marker.
	index  map[uint64]int64
	lastID uint64

	// mmap is the read-side mapping of the whole file, or nil (Unmapped
	// state). It is dropped before every write and lazily reacquired on the
	// next read, so writes never race a live mapping.
	mmap []byte

	cache      *lru.Cache[uint64, *Record]
	version    uint16
	syncWrites bool
	closed     bool
}

// Open opens or creates a store inside dir, creating the directory if
// absent.
//
// A file that is at least header-sized and starts with the magic is scanned
// from the end of the header to rebuild the offset index. Anything else -
// missing, short, or with a foreign magic - is truncated and reinitialized
// with a fresh header; liveness is preferred over salvage.
//
// Possible errors:
//   - [ErrLocked]: another engine instance owns the directory
//   - file I/O errors (open, stat, read, write, mmap)
func Open(dir string, opts Options) (*Engine, error) {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	path := filepath.Join(dir, StoreFileName)

	lock, err := flock.TryLock(path + ".lock")
	if err != nil {
		if errors.Is(err, flock.ErrWouldBlock) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}

		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		_ = lock.Close()

		return nil, fmt.Errorf("open store file: %w", err)
	}

	e := &Engine{
		path:       path,
		file:       file,
		lock:       lock,
		log:        opts.Logger,
		index:      make(map[uint64]int64),
		syncWrites: opts.SyncWrites,
	}

	if opts.CacheSize > 0 {
		cache, err := lru.New[uint64, *Record](opts.CacheSize)
		if err != nil {
			_ = e.closeFiles()

			return nil, fmt.Errorf("create record cache: %w", err)
		}

		e.cache = cache
	}

	err = e.recoverIndex()
	if err != nil {
		_ = e.closeFiles()

		return nil, err
	}

	return e, nil
}

// recoverIndex validates the header and rebuilds the offset index, initializing
// the file fresh when the header does not check out.
func (e *Engine) recoverIndex() error {
	info, err := e.file.Stat()
	if err != nil {
		return fmt.Errorf("stat store file: %w", err)
	}

	valid := false

	if info.Size() >= headerSize {
		magicBuf := make([]byte, len(fileMagic))

		_, err = e.file.ReadAt(magicBuf, 0)
		if err != nil {
			return fmt.Errorf("read magic: %w", err)
		}

		valid = bytes.Equal(magicBuf, []byte(fileMagic))
	}

	if !valid {
		return e.initialize()
	}

	versionBuf := make([]byte, 2)

	_, err = e.file.ReadAt(versionBuf, 4)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}

	e.version = binary.LittleEndian.Uint16(versionBuf)

	start := time.Now()

	_, err = e.file.Seek(headerSize, io.SeekStart)
	if err != nil {
		return fmt.Errorf("seek body: %w", err)
	}

	body, err := io.ReadAll(e.file)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	e.index, e.lastID = scanBody(body)

	if e.log != nil {
		e.log.Infow("store recovered",
			"path", e.path,
			"version", e.version,
			"records", len(e.index),
			"last_id", e.lastID,
			"bytes", len(body),
			"elapsed", time.Since(start),
		)
	}

	if len(body) > 0 {
		return e.remap(int64(headerSize + len(body)))
	}

	return nil
}

// initialize truncates the file and writes a fresh header.
func (e *Engine) initialize() error {
	err := e.file.Truncate(0)
	if err != nil {
		return fmt.Errorf("truncate store file: %w", err)
	}

	_, err = e.file.WriteAt(encodeHeader(), 0)
	if err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	err = e.file.Sync()
	if err != nil {
		return fmt.Errorf("sync header: %w", err)
	}

	e.version = currentVersion

	if e.log != nil {
		e.log.Infow("store initialized", "path", e.path, "version", currentVersion)
	}

	return nil
}

// Append serializes a record and writes it at the end of the file.
// The read mapping is dropped first and reacquired lazily on the next read,
// so mapping-vs-write visibility never has to be reasoned about.
//
// Returns the assigned id.
func (e *Engine) Append(content string, vector []float32, metadata map[string]string, ttl *uint64) (uint64, error) {
	if e.closed {
		return 0, ErrClosed
	}

	e.dropMapping()

	rec := &Record{
		ID:        e.lastID + 1,
		Content:   content,
		Vector:    vector,
		Timestamp: uint64(time.Now().Unix()),
		TTL:       ttl,
		Metadata:  metadata,
	}
	rec.Checksum = contentChecksum([]byte(content))

	buf, err := encodeRecord(rec)
	if err != nil {
		return 0, err
	}

	offset, err := e.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek end: %w", err)
	}

	_, err = e.file.Write(buf)
	if err != nil {
		return 0, fmt.Errorf("append record: %w", err)
	}

	if e.syncWrites {
		err = e.file.Sync()
		if err != nil {
			return 0, fmt.Errorf("sync record: %w", err)
		}
	}

	e.index[rec.ID] = offset
	e.lastID = rec.ID

	if e.cache != nil {
		e.cache.Add(rec.ID, rec)
	}

	return rec.ID, nil
}

// Read returns the record with the given id, or [ErrNotFound].
//
// The record is parsed in place from the memory mapping. The read is
// defensive against a corrupted index: a missing sync marker or an embedded
// id that does not match the requested id reads as not found. The content
// checksum is decoded but not verified on this path; it is reserved for the
// scan path and verification tooling.
func (e *Engine) Read(id uint64) (*Record, error) {
	if e.closed {
		return nil, ErrClosed
	}

	if e.cache != nil {
		if rec, ok := e.cache.Get(id); ok {
			return rec, nil
		}
	}

	err := e.ensureMapped()
	if err != nil {
		return nil, err
	}

	offset, ok := e.index[id]
	if !ok {
		return nil, ErrNotFound
	}

	if offset < headerSize || offset >= int64(len(e.mmap)) {
		return nil, ErrNotFound
	}

	pos := int(offset)
	if !hasSyncMarker(e.mmap, pos) {
		return nil, ErrNotFound
	}

	rec, err := decodeRecord(e.mmap, pos)
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			return nil, ErrNotFound
		}

		return nil, err
	}

	if rec.ID != id {
		return nil, ErrNotFound
	}

	if e.cache != nil {
		e.cache.Add(id, rec)
	}

	return rec, nil
}

// Count returns the number of records in the offset index.
func (e *Engine) Count() int {
	return len(e.index)
}

// LastID returns the highest id ever appended, or 0 for an empty store.
func (e *Engine) LastID() uint64 {
	return e.lastID
}

// IDs returns all record ids in ascending order. Used to rebuild the ANN
// index on open.
func (e *Engine) IDs() []uint64 {
	ids := make([]uint64, 0, len(e.index))
	for id := range e.index {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Version returns the on-disk format version read or written at open.
func (e *Engine) Version() uint16 {
	return e.version
}

// Size returns the current store file length in bytes.
func (e *Engine) Size() (int64, error) {
	if e.closed {
		return 0, ErrClosed
	}

	info, err := e.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat store file: %w", err)
	}

	return info.Size(), nil
}

// Close unmaps, releases the directory lock, and closes the file.
// Subsequent operations return [ErrClosed]. Close is idempotent.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}

	e.closed = true

	return e.closeFiles()
}

func (e *Engine) closeFiles() error {
	e.dropMapping()

	closeErr := e.file.Close()
	lockErr := e.lock.Close()

	if closeErr != nil {
		return fmt.Errorf("close store file: %w", closeErr)
	}

	if lockErr != nil {
		return fmt.Errorf("release store lock: %w", lockErr)
	}

	return nil
}

// ensureMapped makes the mapping current: mapped, and at least as long as
// the file. A mapping whose length lags the file (records were appended
// since) is replaced.
func (e *Engine) ensureMapped() error {
	info, err := e.file.Stat()
	if err != nil {
		return fmt.Errorf("stat store file: %w", err)
	}

	size := info.Size()
	if size <= headerSize {
		// No record bytes to map yet.
		return nil
	}

	if e.mmap != nil && int64(len(e.mmap)) >= size {
		return nil
	}

	e.dropMapping()

	return e.remap(size)
}

// remap maps the first size bytes of the file read-only.
func (e *Engine) remap(size int64) error {
	data, err := syscall.Mmap(int(e.file.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap store file: %w", err)
	}

	e.mmap = data

	return nil
}

// dropMapping releases the read mapping if one is held.
func (e *Engine) dropMapping() {
	if e.mmap == nil {
		return
	}

	_ = syscall.Munmap(e.mmap)
	e.mmap = nil
}
