// Package engram provides an embedded vector memory store: text records
// with metadata are embedded to dense vectors, persisted to an append-only
// binary log, and recalled through approximate-nearest-neighbor search.
//
// A Store composes three parts: an [embedding.Embedder] (supplied by the
// caller), the log engine owning the store.mnemo file, and a transient HNSW
// index rebuilt from the log on every open. The log is the source of truth;
// the ANN index holds only (vector, id) pairs that resolve back through the
// log.
//
// All operations on a Store are serialized by one coarse mutex. A Store is
// safe for concurrent use by multiple goroutines, but a store directory is
// owned by exactly one Store at a time.
package engram

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shubhambiswas2196/engram-db/internal/ann"
	"github.com/shubhambiswas2196/engram-db/internal/mnemo"
	"github.com/shubhambiswas2196/engram-db/pkg/embedding"
)

// searchDepth is the HNSW ef parameter used for every search.
const searchDepth = 100

var (
	// ErrInvalidArgument reports invalid caller input, for example a
	// negative k. Callers should use errors.Is.
	ErrInvalidArgument = errors.New("engram: invalid argument")

	// ErrDimension reports a vector whose length does not match the store's
	// embedding dimension.
	ErrDimension = errors.New("engram: vector dimension mismatch")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("engram: closed")

	// ErrLocked is returned by Open when the store directory is owned by
	// another instance.
	ErrLocked = mnemo.ErrLocked
)

// Options configures opening a store.
type Options struct {
	// Dir is the store directory, created if absent. Required.
	// The engine keeps a single data file (store.mnemo) plus an advisory
	// lock file inside it.
	Dir string

	// Embedder supplies the text-to-vector model. Required. Its dimension
	// fixes the store's vector dimension.
	Embedder embedding.Embedder

	// SyncWrites makes every append fsync before acknowledging. Slower, but
	// records survive a process crash. Without it, a crash may lose the log
	// tail; recovery-by-scan tolerates the torn tail either way.
	SyncWrites bool

	// CacheSize bounds the engine's decoded-record LRU. 0 disables caching.
	CacheSize int

	// Logger receives open/recovery events. Nil disables logging.
	Logger *zap.SugaredLogger
}

// Result is one recalled record: the original text and its metadata
// (nil when the record was stored without metadata).
type Result struct {
	Content  string
	Metadata map[string]string
}

// Store is an open engram store. Create one with [Open] and release it with
// [Store.Close].
type Store struct {
	mu       sync.Mutex
	engine   *mnemo.Engine
	index    *ann.Index
	embedder embedding.Embedder
	log      *zap.SugaredLogger
	closed   bool
}

// Open opens or creates the store in opts.Dir and rebuilds the ANN index
// from the log.
//
// Possible errors:
//   - [ErrInvalidArgument]: missing Dir or Embedder
//   - [ErrLocked]: directory owned by another instance
//   - file I/O errors from the engine; index errors from the rebuild
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("dir is required: %w", ErrInvalidArgument)
	}

	if opts.Embedder == nil {
		return nil, fmt.Errorf("embedder is required: %w", ErrInvalidArgument)
	}

	log := opts.Logger

	engine, err := mnemo.Open(opts.Dir, mnemo.Options{
		SyncWrites: opts.SyncWrites,
		CacheSize:  opts.CacheSize,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	s := &Store{
		engine:   engine,
		index:    ann.New(opts.Embedder.Dimension()),
		embedder: opts.Embedder,
		log:      log,
	}

	err = s.rebuild()
	if err != nil {
		_ = engine.Close()

		return nil, err
	}

	return s, nil
}

// rebuild inserts every persisted (vector, id) pair into the fresh ANN
// index. After it returns, the index holds one entry per offset index entry
// whose record reads back; an id whose record reads as not found is skipped.
func (s *Store) rebuild() error {
	start := time.Now()

	for _, id := range s.engine.IDs() {
		rec, err := s.engine.Read(id)
		if err != nil {
			if errors.Is(err, mnemo.ErrNotFound) {
				// Defensive read rejected the record; the index entry is
				// unreadable, so it cannot be searched either.
				continue
			}

			return fmt.Errorf("rebuild: read record %d: %w", id, err)
		}

		err = s.index.Insert(rec.Vector, id)
		if err != nil {
			return fmt.Errorf("rebuild: %w", err)
		}
	}

	if s.log != nil {
		s.log.Infow("index rebuilt",
			"vectors", s.index.Len(),
			"elapsed", time.Since(start),
		)
	}

	return nil
}

// Store embeds text, appends the record to the log, and inserts the vector
// into the ANN index.
//
// The three steps are not transactional: if the ANN insert fails after the
// append succeeded, the record exists on disk and the next open restores
// consistency by rebuilding the index from the log.
func (s *Store) Store(text string, metadata map[string]string) error {
	return s.store(text, metadata, nil)
}

// StoreTTL is Store with an expiry in seconds. The TTL is persisted with
// the record but not enforced by reads; the semantics are reserved.
func (s *Store) StoreTTL(text string, metadata map[string]string, ttl uint64) error {
	return s.store(text, metadata, &ttl)
}

func (s *Store) store(text string, metadata map[string]string, ttl *uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	vector, err := s.embed(text)
	if err != nil {
		return err
	}

	id, err := s.engine.Append(text, vector, metadata, ttl)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}

	err = s.index.Insert(vector, id)
	if err != nil {
		return fmt.Errorf("index insert: %w", err)
	}

	return nil
}

// Recall embeds query, searches the ANN index, and returns up to k results
// in the index's order (ascending distance).
func (s *Store) Recall(query string, k int) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if k < 0 {
		return nil, fmt.Errorf("k must be >= 0, got %d: %w", k, ErrInvalidArgument)
	}

	vector, err := s.embed(query)
	if err != nil {
		return nil, err
	}

	return s.search(vector, k)
}

// SearchRaw is Recall with a caller-provided vector instead of query text.
// The vector length must equal the store's embedding dimension.
func (s *Store) SearchRaw(vector []float32, k int) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	if k < 0 {
		return nil, fmt.Errorf("k must be >= 0, got %d: %w", k, ErrInvalidArgument)
	}

	if len(vector) != s.embedder.Dimension() {
		return nil, fmt.Errorf("vector has %d dimensions, store has %d: %w",
			len(vector), s.embedder.Dimension(), ErrDimension)
	}

	return s.search(vector, k)
}

// search resolves ANN hits back through the log. Order is preserved from
// the ANN output; ids whose records read as not-found are skipped.
func (s *Store) search(vector []float32, k int) ([]Result, error) {
	hits, err := s.index.Search(vector, k, searchDepth)
	if err != nil {
		return nil, fmt.Errorf("index search: %w", err)
	}

	results := make([]Result, 0, len(hits))

	for _, hit := range hits {
		rec, err := s.engine.Read(hit.ID)
		if err != nil {
			if errors.Is(err, mnemo.ErrNotFound) {
				continue
			}

			return nil, fmt.Errorf("read record %d: %w", hit.ID, err)
		}

		results = append(results, Result{Content: rec.Content, Metadata: rec.Metadata})
	}

	return results, nil
}

// EmbedOnly returns the embedding of text without storing anything.
func (s *Store) EmbedOnly(text string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	return s.embed(text)
}

// Count returns the number of records in the store.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}

	return s.engine.Count()
}

// Dimension returns the store's embedding dimension.
func (s *Store) Dimension() int {
	return s.embedder.Dimension()
}

// Size returns the store file length in bytes.
func (s *Store) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	return s.engine.Size()
}

// LastID returns the highest record id, 0 for an empty store.
func (s *Store) LastID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}

	return s.engine.LastID()
}

// Close releases the store: the mapping, the directory lock, and the file.
// Close is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	return s.engine.Close()
}

// embed runs the embedder and validates the returned dimension, guarding
// the log against a misbehaving model.
func (s *Store) embed(text string) ([]float32, error) {
	vector, err := s.embedder.Embed(text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	if len(vector) != s.embedder.Dimension() {
		return nil, fmt.Errorf("embedder returned %d dimensions, declared %d: %w",
			len(vector), s.embedder.Dimension(), ErrDimension)
	}

	return vector, nil
}
