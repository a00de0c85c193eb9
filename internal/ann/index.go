// Package ann maintains the in-memory approximate-nearest-neighbor index
// over stored vectors, keyed by record id. It wraps github.com/coder/hnsw
// and is rebuilt from the log on every open; no ANN state is persisted.
package ann

import (
	"fmt"

	"github.com/coder/hnsw"
)

// Construction defaults. M is the graph out-degree; EfSearch the search
// depth used by the store facade.
const (
	DefaultM        = 16
	DefaultEfSearch = 100
)

// Result is one search hit: a record id and its cosine distance from the
// query, smaller meaning more similar.
type Result struct {
	ID       uint64
	Distance float32
}

// Index is an HNSW graph over record vectors. It is not safe for concurrent
// use; the facade serializes access.
type Index struct {
	graph *hnsw.Graph[uint64]
	dim   int
}

// New creates an empty index for vectors of the given dimension.
func New(dim int) *Index {
	graph := hnsw.NewGraph[uint64]()
	graph.M = DefaultM
	graph.Distance = hnsw.CosineDistance
	graph.EfSearch = DefaultEfSearch

	return &Index{graph: graph, dim: dim}
}

// Dimension returns the vector dimension the index was created with.
func (ix *Index) Dimension() int {
	return ix.dim
}

// Insert adds a vector under the given id. Ids must be unique; the facade
// guarantees this (ids come from the log engine).
func (ix *Index) Insert(vector []float32, id uint64) error {
	if len(vector) != ix.dim {
		return fmt.Errorf("insert id %d: vector dimension %d, index dimension %d", id, len(vector), ix.dim)
	}

	ix.graph.Add(hnsw.MakeNode(id, vector))

	return nil
}

// Search returns up to k results ordered by ascending distance. ef is the
// search depth.
func (ix *Index) Search(vector []float32, k, ef int) ([]Result, error) {
	if len(vector) != ix.dim {
		return nil, fmt.Errorf("search: vector dimension %d, index dimension %d", len(vector), ix.dim)
	}

	if k <= 0 || ix.graph.Len() == 0 {
		return nil, nil
	}

	ix.graph.EfSearch = ef

	nodes := ix.graph.Search(vector, k)

	results := make([]Result, 0, len(nodes))
	for _, node := range nodes {
		results = append(results, Result{
			ID:       node.Key,
			Distance: ix.graph.Distance(vector, node.Value),
		})
	}

	return results, nil
}

// Len returns the number of vectors in the index.
func (ix *Index) Len() int {
	return ix.graph.Len()
}
