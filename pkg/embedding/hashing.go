package embedding

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimension matches the 384-dim sentence-transformer models commonly
// used with engram stores.
const DefaultDimension = 384

// Hashing is a deterministic feature-hashing embedder: each lowercase word
// token is hashed into one of Dimension() buckets with a hash-derived sign,
// and the result is L2-normalized. It needs no model files and always maps
// identical inputs to identical vectors.
//
// It captures lexical overlap only. Use a real sentence-embedding model for
// semantic recall quality; Hashing exists for tests, benchmarks, and the
// CLI.
type Hashing struct {
	dim int
}

// NewHashing creates a hashing embedder. dim <= 0 selects
// [DefaultDimension].
func NewHashing(dim int) *Hashing {
	if dim <= 0 {
		dim = DefaultDimension
	}

	return &Hashing{dim: dim}
}

// Dimension returns the output dimension.
func (h *Hashing) Dimension() int {
	return h.dim
}

// Embed hashes the word tokens of text into a normalized vector.
// Text with no tokens embeds to the zero vector.
func (h *Hashing) Embed(text string) ([]float32, error) {
	vec := make([]float32, h.dim)

	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	for _, token := range tokens {
		hash := fnv.New64a()
		_, _ = hash.Write([]byte(token))
		sum := hash.Sum64()

		bucket := int(sum % uint64(h.dim))

		// One hash bit decides the sign so colliding tokens partially cancel
		// instead of always accumulating.
		if sum&(1<<63) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}

	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}

	return vec, nil
}
