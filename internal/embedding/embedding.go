// Package embedding turns short texts into fixed-size vectors so agents can
// retrieve the memories most relevant to the current round.
//
// Vectors are built from hashed unigram and bigram features, then
// L2-normalised, so the dot product of two vectors is their cosine
// similarity.
package embedding

import (
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

const (
	// DefaultDim is the vector size used when Options.Dim is zero.
	DefaultDim = 384
	// DeviceCPU is the only supported device.
	DeviceCPU = "cpu"

	maxCacheEntries = 4096
)

// Options configures a Model.
type Options struct {
	Device string
	Dim    int
}

// Model computes embeddings. It is safe for concurrent use.
type Model struct {
	dim int

	mu    sync.Mutex
	cache map[string][]float32
}

// Match is one TopK result.
type Match struct {
	Index int
	Score float64
}

// New builds a Model.
func New(opts Options) (*Model, error) {
	device := strings.ToLower(strings.TrimSpace(opts.Device))
	if device == "" {
		device = DeviceCPU
	}
	if device != DeviceCPU {
		return nil, fmt.Errorf("unsupported embedding device %q", opts.Device)
	}
	dim := opts.Dim
	if dim == 0 {
		dim = DefaultDim
	}
	if dim < 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	return &Model{dim: dim, cache: make(map[string][]float32)}, nil
}

// Dim returns the vector size.
func (m *Model) Dim() int { return m.dim }

// Embed returns the normalised vector for text. Empty text yields a zero vector.
func (m *Model) Embed(text string) []float32 {
	m.mu.Lock()
	if v, ok := m.cache[text]; ok {
		m.mu.Unlock()
		return v
	}
	m.mu.Unlock()

	v := m.compute(text)

	m.mu.Lock()
	if len(m.cache) >= maxCacheEntries {
		m.cache = make(map[string][]float32)
	}
	m.cache[text] = v
	m.mu.Unlock()
	return v
}

func (m *Model) compute(text string) []float32 {
	vec := make([]float32, m.dim)
	tokens := tokenize(text)
	for i, tok := range tokens {
		m.addFeature(vec, tok, 1)
		if i > 0 {
			m.addFeature(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// addFeature uses the hashing trick with a sign bit to limit collision bias.
func (m *Model) addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(m.dim))
	if sum>>63 == 1 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Similarity returns the cosine similarity of two vectors of equal length.
func Similarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// TopK returns the k docs most similar to query, best first. Ties keep
// document order.
func (m *Model) TopK(query string, docs []string, k int) []Match {
	if k <= 0 || len(docs) == 0 {
		return nil
	}
	q := m.Embed(query)
	matches := make([]Match, len(docs))
	for i, doc := range docs {
		matches[i] = Match{Index: i, Score: Similarity(q, m.Embed(doc))}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches
}
