// Package embedding turns text into fixed size unit vectors. Embed never
// fails: when the provider is unavailable a deterministic character
// histogram is used instead.
package embedding

import (
	"context"
	"math"
	"strings"
	"time"
	"unicode/utf16"

	"cloud.google.com/go/firestore"
	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/adapter"
	"github.com/m-mizutani/keepr/pkg/metrics"
	"github.com/m-mizutani/keepr/pkg/utils/logging"
)

const (
	DefaultDimension = 768
	DefaultTimeout   = 30 * time.Second
)

type Service struct {
	embedder  adapter.Embedder
	dim       int
	timeout   time.Duration
	cacheSize int64
	cache     *ristretto.Cache
	metrics   *metrics.Metrics
}

type Option func(*Service)

// WithEmbedder sets the provider. Without one every vector comes from Fallback.
func WithEmbedder(e adapter.Embedder) Option {
	return func(s *Service) {
		s.embedder = e
	}
}

func WithDimension(dim int) Option {
	return func(s *Service) {
		s.dim = dim
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.timeout = d
	}
}

// WithCacheSize sets how many provider vectors are memoised. Zero disables the cache.
func WithCacheSize(n int64) Option {
	return func(s *Service) {
		s.cacheSize = n
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(opts ...Option) (*Service, error) {
	s := &Service{
		dim:     DefaultDimension,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.dim <= 0 {
		return nil, goerr.New("embedding dimension must be positive", goerr.V("dim", s.dim))
	}

	if s.cacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: s.cacheSize * 10,
			MaxCost:     s.cacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create embedding cache", goerr.V("size", s.cacheSize))
		}
		s.cache = cache
	}

	return s, nil
}

func (s *Service) Dimension() int {
	return s.dim
}

// Close releases the cache
func (s *Service) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// Embed returns a unit vector of Dimension() for text
func (s *Service) Embed(ctx context.Context, text string) firestore.Vector32 {
	if s.embedder == nil || strings.TrimSpace(text) == "" {
		return Fallback(text, s.dim)
	}

	if s.cache != nil {
		if v, ok := s.cache.Get(text); ok {
			s.metrics.CacheLookup(true)
			return clone(v.(firestore.Vector32))
		}
		s.metrics.CacheLookup(false)
	}

	vec, err := s.embed(ctx, text)
	if err != nil {
		logging.From(ctx).Warn("embedding provider failed, using fallback vector", "error", err)
		s.metrics.Fallback("embedding")
		return Fallback(text, s.dim)
	}

	if s.cache != nil {
		s.cache.Set(text, clone(vec), 1)
		s.cache.Wait()
	}
	return vec
}

func (s *Service) embed(ctx context.Context, text string) (firestore.Vector32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	raw, err := s.embedder.Embedding(ctx, text, s.dim)
	s.metrics.ObserveCall("embedding", start, err)
	if err != nil {
		return nil, err
	}

	if len(raw) != s.dim {
		return nil, goerr.New("embedding dimension mismatch",
			goerr.V("expected", s.dim),
			goerr.V("actual", len(raw)))
	}

	vec, ok := Normalize(raw)
	if !ok {
		return nil, goerr.New("embedding has no magnitude")
	}
	return vec, nil
}

// Fallback builds a vector by counting UTF-16 code units into dim buckets
// (bucket = code unit mod dim) and normalising. Text without any code unit
// maps to the first basis vector.
func Fallback(text string, dim int) firestore.Vector32 {
	if dim <= 0 {
		dim = DefaultDimension
	}

	v := make(firestore.Vector32, dim)
	for _, c := range utf16.Encode([]rune(text)) {
		v[int(c)%dim]++
	}

	if n, ok := Normalize(v); ok {
		return n
	}
	return unit(dim)
}

// Normalize scales v to unit length. It returns false for a zero or non finite vector.
func Normalize(v []float32) (firestore.Vector32, bool) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, false
	}

	out := make(firestore.Vector32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, true
}

// Cosine calculates cosine similarity between two vectors
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func unit(dim int) firestore.Vector32 {
	v := make(firestore.Vector32, dim)
	v[0] = 1
	return v
}

func clone(v firestore.Vector32) firestore.Vector32 {
	return append(firestore.Vector32(nil), v...)
}
