// Package store provides the Code-Block Store (C5, SQLite), the Vector
// Store (C6, HNSW/brute-force), and the Metadata Store (C7, JSON) — the
// three persistence layers spec.md §4.4-§4.6 name.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/codeindex/codeindex/internal/block"
)

// MetadataStore is the durable key-value metadata store (C7, spec.md
// §4.6): a `repositories` collection (RepositoryIndex, upsert-by-id), an
// append-only bounded `search_history` ring buffer, and a general k-v
// bag, each backed by one JSON file under metadata/ with linearizable
// reads per collection. Grounded on
// original_source/coderepoindex/storage/base.py's BaseMetadataStorage.
type MetadataStore interface {
	// SaveRepository upserts a repository manifest by RepositoryID.
	SaveRepository(ctx context.Context, repo *block.RepositoryIndex) error
	GetRepository(ctx context.Context, repositoryID string) (*block.RepositoryIndex, error)
	ListRepositories(ctx context.Context) ([]*block.RepositoryIndex, error)
	DeleteRepository(ctx context.Context, repositoryID string) error

	// SaveSearchQuery appends a query to search_history, evicting the
	// oldest entry once the bounded history exceeds its capacity.
	SaveSearchQuery(ctx context.Context, query *block.SearchQuery) error
	GetSearchHistory(ctx context.Context, limit int) ([]*block.SearchQuery, error)

	// General key-value bag (general.json).
	GetMetadata(ctx context.Context, key string) (string, bool, error)
	SetMetadata(ctx context.Context, key, value string) error
	DeleteMetadata(ctx context.Context, key string) error
	ListMetadataKeys(ctx context.Context) ([]string, error)

	Close() error
}

// Document represents a document to be indexed in BM25.
type Document struct {
	ID      string // Chunk ID
	Content string // Text content
}

// BM25Result represents a single BM25 search result.
type BM25Result struct {
	DocID        string
	Score        float64
	MatchedTerms []string
}

// IndexStats provides statistics about the BM25 index.
type IndexStats struct {
	DocumentCount int
	TermCount     int
	AvgDocLength  float64
}

// BM25Index provides keyword search using BM25 algorithm.
type BM25Index interface {
	// Index adds documents to the index
	Index(ctx context.Context, docs []*Document) error

	// Search returns documents matching query, scored by BM25
	Search(ctx context.Context, query string, limit int) ([]*BM25Result, error)

	// Delete removes documents from index
	Delete(ctx context.Context, docIDs []string) error

	// AllIDs returns all document IDs in the index (for consistency checks)
	AllIDs() ([]string, error)

	// Stats returns index statistics
	Stats() *IndexStats

	// Persistence
	Save(path string) error
	Load(path string) error
	Close() error
}

// BM25Config configures the BM25 index.
type BM25Config struct {
	// K1 is the term frequency saturation parameter (default: 1.2)
	K1 float64

	// B is the length normalization parameter (default: 0.75)
	B float64

	// StopWords is a list of words to filter out during tokenization
	StopWords []string

	// MinTokenLength is minimum token length to index (default: 2)
	MinTokenLength int
}

// DefaultBM25Config returns default BM25 configuration.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1:             1.2,
		B:              0.75,
		StopWords:      DefaultCodeStopWords,
		MinTokenLength: 2,
	}
}

// DefaultCodeStopWords contains programming keywords to filter out.
var DefaultCodeStopWords = []string{
	"var", "let", "const", "func", "function", "def", "class",
	"return", "if", "else", "for", "while",
	"data", "result", "value", "item", "key", "err", "ctx", "tmp",
}

// VectorMetadata is the per-vector sidecar spec.md §4.5/§4.7 requires:
// {repository_id, file_path, block_type, language, name}, used for
// push-down filtering during search and returned alongside each result.
type VectorMetadata map[string]string

// VectorResult represents a single vector search result.
type VectorResult struct {
	ID       string // Chunk ID
	Distance float32
	Score    float32 // raw backend score, pre score-normalization (see NormalizeScore)
	Metadata VectorMetadata
}

// NormalizeScore maps a raw backend [0,1] similarity score onto spec.md
// §3's cosine-equivalent [-1, 1] range (spec.md §9, Open Question 2).
func NormalizeScore(score float32) float64 {
	return 2*float64(score) - 1
}

// VectorStoreConfig configures the vector store.
type VectorStoreConfig struct {
	// Dimensions is the vector dimension (768 for Hugot/EmbeddingGemma, 384 for MiniLM, 256 for static)
	Dimensions int

	// Quantization is the vector precision: "f32", "f16", "i8" (default: "f16")
	Quantization string

	// Metric is the distance metric: "cos" (cosine), "l2" (euclidean) (default: "cos")
	Metric string

	// M is HNSW max connections per layer (default: 32)
	M int

	// EfConstruction is HNSW build-time search width (default: 128)
	EfConstruction int

	// EfSearch is HNSW query-time search width (default: 64)
	EfSearch int
}

// DefaultVectorStoreConfig returns sensible defaults for vector store.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions:     dimensions,
		Quantization:   "f16",
		Metric:         "cos",
		M:              32,
		EfConstruction: 128,
		EfSearch:       64,
	}
}

// VectorFilter is a metadata_filter per spec.md §4.5: exact-match
// equality on sidecar keys (repository_id, language, block_type, ...).
// A nil/empty filter matches everything.
type VectorFilter map[string]string

// Matches reports whether md satisfies every key/value pair in f.
func (f VectorFilter) Matches(md VectorMetadata) bool {
	for k, v := range f {
		if md[k] != v {
			return false
		}
	}
	return true
}

// VectorStore provides semantic search per spec.md §4.5. The first
// successful Add/AddMany call fixes the store's dimension; later
// mismatches return ErrDimensionMismatch.
type VectorStore interface {
	// Add inserts or replaces a single vector with its metadata sidecar.
	Add(ctx context.Context, id string, vector []float32, metadata VectorMetadata) error

	// AddMany inserts or replaces a batch of vectors with their sidecars.
	// ids, vectors, and metadatas must have equal length.
	AddMany(ctx context.Context, ids []string, vectors [][]float32, metadatas []VectorMetadata) error

	// Search finds the k nearest neighbors to query, restricted to
	// vectors whose metadata satisfies filter. Backends that cannot push
	// the filter into the walk retry with a geometrically growing
	// candidate set (k'=2*k) until k matches are found or the store is
	// exhausted.
	Search(ctx context.Context, query []float32, k int, filter VectorFilter) ([]*VectorResult, error)

	// Get returns the vector and metadata for id, or false if absent.
	Get(ctx context.Context, id string) ([]float32, VectorMetadata, bool)

	// Update replaces the vector and/or metadata for an existing id.
	// A nil vector or metadata leaves that part unchanged.
	Update(ctx context.Context, id string, vector []float32, metadata VectorMetadata) error

	// Delete removes vectors by ID.
	Delete(ctx context.Context, ids []string) error

	// AllIDs returns all vector IDs in the store (for consistency checks)
	AllIDs() []string

	// Contains checks if ID exists.
	Contains(id string) bool

	// Count returns the number of vectors matching filter (nil/empty
	// filter counts everything).
	Count(filter VectorFilter) int

	// Persistence
	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch indicates vector dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (run 'codeindex index --force')", e.Expected, e.Got)
}
