// Package search provides hybrid search functionality combining BM25 and
// semantic (vector) search over block.CodeBlock (C10, spec.md §4.9).
// Results are fused using Reciprocal Rank Fusion (RRF) for robust
// rank-based scoring, per SPEC_FULL.md §2.7's reconciliation of the
// teacher's BM25 hybrid with spec.md's vector-search core.
package search

import (
	"context"
	"time"

	"github.com/codeindex/codeindex/internal/block"
	"github.com/codeindex/codeindex/internal/store"
)

// SearchEngine is the Searcher contract (C10).
type SearchEngine interface {
	// Search executes the spec.md §4.9 seven-step search algorithm.
	Search(ctx context.Context, query block.SearchQuery) ([]*SearchResult, error)

	// SearchByCode embeds rawCode directly (rather than natural-language
	// text) and searches for semantically similar blocks.
	SearchByCode(ctx context.Context, rawCode string, opts SearchOptions) ([]*SearchResult, error)

	// SearchSimilarFunctions forces block_type=function on top of opts.
	SearchSimilarFunctions(ctx context.Context, text string, opts SearchOptions) ([]*SearchResult, error)

	// GetRecommendations returns related blocks for filePath: the file's
	// first three blocks are each searched at similarity_threshold=0.3,
	// excluding the same file, deduplicated by block_id, merged by max score.
	GetRecommendations(ctx context.Context, repositoryID, filePath string, limit int) ([]*SearchResult, error)

	// Index adds blocks to both BM25 and vector indices.
	Index(ctx context.Context, blocks []*block.CodeBlock) error

	// Delete removes blocks from both indices.
	Delete(ctx context.Context, blockIDs []string) error

	// Stats returns engine statistics.
	Stats() *EngineStats

	// Close releases all resources.
	Close() error
}

// SearchOptions configures a search query beyond block.SearchQuery's core
// fields: presentation and ranking-tuning knobs the CLI/MCP surface exposes.
type SearchOptions struct {
	// Weights overrides the default BM25/semantic weights.
	Weights *Weights

	// BM25Only forces keyword-only search, skipping semantic/vector search.
	BM25Only bool

	// Explain enables detailed search explanation mode.
	Explain bool

	// Filter restricts results by coarse content kind: "", "all", "code", "docs".
	Filter string

	// Language restricts results to a single language tag.
	Language string

	// SymbolType restricts results to a single block.Type (e.g. "function").
	SymbolType string

	// Scopes restricts results to file paths under any of these prefixes.
	Scopes []string
}

// Weights configures the relative importance of BM25 vs semantic search.
type Weights struct {
	BM25     float64
	Semantic float64
}

// DefaultWeights returns the default search weights optimized for mixed queries.
func DefaultWeights() Weights {
	return Weights{BM25: 0.35, Semantic: 0.65}
}

// SearchResult is a single ranked hit: the hydrated block plus ranking
// provenance. Mirrors spec.md §3's SearchResult (block_id, score,
// highlights) with the teacher's fusion provenance fields retained for
// Explain mode.
type SearchResult struct {
	Block *block.CodeBlock

	// Score is the final combined, normalized score used for ranking.
	Score float64

	BM25Score float64
	VecScore  float64
	BM25Rank  int
	VecRank   int

	Highlights []Range

	InBothLists  bool
	MatchedTerms []string

	AdjacentContext AdjacentContext

	Explain *ExplainData
}

// AdjacentContext carries surrounding blocks for context continuity.
type AdjacentContext struct {
	Before []*block.CodeBlock
	After  []*block.CodeBlock
}

// Range represents a text range for highlighting.
type Range struct {
	Start int
	End   int
}

// EngineStats provides statistics about the search engine.
type EngineStats struct {
	BM25Stats   *store.IndexStats
	VectorCount int
}

// EngineConfig configures the search engine.
type EngineConfig struct {
	DefaultLimit        int
	MaxLimit             int
	DefaultWeights       Weights
	RRFConstant          int
	SearchTimeout        time.Duration
	SimilarityThreshold  float64 // spec.md §4.9 default similarity_threshold
}

// DefaultConfig returns sensible default configuration (spec.md §4.9:
// similarity_threshold default 0.0 for plain search, 0.3 for recommendations).
func DefaultConfig() EngineConfig {
	return EngineConfig{
		DefaultLimit:        10,
		MaxLimit:            100,
		DefaultWeights:      DefaultWeights(),
		RRFConstant:         60,
		SearchTimeout:       5 * time.Second,
		SimilarityThreshold: 0.0,
	}
}

// QueryType represents the classification category for a search query.
type QueryType string

const (
	QueryTypeLexical  QueryType = "LEXICAL"
	QueryTypeSemantic QueryType = "SEMANTIC"
	QueryTypeMixed    QueryType = "MIXED"
)

// Classifier determines optimal search weights for a query.
type Classifier interface {
	Classify(ctx context.Context, query string) (QueryType, Weights, error)
}

// WeightsForQueryType returns the predefined weights for a query type.
func WeightsForQueryType(qt QueryType) Weights {
	switch qt {
	case QueryTypeLexical:
		return Weights{BM25: 0.85, Semantic: 0.15}
	case QueryTypeSemantic:
		return Weights{BM25: 0.20, Semantic: 0.80}
	default:
		return Weights{BM25: 0.35, Semantic: 0.65}
	}
}

// ExplainData contains detailed search decision information.
type ExplainData struct {
	Query                string
	BM25ResultCount      int
	VectorResultCount    int
	Weights              Weights
	RRFConstant          int
	BM25Only             bool
	DimensionMismatch    bool
	MultiQueryDecomposed bool
	SubQueries           []string
}
