package block

import "time"

// LifecycleState is a RepositoryIndex's indexing state.
type LifecycleState string

const (
	LifecyclePending  LifecycleState = "pending"
	LifecycleIndexing LifecycleState = "indexing"
	LifecycleIndexed  LifecycleState = "indexed"
	LifecycleFailed   LifecycleState = "failed"
)

// SourceKind identifies how a repository was materialized (C1).
type SourceKind string

const (
	SourceGit     SourceKind = "git"
	SourceLocal   SourceKind = "local"
	SourceArchive SourceKind = "archive"
)

// RepositoryIndex is the per-repository manifest: origin, counts, and
// lifecycle state (spec.md §3).
type RepositoryIndex struct {
	RepositoryID string

	SourceKind SourceKind
	URLOrPath  string
	Branch     string
	CommitHash string

	IndexedAt time.Time

	FileCount  int
	BlockCount int
	ByteCount  int64

	LanguageDistribution map[string]int

	State LifecycleState
}

// SearchQuery is recorded for analytics on every search (spec.md §3).
type SearchQuery struct {
	Text      string
	QueryType string // lexical | semantic | mixed

	RepositoryID      string // "" if unfiltered
	Language          string
	BlockType         Type
	FilePathSubstring string
	MetadataFilters   map[string]string
	Since             time.Time // zero if unset
	Until             time.Time // zero if unset

	TopK                int
	SimilarityThreshold float64

	IssuedAt time.Time
}

// SearchResult pairs a block with its fused rank score and an
// explanation of why it matched (spec.md §3). Score is in [-1, 1] for
// cosine-equivalent backends after the C6→C10 normalization (see
// SPEC_FULL.md §4), higher is better.
type SearchResult struct {
	Block        *CodeBlock
	Score        float64
	MatchReason  string
}
