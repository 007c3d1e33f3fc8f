// Package search's Engine implements the Searcher (C10, spec.md §4.9).
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codeindex/codeindex/internal/block"
	"github.com/codeindex/codeindex/internal/embed"
	"github.com/codeindex/codeindex/internal/store"
)

// Engine implements hybrid search: BM25 keyword search and semantic
// vector search run in parallel and are fused by Reciprocal Rank Fusion,
// per SPEC_FULL.md §2.7's reconciliation of the teacher's BM25 hybrid
// with spec.md §4.9's vector-first seven-step algorithm.
type Engine struct {
	bm25     store.BM25Index
	vector   store.VectorStore
	blocks   *store.BlockStore
	metadata store.MetadataStore
	embedder embed.Embedder
	config   EngineConfig
	fusion   *RRFFusion

	classifier Classifier    // optional: dynamic BM25/semantic weight selection
	expander   *QueryExpander // optional: code-aware BM25 query expansion
	reranker   Reranker       // optional: cross-encoder rerank of fused results

	mu sync.RWMutex
}

var _ SearchEngine = (*Engine)(nil)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// Qwen3QueryInstruction is the instruction prefix Qwen3-family embedding
// models expect on queries (documents are embedded without it). See
// https://huggingface.co/Qwen/Qwen3-Embedding-0.6B.
const Qwen3QueryInstruction = "Instruct: Given a code search query, retrieve relevant code snippets that answer the query\nQuery:"

func formatQueryForEmbedding(query string) string {
	return Qwen3QueryInstruction + query
}

// EngineOption configures the search engine.
type EngineOption func(*Engine)

// WithClassifier sets an optional query classifier for dynamic weight selection.
func WithClassifier(c Classifier) EngineOption {
	return func(e *Engine) { e.classifier = c }
}

// WithQueryExpander sets an optional query expander for BM25 search.
func WithQueryExpander(exp *QueryExpander) EngineOption {
	return func(e *Engine) { e.expander = exp }
}

// WithReranker sets an optional cross-encoder reranker for result refinement.
func WithReranker(r Reranker) EngineOption {
	return func(e *Engine) { e.reranker = r }
}

// NewEngine creates a hybrid search engine. Returns an error if any
// required dependency is nil.
func NewEngine(
	bm25 store.BM25Index,
	vector store.VectorStore,
	blocks *store.BlockStore,
	metadata store.MetadataStore,
	embedder embed.Embedder,
	config EngineConfig,
	opts ...EngineOption,
) (*Engine, error) {
	if bm25 == nil {
		return nil, fmt.Errorf("%w: bm25 index is required", ErrNilDependency)
	}
	if vector == nil {
		return nil, fmt.Errorf("%w: vector store is required", ErrNilDependency)
	}
	if blocks == nil {
		return nil, fmt.Errorf("%w: block store is required", ErrNilDependency)
	}
	if metadata == nil {
		return nil, fmt.Errorf("%w: metadata store is required", ErrNilDependency)
	}
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	}
	e := &Engine{
		bm25:     bm25,
		vector:   vector,
		blocks:   blocks,
		metadata: metadata,
		embedder: embedder,
		config:   config,
		fusion:   NewRRFFusionWithK(config.RRFConstant),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Search executes spec.md §4.9's seven-step algorithm: validate, persist
// the query for analytics, embed, ask the vector store for a widened
// candidate set, hydrate from the Code-Block Store, apply residual
// filters, drop below the similarity threshold, then sort/truncate.
// BM25 runs alongside the vector search and the two result sets are
// fused by RRF (SPEC_FULL.md §2.7) rather than vector search standing
// alone.
func (e *Engine) Search(ctx context.Context, query block.SearchQuery) ([]*SearchResult, error) {
	query = e.validateQuery(query)
	if query.Text == "" {
		return nil, nil
	}

	query.IssuedAt = timeNow()
	if err := e.metadata.SaveSearchQuery(ctx, &query); err != nil {
		slog.Warn("failed to persist search query to history", slog.String("error", err.Error()))
	}

	weights := e.weightsFor(ctx, query.Text)

	candidateK := query.TopK * 2
	if query.TopK+10 > candidateK {
		candidateK = query.TopK + 10
	}

	bm25Results, vecResults, searchErr := e.parallelSearch(ctx, query, candidateK)
	if searchErr != nil && bm25Results == nil && vecResults == nil {
		return nil, searchErr
	}

	fused := e.fusion.Fuse(bm25Results, vecResults, weights)
	fused = e.rerank(ctx, query.Text, fused)

	results, err := e.hydrate(ctx, fused)
	if err != nil {
		return nil, err
	}

	results = applyResidualFilters(results, query)
	results = dropBelowThreshold(results, query.SimilarityThreshold)
	sortResults(results)

	if query.TopK > 0 && len(results) > query.TopK {
		results = results[:query.TopK]
	}

	return results, nil
}

// SearchByCode embeds rawCode directly (instead of natural-language text)
// and searches for semantically similar blocks, per spec.md §4.9.
func (e *Engine) SearchByCode(ctx context.Context, rawCode string, opts SearchOptions) ([]*SearchResult, error) {
	query := block.SearchQuery{
		Text:                rawCode,
		QueryType:           "semantic",
		TopK:                e.config.DefaultLimit,
		SimilarityThreshold: e.config.SimilarityThreshold,
	}
	if opts.Weights == nil {
		opts.Weights = ptrWeights(Weights{BM25: 0, Semantic: 1})
	}
	return e.searchWithOptions(ctx, query, opts)
}

// SearchSimilarFunctions forces block_type=function on top of opts.
func (e *Engine) SearchSimilarFunctions(ctx context.Context, text string, opts SearchOptions) ([]*SearchResult, error) {
	query := block.SearchQuery{
		Text:                text,
		QueryType:           "mixed",
		BlockType:           block.TypeFunction,
		TopK:                e.config.DefaultLimit,
		SimilarityThreshold: e.config.SimilarityThreshold,
	}
	return e.searchWithOptions(ctx, query, opts)
}

// GetRecommendations returns related blocks for filePath: the file's
// first three blocks (by line order, excluding the whole-file block) are
// each searched at similarity_threshold=0.3, excluding filePath itself,
// deduplicated by block_id and merged by max score, per spec.md §4.9.
func (e *Engine) GetRecommendations(ctx context.Context, repositoryID, filePath string, limit int) ([]*SearchResult, error) {
	fileBlocks, err := e.blocks.Query(ctx, store.BlockQuery{
		RepositoryID:      repositoryID,
		FilePathSubstring: filePath,
		Limit:             50,
	})
	if err != nil {
		return nil, err
	}

	var seed []*block.CodeBlock
	for _, b := range fileBlocks {
		if b.FilePath != filePath || b.BlockType == block.TypeFile {
			continue
		}
		seed = append(seed, b)
	}
	sort.Slice(seed, func(i, j int) bool { return seed[i].LineStart < seed[j].LineStart })
	if len(seed) > 3 {
		seed = seed[:3]
	}

	merged := make(map[string]*SearchResult)
	for _, b := range seed {
		query := block.SearchQuery{
			Text:                b.SearchText,
			QueryType:           "semantic",
			RepositoryID:        repositoryID,
			TopK:                limit,
			SimilarityThreshold: 0.3,
		}
		results, err := e.Search(ctx, query)
		if err != nil {
			slog.Debug("recommendation seed search failed", slog.String("block_id", b.BlockID), slog.String("error", err.Error()))
			continue
		}
		for _, r := range results {
			if r.Block.FilePath == filePath {
				continue
			}
			if existing, ok := merged[r.Block.BlockID]; !ok || r.Score > existing.Score {
				merged[r.Block.BlockID] = r
			}
		}
	}

	out := make([]*SearchResult, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sortResults(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// searchWithOptions adapts the legacy SearchOptions surface (weight
// overrides, BM25-only, explain) onto one Search call.
func (e *Engine) searchWithOptions(ctx context.Context, query block.SearchQuery, opts SearchOptions) ([]*SearchResult, error) {
	query = e.validateQuery(query)
	if query.Text == "" {
		return nil, nil
	}
	query.IssuedAt = timeNow()
	if err := e.metadata.SaveSearchQuery(ctx, &query); err != nil {
		slog.Warn("failed to persist search query to history", slog.String("error", err.Error()))
	}

	weights := e.config.DefaultWeights
	if opts.Weights != nil {
		weights = *opts.Weights
	}
	if opts.BM25Only {
		weights = Weights{BM25: 1, Semantic: 0}
	}

	candidateK := query.TopK * 2
	if query.TopK+10 > candidateK {
		candidateK = query.TopK + 10
	}

	var bm25Results []*store.BM25Result
	var vecResults []*store.VectorResult
	var err error
	if opts.BM25Only {
		bm25Results, err = e.bm25.Search(ctx, query.Text, candidateK)
		if err != nil {
			return nil, fmt.Errorf("BM25 search failed: %w", err)
		}
	} else {
		bm25Results, vecResults, err = e.parallelSearch(ctx, query, candidateK)
		if err != nil && bm25Results == nil && vecResults == nil {
			return nil, err
		}
	}

	fused := e.fusion.Fuse(bm25Results, vecResults, weights)
	fused = e.rerank(ctx, query.Text, fused)

	results, err := e.hydrate(ctx, fused)
	if err != nil {
		return nil, err
	}
	results = applyResidualFilters(results, query)
	results = dropBelowThreshold(results, query.SimilarityThreshold)
	sortResults(results)

	if opts.Explain && len(results) > 0 {
		results[0].Explain = &ExplainData{
			Query:             query.Text,
			BM25ResultCount:   len(bm25Results),
			VectorResultCount: len(vecResults),
			Weights:           weights,
			RRFConstant:       e.config.RRFConstant,
			BM25Only:          opts.BM25Only,
		}
	}

	if query.TopK > 0 && len(results) > query.TopK {
		results = results[:query.TopK]
	}
	return results, nil
}

// validateQuery normalizes a SearchQuery's text and clamps TopK to the
// engine's configured bounds.
func (e *Engine) validateQuery(query block.SearchQuery) block.SearchQuery {
	query.Text = strings.TrimSpace(query.Text)
	if query.TopK <= 0 {
		query.TopK = e.config.DefaultLimit
	}
	if query.TopK > e.config.MaxLimit {
		query.TopK = e.config.MaxLimit
	}
	if query.SimilarityThreshold == 0 {
		query.SimilarityThreshold = e.config.SimilarityThreshold
	}
	return query
}

// weightsFor resolves BM25/semantic weights: an explicit classifier
// result if configured, else the engine's default weights.
func (e *Engine) weightsFor(ctx context.Context, text string) Weights {
	if e.classifier != nil {
		if _, weights, err := e.classifier.Classify(ctx, text); err == nil {
			return weights
		}
	}
	return e.config.DefaultWeights
}

// parallelSearch executes BM25 and vector searches concurrently. BM25
// uses an expanded query (code-aware synonyms) when a QueryExpander is
// configured; vector search always uses the original text with the
// Qwen3 query-instruction prefix. Returns partial results on
// single-search failure (graceful degradation).
func (e *Engine) parallelSearch(ctx context.Context, query block.SearchQuery, limit int) ([]*store.BM25Result, []*store.VectorResult, error) {
	g, gctx := errgroup.WithContext(ctx)

	var bm25Results []*store.BM25Result
	var vecResults []*store.VectorResult
	var bm25Err, vecErr error

	bm25Query := query.Text
	if e.expander != nil {
		bm25Query = e.expander.Expand(query.Text)
	}

	g.Go(func() error {
		bm25Results, bm25Err = e.bm25.Search(gctx, bm25Query, limit)
		return nil
	})

	g.Go(func() error {
		embedding, err := e.embedder.Embed(gctx, formatQueryForEmbedding(query.Text))
		if err != nil {
			vecErr = err
			return nil
		}
		vecResults, vecErr = e.vector.Search(gctx, embedding, limit, vectorFilterFor(query))
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if bm25Err != nil && vecErr != nil {
		return nil, nil, errors.Join(bm25Err, vecErr)
	}
	var err error
	if bm25Err != nil {
		err = bm25Err
	} else if vecErr != nil {
		err = vecErr
	}
	return bm25Results, vecResults, err
}

// vectorFilterFor pushes repository_id/language/block_type down into the
// vector store's metadata filter when the query names them, per spec.md
// §4.5's push-down filtering.
func vectorFilterFor(query block.SearchQuery) store.VectorFilter {
	filter := store.VectorFilter{}
	if query.RepositoryID != "" {
		filter["repository_id"] = query.RepositoryID
	}
	if query.Language != "" {
		filter["language"] = query.Language
	}
	if query.BlockType != "" {
		filter["block_type"] = string(query.BlockType)
	}
	if len(filter) == 0 {
		return nil
	}
	return filter
}

// rerank applies the optional cross-encoder reranker to fused results,
// using each block's content fetched from the Code-Block Store. Returns
// the input unchanged if no reranker is configured or fewer than two
// results are present.
func (e *Engine) rerank(ctx context.Context, queryText string, fused []*FusedResult) []*FusedResult {
	if e.reranker == nil || len(fused) < 2 {
		return fused
	}
	if !e.reranker.Available(ctx) {
		return fused
	}

	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.ChunkID
	}
	blocks, err := e.blocks.GetMany(ctx, ids)
	if err != nil {
		slog.Warn("failed to fetch blocks for reranking, skipping", slog.String("error", err.Error()))
		return fused
	}

	contentByID := make(map[string]string, len(blocks))
	for _, b := range blocks {
		contentByID[b.BlockID] = b.Content
	}

	documents := make([]string, 0, len(fused))
	valid := make([]*FusedResult, 0, len(fused))
	for _, f := range fused {
		if content, ok := contentByID[f.ChunkID]; ok && content != "" {
			documents = append(documents, content)
			valid = append(valid, f)
		}
	}
	if len(documents) == 0 {
		return fused
	}

	reranked, err := e.reranker.Rerank(ctx, queryText, documents, 0)
	if err != nil {
		slog.Warn("reranking failed, using original order", slog.String("error", err.Error()))
		return fused
	}

	out := make([]*FusedResult, 0, len(reranked))
	for _, rr := range reranked {
		if rr.Index < 0 || rr.Index >= len(valid) {
			continue
		}
		f := valid[rr.Index]
		f.RRFScore = rr.Score
		out = append(out, f)
	}
	return out
}

// hydrate fetches full block data for fused results from the Code-Block
// Store, preserving each result's fusion provenance.
func (e *Engine) hydrate(ctx context.Context, fused []*FusedResult) ([]*SearchResult, error) {
	if len(fused) == 0 {
		return nil, nil
	}

	ids := make([]string, len(fused))
	byID := make(map[string]*FusedResult, len(fused))
	for i, f := range fused {
		ids[i] = f.ChunkID
		byID[f.ChunkID] = f
	}

	blocks, err := e.blocks.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]*SearchResult, 0, len(blocks))
	for _, b := range blocks {
		f, ok := byID[b.BlockID]
		if !ok {
			continue
		}
		results = append(results, &SearchResult{
			Block:        b,
			Score:        f.RRFScore,
			BM25Score:    f.BM25Score,
			VecScore:     f.VecScore,
			BM25Rank:     f.BM25Rank,
			VecRank:      f.VecRank,
			InBothLists:  f.InBothLists,
			MatchedTerms: f.MatchedTerms,
			Highlights:   calculateHighlights(b.Content, f.MatchedTerms),
		})
	}
	return results, nil
}

// applyResidualFilters applies the SearchQuery fields a vector-store
// metadata filter cannot express (path substring, time range, arbitrary
// metadata key/value pairs) after hydration, per spec.md §4.9 step 6.
func applyResidualFilters(results []*SearchResult, query block.SearchQuery) []*SearchResult {
	out := results[:0]
	for _, r := range results {
		b := r.Block
		if query.RepositoryID != "" && b.RepositoryID != query.RepositoryID {
			continue
		}
		if query.Language != "" && b.Language != query.Language {
			continue
		}
		if query.BlockType != "" && b.BlockType != query.BlockType {
			continue
		}
		if query.FilePathSubstring != "" && !strings.Contains(b.FilePath, query.FilePathSubstring) {
			continue
		}
		if !query.Since.IsZero() && b.UpdatedAt.Before(query.Since) {
			continue
		}
		if !query.Until.IsZero() && b.UpdatedAt.After(query.Until) {
			continue
		}
		if !matchesMetadata(b.Metadata, query.MetadataFilters) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func matchesMetadata(md map[string]string, filters map[string]string) bool {
	for k, v := range filters {
		if md[k] != v {
			return false
		}
	}
	return true
}

// dropBelowThreshold removes results whose score is below threshold, per
// spec.md §4.9 step 7.
func dropBelowThreshold(results []*SearchResult, threshold float64) []*SearchResult {
	if threshold <= 0 {
		return results
	}
	out := results[:0]
	for _, r := range results {
		if r.Score >= threshold {
			out = append(out, r)
		}
	}
	return out
}

// sortResults orders by score descending, tiebreaking by block_id for
// determinism (spec.md §4.9 step 8).
func sortResults(results []*SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Block.BlockID < results[j].Block.BlockID
	})
}

// calculateHighlights finds text ranges for matched terms, capped per
// term to bound result size.
func calculateHighlights(content string, matchedTerms []string) []Range {
	if len(matchedTerms) == 0 || len(content) == 0 {
		return []Range{}
	}
	const maxMatchesPerTerm = 10
	highlights := make([]Range, 0, len(matchedTerms)*3)
	lowerContent := strings.ToLower(content)

	for _, term := range matchedTerms {
		if term == "" {
			continue
		}
		lowerTerm := strings.ToLower(term)
		start := 0
		matchCount := 0
		for matchCount < maxMatchesPerTerm {
			idx := strings.Index(lowerContent[start:], lowerTerm)
			if idx == -1 {
				break
			}
			absStart := start + idx
			highlights = append(highlights, Range{Start: absStart, End: absStart + len(term)})
			start = absStart + len(term)
			matchCount++
		}
	}
	if len(highlights) > 1 {
		sort.Slice(highlights, func(i, j int) bool { return highlights[i].Start < highlights[j].Start })
	}
	return highlights
}

// Index adds blocks to both the BM25 and vector indices. It does not
// write to the Code-Block Store (C5); that is the composite.Storage's
// job, keeping C10 focused on the two search-specific indices it owns.
func (e *Engine) Index(ctx context.Context, blocks []*block.CodeBlock) error {
	if len(blocks) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	docs := make([]*store.Document, len(blocks))
	texts := make([]string, len(blocks))
	for i, b := range blocks {
		docs[i] = &store.Document{ID: b.BlockID, Content: b.Content}
		texts[i] = b.SearchText
	}

	embeddings, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("generate embeddings: %w", err)
	}

	if err := e.bm25.Index(ctx, docs); err != nil {
		return fmt.Errorf("index in BM25: %w", err)
	}

	ids := make([]string, len(blocks))
	metadatas := make([]store.VectorMetadata, len(blocks))
	for i, b := range blocks {
		ids[i] = b.BlockID
		metadatas[i] = store.VectorMetadata{
			"repository_id": b.RepositoryID,
			"file_path":      b.FilePath,
			"block_type":     string(b.BlockType),
			"language":       b.Language,
			"name":           b.Name,
		}
	}
	if err := e.vector.AddMany(ctx, ids, embeddings, metadatas); err != nil {
		return fmt.Errorf("add vectors: %w", err)
	}

	return nil
}

// Delete removes blocks from the BM25 and vector indices (best effort;
// the Code-Block Store is the source of truth and is deleted separately
// by composite.Storage.PurgeRepository).
func (e *Engine) Delete(ctx context.Context, blockIDs []string) error {
	if len(blockIDs) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if err := e.bm25.Delete(ctx, blockIDs); err != nil {
		errs = append(errs, err)
	}
	if err := e.vector.Delete(ctx, blockIDs); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		slog.Warn("delete left index orphans", slog.Int("count", len(blockIDs)))
		return errors.Join(errs...)
	}
	return nil
}

// Stats returns engine statistics.
func (e *Engine) Stats() *EngineStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return &EngineStats{
		BM25Stats:   e.bm25.Stats(),
		VectorCount: e.vector.Count(nil),
	}
}

// Close releases the BM25 index, which the engine owns exclusively. The
// vector store, block store, and metadata store are shared with
// composite.Storage and are closed once by whoever constructed them.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bm25.Close()
}

func ptrWeights(w Weights) *Weights { return &w }

func timeNow() time.Time { return time.Now() }
