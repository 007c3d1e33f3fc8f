// Package index provides the Indexer (C9, spec.md §4.8): the orchestrator
// that turns a repository source into persisted, searchable CodeBlocks.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/codeindex/codeindex/internal/block"
	"github.com/codeindex/codeindex/internal/chunk"
	"github.com/codeindex/codeindex/internal/codeerrors"
	"github.com/codeindex/codeindex/internal/composite"
	"github.com/codeindex/codeindex/internal/embed"
	"github.com/codeindex/codeindex/internal/fetch"
	"github.com/codeindex/codeindex/internal/scanner"
)

// embeddingBatchSize is the number of blocks embedded per EmbedBatch call.
const embeddingBatchSize = 32

// ProgressEvent is pushed to Runner's progress callback at every stage
// boundary. Its fields are spec.md §4.8's exact progress tuple:
// (total_files, processed_files, total_blocks, processed_blocks,
// current_file, elapsed, errors_count).
type ProgressEvent struct {
	Stage           string
	TotalFiles      int
	ProcessedFiles  int
	TotalBlocks     int
	ProcessedBlocks int
	CurrentFile     string
	Elapsed         time.Duration
	ErrorsCount     int
}

// Indexing stage names reported on ProgressEvent.Stage.
const (
	StageFetching   = "fetching"
	StageWalking    = "walking"
	StageChunking   = "chunking"
	StageEmbedding  = "embedding"
	StagePersisting = "persisting"
	StageFinalizing = "finalizing"
)

// ProgressFunc receives indexing progress. May be nil.
type ProgressFunc func(ProgressEvent)

// RunnerConfig configures one indexing run (spec.md §4.8).
type RunnerConfig struct {
	// Source selects how the repository is materialized (C1): exactly one
	// of Git, Local, Archive should be set on Fetch.
	Fetch fetch.Config

	// RepositoryID, if set, reuses an existing repository identity
	// (re-index); otherwise one is derived from the fetch result.
	RepositoryID string

	// Progress receives stage-by-stage updates. May be nil.
	Progress ProgressFunc
}

// RunnerResult is the outcome of one indexing run (spec.md §4.8).
type RunnerResult struct {
	RepositoryID string
	Files        int
	Blocks       int
	Bytes        int64
	Duration     time.Duration
	Errors       int
	Warnings     int
}

// RunnerDependencies are the injected C1-C4/C8 collaborators a Runner
// orchestrates. Fetcher, Storage and Embedder are required; nil chunkers
// default to chunk.NewCodeChunker and chunk.NewMarkdownChunker.
type RunnerDependencies struct {
	Fetcher         *fetch.Fetcher
	Storage         *composite.Storage
	Embedder        embed.Embedder
	CodeChunker     chunk.Chunker
	MarkdownChunker chunk.Chunker
}

// Runner executes the fetch -> walk -> chunk -> batch-embed -> persist ->
// finalize-manifest pipeline spec.md §4.8 names, reporting progress
// through a single callback rather than the teacher's ui.Renderer so C9
// has no presentation dependency.
type Runner struct {
	fetcher         *fetch.Fetcher
	storage         *composite.Storage
	embedder        embed.Embedder
	codeChunker     chunk.Chunker
	markdownChunker chunk.Chunker
}

// NewRunner creates a Runner with injected dependencies.
func NewRunner(deps RunnerDependencies) (*Runner, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if deps.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if deps.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	codeChunker := deps.CodeChunker
	if codeChunker == nil {
		codeChunker = chunk.NewCodeChunker()
	}
	markdownChunker := deps.MarkdownChunker
	if markdownChunker == nil {
		markdownChunker = chunk.NewMarkdownChunker()
	}

	return &Runner{
		fetcher:         deps.Fetcher,
		storage:         deps.Storage,
		embedder:        deps.Embedder,
		codeChunker:     codeChunker,
		markdownChunker: markdownChunker,
	}, nil
}

// Closer is an optional interface for chunkers that need cleanup.
type Closer interface {
	Close()
}

// Close releases resources held by the Runner's chunkers.
func (r *Runner) Close() error {
	if c, ok := r.codeChunker.(Closer); ok {
		c.Close()
	}
	if c, ok := r.markdownChunker.(Closer); ok {
		c.Close()
	}
	return nil
}

// Run executes one full indexing pipeline: fetch the repository, walk its
// files, chunk them into CodeBlocks, batch-embed, persist via the
// composite store, then finalize the repository manifest. Partial file
// and chunk failures are counted as warnings, and a failed embedding
// batch is counted as an error; none of these abort the run. Fetch and
// walk failures abort it before any manifest is written; cancellation
// during embedding and storage failures abort it and leave the
// repository manifest in LifecycleFailed.
func (r *Runner) Run(ctx context.Context, cfg RunnerConfig) (*RunnerResult, error) {
	startTime := time.Now()
	var errorCount, warnCount int

	r.report(cfg, ProgressEvent{Stage: StageFetching})
	fetched, err := r.fetcher.Fetch(ctx, cfg.Fetch)
	if err != nil {
		return nil, err
	}
	defer fetched.Release()

	sourceKind, urlOrPath := sourceIdentity(cfg.Fetch)

	files, err := r.walkFiles(ctx, cfg, fetched.WorkingPath)
	if err != nil {
		return nil, err
	}

	repositoryID := cfg.RepositoryID
	if repositoryID == "" {
		repositoryID = fetch.RepositoryID(fetched, treeContentHash(files))
	}

	manifest := &block.RepositoryIndex{
		RepositoryID: repositoryID,
		SourceKind:   block.SourceKind(sourceKind),
		URLOrPath:    urlOrPath,
		Branch:       fetched.Branch,
		CommitHash:   fetched.CommitHash,
		State:        block.LifecycleIndexing,
	}
	if err := r.storage.Metadata.SaveRepository(ctx, manifest); err != nil {
		return nil, fmt.Errorf("failed to save repository manifest: %w", err)
	}

	if len(files) == 0 {
		manifest.State = block.LifecycleIndexed
		manifest.IndexedAt = time.Now()
		_ = r.storage.Metadata.SaveRepository(ctx, manifest)
		return &RunnerResult{RepositoryID: repositoryID, Duration: time.Since(startTime)}, nil
	}

	blocks, langDist, chunkWarns := r.chunkFiles(ctx, cfg, repositoryID, files)
	warnCount += chunkWarns

	if len(blocks) == 0 {
		manifest.State = block.LifecycleIndexed
		manifest.IndexedAt = time.Now()
		manifest.FileCount = len(files)
		_ = r.storage.Metadata.SaveRepository(ctx, manifest)
		return &RunnerResult{RepositoryID: repositoryID, Files: len(files), Duration: time.Since(startTime), Warnings: warnCount}, nil
	}

	vectors, embedErrs, err := r.embedBlocks(ctx, cfg, blocks)
	if err != nil {
		manifest.State = block.LifecycleFailed
		_ = r.storage.Metadata.SaveRepository(ctx, manifest)
		return nil, err
	}
	errorCount += embedErrs

	r.report(cfg, ProgressEvent{
		Stage:          StagePersisting,
		TotalFiles:     len(files),
		ProcessedFiles: len(files),
		TotalBlocks:    len(blocks),
		Elapsed:        time.Since(startTime),
		ErrorsCount:    errorCount,
	})

	if err := r.storage.SaveBlocksWithVectors(ctx, blocks, vectors); err != nil {
		manifest.State = block.LifecycleFailed
		_ = r.storage.Metadata.SaveRepository(ctx, manifest)
		return nil, fmt.Errorf("failed to persist blocks: %w", err)
	}

	var byteCount int64
	for _, b := range blocks {
		byteCount += int64(len(b.Content))
	}

	manifest.State = block.LifecycleIndexed
	manifest.IndexedAt = time.Now()
	manifest.FileCount = len(files)
	manifest.BlockCount = len(blocks)
	manifest.ByteCount = byteCount
	manifest.LanguageDistribution = langDist

	r.report(cfg, ProgressEvent{
		Stage:           StageFinalizing,
		TotalFiles:      len(files),
		ProcessedFiles:  len(files),
		TotalBlocks:     len(blocks),
		ProcessedBlocks: len(blocks),
		Elapsed:         time.Since(startTime),
		ErrorsCount:     errorCount,
	})

	if err := r.storage.Metadata.SaveRepository(ctx, manifest); err != nil {
		return nil, fmt.Errorf("failed to finalize repository manifest: %w", err)
	}

	duration := time.Since(startTime)
	slog.Info("index_complete",
		slog.String("repository_id", repositoryID),
		slog.Int("files", len(files)),
		slog.Int("blocks", len(blocks)),
		slog.String("duration", duration.String()),
		slog.Int("errors", errorCount),
		slog.Int("warnings", warnCount))

	return &RunnerResult{
		RepositoryID: repositoryID,
		Files:        len(files),
		Blocks:       len(blocks),
		Bytes:        byteCount,
		Duration:     duration,
		Errors:       errorCount,
		Warnings:     warnCount,
	}, nil
}

func (r *Runner) report(cfg RunnerConfig, ev ProgressEvent) {
	if cfg.Progress != nil {
		cfg.Progress(ev)
	}
}

// treeContentHash derives a stable content identity for a local or
// archive source (which, unlike git, has no commit hash) from the sorted
// set of discovered file paths, so re-indexing the same unchanged tree
// reuses the same repository_id.
func treeContentHash(files []*scanner.FileInfo) string {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	sort.Strings(paths)
	return block.ContentHash(strings.Join(paths, "\n"))
}

func sourceIdentity(cfg fetch.Config) (kind, urlOrPath string) {
	switch {
	case cfg.Git != nil:
		return "git", cfg.Git.URL
	case cfg.Archive != nil:
		return "archive", cfg.Archive.Path
	default:
		if cfg.Local != nil {
			return "local", cfg.Local.Path
		}
		return "local", ""
	}
}

// walkFiles is the walk stage: scans the materialized working directory
// for indexable files, respecting .gitignore.
func (r *Runner) walkFiles(ctx context.Context, cfg RunnerConfig, root string) ([]*scanner.FileInfo, error) {
	r.report(cfg, ProgressEvent{Stage: StageWalking, CurrentFile: root})
	slog.Info("index_walk_started", slog.String("path", root))

	s, err := scanner.New()
	if err != nil {
		return nil, codeerrors.New(codeerrors.ErrCodeInternal, "create scanner", err)
	}

	results, err := s.Scan(ctx, &scanner.ScanOptions{
		RootDir:          root,
		RespectGitignore: true,
		Workers:          runtime.NumCPU(),
	})
	if err != nil {
		return nil, codeerrors.New(codeerrors.ErrCodeInternal, "start scanning", err)
	}

	var files []*scanner.FileInfo
	for result := range results {
		if result.Error != nil {
			slog.Warn("index_walk_file_error", slog.String("error", result.Error.Error()))
			continue
		}
		files = append(files, result.File)
	}

	slog.Info("index_walk_complete", slog.Int("files", len(files)))
	return files, nil
}

// chunkFiles is the chunk stage: reads and chunks every file, converting
// each file's chunks into CodeBlocks via chunk.ToBlocks (the seam from
// the teacher's chunker onto spec.md's block model).
func (r *Runner) chunkFiles(ctx context.Context, cfg RunnerConfig, repositoryID string, files []*scanner.FileInfo) ([]*block.CodeBlock, map[string]int, int) {
	var allBlocks []*block.CodeBlock
	langDist := make(map[string]int)
	var warnCount int
	total := len(files)

	for i, file := range files {
		r.report(cfg, ProgressEvent{
			Stage:          StageChunking,
			TotalFiles:     total,
			ProcessedFiles: i,
			CurrentFile:    file.Path,
		})

		content, err := os.ReadFile(file.AbsPath)
		if err != nil {
			slog.Warn("index_chunk_read_failed", slog.String("file", file.Path), slog.String("error", err.Error()))
			warnCount++
			continue
		}

		input := &chunk.FileInput{
			Path:     file.Path,
			Content:  content,
			Language: file.Language,
		}

		var chunks []*chunk.Chunk
		switch file.ContentType {
		case scanner.ContentTypeCode:
			chunks, err = r.codeChunker.Chunk(ctx, input)
		case scanner.ContentTypeMarkdown:
			chunks, err = r.markdownChunker.Chunk(ctx, input)
		default:
			continue
		}
		if err != nil {
			slog.Warn("index_chunk_failed", slog.String("file", file.Path), slog.String("error", err.Error()))
			warnCount++
			continue
		}

		fileBlocks := chunk.ToBlocks(repositoryID, input, chunks)
		allBlocks = append(allBlocks, fileBlocks...)
		if file.Language != "" {
			langDist[file.Language]++
		}
	}

	slog.Info("index_chunking_complete", slog.Int("blocks", len(allBlocks)), slog.Int("files", len(files)))
	return allBlocks, langDist, warnCount
}

// embedBlocks is the batch-embed stage. A batch failure downgrades that
// batch's blocks to unembedded (nil vector, counted as an error) rather
// than aborting the whole run, matching spec.md §4.8's partitioned
// failure handling: one bad batch must not lose work already embedded.
func (r *Runner) embedBlocks(ctx context.Context, cfg RunnerConfig, blocks []*block.CodeBlock) ([][]float32, int, error) {
	vectors := make([][]float32, len(blocks))
	var errCount int

	r.report(cfg, ProgressEvent{Stage: StageEmbedding, TotalBlocks: len(blocks)})

	for batchStart := 0; batchStart < len(blocks); batchStart += embeddingBatchSize {
		select {
		case <-ctx.Done():
			return nil, 0, codeerrors.Cancelled()
		default:
		}

		batchEnd := batchStart + embeddingBatchSize
		if batchEnd > len(blocks) {
			batchEnd = len(blocks)
		}
		batch := blocks[batchStart:batchEnd]

		texts := make([]string, len(batch))
		for i, b := range batch {
			texts[i] = b.SearchText
		}

		if batchEnd >= len(blocks) {
			r.embedder.SetFinalBatch(true)
		}

		embeddings, err := r.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			slog.Warn("index_embed_batch_failed",
				slog.Int("batch_start", batchStart),
				slog.Int("batch_end", batchEnd),
				slog.String("error", err.Error()))
			errCount += len(batch)
			continue
		}

		for i, v := range embeddings {
			vectors[batchStart+i] = v
		}

		r.report(cfg, ProgressEvent{
			Stage:           StageEmbedding,
			TotalBlocks:     len(blocks),
			ProcessedBlocks: batchEnd,
		})
	}

	return vectors, errCount, nil
}
