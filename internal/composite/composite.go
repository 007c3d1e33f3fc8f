// Package composite implements the Composite Storage layer (C8,
// spec.md §4.7): it coordinates the Code-Block Store (C5), Vector Store
// (C6), and Metadata Store (C7) so that callers never have to reason
// about write ordering or partial-failure cleanup themselves. Grounded
// on original_source/coderepoindex/storage/composite_storage.py's
// CompositeStorage class.
package composite

import (
	"context"

	"github.com/codeindex/codeindex/internal/block"
	"github.com/codeindex/codeindex/internal/codeerrors"
	"github.com/codeindex/codeindex/internal/store"
)

// Storage wires C5, C6, and C7 into the two composite operations
// spec.md §4.7 names.
type Storage struct {
	Blocks   *store.BlockStore
	Vectors  store.VectorStore
	Metadata store.MetadataStore
}

// New returns a Storage over the given backends. None may be nil.
func New(blocks *store.BlockStore, vectors store.VectorStore, metadata store.MetadataStore) *Storage {
	return &Storage{Blocks: blocks, Vectors: vectors, Metadata: metadata}
}

// vectorMetadataFor projects a block's identity fields into the vector
// sidecar spec.md §4.7 names: {repository_id, file_path, block_type,
// language, name}.
func vectorMetadataFor(b *block.CodeBlock) store.VectorMetadata {
	return store.VectorMetadata{
		"repository_id": b.RepositoryID,
		"file_path":      b.FilePath,
		"block_type":     string(b.BlockType),
		"language":       b.Language,
		"name":           b.Name,
	}
}

// SaveBlockWithVector writes b to the Code-Block Store first, then (if
// vector is non-nil) adds its embedding to the Vector Store with the
// identity sidecar above. A vector-write failure does not roll back the
// block write: the block is retained with metadata["embedding_missing"]
// set to "true" rather than left dangling, so a retry pass can find and
// re-embed it later, and a vector can never exist without its block —
// matching spec.md §4.7 and the teacher's save_code_block_with_vector.
func (s *Storage) SaveBlockWithVector(ctx context.Context, b *block.CodeBlock, vector []float32) error {
	if b.Metadata == nil {
		b.Metadata = make(map[string]string)
	}
	delete(b.Metadata, "embedding_missing")

	if err := s.Blocks.Save(ctx, b); err != nil {
		return err
	}

	if vector == nil {
		return nil
	}

	if err := s.Vectors.Add(ctx, b.BlockID, vector, vectorMetadataFor(b)); err != nil {
		b.Metadata["embedding_missing"] = "true"
		if saveErr := s.Blocks.Save(ctx, b); saveErr != nil {
			return codeerrors.Storage("integrity", "mark block embedding_missing after vector write failure", saveErr)
		}
		return codeerrors.Embedding("write-failed", "add vector for block "+b.BlockID, err)
	}

	return nil
}

// SaveBlocksWithVectors is the batch form of SaveBlockWithVector,
// indexed by position: vectors[i] may be nil if embedding failed for
// blocks[i] upstream (the indexer's partitioned failure handling,
// spec.md §4.8), in which case the block is still saved, unembedded.
func (s *Storage) SaveBlocksWithVectors(ctx context.Context, blocks []*block.CodeBlock, vectors [][]float32) error {
	for i, b := range blocks {
		var v []float32
		if i < len(vectors) {
			v = vectors[i]
		}
		if err := s.SaveBlockWithVector(ctx, b, v); err != nil {
			return err
		}
	}
	return nil
}

// PurgeResult reports what was actually removed by PurgeRepository.
type PurgeResult struct {
	DeletedBlocks   int
	DeletedVectors  int
	DeletedManifest bool
}

// PurgeRepository removes every trace of repositoryID: enumerate C5 ids
// for the repository, delete their C6 vectors, delete the C5 blocks
// (cascading to edges and content blobs), then delete the C7 manifest
// entry. This ordering means a crash mid-purge can only leave
// garbage-collectable orphan vectors — never an orphan manifest or
// block referencing an already-deleted vector — matching spec.md §4.7's
// closing sentence and the teacher's delete_repository_data.
func (s *Storage) PurgeRepository(ctx context.Context, repositoryID string) (PurgeResult, error) {
	var result PurgeResult

	ids, err := s.blockIDsForRepo(ctx, repositoryID)
	if err != nil {
		return result, err
	}

	if len(ids) > 0 {
		if err := s.Vectors.Delete(ctx, ids); err != nil {
			return result, codeerrors.Storage("integrity", "delete repository vectors", err)
		}
		result.DeletedVectors = len(ids)
	}

	deletedBlocks, err := s.Blocks.DeleteByRepo(ctx, repositoryID)
	if err != nil {
		return result, err
	}
	result.DeletedBlocks = deletedBlocks

	existing, err := s.Metadata.GetRepository(ctx, repositoryID)
	if err != nil {
		return result, codeerrors.Storage("connection", "look up repository manifest", err)
	}
	if existing != nil {
		if err := s.Metadata.DeleteRepository(ctx, repositoryID); err != nil {
			return result, err
		}
		result.DeletedManifest = true
	}

	return result, nil
}

func (s *Storage) blockIDsForRepo(ctx context.Context, repositoryID string) ([]string, error) {
	var ids []string
	for b, err := range s.Blocks.Iter(ctx, repositoryID, 500) {
		if err != nil {
			return nil, err
		}
		ids = append(ids, b.BlockID)
	}
	return ids, nil
}
