package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeindex/codeindex/internal/block"
	"github.com/codeindex/codeindex/internal/store"
)

// fakeBM25 implements store.BM25Index for consistency-checker tests.
type fakeBM25 struct {
	IDs          []string
	DeleteCalled bool
	DeletedIDs   []string
}

func (m *fakeBM25) Index(ctx context.Context, docs []*store.Document) error { return nil }
func (m *fakeBM25) Search(ctx context.Context, query string, limit int) ([]*store.BM25Result, error) {
	return nil, nil
}
func (m *fakeBM25) Delete(ctx context.Context, docIDs []string) error {
	m.DeleteCalled = true
	m.DeletedIDs = append(m.DeletedIDs, docIDs...)
	return nil
}
func (m *fakeBM25) AllIDs() ([]string, error)       { return m.IDs, nil }
func (m *fakeBM25) Stats() *store.IndexStats        { return &store.IndexStats{DocumentCount: len(m.IDs)} }
func (m *fakeBM25) Save(path string) error          { return nil }
func (m *fakeBM25) Load(path string) error          { return nil }
func (m *fakeBM25) Close() error                    { return nil }

// fakeVector implements store.VectorStore for consistency-checker tests.
type fakeVector struct {
	IDs          []string
	DeleteCalled bool
	DeletedIDs   []string
}

func (m *fakeVector) Add(ctx context.Context, id string, vector []float32, metadata store.VectorMetadata) error {
	return nil
}
func (m *fakeVector) AddMany(ctx context.Context, ids []string, vectors [][]float32, metadatas []store.VectorMetadata) error {
	return nil
}
func (m *fakeVector) Search(ctx context.Context, query []float32, k int, filter store.VectorFilter) ([]*store.VectorResult, error) {
	return nil, nil
}
func (m *fakeVector) Get(ctx context.Context, id string) ([]float32, store.VectorMetadata, bool) {
	return nil, nil, false
}
func (m *fakeVector) Update(ctx context.Context, id string, vector []float32, metadata store.VectorMetadata) error {
	return nil
}
func (m *fakeVector) Delete(ctx context.Context, ids []string) error {
	m.DeleteCalled = true
	m.DeletedIDs = append(m.DeletedIDs, ids...)
	return nil
}
func (m *fakeVector) AllIDs() []string { return m.IDs }
func (m *fakeVector) Contains(id string) bool {
	for _, i := range m.IDs {
		if i == id {
			return true
		}
	}
	return false
}
func (m *fakeVector) Count(filter store.VectorFilter) int { return len(m.IDs) }
func (m *fakeVector) Save(path string) error              { return nil }
func (m *fakeVector) Load(path string) error              { return nil }
func (m *fakeVector) Close() error                        { return nil }

func newConsistencyBlockStore(t *testing.T, ids ...string) *store.BlockStore {
	t.Helper()
	dir := t.TempDir()
	bs, err := store.NewBlockStore(filepath.Join(dir, "blocks.db"), filepath.Join(dir, "content"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })

	now := time.Now()
	for _, id := range ids {
		require.NoError(t, bs.Save(context.Background(), &block.CodeBlock{
			BlockID:      id,
			RepositoryID: "repo-1",
			Content:      "content-" + id,
			ContentHash:  block.ContentHash("content-" + id),
			FilePath:     "file.go",
			BlockType:    block.TypeFunction,
			Language:     "go",
			CreatedAt:    now,
			UpdatedAt:    now,
		}))
	}
	return bs
}

func TestConsistencyChecker_AllConsistent(t *testing.T) {
	blocks := newConsistencyBlockStore(t, "chunk1", "chunk2")
	bm25 := &fakeBM25{IDs: []string{"chunk1", "chunk2"}}
	vector := &fakeVector{IDs: []string{"chunk1", "chunk2"}}

	checker := NewConsistencyChecker(blocks, bm25, vector)
	result, err := checker.Check(context.Background())
	require.NoError(t, err)

	if len(result.Inconsistencies) != 0 {
		t.Errorf("Expected 0 inconsistencies, got %d: %+v", len(result.Inconsistencies), result.Inconsistencies)
	}
	if result.Checked != 2 {
		t.Errorf("Expected 2 checked, got %d", result.Checked)
	}
}

func TestConsistencyChecker_OrphanInBM25(t *testing.T) {
	blocks := newConsistencyBlockStore(t, "chunk1")
	bm25 := &fakeBM25{IDs: []string{"chunk1", "orphan_bm25"}}
	vector := &fakeVector{IDs: []string{"chunk1"}}

	checker := NewConsistencyChecker(blocks, bm25, vector)
	result, err := checker.Check(context.Background())
	require.NoError(t, err)

	if len(result.Inconsistencies) != 1 {
		t.Errorf("Expected 1 inconsistency, got %d", len(result.Inconsistencies))
	}
	if result.Inconsistencies[0].Type != InconsistencyOrphanBM25 {
		t.Errorf("Expected OrphanBM25, got %v", result.Inconsistencies[0].Type)
	}
	if result.Inconsistencies[0].BlockID != "orphan_bm25" {
		t.Errorf("Expected orphan_bm25, got %s", result.Inconsistencies[0].BlockID)
	}
}

func TestConsistencyChecker_OrphanInVector(t *testing.T) {
	blocks := newConsistencyBlockStore(t, "chunk1")
	bm25 := &fakeBM25{IDs: []string{"chunk1"}}
	vector := &fakeVector{IDs: []string{"chunk1", "orphan_vector"}}

	checker := NewConsistencyChecker(blocks, bm25, vector)
	result, err := checker.Check(context.Background())
	require.NoError(t, err)

	if len(result.Inconsistencies) != 1 {
		t.Errorf("Expected 1 inconsistency, got %d", len(result.Inconsistencies))
	}
	if result.Inconsistencies[0].Type != InconsistencyOrphanVector {
		t.Errorf("Expected OrphanVector, got %v", result.Inconsistencies[0].Type)
	}
}

func TestConsistencyChecker_MissingFromBM25(t *testing.T) {
	blocks := newConsistencyBlockStore(t, "chunk1", "missing")
	bm25 := &fakeBM25{IDs: []string{"chunk1"}}
	vector := &fakeVector{IDs: []string{"chunk1", "missing"}}

	checker := NewConsistencyChecker(blocks, bm25, vector)
	result, err := checker.Check(context.Background())
	require.NoError(t, err)

	found := false
	for _, issue := range result.Inconsistencies {
		if issue.Type == InconsistencyMissingBM25 && issue.BlockID == "missing" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("Expected to find MissingBM25 for 'missing', got %+v", result.Inconsistencies)
	}
}

func TestConsistencyChecker_Repair(t *testing.T) {
	blocks := newConsistencyBlockStore(t)
	bm25 := &fakeBM25{}
	vector := &fakeVector{}

	checker := NewConsistencyChecker(blocks, bm25, vector)

	issues := []Inconsistency{
		{Type: InconsistencyOrphanBM25, BlockID: "orphan1"},
		{Type: InconsistencyOrphanBM25, BlockID: "orphan2"},
		{Type: InconsistencyOrphanVector, BlockID: "orphan3"},
		{Type: InconsistencyMissingBM25, BlockID: "missing1"},
	}

	err := checker.Repair(context.Background(), issues)
	require.NoError(t, err)

	if !bm25.DeleteCalled {
		t.Error("Expected BM25 Delete to be called")
	}
	if len(bm25.DeletedIDs) != 2 {
		t.Errorf("Expected 2 BM25 deletions, got %d", len(bm25.DeletedIDs))
	}

	if !vector.DeleteCalled {
		t.Error("Expected Vector Delete to be called")
	}
	if len(vector.DeletedIDs) != 1 {
		t.Errorf("Expected 1 Vector deletion, got %d", len(vector.DeletedIDs))
	}
}

func TestConsistencyChecker_QuickCheck(t *testing.T) {
	tests := []struct {
		name           string
		blockCount     int
		bm25Count      int
		vectorCount    int
		wantConsistent bool
	}{
		{name: "all_consistent", blockCount: 10, bm25Count: 10, vectorCount: 10, wantConsistent: true},
		{name: "bm25_mismatch", blockCount: 10, bm25Count: 8, vectorCount: 10, wantConsistent: false},
		{name: "vector_mismatch", blockCount: 10, bm25Count: 10, vectorCount: 12, wantConsistent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := make([]string, tt.blockCount)
			for i := range ids {
				ids[i] = string(rune('a' + i))
			}
			blocks := newConsistencyBlockStore(t, ids...)

			bm25IDs := make([]string, tt.bm25Count)
			for i := range bm25IDs {
				bm25IDs[i] = string(rune('a' + i))
			}
			bm25 := &fakeBM25{IDs: bm25IDs}

			vectorIDs := make([]string, tt.vectorCount)
			for i := range vectorIDs {
				vectorIDs[i] = string(rune('a' + i))
			}
			vector := &fakeVector{IDs: vectorIDs}

			checker := NewConsistencyChecker(blocks, bm25, vector)
			consistent, err := checker.QuickCheck(context.Background())
			require.NoError(t, err)

			if consistent != tt.wantConsistent {
				t.Errorf("QuickCheck() = %v, want %v", consistent, tt.wantConsistent)
			}
		})
	}
}

func TestInconsistencyType_String(t *testing.T) {
	tests := []struct {
		t    InconsistencyType
		want string
	}{
		{InconsistencyOrphanBM25, "orphan_bm25"},
		{InconsistencyOrphanVector, "orphan_vector"},
		{InconsistencyMissingBM25, "missing_bm25"},
		{InconsistencyMissingVector, "missing_vector"},
		{InconsistencyType(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.t.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}
