package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO), matches sqlite_bm25.go's choice

	"github.com/codeindex/codeindex/internal/block"
	"github.com/codeindex/codeindex/internal/codeerrors"
)

// BlockQuery is the filter-then-page request spec.md §4.4 names for query/count.
type BlockQuery struct {
	RepositoryID      string
	Language          string
	BlockType         block.Type
	FilePathSubstring string
	Limit             int
	Offset            int
}

// EdgeKind is a parent/child/related relation kind in the edges table.
type EdgeKind string

const (
	EdgeChild   EdgeKind = "child"
	EdgeRelated EdgeKind = "related"
)

// BlockStore is the Code-Block Store contract (C5, spec.md §4.4). Indexed
// fields live in a relational table; content and keywords live as
// side-by-side blobs keyed by block_id under contentDir, per spec.md §6's
// persisted-state layout (code_blocks.db + content/<block_id>.txt).
type BlockStore struct {
	mu         sync.RWMutex
	db         *sql.DB
	contentDir string
	closed     bool
}

// NewBlockStore opens (creating if absent) a SQLite-backed block store at
// dbPath, with block content and keyword blobs under contentDir. dbPath
// may be ":memory:" for tests.
func NewBlockStore(dbPath, contentDir string) (*BlockStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, codeerrors.Storage("connection", "create block store directory", err)
		}
	}
	if err := os.MkdirAll(contentDir, 0o755); err != nil {
		return nil, codeerrors.Storage("connection", "create content directory", err)
	}

	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = dbPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, codeerrors.Storage("connection", "open block store", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1) // a fresh :memory: db per connection otherwise
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, codeerrors.Storage("connection", fmt.Sprintf("set %s", pragma), err)
		}
	}

	s := &BlockStore{db: db, contentDir: contentDir}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BlockStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blocks (
			block_id TEXT PRIMARY KEY,
			repository_id TEXT NOT NULL,
			file_path TEXT NOT NULL,
			line_start INTEGER NOT NULL,
			line_end INTEGER NOT NULL,
			char_start INTEGER NOT NULL DEFAULT 0,
			char_end INTEGER NOT NULL DEFAULT 0,
			block_type TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			full_name TEXT NOT NULL DEFAULT '',
			signature TEXT NOT NULL DEFAULT '',
			class_name TEXT NOT NULL DEFAULT '',
			namespace TEXT NOT NULL DEFAULT '',
			search_text TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT '',
			parent_block_id TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			embedding_missing INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_repo ON blocks(repository_id)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_repo_created ON blocks(repository_id, created_at DESC, block_id)`,
		`CREATE TABLE IF NOT EXISTS edges (
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			UNIQUE(from_id, to_id, kind)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return codeerrors.Storage("integrity", "migrate block store schema", err)
		}
	}
	return nil
}

// Save upserts a single block by block_id.
func (s *BlockStore) Save(ctx context.Context, b *block.CodeBlock) error {
	return s.SaveMany(ctx, []*block.CodeBlock{b})
}

// SaveMany upserts a batch of blocks atomically per call.
func (s *BlockStore) SaveMany(ctx context.Context, blocks []*block.CodeBlock) error {
	if len(blocks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return codeerrors.Storage("connection", "block store closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return codeerrors.Storage("connection", "begin transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO blocks (block_id, repository_id, file_path, line_start, line_end, char_start, char_end,
			block_type, language, name, full_name, signature, class_name, namespace, search_text,
			content_hash, parent_block_id, metadata_json, embedding_missing, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(block_id) DO UPDATE SET
			repository_id=excluded.repository_id, file_path=excluded.file_path,
			line_start=excluded.line_start, line_end=excluded.line_end,
			char_start=excluded.char_start, char_end=excluded.char_end,
			block_type=excluded.block_type, language=excluded.language,
			name=excluded.name, full_name=excluded.full_name, signature=excluded.signature,
			class_name=excluded.class_name, namespace=excluded.namespace, search_text=excluded.search_text,
			content_hash=excluded.content_hash, parent_block_id=excluded.parent_block_id,
			metadata_json=excluded.metadata_json, embedding_missing=excluded.embedding_missing,
			updated_at=excluded.updated_at
	`)
	if err != nil {
		return codeerrors.Storage("connection", "prepare upsert", err)
	}
	defer stmt.Close()

	for _, b := range blocks {
		createdAt := b.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		metadataJSON, err := encodeMetadata(b.Metadata)
		if err != nil {
			return codeerrors.Storage("integrity", "encode block metadata", err)
		}

		embeddingMissing := 0
		if v, ok := b.Metadata["embedding_missing"]; ok && v == "true" {
			embeddingMissing = 1
		}

		if _, err := stmt.ExecContext(ctx, b.BlockID, b.RepositoryID, b.FilePath, b.LineStart, b.LineEnd,
			b.CharStart, b.CharEnd, string(b.BlockType), b.Language, b.Name, b.FullName, b.Signature,
			b.ClassName, b.Namespace, b.SearchText, b.ContentHash, b.ParentBlockID, metadataJSON,
			embeddingMissing, createdAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano)); err != nil {
			return codeerrors.Storage("integrity", fmt.Sprintf("upsert block %s", b.BlockID), err)
		}

		if err := writeBlockBlobs(s.contentDir, b); err != nil {
			return err
		}

		if err := s.saveEdges(ctx, tx, b); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return codeerrors.Storage("connection", "commit transaction", err)
	}
	return nil
}

func (s *BlockStore) saveEdges(ctx context.Context, tx *sql.Tx, b *block.CodeBlock) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE from_id = ?`, b.BlockID); err != nil {
		return codeerrors.Storage("integrity", "clear stale edges", err)
	}
	for _, childID := range b.ChildBlockIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO edges (from_id, to_id, kind) VALUES (?,?,?)`,
			b.BlockID, childID, string(EdgeChild)); err != nil {
			return codeerrors.Storage("integrity", "insert child edge", err)
		}
	}
	for _, relatedID := range b.RelatedBlockIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO edges (from_id, to_id, kind) VALUES (?,?,?)`,
			b.BlockID, relatedID, string(EdgeRelated)); err != nil {
			return codeerrors.Storage("integrity", "insert related edge", err)
		}
	}
	return nil
}

// Get returns the hydrated block including content, or nil if absent.
func (s *BlockStore) Get(ctx context.Context, blockID string) (*block.CodeBlock, error) {
	blocks, err := s.GetMany(ctx, []string{blockID})
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, nil
	}
	return blocks[0], nil
}

// GetMany preserves request order; missing ids are omitted.
func (s *BlockStore) GetMany(ctx context.Context, ids []string) ([]*block.CodeBlock, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, codeerrors.Storage("connection", "block store closed", nil)
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT block_id, repository_id, file_path, line_start, line_end, char_start, char_end,
			block_type, language, name, full_name, signature, class_name, namespace, search_text,
			content_hash, parent_block_id, metadata_json, created_at, updated_at
		FROM blocks WHERE block_id IN (%s)`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, codeerrors.Storage("connection", "query blocks", err)
	}
	defer rows.Close()

	byID := make(map[string]*block.CodeBlock, len(ids))
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		byID[b.BlockID] = b
	}
	if err := rows.Err(); err != nil {
		return nil, codeerrors.Storage("connection", "iterate blocks", err)
	}

	childrenByParent, err := s.loadEdges(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := make([]*block.CodeBlock, 0, len(ids))
	for _, id := range ids {
		b, ok := byID[id]
		if !ok {
			continue
		}
		content, keywords, err := readBlockBlobs(s.contentDir, id)
		if err != nil {
			return nil, err
		}
		b.Content = content
		b.Keywords = keywords
		if edges, ok := childrenByParent[id]; ok {
			b.ChildBlockIDs = edges[EdgeChild]
			b.RelatedBlockIDs = edges[EdgeRelated]
		}
		result = append(result, b)
	}
	return result, nil
}

func (s *BlockStore) loadEdges(ctx context.Context, ids []string) (map[string]map[EdgeKind][]string, error) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT from_id, to_id, kind FROM edges WHERE from_id IN (%s)`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, codeerrors.Storage("connection", "query edges", err)
	}
	defer rows.Close()

	out := make(map[string]map[EdgeKind][]string)
	for rows.Next() {
		var from, to, kind string
		if err := rows.Scan(&from, &to, &kind); err != nil {
			return nil, codeerrors.Storage("integrity", "scan edge", err)
		}
		if out[from] == nil {
			out[from] = make(map[EdgeKind][]string)
		}
		out[from][EdgeKind(kind)] = append(out[from][EdgeKind(kind)], to)
	}
	return out, rows.Err()
}

// Query filters then pages, ordered by created_at descending, block_id
// ascending as the tiebreak (spec.md §4.4).
func (s *BlockStore) Query(ctx context.Context, q BlockQuery) ([]*block.CodeBlock, error) {
	s.mu.RLock()
	where, args := q.whereClause()
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT block_id FROM blocks %s
		ORDER BY created_at DESC, block_id ASC
		LIMIT ? OFFSET ?`, where), append(args, limit, q.Offset)...)
	s.mu.RUnlock()
	if err != nil {
		return nil, codeerrors.Storage("connection", "query blocks", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, codeerrors.Storage("integrity", "scan block id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, codeerrors.Storage("connection", "iterate query", err)
	}

	return s.GetMany(ctx, ids)
}

// Count applies the same filter semantics as Query.
func (s *BlockStore) Count(ctx context.Context, q BlockQuery) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := q.whereClause()
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM blocks %s`, where), args...).Scan(&n)
	if err != nil {
		return 0, codeerrors.Storage("connection", "count blocks", err)
	}
	return n, nil
}

func (q BlockQuery) whereClause() (string, []any) {
	var clauses []string
	var args []any
	if q.RepositoryID != "" {
		clauses = append(clauses, "repository_id = ?")
		args = append(args, q.RepositoryID)
	}
	if q.Language != "" {
		clauses = append(clauses, "language = ?")
		args = append(args, q.Language)
	}
	if q.BlockType != "" {
		clauses = append(clauses, "block_type = ?")
		args = append(args, string(q.BlockType))
	}
	if q.FilePathSubstring != "" {
		clauses = append(clauses, "file_path LIKE ?")
		args = append(args, "%"+q.FilePathSubstring+"%")
	}
	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// Delete removes a block's row, blobs, and edges; returns whether it was present.
func (s *BlockStore) Delete(ctx context.Context, blockID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE block_id = ?`, blockID)
	if err != nil {
		return false, codeerrors.Storage("integrity", "delete block", err)
	}
	n, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM edges WHERE from_id = ? OR to_id = ?`, blockID, blockID); err != nil {
		return false, codeerrors.Storage("integrity", "delete block edges", err)
	}
	removeBlockBlobs(s.contentDir, blockID)

	return n > 0, nil
}

// DeleteByRepo cascades: removes all blocks and relation rows for repositoryID.
func (s *BlockStore) DeleteByRepo(ctx context.Context, repositoryID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT block_id FROM blocks WHERE repository_id = ?`, repositoryID)
	if err != nil {
		return 0, codeerrors.Storage("connection", "list repo blocks", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, codeerrors.Storage("integrity", "scan repo block id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	res, err := s.db.ExecContext(ctx, `DELETE FROM blocks WHERE repository_id = ?`, repositoryID)
	if err != nil {
		return 0, codeerrors.Storage("integrity", "delete repo blocks", err)
	}
	n, _ := res.RowsAffected()

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM edges WHERE from_id = ? OR to_id = ?`, id, id); err != nil {
			return 0, codeerrors.Storage("integrity", "delete repo edges", err)
		}
		removeBlockBlobs(s.contentDir, id)
	}

	return int(n), nil
}

// Iter lazily walks all blocks matching repositoryID (empty = all) in
// batches, resumable via keyset pagination on (created_at, block_id), safe
// under concurrent inserts since each batch is its own snapshot query.
func (s *BlockStore) Iter(ctx context.Context, repositoryID string, batch int) func(yield func(*block.CodeBlock, error) bool) {
	if batch <= 0 {
		batch = 200
	}
	return func(yield func(*block.CodeBlock, error) bool) {
		var lastCreated string
		var lastID string
		for {
			s.mu.RLock()
			where := "WHERE 1=1"
			args := []any{}
			if repositoryID != "" {
				where += " AND repository_id = ?"
				args = append(args, repositoryID)
			}
			if lastCreated != "" {
				where += " AND (created_at > ? OR (created_at = ? AND block_id > ?))"
				args = append(args, lastCreated, lastCreated, lastID)
			}
			args = append(args, batch)

			rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
				SELECT block_id, created_at FROM blocks %s
				ORDER BY created_at ASC, block_id ASC LIMIT ?`, where), args...)
			s.mu.RUnlock()
			if err != nil {
				yield(nil, codeerrors.Storage("connection", "iter batch query", err))
				return
			}

			var ids []string
			var createdAts []string
			for rows.Next() {
				var id, createdAt string
				if err := rows.Scan(&id, &createdAt); err != nil {
					rows.Close()
					yield(nil, codeerrors.Storage("integrity", "scan iter row", err))
					return
				}
				ids = append(ids, id)
				createdAts = append(createdAts, createdAt)
			}
			rows.Close()
			if len(ids) == 0 {
				return
			}

			blocks, err := s.GetMany(ctx, ids)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, b := range blocks {
				if !yield(b, nil) {
					return
				}
			}

			lastCreated = createdAts[len(createdAts)-1]
			lastID = ids[len(ids)-1]
			if len(ids) < batch {
				return
			}
		}
	}
}

// Close releases the underlying database handle.
func (s *BlockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func writeBlockBlobs(contentDir string, b *block.CodeBlock) error {
	contentPath := filepath.Join(contentDir, b.BlockID+".txt")
	if err := atomicWriteFile(contentPath, []byte(b.Content)); err != nil {
		return codeerrors.Storage("disk-full", "write block content blob", err)
	}
	if len(b.Keywords) > 0 {
		keywordsJSON, err := encodeKeywords(b.Keywords)
		if err != nil {
			return codeerrors.Storage("integrity", "encode block keywords", err)
		}
		keywordsPath := filepath.Join(contentDir, b.BlockID+".keywords.json")
		if err := atomicWriteFile(keywordsPath, keywordsJSON); err != nil {
			return codeerrors.Storage("disk-full", "write block keywords blob", err)
		}
	}
	return nil
}

func readBlockBlobs(contentDir, blockID string) (content string, keywords []string, err error) {
	data, readErr := os.ReadFile(filepath.Join(contentDir, blockID+".txt"))
	if readErr != nil && !os.IsNotExist(readErr) {
		return "", nil, codeerrors.Storage("integrity", "read block content blob", readErr)
	}
	content = string(data)

	kwData, kwErr := os.ReadFile(filepath.Join(contentDir, blockID+".keywords.json"))
	if kwErr == nil {
		keywords, err = decodeKeywords(kwData)
		if err != nil {
			return "", nil, codeerrors.Storage("integrity", "decode block keywords blob", err)
		}
	} else if !os.IsNotExist(kwErr) {
		return "", nil, codeerrors.Storage("integrity", "read block keywords blob", kwErr)
	}
	return content, keywords, nil
}

func removeBlockBlobs(contentDir, blockID string) {
	os.Remove(filepath.Join(contentDir, blockID+".txt"))
	os.Remove(filepath.Join(contentDir, blockID+".keywords.json"))
}

func scanBlock(rows *sql.Rows) (*block.CodeBlock, error) {
	var b block.CodeBlock
	var blockType string
	var metadataJSON string
	var createdAt, updatedAt string

	if err := rows.Scan(&b.BlockID, &b.RepositoryID, &b.FilePath, &b.LineStart, &b.LineEnd,
		&b.CharStart, &b.CharEnd, &blockType, &b.Language, &b.Name, &b.FullName, &b.Signature,
		&b.ClassName, &b.Namespace, &b.SearchText, &b.ContentHash, &b.ParentBlockID,
		&metadataJSON, &createdAt, &updatedAt); err != nil {
		return nil, codeerrors.Storage("integrity", "scan block row", err)
	}

	b.BlockType = block.Type(blockType)
	metadata, err := decodeMetadata(metadataJSON)
	if err != nil {
		return nil, codeerrors.Storage("integrity", "decode block metadata", err)
	}
	b.Metadata = metadata

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		b.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		b.UpdatedAt = t
	}

	return &b, nil
}
