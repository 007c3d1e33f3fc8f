package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/codeindex/codeindex/internal/block"
	"github.com/codeindex/codeindex/internal/codeerrors"
)

// DefaultSearchHistoryLimit is the bounded ring-buffer capacity for
// search_history.json (spec.md §4.6).
const DefaultSearchHistoryLimit = 1000

// JSONMetadataStore is the C7 Metadata Store: three JSON files under a
// base directory (repositories.json, search_history.json, general.json),
// each written atomically (temp file + rename, matching hnsw.go's
// pattern) so a crash mid-write never corrupts the file on disk. Reads
// and writes for a single collection are serialized by a per-store
// mutex, giving linearizable reads per collection as spec.md §4.6 requires.
type JSONMetadataStore struct {
	mu  sync.RWMutex
	dir string

	historyLimit int

	repositories map[string]*block.RepositoryIndex
	history      []*block.SearchQuery
	general      map[string]string

	closed bool
}

// NewJSONMetadataStore opens (creating if absent) the metadata store
// rooted at dir (normally <base_path>/metadata).
func NewJSONMetadataStore(dir string) (*JSONMetadataStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, codeerrors.Storage("connection", "create metadata directory", err)
	}

	s := &JSONMetadataStore{
		dir:          dir,
		historyLimit: DefaultSearchHistoryLimit,
		repositories: make(map[string]*block.RepositoryIndex),
		general:      make(map[string]string),
	}

	if err := s.loadRepositories(); err != nil {
		return nil, err
	}
	if err := s.loadHistory(); err != nil {
		return nil, err
	}
	if err := s.loadGeneral(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONMetadataStore) repositoriesPath() string { return filepath.Join(s.dir, "repositories.json") }
func (s *JSONMetadataStore) historyPath() string       { return filepath.Join(s.dir, "search_history.json") }
func (s *JSONMetadataStore) generalPath() string       { return filepath.Join(s.dir, "general.json") }

func (s *JSONMetadataStore) loadRepositories() error {
	data, err := os.ReadFile(s.repositoriesPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return codeerrors.Storage("integrity", "read repositories.json", err)
	}
	var list []*block.RepositoryIndex
	if err := json.Unmarshal(data, &list); err != nil {
		return codeerrors.Storage("integrity", "parse repositories.json", err)
	}
	for _, repo := range list {
		s.repositories[repo.RepositoryID] = repo
	}
	return nil
}

func (s *JSONMetadataStore) loadHistory() error {
	data, err := os.ReadFile(s.historyPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return codeerrors.Storage("integrity", "read search_history.json", err)
	}
	if err := json.Unmarshal(data, &s.history); err != nil {
		return codeerrors.Storage("integrity", "parse search_history.json", err)
	}
	return nil
}

func (s *JSONMetadataStore) loadGeneral() error {
	data, err := os.ReadFile(s.generalPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return codeerrors.Storage("integrity", "read general.json", err)
	}
	if err := json.Unmarshal(data, &s.general); err != nil {
		return codeerrors.Storage("integrity", "parse general.json", err)
	}
	return nil
}

func (s *JSONMetadataStore) writeRepositoriesLocked() error {
	list := make([]*block.RepositoryIndex, 0, len(s.repositories))
	for _, id := range sortedRepositoryIDs(s.repositories) {
		list = append(list, s.repositories[id])
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return codeerrors.Storage("integrity", "encode repositories.json", err)
	}
	if err := atomicWriteFile(s.repositoriesPath(), data); err != nil {
		return codeerrors.Storage("disk-full", "write repositories.json", err)
	}
	return nil
}

func (s *JSONMetadataStore) writeHistoryLocked() error {
	data, err := json.MarshalIndent(s.history, "", "  ")
	if err != nil {
		return codeerrors.Storage("integrity", "encode search_history.json", err)
	}
	if err := atomicWriteFile(s.historyPath(), data); err != nil {
		return codeerrors.Storage("disk-full", "write search_history.json", err)
	}
	return nil
}

func (s *JSONMetadataStore) writeGeneralLocked() error {
	data, err := json.MarshalIndent(s.general, "", "  ")
	if err != nil {
		return codeerrors.Storage("integrity", "encode general.json", err)
	}
	if err := atomicWriteFile(s.generalPath(), data); err != nil {
		return codeerrors.Storage("disk-full", "write general.json", err)
	}
	return nil
}

func sortedRepositoryIDs(m map[string]*block.RepositoryIndex) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SaveRepository upserts a repository manifest by RepositoryID.
func (s *JSONMetadataStore) SaveRepository(_ context.Context, repo *block.RepositoryIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return codeerrors.Storage("connection", "metadata store closed", nil)
	}

	cp := *repo
	s.repositories[repo.RepositoryID] = &cp
	return s.writeRepositoriesLocked()
}

// GetRepository returns the manifest for repositoryID, or nil if absent.
func (s *JSONMetadataStore) GetRepository(_ context.Context, repositoryID string) (*block.RepositoryIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	repo, ok := s.repositories[repositoryID]
	if !ok {
		return nil, nil
	}
	cp := *repo
	return &cp, nil
}

// ListRepositories returns all known repositories, ordered by RepositoryID.
func (s *JSONMetadataStore) ListRepositories(_ context.Context) ([]*block.RepositoryIndex, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*block.RepositoryIndex, 0, len(s.repositories))
	for _, id := range sortedRepositoryIDs(s.repositories) {
		cp := *s.repositories[id]
		out = append(out, &cp)
	}
	return out, nil
}

// DeleteRepository removes a repository's manifest entry (C8's final
// purge step).
func (s *JSONMetadataStore) DeleteRepository(_ context.Context, repositoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return codeerrors.Storage("connection", "metadata store closed", nil)
	}

	delete(s.repositories, repositoryID)
	return s.writeRepositoriesLocked()
}

// SaveSearchQuery appends query to the bounded search_history ring
// buffer, evicting the oldest entry once historyLimit is exceeded.
func (s *JSONMetadataStore) SaveSearchQuery(_ context.Context, query *block.SearchQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return codeerrors.Storage("connection", "metadata store closed", nil)
	}

	cp := *query
	s.history = append(s.history, &cp)
	if len(s.history) > s.historyLimit {
		s.history = s.history[len(s.history)-s.historyLimit:]
	}
	return s.writeHistoryLocked()
}

// GetSearchHistory returns the most recent limit entries, newest first.
func (s *JSONMetadataStore) GetSearchHistory(_ context.Context, limit int) ([]*block.SearchQuery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]*block.SearchQuery, limit)
	for i := 0; i < limit; i++ {
		cp := *s.history[len(s.history)-1-i]
		out[i] = &cp
	}
	return out, nil
}

// GetMetadata looks up key in the general k-v bag.
func (s *JSONMetadataStore) GetMetadata(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.general[key]
	return v, ok, nil
}

// SetMetadata sets key in the general k-v bag.
func (s *JSONMetadataStore) SetMetadata(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return codeerrors.Storage("connection", "metadata store closed", nil)
	}

	s.general[key] = value
	return s.writeGeneralLocked()
}

// DeleteMetadata removes key from the general k-v bag.
func (s *JSONMetadataStore) DeleteMetadata(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return codeerrors.Storage("connection", "metadata store closed", nil)
	}

	delete(s.general, key)
	return s.writeGeneralLocked()
}

// ListMetadataKeys returns every key currently set in the general k-v bag.
func (s *JSONMetadataStore) ListMetadataKeys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.general))
	for k := range s.general {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the store closed; JSON files are already durable on disk
// after every write, so there is nothing further to flush.
func (s *JSONMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ MetadataStore = (*JSONMetadataStore)(nil)
