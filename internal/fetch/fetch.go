// Package fetch materializes a repository at a local working path from a
// git URL, a local path, or an archive (C1 in spec.md §2). It is new
// relative to the teacher, which only ever scans an already-local working
// directory; the git and archive acquisition paths are grounded on
// go-git/v5, used the same way ferg-cod3s-conexus's git_helper.go uses it.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/codeindex/codeindex/internal/codeerrors"
)

// Config selects one of the three acquisition modes. Exactly one of Git,
// Local, Archive should be set.
type Config struct {
	Git     *GitSource
	Local   *LocalSource
	Archive *ArchiveSource

	// CleanupOnError removes a fetcher-created working directory (clone or
	// extraction) if Fetch or a later step fails. Local paths are never
	// removed regardless of this setting.
	CleanupOnError bool
}

// GitSource clones a git URL, optionally pinned to a branch and/or commit.
type GitSource struct {
	URL       string
	Branch    string
	Commit    string
	AuthToken string
}

// LocalSource points at an already-checked-out directory.
type LocalSource struct {
	Path string
}

// ArchiveSource extracts a zip or tar(.gz) archive.
type ArchiveSource struct {
	Path string
}

// Result is the materialized repository: its working path plus enough of
// its origin to derive repository_id (spec.md §6).
type Result struct {
	WorkingPath string
	SourceKind  string // git | local | archive
	URL         string
	Branch      string
	CommitHash  string

	cleanupPath string // "" if nothing owned by us should be removed
}

// Release removes any working directory Fetch created (clone target,
// archive extraction target). Safe to call multiple times; a no-op for
// local sources. Callers must defer Release immediately after a
// successful Fetch (spec.md §9 "Scoped resources").
func (r *Result) Release() error {
	if r.cleanupPath == "" {
		return nil
	}
	path := r.cleanupPath
	r.cleanupPath = ""
	return os.RemoveAll(path)
}

// Fetcher materializes repositories. It holds no state; a value receiver
// would do, but a named type keeps call sites consistent with the rest of
// codeindex's component constructors.
type Fetcher struct{}

// New returns a Fetcher.
func New() *Fetcher {
	return &Fetcher{}
}

// Fetch materializes the repository described by cfg and returns its
// working path and origin descriptor. On error, any working directory
// Fetch itself created is removed if cfg.CleanupOnError is set; the
// caller is never responsible for cleaning up a failed Fetch.
func (f *Fetcher) Fetch(ctx context.Context, cfg Config) (*Result, error) {
	switch {
	case cfg.Git != nil:
		return f.fetchGit(ctx, cfg.Git, cfg.CleanupOnError)
	case cfg.Local != nil:
		return f.fetchLocal(cfg.Local)
	case cfg.Archive != nil:
		return f.fetchArchive(cfg.Archive, cfg.CleanupOnError)
	default:
		return nil, codeerrors.New(codeerrors.ErrCodeInvalidInput, "fetch: exactly one of Git, Local, Archive must be set", nil)
	}
}

func (f *Fetcher) fetchGit(ctx context.Context, src *GitSource, cleanupOnError bool) (*Result, error) {
	dir, err := os.MkdirTemp("", "codeindex-fetch-*")
	if err != nil {
		return nil, codeerrors.Fetch("network", "create clone directory", err)
	}

	cloneOpts := &git.CloneOptions{
		URL: src.URL,
	}
	if src.Branch != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(src.Branch)
		cloneOpts.SingleBranch = true
	}
	if src.AuthToken != "" {
		cloneOpts.Auth = &githttp.BasicAuth{Username: "codeindex", Password: src.AuthToken}
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, cloneOpts)
	if err != nil {
		if cleanupOnError {
			os.RemoveAll(dir)
		}
		return nil, classifyGitError(err)
	}

	commitHash := src.Commit
	if src.Commit != "" {
		hash, err := repo.ResolveRevision(plumbing.Revision(src.Commit))
		if err != nil {
			if cleanupOnError {
				os.RemoveAll(dir)
			}
			return nil, codeerrors.Fetch("not-found", fmt.Sprintf("resolve commit %q", src.Commit), err)
		}
		worktree, err := repo.Worktree()
		if err != nil {
			if cleanupOnError {
				os.RemoveAll(dir)
			}
			return nil, codeerrors.Fetch("corrupt", "open worktree", err)
		}
		if err := worktree.Checkout(&git.CheckoutOptions{Hash: *hash}); err != nil {
			if cleanupOnError {
				os.RemoveAll(dir)
			}
			return nil, codeerrors.Fetch("corrupt", fmt.Sprintf("checkout %q", src.Commit), err)
		}
		commitHash = hash.String()
	} else {
		head, err := repo.Head()
		if err != nil {
			if cleanupOnError {
				os.RemoveAll(dir)
			}
			return nil, codeerrors.Fetch("corrupt", "resolve HEAD", err)
		}
		commitHash = head.Hash().String()
	}

	return &Result{
		WorkingPath: dir,
		SourceKind:  "git",
		URL:         src.URL,
		Branch:      src.Branch,
		CommitHash:  commitHash,
		cleanupPath: dir,
	}, nil
}

func classifyGitError(err error) error {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired), errors.Is(err, transport.ErrAuthorizationFailed):
		return codeerrors.Fetch("auth", "git authentication failed", err)
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return codeerrors.Fetch("not-found", "git repository not found", err)
	default:
		return codeerrors.Fetch("network", "git clone failed", err)
	}
}

func (f *Fetcher) fetchLocal(src *LocalSource) (*Result, error) {
	info, err := os.Stat(src.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, codeerrors.Fetch("not-found", fmt.Sprintf("local path %q does not exist", src.Path), err)
		}
		return nil, codeerrors.Fetch("network", fmt.Sprintf("stat local path %q", src.Path), err)
	}
	if !info.IsDir() {
		return nil, codeerrors.Fetch("not-found", fmt.Sprintf("local path %q is not a directory", src.Path), nil)
	}

	absPath, err := filepath.Abs(src.Path)
	if err != nil {
		return nil, codeerrors.Fetch("corrupt", "resolve absolute path", err)
	}

	return &Result{
		WorkingPath: absPath,
		SourceKind:  "local",
		URL:         absPath,
	}, nil
}

// RepositoryID derives the stable repository_id for a fetch result, per
// spec.md §6: hash(url, branch, commit) for git, or
// hash(canonical_path, content_hash_of_tree) for local/archive.
func RepositoryID(r *Result, treeContentHash string) string {
	var input string
	switch r.SourceKind {
	case "git":
		input = fmt.Sprintf("git:%s:%s:%s", r.URL, r.Branch, r.CommitHash)
	default:
		input = fmt.Sprintf("%s:%s:%s", r.SourceKind, r.URL, treeContentHash)
	}
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}
