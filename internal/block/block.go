// Package block defines CodeBlock, the canonical in-memory entity shared
// by every other codeindex component (C3 in spec.md §2), generalized from
// the teacher's store.Chunk to carry repository identity, a structural
// name graph, and the parent/child/related block links spec.md §3
// requires.
package block

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Type is one of the eight block kinds spec.md §3 names. The teacher's
// narrower store.SymbolType (function/class/interface/type/variable/
// constant/method) folds onto this set: interface, type, constant, and
// variable all become Block, the catch-all for a declaration that isn't a
// file, module, class, function, or method.
type Type string

const (
	TypeFile     Type = "file"
	TypeModule   Type = "module"
	TypeClass    Type = "class"
	TypeFunction Type = "function"
	TypeMethod   Type = "method"
	TypeBlock    Type = "block"
	TypeComment  Type = "comment"
	TypeImport   Type = "import"
)

// CodeBlock is the central entity: one indexable unit of source, with its
// location, structural identity, graph links, and embedding slot.
type CodeBlock struct {
	BlockID      string
	RepositoryID string

	Content     string
	ContentHash string

	FilePath  string
	LineStart int
	LineEnd   int
	CharStart int // 0 if unset
	CharEnd   int // 0 if unset

	BlockType Type
	Language  string // lower-case tag, "" if unset

	Name      string
	FullName  string
	Signature string
	ClassName string
	Namespace string

	Keywords   []string
	SearchText string // signature + name + content, denormalized; what gets embedded

	ParentBlockID   string // "" if root
	ChildBlockIDs   []string
	RelatedBlockIDs []string

	Embedding []float32 // nil until the indexer's batch-embed stage sets it

	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ContentHash returns the SHA-256 digest of content, hex-encoded.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ID derives a block's stable identifier from (repository_id, file_path,
// line_start, line_end, content_hash), generalizing the teacher's
// generateChunkID (which hashed only file_path + content) with
// repository_id and the line range so that re-indexing the same
// (file, range, content) always yields the same id (idempotent ingestion,
// spec.md §3 invariant), while the same content at a different location
// or in a different repository gets a distinct id.
func ID(repositoryID, filePath string, lineStart, lineEnd int, contentHash string) string {
	input := fmt.Sprintf("%s:%s:%d:%d:%s", repositoryID, filePath, lineStart, lineEnd, contentHash)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}

// BuildSearchText assembles the denormalized text that gets embedded and
// matched against, per spec.md §3: signature + name + content. Keywords,
// when present, are appended so they enrich the embedded text without
// displacing the literal content.
func BuildSearchText(signature, name, content string, keywords []string) string {
	text := content
	if name != "" {
		text = name + "\n" + text
	}
	if signature != "" && signature != name {
		text = signature + "\n" + text
	}
	if len(keywords) > 0 {
		text = text + "\n" + joinKeywords(keywords)
	}
	return text
}

func joinKeywords(keywords []string) string {
	out := ""
	for i, k := range keywords {
		if i > 0 {
			out += " "
		}
		out += k
	}
	return out
}
