package chunk

import (
	"strings"

	"github.com/codeindex/codeindex/internal/block"
)

// ToBlocks converts the chunker's output for one file into CodeBlocks: one
// file-level block plus one block per chunk (the chunks come from the
// tree-sitter walk in code_chunker.go, which visits nested declarations as
// well as top-level ones), linked parent-to-child, per spec.md §4.2/§3.
//
// This is the seam between the teacher's chunker, which only ever
// produced store.Chunk values, and spec.md's CodeBlock model: the
// chunking and tree-sitter walking logic is untouched, generalized here
// into the richer structural/graph shape spec.md requires.
func ToBlocks(repositoryID string, file *FileInput, chunks []*Chunk) []*block.CodeBlock {
	fileContent := string(file.Content)
	fileHash := block.ContentHash(fileContent)
	fileID := block.ID(repositoryID, file.Path, 1, strings.Count(fileContent, "\n")+1, fileHash)

	fileBlock := &block.CodeBlock{
		BlockID:      fileID,
		RepositoryID: repositoryID,
		Content:      fileContent,
		ContentHash:  fileHash,
		FilePath:     file.Path,
		LineStart:    1,
		LineEnd:      strings.Count(fileContent, "\n") + 1,
		BlockType:    block.TypeFile,
		Language:     file.Language,
		Name:         file.Path,
		FullName:     file.Path,
		SearchText:   block.BuildSearchText("", file.Path, fileContent, nil),
		Metadata:     map[string]string{},
	}

	blocks := make([]*block.CodeBlock, 0, len(chunks)+1)
	blocks = append(blocks, fileBlock)

	for _, c := range chunks {
		b := chunkToBlock(repositoryID, fileID, c)
		blocks = append(blocks, b)
		fileBlock.ChildBlockIDs = append(fileBlock.ChildBlockIDs, b.BlockID)
	}

	return blocks
}

func chunkToBlock(repositoryID, parentBlockID string, c *Chunk) *block.CodeBlock {
	contentHash := block.ContentHash(c.RawContent)
	blockID := block.ID(repositoryID, c.FilePath, c.StartLine, c.EndLine, contentHash)

	var sym *Symbol
	if len(c.Symbols) > 0 {
		sym = c.Symbols[0]
	}

	blockType, name, signature, className, namespace := classifySymbol(sym, c)

	metadata := make(map[string]string, len(c.Metadata))
	for k, v := range c.Metadata {
		metadata[k] = v
	}

	return &block.CodeBlock{
		BlockID:       blockID,
		RepositoryID:  repositoryID,
		Content:       c.Content,
		ContentHash:   contentHash,
		FilePath:      c.FilePath,
		LineStart:     c.StartLine,
		LineEnd:       c.EndLine,
		BlockType:     blockType,
		Language:      c.Language,
		Name:          name,
		FullName:      fullName(namespace, className, name),
		Signature:     signature,
		ClassName:     className,
		Namespace:     namespace,
		SearchText:    block.BuildSearchText(signature, name, c.Content, nil),
		ParentBlockID: parentBlockID,
		Metadata:      metadata,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

// classifySymbol maps the chunker's narrower SymbolType onto spec.md's
// BlockType set: interface, type, constant, and variable all fold into
// the catch-all Block kind, since spec.md §3 names no dedicated slot for
// them.
func classifySymbol(sym *Symbol, c *Chunk) (blockType block.Type, name, signature, className, namespace string) {
	if sym == nil {
		if c.ContentType == ContentTypeMarkdown {
			return block.TypeModule, "", "", "", ""
		}
		return block.TypeBlock, "", "", "", ""
	}

	name = sym.Name
	signature = sym.Signature

	switch sym.Type {
	case SymbolTypeFunction:
		blockType = block.TypeFunction
	case SymbolTypeMethod:
		blockType = block.TypeMethod
		className, name = splitMethodName(name)
	case SymbolTypeClass:
		blockType = block.TypeClass
		className = name
	default: // interface, type, constant, variable
		blockType = block.TypeBlock
	}

	return blockType, name, signature, className, namespace
}

// splitMethodName splits a "Receiver.Method" name into its class and
// method parts, matching the teacher's dotted method-name convention; if
// there is no dot the whole name is treated as the method name.
func splitMethodName(full string) (className, methodName string) {
	if idx := strings.LastIndex(full, "."); idx >= 0 {
		return full[:idx], full[idx+1:]
	}
	return "", full
}

func fullName(namespace, className, name string) string {
	parts := make([]string, 0, 3)
	if namespace != "" {
		parts = append(parts, namespace)
	}
	if className != "" {
		parts = append(parts, className)
	}
	if name != "" {
		parts = append(parts, name)
	}
	return strings.Join(parts, ".")
}
