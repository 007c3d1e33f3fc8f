// Package index provides contextual retrieval for enhanced RAG performance.
// CR-1: Contextual Retrieval - LLM-generated context for each block at
// index time, enriching SearchText before it reaches the embedder and
// BM25 index.
//
// Based on Anthropic's research showing a 67% reduction in retrieval
// errors. See: https://www.anthropic.com/news/contextual-retrieval
package index

import (
	"context"
	"fmt"
	"strings"

	"github.com/codeindex/codeindex/internal/block"
)

// ContextGenerator generates contextual descriptions for blocks.
// This enriches a block's SearchText with LLM-generated context before
// embedding, improving semantic search quality.
type ContextGenerator interface {
	// GenerateContext generates a 1-2 sentence context for a block.
	// The context situates the block within its parent document.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - b: The block to generate context for
	//   - docContext: The parent document context (imports, headers, etc.)
	//
	// Returns the generated context string, or empty string on failure.
	GenerateContext(ctx context.Context, b *block.CodeBlock, docContext string) (string, error)

	// GenerateBatch generates context for multiple blocks from the same file.
	// This enables prompt caching optimization when processing many blocks.
	GenerateBatch(ctx context.Context, blocks []*block.CodeBlock, docContext string) ([]string, error)

	// Available checks if the generator is available and ready.
	Available(ctx context.Context) bool

	// ModelName returns the model identifier being used.
	ModelName() string

	// Close releases any resources held by the generator.
	Close() error
}

// ContextGeneratorConfig configures the context generator.
type ContextGeneratorConfig struct {
	// OllamaHost is the Ollama API endpoint.
	// Default: http://localhost:11434
	OllamaHost string

	// Model is the LLM model to use for context generation.
	// Default: qwen3:0.6b (small, fast model)
	Model string

	// Timeout is the per-block timeout for context generation.
	// Default: 5s
	Timeout string

	// BatchSize is the number of blocks to process in a batch.
	// Default: 8
	BatchSize int

	// FallbackOnly skips LLM and uses pattern-based fallback only.
	// Default: false
	FallbackOnly bool
}

// DefaultContextGeneratorConfig returns the default configuration.
func DefaultContextGeneratorConfig() ContextGeneratorConfig {
	return ContextGeneratorConfig{
		OllamaHost: "http://localhost:11434",
		Model:      "qwen3:0.6b",
		Timeout:    "5s",
		BatchSize:  8,
	}
}

// contextualDocLanguages are language tags treated as prose rather than
// code when choosing how to extract document context.
var contextualDocLanguages = map[string]bool{"markdown": true, "text": true}

// EnrichBlockWithContext prepends generated context to a block's
// SearchText, which is what the embedder and BM25 index actually consume
// (chunk.ToBlocks, search.Engine.Index). b.Content is left untouched so
// the stored source text always reflects the original file.
//
// Format: "[Context]\n\n[SearchText]"
func EnrichBlockWithContext(b *block.CodeBlock, generatedContext string) {
	if generatedContext == "" || b == nil {
		return
	}

	b.SearchText = generatedContext + "\n\n" + b.SearchText

	if b.Metadata == nil {
		b.Metadata = make(map[string]string)
	}
	b.Metadata["contextual_context"] = generatedContext
}

// ExtractDocumentContext extracts document-level context for a file.
// For code files, this includes the file path and enclosing namespace.
// For markdown files, this includes the file path and section headers.
func ExtractDocumentContext(blocks []*block.CodeBlock) string {
	if len(blocks) == 0 {
		return ""
	}

	filePath := blocks[0].FilePath

	if contextualDocLanguages[blocks[0].Language] {
		var headers []string
		headers = append(headers, fmt.Sprintf("Document: %s", filePath))
		for _, b := range blocks {
			if b.BlockType == block.TypeBlock && b.Name != "" {
				headers = append(headers, "- "+b.Name)
			}
		}
		if len(headers) > 5 {
			headers = headers[:5]
			headers = append(headers, "...")
		}
		return strings.Join(headers, "\n")
	}

	if blocks[0].Namespace != "" {
		return fmt.Sprintf("File: %s\nPackage: %s", filePath, blocks[0].Namespace)
	}
	return fmt.Sprintf("File: %s", filePath)
}

// GroupBlocksByFile groups blocks by their file path for batch processing.
func GroupBlocksByFile(blocks []*block.CodeBlock) map[string][]*block.CodeBlock {
	grouped := make(map[string][]*block.CodeBlock)
	for _, b := range blocks {
		grouped[b.FilePath] = append(grouped[b.FilePath], b)
	}
	return grouped
}
