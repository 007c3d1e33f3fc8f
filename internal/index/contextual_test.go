package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeindex/codeindex/internal/block"
	"github.com/codeindex/codeindex/internal/config"
)

// testConfigWithCodeChunks creates a test config with CodeChunks enabled.
func testConfigWithCodeChunks() *config.Config {
	cfg := config.Default()
	cfg.Contextual.CodeChunks = true
	return cfg
}

// =============================================================================
// CR-1: Contextual Retrieval Tests
// =============================================================================

func TestEnrichBlockWithContext_PrependsContext(t *testing.T) {
	b := &block.CodeBlock{
		BlockID:    "test-block",
		FilePath:   "internal/search/engine.go",
		SearchText: "func (e *Engine) Search(ctx context.Context) {}",
	}
	originalLen := len(b.SearchText)

	generatedContext := "This function implements hybrid search combining BM25 and semantic search."
	EnrichBlockWithContext(b, generatedContext)

	assert.True(t, len(b.SearchText) > originalLen, "enriched SearchText should be longer")
	assert.Contains(t, b.SearchText, generatedContext)
	assert.Contains(t, b.SearchText, "func (e *Engine) Search")
	assert.Equal(t, generatedContext, b.Metadata["contextual_context"])
}

func TestEnrichBlockWithContext_EmptyContext(t *testing.T) {
	original := "original content"
	b := &block.CodeBlock{SearchText: original}

	EnrichBlockWithContext(b, "")

	assert.Equal(t, original, b.SearchText, "SearchText should be unchanged with empty context")
}

func TestEnrichBlockWithContext_NilBlock(t *testing.T) {
	EnrichBlockWithContext(nil, "some context")
}

func TestExtractDocumentContext_CodeFile(t *testing.T) {
	blocks := []*block.CodeBlock{
		{
			FilePath:  "internal/search/engine.go",
			Language:  "go",
			Namespace: "search",
		},
	}

	ctx := ExtractDocumentContext(blocks)

	assert.Contains(t, ctx, "File: internal/search/engine.go")
	assert.Contains(t, ctx, "Package: search")
}

func TestExtractDocumentContext_MarkdownFile(t *testing.T) {
	blocks := []*block.CodeBlock{
		{FilePath: "README.md", Language: "markdown", BlockType: block.TypeBlock, Name: "Installation"},
		{FilePath: "README.md", Language: "markdown", BlockType: block.TypeBlock, Name: "Usage"},
	}

	ctx := ExtractDocumentContext(blocks)

	assert.Contains(t, ctx, "Document: README.md")
	assert.Contains(t, ctx, "Installation")
	assert.Contains(t, ctx, "Usage")
}

func TestExtractDocumentContext_EmptyBlocks(t *testing.T) {
	ctx := ExtractDocumentContext(nil)
	assert.Equal(t, "", ctx)
}

func TestGroupBlocksByFile(t *testing.T) {
	blocks := []*block.CodeBlock{
		{FilePath: "a.go", BlockID: "a1"},
		{FilePath: "b.go", BlockID: "b1"},
		{FilePath: "a.go", BlockID: "a2"},
		{FilePath: "c.go", BlockID: "c1"},
		{FilePath: "b.go", BlockID: "b2"},
	}

	grouped := GroupBlocksByFile(blocks)

	assert.Len(t, grouped, 3)
	assert.Len(t, grouped["a.go"], 2)
	assert.Len(t, grouped["b.go"], 2)
	assert.Len(t, grouped["c.go"], 1)
}

// =============================================================================
// Pattern-Based Fallback Generator Tests
// =============================================================================

func TestPatternContextGenerator_GenerateContext_Function(t *testing.T) {
	b := &block.CodeBlock{
		FilePath:  "internal/search/engine.go",
		Language:  "go",
		BlockType: block.TypeFunction,
		Name:      "Search",
		Signature: "Search executes a hybrid search combining BM25 and semantic search.",
	}

	gen := NewPatternContextGenerator(testConfigWithCodeChunks())
	ctx, err := gen.GenerateContext(context.Background(), b, "package search")

	require.NoError(t, err)
	assert.Contains(t, ctx, "internal/search/engine.go")
	assert.Contains(t, ctx, "Search")
	assert.Contains(t, ctx, string(block.TypeFunction))
}

func TestPatternContextGenerator_GenerateContext_NoName(t *testing.T) {
	b := &block.CodeBlock{FilePath: "config.yaml", Language: "text"}

	gen := NewPatternContextGenerator(testConfigWithCodeChunks())
	ctx, err := gen.GenerateContext(context.Background(), b, "")

	require.NoError(t, err)
	assert.Contains(t, ctx, "config.yaml")
}

func TestPatternContextGenerator_GenerateBatch(t *testing.T) {
	blocks := []*block.CodeBlock{
		{FilePath: "a.go", Language: "go", BlockType: block.TypeFunction, Name: "FuncA"},
		{FilePath: "a.go", Language: "go", BlockType: block.TypeFunction, Name: "FuncB"},
	}

	gen := NewPatternContextGenerator(testConfigWithCodeChunks())
	contexts, err := gen.GenerateBatch(context.Background(), blocks, "package main")

	require.NoError(t, err)
	assert.Len(t, contexts, 2)
	assert.Contains(t, contexts[0], "FuncA")
	assert.Contains(t, contexts[1], "FuncB")
}

func TestPatternContextGenerator_Available(t *testing.T) {
	gen := NewPatternContextGenerator(testConfigWithCodeChunks())
	assert.True(t, gen.Available(context.Background()), "pattern generator should always be available")
}

func TestPatternContextGenerator_ModelName(t *testing.T) {
	gen := NewPatternContextGenerator(testConfigWithCodeChunks())
	assert.Equal(t, "pattern-based", gen.ModelName())
}

// =============================================================================
// Hybrid Generator Tests
// =============================================================================

func TestHybridContextGenerator_FallsBackOnLLMFailure(t *testing.T) {
	b := &block.CodeBlock{
		FilePath:  "test.go",
		Language:  "go",
		BlockType: block.TypeFunction,
		Name:      "TestFunc",
	}

	hybrid := NewHybridContextGenerator(nil, testConfigWithCodeChunks())
	ctx, err := hybrid.GenerateContext(context.Background(), b, "")

	require.NoError(t, err)
	assert.Contains(t, ctx, "TestFunc", "should fall back to pattern generator")
}

// =============================================================================
// CodeChunks Configuration Tests
// =============================================================================

func TestPatternContextGenerator_SkipsCodeWhenDisabled(t *testing.T) {
	cfg := config.Default() // CodeChunks defaults to false
	gen := NewPatternContextGenerator(cfg)

	b := &block.CodeBlock{
		FilePath:  "internal/store/hnsw.go",
		Language:  "go",
		BlockType: block.TypeFunction,
		Name:      "NewHNSWStore",
	}

	ctx, err := gen.GenerateContext(context.Background(), b, "package store")

	require.NoError(t, err)
	assert.Empty(t, ctx, "code blocks should have no context when CodeChunks=false")
}

func TestPatternContextGenerator_GeneratesContextForDocsWhenCodeDisabled(t *testing.T) {
	cfg := config.Default() // CodeChunks defaults to false
	gen := NewPatternContextGenerator(cfg)

	b := &block.CodeBlock{FilePath: "docs/architecture.md", Language: "markdown"}

	ctx, err := gen.GenerateContext(context.Background(), b, "")

	require.NoError(t, err)
	assert.NotEmpty(t, ctx, "markdown blocks should still get context")
	assert.Contains(t, ctx, "docs/architecture.md")
}

func TestHybridContextGenerator_SkipsCodeWhenDisabled(t *testing.T) {
	cfg := config.Default() // CodeChunks defaults to false
	hybrid := NewHybridContextGenerator(nil, cfg)

	b := &block.CodeBlock{
		FilePath:  "internal/search/engine.go",
		Language:  "go",
		BlockType: block.TypeFunction,
		Name:      "Search",
	}

	ctx, err := hybrid.GenerateContext(context.Background(), b, "package search")

	require.NoError(t, err)
	assert.Empty(t, ctx, "code blocks should have no context when CodeChunks=false")
}

func TestPatternContextGenerator_GeneratesCodeContextWhenEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.Contextual.CodeChunks = true
	gen := NewPatternContextGenerator(cfg)

	b := &block.CodeBlock{
		FilePath:  "internal/store/hnsw.go",
		Language:  "go",
		BlockType: block.TypeFunction,
		Name:      "NewHNSWStore",
	}

	ctx, err := gen.GenerateContext(context.Background(), b, "package store")

	require.NoError(t, err)
	assert.NotEmpty(t, ctx, "code blocks should get context when CodeChunks=true")
	assert.Contains(t, ctx, "NewHNSWStore")
}

// =============================================================================
// Additional Coverage Tests for contextual.go
// =============================================================================

func TestDefaultContextGeneratorConfig(t *testing.T) {
	cfg := DefaultContextGeneratorConfig()

	assert.Equal(t, "http://localhost:11434", cfg.OllamaHost, "default Ollama host")
	assert.Equal(t, "qwen3:0.6b", cfg.Model, "default model")
	assert.Equal(t, "5s", cfg.Timeout, "default timeout")
	assert.Equal(t, 8, cfg.BatchSize, "default batch size")
	assert.False(t, cfg.FallbackOnly, "default fallback only")
}

func TestExtractDocumentContext_DefaultLanguage(t *testing.T) {
	blocks := []*block.CodeBlock{{FilePath: "data.txt", Language: ""}}

	ctx := ExtractDocumentContext(blocks)

	assert.Contains(t, ctx, "File: data.txt")
}

func TestExtractDocumentContext_CodeFileNoNamespace(t *testing.T) {
	blocks := []*block.CodeBlock{{FilePath: "main.go", Language: "go"}}

	ctx := ExtractDocumentContext(blocks)

	assert.Equal(t, "File: main.go", ctx)
}

func TestExtractDocumentContext_MarkdownManyHeaders(t *testing.T) {
	blocks := make([]*block.CodeBlock, 8)
	for i := 0; i < 8; i++ {
		blocks[i] = &block.CodeBlock{
			FilePath:  "DOCS.md",
			Language:  "markdown",
			BlockType: block.TypeBlock,
			Name:      "Section " + string(rune('A'+i)),
		}
	}

	ctx := ExtractDocumentContext(blocks)

	assert.Contains(t, ctx, "Document: DOCS.md")
	assert.Contains(t, ctx, "Section A")
	assert.Contains(t, ctx, "Section D") // 5th item (index 4)
	assert.Contains(t, ctx, "...", "should contain ellipsis for truncation")
	assert.NotContains(t, ctx, "Section F", "should not contain headers beyond limit")
}

// =============================================================================
// Additional Coverage Tests for contextual_pattern.go
// =============================================================================

func TestPatternContextGenerator_Close(t *testing.T) {
	gen := NewPatternContextGenerator(testConfigWithCodeChunks())

	err := gen.Close()
	assert.NoError(t, err, "Close should return nil")
}

func TestPatternContextGenerator_GenerateContext_NilBlock(t *testing.T) {
	gen := NewPatternContextGenerator(testConfigWithCodeChunks())

	ctx, err := gen.GenerateContext(context.Background(), nil, "")

	require.NoError(t, err)
	assert.Empty(t, ctx, "nil block should return empty context")
}

func TestPatternContextGenerator_GenerateContext_NilConfig(t *testing.T) {
	gen := NewPatternContextGenerator(nil)

	b := &block.CodeBlock{
		FilePath:  "test.go",
		Language:  "go",
		BlockType: block.TypeFunction,
		Name:      "TestFunc",
	}

	ctx, err := gen.GenerateContext(context.Background(), b, "")

	require.NoError(t, err)
	assert.Contains(t, ctx, "test.go")
}

func TestExtractFirstSentence_LongText(t *testing.T) {
	longText := "This is a very long piece of text that continues without any periods or newlines and keeps going on and on for quite some time"

	result := extractFirstSentence(longText)

	assert.True(t, len(result) > 100, "should be over 100 chars with ellipsis")
	assert.True(t, len(result) <= 104, "should not be excessively long")
	assert.True(t, result[len(result)-3:] == "...", "should end with ellipsis")
}

func TestExtractFirstSentence_WithPeriod(t *testing.T) {
	text := "First sentence. Second sentence."
	result := extractFirstSentence(text)
	assert.Equal(t, "First sentence", result, "should extract first sentence without trailing period")
}

func TestExtractFirstSentence_WithNewline(t *testing.T) {
	text := "First line\nSecond line"
	result := extractFirstSentence(text)
	assert.Equal(t, "First line", result, "should extract up to newline")
}

func TestExtractFirstSentence_DocCommentPrefixes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"single line comment", "// This is a doc comment.", "This is a doc comment"},
		{"block comment start", "/* Block comment.", "Block comment"},
		{"block comment full", "/* Full block comment */", "Full block comment"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := extractFirstSentence(tc.input)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestExtractFirstSentence_EmptyAndWhitespace(t *testing.T) {
	assert.Empty(t, extractFirstSentence(""))
	assert.Empty(t, extractFirstSentence("   "))
}

// =============================================================================
// Hybrid Generator Additional Tests
// =============================================================================

// mockContextGenerator is a test implementation for hybrid generator tests.
type mockContextGenerator struct {
	availableFn     func(ctx context.Context) bool
	generateFn      func(ctx context.Context, b *block.CodeBlock, docContext string) (string, error)
	generateBatchFn func(ctx context.Context, blocks []*block.CodeBlock, docContext string) ([]string, error)
	modelName       string
	closeFn         func() error
}

func (m *mockContextGenerator) Available(ctx context.Context) bool {
	if m.availableFn != nil {
		return m.availableFn(ctx)
	}
	return true
}

func (m *mockContextGenerator) GenerateContext(ctx context.Context, b *block.CodeBlock, docContext string) (string, error) {
	if m.generateFn != nil {
		return m.generateFn(ctx, b, docContext)
	}
	return "mock context", nil
}

func (m *mockContextGenerator) GenerateBatch(ctx context.Context, blocks []*block.CodeBlock, docContext string) ([]string, error) {
	if m.generateBatchFn != nil {
		return m.generateBatchFn(ctx, blocks, docContext)
	}
	results := make([]string, len(blocks))
	for i := range blocks {
		results[i] = "mock batch context"
	}
	return results, nil
}

func (m *mockContextGenerator) ModelName() string {
	if m.modelName != "" {
		return m.modelName
	}
	return "mock-model"
}

func (m *mockContextGenerator) Close() error {
	if m.closeFn != nil {
		return m.closeFn()
	}
	return nil
}

func TestHybridContextGenerator_Available_WithLLM(t *testing.T) {
	llm := &mockContextGenerator{
		availableFn: func(ctx context.Context) bool { return true },
	}
	hybrid := NewHybridContextGenerator(llm, testConfigWithCodeChunks())

	assert.True(t, hybrid.Available(context.Background()))
}

func TestHybridContextGenerator_Available_LLMUnavailable(t *testing.T) {
	llm := &mockContextGenerator{
		availableFn: func(ctx context.Context) bool { return false },
	}
	hybrid := NewHybridContextGenerator(llm, testConfigWithCodeChunks())

	assert.True(t, hybrid.Available(context.Background()), "pattern generator fallback should remain available")
}

func TestHybridContextGenerator_ModelName_WithLLM(t *testing.T) {
	llm := &mockContextGenerator{modelName: "test-llm"}
	hybrid := NewHybridContextGenerator(llm, testConfigWithCodeChunks())

	assert.Equal(t, "test-llm+pattern", hybrid.ModelName())
}

func TestHybridContextGenerator_ModelName_NoLLM(t *testing.T) {
	hybrid := NewHybridContextGenerator(nil, testConfigWithCodeChunks())

	assert.Equal(t, "pattern-based", hybrid.ModelName())
}

func TestHybridContextGenerator_Close_WithLLM(t *testing.T) {
	closeCalled := false
	llm := &mockContextGenerator{
		closeFn: func() error {
			closeCalled = true
			return nil
		},
	}
	hybrid := NewHybridContextGenerator(llm, testConfigWithCodeChunks())

	err := hybrid.Close()

	assert.NoError(t, err)
	assert.True(t, closeCalled, "LLM.Close should be called")
}

func TestHybridContextGenerator_Close_NoLLM(t *testing.T) {
	hybrid := NewHybridContextGenerator(nil, testConfigWithCodeChunks())

	err := hybrid.Close()

	assert.NoError(t, err)
}

func TestHybridContextGenerator_GenerateContext_UsesLLM(t *testing.T) {
	llm := &mockContextGenerator{
		availableFn: func(ctx context.Context) bool { return true },
		generateFn: func(ctx context.Context, b *block.CodeBlock, docContext string) (string, error) {
			return "LLM generated context", nil
		},
	}
	hybrid := NewHybridContextGenerator(llm, testConfigWithCodeChunks())

	b := &block.CodeBlock{
		FilePath:  "test.go",
		Language:  "go",
		BlockType: block.TypeFunction,
		Name:      "Test",
	}

	ctx, err := hybrid.GenerateContext(context.Background(), b, "")

	require.NoError(t, err)
	assert.Equal(t, "LLM generated context", ctx)
}

func TestHybridContextGenerator_GenerateContext_FallsBackOnLLMError(t *testing.T) {
	llm := &mockContextGenerator{
		availableFn: func(ctx context.Context) bool { return true },
		generateFn: func(ctx context.Context, b *block.CodeBlock, docContext string) (string, error) {
			return "", assert.AnError
		},
	}
	hybrid := NewHybridContextGenerator(llm, testConfigWithCodeChunks())

	b := &block.CodeBlock{
		FilePath:  "test.go",
		Language:  "go",
		BlockType: block.TypeFunction,
		Name:      "TestFunc",
	}

	ctx, err := hybrid.GenerateContext(context.Background(), b, "")

	require.NoError(t, err)
	assert.Contains(t, ctx, "test.go", "should fall back to pattern generator")
	assert.Contains(t, ctx, "TestFunc")
}

func TestHybridContextGenerator_GenerateBatch_UsesLLM(t *testing.T) {
	llm := &mockContextGenerator{
		availableFn: func(ctx context.Context) bool { return true },
		generateBatchFn: func(ctx context.Context, blocks []*block.CodeBlock, docContext string) ([]string, error) {
			results := make([]string, len(blocks))
			for i := range blocks {
				results[i] = "LLM batch " + blocks[i].FilePath
			}
			return results, nil
		},
	}
	hybrid := NewHybridContextGenerator(llm, testConfigWithCodeChunks())

	blocks := []*block.CodeBlock{
		{FilePath: "a.go"},
		{FilePath: "b.go"},
	}

	contexts, err := hybrid.GenerateBatch(context.Background(), blocks, "")

	require.NoError(t, err)
	assert.Len(t, contexts, 2)
	assert.Equal(t, "LLM batch a.go", contexts[0])
	assert.Equal(t, "LLM batch b.go", contexts[1])
}

func TestHybridContextGenerator_GenerateBatch_FallsBackOnLLMError(t *testing.T) {
	llm := &mockContextGenerator{
		availableFn: func(ctx context.Context) bool { return true },
		generateBatchFn: func(ctx context.Context, blocks []*block.CodeBlock, docContext string) ([]string, error) {
			return nil, assert.AnError
		},
	}
	hybrid := NewHybridContextGenerator(llm, testConfigWithCodeChunks())

	blocks := []*block.CodeBlock{
		{FilePath: "a.go", Language: "go", BlockType: block.TypeFunction, Name: "A"},
		{FilePath: "b.go", Language: "go", BlockType: block.TypeFunction, Name: "B"},
	}

	contexts, err := hybrid.GenerateBatch(context.Background(), blocks, "")

	require.NoError(t, err)
	assert.Len(t, contexts, 2)
	assert.Contains(t, contexts[0], "a.go", "should fall back to pattern generator")
	assert.Contains(t, contexts[1], "b.go")
}
