package index

import (
	"fmt"
	"strings"
	"testing"
)

func TestNewChunker(t *testing.T) {
	// Test with default config
	c := NewChunker(ChunkerConfig{})
	if c.config.ChunkSize != DefaultChunkerConfig().ChunkSize {
		t.Errorf("Expected default ChunkSize %d, got %d", DefaultChunkerConfig().ChunkSize, c.config.ChunkSize)
	}
	if c.config.ChunkOverlap != DefaultChunkerConfig().ChunkOverlap {
		t.Errorf("Expected default ChunkOverlap %d, got %d", DefaultChunkerConfig().ChunkOverlap, c.config.ChunkOverlap)
	}

	// Test with custom config
	c = NewChunker(ChunkerConfig{ChunkSize: 100, ChunkOverlap: 20})
	if c.config.ChunkSize != 100 {
		t.Errorf("Expected ChunkSize 100, got %d", c.config.ChunkSize)
	}
	if c.config.ChunkOverlap != 20 {
		t.Errorf("Expected ChunkOverlap 20, got %d", c.config.ChunkOverlap)
	}

	// Overlap at least chunk size falls back to the default
	c = NewChunker(ChunkerConfig{ChunkSize: 10, ChunkOverlap: 10})
	if c.config.ChunkOverlap != DefaultChunkerConfig().ChunkOverlap {
		t.Errorf("Expected overlap reset to default, got %d", c.config.ChunkOverlap)
	}
}

func TestChunkFile_EmptyContent(t *testing.T) {
	c := NewChunker(DefaultChunkerConfig())
	chunks := c.ChunkFile("", "test.go")
	if chunks != nil {
		t.Error("Expected nil for empty content")
	}
}

func TestChunkFile_SmallFile(t *testing.T) {
	c := NewChunker(DefaultChunkerConfig())
	content := `package main

func Hello() string {
	return "Hello, World!"
}
`
	chunks := c.ChunkFile(content, "main.go")
	if len(chunks) != 1 {
		t.Fatalf("Expected one chunk for a small file, got %d", len(chunks))
	}
	chunk := chunks[0]
	if chunk.StartLine != 1 {
		t.Errorf("StartLine = %d, want 1", chunk.StartLine)
	}
	if chunk.EndLine != 5 {
		t.Errorf("EndLine = %d, want 5", chunk.EndLine)
	}
	if chunk.Symbol != "Hello" {
		t.Errorf("Symbol = %q, want Hello", chunk.Symbol)
	}
}

func TestChunkFile_Overlap(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 10, ChunkOverlap: 3})

	var sb strings.Builder
	for i := 1; i <= 25; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	chunks := c.ChunkFile(sb.String(), "notes.txt")
	if len(chunks) < 2 {
		t.Fatalf("Expected multiple chunks, got %d", len(chunks))
	}

	// Consecutive chunks share ChunkOverlap lines: each starts overlap
	// lines before the previous end.
	for i := 1; i < len(chunks); i++ {
		want := chunks[i-1].EndLine - 3 + 1
		if chunks[i].StartLine != want {
			t.Errorf("chunk %d starts at %d, want %d (3-line overlap with end %d)",
				i, chunks[i].StartLine, want, chunks[i-1].EndLine)
		}
	}

	// Last chunk reaches the end of the file
	if chunks[len(chunks)-1].EndLine != 25 {
		t.Errorf("last chunk ends at %d, want 25", chunks[len(chunks)-1].EndLine)
	}
}

func TestChunkFile_BreaksAtBlankLine(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 10, ChunkOverlap: 2})

	var sb strings.Builder
	for i := 1; i <= 20; i++ {
		if i == 8 {
			sb.WriteString("\n")
			continue
		}
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	chunks := c.ChunkFile(sb.String(), "notes.txt")
	if len(chunks) < 2 {
		t.Fatalf("Expected multiple chunks, got %d", len(chunks))
	}
	if chunks[0].EndLine != 8 {
		t.Errorf("first chunk ends at %d, want the blank line at 8", chunks[0].EndLine)
	}
}

func TestChunkFile_Symbols(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
		symbol   string
	}{
		{
			name:     "go function",
			filename: "main.go",
			content:  "package main\n\nfunc Hello() string {\n\treturn \"hi\"\n}\n",
			symbol:   "Hello",
		},
		{
			name:     "go method",
			filename: "main.go",
			content:  "package main\n\nfunc (s *Server) Handle() {}\n",
			symbol:   "Handle",
		},
		{
			name:     "python class",
			filename: "app.py",
			content:  "class MyClass:\n    def __init__(self):\n        pass\n",
			symbol:   "MyClass",
		},
		{
			name:     "rust function",
			filename: "main.rs",
			content:  "fn main() {\n    println!(\"hi\");\n}\n",
			symbol:   "main",
		},
		{
			name:     "plain text has no symbol",
			filename: "notes.txt",
			content:  "just some notes\nnothing else\n",
			symbol:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChunker(DefaultChunkerConfig())
			chunks := c.ChunkFile(tt.content, tt.filename)
			if len(chunks) == 0 {
				t.Fatal("Expected at least one chunk")
			}
			if chunks[0].Symbol != tt.symbol {
				t.Errorf("Symbol = %q, want %q", chunks[0].Symbol, tt.symbol)
			}
		})
	}
}

func TestChunkID(t *testing.T) {
	chunk := Chunk{StartLine: 42}
	if got := chunk.ID("src/main.go"); got != "src/main.go#42" {
		t.Errorf("ID = %q, want src/main.go#42", got)
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		filename string
		expected Language
	}{
		{"main.go", LangGo},
		{"main.py", LangPython},
		{"app.js", LangJavaScript},
		{"app.ts", LangTypeScript},
		{"app.tsx", LangTypeScript},
		{"main.rs", LangRust},
		{"Main.java", LangJava},
		{"main.c", LangC},
		{"main.cpp", LangCPP},
		{"app.rb", LangRuby},
		{"script.sh", LangShell},
		{"README.md", LangMarkdown},
		{"config.json", LangJSON},
		{"config.yaml", LangYAML},
		{"config.yml", LangYAML},
		{"Makefile", LangShell},
		{"Dockerfile", LangShell},
		{"unknown.xyz", LangUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got := DetectLanguage(tt.filename)
			if got != tt.expected {
				t.Errorf("DetectLanguage(%q) = %q, want %q", tt.filename, got, tt.expected)
			}
		})
	}
}

func TestIsTextFile(t *testing.T) {
	tests := []struct {
		name     string
		content  []byte
		expected bool
	}{
		{"empty", []byte{}, true},
		{"text", []byte("Hello, World!"), true},
		{"utf8", []byte("こんにちは"), true},
		{"binary with null", []byte{0x00, 0x01, 0x02}, false},
		{"mixed with null", []byte("Hello\x00World"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsTextFile(tt.content)
			if got != tt.expected {
				t.Errorf("IsTextFile() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestChunk_LineNumbers(t *testing.T) {
	c := NewChunker(ChunkerConfig{ChunkSize: 12, ChunkOverlap: 4})

	var sb strings.Builder
	for i := 1; i <= 100; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	chunks := c.ChunkFile(sb.String(), "main.go")

	for _, chunk := range chunks {
		if chunk.StartLine < 1 {
			t.Errorf("StartLine should be >= 1, got %d", chunk.StartLine)
		}
		if chunk.EndLine < chunk.StartLine {
			t.Errorf("EndLine (%d) should be >= StartLine (%d)", chunk.EndLine, chunk.StartLine)
		}
	}
}
