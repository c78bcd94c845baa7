// Package index provides file chunking and indexing for semantic search.
package index

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Chunk is a contiguous slice of a file prepared for embedding. Lines are
// 1-indexed and inclusive.
type Chunk struct {
	Content   string
	StartLine int
	EndLine   int
	Symbol    string
}

// ID returns the chunk's point identifier: the file's relative path plus the
// starting line, e.g. "src/main.go#42".
func (c Chunk) ID(relPath string) string {
	return fmt.Sprintf("%s#%d", relPath, c.StartLine)
}

// ChunkerConfig holds configuration for the chunker.
type ChunkerConfig struct {
	// ChunkSize is the target chunk size in lines.
	ChunkSize int
	// ChunkOverlap is how many lines consecutive chunks share.
	ChunkOverlap int
}

// DefaultChunkerConfig returns default chunker configuration.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		ChunkSize:    60,
		ChunkOverlap: 10,
	}
}

// Chunker splits files into overlapping line windows, preferring breaks at
// blank lines and recording the enclosing symbol when one is recognizable.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker creates a new Chunker with the given configuration.
func NewChunker(cfg ChunkerConfig) *Chunker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkerConfig().ChunkSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = DefaultChunkerConfig().ChunkOverlap
	}
	return &Chunker{config: cfg}
}

// ChunkFile splits file content into chunks.
func (c *Chunker) ChunkFile(content, filename string) []Chunk {
	if content == "" {
		return nil
	}

	lines := strings.Split(content, "\n")
	// A trailing newline leaves an empty final element; drop it.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if len(lines) == 0 {
		return nil
	}

	lang := DetectLanguage(filename)

	var chunks []Chunk
	for start := 0; start < len(lines); {
		end := start + c.config.ChunkSize
		if end > len(lines) {
			end = len(lines)
		}

		// Prefer to break at a blank line in the second half of the window.
		if end < len(lines) {
			for i := end - 1; i > start+c.config.ChunkSize/2; i-- {
				if strings.TrimSpace(lines[i]) == "" {
					end = i + 1
					break
				}
			}
		}

		chunks = append(chunks, Chunk{
			Content:   strings.Join(lines[start:end], "\n"),
			StartLine: start + 1,
			EndLine:   end,
			Symbol:    enclosingSymbol(lines[start:end], lang),
		})

		if end == len(lines) {
			break
		}
		start = end - c.config.ChunkOverlap
	}

	return chunks
}

// enclosingSymbol scans a window for the first definition line and returns
// its name, or empty when no definition is recognized.
func enclosingSymbol(lines []string, lang Language) string {
	prefixes := definitionPrefixes[lang]
	if len(prefixes) == 0 {
		return ""
	}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		for _, p := range prefixes {
			if strings.HasPrefix(trimmed, p) {
				if name := symbolName(trimmed[len(p):]); name != "" {
					return name
				}
			}
		}
	}
	return ""
}

// symbolName reads an identifier from the start of s. Go method receivers
// start with a parenthesized clause that is skipped first.
func symbolName(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "(") {
		if i := strings.Index(s, ")"); i >= 0 {
			s = strings.TrimSpace(s[i+1:])
		}
	}
	var name strings.Builder
	for _, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			name.WriteRune(r)
			continue
		}
		break
	}
	return name.String()
}

// Language represents a programming language.
type Language string

const (
	LangGo         Language = "go"
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangRust       Language = "rust"
	LangJava       Language = "java"
	LangC          Language = "c"
	LangCPP        Language = "cpp"
	LangRuby       Language = "ruby"
	LangShell      Language = "shell"
	LangMarkdown   Language = "markdown"
	LangJSON       Language = "json"
	LangYAML       Language = "yaml"
	LangUnknown    Language = "unknown"
)

var definitionPrefixes = map[Language][]string{
	LangGo:         {"func ", "type "},
	LangPython:     {"def ", "async def ", "class "},
	LangJavaScript: {"function ", "class "},
	LangTypeScript: {"function ", "class ", "interface "},
	LangRust:       {"fn ", "pub fn ", "struct ", "impl "},
	LangJava:       {"class ", "interface "},
	LangRuby:       {"def ", "class ", "module "},
}

var languageExtensions = map[string]Language{
	".go":   LangGo,
	".py":   LangPython,
	".js":   LangJavaScript,
	".mjs":  LangJavaScript,
	".jsx":  LangJavaScript,
	".ts":   LangTypeScript,
	".tsx":  LangTypeScript,
	".rs":   LangRust,
	".java": LangJava,
	".c":    LangC,
	".h":    LangC,
	".cpp":  LangCPP,
	".cc":   LangCPP,
	".hpp":  LangCPP,
	".rb":   LangRuby,
	".sh":   LangShell,
	".bash": LangShell,
	".zsh":  LangShell,
	".md":   LangMarkdown,
	".json": LangJSON,
	".yaml": LangYAML,
	".yml":  LangYAML,
}

// DetectLanguage detects the programming language from a filename.
func DetectLanguage(filename string) Language {
	ext := strings.ToLower(filepath.Ext(filename))
	if lang, ok := languageExtensions[ext]; ok {
		return lang
	}

	base := strings.ToLower(filepath.Base(filename))
	switch {
	case base == "makefile" || base == "gnumakefile":
		return LangShell
	case base == "dockerfile" || strings.HasPrefix(base, "dockerfile."):
		return LangShell
	}
	return LangUnknown
}

// IsTextFile checks if content appears to be text (not binary).
func IsTextFile(content []byte) bool {
	if len(content) == 0 {
		return true
	}

	// Check the first 8KB for null bytes or invalid UTF-8.
	sample := content
	if len(sample) > 8192 {
		sample = sample[:8192]
	}
	for _, b := range sample {
		if b == 0 {
			return false
		}
	}
	return utf8.Valid(sample)
}
