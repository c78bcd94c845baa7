// Package mcp exposes semidx over the Model Context Protocol using the
// official SDK.
package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/semidx/semidx/internal/cache"
	"github.com/semidx/semidx/internal/config"
	"github.com/semidx/semidx/internal/embed"
	"github.com/semidx/semidx/internal/index"
	"github.com/semidx/semidx/internal/search"
	"github.com/semidx/semidx/internal/session"
	"github.com/semidx/semidx/internal/version"
)

// DefaultCollection is the collection used when a tool call does not name one.
const DefaultCollection = "code"

// InitInput is the input for semidx_init.
type InitInput struct {
	Path  string `json:"path" jsonschema:"REQUIRED - Full absolute path to the project directory. Get this from the current working directory the user is in."`
	Force bool   `json:"force,omitempty" jsonschema:"Overwrite existing configuration if present."`
}

// SearchInput is the input for semidx_search.
type SearchInput struct {
	Query       string  `json:"query" jsonschema:"The search query. Can be natural language description of what you're looking for."`
	Limit       int     `json:"limit,omitempty" jsonschema:"Maximum number of results to return."`
	Language    string  `json:"language,omitempty" jsonschema:"Filter results by programming language."`
	FilePattern string  `json:"file_pattern,omitempty" jsonschema:"Filter results by file path pattern (glob)."`
	MinScore    float32 `json:"min_score,omitempty" jsonschema:"Minimum similarity score between 0 and 1."`
}

// IndexInput is the input for semidx_index.
type IndexInput struct {
	Paths []string `json:"paths,omitempty" jsonschema:"Specific paths to index. If empty indexes the entire project."`
	Force bool     `json:"force,omitempty" jsonschema:"Force re-indexing of all files even if unchanged."`
}

// StatusInput is the input for semidx_status (empty).
type StatusInput struct{}

// Server wraps the official MCP SDK server around a project's indexes.
type Server struct {
	server      *sdkmcp.Server
	sessions    *session.Manager
	cache       *cache.Service
	provider    embed.Provider
	projectRoot string
	collection  string
	searcher    *search.Searcher
	initialized bool
}

// ServerConfig contains configuration for the MCP server. Sessions and
// Provider may be nil; semidx_init wires them once the client names a
// project.
type ServerConfig struct {
	Sessions    *session.Manager
	Cache       *cache.Service
	Provider    embed.Provider
	ProjectRoot string
	Collection  string
}

// NewServer creates a new MCP server.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		sessions:    cfg.Sessions,
		cache:       cfg.Cache,
		provider:    cfg.Provider,
		projectRoot: cfg.ProjectRoot,
		collection:  cfg.Collection,
		initialized: cfg.Sessions != nil && cfg.ProjectRoot != "",
	}
	if s.collection == "" {
		s.collection = DefaultCollection
	}
	if s.cache == nil {
		s.cache = cache.NewService(0)
	}
	if s.initialized {
		s.searcher = search.NewSearcher(cfg.Sessions, s.cache, cfg.Provider, s.collection)
	}

	s.server = sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "semidx",
		Version: version.Version,
	}, &sdkmcp.ServerOptions{
		Instructions: "semidx provides semantic code search using vector embeddings. " +
			"IMPORTANT: You must run semidx_init first with the project path to activate the project. " +
			"Example: semidx_init with path=\"/path/to/project\". " +
			"This is required even if the project was previously initialized via CLI. " +
			"After activation, use semidx_search to find code, semidx_index to index files, " +
			"and semidx_status to check statistics.",
	})

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "semidx_init",
		Description: "REQUIRED FIRST STEP: Activate semidx for a project. Run this before using any other semidx tools. If a .semidx folder exists, it activates the existing index. If not, it creates a new one. Must be run each session to tell semidx which project to use.",
	}, s.handleInit)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "semidx_search",
		Description: "Perform semantic search across the indexed codebase. Returns code chunks that are semantically similar to the query.",
	}, s.handleSearch)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "semidx_index",
		Description: "Index files in the project for semantic search. Only indexes files that have changed since the last index.",
	}, s.handleIndex)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "semidx_status",
		Description: "Get statistics about the search index, including chunk counts and embedding configuration.",
	}, s.handleStatus)

	return s
}

// Run starts the MCP server on stdio.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &sdkmcp.StdioTransport{})
}

func textResult(text string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: text}},
	}
}

func errorResult(text string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: text}},
		IsError: true,
	}
}

// handleInit handles the semidx_init tool.
func (s *Server) handleInit(ctx context.Context, req *sdkmcp.CallToolRequest, input InitInput) (*sdkmcp.CallToolResult, any, error) {
	path := input.Path
	if path == "" {
		return errorResult("Error: 'path' parameter is required.\n\nPlease specify the full path to the project directory you want to initialize.\nExample: semidx_init with path=\"/Users/you/projects/myproject\""), nil, nil
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to resolve path: %v", err)), nil, nil
	}
	path = absPath

	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return errorResult(fmt.Sprintf("Directory does not exist: %s", path)), nil, nil
	}

	dataDir := filepath.Join(path, config.DefaultDataDir)

	if _, err := os.Stat(dataDir); err == nil && !input.Force {
		// Already initialized, just activate this project.
		return s.activateProject(path)
	}

	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	if err := cfg.EnsureDataDir(); err != nil {
		return errorResult(fmt.Sprintf("Failed to create data directory: %v", err)), nil, nil
	}
	if err := cfg.WriteDefaultConfig(); err != nil {
		return errorResult(fmt.Sprintf("Failed to write config: %v", err)), nil, nil
	}

	return s.activateProject(path)
}

// activateProject points the server at the given project's indexes.
func (s *Server) activateProject(projectPath string) (*sdkmcp.CallToolResult, any, error) {
	cfg, err := config.Load(projectPath)
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to load config: %v", err)), nil, nil
	}

	provider, err := embed.New(embed.Settings{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		URL:        cfg.Embedding.OllamaURL,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("Failed to create embedding provider: %v", err)), nil, nil
	}

	s.sessions = session.NewManager(cfg.CollectionsDir(), cfg.GraphConfig())
	s.provider = provider
	s.projectRoot = projectPath
	s.searcher = search.NewSearcher(s.sessions, s.cache, provider, s.collection)
	s.initialized = true

	// Pre-embed common queries so the first searches hit the embedding cache.
	go s.searcher.Warmup(context.Background())

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Activated semidx project: %s\n\n", projectPath))
	sb.WriteString(fmt.Sprintf("- Collections dir: %s\n", cfg.CollectionsDir()))
	sb.WriteString(fmt.Sprintf("- Embedding provider: %s (%s)\n", cfg.Embedding.Provider, cfg.Embedding.Model))

	count, err := s.searcher.Count()
	if err == nil && count > 0 {
		sb.WriteString(fmt.Sprintf("\nIndex stats: %d chunks\n", count))
	} else {
		sb.WriteString("\nNext step: Run semidx_index to index your codebase.")
	}

	return textResult(sb.String()), nil, nil
}

// checkProvider verifies the embedding backend is reachable.
func (s *Server) checkProvider(ctx context.Context) *sdkmcp.CallToolResult {
	if s.provider == nil {
		return errorResult("Embedding provider not configured. Run semidx_init first.")
	}

	if err := s.provider.Ping(ctx); err != nil {
		var sb strings.Builder
		sb.WriteString("The embedding backend is not running or not reachable.\n\n")
		sb.WriteString("To fix this:\n")
		sb.WriteString("1. Install Ollama: https://ollama.ai\n")
		sb.WriteString("2. Start Ollama:\n")
		sb.WriteString("   OLLAMA_HOST=0.0.0.0 ollama serve\n")
		sb.WriteString("3. Pull the embedding model:\n")
		sb.WriteString("   ollama pull nomic-embed-text\n")
		sb.WriteString(fmt.Sprintf("\nError: %v", err))
		return errorResult(sb.String())
	}
	return nil
}

// handleSearch handles the semidx_search tool.
func (s *Server) handleSearch(ctx context.Context, req *sdkmcp.CallToolRequest, input SearchInput) (*sdkmcp.CallToolResult, any, error) {
	if !s.initialized {
		return errorResult("semidx is not initialized. Run semidx_init first."), nil, nil
	}
	if errResult := s.checkProvider(ctx); errResult != nil {
		return errResult, nil, nil
	}
	if input.Query == "" {
		return errorResult("query parameter is required"), nil, nil
	}

	opts := search.DefaultSearchOptions()
	if input.Limit > 0 {
		opts.Limit = input.Limit
	}
	if input.Language != "" {
		opts.Language = input.Language
	}
	if input.FilePattern != "" {
		opts.FilePattern = input.FilePattern
	}
	if input.MinScore > 0 {
		opts.MinScore = input.MinScore
	}

	results, err := s.searcher.Search(ctx, input.Query, opts)
	if err != nil {
		return errorResult(fmt.Sprintf("Search error: %v", err)), nil, nil
	}
	if len(results) == 0 {
		return textResult("No results found."), nil, nil
	}

	return textResult(formatSearchResults(results)), nil, nil
}

// formatSearchResults renders results as markdown for the MCP client.
func formatSearchResults(results []search.Result) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d results:\n\n", len(results)))

	for i, r := range results {
		sb.WriteString(fmt.Sprintf("### Result %d (score: %.2f)\n", i+1, r.Score))
		sb.WriteString(fmt.Sprintf("**File:** %s (lines %d-%d)\n", r.RelativePath, r.StartLine, r.EndLine))
		if r.Symbol != "" {
			sb.WriteString(fmt.Sprintf("**Symbol:** %s\n", r.Symbol))
		}
		if r.Language != "" && r.Language != "unknown" {
			sb.WriteString(fmt.Sprintf("**Language:** %s\n", r.Language))
		}
		sb.WriteString("\n```")
		if r.Language != "" && r.Language != "unknown" {
			sb.WriteString(r.Language)
		}
		sb.WriteString("\n")
		sb.WriteString(r.Content)
		sb.WriteString("\n```\n\n")
	}
	return sb.String()
}

// handleIndex handles the semidx_index tool.
func (s *Server) handleIndex(ctx context.Context, req *sdkmcp.CallToolRequest, input IndexInput) (*sdkmcp.CallToolResult, any, error) {
	if !s.initialized {
		return errorResult("semidx is not initialized. Run semidx_init first."), nil, nil
	}
	if errResult := s.checkProvider(ctx); errResult != nil {
		return errResult, nil, nil
	}

	indexer := index.NewIndexer(s.sessions, s.collection, s.provider, index.DefaultIndexerConfig())

	result, err := indexer.Index(ctx, s.projectRoot, index.IndexOptions{
		Paths: input.Paths,
		Force: input.Force,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("Indexing error: %v", err)), nil, nil
	}

	var sb strings.Builder
	sb.WriteString("Indexing complete:\n")
	sb.WriteString(fmt.Sprintf("- Files processed: %d\n", result.FilesProcessed))
	sb.WriteString(fmt.Sprintf("- Files skipped (unchanged): %d\n", result.FilesSkipped))
	if result.FilesDeleted > 0 {
		sb.WriteString(fmt.Sprintf("- Files removed: %d\n", result.FilesDeleted))
	}
	sb.WriteString(fmt.Sprintf("- Chunks created: %d\n", result.ChunksCreated))
	sb.WriteString(fmt.Sprintf("- Update mode: %s\n", result.UpdateMode))
	sb.WriteString(fmt.Sprintf("- Duration: %s\n", result.Duration))

	if len(result.Errors) > 0 {
		sb.WriteString(fmt.Sprintf("\nWarnings/Errors: %d\n", len(result.Errors)))
		for _, e := range result.Errors {
			sb.WriteString(fmt.Sprintf("  - %v\n", e))
		}
	}

	return textResult(sb.String()), nil, nil
}

// handleStatus handles the semidx_status tool.
func (s *Server) handleStatus(ctx context.Context, req *sdkmcp.CallToolRequest, input StatusInput) (*sdkmcp.CallToolResult, any, error) {
	if !s.initialized {
		return errorResult("semidx is not initialized. Run semidx_init first."), nil, nil
	}

	stats, err := s.searcher.Stats()
	if err != nil {
		return errorResult(fmt.Sprintf("Error getting stats: %v", err)), nil, nil
	}

	var sb strings.Builder
	sb.WriteString("Index Statistics:\n\n")
	sb.WriteString(fmt.Sprintf("Collection: %v\n", stats["collection"]))
	sb.WriteString(fmt.Sprintf("Total chunks: %v\n", stats["total_chunks"]))
	sb.WriteString(fmt.Sprintf("Embedding model: %v (%v dims)\n", stats["embedding_model"], stats["embedding_dimensions"]))

	if s.cache != nil {
		sb.WriteString(fmt.Sprintf("Cached projects: %d\n", s.cache.Len()))
	}

	return textResult(sb.String()), nil, nil
}
