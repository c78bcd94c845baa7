// Command semidx is a semantic code search tool backed by local vector
// indexes.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/semidx/semidx/internal/cache"
	"github.com/semidx/semidx/internal/config"
	"github.com/semidx/semidx/internal/embed"
	"github.com/semidx/semidx/internal/fts"
	"github.com/semidx/semidx/internal/index"
	"github.com/semidx/semidx/internal/mcp"
	"github.com/semidx/semidx/internal/search"
	"github.com/semidx/semidx/internal/session"
	"github.com/semidx/semidx/internal/version"
	"github.com/semidx/semidx/internal/web"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "semidx",
	Short:   "Semantic code search",
	Long:    "semidx indexes your codebase into local vector indexes and answers natural-language code searches.",
	Version: version.Version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("semidx %s\n", version.Full())
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize semidx in the current directory",
	Long:  "Creates a .semidx directory with the default configuration and the collection storage layout.",
	RunE:  runInit,
}

var indexCmd = &cobra.Command{
	Use:   "index [paths...]",
	Short: "Index files for semantic search",
	Long:  "Chunks and embeds files, storing vectors in the project's collection. Only changed files are reindexed unless --full is given.",
	RunE:  runIndex,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the indexed codebase",
	Long:  "Performs a semantic search over the indexed code. With --text, runs a full-text search instead.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index status and statistics",
	RunE:  runStatus,
}

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of indexed chunks",
	RunE:  runCount,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <file-path>...",
	Short: "Remove files from the index",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDelete,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the project and reindex on changes",
	Long:  "Watches the project tree and applies file changes to the index as they happen. Consolidation is deferred until the next search.",
	RunE:  runWatch,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API or MCP server",
	RunE:  runServe,
}

func init() {
	rootCmd.SetVersionTemplate("semidx version {{.Version}}\n")

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("collection", "code", "collection to operate on")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	initCmd.Flags().Bool("force", false, "overwrite existing configuration")

	indexCmd.Flags().Bool("full", false, "force full re-index")
	indexCmd.Flags().Bool("skip-rebuild", false, "defer index consolidation to the next search")
	indexCmd.Flags().Bool("no-text", false, "skip the full-text index")
	indexCmd.Flags().StringSlice("ignore", nil, "additional patterns to ignore")

	searchCmd.Flags().IntP("limit", "n", 10, "maximum number of results")
	searchCmd.Flags().StringP("format", "f", "default", "output format (default, json, compact)")
	searchCmd.Flags().StringP("lang", "l", "", "filter by programming language")
	searchCmd.Flags().String("file", "", "filter by file pattern (glob)")
	searchCmd.Flags().Float32("min-score", 0, "minimum similarity score (0-1)")
	searchCmd.Flags().BoolP("text", "t", false, "full-text search instead of semantic")

	statusCmd.Flags().StringP("format", "f", "default", "output format (default, json)")

	watchCmd.Flags().Duration("debounce", 500*time.Millisecond, "batching window for file change events")

	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("host", "localhost", "server host")
	serveCmd.Flags().Bool("mcp", false, "serve MCP over stdio instead of HTTP")
	serveCmd.Flags().Bool("idle-shutdown", false, "exit once an eviction check finds no cached projects")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(countCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
}

// openProject locates the project root and loads its configuration and
// session manager.
func openProject() (string, *config.Config, *session.Manager, error) {
	projectRoot, err := config.GetProjectRoot()
	if err != nil {
		return "", nil, nil, fmt.Errorf("not in a semidx project: run 'semidx init' first")
	}

	cfg, err := config.Load(projectRoot)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	sessions := session.NewManager(cfg.CollectionsDir(), cfg.GraphConfig())
	return projectRoot, cfg, sessions, nil
}

func createProvider(cfg *config.Config) (embed.Provider, error) {
	return embed.New(embed.Settings{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		URL:        cfg.Embedding.OllamaURL,
		Dimensions: cfg.Embedding.Dimensions,
	})
}

func collectionFlag(cmd *cobra.Command) string {
	coll, _ := cmd.Flags().GetString("collection")
	if coll == "" {
		return "code"
	}
	return coll
}

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	dataDir := filepath.Join(cwd, config.DefaultDataDir)
	if _, err := os.Stat(dataDir); err == nil && !force {
		return fmt.Errorf("semidx already initialized in %s (use --force to reinitialize)", cwd)
	}

	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir

	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := cfg.WriteDefaultConfig(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Initialized semidx in %s\n", dataDir)
	fmt.Printf("  Collections: %s\n", cfg.CollectionsDir())
	fmt.Printf("  Embedding provider: %s (%s)\n", cfg.Embedding.Provider, cfg.Embedding.Model)
	fmt.Printf("\nIMPORTANT: Add .semidx to your .gitignore file.\n")
	fmt.Printf("\nRun 'semidx index' to index your codebase.\n")

	return nil
}

// buildIndexer wires an indexer for the project, attaching the full-text
// index unless disabled.
func buildIndexer(cfg *config.Config, sessions *session.Manager, coll string, provider embed.Provider, extraIgnores []string, withText bool) (*index.Indexer, fts.Index, error) {
	indexerCfg := index.DefaultIndexerConfig()
	indexerCfg.ChunkSize = cfg.Indexing.ChunkSize
	indexerCfg.ChunkOverlap = cfg.Indexing.ChunkOverlap
	indexerCfg.MaxFileSize = cfg.Indexing.MaxFileSize
	indexerCfg.IgnorePatterns = append(cfg.Indexing.IgnorePatterns, extraIgnores...)

	indexer := index.NewIndexer(sessions, coll, provider, indexerCfg)

	var textIndex fts.Index
	if withText {
		ftsDir := filepath.Join(sessions.Dir(coll), search.FTSDir)
		var err error
		textIndex, err = fts.Load(ftsDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open full-text index: %w", err)
		}
		if textIndex == nil {
			textIndex, err = fts.Create(ftsDir)
			if err != nil {
				return nil, nil, fmt.Errorf("create full-text index: %w", err)
			}
		}
		indexer.SetTextIndex(textIndex)
	}

	return indexer, textIndex, nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	projectRoot, cfg, sessions, err := openProject()
	if err != nil {
		return err
	}
	coll := collectionFlag(cmd)

	provider, err := createProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}

	ctx := context.Background()
	if err := provider.Ping(ctx); err != nil {
		return fmt.Errorf("embedding provider unavailable: %w\nMake sure the provider is running and the model '%s' is available", err, cfg.Embedding.Model)
	}

	fullReindex, _ := cmd.Flags().GetBool("full")
	skipRebuild, _ := cmd.Flags().GetBool("skip-rebuild")
	noText, _ := cmd.Flags().GetBool("no-text")
	additionalIgnores, _ := cmd.Flags().GetStringSlice("ignore")

	indexer, textIndex, err := buildIndexer(cfg, sessions, coll, provider, additionalIgnores, !noText)
	if err != nil {
		return err
	}
	if textIndex != nil {
		defer textIndex.Close()
	}

	verbose, _ := rootCmd.PersistentFlags().GetBool("verbose")
	indexer.SetProgressCallback(func(p index.Progress) {
		if verbose {
			fmt.Printf("\r  %s (%d/%d files, %d chunks)",
				p.CurrentFile, p.ProcessedFiles, p.TotalFiles, p.TotalChunks)
		}
	})

	fmt.Printf("Indexing %s...\n", projectRoot)
	fmt.Printf("  Collection: %s\n", coll)
	fmt.Printf("  Model: %s\n", cfg.Embedding.Model)
	if fullReindex {
		fmt.Println("  Mode: full re-index")
	} else {
		fmt.Println("  Mode: incremental")
	}

	result, err := indexer.Index(ctx, projectRoot, index.IndexOptions{
		Paths:       args,
		Force:       fullReindex,
		SkipRebuild: skipRebuild,
	})
	if err != nil {
		return fmt.Errorf("indexing failed: %w", err)
	}

	if verbose {
		fmt.Println()
	}

	fmt.Printf("\nIndexing complete:\n")
	fmt.Printf("  Files processed: %d\n", result.FilesProcessed)
	fmt.Printf("  Files skipped (unchanged): %d\n", result.FilesSkipped)
	if result.FilesDeleted > 0 {
		fmt.Printf("  Files removed: %d\n", result.FilesDeleted)
	}
	fmt.Printf("  Chunks created: %d\n", result.ChunksCreated)
	fmt.Printf("  Update mode: %s\n", result.UpdateMode)
	fmt.Printf("  Duration: %s\n", result.Duration.Round(100*time.Millisecond))

	if len(result.Errors) > 0 {
		fmt.Printf("\nWarnings: %d\n", len(result.Errors))
		if verbose {
			for _, e := range result.Errors {
				fmt.Printf("  - %v\n", e)
			}
		}
	}

	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	_, cfg, sessions, err := openProject()
	if err != nil {
		return err
	}
	coll := collectionFlag(cmd)

	query := strings.Join(args, " ")
	limit, _ := cmd.Flags().GetInt("limit")
	format, _ := cmd.Flags().GetString("format")
	lang, _ := cmd.Flags().GetString("lang")
	filePattern, _ := cmd.Flags().GetString("file")
	minScore, _ := cmd.Flags().GetFloat32("min-score")
	textMode, _ := cmd.Flags().GetBool("text")

	provider, err := createProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}

	searcher := search.NewSearcher(sessions, cache.NewService(cfg.Cache.TTLMinutes), provider, coll)

	if textMode {
		hits, err := searcher.Text(query, limit)
		if err != nil {
			return fmt.Errorf("full-text search failed: %w", err)
		}
		if hits == nil {
			return fmt.Errorf("no full-text index for collection %q: run 'semidx index' first", coll)
		}
		for _, h := range hits {
			fmt.Printf("%s\t%.3f\n", h.ID, h.Score)
		}
		return nil
	}

	opts := search.SearchOptions{
		Limit:       limit,
		Language:    lang,
		FilePattern: filePattern,
		MinScore:    minScore,
	}

	results, err := searcher.Search(context.Background(), query, opts)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	var outputFormat search.OutputFormat
	switch format {
	case "json":
		outputFormat = search.FormatJSON
	case "compact":
		outputFormat = search.FormatCompact
	default:
		outputFormat = search.FormatDefault
	}

	fmt.Print(search.FormatResults(results, outputFormat))

	return nil
}

// statusOutput is the JSON shape of the status command.
type statusOutput struct {
	ProjectRoot    string          `json:"project_root"`
	Collection     string          `json:"collection"`
	EmbeddingModel string          `json:"embedding_model"`
	Provider       string          `json:"provider"`
	TotalChunks    int             `json:"total_chunks"`
	PendingChanges *pendingChanges `json:"pending_changes,omitempty"`
}

type pendingChanges struct {
	NewFiles      int `json:"new_files"`
	ModifiedFiles int `json:"modified_files"`
	DeletedFiles  int `json:"deleted_files"`
	TotalPending  int `json:"total_pending"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")

	projectRoot, cfg, sessions, err := openProject()
	if err != nil {
		return err
	}
	coll := collectionFlag(cmd)

	count, err := sessions.CountPoints(coll)
	if err != nil {
		return fmt.Errorf("failed to count points: %w", err)
	}

	indexerCfg := index.DefaultIndexerConfig()
	indexerCfg.ChunkSize = cfg.Indexing.ChunkSize
	indexerCfg.ChunkOverlap = cfg.Indexing.ChunkOverlap
	indexerCfg.MaxFileSize = cfg.Indexing.MaxFileSize
	indexerCfg.IgnorePatterns = append(cfg.Indexing.IgnorePatterns, indexerCfg.IgnorePatterns...)
	indexer := index.NewIndexer(sessions, coll, nil, indexerCfg)

	pending, pendingErr := indexer.GetPendingChanges(context.Background(), projectRoot)

	if format == "json" {
		output := statusOutput{
			ProjectRoot:    projectRoot,
			Collection:     coll,
			EmbeddingModel: cfg.Embedding.Model,
			Provider:       cfg.Embedding.Provider,
			TotalChunks:    count,
		}
		if pendingErr == nil {
			output.PendingChanges = &pendingChanges{
				NewFiles:      pending.NewFiles,
				ModifiedFiles: pending.ModifiedFiles,
				DeletedFiles:  pending.DeletedFiles,
				TotalPending:  pending.TotalPending,
			}
		}

		jsonBytes, err := json.MarshalIndent(output, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(jsonBytes))
		return nil
	}

	fmt.Printf("semidx status\n")
	fmt.Printf("  Project root: %s\n", projectRoot)
	fmt.Printf("  Collection: %s\n", coll)
	fmt.Printf("  Embedding model: %s (%s)\n", cfg.Embedding.Model, cfg.Embedding.Provider)
	fmt.Printf("\nIndex statistics:\n")
	fmt.Printf("  Chunks: %d\n", count)

	if pendingErr == nil {
		fmt.Printf("\nReindex status:\n")
		fmt.Printf("  New files:      %d\n", pending.NewFiles)
		fmt.Printf("  Modified files: %d\n", pending.ModifiedFiles)
		fmt.Printf("  Deleted files:  %d\n", pending.DeletedFiles)
		if pending.TotalPending > 0 {
			fmt.Printf("\nRun 'semidx index' to update the index.\n")
		}
	}

	return nil
}

func runCount(cmd *cobra.Command, args []string) error {
	_, _, sessions, err := openProject()
	if err != nil {
		return err
	}

	count, err := sessions.CountPoints(collectionFlag(cmd))
	if err != nil {
		return fmt.Errorf("failed to count points: %w", err)
	}
	fmt.Println(count)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	projectRoot, cfg, sessions, err := openProject()
	if err != nil {
		return err
	}
	coll := collectionFlag(cmd)

	indexerCfg := index.DefaultIndexerConfig()
	indexerCfg.IgnorePatterns = cfg.Indexing.IgnorePatterns
	indexer := index.NewIndexer(sessions, coll, nil, indexerCfg)

	relPaths := make([]string, 0, len(args))
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", arg, err)
		}
		rel, err := filepath.Rel(projectRoot, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("%s is outside the project root", arg)
		}
		relPaths = append(relPaths, rel)
	}

	if err := indexer.RemoveFiles(relPaths); err != nil {
		return fmt.Errorf("failed to remove files: %w", err)
	}

	fmt.Printf("Removed %d file(s) from the index.\n", len(relPaths))
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	projectRoot, cfg, sessions, err := openProject()
	if err != nil {
		return err
	}
	coll := collectionFlag(cmd)

	provider, err := createProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to create embedding provider: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := provider.Ping(ctx); err != nil {
		return fmt.Errorf("embedding provider unavailable: %w", err)
	}

	indexer, textIndex, err := buildIndexer(cfg, sessions, coll, provider, nil, true)
	if err != nil {
		return err
	}
	if textIndex != nil {
		defer textIndex.Close()
	}

	// Bring the index up to date before watching.
	if _, err := indexer.Index(ctx, projectRoot, index.IndexOptions{}); err != nil {
		return fmt.Errorf("initial index failed: %w", err)
	}

	debounce, _ := cmd.Flags().GetDuration("debounce")
	watcherCfg := index.DefaultWatcherConfig()
	watcherCfg.Debounce = debounce
	watcherCfg.IgnorePatterns = append(watcherCfg.IgnorePatterns, cfg.Indexing.IgnorePatterns...)
	watcherCfg.MaxFileSize = cfg.Indexing.MaxFileSize

	watcher, err := index.WatchAndIndex(ctx, indexer, projectRoot, watcherCfg)
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer watcher.Stop()

	fmt.Printf("Watching %s for changes (Ctrl-C to stop)...\n", projectRoot)
	<-ctx.Done()
	fmt.Println("\nStopping watcher...")
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	mcpMode, _ := cmd.Flags().GetBool("mcp")
	idleShutdown, _ := cmd.Flags().GetBool("idle-shutdown")
	coll := collectionFlag(cmd)

	// MCP mode can start without a project; semidx_init activates one later.
	projectRoot, projectErr := config.GetProjectRoot()

	var cfg *config.Config
	var sessions *session.Manager
	var provider embed.Provider

	if projectErr == nil {
		var err error
		cfg, err = config.Load(projectRoot)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		sessions = session.NewManager(cfg.CollectionsDir(), cfg.GraphConfig())
		provider, err = createProvider(cfg)
		if err != nil {
			return fmt.Errorf("failed to create embedding provider: %w", err)
		}
	} else if !mcpMode {
		return fmt.Errorf("not in a semidx project: run 'semidx init' first")
	}

	ctx, cancel := signalContext()
	defer cancel()

	ttlMinutes := 0
	checkInterval := time.Minute
	if cfg != nil {
		ttlMinutes = cfg.Cache.TTLMinutes
		if cfg.Cache.CheckIntervalSeconds > 0 {
			checkInterval = time.Duration(cfg.Cache.CheckIntervalSeconds) * time.Second
		}
	}
	cacheSvc := cache.NewService(ttlMinutes)

	// Cache entries are keyed by collection directory; release exactly the
	// evicted collection's in-memory graph, not whichever one is configured.
	evictorOpts := []cache.EvictorOption{
		cache.WithEvictHook(func(projectPath string) {
			if sessions != nil {
				sessions.ReleaseDir(projectPath)
			}
		}),
	}
	if idleShutdown {
		evictorOpts = append(evictorOpts, cache.WithIdleShutdown(cancel))
	}
	evictor := cache.NewEvictor(cacheSvc, checkInterval, evictorOpts...)
	evictor.Start()
	defer evictor.Stop()

	if mcpMode {
		mcpServer := mcp.NewServer(mcp.ServerConfig{
			Sessions:    sessions, // nil if not initialized
			Cache:       cacheSvc,
			Provider:    provider,    // nil if not initialized
			ProjectRoot: projectRoot, // empty if not initialized
			Collection:  coll,
		})
		return mcpServer.Run(ctx)
	}

	apiServer := web.NewServer(web.ServerConfig{
		Host:        host,
		Port:        port,
		Sessions:    sessions,
		Cache:       cacheSvc,
		Provider:    provider,
		Collection:  coll,
		Collections: listCollections(cfg.CollectionsDir(), coll),
	})

	// Pre-embed common queries so first searches hit the embedding cache.
	go apiServer.Warmup(ctx)

	fmt.Printf("Starting API server on http://%s:%d\n", host, port)
	fmt.Printf("  Project: %s\n", projectRoot)

	errChan := make(chan error, 1)
	go func() {
		errChan <- apiServer.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return nil
	}
}

// listCollections names every collection directory under root. The fallback
// collection is always included so serving works before any indexing.
func listCollections(root, fallback string) []string {
	names := []string{fallback}
	entries, err := os.ReadDir(root)
	if err != nil {
		return names
	}
	for _, e := range entries {
		if e.IsDir() && e.Name() != fallback {
			names = append(names, e.Name())
		}
	}
	return names
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()

	return ctx, cancel
}
