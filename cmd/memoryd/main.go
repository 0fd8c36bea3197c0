// Command memoryd runs the memory engine as an MCP (Model Context
// Protocol) server over stdio, exposing memory_store, memory_recall,
// memory_forget, and the rest of the Engine's operations as tools for an
// MCP client.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	memory "github.com/markus-lassfolk/openclaw-hybrid-memory-sub001"
	"github.com/markus-lassfolk/openclaw-hybrid-memory-sub001/classify"
	"github.com/markus-lassfolk/openclaw-hybrid-memory-sub001/graph"
	"github.com/markus-lassfolk/openclaw-hybrid-memory-sub001/mcpserver"
	"github.com/markus-lassfolk/openclaw-hybrid-memory-sub001/scheduler"
	"github.com/markus-lassfolk/openclaw-hybrid-memory-sub001/vectorindex"
)

var (
	dataDir       string
	ollamaURL     string
	ollamaModel   string
	anthropicKey  string
	anthropicModl string
	disableWAL    bool
	enableGraph   bool
	vectorBackend string
	pgvectorDSN   string
	pgvectorDim   int
)

func main() {
	root := &cobra.Command{
		Use:   "memoryd",
		Short: "Run the memory engine as an MCP server over stdio",
		RunE:  run,
	}

	root.Flags().StringVar(&dataDir, "data-dir", defaultDataDir(), "directory holding facts.db and memory.wal")
	root.Flags().StringVar(&ollamaURL, "ollama-url", "http://localhost:11434", "Ollama base URL for embeddings")
	root.Flags().StringVar(&ollamaModel, "ollama-model", "nomic-embed-text", "Ollama embedding model")
	root.Flags().StringVar(&anthropicKey, "anthropic-key", os.Getenv("ANTHROPIC_API_KEY"), "Anthropic API key for reclassify/reflect (optional)")
	root.Flags().StringVar(&anthropicModl, "anthropic-model", "claude-3-5-haiku-20241022", "Anthropic model for reclassify/reflect")
	root.Flags().BoolVar(&disableWAL, "disable-wal", false, "disable the write-ahead log (testing only)")
	root.Flags().BoolVar(&enableGraph, "enable-graph", false, "enable graph-edge spreading-activation boost in recall")
	root.Flags().StringVar(&vectorBackend, "vector-backend", "sqlite", "vector index backend: sqlite (brute-force, in-process) or pgvector")
	root.Flags().StringVar(&pgvectorDSN, "pgvector-dsn", "", "Postgres connection string, required when --vector-backend=pgvector")
	root.Flags().IntVar(&pgvectorDim, "pgvector-dim", 768, "embedding dimensionality for the pgvector index")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "memoryd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".memoryd"
	}
	return filepath.Join(home, ".local", "share", "memoryd")
}

func run(cmd *cobra.Command, args []string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync()

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "facts.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	// memory.SQLiteStore serializes writes through its own mutex; a single
	// connection avoids SQLITE_BUSY from the driver's own pool.
	db.SetMaxOpenConns(1)

	embedder := memory.NewOllamaEmbedder(ollamaURL, ollamaModel)

	store, err := memory.NewSQLiteStore(db, embedder)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	switch vectorBackend {
	case "sqlite":
		// default brute-force scan already wired into store; nothing to attach.
	case "pgvector":
		if pgvectorDSN == "" {
			return fmt.Errorf("--pgvector-dsn is required when --vector-backend=pgvector")
		}
		idx, err := vectorindex.Open(context.Background(), pgvectorDSN, pgvectorDim)
		if err != nil {
			return fmt.Errorf("opening pgvector index: %w", err)
		}
		defer idx.Close()
		store.SetVectorIndex(idx)
	default:
		return fmt.Errorf("unknown --vector-backend %q (want sqlite or pgvector)", vectorBackend)
	}

	classifier := classify.New()
	if anthropicKey != "" {
		classifier.SetGenerator(memory.NewAnthropicGenerator(anthropicKey, anthropic.Model(anthropicModl)))
	}

	var graphBooster memory.GraphBooster
	if enableGraph {
		graphBooster = graph.New(db)
	}

	eng, err := memory.NewEngine(memory.EngineConfig{
		DataDir:    dataDir,
		Embedder:   embedder,
		Classifier: classifier,
		DisableWAL: disableWAL,
		Logger:     log,
	}, store, graphBooster)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(store, classifier, scheduler.Config{}, log)
	if anthropicKey != "" {
		sched.SetReflector(eng.NewReflector(memory.NewAnthropicGenerator(anthropicKey, anthropic.Model(anthropicModl))))
	}
	go sched.Run(ctx)

	srv := mcpserver.NewMemoryServer(eng)
	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "memoryd", Version: "0.1.0"}, nil)
	srv.Register(mcpSrv)

	log.Info("memoryd starting", zap.String("data_dir", dataDir))
	return mcpSrv.Run(ctx, &mcp.StdioTransport{})
}
