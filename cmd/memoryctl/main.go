// Command memoryctl provides CLI access to a memory engine's data
// directory: export/import, and on-demand prune/compact/stats/verify
// maintenance.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	memory "github.com/markus-lassfolk/openclaw-hybrid-memory-sub001"
	"github.com/markus-lassfolk/openclaw-hybrid-memory-sub001/classify"
	"github.com/markus-lassfolk/openclaw-hybrid-memory-sub001/scheduler"
)

func main() {
	root := &cobra.Command{
		Use:   "memoryctl",
		Short: "Export, import, and maintain a memory engine's data directory",
	}
	root.PersistentFlags().String("data-dir", defaultDataDir(), "directory holding facts.db")
	viper.BindPFlag("data-dir", root.PersistentFlags().Lookup("data-dir"))
	viper.SetEnvPrefix("memoryctl")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	root.AddCommand(exportCmd(), importCmd(), pruneCmd(), compactCmd(), statsCmd(), verifyCmd())

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

func openStore() (memory.Store, *sql.DB, error) {
	dataDir := viper.GetString("data-dir")
	dbPath := filepath.Join(dataDir, "facts.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("database not found: %s", dbPath)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(1)

	store, err := memory.NewSQLiteStore(db, nil)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

func exportCmd() *cobra.Command {
	var output, format string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export all facts to JSON or YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			data, err := memory.Export(context.Background(), store)
			if err != nil {
				return fmt.Errorf("export: %w", err)
			}

			var buf []byte
			switch format {
			case "yaml":
				buf, err = yaml.Marshal(data)
			case "json", "":
				buf, err = memory.MarshalExport(data)
			default:
				return fmt.Errorf("unknown format %q (want json or yaml)", format)
			}
			if err != nil {
				return fmt.Errorf("marshal: %w", err)
			}

			if output != "" {
				if err := os.WriteFile(output, buf, 0o600); err != nil {
					return fmt.Errorf("write: %w", err)
				}
				fmt.Fprintf(os.Stderr, "Exported %d facts to %s\n", len(data.Facts), output)
				return nil
			}
			os.Stdout.Write(buf)
			os.Stdout.Write([]byte("\n"))
			fmt.Fprintf(os.Stderr, "Exported %d facts\n", len(data.Facts))
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "write to file instead of stdout")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or yaml")
	return cmd
}

func importCmd() *cobra.Command {
	var skipDuplicates bool
	cmd := &cobra.Command{
		Use:   "import <file.json|file.yaml>",
		Short: "Import facts from a JSON or YAML export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			var data memory.ExportData
			switch filepath.Ext(args[0]) {
			case ".yaml", ".yml":
				err = yaml.Unmarshal(raw, &data)
			default:
				err = json.Unmarshal(raw, &data)
			}
			if err != nil {
				return fmt.Errorf("parse: %w", err)
			}

			store, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := memory.Import(context.Background(), store, &data, memory.ImportOpts{SkipDuplicates: skipDuplicates})
			if err != nil {
				return fmt.Errorf("import: %w", err)
			}
			fmt.Printf("Imported %d facts, skipped %d duplicates.\n", result.Imported, result.Skipped)
			if len(result.Errors) > 0 {
				fmt.Fprintf(os.Stderr, "%d errors during import:\n", len(result.Errors))
				for _, e := range result.Errors {
					fmt.Fprintf(os.Stderr, "  %v\n", e)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipDuplicates, "skip-duplicates", false, "skip facts that already exist")
	return cmd
}

func pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Run one maintenance pass: delete expired facts, decay confidence, compact tiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			sched := scheduler.New(store, classify.New(), scheduler.Config{}, nil)
			sched.RunOnce(context.Background())
			fmt.Println("Prune complete.")
			return nil
		},
	}
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Backfill missing embeddings",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := store.EmbedFacts(context.Background(), 32)
			if err != nil {
				return fmt.Errorf("compact: %w", err)
			}
			fmt.Printf("Embedded %d facts.\n", n)
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show fact counts by tier, category, and decay class",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			stats, err := store.Stats(context.Background())
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			buf, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(buf))
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check store invariants, reporting any violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			eng, err := memory.NewEngine(memory.EngineConfig{
				DataDir:    viper.GetString("data-dir"),
				Classifier: classify.New(),
				DisableWAL: true,
			}, store.(*memory.SQLiteStore), nil)
			if err != nil {
				return fmt.Errorf("creating engine: %w", err)
			}

			violations, err := eng.Verify(context.Background())
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			if len(violations) == 0 {
				fmt.Println("No invariant violations found.")
				return nil
			}
			for _, v := range violations {
				fmt.Println(v)
			}
			return fmt.Errorf("%d invariant violations found", len(violations))
		},
	}
}
