package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kalambet/engram/internal/config"
	"github.com/kalambet/engram/internal/storage"
)

// exitCode is what main exits with after a command ran without a hard error.
// The ingest command sets it from the run report: 1 for partial failure, 2
// when every file failed, 130 after an interrupt.
var exitCode int

var (
	noColor  bool
	quiet    bool
	storeDir string
)

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Extract knowledge entries from transcripts into a local store",
	Long: `engram ingests session transcripts, extracts discrete knowledge
entries with a local language model, deduplicates them, and commits them to
an embedded SQLite store.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor || !isatty.IsTerminal(os.Stderr.Fd()) {
			color.NoColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")
	rootCmd.PersistentFlags().StringVar(&storeDir, "store", "", "data directory (default from config)")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(configCmd)
}

// dataDir resolves the effective data directory: the --store flag wins over
// the configured one.
func dataDir(cfg config.Config) string {
	if storeDir != "" {
		return storeDir
	}
	return cfg.Storage.DataDir
}

func openStore(cfg config.Config) (*storage.Store, error) {
	store, err := storage.Open(dataDir(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return store, nil
}
