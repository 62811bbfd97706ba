package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/engram/internal/config"
	"github.com/kalambet/engram/internal/lock"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show recent ingest log rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		recs, err := store.RecentIngestLogs(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No ingests recorded.")
			return nil
		}
		for _, rec := range recs {
			fmt.Printf("%s  %s  +%d ~%d -%d  %dms  %s\n",
				rec.IngestedAt.Local().Format("2006-01-02 15:04:05"),
				bold.Sprint(rec.FilePath),
				rec.EntriesAdded,
				rec.EntriesUpdated,
				rec.EntriesSkipped,
				rec.DurationMs,
				rec.ContentHash[:8],
			)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store contents and ingest state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.CollectStats(cmd.Context())
		if err != nil {
			return err
		}

		printStatus("Entries", "%d (%d superseded)", stats.Entries, stats.Superseded)
		printStatus("Vectors", "%d", stats.Vectors)
		printStatus("Ingest log", "%d rows", stats.IngestLogRows)
		printStatus("Watched files", "%d", stats.WatchedFiles)
		printStatus("Bulk state", "%s", stats.BulkState)

		if pid, alive := lock.WatcherRunning(dataDir(cfg)); pid > 0 {
			if alive {
				printStatus("Watcher", "running (pid %d)", pid)
			} else {
				printStatus("Watcher", "stale pid file (pid %d)", pid)
			}
		} else {
			printStatus("Watcher", "not running")
		}
		printStatus("Data dir", "%s", dataDir(cfg))
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over stored entries",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.SearchEntries(cmd.Context(), query, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, e := range entries {
			fmt.Printf("\n%s", bold.Sprintf("Result %d", i+1))
			if e.Kind != "" {
				fmt.Printf(" [%s]", e.Kind)
			}
			fmt.Println()
			if e.Project != "" || e.Platform != "" {
				fmt.Printf("  %s %s\n", e.Platform, e.Project)
			}
			content := e.Content
			if len(content) > 500 {
				content = content[:500] + "..."
			}
			fmt.Printf("  %s\n", content)
			fmt.Printf("  %s\n", cyan.Sprint(e.SourceFile))
		}
		return nil
	},
}

func init() {
	logCmd.Flags().Int("limit", 20, "maximum number of rows")
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
}
