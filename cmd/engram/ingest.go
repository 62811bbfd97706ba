package main

import (
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/engram/internal/config"
	"github.com/kalambet/engram/internal/extract"
	"github.com/kalambet/engram/internal/ingest"
	"github.com/kalambet/engram/internal/pipeline"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [paths...]",
	Short: "Extract knowledge entries from transcript files",
	Long: `Extract knowledge entries from transcript files.

Paths may be files, directories (expanded with --pattern), or glob patterns.
Files whose exact content was already ingested are skipped unless --force.

Examples:
  engram ingest ./transcripts
  engram ingest --pattern '**/*.txt' ~/sessions
  engram ingest --bulk --workers 8 ./archive
  engram ingest --force --project atlas meeting-2026-08-12.md`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.String("pattern", "", "glob pattern applied inside directories (default from config)")
	f.Int("workers", 0, "concurrent file workers (default from config)")
	f.Int("chunk-concurrency", 0, "concurrent extraction calls per file (default from config)")
	f.Int("queue-watermark", 0, "max entries pending in the write queue (default from config)")
	f.Duration("backpressure-timeout", 0, "how long a push waits on a full queue (default from config)")
	f.Bool("skip-ingested", true, "skip files whose exact content was already ingested")
	f.Bool("force", false, "purge prior entries for each file and re-ingest")
	f.Bool("retry", true, "retry failed files with backoff")
	f.Int("max-retries", 0, "retry rounds over failed files (default from config)")
	f.String("granularity", "auto", "extraction granularity: auto, whole, or chunked")
	f.Bool("bulk", false, "bulk mode: hash-only dedup, index rebuild at the end")
	f.Bool("dry-run", false, "extract and count, but persist nothing")
	f.Bool("json", false, "print the run report as JSON on stdout")
	f.String("platform", "", "platform tag stamped onto stored entries")
	f.String("project", "", "project tag stamped onto stored entries")
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	opts, jsonOut, err := ingestOptions(cmd, cfg, args)
	if err != nil {
		return err
	}

	level, _ := config.ParseLevel(cfg.Log.Level)
	if quiet || jsonOut {
		level = slog.LevelWarn
	}
	logger, closeLog := config.SetupLogger(cfg.Log.File, level)
	defer closeLog()
	slog.SetDefault(logger)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := extract.NewClient(cfg.Ollama.BaseURL, cfg.Ollama.ChatModel, cfg.Ollama.EmbedModel)
	if err := client.Preflight(ctx, os.Stderr); err != nil {
		return err
	}

	bar := newSpinner("ingesting files", !quiet && !jsonOut)
	opts.OnFileDone = func(ingest.FileOutcome) { barAdd(bar, 1) }

	runner := pipeline.New(pipeline.Deps{
		Store:     store,
		Extractor: client,
		Judge:     client,
		Embedder:  client,
		Log:       logger,
	})
	rep, err := runner.Run(ctx, opts)
	barFinish(bar)
	if err != nil {
		return err
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else if !quiet {
		printReport(rep)
	}

	exitCode = rep.ExitCode
	return nil
}

// ingestOptions assembles the run options: an explicitly set flag wins over
// the loaded config, which already carries the defaults.
func ingestOptions(cmd *cobra.Command, cfg config.Config, paths []string) (pipeline.Options, bool, error) {
	f := cmd.Flags()

	pattern, _ := f.GetString("pattern")
	if pattern == "" {
		pattern = cfg.Ingest.Pattern
	}
	workers, _ := f.GetInt("workers")
	if workers == 0 {
		workers = cfg.Ingest.Workers
	}
	chunkConc, _ := f.GetInt("chunk-concurrency")
	if chunkConc == 0 {
		chunkConc = cfg.Ingest.ChunkConcurrency
	}
	watermark, _ := f.GetInt("queue-watermark")
	if watermark == 0 {
		watermark = cfg.Ingest.QueueWatermark
	}
	pushTimeout, _ := f.GetDuration("backpressure-timeout")
	if pushTimeout == 0 {
		pushTimeout = cfg.Ingest.BackpressureDuration()
	}
	maxRetries, _ := f.GetInt("max-retries")
	if maxRetries == 0 {
		maxRetries = cfg.Ingest.MaxRetries
	}

	granStr, _ := f.GetString("granularity")
	granularity, err := parseGranularity(granStr)
	if err != nil {
		return pipeline.Options{}, false, err
	}

	skip, _ := f.GetBool("skip-ingested")
	force, _ := f.GetBool("force")
	retry, _ := f.GetBool("retry")
	bulk, _ := f.GetBool("bulk")
	dryRun, _ := f.GetBool("dry-run")
	jsonOut, _ := f.GetBool("json")
	platform, _ := f.GetString("platform")
	project, _ := f.GetString("project")

	opts := pipeline.Options{
		Inputs:              paths,
		Pattern:             pattern,
		DataDir:             dataDir(cfg),
		Workers:             workers,
		ChunkConcurrency:    chunkConc,
		QueueWatermark:      watermark,
		BackpressureTimeout: pushTimeout,
		SkipIngested:        skip,
		Force:               force,
		DryRun:              dryRun,
		Bulk:                bulk,
		Retry:               retry,
		MaxRetries:          maxRetries,
		Granularity:         granularity,
		ChunkBytes:          cfg.Ingest.ChunkBytes,
		Tagging: extract.MergeTagging(
			extract.Tagging{Platform: platform, Project: project},
			extract.Tagging{Platform: cfg.Ingest.Platform, Project: cfg.Ingest.Project},
		),
	}
	return opts, jsonOut, nil
}

func parseGranularity(s string) (extract.Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return extract.GranularityAuto, nil
	case "whole":
		return extract.GranularityWhole, nil
	case "chunked":
		return extract.GranularityChunked, nil
	default:
		return "", &config.ValidationError{Field: "granularity", Reason: "must be auto, whole, or chunked"}
	}
}

func printReport(rep *pipeline.Report) {
	for _, o := range rep.Outcomes {
		switch {
		case o.Error != "":
			printError("%s: %s", o.File, o.Error)
		case o.Warning != "":
			printWarning("%s: %s", o.File, o.Warning)
		}
	}

	if rep.DryRun {
		printStep("dry run: nothing was persisted")
	}
	switch {
	case rep.Interrupted:
		printWarning("interrupted before all files were attempted")
	case rep.FilesTotal == 0:
		printWarning("no files matched")
	case rep.FilesFailed == 0:
		printSuccess("%d files processed, %d skipped", rep.FilesProcessed, rep.FilesSkipped)
	default:
		printError("%d of %d files failed", rep.FilesFailed, rep.FilesTotal)
	}

	printStatus("Files", "%d processed, %d skipped, %d failed", rep.FilesProcessed, rep.FilesSkipped, rep.FilesFailed)
	printStatus("Entries", "%d extracted, %d added, %d reinforced, %d duplicates skipped",
		rep.EntriesExtracted, rep.EntriesStored, rep.EntriesReinforced, rep.EntriesSkippedDuplicate)
	if rep.EntriesSuperseded > 0 {
		printStatus("Superseded", "%d", rep.EntriesSuperseded)
	}
	if rep.DedupLLMCalls > 0 {
		printStatus("Judge calls", "%d", rep.DedupLLMCalls)
	}
	if len(rep.Retries) > 0 {
		printStatus("Retries", "%d rounds, %d files recovered", len(rep.Retries), rep.SucceededOnRetry)
	}
	if rep.BulkFinalize != nil {
		printStatus("Bulk rebuild", "%d fts rows, %d vectors backfilled",
			rep.BulkFinalize.FTSRows, rep.BulkFinalize.VectorsBackfilled)
	}
	printStatus("Duration", "%s", (time.Duration(rep.DurationMs) * time.Millisecond).Round(100*time.Millisecond))
}
