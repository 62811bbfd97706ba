package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/engram/internal/dedup"
	"github.com/kalambet/engram/internal/extract"
	"github.com/kalambet/engram/internal/queue"
	"github.com/kalambet/engram/internal/readfile"
	"github.com/kalambet/engram/internal/resolve"
)

const skipReasonIngested = "already ingested (content unchanged)"

// Extractor turns one chunk of transcript text into entry drafts.
type Extractor interface {
	ExtractEntries(ctx context.Context, chunk string) ([]extract.EntryDraft, error)
}

// PoolConfig sizes the two concurrency dimensions of a run: how many files
// are processed at once and how many chunks of a single file extract in
// parallel.
type PoolConfig struct {
	Workers          int
	ChunkConcurrency int
	Granularity      extract.Granularity
	ChunkBytes       int // 0 uses the extraction default

	// OnSettled, when set, is called from worker goroutines as each claimed
	// target settles, retry re-attempts included. Must be goroutine-safe.
	OnSettled func(FileOutcome)
}

// Pool claims targets from a shared cursor with a fixed set of workers and
// drives each claimed file end to end: read, hash, idempotency check,
// chunked extraction, per-chunk queue submission, and the final log write or
// rollback.
type Pool struct {
	q         WriteQueue
	extractor Extractor
	recovery  *Recovery
	cfg       PoolConfig
	log       *slog.Logger
}

func NewPool(q WriteQueue, extractor Extractor, recovery *Recovery, cfg PoolConfig, log *slog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.ChunkConcurrency < 1 {
		cfg.ChunkConcurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pool{q: q, extractor: extractor, recovery: recovery, cfg: cfg, log: log}
}

// Run processes the targets named by indices (nil means all of them),
// writing each settled outcome into results at the target's own index. It
// returns once every claimed target has settled. Cancelling ctx stops
// workers from claiming new targets; in-flight files finish.
func (p *Pool) Run(ctx context.Context, targets []resolve.Target, results []FileOutcome, indices []int) {
	if indices == nil {
		indices = make([]int, len(targets))
		for i := range targets {
			indices[i] = i
		}
	}
	if len(indices) == 0 {
		return
	}

	workers := min(p.cfg.Workers, len(indices))
	var cursor atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				i := int(cursor.Add(1)) - 1
				if i >= len(indices) {
					return
				}
				idx := indices[i]
				results[idx] = p.processFile(ctx, targets[idx])
				if p.cfg.OnSettled != nil {
					p.cfg.OnSettled(results[idx])
				}
			}
		}()
	}
	wg.Wait()
}

func (p *Pool) processFile(ctx context.Context, target resolve.Target) (out FileOutcome) {
	started := time.Now()
	out.File = target.Path
	defer func() {
		out.DurationMs = time.Since(started).Milliseconds()
	}()

	doc, err := readfile.Read(target.Path)
	if err != nil {
		out.fail(fmt.Errorf("reading file: %w", err))
		return out
	}
	contentHash := dedup.ContentHash(doc.Raw)

	prep, err := p.recovery.Begin(ctx, target.Path, contentHash)
	if err != nil {
		out.fail(err)
		return out
	}
	if prep.Skip {
		out.Skipped = true
		out.SkipReason = skipReasonIngested
		p.log.Info("file skipped", "file", target.Path)
		return out
	}

	chunks := extract.Split(doc.Text, p.cfg.Granularity, p.cfg.ChunkBytes)

	var (
		mu           sync.Mutex
		tickets      []*queue.Ticket
		extracted    int
		failedChunks int
		firstErr     error
		pushErr      error
	)
	var g errgroup.Group
	g.SetLimit(p.cfg.ChunkConcurrency)
	for _, chunk := range chunks {
		g.Go(func() error {
			drafts, err := p.extractor.ExtractEntries(ctx, chunk)
			if err != nil {
				mu.Lock()
				failedChunks++
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return nil
			}
			mu.Lock()
			extracted += len(drafts)
			mu.Unlock()

			// Each chunk's entries go to the queue as soon as the chunk
			// finishes, so a large file starts landing results immediately.
			tk, err := p.q.Push(ctx, queue.Group{
				SourceFile:  target.Path,
				ContentHash: contentHash,
				Entries:     extract.DedupDrafts(drafts),
			})
			if err != nil {
				mu.Lock()
				if pushErr == nil {
					pushErr = err
				}
				mu.Unlock()
				return nil
			}
			mu.Lock()
			tickets = append(tickets, tk)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if pushErr != nil {
		out.fail(p.recovery.Abort(ctx, target.Path, contentHash, prep.Baseline,
			fmt.Errorf("queueing entries: %w", pushErr)))
		return out
	}
	if len(chunks) > 0 && failedChunks == len(chunks) {
		out.fail(p.recovery.Abort(ctx, target.Path, contentHash, prep.Baseline,
			fmt.Errorf("all %d chunks failed to extract: %w", len(chunks), firstErr)))
		return out
	}
	if failedChunks > 0 {
		out.Warning = fmt.Sprintf("%d of %d chunks failed to extract", failedChunks, len(chunks))
		p.log.Warn("partial extraction", "file", target.Path, "failed_chunks", failedChunks, "chunks", len(chunks), "error", firstErr)
	}

	agg, err := p.recovery.Finish(ctx, target.Path, contentHash, int64(len(doc.Raw)), prep.Baseline, tickets, started)
	if err != nil {
		out.fail(err)
		return out
	}

	out.EntriesExtracted = extracted
	out.EntriesStored = agg.Added
	out.EntriesSkippedDuplicate = agg.Skipped
	out.EntriesReinforced = agg.Updated
	out.EntriesSuperseded = agg.Superseded
	out.DedupLLMCalls = agg.LLMDedupCalls
	p.log.Info("file ingested",
		"file", target.Path,
		"extracted", extracted,
		"added", agg.Added,
		"reinforced", agg.Updated,
		"skipped_duplicate", agg.Skipped,
		"duration_ms", out.DurationMs)
	return out
}
