package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/engram/internal/extract"
)

var (
	// ErrBackpressure is returned by Push when the queue stays above its
	// high watermark for the whole push timeout. Callers treat it as an
	// ordinary file-level write error, eligible for retry.
	ErrBackpressure = errors.New("write queue full: backpressure timeout elapsed")
	// ErrCancelled resolves tickets whose source file was cancelled before
	// their batch committed.
	ErrCancelled = errors.New("write cancelled")
	// ErrShutdown is returned once the queue has been drained or destroyed.
	ErrShutdown = errors.New("write queue shut down")
)

// Group is one push: a chunk's deduplicated entry drafts attributed to a
// source file.
type Group struct {
	SourceFile  string
	ContentHash string
	Entries     []extract.EntryDraft
}

// BatchResult reports what happened to one pushed group once its batch
// committed.
type BatchResult struct {
	Added         int
	Updated       int
	Skipped       int
	Superseded    int
	LLMDedupCalls int
}

// Merge accumulates another result into r.
func (r *BatchResult) Merge(other BatchResult) {
	r.Added += other.Added
	r.Updated += other.Updated
	r.Skipped += other.Skipped
	r.Superseded += other.Superseded
	r.LLMDedupCalls += other.LLMDedupCalls
}

// Applier lands one flushed batch in storage. It receives the groups of the
// batch in push order and returns one result per group, same order. An error
// fails every ticket in the batch.
type Applier interface {
	ApplyBatch(ctx context.Context, groups []Group) ([]BatchResult, error)
}

// Options tune queue behavior. Zero values fall back to defaults.
type Options struct {
	// BatchSize is the entry count that triggers a flush. Bulk runs use a
	// much larger batch to trade latency for fewer transactions.
	BatchSize int
	// HighWatermark bounds entries admitted but not yet committed. Pushes
	// block above it.
	HighWatermark int
	// PushTimeout is how long a blocked push waits for the queue to drain
	// before failing with ErrBackpressure.
	PushTimeout time.Duration
	// OnBatchCommit, when set, is called from the committer after each
	// successful batch with the group and entry counts it landed.
	OnBatchCommit func(groups, entries int)
}

const (
	DefaultBatchSize     = 40
	BulkBatchSize        = 500
	DefaultHighWatermark = 1000
	DefaultPushTimeout   = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.HighWatermark <= 0 {
		o.HighWatermark = DefaultHighWatermark
	}
	if o.PushTimeout <= 0 {
		o.PushTimeout = DefaultPushTimeout
	}
	return o
}

// Ticket is the future returned by Push. It resolves exactly once: when the
// batch containing its group commits, when its file is cancelled, or when
// the queue shuts down.
type Ticket struct {
	done chan struct{}

	mu       sync.Mutex
	resolved bool
	res      BatchResult
	err      error
}

func newTicket() *Ticket {
	return &Ticket{done: make(chan struct{})}
}

// resolve sets the ticket's outcome. The first caller wins; it reports
// whether this call was the one that resolved the ticket.
func (t *Ticket) resolve(res BatchResult, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved {
		return false
	}
	t.resolved = true
	t.res = res
	t.err = err
	close(t.done)
	return true
}

func (t *Ticket) isResolved() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resolved
}

// Done is closed once the ticket has resolved.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the outcome. Only valid after Done is closed.
func (t *Ticket) Result() (BatchResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.res, t.err
}

// Wait blocks until the ticket resolves or ctx is cancelled.
func (t *Ticket) Wait(ctx context.Context) (BatchResult, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		return BatchResult{}, ctx.Err()
	}
}

// op is one unit of the committer's total order: either a pushed group or an
// exclusive function.
type op struct {
	group  Group
	ticket *Ticket

	fn     func(context.Context) error
	fnDone chan error

	marker chan struct{} // drain marker: closed when the committer reaches it
}

// Queue serializes every store mutation through one committer goroutine.
// Pushed groups accumulate into size-bounded batches; exclusive functions
// and batch commits share a single total order.
type Queue struct {
	applier Applier
	opts    Options
	log     *slog.Logger

	ctx    context.Context // queue lifetime, cancelled by Destroy
	cancel context.CancelFunc

	ops  chan op
	stop chan struct{}
	done chan struct{} // committer exited

	mu      sync.Mutex
	closed  bool
	pending int                  // entries admitted, not yet committed or dropped
	space   chan struct{}        // replaced and closed whenever pending drops below the watermark
	byFile  map[string][]*Ticket // unresolved tickets per source file, for Cancel

	destroyOnce sync.Once
}

// New builds a queue and starts its committer goroutine.
func New(applier Applier, opts Options, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		applier: applier,
		opts:    opts.withDefaults(),
		log:     log,
		ops:     make(chan op),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		space:   make(chan struct{}),
		byFile:  make(map[string][]*Ticket),
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	go q.run()
	return q
}

// Push submits one group of entries. It blocks while the queue is above its
// high watermark and fails with ErrBackpressure if no room frees up within
// the push timeout. The returned ticket resolves when the batch containing
// the group commits or fails.
func (q *Queue) Push(ctx context.Context, g Group) (*Ticket, error) {
	t := newTicket()
	if len(g.Entries) == 0 {
		t.resolve(BatchResult{}, nil)
		return t, nil
	}
	if err := q.reserve(ctx, len(g.Entries)); err != nil {
		return nil, err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.release(len(g.Entries))
		return nil, ErrShutdown
	}
	q.byFile[g.SourceFile] = append(q.byFile[g.SourceFile], t)
	q.mu.Unlock()

	select {
	case q.ops <- op{group: g, ticket: t}:
		return t, nil
	case <-q.ctx.Done():
		q.release(len(g.Entries))
		t.resolve(BatchResult{}, ErrShutdown)
		return nil, ErrShutdown
	case <-ctx.Done():
		q.release(len(g.Entries))
		t.resolve(BatchResult{}, ctx.Err())
		return nil, ctx.Err()
	}
}

// reserve admits n entries against the high watermark, waiting for the queue
// to drain when it is full.
func (q *Queue) reserve(ctx context.Context, n int) error {
	var timeout <-chan time.Time
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrShutdown
		}
		if q.pending < q.opts.HighWatermark {
			q.pending += n
			q.mu.Unlock()
			return nil
		}
		wait := q.space
		q.mu.Unlock()

		if timeout == nil {
			timer := time.NewTimer(q.opts.PushTimeout)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case <-wait:
		case <-timeout:
			return ErrBackpressure
		case <-ctx.Done():
			return ctx.Err()
		case <-q.ctx.Done():
			return ErrShutdown
		}
	}
}

// release returns n entries of watermark room and wakes blocked pushes if
// the queue dropped below the watermark.
func (q *Queue) release(n int) {
	q.mu.Lock()
	q.pending -= n
	if q.pending < q.opts.HighWatermark {
		close(q.space)
		q.space = make(chan struct{})
	}
	q.mu.Unlock()
}

// Pending reports the number of entries admitted but not yet committed or
// dropped. It is a point-in-time sample for gauges and logs.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Cancel fails every not-yet-committed ticket for the file with ErrCancelled
// and reports how many it failed. Their groups are dropped before the next
// flush, so stale batches never land after the file's cleanup has run.
func (q *Queue) Cancel(sourceFile string) int {
	q.mu.Lock()
	tickets := q.byFile[sourceFile]
	delete(q.byFile, sourceFile)
	q.mu.Unlock()

	n := 0
	for _, t := range tickets {
		if t.resolve(BatchResult{}, ErrCancelled) {
			n++
		}
	}
	return n
}

// RunExclusive runs fn after every group pushed before this call has
// committed and before any group pushed after it: a strict total order
// shared with batch commits. Used for mutations that must never interleave
// with a batch for the same file, like ingest log writes and force deletes.
func (q *Queue) RunExclusive(ctx context.Context, fn func(context.Context) error) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrShutdown
	}
	q.mu.Unlock()

	done := make(chan error, 1)
	select {
	case q.ops <- op{fn: fn, fnDone: done}:
	case <-q.ctx.Done():
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-q.ctx.Done():
		return ErrShutdown
	}
}

// Drain stops intake and waits until everything already queued has
// committed. It returns ErrShutdown if ctx is cancelled before the queue
// empties. Destroy must still be called afterwards.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	marker := make(chan struct{})
	select {
	case q.ops <- op{marker: marker}:
	case <-q.ctx.Done():
		return ErrShutdown
	case <-ctx.Done():
		return ErrShutdown
	}
	select {
	case <-marker:
		return nil
	case <-q.ctx.Done():
		return ErrShutdown
	case <-ctx.Done():
		return ErrShutdown
	}
}

// Destroy stops the committer and fails any still-pending tickets with
// ErrShutdown. Always called after Drain, whatever Drain returned.
func (q *Queue) Destroy() {
	q.destroyOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()

		q.cancel()
		close(q.stop)
	})
	<-q.done
}

// run is the committer goroutine: the single consumer of q.ops and the only
// caller of the applier, which is what gives the queue its total order.
func (q *Queue) run() {
	defer close(q.done)

	var open []op
	var openEntries int

	flush := func() {
		if len(open) == 0 {
			return
		}
		q.flush(open)
		open = nil
		openEntries = 0
	}

	for {
		select {
		case o := <-q.ops:
			switch {
			case o.ticket != nil:
				if o.ticket.isResolved() {
					// Cancelled while waiting in the channel.
					q.release(len(o.group.Entries))
					continue
				}
				open = append(open, o)
				openEntries += len(o.group.Entries)
				if openEntries >= q.opts.BatchSize {
					flush()
				}
			case o.fn != nil:
				// Exclusive work observes every prior push as committed.
				flush()
				o.fnDone <- o.fn(q.ctx)
			case o.marker != nil:
				flush()
				close(o.marker)
			}
		case <-q.stop:
			flush()
			q.abandon()
			return
		}
	}
}

// abandon resolves everything still queued after stop with ErrShutdown.
func (q *Queue) abandon() {
	for {
		select {
		case o := <-q.ops:
			switch {
			case o.ticket != nil:
				q.release(len(o.group.Entries))
				o.ticket.resolve(BatchResult{}, ErrShutdown)
			case o.fn != nil:
				o.fnDone <- ErrShutdown
			case o.marker != nil:
				close(o.marker)
			}
		default:
			return
		}
	}
}

// flush commits one batch. Groups whose ticket already resolved (cancelled
// files) are dropped; everything else goes to the applier in push order and
// resolves with its per-group result, or with the batch error.
func (q *Queue) flush(open []op) {
	live := open[:0]
	for _, o := range open {
		if o.ticket.isResolved() {
			q.release(len(o.group.Entries))
			continue
		}
		live = append(live, o)
	}
	if len(live) == 0 {
		return
	}

	groups := make([]Group, len(live))
	for i, o := range live {
		groups[i] = o.group
	}

	results, err := q.applier.ApplyBatch(q.ctx, groups)
	if err == nil && len(results) != len(groups) {
		err = fmt.Errorf("applier returned %d results for %d groups", len(results), len(groups))
	}
	if err != nil {
		q.log.Warn("batch commit failed", "groups", len(groups), "error", err)
	}
	touched := make(map[string]struct{}, len(live))
	entries := 0
	for i, o := range live {
		q.release(len(o.group.Entries))
		entries += len(o.group.Entries)
		touched[o.group.SourceFile] = struct{}{}
		if err != nil {
			o.ticket.resolve(BatchResult{}, err)
			continue
		}
		o.ticket.resolve(results[i], nil)
	}
	if err == nil && q.opts.OnBatchCommit != nil {
		q.opts.OnBatchCommit(len(groups), entries)
	}

	// Drop resolved tickets so per-file registries don't grow for the whole
	// run. Cancel only needs the unresolved ones.
	q.mu.Lock()
	for file := range touched {
		kept := q.byFile[file][:0]
		for _, t := range q.byFile[file] {
			if !t.isResolved() {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(q.byFile, file)
		} else {
			q.byFile[file] = kept
		}
	}
	q.mu.Unlock()
}
