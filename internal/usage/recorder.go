// Package usage implements non-blocking, batched usage accounting.
//
// Events are written to an internal buffered channel and flushed in batches
// by a background goroutine, so accounting never blocks the proxy hot path.
// If the channel fills up (> 10 000 events), new events are dropped and
// counted in Dropped. Each event is recorded at most once per request id.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaymux/relaymux/internal/store"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
	dedupeWindow  = 4096
)

// Event is one billable request outcome.
type Event struct {
	RequestID        uuid.UUID
	KeyID            string
	Provider         string
	Model            string
	Route            string
	PromptTokens     int
	CompletionTokens int
	// EstimatedOutput marks completion counts derived from partial streamed
	// content after a client disconnect, not upstream-reported usage.
	EstimatedOutput bool
	Status          int
	LatencyMs       int64
	CreatedAt       time.Time
}

// Sink receives flushed batches. Implementations must tolerate replays.
type Sink interface {
	Write(ctx context.Context, events []Event) error
}

// Recorder fans events out to the structured log, the key-usage counters in
// the store, and an optional analytics sink.
type Recorder struct {
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
	st      store.Store
	sink    Sink // may be nil

	seenMu  sync.Mutex
	seen    map[uuid.UUID]struct{}
	seenSeq []uuid.UUID
	seenIdx int
}

// New starts the flush goroutine. st and sink may be nil.
func New(ctx context.Context, log *slog.Logger, st store.Store, sink Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		ch:      make(chan Event, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     log,
		st:      st,
		sink:    sink,
		seen:    make(map[uuid.UUID]struct{}, dedupeWindow),
		seenSeq: make([]uuid.UUID, dedupeWindow),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues an event. Duplicate request ids within the dedupe window
// are ignored, making retries after partial failures safe.
func (r *Recorder) Record(e Event) {
	if e.RequestID != uuid.Nil && !r.markSeen(e.RequestID) {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	select {
	case r.ch <- e:
	default:
		atomic.AddInt64(&r.dropped, 1)
	}
}

// Dropped returns the number of events lost to backpressure.
func (r *Recorder) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

// Close drains the channel and flushes the final batch.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
	return nil
}

// markSeen returns false when id was already recorded.
func (r *Recorder) markSeen(id uuid.UUID) bool {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	if _, ok := r.seen[id]; ok {
		return false
	}
	// Ring eviction keeps the set bounded.
	if old := r.seenSeq[r.seenIdx]; old != uuid.Nil {
		delete(r.seen, old)
	}
	r.seenSeq[r.seenIdx] = id
	r.seenIdx = (r.seenIdx + 1) % dedupeWindow
	r.seen[id] = struct{}{}
	return true
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.flushBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e := <-r.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.done:
			for {
				select {
				case e := <-r.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *Recorder) flushBatch(batch []Event) {
	ctx := r.baseCtx

	for _, e := range batch {
		r.log.InfoContext(ctx, "usage",
			slog.String("request_id", e.RequestID.String()),
			slog.String("key_id", e.KeyID),
			slog.String("provider", e.Provider),
			slog.String("model", e.Model),
			slog.String("route", e.Route),
			slog.Int("prompt_tokens", e.PromptTokens),
			slog.Int("completion_tokens", e.CompletionTokens),
			slog.Bool("estimated_output", e.EstimatedOutput),
			slog.Int("status", e.Status),
			slog.Int64("latency_ms", e.LatencyMs),
			slog.Time("created_at", e.CreatedAt),
		)

		if r.st != nil && e.KeyID != "" {
			total := int64(e.PromptTokens + e.CompletionTokens)
			if err := r.st.IncrementUsage(ctx, e.KeyID, 1, total, e.CreatedAt); err != nil {
				r.log.WarnContext(ctx, "usage_store_error", slog.String("error", err.Error()))
			}
		}
	}

	if r.sink != nil {
		sinkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := r.sink.Write(sinkCtx, batch); err != nil {
			r.log.WarnContext(ctx, "usage_sink_error", slog.String("error", err.Error()))
		}
		cancel()
	}
}
