// Package usage collects lookup telemetry off the event bus and batches
// it into the store.
package usage

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mtsa-analytics/kestrel/internal/domain"
)

// Config tunes recorder batching.
type Config struct {
	// BatchSize flushes when the buffer reaches this many events.
	BatchSize int

	// FlushInterval flushes whatever is buffered on this cadence.
	FlushInterval time.Duration

	// BufferSize bounds the in-memory queue; events past it are dropped.
	BufferSize int
}

// Stats is a point-in-time snapshot of recorder activity.
type Stats struct {
	Received int64 `json:"received"`
	Flushed  int64 `json:"flushed"`
	Dropped  int64 `json:"dropped"`
}

// Recorder subscribes to the usage topic and persists events in batches.
// It never blocks the serving path: the bus publish is non-blocking and a
// full buffer drops events rather than applying backpressure.
type Recorder struct {
	store domain.FindingsStore
	bus   domain.EventBus
	cfg   Config

	events chan domain.UsageEvent
	sub    domain.Subscription
	wg     sync.WaitGroup
	cancel context.CancelFunc

	received atomic.Int64
	flushed  atomic.Int64
	dropped  atomic.Int64
}

// NewRecorder creates a usage recorder.
func NewRecorder(st domain.FindingsStore, eventBus domain.EventBus, cfg Config) *Recorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	return &Recorder{
		store:  st,
		bus:    eventBus,
		cfg:    cfg,
		events: make(chan domain.UsageEvent, cfg.BufferSize),
	}
}

// Start subscribes to the usage topic and begins the flush loop.
func (r *Recorder) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	sub, err := r.bus.Subscribe(runCtx, domain.TopicUsageLookup, r.handle)
	if err != nil {
		cancel()
		return err
	}
	r.sub = sub

	r.wg.Add(1)
	go r.flushLoop(runCtx)

	slog.Info("usage recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop unsubscribes and flushes the remaining buffer.
func (r *Recorder) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	// Final drain after the loop has exited.
	for {
		batch := r.drain(r.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		r.flush(context.Background(), batch)
	}
}

// Stats returns recorder counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Received: r.received.Load(),
		Flushed:  r.flushed.Load(),
		Dropped:  r.dropped.Load(),
	}
}

// handle enqueues one event from the bus.
func (r *Recorder) handle(ctx context.Context, msg *domain.Message) error {
	var event domain.UsageEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		slog.Warn("malformed usage event dropped", "error", err)
		return nil
	}

	r.received.Add(1)
	select {
	case r.events <- event:
	default:
		r.dropped.Add(1)
	}
	return nil
}

// flushLoop batches events by size and interval.
func (r *Recorder) flushLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]domain.UsageEvent, 0, r.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			r.flush(context.Background(), batch)
			return

		case event := <-r.events:
			batch = append(batch, event)
			if len(batch) >= r.cfg.BatchSize {
				r.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			r.flush(ctx, batch)
			batch = batch[:0]
		}
	}
}

// drain empties up to limit buffered events without blocking.
func (r *Recorder) drain(limit int) []domain.UsageEvent {
	out := make([]domain.UsageEvent, 0, limit)
	for len(out) < limit {
		select {
		case event := <-r.events:
			out = append(out, event)
		default:
			return out
		}
	}
	return out
}

// flush writes one batch. Failures are logged and the batch is dropped;
// usage telemetry is not worth retry complexity.
func (r *Recorder) flush(ctx context.Context, batch []domain.UsageEvent) {
	if len(batch) == 0 {
		return
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.store.AppendUsage(flushCtx, batch); err != nil {
		slog.Error("usage flush failed", "batch", len(batch), "error", err)
		r.dropped.Add(int64(len(batch)))
		return
	}
	r.flushed.Add(int64(len(batch)))
}
