package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultWorkers      = 2
	defaultPollInterval = 2 * time.Second
	defaultBatchSize    = 10
	defaultReapInterval = time.Minute
	defaultStuckAfter   = 10 * time.Minute
)

// WorkerConfig holds the options for NewWorkerPool. Zero values take the
// package defaults.
type WorkerConfig struct {
	Engine       *Engine
	Store        Store
	Logger       *slog.Logger
	Workers      int
	PollInterval time.Duration
	BatchSize    int
	ReapInterval time.Duration // how often the watchdog scans for stuck work
	StuckAfter   time.Duration // age at which claimed work is considered stuck
}

// WorkerPool drains the durable event queue: each worker claims a batch of
// unprocessed events, runs a direction-pinned sync per event, and marks the
// event completed or failed. A watchdog goroutine periodically reclaims
// work stranded by a crashed process.
type WorkerPool struct {
	engine       *Engine
	store        Store
	logger       *slog.Logger
	workers      int
	pollInterval time.Duration
	batchSize    int
	reapInterval time.Duration
	stuckAfter   time.Duration
}

// NewWorkerPool creates a WorkerPool from the given configuration.
func NewWorkerPool(cfg *WorkerConfig) *WorkerPool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &WorkerPool{
		engine:       cfg.Engine,
		store:        cfg.Store,
		logger:       logger,
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		reapInterval: cfg.ReapInterval,
		stuckAfter:   cfg.StuckAfter,
	}

	if p.workers <= 0 {
		p.workers = defaultWorkers
	}

	if p.pollInterval <= 0 {
		p.pollInterval = defaultPollInterval
	}

	if p.batchSize <= 0 {
		p.batchSize = defaultBatchSize
	}

	if p.reapInterval <= 0 {
		p.reapInterval = defaultReapInterval
	}

	if p.stuckAfter <= 0 {
		p.stuckAfter = defaultStuckAfter
	}

	return p
}

// Run starts the worker and watchdog goroutines and blocks until ctx is
// cancelled and all goroutines have drained their current work.
func (p *WorkerPool) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < p.workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()
			p.workLoop(ctx, id)
		}(i)
	}

	wg.Add(1)

	go func() {
		defer wg.Done()
		p.reapLoop(ctx)
	}()

	p.logger.Info("worker pool started", slog.Int("workers", p.workers))

	wg.Wait()

	p.logger.Info("worker pool stopped")
}

// workLoop polls the queue on a fixed interval. An empty claim just waits
// for the next tick.
func (p *WorkerPool) workLoop(ctx context.Context, id int) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		p.processBatch(ctx, id)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// processBatch claims up to batchSize events and handles them in order.
// Returns the number of events handled.
func (p *WorkerPool) processBatch(ctx context.Context, id int) int {
	events, err := p.store.ClaimEvents(ctx, p.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("claiming events failed",
				slog.Int("worker", id),
				slog.String("error", err.Error()),
			)
		}

		return 0
	}

	for _, event := range events {
		if ctx.Err() != nil {
			// Shutting down mid-batch; unfinished events go back to the
			// queue via the watchdog.
			return 0
		}

		p.handleEvent(ctx, id, event)
	}

	return len(events)
}

// handleEvent runs one direction-pinned sync for a queued webhook event.
// Panics are converted to a failed event so the queue keeps moving.
func (p *WorkerPool) handleEvent(ctx context.Context, id int, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panic",
				slog.Int("worker", id),
				slog.Int64("event_id", event.ID),
				slog.Any("panic", r),
			)

			if err := p.store.FailEvent(ctx, event.ID, fmt.Sprintf("panic: %v", r)); err != nil {
				p.logger.Error("failing event after panic",
					slog.Int64("event_id", event.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}()

	direction := directionForSource(event.Source)

	p.logger.Debug("processing event",
		slog.Int("worker", id),
		slog.Int64("event_id", event.ID),
		slog.String("source", string(event.Source)),
		slog.String("doctype", event.Doctype),
		slog.String("docname", event.Docname),
		slog.String("action", event.Action),
	)

	ok, msg := p.engine.SyncDocument(ctx, event.Doctype, event.Docname, direction)
	if ok {
		if err := p.store.CompleteEvent(ctx, event.ID); err != nil {
			p.logger.Error("completing event failed",
				slog.Int64("event_id", event.ID),
				slog.String("error", err.Error()),
			)
		}

		return
	}

	p.logger.Warn("event sync failed",
		slog.Int64("event_id", event.ID),
		slog.String("doctype", event.Doctype),
		slog.String("docname", event.Docname),
		slog.String("message", msg),
	)

	if err := p.store.FailEvent(ctx, event.ID, msg); err != nil {
		p.logger.Error("failing event failed",
			slog.Int64("event_id", event.ID),
			slog.String("error", err.Error()),
		)
	}
}

// reapLoop periodically returns events stranded in the processing state to
// the queue, so a crash mid-batch does not lose work permanently.
func (p *WorkerPool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reaped, err := p.store.ReapStuck(ctx, p.stuckAfter)
		if err != nil {
			p.logger.Error("reaping stuck events failed", slog.String("error", err.Error()))
			continue
		}

		if reaped > 0 {
			p.logger.Warn("reclaimed stuck events", slog.Int64("count", reaped))
		}
	}
}

// directionForSource pins the sync direction for a webhook event: a change
// notification names its origin side, so the transfer always flows away
// from it.
func directionForSource(source Side) Direction {
	if source == SideCloud {
		return DirectionCloudToLocal
	}

	return DirectionLocalToCloud
}
