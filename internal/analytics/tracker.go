// Package analytics records evaluations and event analytics asynchronously.
//
// Tracking is strictly fire-and-forget: a bounded channel feeds a worker
// pool, overflow drops the newest record, and the drop counter is surfaced
// through /health and the metrics registry.
package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kriasoft/flagkit/internal/store"
	"github.com/rs/zerolog"
)

const (
	// defaultQueueSize bounds the tracking queue.
	defaultQueueSize = 1024
	// defaultWorkers is the persistence worker count.
	defaultWorkers = 2
	// writeTimeout bounds each persistence attempt.
	writeTimeout = 5 * time.Second
)

// Tracker is the asynchronous evaluation recorder.
type Tracker struct {
	store   store.Store
	logger  zerolog.Logger
	queue   chan store.EvaluationRecord
	wg      sync.WaitGroup
	dropped atomic.Uint64
	closed  atomic.Bool
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*trackerConfig)

type trackerConfig struct {
	queueSize int
	workers   int
}

// WithQueueSize bounds the tracking queue.
func WithQueueSize(n int) TrackerOption {
	return func(c *trackerConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithWorkers sets the persistence worker count.
func WithWorkers(n int) TrackerOption {
	return func(c *trackerConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// NewTracker creates the recorder and starts its workers.
func NewTracker(s store.Store, logger zerolog.Logger, opts ...TrackerOption) *Tracker {
	cfg := trackerConfig{queueSize: defaultQueueSize, workers: defaultWorkers}
	for _, opt := range opts {
		opt(&cfg)
	}
	t := &Tracker{
		store:  s,
		logger: logger,
		queue:  make(chan store.EvaluationRecord, cfg.queueSize),
	}
	t.wg.Add(cfg.workers)
	for i := 0; i < cfg.workers; i++ {
		go t.worker()
	}
	return t
}

// Track enqueues a record without blocking the caller. When the queue is
// full the newest record is dropped and counted.
func (t *Tracker) Track(record store.EvaluationRecord) {
	if t.closed.Load() {
		return
	}
	if record.EvaluatedAt.IsZero() {
		record.EvaluatedAt = time.Now().UTC()
	}
	select {
	case t.queue <- record:
	default:
		t.dropped.Add(1)
		t.logger.Warn().Str("flagKey", record.FlagKey).Msg("tracking queue full, dropping evaluation")
	}
}

// Dropped reports how many records were lost to queue overflow.
func (t *Tracker) Dropped() uint64 {
	return t.dropped.Load()
}

// Pending reports the current queue depth, for health reporting.
func (t *Tracker) Pending() int {
	return len(t.queue)
}

// Close stops the workers after draining the queue. Safe to call twice.
func (t *Tracker) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.queue)
	t.wg.Wait()
	return nil
}

func (t *Tracker) worker() {
	defer t.wg.Done()
	for record := range t.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := t.store.TrackEvaluation(ctx, &record); err != nil {
			t.logger.Warn().Err(err).Str("flagKey", record.FlagKey).Msg("evaluation tracking failed")
		}
		cancel()
	}
}
