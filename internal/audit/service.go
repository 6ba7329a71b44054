// Package audit records admin-visible actions asynchronously. Logging never
// blocks or fails the caller's request: entries queue onto a bounded channel
// and a background worker persists them, dropping the newest entry (with a
// counter) when the queue is full.
package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kriasoft/flagkit/internal/store"
	"github.com/rs/zerolog"
)

const (
	// defaultQueueSize bounds the audit queue.
	defaultQueueSize = 256
	// writeTimeout bounds each persistence attempt.
	writeTimeout = 5 * time.Second
)

// sensitiveKeys are redacted from audit metadata before persistence.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"authorization": true,
	"cookie":        true,
	"session":       true,
}

// Service is the asynchronous audit recorder.
type Service struct {
	store   store.Store
	logger  zerolog.Logger
	queue   chan store.AuditEntry
	done    chan struct{}
	dropped atomic.Uint64
	closed  atomic.Bool
}

// NewService creates the recorder and starts its worker. queueSize <= 0
// selects the default.
func NewService(s store.Store, logger zerolog.Logger, queueSize int) *Service {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	svc := &Service{
		store:  s,
		logger: logger,
		queue:  make(chan store.AuditEntry, queueSize),
		done:   make(chan struct{}),
	}
	go svc.worker()
	return svc
}

// Log enqueues an entry. When the queue is full the entry is dropped and
// counted; audit must never apply back-pressure to request handling.
func (s *Service) Log(entry store.AuditEntry) {
	if s.closed.Load() {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Metadata = Redact(entry.Metadata)

	select {
	case s.queue <- entry:
	default:
		s.dropped.Add(1)
		s.logger.Warn().
			Str("action", entry.Action).
			Str("flagId", entry.FlagID).
			Msg("audit queue full, dropping entry")
	}
}

// Dropped reports how many entries were lost to queue overflow.
func (s *Service) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops the worker after draining the queue. Safe to call twice.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.queue)
	<-s.done
	return nil
}

func (s *Service) worker() {
	defer close(s.done)
	for entry := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.store.LogAudit(ctx, &entry); err != nil {
			s.logger.Warn().Err(err).Str("action", entry.Action).Msg("audit write failed")
		}
		cancel()
	}
}

// RunCleanup deletes audit entries older than the retention window on a
// daily cadence until the context is cancelled.
func (s *Service) RunCleanup(ctx context.Context, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
			cleanupCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := s.store.CleanupAuditLogs(cleanupCtx, cutoff)
			cancel()
			if err != nil {
				s.logger.Warn().Err(err).Msg("audit cleanup failed")
				continue
			}
			if removed > 0 {
				s.logger.Info().Int64("removed", removed).Msg("audit cleanup complete")
			}
		}
	}
}

// Redact replaces sensitive metadata values, recursing into nested maps.
func Redact(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	redacted := make(map[string]any, len(data))
	for key, value := range data {
		if sensitiveKeys[key] {
			redacted[key] = "[REDACTED]"
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			redacted[key] = Redact(nested)
			continue
		}
		redacted[key] = value
	}
	return redacted
}
