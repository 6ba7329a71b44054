package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/kriasoft/flagkit/internal/store"
	"github.com/rs/zerolog"
)

func TestTracker_RecordsEvaluations(t *testing.T) {
	mem := store.NewMemoryStore()
	ctx := context.Background()
	flag := &store.Flag{
		Key: "tracked", Name: "tracked", Type: store.KindBoolean,
		DefaultValue: store.MustValue(store.KindBoolean, false), RolloutPercentage: 100,
	}
	if err := mem.CreateFlag(ctx, flag); err != nil {
		t.Fatalf("CreateFlag failed: %v", err)
	}

	tracker := NewTracker(mem, zerolog.Nop())
	for i := 0; i < 10; i++ {
		tracker.Track(store.EvaluationRecord{
			FlagID:  flag.ID,
			FlagKey: flag.Key,
			UserID:  "u1",
			Value:   store.MustValue(store.KindBoolean, true),
			Reason:  "default",
		})
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	stats, err := mem.GetEvaluationStats(ctx, flag.ID, store.DateRange{}, store.StatsOptions{})
	if err != nil {
		t.Fatalf("GetEvaluationStats failed: %v", err)
	}
	if stats.TotalEvaluations != 10 {
		t.Errorf("persisted %d evaluations, want 10", stats.TotalEvaluations)
	}
}

type slowStore struct {
	*store.MemoryStore
	release chan struct{}
}

func (s *slowStore) TrackEvaluation(ctx context.Context, record *store.EvaluationRecord) error {
	<-s.release
	return s.MemoryStore.TrackEvaluation(ctx, record)
}

func TestTracker_DropsNewestOnOverflow(t *testing.T) {
	blocked := &slowStore{MemoryStore: store.NewMemoryStore(), release: make(chan struct{})}
	tracker := NewTracker(blocked, zerolog.Nop(), WithQueueSize(2), WithWorkers(1))

	for i := 0; i < 20; i++ {
		tracker.Track(store.EvaluationRecord{FlagKey: "k", Reason: "default"})
	}
	if tracker.Dropped() == 0 {
		t.Error("expected drops when queue is saturated")
	}
	close(blocked.release)
	_ = tracker.Close()
}

func TestTracker_CloseIsIdempotent(t *testing.T) {
	tracker := NewTracker(store.NewMemoryStore(), zerolog.Nop())
	if err := tracker.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := tracker.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	tracker.Track(store.EvaluationRecord{FlagKey: "k"}) // no panic after close
}

func TestMemoryIdempotency_Seen(t *testing.T) {
	idem := NewMemoryIdempotency(time.Minute, 100)
	ctx := context.Background()

	seen, err := idem.Seen(ctx, "u1", "evt-1")
	if err != nil || seen {
		t.Errorf("first sighting: seen=%v err=%v", seen, err)
	}
	seen, err = idem.Seen(ctx, "u1", "evt-1")
	if err != nil || !seen {
		t.Errorf("second sighting: seen=%v err=%v", seen, err)
	}
	// Distinct user or key is a distinct pair.
	if seen, _ := idem.Seen(ctx, "u2", "evt-1"); seen {
		t.Error("different user should not collide")
	}
	if seen, _ := idem.Seen(ctx, "u1", "evt-2"); seen {
		t.Error("different key should not collide")
	}
}

func TestMemoryIdempotency_TTLExpiry(t *testing.T) {
	idem := NewMemoryIdempotency(10*time.Millisecond, 100)
	ctx := context.Background()

	if seen, _ := idem.Seen(ctx, "u1", "evt"); seen {
		t.Fatal("first sighting should be new")
	}
	time.Sleep(20 * time.Millisecond)
	if seen, _ := idem.Seen(ctx, "u1", "evt"); seen {
		t.Error("expired key should read as new")
	}
}

func TestMemoryIdempotency_BoundedSize(t *testing.T) {
	idem := NewMemoryIdempotency(time.Hour, 10)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		if _, err := idem.Seen(ctx, "u", string(rune('a'+i))); err != nil {
			t.Fatalf("Seen failed: %v", err)
		}
	}
	idem.mu.Lock()
	size := len(idem.entries)
	idem.mu.Unlock()
	if size > 10 {
		t.Errorf("entries = %d, want <= 10", size)
	}
}
