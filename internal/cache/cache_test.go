package cache

import (
	"strconv"
	"testing"
	"time"
)

func key(flag, user string) KeyData {
	return KeyData{
		FlagKey:     flag,
		Context:     map[string]any{"userId": user},
		Environment: "production",
	}
}

func TestCache_SetGet(t *testing.T) {
	c, err := New(10, time.Minute)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	c.Set(key("f1", "u1"), "hello", 0)
	got, ok := c.Get(key("f1", "u1"))
	if !ok || got != "hello" {
		t.Errorf("Get = %v, %v; want hello, true", got, ok)
	}

	// A different context is a different key.
	if _, ok := c.Get(key("f1", "u2")); ok {
		t.Error("distinct context should miss")
	}
	// A different environment is a different key.
	other := key("f1", "u1")
	other.Environment = "canary"
	if _, ok := c.Get(other); ok {
		t.Error("distinct environment should miss")
	}
}

func TestCache_KeyCanonicalization(t *testing.T) {
	c, _ := New(10, time.Minute)

	a := KeyData{FlagKey: "f", Context: map[string]any{"a": 1.0, "b": map[string]any{"x": "1", "y": "2"}}}
	b := KeyData{FlagKey: "f", Context: map[string]any{"b": map[string]any{"y": "2", "x": "1"}, "a": 1.0}}
	c.Set(a, "v", 0)
	if got, ok := c.Get(b); !ok || got != "v" {
		t.Error("map key order should not change the cache key")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c, _ := New(10, time.Minute)

	c.Set(key("f1", "u1"), "v", 10*time.Millisecond)
	if _, ok := c.Get(key("f1", "u1")); !ok {
		t.Fatal("entry should be live before TTL")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get(key("f1", "u1")); ok {
		t.Error("entry should have expired")
	}

	// Expired read also removed the entry.
	if got := c.Stats().Size; got != 0 {
		t.Errorf("size after expired read = %d, want 0", got)
	}
}

func TestCache_LRUEviction(t *testing.T) {
	c, _ := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		c.Set(key("f", "u"+strconv.Itoa(i)), i, 0)
	}
	// Touch u0 so u1 becomes least recently used.
	c.Get(key("f", "u0"))
	c.Set(key("f", "u3"), 3, 0)

	if _, ok := c.Get(key("f", "u1")); ok {
		t.Error("least recently used entry should have been evicted")
	}
	if _, ok := c.Get(key("f", "u0")); !ok {
		t.Error("recently used entry should survive")
	}
	if got := c.Stats().Size; got != 3 {
		t.Errorf("size = %d, want 3", got)
	}
}

func TestCache_InvalidateByFlag(t *testing.T) {
	c, _ := New(100, time.Minute)

	for i := 0; i < 5; i++ {
		c.Set(key("target", "u"+strconv.Itoa(i)), i, 0)
		c.Set(key("other", "u"+strconv.Itoa(i)), i, 0)
	}
	removed := c.InvalidateByFlag("target")
	if removed != 5 {
		t.Errorf("removed = %d, want 5", removed)
	}

	// 100% miss rate for the invalidated flag until repopulated.
	for i := 0; i < 5; i++ {
		if _, ok := c.Get(key("target", "u"+strconv.Itoa(i))); ok {
			t.Fatal("invalidated entry still cached")
		}
	}
	// Other flags are untouched.
	if _, ok := c.Get(key("other", "u0")); !ok {
		t.Error("unrelated flag entry was dropped")
	}
}

func TestCache_InvalidateDropsBootstrap(t *testing.T) {
	c, _ := New(100, time.Minute)

	c.Set(KeyData{FlagKey: BootstrapKey, Context: map[string]any{"userId": "u1"}}, "boot", 0)
	c.Set(key("f1", "u1"), "v", 0)

	c.InvalidateByFlag("f1")
	if _, ok := c.Get(KeyData{FlagKey: BootstrapKey, Context: map[string]any{"userId": "u1"}}); ok {
		t.Error("bootstrap entries must be dropped on any flag invalidation")
	}
}

func TestCache_EvictionMaintainsReverseIndex(t *testing.T) {
	c, _ := New(2, time.Minute)

	c.Set(key("f", "u1"), 1, 0)
	c.Set(key("f", "u2"), 2, 0)
	c.Set(key("f", "u3"), 3, 0) // evicts u1

	// Invalidation must not report entries the LRU already evicted.
	if removed := c.InvalidateByFlag("f"); removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
}

func TestCache_Cleanup(t *testing.T) {
	c, _ := New(10, time.Minute)

	c.Set(key("f", "short"), 1, 5*time.Millisecond)
	c.Set(key("f", "long"), 2, time.Minute)
	time.Sleep(10 * time.Millisecond)

	if removed := c.Cleanup(); removed != 1 {
		t.Errorf("Cleanup removed %d, want 1", removed)
	}
	if _, ok := c.Get(key("f", "long")); !ok {
		t.Error("live entry removed by Cleanup")
	}
}

func TestCache_Stats(t *testing.T) {
	c, _ := New(10, time.Minute)

	c.Set(key("f", "u1"), 1, 0)
	c.Get(key("f", "u1")) // hit
	c.Get(key("f", "u2")) // miss

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", s.Hits, s.Misses)
	}
	if s.HitRate != 0.5 {
		t.Errorf("hitRate = %v, want 0.5", s.HitRate)
	}
	if s.MaxSize != 10 || s.Size != 1 {
		t.Errorf("size/maxSize = %d/%d, want 1/10", s.Size, s.MaxSize)
	}
}

func TestCache_SubscribeReceivesInvalidation(t *testing.T) {
	c, _ := New(10, time.Minute)

	ch, unsub := c.Subscribe()
	defer unsub()

	c.Set(key("f1", "u1"), 1, 0)
	c.InvalidateByFlag("f1")

	select {
	case flagKey := <-ch:
		if flagKey != "f1" {
			t.Errorf("received %q, want f1", flagKey)
		}
	case <-time.After(time.Second):
		t.Fatal("no invalidation notification received")
	}
}

func TestNotifier_SlowSubscriberDoesNotBlock(t *testing.T) {
	n := NewNotifier()
	_, unsub := n.Subscribe()
	defer unsub()

	// Buffer is 1; extra publishes must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			n.Publish("f")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}
