package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"warden/internal/session"
)

// skipIfNoRedis skips the test if Redis is not available
func skipIfNoRedis(t *testing.T) {
	addr := getRedisAddr()

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping test")
	}
	client.Close()
}

func getRedisAddr() string {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	return addr
}

func newTestRedisStore(t *testing.T) *session.RedisStore {
	addr := getRedisAddr()

	store, err := session.NewRedisStore(session.RedisConfig{
		Addr:      addr,
		KeyPrefix: "warden:integration-test:",
	}, 5*time.Minute)
	if err != nil {
		t.Fatalf("failed to create Redis store: %v", err)
	}

	// Clean up test keys before and after
	cleanupTestKeys(t, addr)
	t.Cleanup(func() {
		cleanupTestKeys(t, addr)
		store.Close()
	})

	return store
}

func cleanupTestKeys(t *testing.T, addr string) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	keys, _ := client.Keys(ctx, "warden:integration-test:*").Result()
	if len(keys) > 0 {
		client.Del(ctx, keys...)
	}
}

func probe(method, path string) session.RequestLog {
	return session.RequestLog{
		Timestamp: time.Now(),
		Method:    method,
		Path:      path,
		UserAgent: "curl/7.68.0",
	}
}

func TestRedisStore_PutGetRoundTrip(t *testing.T) {
	skipIfNoRedis(t)
	store := newTestRedisStore(t)
	ctx := context.Background()

	sess := session.NewSession("203.0.113.10")
	sess.Touch(probe("GET", "/"))
	sess.Touch(probe("GET", "/admin"))
	sess.TagFingerprint("sig-abc")
	sess.RecordScore(72)

	if err := store.Put(ctx, sess); err != nil {
		t.Fatalf("put: %v", err)
	}

	retrieved, ok, err := store.Get(ctx, "203.0.113.10")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected to find session")
	}

	snap := retrieved.Snapshot()
	if snap.RequestCount != 2 {
		t.Errorf("expected 2 requests, got %d", snap.RequestCount)
	}
	if len(snap.Requests) != 2 || snap.Requests[1].Path != "/admin" {
		t.Errorf("unexpected request log: %+v", snap.Requests)
	}
	if len(snap.Fingerprints) != 1 || snap.Fingerprints[0] != "sig-abc" {
		t.Errorf("unexpected fingerprints: %v", snap.Fingerprints)
	}
	if len(snap.ScoreHistory) != 1 || snap.ScoreHistory[0].Score != 72 {
		t.Errorf("unexpected score history: %+v", snap.ScoreHistory)
	}
}

func TestRedisStore_GetMissing(t *testing.T) {
	skipIfNoRedis(t)
	store := newTestRedisStore(t)

	_, ok, err := store.Get(context.Background(), "198.51.100.99")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("expected session not to be found")
	}
}

func TestRedisStore_Delete(t *testing.T) {
	skipIfNoRedis(t)
	store := newTestRedisStore(t)
	ctx := context.Background()

	sess := session.NewSession("203.0.113.11")
	sess.Touch(probe("GET", "/"))
	if err := store.Put(ctx, sess); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := store.Delete(ctx, "203.0.113.11"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, ok, _ := store.Get(ctx, "203.0.113.11"); ok {
		t.Error("expected session to be deleted")
	}
	if count := store.Count(ctx); count != 0 {
		t.Errorf("expected empty index after delete, got %d", count)
	}
}

func TestRedisStore_IPsAndCount(t *testing.T) {
	skipIfNoRedis(t)
	store := newTestRedisStore(t)
	ctx := context.Background()

	ips := []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"}
	for _, ip := range ips {
		sess := session.NewSession(ip)
		sess.Touch(probe("GET", "/"))
		if err := store.Put(ctx, sess); err != nil {
			t.Fatalf("put %s: %v", ip, err)
		}
	}

	if count := store.Count(ctx); count != 3 {
		t.Errorf("expected count 3, got %d", count)
	}

	tracked, err := store.IPs(ctx)
	if err != nil {
		t.Fatalf("ips: %v", err)
	}
	seen := make(map[string]bool, len(tracked))
	for _, ip := range tracked {
		seen[ip] = true
	}
	for _, ip := range ips {
		if !seen[ip] {
			t.Errorf("expected %s in index", ip)
		}
	}
}

func TestRedisStore_SweepReconcilesIndex(t *testing.T) {
	skipIfNoRedis(t)
	store := newTestRedisStore(t)
	ctx := context.Background()

	sess := session.NewSession("203.0.113.20")
	sess.Touch(probe("GET", "/"))
	if err := store.Put(ctx, sess); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Simulate Redis expiring the session key while the index entry
	// survives.
	client := redis.NewClient(&redis.Options{Addr: getRedisAddr()})
	defer client.Close()
	if err := client.Del(ctx, "warden:integration-test:203.0.113.20").Err(); err != nil {
		t.Fatalf("del session key: %v", err)
	}

	removed := store.Sweep(ctx)
	if len(removed) != 1 || removed[0] != "203.0.113.20" {
		t.Errorf("expected sweep to reconcile 203.0.113.20, got %v", removed)
	}
	if count := store.Count(ctx); count != 0 {
		t.Errorf("expected empty index after sweep, got %d", count)
	}
}

func TestRedisStore_ManagerTrackFlow(t *testing.T) {
	skipIfNoRedis(t)
	store := newTestRedisStore(t)
	ctx := context.Background()

	manager := session.NewManager(store, 5*time.Minute, time.Minute)

	if _, err := manager.Track(ctx, "203.0.113.30", probe("GET", "/")); err != nil {
		t.Fatalf("track: %v", err)
	}
	snap, err := manager.Track(ctx, "203.0.113.30", probe("GET", "/products"))
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if snap.RequestCount != 2 {
		t.Errorf("expected 2 tracked requests, got %d", snap.RequestCount)
	}

	if err := manager.RecordScore(ctx, "203.0.113.30", 35); err != nil {
		t.Fatalf("record score: %v", err)
	}

	got, ok := manager.Get(ctx, "203.0.113.30")
	if !ok {
		t.Fatal("expected session via manager")
	}
	if len(got.ScoreHistory) != 1 || got.ScoreHistory[0].Score != 35 {
		t.Errorf("unexpected score history: %+v", got.ScoreHistory)
	}

	stats := manager.Stats(ctx)
	if stats.ActiveSessions != 1 {
		t.Errorf("expected 1 active session, got %d", stats.ActiveSessions)
	}
}

func TestRedisStore_SharedAcrossInstances(t *testing.T) {
	skipIfNoRedis(t)
	store := newTestRedisStore(t)
	ctx := context.Background()

	sess := session.NewSession("203.0.113.40")
	sess.Touch(probe("GET", "/"))
	sess.TagFingerprint("sig-shared")
	if err := store.Put(ctx, sess); err != nil {
		t.Fatalf("put: %v", err)
	}

	// A second instance over the same prefix sees the session.
	store2, err := session.NewRedisStore(session.RedisConfig{
		Addr:      getRedisAddr(),
		KeyPrefix: "warden:integration-test:",
	}, 5*time.Minute)
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	defer store2.Close()

	retrieved, ok, err := store2.Get(ctx, "203.0.113.40")
	if err != nil {
		t.Fatalf("get via second store: %v", err)
	}
	if !ok {
		t.Fatal("expected session visible to second instance")
	}
	if snap := retrieved.Snapshot(); len(snap.Fingerprints) != 1 || snap.Fingerprints[0] != "sig-shared" {
		t.Errorf("unexpected fingerprints via second instance: %v", snap.Fingerprints)
	}
}
