package rtcconfig

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/caselink/signalhub/internal/backend"
	"github.com/caselink/signalhub/internal/errs"
)

// memCache is a BlobCache with adjustable timestamps so staleness rules can
// be tested without sleeping.
type memCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	data []byte
	at   time.Time
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]memEntry)}
}

func (c *memCache) Set(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[key] = memEntry{data: b, at: time.Now()}
	c.mu.Unlock()
	return nil
}

func (c *memCache) Get(key string, out any) (time.Time, bool, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return time.Time{}, false, nil
	}
	if err := json.Unmarshal(e.data, out); err != nil {
		return time.Time{}, false, err
	}
	return e.at, true, nil
}

func (c *memCache) Delete(key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *memCache) backdate(key string, d time.Duration) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.at = e.at.Add(-d)
		c.entries[key] = e
	}
	c.mu.Unlock()
}

func (c *memCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// countingStore counts backend touches for subscription lifecycle assertions.
type countingStore struct {
	backend.Store
	mu      sync.Mutex
	queries int
	lives   int
	kills   int

	queryGate chan struct{} // when set, Query blocks until the gate closes
}

func (c *countingStore) Query(ctx context.Context, table string, f backend.Filter) ([]json.RawMessage, error) {
	c.mu.Lock()
	c.queries++
	gate := c.queryGate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return c.Store.Query(ctx, table, f)
}

func (c *countingStore) Live(ctx context.Context, table string, f backend.Filter, fn func(backend.Event)) (backend.LiveHandle, error) {
	c.mu.Lock()
	c.lives++
	c.mu.Unlock()
	return c.Store.Live(ctx, table, f, fn)
}

func (c *countingStore) Kill(h backend.LiveHandle) error {
	c.mu.Lock()
	c.kills++
	c.mu.Unlock()
	return c.Store.Kill(h)
}

func (c *countingStore) counts() (queries, lives, kills int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries, c.lives, c.kills
}

func seedConfig(t *testing.T, svc *Service) *Config {
	t.Helper()
	cfg, err := svc.UpdateConfig(context.Background(), map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestGetRTCConfigTiers(t *testing.T) {
	mem := backend.NewMemory()
	lc := newMemCache()
	svc := NewService(mem, lc, zerolog.Nop())
	ctx := context.Background()
	seedConfig(t, svc)

	t.Run("backend reachable", func(t *testing.T) {
		cfg := svc.GetRTCConfig(ctx)
		if cfg.Key != Key {
			t.Fatalf("unexpected document: %+v", cfg)
		}
		if !lc.has(cacheKey) {
			t.Fatal("successful fetch did not refresh the cache")
		}
	})

	t.Run("backend down, cache fresh", func(t *testing.T) {
		mem.SetErr(errors.New("backend down"))
		defer mem.SetErr(nil)

		cfg := svc.GetRTCConfig(ctx)
		if cfg.Key != Key || cfg.Version < 1 {
			t.Fatalf("expected cached document, got %+v", cfg)
		}
	})

	t.Run("backend down, cache too old for fallback", func(t *testing.T) {
		mem.SetErr(errors.New("backend down"))
		defer mem.SetErr(nil)
		lc.backdate(cacheKey, 10*time.Minute)

		cfg := svc.GetRTCConfig(ctx)
		if !cfg.Equal(Default()) {
			t.Fatal("expected the default document")
		}
	})

	t.Run("backend down, no cache", func(t *testing.T) {
		mem.SetErr(errors.New("backend down"))
		defer mem.SetErr(nil)
		svc.ClearLocalCache()

		cfg := svc.GetRTCConfig(ctx)
		if !cfg.Equal(Default()) {
			t.Fatal("expected the default document")
		}
	})
}

func TestCacheHardTTL(t *testing.T) {
	mem := backend.NewMemory()
	lc := newMemCache()
	svc := NewService(mem, lc, zerolog.Nop())

	svc.CacheLocally(Default())
	if svc.CachedConfig() == nil {
		t.Fatal("fresh cache entry not returned")
	}

	lc.backdate(cacheKey, 2*time.Hour)
	if svc.CachedConfig() != nil {
		t.Fatal("stale cache entry returned")
	}
	if lc.has(cacheKey) {
		t.Fatal("stale entry not purged on read")
	}
}

func TestNetworkQualityLevels(t *testing.T) {
	cfg := Default()
	cases := []struct {
		bandwidth, latency, loss float64
		want                     QualityLevel
	}{
		{2500, 10, 0.01, QualityExcellent},
		{1200, 100, 0.03, QualityGood},
		{600, 250, 0.08, QualityFair},
		{100, 500, 5, QualityPoor},
		{10, 5000, 50, QualityPoor}, // nothing matches: poor is the floor
	}
	for _, tc := range cases {
		if got := cfg.QualityLevelFor(tc.bandwidth, tc.latency, tc.loss); got != tc.want {
			t.Errorf("QualityLevelFor(%v, %v, %v) = %s, want %s",
				tc.bandwidth, tc.latency, tc.loss, got, tc.want)
		}
	}
}

func TestFilePredicates(t *testing.T) {
	mem := backend.NewMemory()
	svc := NewService(mem, newMemCache(), zerolog.Nop())

	if !svc.IsFileTypeSupported("brief.PDF") {
		t.Fatal("pdf should be supported (case-insensitive)")
	}
	if svc.IsFileTypeSupported("malware.exe") {
		t.Fatal("exe should not be supported")
	}
	if svc.IsFileTypeSupported("noextension") {
		t.Fatal("extensionless names should not be supported")
	}
	if !svc.IsFileSizeValid(1024) {
		t.Fatal("1 KiB should be valid")
	}
	if svc.IsFileSizeValid(0) || svc.IsFileSizeValid(500<<20) {
		t.Fatal("zero and oversized files should be invalid")
	}
}

func TestRefcountedSubscription(t *testing.T) {
	cs := &countingStore{Store: backend.NewMemory()}
	svc := NewService(cs, newMemCache(), zerolog.Nop())

	unsub1, err := svc.OnConfigUpdate(func(*Config) {})
	if err != nil {
		t.Fatal(err)
	}
	unsub2, err := svc.OnConfigUpdate(func(*Config) {})
	if err != nil {
		t.Fatal(err)
	}
	if _, lives, _ := cs.counts(); lives != 1 {
		t.Fatalf("expected one shared live subscription, got %d", lives)
	}

	unsub1()
	if _, _, kills := cs.counts(); kills != 0 {
		t.Fatal("subscription torn down while a listener remains")
	}
	unsub2()
	if _, _, kills := cs.counts(); kills != 1 {
		t.Fatal("subscription not torn down after last unsubscribe")
	}
}

func TestUpdateConfigMerge(t *testing.T) {
	mem := backend.NewMemory()
	svc := NewService(mem, newMemCache(), zerolog.Nop())
	ctx := context.Background()
	seeded := seedConfig(t, svc)

	updated, err := svc.UpdateConfig(ctx, map[string]any{"enable_video_call": false})
	if err != nil {
		t.Fatal(err)
	}
	if updated.EnableVideoCall {
		t.Fatal("patched field not applied")
	}
	if !updated.EnableVoiceCall {
		t.Fatal("unpatched field lost in merge")
	}
	if updated.Version != seeded.Version+1 {
		t.Fatalf("version not bumped: %d -> %d", seeded.Version, updated.Version)
	}

	// The merged document is what a subsequent read returns.
	cfg := svc.GetRTCConfig(ctx)
	if cfg.EnableVideoCall || !cfg.EnableVoiceCall {
		t.Fatalf("read-back mismatch: %+v", cfg)
	}
}

func TestConfigPushReachesSubscribers(t *testing.T) {
	mem := backend.NewMemory()
	svc := NewService(mem, newMemCache(), zerolog.Nop())
	ctx := context.Background()
	seedConfig(t, svc)

	var got *Config
	unsub, err := svc.OnConfigUpdate(func(c *Config) { got = c })
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	if _, err := svc.UpdateConfig(ctx, map[string]any{"enable_group_call": false}); err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("subscriber not notified of config change")
	}
	if got.EnableGroupCall {
		t.Fatal("subscriber saw a stale document")
	}
}

func TestFetchFailureClassification(t *testing.T) {
	mem := backend.NewMemory()
	svc := NewService(mem, newMemCache(), zerolog.Nop())
	mem.SetErr(errors.New("backend down"))

	if _, err := svc.fetch(context.Background()); !errs.IsConfigFetch(err) {
		t.Fatalf("fetch failure not classified as CONFIG_FETCH: %v", err)
	}
}
