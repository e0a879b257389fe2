package rtcconfig

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/caselink/signalhub/internal/backend"
	"github.com/caselink/signalhub/internal/errs"
)

func newTestManager(t *testing.T) (*backend.Memory, *Service, *Manager) {
	t.Helper()
	mem := backend.NewMemory()
	svc := NewService(mem, newMemCache(), zerolog.Nop())
	return mem, svc, NewManager(svc, zerolog.Nop())
}

func TestConcurrentInitializeSingleFetch(t *testing.T) {
	mem := backend.NewMemory()
	gate := make(chan struct{})
	cs := &countingStore{Store: mem, queryGate: gate}
	svc := NewService(cs, newMemCache(), zerolog.Nop())
	seedDoc(t, mem)
	mgr := NewManager(svc, zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			if err := mgr.Initialize(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	queries, lives, _ := cs.counts()
	if queries != 1 {
		t.Fatalf("expected exactly one backend fetch, got %d", queries)
	}
	if lives != 1 {
		t.Fatalf("expected exactly one live subscription, got %d", lives)
	}

	// A third call is a no-op.
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if q, _, _ := cs.counts(); q != 1 {
		t.Fatalf("repeat initialize refetched (%d queries)", q)
	}
}

func TestOnConfigUpdateFiresImmediately(t *testing.T) {
	mem, _, mgr := newTestManager(t)
	seedDoc(t, mem)
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	var got *Config
	unsub := mgr.OnConfigUpdate(func(c *Config) { got = c })
	defer unsub()

	if got == nil {
		t.Fatal("subscriber did not receive the known value immediately")
	}
	if got.Key != Key {
		t.Fatalf("unexpected initial value: %+v", got)
	}
}

func TestGetConfigSyncBeforeInitialize(t *testing.T) {
	_, _, mgr := newTestManager(t)
	if !mgr.GetConfigSync().Equal(Default()) {
		t.Fatal("uninitialized manager should serve the default")
	}
}

func TestInitializeSurvivesBackendOutage(t *testing.T) {
	mem, _, mgr := newTestManager(t)
	mem.SetErr(errors.New("backend down"))

	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize must not fail hard: %v", err)
	}
	if !mgr.Status().Initialized {
		t.Fatal("manager not marked initialized after fallback")
	}
	if !mgr.GetConfigSync().Equal(Default()) {
		t.Fatal("fallback value is not the default document")
	}
}

func TestRefreshConfigSurfacesErrors(t *testing.T) {
	mem, _, mgr := newTestManager(t)
	seedDoc(t, mem)
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	mem.SetErr(errors.New("backend down"))
	if _, err := mgr.RefreshConfig(context.Background()); !errs.IsConfigFetch(err) {
		t.Fatalf("expected CONFIG_FETCH error, got %v", err)
	}
	mem.SetErr(nil)

	cfg, err := mgr.RefreshConfig(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Key != Key {
		t.Fatalf("unexpected refreshed document: %+v", cfg)
	}
}

func TestRemotePushAdoptedAndFannedOut(t *testing.T) {
	mem, _, mgr := newTestManager(t)
	id := seedDoc(t, mem)
	ctx := context.Background()
	if err := mgr.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	var notified []*Config
	unsub := mgr.OnConfigUpdate(func(c *Config) { notified = append(notified, c) })
	defer unsub()
	if len(notified) != 1 {
		t.Fatalf("expected one immediate notification, got %d", len(notified))
	}

	// Simulate an admin edit landing on the backend.
	if _, err := mem.Update(ctx, backend.TableConfig, id, map[string]any{
		"enable_voice_call": false,
		"version":           99,
	}); err != nil {
		t.Fatal(err)
	}

	if len(notified) != 2 {
		t.Fatalf("push not fanned out: %d notifications", len(notified))
	}
	if mgr.GetConfigSync().EnableVoiceCall {
		t.Fatal("manager did not adopt the pushed value")
	}
	if mgr.Status().Version != 99 {
		t.Fatalf("status version = %d, want 99", mgr.Status().Version)
	}
}

func TestUpdateConfigThroughManager(t *testing.T) {
	mem, _, mgr := newTestManager(t)
	seedDoc(t, mem)
	ctx := context.Background()
	if err := mgr.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.UpdateConfig(ctx, map[string]any{"enable_video_call": false}); err != nil {
		t.Fatal(err)
	}
	cfg := mgr.GetConfigSync()
	if cfg.EnableVideoCall {
		t.Fatal("manager snapshot not updated")
	}
	if !cfg.EnableVoiceCall {
		t.Fatal("merge dropped an unpatched field")
	}
}

func TestDestroyResetsManager(t *testing.T) {
	mem, _, mgr := newTestManager(t)
	seedDoc(t, mem)
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	mgr.Destroy()
	st := mgr.Status()
	if st.Initialized || st.Live || st.Subscribers != 0 {
		t.Fatalf("destroy left residue: %+v", st)
	}
	if !mgr.GetConfigSync().Equal(Default()) {
		t.Fatal("destroyed manager should serve the default")
	}

	// Manager can be initialized again after destroy.
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !mgr.Status().Initialized {
		t.Fatal("re-initialize after destroy failed")
	}
}

func TestConvenienceAccessors(t *testing.T) {
	_, _, mgr := newTestManager(t)

	if !mgr.IsVoiceCallEnabled() || !mgr.IsVideoCallEnabled() || !mgr.IsGroupCallEnabled() {
		t.Fatal("default toggles should be enabled")
	}
	if len(mgr.StunServers()) == 0 {
		t.Fatal("default config should list stun servers")
	}
	if !mgr.IsFileSupported("scan.png", 1024) {
		t.Fatal("small png should pass")
	}
	if mgr.IsFileSupported("scan.png", 500<<20) {
		t.Fatal("oversized file should fail")
	}
	if mgr.NetworkQuality(2500, 10, 0.01) != QualityExcellent {
		t.Fatal("quality accessor disagrees with document")
	}
}

// seedDoc writes the default document straight to the backend and returns
// its record id.
func seedDoc(t *testing.T, mem *backend.Memory) string {
	t.Helper()
	doc, err := docMap(Default())
	if err != nil {
		t.Fatal(err)
	}
	id, err := mem.Create(context.Background(), backend.TableConfig, doc)
	if err != nil {
		t.Fatal(err)
	}
	return id
}
