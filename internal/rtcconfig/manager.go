package rtcconfig

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// initState is the explicit memoization field for idempotent initialization:
// not started, one attempt in flight, or completed.
type initState int

const (
	initNotStarted initState = iota
	initInFlight
	initDone
)

// ManagerStatus is an introspection snapshot.
type ManagerStatus struct {
	Initialized bool `json:"initialized"`
	Live        bool `json:"live"`
	Subscribers int  `json:"subscribers"`
	Version     int  `json:"version"`
}

// Manager is the process-wide orchestration layer: the rest of the system
// treats configuration as an always-available value plus a change feed,
// without seeing the fetch/cache/subscribe mechanics underneath.
type Manager struct {
	svc *Service
	log zerolog.Logger

	mu        sync.Mutex
	state     initState
	inflight  chan struct{}
	current   *Config
	subs      subMap
	nextID    int
	unsubLive func()
}

func NewManager(svc *Service, log zerolog.Logger) *Manager {
	return &Manager{
		svc:  svc,
		log:  log,
		subs: make(subMap),
	}
}

// Initialize is idempotent: a second call while the first is pending joins
// the same attempt. It loads the cache if present, tries a server refresh,
// adopts the server value when it differs, and subscribes to live changes.
// On total failure it falls back to the default document and still reports
// itself initialized, so configuration never blocks the rest of the process.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case initDone:
		m.mu.Unlock()
		return nil
	case initInFlight:
		done := m.inflight
		m.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	m.inflight = done
	m.state = initInFlight
	m.mu.Unlock()

	if cached := m.svc.CachedConfig(); cached != nil {
		m.adopt(cached, false)
	}

	server, err := m.svc.fetch(ctx)
	switch {
	case err == nil:
		m.mu.Lock()
		changed := !server.Equal(m.current)
		m.mu.Unlock()
		if changed {
			m.svc.CacheLocally(server)
		}
		m.adopt(server, changed)
	default:
		m.log.Warn().Err(err).Msg("config refresh failed during init")
		m.mu.Lock()
		missing := m.current == nil
		m.mu.Unlock()
		if missing {
			m.adopt(Default(), false)
			m.log.Warn().Msg("operating on default config")
		}
	}

	unsub, err := m.svc.OnConfigUpdate(func(cfg *Config) { m.adopt(cfg, true) })
	if err != nil {
		m.log.Warn().Err(err).Msg("config live subscription unavailable")
	}

	m.mu.Lock()
	m.unsubLive = unsub
	m.state = initDone
	m.mu.Unlock()
	close(done)
	return nil
}

// adopt installs cfg as the current value and, when notify is set, fans it
// out to local subscribers.
func (m *Manager) adopt(cfg *Config, notify bool) {
	m.mu.Lock()
	m.current = cfg
	var fns []func(*Config)
	if notify {
		fns = make([]func(*Config), 0, len(m.subs))
		for _, fn := range m.subs {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range fns {
		m.svc.safeNotify(fn, cfg)
	}
}

// GetConfig returns the current config, initializing lazily if needed.
func (m *Manager) GetConfig(ctx context.Context) (*Config, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Default(), nil
	}
	return m.current, nil
}

// GetConfigSync never blocks: it returns the current value, or the default
// when initialization has not completed yet.
func (m *Manager) GetConfigSync() *Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Default()
	}
	return m.current
}

// OnConfigUpdate registers a local subscriber. When a config value is
// already known the callback fires immediately with it, so new subscribers
// never wait for the next external change.
func (m *Manager) OnConfigUpdate(fn func(*Config)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	cur := m.current
	m.mu.Unlock()

	if cur != nil {
		m.svc.safeNotify(fn, cur)
	}
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// RefreshConfig forces a server fetch bypassing cache freshness, propagates
// the result to cache and subscribers, and surfaces errors. It backs
// explicit user-triggered refresh, unlike the passive read paths.
func (m *Manager) RefreshConfig(ctx context.Context) (*Config, error) {
	server, err := m.svc.fetch(ctx)
	if err != nil {
		return nil, err
	}
	m.svc.CacheLocally(server)
	m.adopt(server, true)
	return server, nil
}

// UpdateConfig applies a patch through the service and adopts the result.
func (m *Manager) UpdateConfig(ctx context.Context, patch map[string]any) (*Config, error) {
	cfg, err := m.svc.UpdateConfig(ctx, patch)
	if err != nil {
		return nil, err
	}
	m.adopt(cfg, true)
	return cfg, nil
}

// Destroy unsubscribes from the live feed, clears local subscribers and
// resets to uninitialized.
func (m *Manager) Destroy() {
	m.mu.Lock()
	unsub := m.unsubLive
	m.unsubLive = nil
	m.subs = make(subMap)
	m.current = nil
	m.state = initNotStarted
	m.inflight = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	m.log.Info().Msg("config manager destroyed")
}

func (m *Manager) Status() ManagerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := ManagerStatus{
		Initialized: m.state == initDone,
		Live:        m.unsubLive != nil,
		Subscribers: len(m.subs),
	}
	if m.current != nil {
		st.Version = m.current.Version
	}
	return st
}

// Convenience accessors: thin derived reads off the current snapshot.

func (m *Manager) IsVoiceCallEnabled() bool { return m.GetConfigSync().EnableVoiceCall }
func (m *Manager) IsVideoCallEnabled() bool { return m.GetConfigSync().EnableVideoCall }
func (m *Manager) IsGroupCallEnabled() bool { return m.GetConfigSync().EnableGroupCall }

func (m *Manager) StunServers() []string { return m.GetConfigSync().StunServers() }

func (m *Manager) IsFileSupported(name string, size int64) bool {
	cfg := m.GetConfigSync()
	return cfg.EnableFileTransfer && cfg.IsFileTypeSupported(name) && cfg.IsFileSizeValid(size)
}

func (m *Manager) NetworkQuality(bandwidth, latency, packetLoss float64) QualityLevel {
	return m.GetConfigSync().QualityLevelFor(bandwidth, latency, packetLoss)
}
