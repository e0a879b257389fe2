package rtcconfig

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/caselink/signalhub/internal/backend"
	"github.com/caselink/signalhub/internal/errs"
)

const (
	cacheKey = "rtc_config"

	// fallbackAge: a cached config may stand in for an unreachable backend
	// only while younger than this.
	fallbackAge = 5 * time.Minute

	// maxAge: cache entries older than this are treated as absent and are
	// purged on the read that discovers them.
	maxAge = time.Hour
)

// BlobCache is the surface the service needs from the local persistent cache.
type BlobCache interface {
	Set(key string, v any) error
	Get(key string, out any) (time.Time, bool, error)
	Delete(key string) error
}

type subMap map[int]func(*Config)

// Service reads and distributes the shared config document with multi-tier
// fallback (server, fresh cache, baked-in default) and a reference-counted
// live subscription for push notifications.
type Service struct {
	store backend.Store
	cache BlobCache
	log   zerolog.Logger

	subMu  sync.Mutex
	subs   subMap
	nextID int
	live   backend.LiveHandle
}

func NewService(store backend.Store, cache BlobCache, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		cache: cache,
		log:   log,
		subs:  make(subMap),
	}
}

// GetRTCConfig is a best-effort read: backend first, then a cache entry
// younger than five minutes, then the default. Never returns an error; a
// successful fetch refreshes the cache.
func (s *Service) GetRTCConfig(ctx context.Context) *Config {
	cfg, err := s.fetch(ctx)
	if err == nil {
		s.CacheLocally(cfg)
		return cfg
	}
	s.log.Warn().Err(err).Msg("config fetch failed, falling back")

	if cached, storedAt, ok := s.cachedEntry(); ok && time.Since(storedAt) < fallbackAge {
		return cached
	}
	return Default()
}

// fetch reads the authoritative document from the backend.
func (s *Service) fetch(ctx context.Context) (*Config, error) {
	docs, err := s.store.Query(ctx, backend.TableConfig, backend.Eq("key", Key))
	if err != nil {
		return nil, errs.ConfigFetch("config query failed", err)
	}
	if len(docs) == 0 {
		return nil, errs.ConfigFetch("config document not found", nil)
	}
	var cfg Config
	if err := json.Unmarshal(docs[0], &cfg); err != nil {
		return nil, errs.ConfigFetch("config document undecodable", err)
	}
	return &cfg, nil
}

// CacheLocally stores the config in the local shadow, resetting its age.
func (s *Service) CacheLocally(cfg *Config) {
	if err := s.cache.Set(cacheKey, cfg); err != nil {
		s.log.Warn().Err(err).Msg("config cache write failed")
	}
}

// CachedConfig returns the locally cached config, or nil when the cache is
// empty or the entry has aged past one hour (stale entries are purged).
func (s *Service) CachedConfig() *Config {
	cfg, _, ok := s.cachedEntry()
	if !ok {
		return nil
	}
	return cfg
}

func (s *Service) cachedEntry() (*Config, time.Time, bool) {
	var cfg Config
	storedAt, ok, err := s.cache.Get(cacheKey, &cfg)
	if err != nil {
		s.log.Warn().Err(err).Msg("config cache read failed")
		return nil, time.Time{}, false
	}
	if !ok {
		return nil, time.Time{}, false
	}
	if time.Since(storedAt) >= maxAge {
		if err := s.cache.Delete(cacheKey); err != nil {
			s.log.Warn().Err(err).Msg("stale config cache purge failed")
		}
		return nil, time.Time{}, false
	}
	return &cfg, storedAt, true
}

// ClearLocalCache drops the cached config.
func (s *Service) ClearLocalCache() {
	if err := s.cache.Delete(cacheKey); err != nil {
		s.log.Warn().Err(err).Msg("config cache clear failed")
	}
}

// OnConfigUpdate registers a listener for config pushes and returns its
// unsubscribe function. The live subscription to the config document exists
// while at least one listener is registered: opened for the first, torn down
// when the last unsubscribes.
func (s *Service) OnConfigUpdate(fn func(*Config)) (func(), error) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	if s.live == nil {
		h, err := s.store.Live(context.Background(), backend.TableConfig, backend.Eq("key", Key), s.handlePush)
		if err != nil {
			delete(s.subs, id)
			s.subMu.Unlock()
			return nil, errs.Connection("config subscription failed", err)
		}
		s.live = h
	}
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		var h backend.LiveHandle
		if len(s.subs) == 0 && s.live != nil {
			h = s.live
			s.live = nil
		}
		s.subMu.Unlock()
		if h != nil {
			if err := s.store.Kill(h); err != nil {
				s.log.Warn().Err(err).Msg("config unsubscribe failed")
			}
		}
	}, nil
}

// handlePush fans one pushed config document out to all listeners and
// refreshes the cache. Listener panics are contained per listener.
func (s *Service) handlePush(ev backend.Event) {
	if ev.Action == backend.ActionDelete {
		return
	}
	var cfg Config
	if err := json.Unmarshal(ev.Doc, &cfg); err != nil {
		s.log.Warn().Err(err).Msg("undecodable config push")
		return
	}
	s.CacheLocally(&cfg)

	s.subMu.Lock()
	fns := make([]func(*Config), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		s.safeNotify(fn, &cfg)
	}
}

func (s *Service) safeNotify(fn func(*Config), cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Any("panic", r).Msg("config listener panicked")
		}
	}()
	fn(cfg)
}

// UpdateConfig shallow-merges patch onto the current authoritative document
// and writes it back, bumping the version counter. Last write wins at
// document granularity; callers hold write privilege by contract.
func (s *Service) UpdateConfig(ctx context.Context, patch map[string]any) (*Config, error) {
	docs, err := s.store.Query(ctx, backend.TableConfig, backend.Eq("key", Key))
	if err != nil {
		return nil, errs.ConfigFetch("config read for update failed", err)
	}

	merged := make(map[string]any, len(patch)+2)
	for k, v := range patch {
		merged[k] = v
	}
	merged["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	var raw json.RawMessage
	if len(docs) == 0 {
		// First write: seed from the default document.
		base, err := docMap(Default())
		if err != nil {
			return nil, err
		}
		for k, v := range merged {
			base[k] = v
		}
		base["key"] = Key
		id, err := s.store.Create(ctx, backend.TableConfig, base)
		if err != nil {
			return nil, errs.Wrap(errs.CodeDelivery, "config create failed", err)
		}
		raw, err = s.store.Select(ctx, backend.TableConfig, id)
		if err != nil {
			return nil, errs.ConfigFetch("config readback failed", err)
		}
	} else {
		var current struct {
			ID      string `json:"id"`
			Version int    `json:"version"`
		}
		if err := json.Unmarshal(docs[0], &current); err != nil {
			return nil, errs.ConfigFetch("config document undecodable", err)
		}
		merged["version"] = current.Version + 1
		raw, err = s.store.Update(ctx, backend.TableConfig, current.ID, merged)
		if err != nil {
			return nil, errs.Wrap(errs.CodeDelivery, "config update failed", err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errs.ConfigFetch("merged config undecodable", err)
	}
	s.CacheLocally(&cfg)
	s.log.Info().Int("version", cfg.Version).Msg("config updated")
	return &cfg, nil
}

// snapshot is the config the derived predicates evaluate against: the cached
// value when fresh enough, otherwise the default. No network round trip.
func (s *Service) snapshot() *Config {
	if cfg := s.CachedConfig(); cfg != nil {
		return cfg
	}
	return Default()
}

func (s *Service) IsFileTypeSupported(name string) bool {
	return s.snapshot().IsFileTypeSupported(name)
}

func (s *Service) IsFileSizeValid(size int64) bool {
	return s.snapshot().IsFileSizeValid(size)
}

func (s *Service) NetworkQualityLevel(bandwidth, latency, packetLoss float64) QualityLevel {
	return s.snapshot().QualityLevelFor(bandwidth, latency, packetLoss)
}

func docMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
