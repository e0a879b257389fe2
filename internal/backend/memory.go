package backend

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It backs tests and the "memory" backend kind
// (offline/demo runs where no external backend is reachable). Live pushes are
// delivered synchronously from the mutating call, preserving backend order.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]map[string]map[string]any
	subs   map[*memSub]struct{}
	err    error
}

type memSub struct {
	m     *Memory
	table string
	f     Filter
	fn    func(Event)
}

func NewMemory() *Memory {
	return &Memory{
		tables: make(map[string]map[string]map[string]any),
		subs:   make(map[*memSub]struct{}),
	}
}

// SetErr makes every subsequent Store call fail with err (nil restores
// normal operation). Simulates a backend outage.
func (m *Memory) SetErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Memory) Create(ctx context.Context, table string, doc any) (string, error) {
	rec, err := toDoc(doc)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return "", err
	}
	id, _ := rec["id"].(string)
	if id == "" {
		id = uuid.NewString()
		rec["id"] = id
	}
	if _, ok := rec["created_at"].(string); !ok {
		rec["created_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	t := m.tables[table]
	if t == nil {
		t = make(map[string]map[string]any)
		m.tables[table] = t
	}
	t[id] = rec
	m.mu.Unlock()

	m.notify(table, Event{Action: ActionCreate, Table: table, ID: id}, rec)
	return id, nil
}

func (m *Memory) Select(ctx context.Context, table, id string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	rec, ok := m.tables[table][id]
	if !ok {
		return nil, nil
	}
	return json.Marshal(rec)
}

func (m *Memory) Update(ctx context.Context, table, id string, patch map[string]any) (json.RawMessage, error) {
	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return nil, err
	}
	rec, ok := m.tables[table][id]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}
	// Install a fresh merged map. Stored records are never mutated after
	// insertion, so readers can marshal them after releasing the lock.
	merged := make(map[string]any, len(rec)+len(patch))
	for k, v := range rec {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	m.tables[table][id] = merged
	m.mu.Unlock()

	m.notify(table, Event{Action: ActionUpdate, Table: table, ID: id}, merged)
	return json.Marshal(merged)
}

func (m *Memory) Delete(ctx context.Context, table, id string) error {
	m.mu.Lock()
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return err
	}
	rec, ok := m.tables[table][id]
	if ok {
		delete(m.tables[table], id)
	}
	m.mu.Unlock()

	if ok {
		m.notifyDelete(table, Event{Action: ActionDelete, Table: table, ID: id}, rec)
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, table string, f Filter) ([]json.RawMessage, error) {
	m.mu.RLock()
	if m.err != nil {
		err := m.err
		m.mu.RUnlock()
		return nil, err
	}
	var recs []map[string]any
	for _, rec := range m.tables[table] {
		if f.matches(rec) {
			recs = append(recs, rec)
		}
	}
	m.mu.RUnlock()

	// Newest first.
	sort.Slice(recs, func(i, j int) bool {
		return docTime(recs[i], "created_at").After(docTime(recs[j], "created_at"))
	})

	out := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (m *Memory) Live(ctx context.Context, table string, f Filter, fn func(Event)) (LiveHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	sub := &memSub{m: m, table: table, f: f, fn: fn}
	m.subs[sub] = struct{}{}
	return sub, nil
}

func (m *Memory) Kill(h LiveHandle) error { return h.kill() }

func (m *Memory) Close() error {
	m.mu.Lock()
	m.subs = make(map[*memSub]struct{})
	m.mu.Unlock()
	return nil
}

func (s *memSub) kill() error {
	s.m.mu.Lock()
	delete(s.m.subs, s)
	s.m.mu.Unlock()
	return nil
}

// notify delivers an event to every subscription the record matches.
// Called without the lock held so handlers can safely re-enter the store.
func (m *Memory) notify(table string, ev Event, rec map[string]any) {
	doc, err := json.Marshal(rec)
	if err != nil {
		return
	}
	ev.Doc = doc
	for _, sub := range m.matchingSubs(table, rec) {
		sub.fn(ev)
	}
}

func (m *Memory) notifyDelete(table string, ev Event, rec map[string]any) {
	for _, sub := range m.matchingSubs(table, rec) {
		sub.fn(ev)
	}
}

func (m *Memory) matchingSubs(table string, rec map[string]any) []*memSub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*memSub
	for sub := range m.subs {
		if sub.table == table && sub.f.matches(rec) {
			out = append(out, sub)
		}
	}
	return out
}
