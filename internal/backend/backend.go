// Package backend defines the live data backend port: a record store with a
// push-based live subscription primitive, plus the adapters that implement it
// (Redis, a websocket gateway, and an in-process store for tests and offline
// runs). The services above this package never assume a query language; they
// express everything through Filter.
package backend

import (
	"context"
	"encoding/json"
	"time"
)

// Tables used by the services.
const (
	TableSignal = "signal"
	TableConfig = "config"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Event is one live push: a record matching a subscription's filter was
// created, updated or deleted. Doc is nil for deletes.
type Event struct {
	Action Action          `json:"action"`
	Table  string          `json:"table"`
	ID     string          `json:"id"`
	Doc    json.RawMessage `json:"doc,omitempty"`
}

// Clause matches records whose field equals any of the given values.
type Clause struct {
	Field  string   `json:"field"`
	Values []string `json:"values"`
}

// Filter selects records matching at least one clause (OR semantics).
// A zero Before means no time bound; otherwise only records created strictly
// before the cutoff match. A Filter with no clauses matches every record,
// which is only useful together with Before (expired-record sweeps).
type Filter struct {
	Any    []Clause  `json:"any,omitempty"`
	Before time.Time `json:"before,omitzero"`
}

// Eq builds a single-clause equality filter.
func Eq(field, value string) Filter {
	return Filter{Any: []Clause{{Field: field, Values: []string{value}}}}
}

// Or adds another clause to the filter and returns it.
func (f Filter) Or(field string, values ...string) Filter {
	if len(values) == 0 {
		return f
	}
	f.Any = append(f.Any, Clause{Field: field, Values: values})
	return f
}

// LiveHandle identifies one active live subscription. Handles are only valid
// with the Store that issued them.
type LiveHandle interface {
	kill() error
}

// Store is the contract every live data backend adapter satisfies.
// Select returns (nil, nil) when no record with the given id exists.
// Update applies a shallow merge of patch onto the stored record and returns
// the merged document. Live registers fn for pushes until Kill is called;
// fn is invoked from the adapter's delivery goroutine (or synchronously for
// the in-process store) and must not block for long.
type Store interface {
	Create(ctx context.Context, table string, doc any) (string, error)
	Select(ctx context.Context, table, id string) (json.RawMessage, error)
	Update(ctx context.Context, table, id string, patch map[string]any) (json.RawMessage, error)
	Delete(ctx context.Context, table, id string) error
	Query(ctx context.Context, table string, f Filter) ([]json.RawMessage, error)
	Live(ctx context.Context, table string, f Filter, fn func(Event)) (LiveHandle, error)
	Kill(h LiveHandle) error
	Close() error
}

// matches reports whether a decoded record satisfies the filter.
func (f Filter) matches(doc map[string]any) bool {
	if !f.Before.IsZero() {
		created := docTime(doc, "created_at")
		if created.IsZero() || !created.Before(f.Before) {
			return false
		}
	}
	if len(f.Any) == 0 {
		return true
	}
	for _, c := range f.Any {
		v, ok := doc[c.Field].(string)
		if !ok || v == "" {
			continue
		}
		for _, want := range c.Values {
			if v == want {
				return true
			}
		}
	}
	return false
}

// docTime extracts an RFC 3339 timestamp field from a decoded record.
func docTime(doc map[string]any, field string) time.Time {
	s, ok := doc[field].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// toDoc normalizes an arbitrary value into a decoded record map.
func toDoc(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
