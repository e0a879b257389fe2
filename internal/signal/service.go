package signal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/caselink/signalhub/internal/backend"
	"github.com/caselink/signalhub/internal/errs"
	"github.com/caselink/signalhub/internal/util"
)

// State of the service's live subscription.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnected  State = "disconnected"
	StateDestroyed     State = "destroyed"
)

// recentCap is how many delivered signals Status keeps for introspection.
const recentCap = 64

// Listeners holds one callback per signal category. The set is replaced
// wholesale by SetEventListeners; nil entries mean the category is dropped.
// Callbacks run on the backend's delivery goroutine; panics are contained.
type Listeners struct {
	OnOffer            func(*Signal)
	OnAnswer           func(*Signal)
	OnICECandidate     func(*Signal)
	OnCallRequest      func(*Signal)
	OnCallAccept       func(*Signal)
	OnCallReject       func(*Signal)
	OnGroupCallRequest func(*Signal)
	OnGroupCallJoin    func(*Signal)
	OnGroupCallLeave   func(*Signal)
}

func (l *Listeners) forType(t Type) func(*Signal) {
	switch t {
	case TypeOffer:
		return l.OnOffer
	case TypeAnswer:
		return l.OnAnswer
	case TypeICECandidate:
		return l.OnICECandidate
	case TypeCallRequest:
		return l.OnCallRequest
	case TypeCallAccept:
		return l.OnCallAccept
	case TypeCallReject:
		return l.OnCallReject
	case TypeGroupCallRequest:
		return l.OnGroupCallRequest
	case TypeGroupCallJoin:
		return l.OnGroupCallJoin
	case TypeGroupCallLeave:
		return l.OnGroupCallLeave
	}
	return nil
}

// Status is a snapshot of the service for introspection. No side effects.
type Status struct {
	State     State    `json:"state"`
	UserID    string   `json:"user_id,omitempty"`
	Groups    []string `json:"groups,omitempty"`
	Delivered int64    `json:"delivered"`
}

// Service relays signaling messages and owns exactly one live subscription
// filtered to messages addressed to the local identity.
type Service struct {
	store backend.Store
	log   zerolog.Logger

	mu        sync.Mutex
	state     State
	userID    string
	groups    []string
	live      backend.LiveHandle
	listeners Listeners
	inflight  *initAttempt
	delivered int64

	recent *util.RingBuffer[Signal]
}

// initAttempt memoizes one in-flight Initialize so concurrent callers share
// the same subscription attempt instead of opening duplicates.
type initAttempt struct {
	done chan struct{}
	err  error
}

func New(store backend.Store, log zerolog.Logger) *Service {
	return &Service{
		store:  store,
		log:    log,
		state:  StateUninitialized,
		recent: util.NewRingBuffer[Signal](recentCap),
	}
}

// Initialize opens the live subscription for userID (and the groups it is a
// member of). Safe to call concurrently: while an attempt is in flight every
// caller waits on that same attempt. A connected service rejects a different
// userID; Destroy first to switch identities. Returns a connection error when
// the subscription cannot be established; the caller decides whether to retry.
func (s *Service) Initialize(ctx context.Context, userID string, groups ...string) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		cur := s.userID
		s.mu.Unlock()
		if userID != cur {
			return errs.Validation("already initialized as " + cur)
		}
		return nil
	case StateConnecting:
		att := s.inflight
		s.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	att := &initAttempt{done: make(chan struct{})}
	s.inflight = att
	s.state = StateConnecting
	s.userID = userID
	s.groups = append([]string(nil), groups...)
	s.mu.Unlock()

	filter := backend.Eq("to_user", userID).Or("group_id", groups...)
	h, err := s.store.Live(ctx, backend.TableSignal, filter, s.dispatch)

	s.mu.Lock()
	if err != nil {
		s.state = StateDisconnected
		att.err = errs.Connection("signaling subscription failed", err)
	} else {
		s.live = h
		s.state = StateConnected
	}
	s.inflight = nil
	close(att.done)
	s.mu.Unlock()

	if att.err != nil {
		s.log.Error().Err(att.err).Str("user", userID).Msg("signaling connect failed")
		return att.err
	}
	s.log.Info().Str("user", userID).Int("groups", len(groups)).Msg("signaling connected")
	return nil
}

// SetEventListeners replaces the active listener set wholesale. Replacement
// is atomic with respect to in-flight push delivery.
func (s *Service) SetEventListeners(l Listeners) {
	s.mu.Lock()
	s.listeners = l
	s.mu.Unlock()
}

// dispatch routes one backend push to the listener for its category.
// Only freshly created records are relayed; updates and deletes (cleanup)
// are not signaling traffic.
func (s *Service) dispatch(ev backend.Event) {
	if ev.Action != backend.ActionCreate {
		return
	}
	var sig Signal
	if err := json.Unmarshal(ev.Doc, &sig); err != nil {
		s.log.Warn().Err(err).Str("id", ev.ID).Msg("undecodable signal push")
		return
	}

	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	cb := s.listeners.forType(sig.Type)
	s.delivered++
	s.mu.Unlock()

	s.recent.Push(sig)

	if cb == nil {
		s.log.Debug().Str("type", string(sig.Type)).Msg("signal dropped, no listener")
		return
	}
	s.invoke(cb, &sig)
}

// invoke shields the push path from listener panics; one failing listener
// must not take down the delivery goroutine.
func (s *Service) invoke(cb func(*Signal), sig *Signal) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Any("panic", r).Str("type", string(sig.Type)).Msg("signal listener panicked")
		}
	}()
	cb(sig)
}

func (s *Service) SendOffer(ctx context.Context, toUser string, desc SessionDescription, callID string) error {
	return s.send(ctx, Signal{Type: TypeOffer, ToUser: toUser, CallID: callID, Data: payload(desc)})
}

func (s *Service) SendAnswer(ctx context.Context, toUser string, desc SessionDescription, callID string) error {
	return s.send(ctx, Signal{Type: TypeAnswer, ToUser: toUser, CallID: callID, Data: payload(desc)})
}

func (s *Service) SendICECandidate(ctx context.Context, toUser string, cand ICECandidate, callID string) error {
	return s.send(ctx, Signal{Type: TypeICECandidate, ToUser: toUser, CallID: callID, Data: payload(cand)})
}

func (s *Service) SendCallRequest(ctx context.Context, toUser string, info CallInfo) error {
	return s.send(ctx, Signal{Type: TypeCallRequest, ToUser: toUser, CallID: info.CallID, Data: payload(info)})
}

func (s *Service) SendCallAccept(ctx context.Context, toUser string, info CallInfo) error {
	return s.send(ctx, Signal{Type: TypeCallAccept, ToUser: toUser, CallID: info.CallID, Data: payload(info)})
}

func (s *Service) SendCallReject(ctx context.Context, toUser string, info CallInfo) error {
	return s.send(ctx, Signal{Type: TypeCallReject, ToUser: toUser, CallID: info.CallID, Data: payload(info)})
}

func (s *Service) SendGroupCallRequest(ctx context.Context, groupID string, info CallInfo) error {
	return s.send(ctx, Signal{Type: TypeGroupCallRequest, GroupID: groupID, CallID: info.CallID, Data: payload(info)})
}

func (s *Service) SendGroupCallJoin(ctx context.Context, groupID string, info CallInfo) error {
	return s.send(ctx, Signal{Type: TypeGroupCallJoin, GroupID: groupID, CallID: info.CallID, Data: payload(info)})
}

func (s *Service) SendGroupCallLeave(ctx context.Context, groupID string, info CallInfo) error {
	return s.send(ctx, Signal{Type: TypeGroupCallLeave, GroupID: groupID, CallID: info.CallID, Data: payload(info)})
}

// send stamps the sender, validates, and writes the signal. Fire-and-forget
// relay: success means the write landed, not that the peer is online.
func (s *Service) send(ctx context.Context, sig Signal) error {
	s.mu.Lock()
	switch s.state {
	case StateUninitialized, StateDestroyed:
		s.mu.Unlock()
		return errs.Delivery("signaling service is not initialized", nil)
	}
	sig.FromUser = s.userID
	s.mu.Unlock()

	if err := sig.Validate(); err != nil {
		return err
	}
	id, err := s.store.Create(ctx, backend.TableSignal, &sig)
	if err != nil {
		return errs.Delivery("signal write failed", err)
	}
	s.log.Debug().Str("id", id).Str("type", string(sig.Type)).Msg("signal sent")
	return nil
}

// History returns signals addressed to the given user or group, newest first.
// Exactly one of toUser and groupID must be supplied.
func (s *Service) History(ctx context.Context, toUser, groupID string) ([]Signal, error) {
	if (toUser == "") == (groupID == "") {
		return nil, errs.Validation("history needs exactly one of to_user or group_id")
	}
	var f backend.Filter
	if toUser != "" {
		f = backend.Eq("to_user", toUser)
	} else {
		f = backend.Eq("group_id", groupID)
	}
	docs, err := s.store.Query(ctx, backend.TableSignal, f)
	if err != nil {
		return nil, errs.Wrap(errs.CodeConnection, "signal history query failed", err)
	}
	out := make([]Signal, 0, len(docs))
	for _, doc := range docs {
		var sig Signal
		if err := json.Unmarshal(doc, &sig); err != nil {
			s.log.Warn().Err(err).Msg("skipping undecodable history record")
			continue
		}
		out = append(out, sig)
	}
	return out, nil
}

// CleanupExpired deletes all signals older than the retention window and
// returns how many were removed. Idempotent: a second sweep right after the
// first deletes nothing. Failures are logged, never propagated.
func (s *Service) CleanupExpired(ctx context.Context, retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	docs, err := s.store.Query(ctx, backend.TableSignal, backend.Filter{Before: cutoff})
	if err != nil {
		s.log.Warn().Err(err).Msg("signal cleanup query failed")
		return 0
	}
	deleted := 0
	for _, doc := range docs {
		var rec struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(doc, &rec); err != nil || rec.ID == "" {
			continue
		}
		if err := s.store.Delete(ctx, backend.TableSignal, rec.ID); err != nil {
			s.log.Warn().Err(err).Str("id", rec.ID).Msg("signal cleanup delete failed")
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Msg("expired signals cleaned up")
	}
	return deleted
}

// Reconnect tears down the live subscription and re-establishes it with the
// last-known identity. Used after a detected connectivity loss.
func (s *Service) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return errs.Connection("signaling service is destroyed", nil)
	}
	if s.userID == "" {
		s.mu.Unlock()
		return errs.Connection("signaling service was never initialized", nil)
	}
	userID, groups := s.userID, s.groups
	h := s.live
	s.live = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if h != nil {
		if err := s.store.Kill(h); err != nil {
			s.log.Warn().Err(err).Msg("killing stale subscription failed")
		}
	}
	return s.Initialize(ctx, userID, groups...)
}

func (s *Service) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:     s.state,
		UserID:    s.userID,
		Groups:    append([]string(nil), s.groups...),
		Delivered: s.delivered,
	}
}

// Recent returns the most recently delivered signals, oldest first.
func (s *Service) Recent() []Signal { return s.recent.Snapshot() }

// Destroy cancels the live subscription and clears all listeners. A fresh
// Initialize is required before the service can send or receive again.
func (s *Service) Destroy() {
	s.mu.Lock()
	h := s.live
	s.live = nil
	s.listeners = Listeners{}
	s.state = StateDestroyed
	s.mu.Unlock()

	if h != nil {
		if err := s.store.Kill(h); err != nil {
			s.log.Warn().Err(err).Msg("killing subscription on destroy failed")
		}
	}
	s.log.Info().Msg("signaling service destroyed")
}

// payload flattens a typed payload struct into the opaque signal_data map.
func payload(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}
