package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	gatewayWriteTimeout = 10 * time.Second
	gatewayCallTimeout  = 15 * time.Second
	gatewayPingInterval = 54 * time.Second
)

// Gateway implements Store over a websocket connection to a remote live-query
// server. Requests carry a correlation id; the read pump routes responses to
// pending callers and live pushes to their subscriptions.
type Gateway struct {
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan gwResponse

	subMu sync.RWMutex
	subs  map[string]*gwSub

	done      chan struct{}
	closeOnce sync.Once
}

type gwSub struct {
	g  *Gateway
	id string
	fn func(Event)
}

type gwRequest struct {
	ID       string          `json:"id"`
	Method   string          `json:"method"`
	Table    string          `json:"table,omitempty"`
	RecordID string          `json:"record_id,omitempty"`
	Doc      json.RawMessage `json:"doc,omitempty"`
	Patch    map[string]any  `json:"patch,omitempty"`
	Filter   *Filter         `json:"filter,omitempty"`
	Live     string          `json:"live,omitempty"`
}

type gwResponse struct {
	ID      string            `json:"id,omitempty"`
	Live    string            `json:"live,omitempty"`
	Error   string            `json:"error,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Results []json.RawMessage `json:"results,omitempty"`
	Event   *Event            `json:"event,omitempty"`
}

// DialGateway connects to the live-query gateway at url (ws:// or wss://).
func DialGateway(ctx context.Context, url string, log zerolog.Logger) (*Gateway, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", url, err)
	}
	g := &Gateway{
		conn:    conn,
		log:     log,
		pending: make(map[string]chan gwResponse),
		subs:    make(map[string]*gwSub),
		done:    make(chan struct{}),
	}
	go g.readPump()
	go g.pingLoop()
	return g, nil
}

// call sends one request and waits for its response.
func (g *Gateway) call(ctx context.Context, req gwRequest) (gwResponse, error) {
	req.ID = uuid.NewString()

	// Register before writing so a fast response is never missed.
	ch := make(chan gwResponse, 1)
	g.pendingMu.Lock()
	g.pending[req.ID] = ch
	g.pendingMu.Unlock()
	defer func() {
		g.pendingMu.Lock()
		delete(g.pending, req.ID)
		g.pendingMu.Unlock()
	}()

	if err := g.write(req); err != nil {
		return gwResponse{}, err
	}

	timer := time.NewTimer(gatewayCallTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return gwResponse{}, fmt.Errorf("gateway %s: %s", req.Method, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return gwResponse{}, ctx.Err()
	case <-timer.C:
		return gwResponse{}, fmt.Errorf("gateway %s: timed out", req.Method)
	case <-g.done:
		return gwResponse{}, fmt.Errorf("gateway %s: connection closed", req.Method)
	}
}

func (g *Gateway) write(v any) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	g.conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout))
	return g.conn.WriteJSON(v)
}

func (g *Gateway) readPump() {
	defer g.shutdown()
	for {
		var resp gwResponse
		if err := g.conn.ReadJSON(&resp); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Warn().Err(err).Msg("gateway connection lost")
			}
			return
		}

		// Live push: routed by subscription id, not by pending call.
		if resp.Live != "" && resp.Event != nil {
			g.subMu.RLock()
			sub := g.subs[resp.Live]
			g.subMu.RUnlock()
			if sub != nil {
				sub.fn(*resp.Event)
			}
			continue
		}

		g.pendingMu.Lock()
		ch := g.pending[resp.ID]
		g.pendingMu.Unlock()
		if ch != nil {
			ch <- resp
		}
	}
}

func (g *Gateway) pingLoop() {
	ticker := time.NewTicker(gatewayPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.writeMu.Lock()
			g.conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout))
			err := g.conn.WriteMessage(websocket.PingMessage, nil)
			g.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// shutdown fails all pending calls and drops subscriptions. Runs once, either
// from Close or when the read pump exits on a broken connection.
func (g *Gateway) shutdown() {
	g.closeOnce.Do(func() {
		close(g.done)
		g.conn.Close()
		g.subMu.Lock()
		g.subs = make(map[string]*gwSub)
		g.subMu.Unlock()
	})
}

func (g *Gateway) Create(ctx context.Context, table string, doc any) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	resp, err := g.call(ctx, gwRequest{Method: "create", Table: table, Doc: b})
	if err != nil {
		return "", err
	}
	var rec struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Result, &rec); err != nil {
		return "", fmt.Errorf("gateway create result: %w", err)
	}
	return rec.ID, nil
}

func (g *Gateway) Select(ctx context.Context, table, id string) (json.RawMessage, error) {
	resp, err := g.call(ctx, gwRequest{Method: "select", Table: table, RecordID: id})
	if err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil, nil
	}
	return resp.Result, nil
}

func (g *Gateway) Update(ctx context.Context, table, id string, patch map[string]any) (json.RawMessage, error) {
	resp, err := g.call(ctx, gwRequest{Method: "update", Table: table, RecordID: id, Patch: patch})
	if err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil, nil
	}
	return resp.Result, nil
}

func (g *Gateway) Delete(ctx context.Context, table, id string) error {
	_, err := g.call(ctx, gwRequest{Method: "delete", Table: table, RecordID: id})
	return err
}

func (g *Gateway) Query(ctx context.Context, table string, f Filter) ([]json.RawMessage, error) {
	resp, err := g.call(ctx, gwRequest{Method: "query", Table: table, Filter: &f})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (g *Gateway) Live(ctx context.Context, table string, f Filter, fn func(Event)) (LiveHandle, error) {
	resp, err := g.call(ctx, gwRequest{Method: "live", Table: table, Filter: &f})
	if err != nil {
		return nil, err
	}
	var liveID string
	if err := json.Unmarshal(resp.Result, &liveID); err != nil || liveID == "" {
		return nil, fmt.Errorf("gateway live: bad subscription id")
	}
	sub := &gwSub{g: g, id: liveID, fn: fn}
	g.subMu.Lock()
	g.subs[liveID] = sub
	g.subMu.Unlock()
	return sub, nil
}

func (g *Gateway) Kill(h LiveHandle) error { return h.kill() }

func (g *Gateway) Close() error {
	g.writeMu.Lock()
	g.conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout))
	g.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	g.writeMu.Unlock()
	g.shutdown()
	return nil
}

func (s *gwSub) kill() error {
	s.g.subMu.Lock()
	delete(s.g.subs, s.id)
	s.g.subMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), gatewayCallTimeout)
	defer cancel()
	_, err := s.g.call(ctx, gwRequest{Method: "kill", Live: s.id})
	return err
}
