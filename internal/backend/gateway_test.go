package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// fakeGatewayServer speaks just enough of the wire protocol to exercise the
// client: create echoes an id, live hands out one subscription id and pushes
// an event right after the next query, kill acknowledges.
func fakeGatewayServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		liveActive := false
		for {
			var req gwRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req.Method {
			case "create":
				var doc map[string]any
				json.Unmarshal(req.Doc, &doc)
				doc["id"] = "rec-1"
				b, _ := json.Marshal(doc)
				conn.WriteJSON(gwResponse{ID: req.ID, Result: b})
			case "select":
				conn.WriteJSON(gwResponse{ID: req.ID, Result: json.RawMessage(`null`)})
			case "live":
				liveActive = true
				conn.WriteJSON(gwResponse{ID: req.ID, Result: json.RawMessage(`"live-1"`)})
			case "query":
				conn.WriteJSON(gwResponse{ID: req.ID, Results: nil})
				if liveActive {
					doc := json.RawMessage(`{"id":"rec-2","to_user":"bob","signal_type":"offer"}`)
					conn.WriteJSON(gwResponse{
						Live:  "live-1",
						Event: &Event{Action: ActionCreate, Table: TableSignal, ID: "rec-2", Doc: doc},
					})
				}
			case "kill":
				liveActive = false
				conn.WriteJSON(gwResponse{ID: req.ID})
			default:
				conn.WriteJSON(gwResponse{ID: req.ID, Error: "unknown method"})
			}
		}
	}))
}

func TestGatewayRoundTrip(t *testing.T) {
	srv := fakeGatewayServer(t)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx := context.Background()
	g, err := DialGateway(ctx, url, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	id, err := g.Create(ctx, TableSignal, map[string]any{"to_user": "bob"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "rec-1" {
		t.Fatalf("create returned id %q", id)
	}

	raw, err := g.Select(ctx, TableSignal, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if raw != nil {
		t.Fatal("null select result should map to nil")
	}

	events := make(chan Event, 1)
	h, err := g.Live(ctx, TableSignal, Eq("to_user", "bob"), func(ev Event) {
		events <- ev
	})
	if err != nil {
		t.Fatal(err)
	}

	// The fake server pushes on live-1 after answering this query, which
	// guarantees the subscription is registered before the push arrives.
	if _, err := g.Query(ctx, TableSignal, Eq("to_user", "bob")); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.ID != "rec-2" || ev.Action != ActionCreate {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("live push never arrived")
	}

	if err := g.Kill(h); err != nil {
		t.Fatal(err)
	}
}
