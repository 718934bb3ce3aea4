package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lmarques/roomcast/internal/broadcast"
)

func TestNewServerRequiresHTTPAddr(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatal("expected error for empty HTTP address")
	}
}

func TestListenAndServeNilServer(t *testing.T) {
	var s *Server
	if err := s.ListenAndServe(context.Background()); err == nil {
		t.Fatal("expected error for nil server")
	}
}

func TestHandlerUpEndpoint(t *testing.T) {
	env := newWSTestEnv(t, identity{ID: "user-1"})

	resp, err := http.Get(env.srv.URL + "/up")
	if err != nil {
		t.Fatalf("get /up: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestHandlerWSMethodNotAllowed(t *testing.T) {
	env := newWSTestEnv(t, identity{ID: "user-1"})

	resp, err := http.Post(env.srv.URL+"/ws", "application/json", nil)
	if err != nil {
		t.Fatalf("post /ws: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusMethodNotAllowed)
	}
}

func TestKnowledgeIndexRebuiltPublishes(t *testing.T) {
	env := newWSTestEnv(t, identity{ID: "user-1"})

	received := make(chan broadcast.Event, 1)
	cancel := env.gateway.Subscribe(broadcast.ChannelKnowledgeIndex, func(event broadcast.Event) {
		received <- event
	})
	defer cancel()

	body := strings.NewReader(`{"updated_at": "2026-08-28T10:00:00Z"}`)
	resp, err := http.Post(env.srv.URL+"/internal/knowledge-index/rebuilt", "application/json", body)
	if err != nil {
		t.Fatalf("post rebuild notification: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	select {
	case event := <-received:
		if event.Name != broadcast.EventKnowledgeIndexUpdated {
			t.Fatalf("event name = %q", event.Name)
		}
		var payload indexUpdatedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload.UpdatedAt != "2026-08-28T10:00:00Z" {
			t.Fatalf("updated_at = %q, want posted timestamp", payload.UpdatedAt)
		}
	case <-time.After(time.Second):
		t.Fatal("rebuild event was not published")
	}
}

func TestKnowledgeIndexRebuiltFillsUpdatedAt(t *testing.T) {
	gateway := broadcast.NewGateway()

	received := make(chan broadcast.Event, 1)
	cancel := gateway.Subscribe(broadcast.ChannelKnowledgeIndex, func(event broadcast.Event) {
		received <- event
	})
	defer cancel()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/knowledge-index/rebuilt", nil)

	handleKnowledgeIndexRebuilt(rr, req, gateway)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusAccepted)
	}

	select {
	case event := <-received:
		var payload indexUpdatedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if _, err := time.Parse(time.RFC3339, payload.UpdatedAt); err != nil {
			t.Fatalf("updated_at %q is not RFC3339: %v", payload.UpdatedAt, err)
		}
	case <-time.After(time.Second):
		t.Fatal("rebuild event was not published")
	}
}

func TestKnowledgeIndexRebuiltRejectsMalformedBody(t *testing.T) {
	gateway := broadcast.NewGateway()

	published := make(chan broadcast.Event, 1)
	cancel := gateway.Subscribe(broadcast.ChannelKnowledgeIndex, func(event broadcast.Event) {
		published <- event
	})
	defer cancel()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/knowledge-index/rebuilt", strings.NewReader("{not json"))

	handleKnowledgeIndexRebuilt(rr, req, gateway)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
	select {
	case <-published:
		t.Fatal("malformed body must not publish an event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestKnowledgeIndexRebuiltMethodNotAllowed(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/internal/knowledge-index/rebuilt", nil)

	handleKnowledgeIndexRebuilt(rr, req, broadcast.NewGateway())

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := NewServer(Config{
		HTTPAddr: "127.0.0.1:0",
		GRPCPort: 18094,
		DBPath:   t.TempDir() + "/presence.db",
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer server.Close()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop on context cancel")
	}
}
