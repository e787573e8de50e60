package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/conversation"
	"github.com/loqalabs/loqa-relay/internal/llm"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"github.com/loqalabs/loqa-relay/internal/session"
	"github.com/loqalabs/loqa-relay/internal/speech"
	"github.com/loqalabs/loqa-relay/internal/tts"
)

func newTestServer(t *testing.T, origins []string) (*httptest.Server, *session.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.LLM.Humanize = false

	coord := speech.NewCoordinator(tts.NewMockRenderer(tts.Options{Rate: 6000}), 0, logger)
	mgr, err := session.NewManager(session.Options{
		Session:   cfg.Session,
		LLM:       cfg.LLM,
		Store:     conversation.NewStore(cfg.Session.HistoryLimit),
		Generator: llm.NewMockGenerator(),
		Speakers:  session.SharedSpeakers(coord),
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(NewHandler(ctx, mgr, origins, logger))
	t.Cleanup(func() {
		cancel()
		srv.Close()
		mgr.Close()
		coord.Wait()
	})
	return srv, mgr
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("expected text frame, got %d", kind)
	}
	return string(data)
}

func TestConversationOverWebsocket(t *testing.T) {
	srv, mgr := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if got := readText(t, conn); got != config.DefaultGreeting {
		t.Fatalf("expected greeting, got %q", got)
	}
	if mgr.Active() != 1 {
		t.Fatalf("expected one active session, got %d", mgr.Active())
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("INTERRUPT")); err != nil {
		t.Fatalf("write interrupt: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("Hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// the interrupt produces no frame, so the next one is the reply
	if got := readText(t, conn); got != "[mock reply to Hello]" {
		t.Fatalf("unexpected reply %q", got)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	deadline := time.Now().Add(2 * time.Second)
	for mgr.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session did not end after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if mgr.PendingEvictions() != 1 {
		t.Fatalf("expected eviction scheduled after disconnect")
	}
}

func TestOriginRejected(t *testing.T) {
	srv, _ := newTestServer(t, []string{"https://relay.example"})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}

	header.Set("Origin", "https://relay.example")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), header)
	if err != nil {
		t.Fatalf("expected allowed origin to connect: %v", err)
	}
	conn.Close()
}

func TestDrainWaitsForSessionLoops(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.LLM.Humanize = false

	var disconnected atomic.Int32
	coord := speech.NewCoordinator(tts.NewMockRenderer(tts.Options{Rate: 6000}), 0, logger)
	mgr, err := session.NewManager(session.Options{
		Session:   cfg.Session,
		LLM:       cfg.LLM,
		Store:     conversation.NewStore(cfg.Session.HistoryLimit),
		Generator: llm.NewMockGenerator(),
		Speakers:  session.SharedSpeakers(coord),
		Observer: session.ObserverFunc(func(_ context.Context, evt protocol.SessionEvent) {
			if evt.Type == protocol.EventDisconnected {
				disconnected.Add(1)
			}
		}),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := NewHandler(ctx, mgr, nil, logger)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		mgr.Close()
		coord.Wait()
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if got := readText(t, conn); got != config.DefaultGreeting {
		t.Fatalf("expected greeting, got %q", got)
	}

	cancel()
	drainCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	if err := h.Drain(drainCtx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if disconnected.Load() != 1 {
		t.Fatalf("expected disconnect recorded before drain returned, got %d", disconnected.Load())
	}
	if mgr.Active() != 0 {
		t.Fatalf("expected no active sessions after drain, got %d", mgr.Active())
	}
}
