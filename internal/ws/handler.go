package ws

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-relay/internal/session"
)

// Server runs a session over an established transport.
type Server interface {
	Serve(ctx context.Context, t session.Transport) error
}

// Handler upgrades HTTP requests and hands each connection to a Server.
type Handler struct {
	ctx      context.Context
	server   Server
	upgrader websocket.Upgrader
	log      *slog.Logger

	sessions sync.WaitGroup
}

// NewHandler builds a Handler. Sessions live on ctx rather than the request
// context so shutdown, not the HTTP server, decides when they end.
func NewHandler(ctx context.Context, server Server, allowedOrigins []string, log *slog.Logger) *Handler {
	h := &Handler{
		ctx:    ctx,
		server: server,
		log:    log.With(slog.String("component", "ws")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin(allowedOrigins),
	}
	return h
}

func (h *Handler) checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allowed, origin) {
			return true
		}
		h.log.Warn("websocket origin rejected", slog.String("origin", origin))
		return false
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Counted before the upgrade, while http.Server.Shutdown still tracks
	// the request.
	h.sessions.Add(1)
	defer h.sessions.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	t := NewTransport(h.ctx, conn, h.log)
	if err := h.server.Serve(h.ctx, t); err != nil {
		h.log.Warn("session failed", slog.String("error", err.Error()), slog.String("remote", t.RemoteAddr()))
	}
}

// Drain waits for every hijacked session loop to return. Call it after the
// base context is cancelled and the HTTP server has shut down.
func (h *Handler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
