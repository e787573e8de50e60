package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/conversation"
	"github.com/loqalabs/loqa-relay/internal/eventstore"
	"github.com/loqalabs/loqa-relay/internal/llm"
	"github.com/loqalabs/loqa-relay/internal/natsserver"
	"github.com/loqalabs/loqa-relay/internal/presence"
	"github.com/loqalabs/loqa-relay/internal/session"
	"github.com/loqalabs/loqa-relay/internal/speech"
	"github.com/loqalabs/loqa-relay/internal/tts"
	"github.com/loqalabs/loqa-relay/internal/ws"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	started     chan struct{}
	addr        atomic.Value
	wg          sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	events   *eventstore.Store
	shared   *speech.Coordinator
	sessions *session.Manager
	presence *presence.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: make(chan struct{}),
	}
}

// Started is closed once the HTTP listener is bound.
func (r *Runtime) Started() <-chan struct{} { return r.started }

// Addr returns the bound listen address after Started.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startBackplane(ctx); err != nil {
		r.shutdown(context.Background())
		return err
	}
	if err := r.startSessions(); err != nil {
		r.shutdown(context.Background())
		return err
	}
	if r.bus != nil {
		reg, err := presence.NewRegistry(ctx, r.cfg.Node, r.cfg.Bus.SubjectPrefix, r.cfg.Session.SpeechScope, r.bus, r.load, r.logger)
		if err != nil {
			r.shutdown(context.Background())
			return fmt.Errorf("failed to start presence registry: %w", err)
		}
		r.presence = reg
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/nodes", r.handleNodes)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	wsHandler := ws.NewHandler(ctx, r.sessions, r.cfg.HTTP.AllowedOrigins, r.logger)
	mux.Handle("/ws", wsHandler)
	mux.Handle("/", wsHandler)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.shutdown(context.Background())
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.addr.Store(ln.Addr().String())
	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started",
		slog.String("addr", ln.Addr().String()),
		slog.String("speech_scope", r.cfg.Session.SpeechScope),
		slog.String("llm_mode", r.cfg.LLM.Mode),
		slog.String("tts_mode", r.cfg.TTS.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	if err := wsHandler.Drain(shutdownCtx); err != nil {
		r.logger.Error("websocket sessions did not drain", slog.String("error", err.Error()))
	}
	r.shutdown(shutdownCtx)
	return nil
}

// startBackplane brings up the optional event bus and the event store.
func (r *Runtime) startBackplane(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Enabled {
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.embedded = embedded
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		r.bus = client
	}

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.events = events
	return nil
}

func (r *Runtime) startSessions() error {
	gen, err := llm.New(r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to create llm backend: %w", err)
	}

	pause := time.Duration(r.cfg.TTS.SentencePauseMS) * time.Millisecond
	var speakers session.SpeakerFactory
	switch r.cfg.Session.SpeechScope {
	case "session":
		speakers = session.PerSessionSpeakers(func() (tts.Renderer, error) {
			return tts.New(r.cfg.TTS)
		}, pause, r.logger)
	default:
		renderer, err := tts.New(r.cfg.TTS)
		if err != nil {
			return fmt.Errorf("failed to create tts renderer: %w", err)
		}
		r.shared = speech.NewCoordinator(renderer, pause, r.logger)
		speakers = session.SharedSpeakers(r.shared)
	}

	r.sessions, err = session.NewManager(session.Options{
		Session:   r.cfg.Session,
		LLM:       r.cfg.LLM,
		Store:     conversation.NewStore(r.cfg.Session.HistoryLimit),
		Generator: gen,
		Speakers:  speakers,
		Observer:  sessionObservers(r.bus, r.events, r.logger),
		Logger:    r.logger,
	})
	return err
}

func (r *Runtime) load() presence.Load {
	return presence.Load{
		ActiveSessions:   r.sessions.Active(),
		PendingEvictions: r.sessions.PendingEvictions(),
	}
}

func (r *Runtime) shutdown(ctx context.Context) {
	if r.presence != nil {
		r.presence.Close()
	}
	if r.sessions != nil {
		r.sessions.Close()
	}
	if r.shared != nil {
		r.shared.RequestStop()
		r.shared.Wait()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	busReady := !r.cfg.Bus.Enabled || r.bus.Healthy()
	if r.ready.Load() && busReady {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	nodes := []presence.NodeInfo{}
	if r.presence != nil {
		nodes = r.presence.Nodes()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(nodes); err != nil {
		r.logger.Warn("failed to encode nodes", slogError(err))
	}
}
