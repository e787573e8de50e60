package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/conversation"
	"github.com/loqalabs/loqa-relay/internal/llm"
	"github.com/loqalabs/loqa-relay/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type timer interface {
	Stop() bool
}

// Options wires a Manager to its collaborators.
type Options struct {
	Session   config.SessionConfig
	LLM       config.LLMConfig
	Store     *conversation.Store
	Generator llm.Generator
	Speakers  SpeakerFactory
	Observer  Observer
	Logger    *slog.Logger
}

// Manager accepts connections, runs one dispatch loop per connection and
// evicts histories a fixed delay after disconnect.
type Manager struct {
	cfg      config.SessionConfig
	llmCfg   config.LLMConfig
	store    *conversation.Store
	gen      llm.Generator
	speakers SpeakerFactory
	observer Observer
	log      *slog.Logger
	tracer   trace.Tracer

	schedule func(time.Duration, func()) timer
	now      func() time.Time

	mu        sync.Mutex
	evictions map[string]timer
	closed    bool
	active    atomic.Int64

	turns           metric.Int64Counter
	interrupts      metric.Int64Counter
	backendFailures metric.Int64Counter
	latency         metric.Float64Histogram
}

// NewManager builds a Manager. Store, Generator and Speakers are required.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Generator == nil || opts.Speakers == nil {
		return nil, errors.New("session manager requires store, generator and speakers")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = Observers(nil)
	}
	m := &Manager{
		cfg:       opts.Session,
		llmCfg:    opts.LLM,
		store:     opts.Store,
		gen:       opts.Generator,
		speakers:  opts.Speakers,
		observer:  observer,
		log:       logger.With(slog.String("component", "session")),
		tracer:    otel.Tracer("github.com/loqalabs/loqa-relay/session"),
		schedule:  func(d time.Duration, f func()) timer { return time.AfterFunc(d, f) },
		now:       time.Now,
		evictions: make(map[string]timer),
	}
	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slogError(err))
	}
	return m, nil
}

func (m *Manager) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-relay/session")
	var err error
	if m.turns, err = meter.Int64Counter("relay.session.turns", metric.WithDescription("Content turns handled")); err != nil {
		return err
	}
	if m.interrupts, err = meter.Int64Counter("relay.session.interrupts", metric.WithDescription("Interrupt tokens that stopped playback")); err != nil {
		return err
	}
	if m.backendFailures, err = meter.Int64Counter("relay.session.backend_failures", metric.WithDescription("Turns answered with the fallback reply")); err != nil {
		return err
	}
	if m.latency, err = meter.Float64Histogram("relay.session.backend_latency", metric.WithDescription("Generation backend latency"), metric.WithUnit("ms")); err != nil {
		return err
	}
	gauge, err := meter.Int64ObservableGauge("relay.session.active", metric.WithDescription("Connected sessions"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, m.active.Load())
		return nil
	}, gauge)
	return err
}

// Serve runs a session over t until the transport closes or ctx is done.
// A normal close returns nil.
func (m *Manager) Serve(ctx context.Context, t Transport) error {
	id := uuid.NewString()
	log := m.log.With(slog.String("session_id", id))
	defer t.Close()

	speaker, release, err := m.speakers(id)
	if err != nil {
		return fmt.Errorf("speaker for session %s: %w", id, err)
	}
	defer release()

	m.Connect(ctx, id, remoteAddr(t))
	d := &dispatcher{
		m:         m,
		id:        id,
		transport: t,
		speaker:   speaker,
		limiter:   newLimiter(m.cfg),
		log:       log,
	}
	err = d.run(ctx)
	m.Disconnect(id)

	switch {
	case err == nil, errors.Is(err, ErrTransportClosed):
		log.Info("session closed")
		return nil
	case errors.Is(err, context.Canceled):
		log.Info("session cancelled")
		return nil
	default:
		log.Warn("session ended with error", slogError(err))
		return err
	}
}

// Connect creates the history for id.
func (m *Manager) Connect(ctx context.Context, id, remote string) {
	m.store.Initialize(id, m.cfg.SystemPrompt)
	m.active.Add(1)
	m.log.Info("session connected", slog.String("session_id", id), slog.String("remote", remote))
	m.emit(ctx, protocol.SessionEvent{SessionID: id, Type: protocol.EventConnected, Text: remote})
}

// Disconnect schedules eviction of id's history after the configured delay.
// It never blocks on the eviction itself.
func (m *Manager) Disconnect(id string) {
	delay := time.Duration(m.cfg.EvictionDelayMS) * time.Millisecond
	m.mu.Lock()
	if !m.closed {
		if prev, ok := m.evictions[id]; ok {
			prev.Stop()
		}
		m.evictions[id] = m.schedule(delay, func() { m.evict(id) })
	}
	m.mu.Unlock()

	m.active.Add(-1)
	m.emit(context.Background(), protocol.SessionEvent{SessionID: id, Type: protocol.EventDisconnected})
}

func (m *Manager) evict(id string) {
	m.mu.Lock()
	delete(m.evictions, id)
	m.mu.Unlock()

	if m.store.Delete(id) {
		m.log.Debug("session evicted", slog.String("session_id", id))
		m.emit(context.Background(), protocol.SessionEvent{SessionID: id, Type: protocol.EventSessionEvicted})
	}
}

// Active reports the number of connected sessions.
func (m *Manager) Active() int {
	return int(m.active.Load())
}

// PendingEvictions reports how many disconnected sessions await eviction.
func (m *Manager) PendingEvictions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.evictions)
}

// Close cancels every pending eviction. Sessions that disconnect afterwards
// are not scheduled.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, t := range m.evictions {
		t.Stop()
		delete(m.evictions, id)
	}
}

func (m *Manager) emit(ctx context.Context, evt protocol.SessionEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = m.now().UTC()
	}
	m.observer.Observe(ctx, evt)
}
