// Package presence announces this relay on the bus and tracks peer relays
// through periodic heartbeats carrying their session load.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-relay/internal/bus"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Load is a relay's session load at heartbeat time.
type Load struct {
	ActiveSessions   int `json:"active_sessions"`
	PendingEvictions int `json:"pending_evictions"`
}

type NodeInfo struct {
	ID          string    `json:"id"`
	SpeechScope string    `json:"speech_scope,omitempty"`
	Load        Load      `json:"load"`
	LastSeen    time.Time `json:"last_seen"`
	Healthy     bool      `json:"healthy"`
}

type heartbeatMessage struct {
	NodeID      string    `json:"node_id"`
	SpeechScope string    `json:"speech_scope,omitempty"`
	Load        Load      `json:"load"`
	Timestamp   time.Time `json:"timestamp"`
}

type Registry struct {
	cfg    config.NodeConfig
	scope  string
	prefix string
	load   func() Load
	log    *slog.Logger
	bus    *bus.Client

	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	ticker *time.Ticker
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewRegistry subscribes to peer heartbeats and starts publishing this
// node's own. load is sampled on every heartbeat.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, prefix, speechScope string, busClient *bus.Client, load func() Load, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		scope:  speechScope,
		prefix: prefix,
		load:   load,
		log:    log.With(slog.String("component", "presence")),
		bus:    busClient,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
		now:    time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	sub, err := busClient.Conn().Subscribe(r.subject("*"), r.handleHeartbeat)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.sub = sub

	if err := r.publishHeartbeat(); err != nil {
		r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
	}

	r.ticker = time.NewTicker(time.Duration(cfg.HeartbeatInterval) * time.Millisecond)
	r.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

func (r *Registry) subject(nodeID string) string {
	return r.prefix + ".node.heartbeat." + nodeID
}

func (r *Registry) Close() {
	r.cancel()
	if r.ticker != nil {
		r.ticker.Stop()
	}
	r.wg.Wait()
	if r.sub != nil {
		_ = r.sub.Drain()
	}
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:      r.cfg.ID,
		SpeechScope: r.scope,
		Timestamp:   r.now().UTC(),
	}
	if r.load != nil {
		msg.Load = r.load()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.updateNode(msg)
	return r.bus.Conn().Publish(r.subject(r.cfg.ID), payload)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" || hb.NodeID == r.cfg.ID {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}
	r.updateNode(hb)
}

func (r *Registry) updateNode(hb heartbeatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[hb.NodeID]
	if !ok {
		node = &NodeInfo{ID: hb.NodeID}
		r.nodes[hb.NodeID] = node
		r.log.Info("relay node discovered", slog.String("node_id", hb.NodeID))
	}
	if hb.SpeechScope != "" {
		node.SpeechScope = hb.SpeechScope
	}
	node.Load = hb.Load
	node.LastSeen = hb.Timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("relay node missed heartbeats", slog.String("node_id", node.ID))
		}
	}
}

// Nodes returns known relays sorted by id.
func (r *Registry) Nodes() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NodeInfo, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-relay/presence")
	nodes, err := meter.Int64ObservableGauge("relay.presence.nodes", metric.WithDescription("Healthy relay nodes"))
	if err != nil {
		return err
	}
	sessions, err := meter.Int64ObservableGauge("relay.presence.sessions", metric.WithDescription("Active sessions across healthy relay nodes"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		healthy, active := r.snapshotCounts()
		obs.ObserveInt64(nodes, healthy)
		obs.ObserveInt64(sessions, active)
		return nil
	}, nodes, sessions)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var healthy, active int64
	for _, node := range r.nodes {
		if !node.Healthy {
			continue
		}
		healthy++
		active += int64(node.Load.ActiveSessions)
	}
	return healthy, active
}
