// Package capability tracks which capture nodes are alive on the bus and
// what each can capture, so orchestration can route objectives.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-capture/internal/bus"
	"github.com/loqalabs/loqa-capture/internal/capture"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Capability kinds advertised by a node.
const (
	KindValueType  = "value_type"
	KindRecognizer = "recognizer"
	KindSpeaker    = "speaker"
)

type Capability struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Describe lists what a node built from cfg can serve: every value type at
// the primitive version the constraint resolves to, plus its providers.
func Describe(registry *capture.Registry, cfg config.Config) []Capability {
	var out []Capability
	for _, vt := range capture.ValueTypes {
		version, err := registry.Resolve(vt, cfg.Objective.PrimitiveConstraint)
		if err != nil {
			continue
		}
		out = append(out, Capability{Kind: KindValueType, Name: string(vt), Version: version})
	}
	for _, p := range cfg.Recognition.Providers {
		out = append(out, Capability{Kind: KindRecognizer, Name: p.Name})
	}
	for _, p := range cfg.Speech.Providers {
		out = append(out, Capability{Kind: KindSpeaker, Name: p.Name})
	}
	return out
}

type Registry struct {
	cfg          config.NodeConfig
	prefix       string
	capabilities []Capability
	log          *slog.Logger
	bus          *bus.Client
	clock        func() time.Time

	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
}

// NewRegistry announces this node under prefix, starts heartbeating and
// tracks the other nodes it hears from.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, prefix string, capabilities []Capability, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:          cfg,
		prefix:       prefix,
		capabilities: capabilities,
		log:          log.With(slog.String("component", "capability-registry")),
		bus:          busClient,
		clock:        time.Now,
		nodes:        make(map[string]*NodeInfo),
		cancel:       cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) announceSubject() string { return r.prefix + ".node.announce" }

func (r *Registry) heartbeatSubject(nodeID string) string {
	return r.prefix + ".node.heartbeat." + nodeID
}

func (r *Registry) Close() {
	r.cancel()
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(r.announceSubject(), r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	heartbeatSub, err := conn.Subscribe(r.heartbeatSubject("*"), r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Drain()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.mu.Lock()
	r.subs = append(r.subs, announceSub, heartbeatSub)
	r.mu.Unlock()
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.capabilities,
		Timestamp:    r.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.Timestamp)
	return r.bus.Conn().Publish(r.announceSubject(), payload)
}

func (r *Registry) publishHeartbeat() error {
	payload, err := json.Marshal(heartbeatMessage{NodeID: r.cfg.ID, Timestamp: r.clock().UTC()})
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(r.heartbeatSubject(r.cfg.ID), payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.NodeID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.clock().UTC()
	}
	r.mu.RLock()
	_, known := r.nodes[announcement.NodeID]
	r.mu.RUnlock()
	r.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
	// A newcomer learns about us from our next announcement.
	if !known && announcement.NodeID != r.cfg.ID {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to answer announcement", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb.NodeID, "", nil, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID, role string, capabilities []Capability, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = seen
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for id, node := range r.nodes {
		if id == r.cfg.ID {
			continue
		}
		if now.Sub(node.LastSeen) > timeout && node.Healthy {
			node.Healthy = false
			r.log.Warn("capture node missed heartbeats", slog.String("node_id", id))
		}
	}
}

// Healthy reports whether this node is registered and connected.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	_, ok := r.nodes[r.cfg.ID]
	r.mu.RUnlock()
	return ok && r.bus.Healthy()
}

// Query returns the known nodes matching filter, sorted by ID.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = append([]Capability(nil), node.Capabilities...)
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-capture/internal/capability")
	nodes, err := meter.Int64ObservableGauge("capture.nodes.healthy",
		metric.WithDescription("Capture nodes with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(nodes, int64(len(r.Query(Healthy))))
		return nil
	}, nodes)
	return err
}

// Healthy matches nodes with a recent heartbeat.
func Healthy(node NodeInfo) bool { return node.Healthy }

// Serving matches healthy nodes that can capture vt.
func Serving(vt capture.ValueType) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		if !node.Healthy {
			return false
		}
		for _, c := range node.Capabilities {
			if c.Kind == KindValueType && c.Name == string(vt) {
				return true
			}
		}
		return false
	}
}
