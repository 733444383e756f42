// Package capability advertises what this kiosk can do (camera, model,
// speech) and tracks peer nodes such as remote displays and audio players.
package capability

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	subjectAnnounce  = "ctrl.node.announce"
	subjectHeartbeat = "ctrl.node.heartbeat"
	healthInterval   = time.Second
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeInfo is the registry's view of one node. State is whatever the node
// last reported in its heartbeat, e.g. whether recognition is running.
type NodeInfo struct {
	ID           string            `json:"id"`
	Role         string            `json:"role"`
	Capabilities []Capability      `json:"capabilities"`
	State        map[string]string `json:"state,omitempty"`
	LastSeen     time.Time         `json:"last_seen"`
	Healthy      bool              `json:"healthy"`
}

// presence is the payload of both announce and heartbeat messages. Heartbeats
// leave Role and Capabilities empty.
type presence struct {
	NodeID       string            `json:"node_id"`
	Role         string            `json:"role,omitempty"`
	Capabilities []Capability      `json:"capabilities,omitempty"`
	State        map[string]string `json:"state,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// StateFunc reports live node state for heartbeats. It may return nil.
type StateFunc func() map[string]string

// Conn is the subset of *nats.Conn the registry needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type Registry struct {
	cfg          config.NodeConfig
	capabilities []Capability
	log          *slog.Logger
	conn         Conn
	now          func() time.Time
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	subs         []*nats.Subscription

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
	state StateFunc
}

// NewRegistry announces this node with caps and starts heartbeating.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, caps []Capability, conn Conn, log *slog.Logger) (*Registry, error) {
	return newRegistry(ctx, cfg, caps, conn, log, time.Now)
}

func newRegistry(ctx context.Context, cfg config.NodeConfig, caps []Capability, conn Conn, log *slog.Logger, now func() time.Time) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:          cfg,
		capabilities: caps,
		log:          log.With(slog.String("component", "capability-registry"), slog.String("node_id", cfg.ID)),
		conn:         conn,
		now:          now,
		cancel:       cancel,
		nodes:        make(map[string]*NodeInfo),
	}

	if err := r.initMetrics(otel.Meter("github.com/loqalabs/loqa-sign/capability")); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	for subject, handler := range map[string]nats.MsgHandler{
		subjectAnnounce:         r.handleAnnounce,
		subjectHeartbeat + ".*": r.handleHeartbeat,
	} {
		sub, err := conn.Subscribe(subject, handler)
		if err != nil {
			cancel()
			r.unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}

	// Record ourselves first so Healthy holds even before the echo arrives.
	self := r.snapshot(true)
	r.observe(self)
	if err := r.publish(subjectAnnounce, self); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.loop(ctx)
	return r, nil
}

// SetState installs the source of the live state carried by heartbeats.
func (r *Registry) SetState(fn StateFunc) {
	r.mu.Lock()
	r.state = fn
	r.mu.Unlock()
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	r.unsubscribe()
}

func (r *Registry) unsubscribe() {
	for _, sub := range r.subs {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}
	r.subs = nil
}

func (r *Registry) loop(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()
	health := time.NewTicker(healthInterval)
	defer health.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publish(subjectHeartbeat+"."+r.cfg.ID, r.snapshot(false)); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) snapshot(announce bool) presence {
	p := presence{NodeID: r.cfg.ID, Timestamp: r.now().UTC()}
	if announce {
		p.Role = r.cfg.Role
		p.Capabilities = r.capabilities
	}
	r.mu.RLock()
	state := r.state
	r.mu.RUnlock()
	if state != nil {
		p.State = state()
	}
	return p
}

func (r *Registry) publish(subject string, p presence) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.conn.Publish(subject, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) { r.receive(msg, "announce") }

func (r *Registry) handleHeartbeat(msg *nats.Msg) { r.receive(msg, "heartbeat") }

func (r *Registry) receive(msg *nats.Msg, kind string) {
	var p presence
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		r.log.Warn("invalid "+kind+" message", slog.String("error", err.Error()))
		return
	}
	if p.NodeID == "" {
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = r.now().UTC()
	}
	r.observe(p)
}

func (r *Registry) observe(p presence) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[p.NodeID]
	if !ok {
		node = &NodeInfo{ID: p.NodeID}
		r.nodes[p.NodeID] = node
		if p.NodeID != r.cfg.ID {
			r.log.Info("peer discovered", slog.String("peer", p.NodeID), slog.String("role", p.Role))
		}
	}
	if p.Role != "" {
		node.Role = p.Role
	}
	if len(p.Capabilities) > 0 {
		node.Capabilities = p.Capabilities
	}
	if p.State != nil {
		node.State = p.State
	}
	node.LastSeen = p.Timestamp
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, node := range r.nodes {
		healthy := now.Sub(node.LastSeen) <= timeout
		if node.Healthy && !healthy && node.ID != r.cfg.ID {
			r.log.Warn("peer heartbeat lost", slog.String("peer", node.ID))
		}
		node.Healthy = healthy
	}
}

// Healthy reports whether this node still sees its own heartbeat.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns copies of the known nodes accepted by filter, ordered by ID.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		info := *node
		info.Capabilities = slices.Clone(node.Capabilities)
		info.State = maps.Clone(node.State)
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	slices.SortFunc(results, func(a, b NodeInfo) int { return cmp.Compare(a.ID, b.ID) })
	return results
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	nodes, err := meter.Int64ObservableGauge("loqa.nodes.known", metric.WithDescription("Nodes seen on the bus"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("loqa.nodes.healthy", metric.WithDescription("Nodes with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		r.mu.RLock()
		defer r.mu.RUnlock()
		var up int64
		for _, node := range r.nodes {
			if node.Healthy {
				up++
			}
		}
		obs.ObserveInt64(nodes, int64(len(r.nodes)))
		obs.ObserveInt64(healthy, up)
		return nil
	}, nodes, healthy)
	return err
}

// ForConfig derives the advertised capabilities from the runtime config.
func ForConfig(cfg config.Config) []Capability {
	caps := []Capability{
		{Name: "sign.capture", Attributes: map[string]string{
			"mode":       cfg.Capture.Mode,
			"resolution": fmt.Sprintf("%dx%d", cfg.Capture.Width, cfg.Capture.Height),
		}},
		{Name: "sign.model", Attributes: map[string]string{
			"mode":       cfg.Model.Mode,
			"input_size": fmt.Sprint(cfg.Model.InputSize),
		}},
		{Name: "sign.speech", Attributes: map[string]string{
			"mode":    cfg.Speech.Mode,
			"sink":    cfg.Speech.Sink,
			"enabled": fmt.Sprint(cfg.Speech.Enabled),
		}},
	}
	if cfg.Display.Publish {
		caps = append(caps, Capability{Name: "sign.display", Attributes: map[string]string{
			"target": cfg.Display.Target,
		}})
	}
	return caps
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		return slices.ContainsFunc(node.Capabilities, func(c Capability) bool { return c.Name == name })
	}
}

func WithRoleFilter(role string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		return node.Role == role
	}
}
