package nodes

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"chimera/internal/events"
	"chimera/internal/logging"
	"chimera/internal/metrics"
)

// ==========================================================================
// Node Lifecycle States
// ==========================================================================

// Status tracks where a node sits in its connection lifecycle.
type Status string

const (
	// StatusConnecting covers the handshake before authentication passes.
	StatusConnecting Status = "connecting"
	// StatusRegistered means the node holds an id but has not proven
	// liveness yet. Registration counts as the first heartbeat, so nodes
	// normally pass straight through to healthy.
	StatusRegistered Status = "registered"
	// StatusHealthy means the last heartbeat arrived inside the timeout.
	StatusHealthy Status = "healthy"
	// StatusStale means the heartbeat timeout elapsed once. A fresh
	// heartbeat returns the node to healthy.
	StatusStale Status = "stale"
	// StatusDisconnected means the grace period elapsed as well. The id is
	// freed and never reused.
	StatusDisconnected Status = "disconnected"
)

// Reputation bounds and per-outcome adjustments.
const (
	ReputationInitial = 0.5
	ReputationMin     = 0.0
	ReputationMax     = 1.0

	DefaultReputationUp   = 0.02
	DefaultReputationDown = 0.05

	// DefaultHeartbeatTimeout marks a node stale; twice the timeout
	// disconnects it.
	DefaultHeartbeatTimeout = 90 * time.Second
	// DefaultSweepInterval is the cadence the liveness sweeper runs at.
	DefaultSweepInterval = 30 * time.Second
)

var (
	// ErrUnknownNode is returned for operations on an id that was never
	// registered or has been disconnected.
	ErrUnknownNode = errors.New("unknown node")
	// ErrNoneAvailable is returned when no healthy node satisfies a
	// capability requirement.
	ErrNoneAvailable = errors.New("no node available")
)

// Transport delivers frames to a connected node. The registry owns the
// handle exclusively; other components address nodes by id through Send.
type Transport interface {
	Send(frame interface{}) error
	Close() error
}

// Node is the registry's view of one connected peer. Copies returned from
// registry methods are snapshots; mutating them has no effect.
type Node struct {
	ID            string
	Type          string
	Capabilities  []string
	Resources     map[string]interface{}
	Reputation    float64
	LastHeartbeat time.Time
	Status        Status

	transport Transport
}

// HasCapabilities reports whether the node advertises every required
// capability.
func (n Node) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range n.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ==========================================================================
// Node Registry
// ==========================================================================

// Registry tracks connected nodes, their liveness, and their reputation,
// and selects execution targets for remote dispatch.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Node

	broker *events.Broker
	prom   *metrics.Metrics

	heartbeatTimeout time.Duration
	repUp            float64
	repDown          float64

	now func() time.Time
}

// RegistryOptions configures a Registry. Zero values take the defaults
// above.
type RegistryOptions struct {
	HeartbeatTimeout time.Duration
	ReputationUp     float64
	ReputationDown   float64
	Broker           *events.Broker
	Metrics          *metrics.Metrics

	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewRegistry creates an empty node registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.ReputationUp <= 0 {
		opts.ReputationUp = DefaultReputationUp
	}
	if opts.ReputationDown <= 0 {
		opts.ReputationDown = DefaultReputationDown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		nodes:            make(map[string]*Node),
		broker:           opts.Broker,
		prom:             opts.Metrics,
		heartbeatTimeout: opts.HeartbeatTimeout,
		repUp:            opts.ReputationUp,
		repDown:          opts.ReputationDown,
		now:              opts.Now,
	}
}

// Register admits an authenticated node, assigns it a fresh id, and marks
// it healthy. Registration counts as the first heartbeat. Ids are never
// reused, so a peer that reconnects after a disconnect gets a new identity
// and a reset reputation.
func (r *Registry) Register(nodeType string, capabilities []string, resources map[string]interface{}, transport Transport) (Node, error) {
	id, err := newNodeID()
	if err != nil {
		return Node{}, fmt.Errorf("failed to generate node id: %w", err)
	}

	caps := make([]string, len(capabilities))
	copy(caps, capabilities)
	sort.Strings(caps)

	node := &Node{
		ID:            id,
		Type:          nodeType,
		Capabilities:  caps,
		Resources:     copyResources(resources),
		Reputation:    ReputationInitial,
		LastHeartbeat: r.now(),
		Status:        StatusHealthy,
		transport:     transport,
	}

	r.mu.Lock()
	r.nodes[id] = node
	healthy := r.healthyCountLocked()
	r.mu.Unlock()

	r.prom.SetHealthyNodes(healthy)
	logging.Nodes("Node registered: %s type=%s capabilities=%v", id, nodeType, caps)
	if r.broker != nil {
		r.broker.Publish(events.NodeRegistered, map[string]interface{}{
			"node_id":      id,
			"node_type":    nodeType,
			"capabilities": caps,
		})
	}
	return *node, nil
}

// Heartbeat refreshes a node's liveness and optionally its resource map.
// A stale node recovers to healthy.
func (r *Registry) Heartbeat(nodeID string, resources map[string]interface{}) error {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	node.LastHeartbeat = r.now()
	if resources != nil {
		node.Resources = copyResources(resources)
	}
	recovered := node.Status == StatusStale
	node.Status = StatusHealthy
	healthy := r.healthyCountLocked()
	r.mu.Unlock()

	r.prom.SetHealthyNodes(healthy)
	if recovered {
		logging.Nodes("Node %s recovered from stale", nodeID)
	}
	return nil
}

// RecordOutcome adjusts a node's reputation after a dispatched task
// succeeds or fails. Outcomes for disconnected nodes are dropped.
func (r *Registry) RecordOutcome(nodeID string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	if success {
		node.Reputation += r.repUp
	} else {
		node.Reputation -= r.repDown
	}
	if node.Reputation > ReputationMax {
		node.Reputation = ReputationMax
	}
	if node.Reputation < ReputationMin {
		node.Reputation = ReputationMin
	}
	logging.NodesDebug("Node %s reputation now %.2f (success=%v)", nodeID, node.Reputation, success)
}

// ChooseNode selects the healthy node with the highest reputation among
// those advertising every required capability, skipping ids in exclude.
// Ties go to the node with the earliest last heartbeat, so equal-reputation
// nodes rotate rather than one absorbing every task.
func (r *Registry) ChooseNode(required []string, exclude map[string]bool) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Node
	for _, node := range r.nodes {
		if node.Status != StatusHealthy {
			continue
		}
		if exclude[node.ID] {
			continue
		}
		if !node.HasCapabilities(required) {
			continue
		}
		if best == nil {
			best = node
			continue
		}
		if node.Reputation > best.Reputation {
			best = node
			continue
		}
		if node.Reputation == best.Reputation && node.LastHeartbeat.Before(best.LastHeartbeat) {
			best = node
		}
	}
	if best == nil {
		return Node{}, fmt.Errorf("%w: capabilities %v", ErrNoneAvailable, required)
	}
	return *best, nil
}

// Send delivers a frame to a node's transport.
func (r *Registry) Send(nodeID string, frame interface{}) error {
	r.mu.RLock()
	node, ok := r.nodes[nodeID]
	var transport Transport
	if ok {
		transport = node.transport
	}
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if transport == nil {
		return fmt.Errorf("%w: %s has no transport", ErrUnknownNode, nodeID)
	}
	return transport.Send(frame)
}

// Get returns a snapshot of one node.
func (r *Registry) Get(nodeID string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[nodeID]
	if !ok {
		return Node{}, false
	}
	return *node, true
}

// List returns snapshots of every tracked node, sorted by id.
func (r *Registry) List() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of tracked nodes in any state.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// HealthyCount returns the number of nodes currently healthy.
func (r *Registry) HealthyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthyCountLocked()
}

func (r *Registry) healthyCountLocked() int {
	n := 0
	for _, node := range r.nodes {
		if node.Status == StatusHealthy {
			n++
		}
	}
	return n
}

// Disconnect removes a node, closes its transport, and emits
// node_disconnected. It reports whether the id was present.
func (r *Registry) Disconnect(nodeID, reason string) bool {
	r.mu.Lock()
	node, ok := r.nodes[nodeID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.nodes, nodeID)
	transport := node.transport
	healthy := r.healthyCountLocked()
	r.mu.Unlock()

	r.prom.SetHealthyNodes(healthy)
	r.finishDisconnect(nodeID, transport, reason)
	return true
}

func (r *Registry) finishDisconnect(nodeID string, transport Transport, reason string) {
	if transport != nil {
		if err := transport.Close(); err != nil {
			logging.NodesDebug("Transport close for %s: %v", nodeID, err)
		}
	}
	logging.NodesWarn("Node disconnected: %s reason=%s", nodeID, reason)
	if r.broker != nil {
		r.broker.Publish(events.NodeDisconnected, map[string]interface{}{
			"node_id": nodeID,
			"reason":  reason,
		})
	}
}

// Sweep applies the liveness rules once: past the heartbeat timeout a node
// turns stale, past twice the timeout it is disconnected. Removal happens
// under the same lock as the check so a concurrent heartbeat cannot revive
// a node that is already being dropped. It returns the ids disconnected by
// this pass.
func (r *Registry) Sweep() []string {
	now := r.now()

	type drop struct {
		id        string
		transport Transport
	}
	r.mu.Lock()
	var drops []drop
	for id, node := range r.nodes {
		elapsed := now.Sub(node.LastHeartbeat)
		switch {
		case elapsed > 2*r.heartbeatTimeout:
			delete(r.nodes, id)
			drops = append(drops, drop{id: id, transport: node.transport})
		case elapsed > r.heartbeatTimeout:
			if node.Status == StatusHealthy || node.Status == StatusRegistered {
				node.Status = StatusStale
				logging.NodesWarn("Node %s is stale: no heartbeat for %s", id, elapsed.Round(time.Second))
			}
		}
	}
	healthy := r.healthyCountLocked()
	r.mu.Unlock()

	r.prom.SetHealthyNodes(healthy)
	expired := make([]string, 0, len(drops))
	for _, d := range drops {
		expired = append(expired, d.id)
		r.finishDisconnect(d.id, d.transport, "heartbeat_expired")
	}
	return expired
}

// RunSweeper runs Sweep on the given cadence until the context ends.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Nodes("Liveness sweeper running every %s (timeout %s)", interval, r.heartbeatTimeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// newNodeID returns a fresh crypto-random URL-safe id. 18 bytes encode to
// 24 characters and carry 144 bits of entropy.
func newNodeID() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func copyResources(resources map[string]interface{}) map[string]interface{} {
	if resources == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(resources))
	for k, v := range resources {
		out[k] = v
	}
	return out
}
