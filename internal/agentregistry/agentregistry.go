// Package agentregistry holds the in-memory registry of agents, their
// capabilities, and liveness health.
package agentregistry

import (
	"sync"
	"time"

	"github.com/aegis-mesh/core/pkg/apierrors"
	"github.com/aegis-mesh/core/pkg/logger"
)

// Kind is drawn from the closed set of agent archetypes this core supports.
type Kind string

const (
	KindGuardian     Kind = "guardian"
	KindBridge       Kind = "bridge"
	KindSovereign    Kind = "sovereign"
	KindPrism        Kind = "prism"
	KindAtlas        Kind = "atlas"
	KindOrchestrator Kind = "orchestrator"
	KindWeaver       Kind = "weaver"
)

// Status is an agent's liveness state.
type Status string

const (
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// HealthKind is reported by record_health and coerces Status.
type HealthKind string

const (
	HealthHealthy   HealthKind = "healthy"
	HealthDegraded  HealthKind = "degraded"
	HealthUnhealthy HealthKind = "unhealthy"
)

// Capability describes one operation an Agent exposes.
type Capability struct {
	ID           string
	Name         string
	Version      string
	InputShape   map[string]interface{}
	OutputShape  map[string]interface{}
	Tags         []string
	Deprecated   bool
}

// Agent is the registry's managed identity.
type Agent struct {
	ID            string
	Kind          Kind
	PublicKey     []byte
	Capabilities  []Capability
	Status        Status
	LastHeartbeat time.Time
	Metadata      map[string]interface{}
}

func (a *Agent) hasCapability(id string) bool {
	for _, c := range a.Capabilities {
		if c.ID == id {
			return true
		}
	}
	return false
}

func (a *Agent) hasTag(tag string) bool {
	for _, c := range a.Capabilities {
		for _, t := range c.Tags {
			if t == tag {
				return true
			}
		}
	}
	return false
}

// Query filters registered agents by intersection of the provided criteria;
// an empty/nil field is ignored.
type Query struct {
	Types          []Kind
	Statuses       []Status
	CapabilityIDs  []string
	Tags           []string
}

// Registry is the AgentRegistry component.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	log    *logger.Logger

	heartbeatTimeout time.Duration
}

// New creates a Registry. heartbeatTimeout governs the online-status
// invariant checked by IsHeartbeatCurrent.
func New(heartbeatTimeout time.Duration, log *logger.Logger) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("agentregistry")
	}
	return &Registry{
		agents:           make(map[string]*Agent),
		heartbeatTimeout: heartbeatTimeout,
		log:              log,
	}
}

// Register adds a new agent. Fails with DuplicateId if the id is taken.
func (r *Registry) Register(agent *Agent) error {
	if agent.ID == "" {
		return apierrors.InvalidArgument("id", "agent id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.ID]; exists {
		return apierrors.DuplicateID("agent", agent.ID)
	}
	if agent.Status == "" {
		agent.Status = StatusOnline
	}
	if agent.LastHeartbeat.IsZero() {
		agent.LastHeartbeat = time.Now()
	}
	if agent.Metadata == nil {
		agent.Metadata = make(map[string]interface{})
	}
	r.agents[agent.ID] = agent
	r.log.Component("agentregistry").WithField("agent_id", agent.ID).Info("agent registered")
	return nil
}

// Deregister removes an agent. Not an error if absent.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// Get returns the agent by id.
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, apierrors.NotFound("agent", agentID)
	}
	return agent, nil
}

// Query returns agents matching the intersection of all provided criteria.
func (r *Registry) Query(q Query) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Agent
	for _, agent := range r.agents {
		if len(q.Types) > 0 && !containsKind(q.Types, agent.Kind) {
			continue
		}
		if len(q.Statuses) > 0 && !containsStatus(q.Statuses, agent.Status) {
			continue
		}
		if len(q.CapabilityIDs) > 0 && !anyCapabilityMatches(agent, q.CapabilityIDs) {
			continue
		}
		if len(q.Tags) > 0 && !anyTagMatches(agent, q.Tags) {
			continue
		}
		out = append(out, agent)
	}
	return out
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func containsStatus(statuses []Status, s Status) bool {
	for _, status := range statuses {
		if status == s {
			return true
		}
	}
	return false
}

func anyCapabilityMatches(agent *Agent, ids []string) bool {
	for _, id := range ids {
		if agent.hasCapability(id) {
			return true
		}
	}
	return false
}

func anyTagMatches(agent *Agent, tags []string) bool {
	for _, tag := range tags {
		if agent.hasTag(tag) {
			return true
		}
	}
	return false
}

// UpdateStatus sets an agent's liveness status and refreshes its heartbeat
// timestamp; calling it with StatusOnline is how a heartbeat is recorded.
func (r *Registry) UpdateStatus(agentID string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return apierrors.NotFound("agent", agentID)
	}
	agent.Status = status
	agent.LastHeartbeat = time.Now()
	return nil
}

// UpdateMetadata merges the provided map into the agent's existing metadata.
func (r *Registry) UpdateMetadata(agentID string, metadata map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return apierrors.NotFound("agent", agentID)
	}
	if agent.Metadata == nil {
		agent.Metadata = make(map[string]interface{})
	}
	for k, v := range metadata {
		agent.Metadata[k] = v
	}
	return nil
}

// RecordHealth coerces status from a health kind: unhealthy -> offline,
// degraded -> degraded, healthy -> online.
func (r *Registry) RecordHealth(agentID string, kind HealthKind) error {
	var status Status
	switch kind {
	case HealthHealthy:
		status = StatusOnline
	case HealthDegraded:
		status = StatusDegraded
	case HealthUnhealthy:
		status = StatusOffline
	default:
		return apierrors.InvalidArgument("kind", "unknown health kind")
	}
	return r.UpdateStatus(agentID, status)
}

// FindByCapability returns online-or-degraded agents offering capabilityID.
func (r *Registry) FindByCapability(capabilityID string) []*Agent {
	return r.Query(Query{
		CapabilityIDs: []string{capabilityID},
		Statuses:      []Status{StatusOnline, StatusDegraded},
	})
}

// IsHeartbeatCurrent reports whether the agent's last heartbeat is within
// the registry's heartbeat timeout, the condition required for status=online.
func (r *Registry) IsHeartbeatCurrent(agent *Agent) bool {
	return time.Since(agent.LastHeartbeat) < r.heartbeatTimeout
}
