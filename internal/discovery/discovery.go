// Package discovery implements agent registration, capability query and
// heartbeat-timeout-to-offline transitions for the cross-platform session
// layer, using the rate limiter from infrastructure/ratelimit to throttle
// noisy heartbeat callers.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/aegis-mesh/core/infrastructure/cache"
	"github.com/aegis-mesh/core/infrastructure/ratelimit"
	"github.com/aegis-mesh/core/internal/eventbus"
	"github.com/aegis-mesh/core/pkg/apierrors"
	"github.com/aegis-mesh/core/pkg/logger"
)

// queryCacheTTL bounds how stale a cached Query result may be. Short enough
// that a newly (de)registered agent is visible within one tick, long enough
// to absorb a burst of repeated lookups for the same capability set.
const queryCacheTTL = 2 * time.Second

// Status is a discovered agent's liveness as tracked by this service.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Registration is the payload a peer presents to join the discovery index.
type Registration struct {
	AgentID      string
	DID          string
	Address      string
	Capabilities []string
	Metadata     map[string]interface{}
	Endpoint     string
}

func (r Registration) validate() error {
	if r.AgentID == "" || r.DID == "" || r.Address == "" || r.Endpoint == "" {
		return apierrors.New(apierrors.CodeInvalidArgument, "registration requires agent_id, did, address and endpoint")
	}
	return nil
}

type record struct {
	Registration
	Status        Status
	LastHeartbeat time.Time
	SessionID     string
	limiter       *ratelimit.RateLimiter
}

// Query narrows a discovery lookup. Matching is AND across fields: the
// agent's capability set must be a superset of Capabilities, and Metadata
// must match every key in Filters by equality.
type Query struct {
	Capabilities []string
	Filters      map[string]interface{}
	MaxResults   int
}

// QueryResult carries the capped result set and the pre-cap total.
type QueryResult struct {
	Agents     []Registration
	TotalCount int
}

const heartbeatRatePerSecond = 5

// Service is the AgentDiscoveryService component.
type Service struct {
	mu     sync.RWMutex
	agents map[string]*record

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	bus   *eventbus.Bus
	log   *logger.Logger
	cache *cache.Cache
	cron  *cron.Cron

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Service. A background sweep (Start) transitions agents that
// have not heartbeat within heartbeatTimeout to offline.
func New(heartbeatInterval, heartbeatTimeout time.Duration, bus *eventbus.Bus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("discovery")
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 10 * time.Second
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = time.Minute
	}
	return &Service{
		agents:            make(map[string]*record),
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		bus:               bus,
		log:               log,
		cache: cache.NewCache(cache.CacheConfig{
			DefaultTTL:      queryCacheTTL,
			MaxSize:         4096,
			CleanupInterval: time.Minute,
		}),
		stop: make(chan struct{}),
	}
}

// Register validates and stores reg, returning an opaque discovery session id.
func (s *Service) Register(reg Registration) (string, error) {
	if err := reg.validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[reg.AgentID]; exists {
		return "", apierrors.DuplicateID("agent", reg.AgentID)
	}

	sessionID := uuid.NewString()
	s.agents[reg.AgentID] = &record{
		Registration:  reg,
		Status:        StatusOnline,
		LastHeartbeat: time.Now().UTC(),
		SessionID:     sessionID,
		limiter: ratelimit.New(ratelimit.RateLimitConfig{
			RequestsPerSecond: heartbeatRatePerSecond,
			Burst:             heartbeatRatePerSecond * 2,
		}),
	}
	s.cache.InvalidateAll()
	return sessionID, nil
}

// Heartbeat validates sessionID against agentID's registration, refreshes
// last_heartbeat and updates status. Excess calls beyond the per-agent rate
// are rejected with CapacityExceeded rather than silently accepted.
func (s *Service) Heartbeat(agentID, sessionID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.agents[agentID]
	if !ok {
		return apierrors.NotFound("agent", agentID)
	}
	if rec.SessionID != sessionID {
		return apierrors.New(apierrors.CodeInvalidArgument, "discovery session id mismatch")
	}
	if !rec.limiter.Allow() {
		return apierrors.CapacityExceeded(heartbeatRatePerSecond)
	}

	changed := rec.Status != status
	rec.LastHeartbeat = time.Now().UTC()
	rec.Status = status
	if changed {
		s.cache.InvalidateAll()
	}
	return nil
}

// Query returns registrations matching q, capped at q.MaxResults. Results
// are served from a short-lived cache keyed on the query shape so that a
// burst of identical lookups does not each pay the full index scan.
func (s *Service) Query(q Query) QueryResult {
	key := queryCacheKey(q)
	if cached, ok := s.cache.Get(key); ok {
		return cached.(QueryResult)
	}

	s.mu.RLock()
	var matches []Registration
	for _, rec := range s.agents {
		if !hasAllCapabilities(rec.Capabilities, q.Capabilities) {
			continue
		}
		if !matchesFilters(rec.Metadata, q.Filters) {
			continue
		}
		matches = append(matches, rec.Registration)
	}
	s.mu.RUnlock()

	total := len(matches)
	if q.MaxResults > 0 && len(matches) > q.MaxResults {
		matches = matches[:q.MaxResults]
	}
	result := QueryResult{Agents: matches, TotalCount: total}
	s.cache.Set(key, result, queryCacheTTL)
	return result
}

func queryCacheKey(q Query) string {
	caps := append([]string(nil), q.Capabilities...)
	sort.Strings(caps)

	filterKeys := make([]string, 0, len(q.Filters))
	for k := range q.Filters {
		filterKeys = append(filterKeys, k)
	}
	sort.Strings(filterKeys)

	var b strings.Builder
	b.WriteString(strings.Join(caps, ","))
	b.WriteByte('|')
	for _, k := range filterKeys {
		fmt.Fprintf(&b, "%s=%v;", k, q.Filters[k])
	}
	fmt.Fprintf(&b, "|%d", q.MaxResults)
	return b.String()
}

func hasAllCapabilities(has, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(has))
	for _, c := range has {
		set[c] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

func matchesFilters(metadata map[string]interface{}, filters map[string]interface{}) bool {
	for k, v := range filters {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// Start launches the background sweep goroutine. Call Stop to halt it.
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// StartCron launches the sweep on a cron schedule instead of the plain
// ticker Start uses, for deployments that want sweeps aligned to wall-clock
// boundaries (e.g. "0 * * * *" for the top of every hour).
func (s *Service) StartCron(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, s.sweep); err != nil {
		return apierrors.New(apierrors.CodeInvalidArgument, "invalid sweep cron schedule").WithDetails("cause", err.Error())
	}
	s.cron = c
	s.cron.Start()
	return nil
}

// Stop halts the background sweep, whichever schedule it runs on.
func (s *Service) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Service) sweep() {
	now := time.Now().UTC()

	s.mu.Lock()
	var disconnected []string
	for id, rec := range s.agents {
		if rec.Status == StatusOnline && now.Sub(rec.LastHeartbeat) > s.heartbeatTimeout {
			rec.Status = StatusOffline
			disconnected = append(disconnected, id)
		}
	}
	s.mu.Unlock()

	if len(disconnected) > 0 {
		s.cache.InvalidateAll()
	}
	for _, id := range disconnected {
		s.log.Component("discovery").WithField("agent_id", id).Warn("agent heartbeat timed out, marking offline")
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.EventAgentDeregistered, SourceAgent: id})
		}
	}
}
