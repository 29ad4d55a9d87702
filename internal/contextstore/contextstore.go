// Package contextstore holds per-session conversation context: a bounded
// message ring, shared key/value state and per-participant emotional state,
// evicted by TTL. Grounded on the sweeper-backed TTL cache pattern used
// elsewhere in this module's infrastructure layer.
package contextstore

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aegis-mesh/core/internal/eventbus"
	"github.com/aegis-mesh/core/pkg/apierrors"
	"github.com/aegis-mesh/core/pkg/logger"
)

// Message is one turn of a conversation retained in a session's history ring.
type Message struct {
	FromAgentID    string
	ToAgentID      string
	Content        string
	EmotionalState string
	Timestamp      time.Time
}

// ConversationContext is the per-session state ContextStore owns.
type ConversationContext struct {
	SessionID       string
	Participants    map[string]struct{}
	Messages        []Message
	SharedContext   map[string]interface{}
	EmotionalStates map[string]string
	CreatedAt       time.Time
	LastUpdatedAt   time.Time
}

func newConversationContext(sessionID string) *ConversationContext {
	now := time.Now().UTC()
	return &ConversationContext{
		SessionID:       sessionID,
		Participants:    make(map[string]struct{}),
		SharedContext:   make(map[string]interface{}),
		EmotionalStates: make(map[string]string),
		CreatedAt:       now,
		LastUpdatedAt:   now,
	}
}

// Config parameterizes a Store.
type Config struct {
	MaxHistory    int
	TTL           time.Duration
	SweepInterval time.Duration

	// SweepCron, if set, schedules the sweep on a cron expression instead of
	// the plain SweepInterval ticker (e.g. "*/5 * * * *" for every 5 minutes
	// on the clock rather than every 5 minutes from Start).
	SweepCron string
}

// ContextPatch carries the mergeable fields UpdateContext accepts.
type ContextPatch struct {
	AddParticipants []string
	SharedContext   map[string]interface{}
}

// Statistics summarizes the store's current occupancy.
type Statistics struct {
	TotalContexts             int
	TotalMessages             int
	AverageMessagesPerContext float64
}

// Store is the ContextStore component.
type Store struct {
	mu       sync.RWMutex
	contexts map[string]*ConversationContext
	cfg      Config
	bus      *eventbus.Bus
	log      *logger.Logger
	cron     *cron.Cron

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Store. bus may be nil to skip event emission.
func New(cfg Config, bus *eventbus.Bus, log *logger.Logger) *Store {
	if log == nil {
		log = logger.NewDefault("contextstore")
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	return &Store{
		contexts: make(map[string]*ConversationContext),
		cfg:      cfg,
		bus:      bus,
		log:      log,
		stop:     make(chan struct{}),
	}
}

// SaveContext replaces any existing entry for ctx.SessionID, trimming the
// message history to MaxHistory if it arrives already over capacity.
func (s *Store) SaveContext(ctx *ConversationContext) error {
	if ctx.SessionID == "" {
		return apierrors.InvalidArgument("session_id", "session id is required")
	}

	s.mu.Lock()
	if len(ctx.Messages) > s.cfg.MaxHistory {
		ctx.Messages = ctx.Messages[len(ctx.Messages)-s.cfg.MaxHistory:]
	}
	ctx.LastUpdatedAt = time.Now().UTC()
	s.contexts[ctx.SessionID] = ctx
	s.mu.Unlock()

	s.emit(eventbus.EventContextSaved, ctx.SessionID)
	return nil
}

// GetContext returns the context for sessionID, or nil if absent or expired.
// An expired entry is purged as a side effect.
func (s *Store) GetContext(sessionID string) *ConversationContext {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.contexts[sessionID]
	if !ok {
		return nil
	}
	if s.expired(ctx) {
		delete(s.contexts, sessionID)
		return nil
	}
	return ctx
}

func (s *Store) expired(ctx *ConversationContext) bool {
	return time.Since(ctx.LastUpdatedAt) > s.cfg.TTL
}

// UpdateContext merges patch into the existing context for sessionID,
// failing NotFound if it is absent.
func (s *Store) UpdateContext(sessionID string, patch ContextPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.contexts[sessionID]
	if !ok || s.expired(ctx) {
		delete(s.contexts, sessionID)
		return apierrors.NotFound("context", sessionID)
	}

	for _, p := range patch.AddParticipants {
		ctx.Participants[p] = struct{}{}
	}
	for k, v := range patch.SharedContext {
		ctx.SharedContext[k] = v
	}
	ctx.LastUpdatedAt = time.Now().UTC()

	s.emitLocked(eventbus.EventContextUpdated, sessionID)
	return nil
}

// AddMessage appends msg to sessionID's history, creating the context on
// demand (inferring participants from the message) if it does not exist.
// On overflow the oldest message is dropped.
func (s *Store) AddMessage(sessionID string, msg Message) *ConversationContext {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.contexts[sessionID]
	if !ok || s.expired(ctx) {
		ctx = newConversationContext(sessionID)
		s.contexts[sessionID] = ctx
	}
	if msg.FromAgentID != "" {
		ctx.Participants[msg.FromAgentID] = struct{}{}
	}
	if msg.ToAgentID != "" {
		ctx.Participants[msg.ToAgentID] = struct{}{}
	}

	ctx.Messages = append(ctx.Messages, msg)
	if len(ctx.Messages) > s.cfg.MaxHistory {
		ctx.Messages = ctx.Messages[len(ctx.Messages)-s.cfg.MaxHistory:]
	}
	if msg.EmotionalState != "" && msg.FromAgentID != "" {
		ctx.EmotionalStates[msg.FromAgentID] = msg.EmotionalState
	}
	ctx.LastUpdatedAt = time.Now().UTC()

	s.emitLocked(eventbus.EventContextSaved, sessionID)
	return ctx
}

// GetMessageHistory returns up to limit of sessionID's most recent messages
// (0 means unlimited).
func (s *Store) GetMessageHistory(sessionID string, limit int) []Message {
	ctx := s.GetContext(sessionID)
	if ctx == nil {
		return nil
	}
	if limit <= 0 || limit >= len(ctx.Messages) {
		return append([]Message{}, ctx.Messages...)
	}
	return append([]Message{}, ctx.Messages[len(ctx.Messages)-limit:]...)
}

// GetSharedContext returns a copy of sessionID's shared key/value map.
func (s *Store) GetSharedContext(sessionID string) map[string]interface{} {
	ctx := s.GetContext(sessionID)
	if ctx == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(ctx.SharedContext))
	for k, v := range ctx.SharedContext {
		out[k] = v
	}
	return out
}

// UpdateSharedContext merges partial into sessionID's shared context.
func (s *Store) UpdateSharedContext(sessionID string, partial map[string]interface{}) error {
	return s.UpdateContext(sessionID, ContextPatch{SharedContext: partial})
}

// GetEmotionalStates returns a copy of sessionID's per-participant latest
// emotional state map.
func (s *Store) GetEmotionalStates(sessionID string) map[string]string {
	ctx := s.GetContext(sessionID)
	if ctx == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(ctx.EmotionalStates))
	for k, v := range ctx.EmotionalStates {
		out[k] = v
	}
	return out
}

// DeleteContext removes sessionID's context, if present.
func (s *Store) DeleteContext(sessionID string) {
	s.mu.Lock()
	_, existed := s.contexts[sessionID]
	delete(s.contexts, sessionID)
	s.mu.Unlock()
	if existed {
		s.emit(eventbus.EventContextDeleted, sessionID)
	}
}

// GetActiveSessions returns the ids of all non-expired contexts.
func (s *Store) GetActiveSessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.contexts))
	for id, ctx := range s.contexts {
		if !s.expired(ctx) {
			ids = append(ids, id)
		}
	}
	return ids
}

// GetStatistics summarizes the store's current occupancy.
func (s *Store) GetStatistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Statistics{TotalContexts: len(s.contexts)}
	for _, ctx := range s.contexts {
		stats.TotalMessages += len(ctx.Messages)
	}
	if stats.TotalContexts > 0 {
		stats.AverageMessagesPerContext = float64(stats.TotalMessages) / float64(stats.TotalContexts)
	}
	return stats
}

// Start launches the background sweeper that deletes expired contexts. If
// cfg.SweepCron was set, the sweeper runs on that cron schedule; otherwise
// it runs on a plain SweepInterval ticker.
func (s *Store) Start() {
	if s.cfg.SweepCron != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(s.cfg.SweepCron, s.sweep); err != nil {
			s.log.Component("contextstore").WithField("schedule", s.cfg.SweepCron).Errorf("invalid sweep cron schedule: %v", err)
			s.cron = nil
		} else {
			s.cron.Start()
			return
		}
	}

	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the background sweeper, whichever schedule it runs on.
func (s *Store) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Store) sweep() {
	s.mu.Lock()
	var expiredIDs []string
	for id, ctx := range s.contexts {
		if s.expired(ctx) {
			expiredIDs = append(expiredIDs, id)
			delete(s.contexts, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expiredIDs {
		s.log.Component("contextstore").WithField("session_id", id).Debug("context expired")
		s.emit(eventbus.EventContextDeleted, id)
	}
}

func (s *Store) emit(eventType eventbus.EventType, sessionID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Metadata: map[string]interface{}{"session_id": sessionID}})
}

func (s *Store) emitLocked(eventType eventbus.EventType, sessionID string) {
	// Publish is independently synchronized; safe to call while holding s.mu
	// since eventbus.Bus never calls back into Store.
	s.emit(eventType, sessionID)
}
