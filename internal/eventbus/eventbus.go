// Package eventbus provides in-process publish/subscribe with a bounded
// history ring, grounded on the fan-out pattern the orchestration engine
// uses to broadcast events to interested listeners.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-mesh/core/pkg/logger"
)

// EventType is drawn from the fixed closed set the bus accepts.
type EventType string

const (
	EventAgentRegistered    EventType = "agent:registered"
	EventAgentDeregistered  EventType = "agent:deregistered"
	EventAgentHealth        EventType = "agent:health"
	EventAgentEvent         EventType = "agent:event"
	EventAgentAlert         EventType = "agent:alert"
	EventWorkflowCreated    EventType = "workflow:created"
	EventWorkflowStarted    EventType = "workflow:started"
	EventWorkflowStepDone   EventType = "workflow:step_completed"
	EventWorkflowStepFailed EventType = "workflow:step_failed"
	EventWorkflowCompleted  EventType = "workflow:completed"
	EventWorkflowFailed     EventType = "workflow:failed"
	EventWorkflowPaused     EventType = "workflow:paused"
	EventWorkflowResumed    EventType = "workflow:resumed"
	EventChoreographySync   EventType = "choreography:sync"
	EventContextSaved       EventType = "context:saved"
	EventContextUpdated     EventType = "context:updated"
	EventContextDeleted     EventType = "context:deleted"
)

// Event is the unit of data the bus carries.
type Event struct {
	ID            string
	Type          EventType
	SourceAgent   string
	TargetAgent   string
	WorkflowID    string
	ExecutionID   string
	CorrelationID string
	Payload       interface{}
	CreatedAt     time.Time
	Metadata      map[string]interface{}
}

// Callback receives delivered events. A panic inside Callback is recovered
// and logged; it never reaches the publisher or other subscribers.
type Callback func(Event)

const dispatchQueueSize = 256

type subscription struct {
	id         string
	types      map[EventType]struct{}
	agentID    string
	workflowID string
	callback   Callback

	mu     sync.Mutex
	paused bool

	queue  chan Event
	done   chan struct{}
}

func (s *subscription) matches(e Event) bool {
	if _, ok := s.types[e.Type]; !ok {
		return false
	}
	if s.agentID != "" && e.SourceAgent != s.agentID && e.TargetAgent != s.agentID {
		return false
	}
	if s.workflowID != "" && e.WorkflowID != s.workflowID {
		return false
	}
	return true
}

func (s *subscription) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Bus is the EventBus component.
type Bus struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	history       []Event
	historyCap    int
	log           *logger.Logger
}

// New creates a Bus with the given history ring capacity.
func New(historyCapacity int, log *logger.Logger) *Bus {
	if historyCapacity <= 0 {
		historyCapacity = 1000
	}
	if log == nil {
		log = logger.NewDefault("eventbus")
	}
	return &Bus{
		subscriptions: make(map[string]*subscription),
		historyCap:    historyCapacity,
		log:           log,
	}
}

// Subscribe registers callback for events matching types and, optionally,
// an agent or workflow filter. Returns a subscription id usable with Pause,
// Resume and Unsubscribe.
func (b *Bus) Subscribe(types []EventType, agentID, workflowID string, callback Callback) string {
	typeSet := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}

	sub := &subscription{
		id:         uuid.NewString(),
		types:      typeSet,
		agentID:    agentID,
		workflowID: workflowID,
		callback:   callback,
		queue:      make(chan Event, dispatchQueueSize),
		done:       make(chan struct{}),
	}

	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()

	go b.dispatchLoop(sub)
	return sub.id
}

func (b *Bus) dispatchLoop(sub *subscription) {
	for {
		select {
		case e, ok := <-sub.queue:
			if !ok {
				return
			}
			if sub.isPaused() {
				continue
			}
			b.invokeCallback(sub, e)
		case <-sub.done:
			return
		}
	}
}

func (b *Bus) invokeCallback(sub *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Component("eventbus").WithField("subscription_id", sub.id).Errorf("subscriber panicked: %v", r)
		}
	}()
	sub.callback(e)
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	sub, ok := b.subscriptions[subscriptionID]
	if ok {
		delete(b.subscriptions, subscriptionID)
	}
	b.mu.Unlock()
	if ok {
		close(sub.done)
	}
}

// Pause suspends delivery to a subscription without unsubscribing.
func (b *Bus) Pause(subscriptionID string) {
	b.mu.RLock()
	sub, ok := b.subscriptions[subscriptionID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.paused = true
	sub.mu.Unlock()
}

// Resume reverses Pause.
func (b *Bus) Resume(subscriptionID string) {
	b.mu.RLock()
	sub, ok := b.subscriptions[subscriptionID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.paused = false
	sub.mu.Unlock()
}

// Publish appends the event to history synchronously, then fans it out to
// matching subscribers. Per-subscriber delivery is FIFO with respect to
// publish order; a failing subscriber never blocks another.
func (b *Bus) Publish(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	b.mu.Lock()
	b.history = append(b.history, e)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
	var matching []*subscription
	for _, sub := range b.subscriptions {
		if sub.matches(e) {
			matching = append(matching, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matching {
		select {
		case sub.queue <- e:
		default:
			b.log.Component("eventbus").WithField("subscription_id", sub.id).Warn("subscriber queue full, dropping event")
		}
	}
	return e
}

// HistoryFilter narrows a History query; zero-valued fields are ignored.
type HistoryFilter struct {
	Types         []EventType
	SourceAgent   string
	WorkflowID    string
	CorrelationID string
	Since         time.Time
	Limit         int
}

// History returns events matching filter, most recent last.
func (b *Bus) History(filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	typeSet := make(map[EventType]struct{}, len(filter.Types))
	for _, t := range filter.Types {
		typeSet[t] = struct{}{}
	}

	var out []Event
	for _, e := range b.history {
		if len(typeSet) > 0 {
			if _, ok := typeSet[e.Type]; !ok {
				continue
			}
		}
		if filter.SourceAgent != "" && e.SourceAgent != filter.SourceAgent {
			continue
		}
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.CorrelationID != "" && e.CorrelationID != filter.CorrelationID {
			continue
		}
		if !filter.Since.IsZero() && e.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}
