package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesMatchingEvents(t *testing.T) {
	b := New(100, nil)
	received := make(chan Event, 10)
	b.Subscribe([]EventType{EventWorkflowStarted}, "", "", func(e Event) {
		received <- e
	})

	b.Publish(Event{Type: EventWorkflowStarted, WorkflowID: "wf-1"})
	b.Publish(Event{Type: EventWorkflowCompleted, WorkflowID: "wf-1"})

	select {
	case e := <-received:
		assert.Equal(t, EventWorkflowStarted, e.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case <-received:
		t.Fatal("should not have received non-matching event type")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeFiltersByAgentID(t *testing.T) {
	b := New(100, nil)
	received := make(chan Event, 10)
	b.Subscribe([]EventType{EventAgentHealth}, "agent-1", "", func(e Event) {
		received <- e
	})

	b.Publish(Event{Type: EventAgentHealth, SourceAgent: "agent-2"})
	b.Publish(Event{Type: EventAgentHealth, TargetAgent: "agent-1"})

	select {
	case e := <-received:
		assert.Equal(t, "agent-1", e.TargetAgent)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
}

func TestPauseResumeSubscription(t *testing.T) {
	b := New(100, nil)
	received := make(chan Event, 10)
	id := b.Subscribe([]EventType{EventWorkflowStarted}, "", "", func(e Event) {
		received <- e
	})

	b.Pause(id)
	b.Publish(Event{Type: EventWorkflowStarted})

	select {
	case <-received:
		t.Fatal("paused subscription should not receive events")
	case <-time.After(100 * time.Millisecond):
	}

	b.Resume(id)
	b.Publish(Event{Type: EventWorkflowStarted})
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("resumed subscription should receive events")
	}
}

func TestFailingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New(100, nil)
	b.Subscribe([]EventType{EventWorkflowStarted}, "", "", func(e Event) {
		panic("boom")
	})
	received := make(chan Event, 1)
	b.Subscribe([]EventType{EventWorkflowStarted}, "", "", func(e Event) {
		received <- e
	})

	b.Publish(Event{Type: EventWorkflowStarted})

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("other subscriber should still receive the event")
	}
}

func TestHistoryFilterByWorkflow(t *testing.T) {
	b := New(100, nil)
	b.Publish(Event{Type: EventWorkflowStarted, WorkflowID: "wf-1"})
	b.Publish(Event{Type: EventWorkflowStarted, WorkflowID: "wf-2"})

	events := b.History(HistoryFilter{WorkflowID: "wf-1"})
	require.Len(t, events, 1)
	assert.Equal(t, "wf-1", events[0].WorkflowID)
}

func TestHistoryRespectsCapacity(t *testing.T) {
	b := New(2, nil)
	b.Publish(Event{Type: EventWorkflowStarted, WorkflowID: "wf-1"})
	b.Publish(Event{Type: EventWorkflowStarted, WorkflowID: "wf-2"})
	b.Publish(Event{Type: EventWorkflowStarted, WorkflowID: "wf-3"})

	events := b.History(HistoryFilter{})
	require.Len(t, events, 2)
	assert.Equal(t, "wf-2", events[0].WorkflowID)
	assert.Equal(t, "wf-3", events[1].WorkflowID)
}
