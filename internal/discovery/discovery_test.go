package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-mesh/core/internal/eventbus"
	"github.com/aegis-mesh/core/pkg/apierrors"
)

func validRegistration(id string) Registration {
	return Registration{AgentID: id, DID: "did:aegis:" + id, Address: "addr-" + id, Endpoint: "endpoint-" + id}
}

func TestRegisterRejectsIncompleteRegistration(t *testing.T) {
	s := New(time.Minute, time.Minute, nil, nil)
	_, err := s.Register(Registration{AgentID: "a1"})
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeInvalidArgument, apierrors.CodeOf(err))
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	s := New(time.Minute, time.Minute, nil, nil)
	_, err := s.Register(validRegistration("a1"))
	require.NoError(t, err)
	_, err = s.Register(validRegistration("a1"))
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeDuplicateID, apierrors.CodeOf(err))
}

func TestHeartbeatValidatesSession(t *testing.T) {
	s := New(time.Minute, time.Minute, nil, nil)
	sessionID, err := s.Register(validRegistration("a1"))
	require.NoError(t, err)

	require.NoError(t, s.Heartbeat("a1", sessionID, StatusOnline))
	err = s.Heartbeat("a1", "wrong-session", StatusOnline)
	require.Error(t, err)
}

func TestQueryMatchesCapabilitiesAndFilters(t *testing.T) {
	s := New(time.Minute, time.Minute, nil, nil)
	r1 := validRegistration("a1")
	r1.Capabilities = []string{"sign", "verify"}
	r1.Metadata = map[string]interface{}{"region": "us"}
	_, err := s.Register(r1)
	require.NoError(t, err)

	r2 := validRegistration("a2")
	r2.Capabilities = []string{"sign"}
	r2.Metadata = map[string]interface{}{"region": "eu"}
	_, err = s.Register(r2)
	require.NoError(t, err)

	result := s.Query(Query{Capabilities: []string{"sign", "verify"}})
	require.Len(t, result.Agents, 1)
	assert.Equal(t, "a1", result.Agents[0].AgentID)

	result = s.Query(Query{Capabilities: []string{"sign"}, Filters: map[string]interface{}{"region": "eu"}})
	require.Len(t, result.Agents, 1)
	assert.Equal(t, "a2", result.Agents[0].AgentID)
}

func TestQueryCapsResultsAndReportsTotalCount(t *testing.T) {
	s := New(time.Minute, time.Minute, nil, nil)
	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := s.Register(validRegistration(id))
		require.NoError(t, err)
	}

	result := s.Query(Query{MaxResults: 2})
	assert.Len(t, result.Agents, 2)
	assert.Equal(t, 3, result.TotalCount)
}

func TestSweepTransitionsStaleAgentToOfflineAndEmits(t *testing.T) {
	bus := eventbus.New(10, nil)
	received := make(chan eventbus.Event, 1)
	bus.Subscribe([]eventbus.EventType{eventbus.EventAgentDeregistered}, "", "", func(e eventbus.Event) {
		received <- e
	})

	s := New(time.Hour, 10*time.Millisecond, bus, nil)
	_, err := s.Register(validRegistration("a1"))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	s.sweep()

	select {
	case e := <-received:
		assert.Equal(t, "a1", e.SourceAgent)
	case <-time.After(time.Second):
		t.Fatal("expected agent:deregistered event on heartbeat timeout")
	}

	result := s.Query(Query{})
	require.Len(t, result.Agents, 1)
}

func TestQueryCacheInvalidatedOnRegister(t *testing.T) {
	s := New(time.Minute, time.Minute, nil, nil)
	_, err := s.Register(validRegistration("a1"))
	require.NoError(t, err)

	first := s.Query(Query{})
	require.Len(t, first.Agents, 1)

	_, err = s.Register(validRegistration("a2"))
	require.NoError(t, err)

	second := s.Query(Query{})
	assert.Len(t, second.Agents, 2)
}

func TestStartCronRejectsInvalidSchedule(t *testing.T) {
	s := New(time.Minute, time.Minute, nil, nil)
	err := s.StartCron("not a cron expression")
	assert.Error(t, err)
}

func TestStartCronAcceptsValidSchedule(t *testing.T) {
	s := New(time.Minute, time.Minute, nil, nil)
	err := s.StartCron("@every 1h")
	require.NoError(t, err)
	s.Stop()
}
