package crossplatform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-mesh/core/internal/agentregistry"
	"github.com/aegis-mesh/core/internal/contextstore"
	"github.com/aegis-mesh/core/internal/cryptoprimitives"
	"github.com/aegis-mesh/core/internal/discovery"
	"github.com/aegis-mesh/core/internal/eventbus"
	"github.com/aegis-mesh/core/internal/handshake"
	"github.com/aegis-mesh/core/internal/sentinel"
)

func newTestAdapter(t *testing.T) (*Adapter, string) {
	t.Helper()
	sec := sentinel.New(sentinel.Config{KeyRotationDays: 90}, nil, nil)
	_, err := sec.Keys.Generate("initiator-1", cryptoprimitives.AlgorithmEd25519, "")
	require.NoError(t, err)
	_, err = sec.Keys.Generate("target-1", cryptoprimitives.AlgorithmEd25519, "")
	require.NoError(t, err)

	registry := agentregistry.New(time.Minute, nil)
	require.NoError(t, registry.Register(&agentregistry.Agent{ID: "target-1", Kind: agentregistry.KindGuardian}))

	bus := eventbus.New(100, nil)
	disc := discovery.New(time.Minute, time.Minute, bus, nil)
	_, err = disc.Register(discovery.Registration{AgentID: "target-1", DID: "did:aegis:target-1", Address: "addr", Endpoint: "ep"})
	require.NoError(t, err)

	hs := handshake.New(sec, registry, time.Hour, nil)
	ctxStore := contextstore.New(contextstore.Config{MaxHistory: 50, TTL: time.Hour}, bus, nil)

	adapter := New(disc, hs, ctxStore, nil)

	req, err := hs.Initiate("initiator-1", "target-1", "did:aegis:initiator-1", "did:aegis:target-1", nil)
	require.NoError(t, err)
	result := hs.Process(req)
	require.True(t, result.Success)
	require.True(t, hs.VerifyResponse("initiator-1", "target-1", result))

	return adapter, result.SessionID
}

func TestSendAndReceiveWithinValidSession(t *testing.T) {
	adapter, sessionID := newTestAdapter(t)

	_, err := adapter.Send(sessionID, "initiator-1", "target-1", "hello there")
	require.NoError(t, err)

	messages, err := adapter.Receive(sessionID, "target-1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello there", messages[0].Content)
}

func TestSendRejectsInvalidSession(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	_, err := adapter.Send("bogus-session", "initiator-1", "target-1", "hi")
	require.Error(t, err)
}

func TestGetResolvesDiscoveredAgent(t *testing.T) {
	adapter, _ := newTestAdapter(t)
	reg, found := adapter.Get("target-1")
	require.True(t, found)
	assert.Equal(t, "did:aegis:target-1", reg.DID)

	_, found = adapter.Get("ghost")
	assert.False(t, found)
}

var _ = contextstore.Message{}
