package handshake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-mesh/core/internal/agentregistry"
	"github.com/aegis-mesh/core/internal/cryptoprimitives"
	"github.com/aegis-mesh/core/internal/sentinel"
)

func newTestProtocol(t *testing.T) (*Protocol, *sentinel.Sentinel, *agentregistry.Registry) {
	t.Helper()
	sec := sentinel.New(sentinel.Config{KeyRotationDays: 90}, nil, nil)
	_, err := sec.Keys.Generate("initiator-1", cryptoprimitives.AlgorithmEd25519, "")
	require.NoError(t, err)
	_, err = sec.Keys.Generate("target-1", cryptoprimitives.AlgorithmEd25519, "")
	require.NoError(t, err)

	registry := agentregistry.New(time.Minute, nil)
	require.NoError(t, registry.Register(&agentregistry.Agent{ID: "target-1", Kind: agentregistry.KindGuardian}))

	return New(sec, registry, time.Hour, nil), sec, registry
}

func TestFullHandshakeEstablishesSession(t *testing.T) {
	p, _, _ := newTestProtocol(t)

	req, err := p.Initiate("initiator-1", "target-1", "did:aegis:initiator-1", "did:aegis:target-1", nil)
	require.NoError(t, err)

	result := p.Process(req)
	require.True(t, result.Success, result.Message)

	trusted := p.VerifyResponse("initiator-1", "target-1", result)
	assert.True(t, trusted)

	assert.True(t, p.ValidateSession(result.SessionID, "initiator-1"))
	assert.True(t, p.ValidateSession(result.SessionID, "target-1"))
	assert.False(t, p.ValidateSession(result.SessionID, "someone-else"))
}

func TestProcessRejectsBadChallengeSize(t *testing.T) {
	p, _, _ := newTestProtocol(t)
	req := &InitiateRequest{
		Initiator: "initiator-1", Target: "target-1",
		InitiatorDID: "did:aegis:initiator-1", TargetDID: "did:aegis:target-1",
		Challenge: []byte("too-short"), Timestamp: time.Now().UTC(),
	}
	result := p.Process(req)
	assert.False(t, result.Success)
	assert.Equal(t, "bad challenge size", result.Message)
}

func TestProcessRejectsStaleTimestamp(t *testing.T) {
	p, _, _ := newTestProtocol(t)
	req, err := p.Initiate("initiator-1", "target-1", "did:aegis:initiator-1", "did:aegis:target-1", nil)
	require.NoError(t, err)
	req.Timestamp = time.Now().UTC().Add(-10 * time.Minute)

	result := p.Process(req)
	assert.False(t, result.Success)
	assert.Equal(t, "expired request", result.Message)
}

func TestProcessRejectsUnknownTarget(t *testing.T) {
	p, _, _ := newTestProtocol(t)
	req, err := p.Initiate("initiator-1", "ghost", "did:aegis:initiator-1", "did:aegis:ghost", nil)
	require.NoError(t, err)

	result := p.Process(req)
	assert.False(t, result.Success)
	assert.Equal(t, "unknown target", result.Message)
}

func TestProcessRejectsReplayedChallenge(t *testing.T) {
	p, _, _ := newTestProtocol(t)
	req, err := p.Initiate("initiator-1", "target-1", "did:aegis:initiator-1", "did:aegis:target-1", nil)
	require.NoError(t, err)

	first := p.Process(req)
	require.True(t, first.Success)

	second := p.Process(req)
	assert.False(t, second.Success)
	assert.Equal(t, "replayed challenge", second.Message)
}

func TestVerifyResponseRejectsUnknownPending(t *testing.T) {
	p, _, _ := newTestProtocol(t)
	trusted := p.VerifyResponse("initiator-1", "target-1", ProcessResult{Success: true})
	assert.False(t, trusted)
}

func TestValidateSessionExpires(t *testing.T) {
	p, _, _ := newTestProtocol(t)
	p.sessionTimeout = time.Millisecond

	req, err := p.Initiate("initiator-1", "target-1", "did:aegis:initiator-1", "did:aegis:target-1", nil)
	require.NoError(t, err)
	result := p.Process(req)
	require.True(t, result.Success)

	time.Sleep(5 * time.Millisecond)
	assert.False(t, p.ValidateSession(result.SessionID, "initiator-1"))
}

func TestAssertionRoundTrip(t *testing.T) {
	p, _, _ := newTestProtocol(t)
	req, err := p.Initiate("initiator-1", "target-1", "did:aegis:initiator-1", "did:aegis:target-1", nil)
	require.NoError(t, err)
	result := p.Process(req)
	require.True(t, result.Success)

	token, err := p.IssueAssertion(result.SessionID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	sessionID, err := p.VerifyAssertion(token, "initiator-1")
	require.NoError(t, err)
	assert.Equal(t, result.SessionID, sessionID)

	_, err = p.VerifyAssertion(token, "someone-else")
	assert.Error(t, err)
}

func TestIssueAssertionUnknownSession(t *testing.T) {
	p, _, _ := newTestProtocol(t)
	_, err := p.IssueAssertion("ghost-session")
	assert.Error(t, err)
}
