package sentinel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-mesh/core/internal/cryptoprimitives"
	"github.com/aegis-mesh/core/internal/policy"
)

func newTestSentinel() *Sentinel {
	return New(Config{
		KeyRotationDays:     90,
		PolicyDefaultEffect: policy.EffectDeny,
		MaxFailedAttempts:   5,
		LockoutDuration:     time.Minute,
	}, nil, nil)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	s := newTestSentinel()
	_, err := s.Keys.Generate("agent-key", cryptoprimitives.AlgorithmEd25519, "")
	require.NoError(t, err)

	sig, err := s.Sign([]byte("payload"), "agent-key")
	require.NoError(t, err)

	ok, err := s.Verify([]byte("payload"), sig, "agent-key")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignUnknownKeyFails(t *testing.T) {
	s := newTestSentinel()
	_, err := s.Sign([]byte("payload"), "missing")
	require.Error(t, err)
}

func TestAuthorizeRecordsPolicyViolationOnDeny(t *testing.T) {
	s := newTestSentinel()
	decision, err := s.Authorize(&policy.EvaluationContext{Principal: "agent-1", Resource: "vault", Action: "read"})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	active := s.Monitor.GetActiveAlerts()
	require.Len(t, active, 1)
}

func TestDescriptorAdvertisesCapabilities(t *testing.T) {
	s := newTestSentinel()
	d := s.Descriptor()
	assert.Equal(t, "sentinel", d.Name)
	assert.Contains(t, d.Capabilities, "sign")
}
