package secmonitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor() *Monitor {
	return New(Config{MaxFailedAttempts: 3, LockoutDuration: 50 * time.Millisecond}, nil)
}

func TestLockoutStateMachine(t *testing.T) {
	m := newTestMonitor()

	assert.False(t, m.IsLockedOut("alice"))
	m.RecordFailedAttempt("alice")
	assert.False(t, m.IsLockedOut("alice"))
	m.RecordFailedAttempt("alice") // warned
	assert.False(t, m.IsLockedOut("alice"))
	m.RecordFailedAttempt("alice") // locked
	assert.True(t, m.IsLockedOut("alice"))
}

func TestRecordFailedAttemptLockoutEmitsUnauthorizedAccessAlert(t *testing.T) {
	m := newTestMonitor()

	m.RecordFailedAttempt("carol")
	m.RecordFailedAttempt("carol")
	m.RecordFailedAttempt("carol") // locked

	active := m.GetActiveAlerts()
	require.NotEmpty(t, active)

	locked := active[len(active)-1]
	assert.Equal(t, AlertUnauthorizedAccess, locked.Kind)
	assert.Equal(t, SeverityCritical, locked.Severity)
}

func TestClearFailedAttemptsReturnsToClean(t *testing.T) {
	m := newTestMonitor()
	m.RecordFailedAttempt("bob")
	m.RecordFailedAttempt("bob")
	m.RecordFailedAttempt("bob")
	require.True(t, m.IsLockedOut("bob"))

	m.ClearFailedAttempts("bob")
	assert.False(t, m.IsLockedOut("bob"))
}

func TestLockoutExpiresLazily(t *testing.T) {
	m := newTestMonitor()
	m.RecordFailedAttempt("carol")
	m.RecordFailedAttempt("carol")
	m.RecordFailedAttempt("carol")
	require.True(t, m.IsLockedOut("carol"))

	time.Sleep(80 * time.Millisecond)
	assert.False(t, m.IsLockedOut("carol"))
}

func TestRecordUnauthorizedAccessCreatesActiveAlert(t *testing.T) {
	m := newTestMonitor()
	m.RecordUnauthorizedAccess("mallory", map[string]interface{}{"resource": "vault"})

	active := m.GetActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, AlertUnauthorizedAccess, active[0].Kind)
	assert.Equal(t, SeverityHigh, active[0].Severity)
}

func TestAcknowledgeRemovesFromActive(t *testing.T) {
	m := newTestMonitor()
	m.RecordAnomaly("eve", nil)
	active := m.GetActiveAlerts()
	require.Len(t, active, 1)

	require.NoError(t, m.Acknowledge(active[0].ID))
	assert.Empty(t, m.GetActiveAlerts())
}

func TestAcknowledgeUnknownAlertFails(t *testing.T) {
	m := newTestMonitor()
	err := m.Acknowledge("nonexistent")
	require.Error(t, err)
}

func TestRecordContextIsRedacted(t *testing.T) {
	m := newTestMonitor()
	m.RecordPolicyViolation("dave", map[string]interface{}{"password": "hunter2"})

	active := m.GetActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "[REDACTED]", active[0].Context["password"])
}

func TestGetMetrics(t *testing.T) {
	m := newTestMonitor()
	m.RecordAnomaly("a", nil)
	m.RecordKeyCompromise("b", nil)
	m.RecordFailedAttempt("c")
	m.RecordFailedAttempt("c")
	m.RecordFailedAttempt("c")

	metrics := m.GetMetrics()
	assert.Equal(t, 4, metrics.TotalAlerts) // anomaly + key_compromise + warned alert + lockout alert
	assert.Equal(t, 1, metrics.ActiveLockouts)
}
