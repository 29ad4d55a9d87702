// Package secmonitor tracks failed authentication attempts, enforces
// lockouts, and emits security alerts.
package secmonitor

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-mesh/core/infrastructure/redact"
	"github.com/aegis-mesh/core/pkg/apierrors"
	"github.com/aegis-mesh/core/pkg/logger"
)

// AlertKind is drawn from the closed set of security event categories.
type AlertKind string

const (
	AlertUnauthorizedAccess AlertKind = "unauthorized_access"
	AlertKeyCompromise      AlertKind = "key_compromise"
	AlertPolicyViolation    AlertKind = "policy_violation"
	AlertSignatureInvalid   AlertKind = "signature_invalid"
	AlertAnomaly            AlertKind = "anomaly"
)

// Severity ranks an Alert's urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is append-only once created; Acknowledged is the only mutable field.
type Alert struct {
	ID           string
	Kind         AlertKind
	Severity     Severity
	Message      string
	Context      map[string]interface{}
	CreatedAt    time.Time
	Acknowledged bool
}

// auditRecord is a bounded forensic trail entry, independent of alerting.
type auditRecord struct {
	At      time.Time
	Actor   string
	Action  string
	Outcome string
}

type lockoutStatus string

const (
	lockoutClean  lockoutStatus = "clean"
	lockoutWarned lockoutStatus = "warned"
	lockoutLocked lockoutStatus = "locked"
)

type lockoutState struct {
	attempts int
	status   lockoutStatus
	lockedAt time.Time
}

// Metrics is a point-in-time snapshot returned by GetMetrics.
type Metrics struct {
	TotalAlerts      int
	UnacknowledgedAlerts int
	ActiveLockouts   int
	AlertsByKind     map[AlertKind]int
}

const auditRingCapacity = 1000

// Monitor is the SecurityMonitor component.
type Monitor struct {
	mu sync.Mutex

	maxFailedAttempts int
	lockoutDuration   time.Duration
	webhookURL        string

	lockouts map[string]*lockoutState
	alerts   []*Alert
	audit    []*auditRecord

	log        *logger.Logger
	httpClient *http.Client
}

// Config parameterizes a Monitor.
type Config struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	WebhookURL        string
}

// New creates a Monitor.
func New(cfg Config, log *logger.Logger) *Monitor {
	if cfg.MaxFailedAttempts <= 0 {
		cfg.MaxFailedAttempts = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	if log == nil {
		log = logger.NewDefault("secmonitor")
	}
	return &Monitor{
		maxFailedAttempts: cfg.MaxFailedAttempts,
		lockoutDuration:   cfg.LockoutDuration,
		webhookURL:        cfg.WebhookURL,
		lockouts:          make(map[string]*lockoutState),
		log:               log,
		httpClient:        &http.Client{Timeout: 5 * time.Second},
	}
}

// RecordFailedAttempt advances the per-user lockout state machine:
// clean -> warned (attempts == max-1) -> locked (attempts == max).
func (m *Monitor) RecordFailedAttempt(userID string) {
	m.mu.Lock()
	state, ok := m.lockouts[userID]
	if !ok {
		state = &lockoutState{status: lockoutClean}
		m.lockouts[userID] = state
	}
	state.attempts++

	var alert *Alert
	switch {
	case state.attempts >= m.maxFailedAttempts:
		state.status = lockoutLocked
		state.lockedAt = time.Now()
		alert = m.newAlertLocked(userID)
	case state.attempts == m.maxFailedAttempts-1:
		state.status = lockoutWarned
		alert = m.newAlertLocked(userID)
		alert.Kind = AlertAnomaly
		alert.Severity = SeverityHigh
		alert.Message = "user approaching failed-attempt lockout threshold"
	}
	m.mu.Unlock()

	if alert != nil {
		m.emit(alert)
	}
}

func (m *Monitor) newAlertLocked(userID string) *Alert {
	return &Alert{
		ID:        uuid.NewString(),
		Kind:      AlertUnauthorizedAccess,
		Severity:  SeverityCritical,
		Message:   "user locked out after repeated failed attempts",
		Context:   map[string]interface{}{"user_id": userID},
		CreatedAt: time.Now().UTC(),
	}
}

// ClearFailedAttempts resets a user to clean, as on successful authentication.
func (m *Monitor) ClearFailedAttempts(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lockouts, userID)
}

// IsLockedOut lazily expires the lockout if the lockout duration has elapsed.
func (m *Monitor) IsLockedOut(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.lockouts[userID]
	if !ok || state.status != lockoutLocked {
		return false
	}
	if time.Since(state.lockedAt) >= m.lockoutDuration {
		delete(m.lockouts, userID)
		return false
	}
	return true
}

// RecordUnauthorizedAccess emits a high-severity alert.
func (m *Monitor) RecordUnauthorizedAccess(actor string, context map[string]interface{}) {
	m.record(AlertUnauthorizedAccess, SeverityHigh, "unauthorized access attempt", actor, context)
}

// RecordPolicyViolation emits a medium-severity alert.
func (m *Monitor) RecordPolicyViolation(actor string, context map[string]interface{}) {
	m.record(AlertPolicyViolation, SeverityMedium, "policy violation", actor, context)
}

// RecordKeyCompromise emits a critical-severity alert.
func (m *Monitor) RecordKeyCompromise(actor string, context map[string]interface{}) {
	m.record(AlertKeyCompromise, SeverityCritical, "key compromise suspected", actor, context)
}

// RecordInvalidSignature emits a high-severity alert.
func (m *Monitor) RecordInvalidSignature(actor string, context map[string]interface{}) {
	m.record(AlertSignatureInvalid, SeverityHigh, "signature verification failed", actor, context)
}

// RecordAnomaly emits a low-severity alert.
func (m *Monitor) RecordAnomaly(actor string, context map[string]interface{}) {
	m.record(AlertAnomaly, SeverityLow, "anomalous behavior observed", actor, context)
}

func (m *Monitor) record(kind AlertKind, severity Severity, message, actor string, context map[string]interface{}) {
	alert := &Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Context:   redact.Map(context),
		CreatedAt: time.Now().UTC(),
	}
	m.appendAudit(actor, string(kind), "recorded")
	m.emit(alert)
}

func (m *Monitor) emit(alert *Alert) {
	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	m.mu.Unlock()

	if m.webhookURL != "" {
		go m.deliverWebhook(alert)
	}
}

// deliverWebhook attempts an out-of-process POST; failures are logged only
// and never propagate back to the operation that generated the alert.
func (m *Monitor) deliverWebhook(alert *Alert) {
	body, err := json.Marshal(alert)
	if err != nil {
		m.log.Component("secmonitor").WithField("alert_id", alert.ID).Warn("failed to marshal alert for webhook")
		return
	}
	resp, err := m.httpClient.Post(m.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		m.log.Component("secmonitor").WithField("alert_id", alert.ID).Warn("webhook delivery failed: " + redact.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		m.log.Component("secmonitor").WithField("alert_id", alert.ID).WithField("status", resp.StatusCode).Warn("webhook endpoint rejected alert")
	}
}

func (m *Monitor) appendAudit(actor, action, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, &auditRecord{At: time.Now().UTC(), Actor: actor, Action: action, Outcome: outcome})
	if len(m.audit) > auditRingCapacity {
		m.audit = m.audit[len(m.audit)-auditRingCapacity:]
	}
}

// GetActiveAlerts returns unacknowledged alerts.
func (m *Monitor) GetActiveAlerts() []*Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []*Alert
	for _, a := range m.alerts {
		if !a.Acknowledged {
			active = append(active, a)
		}
	}
	return active
}

// Acknowledge marks an alert acknowledged.
func (m *Monitor) Acknowledge(alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID == alertID {
			a.Acknowledged = true
			return nil
		}
	}
	return apierrors.NotFound("alert", alertID)
}

// GetMetrics returns a point-in-time summary of alert and lockout state.
func (m *Monitor) GetMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := Metrics{AlertsByKind: make(map[AlertKind]int)}
	for _, a := range m.alerts {
		metrics.TotalAlerts++
		metrics.AlertsByKind[a.Kind]++
		if !a.Acknowledged {
			metrics.UnacknowledgedAlerts++
		}
	}
	for _, s := range m.lockouts {
		if s.status == lockoutLocked {
			metrics.ActiveLockouts++
		}
	}
	return metrics
}
