// Package sentinel composes CryptoPrimitives, KeyStore, PolicyEngine and
// SecurityMonitor behind a single gateway.
package sentinel

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aegis-mesh/core/internal/cryptoprimitives"
	"github.com/aegis-mesh/core/internal/keystore"
	"github.com/aegis-mesh/core/internal/policy"
	"github.com/aegis-mesh/core/internal/secmonitor"
	"github.com/aegis-mesh/core/pkg/apierrors"
	"github.com/aegis-mesh/core/pkg/facade"
	"github.com/aegis-mesh/core/pkg/logger"
)

// Config parameterizes a Sentinel instance.
type Config struct {
	KeyRotationDays     int
	PolicyDefaultEffect policy.Effect
	MaxFailedAttempts   int
	LockoutDuration     time.Duration
	AlertWebhookURL     string
}

// Sentinel is the uniform security gateway composing the four subsystems.
type Sentinel struct {
	Keys     *keystore.KeyStore
	Policy   *policy.Engine
	Monitor  *secmonitor.Monitor

	log     *logger.Logger
	metrics *metrics
}

type metrics struct {
	signOps    prometheus.Counter
	verifyOps  prometheus.Counter
	authzDenies prometheus.Counter
	alertsTotal prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		signOps:     prometheus.NewCounter(prometheus.CounterOpts{Name: "sentinel_sign_operations_total", Help: "signing operations performed"}),
		verifyOps:   prometheus.NewCounter(prometheus.CounterOpts{Name: "sentinel_verify_operations_total", Help: "verification operations performed"}),
		authzDenies: prometheus.NewCounter(prometheus.CounterOpts{Name: "sentinel_authorization_denies_total", Help: "policy evaluations resulting in deny"}),
		alertsTotal: prometheus.NewCounter(prometheus.CounterOpts{Name: "sentinel_alerts_total", Help: "security alerts emitted"}),
	}
	if reg != nil {
		reg.MustRegister(m.signOps, m.verifyOps, m.authzDenies, m.alertsTotal)
	}
	return m
}

// New creates a Sentinel facade. reg may be nil to skip metrics registration.
func New(cfg Config, reg prometheus.Registerer, log *logger.Logger) *Sentinel {
	if log == nil {
		log = logger.NewDefault("sentinel")
	}
	return &Sentinel{
		Keys:   keystore.New(cfg.KeyRotationDays, log),
		Policy: policy.New(cfg.PolicyDefaultEffect),
		Monitor: secmonitor.New(secmonitor.Config{
			MaxFailedAttempts: cfg.MaxFailedAttempts,
			LockoutDuration:   cfg.LockoutDuration,
			WebhookURL:        cfg.AlertWebhookURL,
		}, log),
		log:     log,
		metrics: newMetrics(reg),
	}
}

// Descriptor advertises the facade's composed capabilities.
func (s *Sentinel) Descriptor() facade.Descriptor {
	return facade.Descriptor{
		Name:   "sentinel",
		Domain: "security",
	}.WithCapabilities("sign", "verify", "authorize", "key-lifecycle", "lockout-enforcement")
}

// Sign fetches keyID from the KeyStore and produces a signature record.
func (s *Sentinel) Sign(message []byte, keyID string) (*cryptoprimitives.Signature, error) {
	key, err := s.Keys.Get(keyID)
	if err != nil {
		return nil, err
	}
	priv, err := key.PrivateKey()
	if err != nil {
		return nil, err
	}
	if priv == nil {
		return nil, apierrors.KeyUnavailable(keyID, "no private material held")
	}
	sig, err := cryptoprimitives.Sign(message, priv, keyID)
	if err != nil {
		return nil, err
	}
	s.metrics.signOps.Inc()
	return sig, nil
}

// Verify checks a signature against keyID's public material.
func (s *Sentinel) Verify(message []byte, sig *cryptoprimitives.Signature, keyID string) (bool, error) {
	key, err := s.Keys.Get(keyID)
	if err != nil {
		return false, err
	}
	pub, err := key.PublicKey()
	if err != nil {
		return false, err
	}
	ok, err := cryptoprimitives.Verify(message, sig, pub)
	if err != nil {
		return false, err
	}
	s.metrics.verifyOps.Inc()
	if !ok {
		s.Monitor.RecordInvalidSignature(keyID, map[string]interface{}{"key_id": keyID})
		s.metrics.alertsTotal.Inc()
	}
	return ok, nil
}

// Authorize evaluates a policy decision and records a SecurityMonitor alert
// when the request is denied.
func (s *Sentinel) Authorize(ctx *policy.EvaluationContext) (*policy.Decision, error) {
	decision, err := s.Policy.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.metrics.authzDenies.Inc()
		s.Monitor.RecordPolicyViolation(ctx.Principal, map[string]interface{}{
			"resource": ctx.Resource,
			"action":   ctx.Action,
			"reason":   decision.Reason,
		})
		s.metrics.alertsTotal.Inc()
	}
	return decision, nil
}
