// Package main wires Sentinel, Maestro and the cross-platform session layer
// into a single running process, the way cmd/indexer wires up one teacher
// service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aegis-mesh/core/internal/config"
	"github.com/aegis-mesh/core/internal/contextstore"
	"github.com/aegis-mesh/core/internal/crossplatform"
	"github.com/aegis-mesh/core/internal/discovery"
	"github.com/aegis-mesh/core/internal/eventbus"
	"github.com/aegis-mesh/core/internal/executor"
	"github.com/aegis-mesh/core/internal/handshake"
	"github.com/aegis-mesh/core/internal/maestro"
	"github.com/aegis-mesh/core/internal/policy"
	"github.com/aegis-mesh/core/internal/sentinel"
	"github.com/aegis-mesh/core/pkg/logger"
)

// echoInvoker satisfies executor.Invoker by returning the step's own inputs
// as its output. Real agent RPC transport is outside this core's scope; a
// deployment wires its own Invoker (HTTP, gRPC, message queue) in its place.
type echoInvoker struct {
	log *logger.Logger
}

func (e echoInvoker) Invoke(_ context.Context, agentID, capabilityID string, inputs map[string]interface{}) (map[string]interface{}, error) {
	e.log.Component("invoker").WithFields(logrus.Fields{"agent_id": agentID, "capability_id": capabilityID}).Debug("echo invocation")
	return inputs, nil
}

func main() {
	log := logger.New(logger.LoggingConfig{Level: "info", Format: "text"})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	sec := sentinel.New(sentinel.Config{
		KeyRotationDays:     cfg.Sentinel.KeyRotationDays,
		PolicyDefaultEffect: policy.EffectDeny,
		MaxFailedAttempts:   cfg.Sentinel.MaxFailedAttempts,
		LockoutDuration:     cfg.Sentinel.LockoutDuration,
		AlertWebhookURL:     cfg.Sentinel.AlertWebhookURL,
	}, nil, log)

	orchestrator := maestro.New(maestro.Config{
		HeartbeatTimeout: cfg.Maestro.HeartbeatInterval,
		EventHistorySize: cfg.Maestro.EventBusBufferSize,
	}, echoInvoker{log: log}, nil, log)

	bus := eventbus.New(cfg.Maestro.EventBusBufferSize, log)
	disc := discovery.New(cfg.Maestro.HeartbeatInterval, cfg.Maestro.HeartbeatInterval*2, bus, log)
	hs := handshake.New(sec, orchestrator.Agents, cfg.Sentinel.SessionTokenTTL, log)
	ctxStore := contextstore.New(contextstore.Config{
		MaxHistory: cfg.Session.MaxHistory,
		TTL:        cfg.Session.ContextTTL,
	}, bus, log)
	session := crossplatform.New(disc, hs, ctxStore, log)
	log.WithField("capabilities", session.Descriptor().Capabilities).Debug("cross-platform adapter ready")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	disc.Start(ctx)
	hs.Start(time.Minute)
	ctxStore.Start()
	defer disc.Stop()
	defer hs.Stop()
	defer ctxStore.Stop()

	log.WithField("component", "aegismeshd").Info("started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
}
