// Package maestro composes AgentRegistry, EventBus, ChoreographyEngine and
// WorkflowExecutor behind a single orchestration gateway, mirroring the way
// sentinel composes the security subsystems.
package maestro

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aegis-mesh/core/internal/agentregistry"
	"github.com/aegis-mesh/core/internal/choreography"
	"github.com/aegis-mesh/core/internal/eventbus"
	"github.com/aegis-mesh/core/internal/executor"
	"github.com/aegis-mesh/core/pkg/facade"
	"github.com/aegis-mesh/core/pkg/logger"
)

// Config parameterizes a Maestro instance.
type Config struct {
	HeartbeatTimeout time.Duration
	EventHistorySize int
}

// Maestro is the orchestration gateway composing the four subsystems.
type Maestro struct {
	Agents      *agentregistry.Registry
	Events      *eventbus.Bus
	Choreo      *choreography.Engine
	Executor    *executor.Executor

	log     *logger.Logger
	metrics *metrics
}

type metrics struct {
	agentsRegistered   prometheus.Counter
	workflowsDefined   prometheus.Counter
	workflowsStarted   prometheus.Counter
	workflowsCompleted prometheus.Counter
	workflowsFailed    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		agentsRegistered:   prometheus.NewCounter(prometheus.CounterOpts{Name: "maestro_agents_registered_total", Help: "agents registered"}),
		workflowsDefined:   prometheus.NewCounter(prometheus.CounterOpts{Name: "maestro_workflows_defined_total", Help: "workflow definitions accepted"}),
		workflowsStarted:   prometheus.NewCounter(prometheus.CounterOpts{Name: "maestro_workflow_executions_started_total", Help: "workflow executions started"}),
		workflowsCompleted: prometheus.NewCounter(prometheus.CounterOpts{Name: "maestro_workflow_executions_completed_total", Help: "workflow executions completed"}),
		workflowsFailed:    prometheus.NewCounter(prometheus.CounterOpts{Name: "maestro_workflow_executions_failed_total", Help: "workflow executions failed"}),
	}
	if reg != nil {
		reg.MustRegister(m.agentsRegistered, m.workflowsDefined, m.workflowsStarted, m.workflowsCompleted, m.workflowsFailed)
	}
	return m
}

// New creates a Maestro facade. invoker drives actual capability calls; reg
// may be nil to skip metrics registration.
func New(cfg Config, invoker executor.Invoker, reg prometheus.Registerer, log *logger.Logger) *Maestro {
	if log == nil {
		log = logger.NewDefault("maestro")
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.EventHistorySize <= 0 {
		cfg.EventHistorySize = 1000
	}

	agents := agentregistry.New(cfg.HeartbeatTimeout, log)
	events := eventbus.New(cfg.EventHistorySize, log)
	choreo := choreography.New(log)
	exec := executor.New(choreo, events, invoker, log)

	return &Maestro{
		Agents:   agents,
		Events:   events,
		Choreo:   choreo,
		Executor: exec,
		log:      log,
		metrics:  newMetrics(reg),
	}
}

// Descriptor advertises the facade's composed capabilities.
func (m *Maestro) Descriptor() facade.Descriptor {
	return facade.Descriptor{
		Name:   "maestro",
		Domain: "orchestration",
	}.WithCapabilities("agent-registry", "event-bus", "choreography", "workflow-execution")
}

// RegisterAgent registers a new agent and emits agent:registered.
func (m *Maestro) RegisterAgent(agent *agentregistry.Agent) error {
	if err := m.Agents.Register(agent); err != nil {
		return err
	}
	m.metrics.agentsRegistered.Inc()
	m.Events.Publish(eventbus.Event{
		Type:        eventbus.EventAgentRegistered,
		SourceAgent: agent.ID,
	})
	return nil
}

// DeregisterAgent removes an agent and emits agent:deregistered.
func (m *Maestro) DeregisterAgent(agentID string) {
	m.Agents.Deregister(agentID)
	m.Events.Publish(eventbus.Event{
		Type:        eventbus.EventAgentDeregistered,
		SourceAgent: agentID,
	})
}

// DefineWorkflow registers a workflow definition with the choreography engine.
func (m *Maestro) DefineWorkflow(w *choreography.Workflow) error {
	if err := m.Choreo.DefineWorkflow(w); err != nil {
		return err
	}
	m.metrics.workflowsDefined.Inc()
	m.Events.Publish(eventbus.Event{Type: eventbus.EventWorkflowCreated, WorkflowID: w.ID})
	return nil
}

// ExecuteWorkflow allocates a new execution for workflowID and drives it to
// completion, returning the terminal execution record.
func (m *Maestro) ExecuteWorkflow(ctx context.Context, workflowID string, opts choreography.CreateExecutionOptions) (*choreography.WorkflowExecution, error) {
	exec, err := m.Choreo.CreateExecution(workflowID, opts)
	if err != nil {
		return nil, err
	}

	m.metrics.workflowsStarted.Inc()
	runErr := m.Executor.Run(ctx, exec.ID)

	final, getErr := m.Choreo.GetExecution(exec.ID)
	if getErr != nil {
		return nil, getErr
	}
	if runErr != nil {
		m.metrics.workflowsFailed.Inc()
		return final, runErr
	}
	m.metrics.workflowsCompleted.Inc()
	return final, nil
}
