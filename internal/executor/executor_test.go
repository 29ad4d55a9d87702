package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-mesh/core/internal/choreography"
	"github.com/aegis-mesh/core/internal/eventbus"
	"github.com/aegis-mesh/core/pkg/apierrors"
)

func newTestExecutor(invoker Invoker) (*Executor, *choreography.Engine, *eventbus.Bus) {
	choreo := choreography.New(nil)
	bus := eventbus.New(100, nil)
	return New(choreo, bus, invoker, nil), choreo, bus
}

func sequentialWorkflow(id string) *choreography.Workflow {
	return &choreography.Workflow{
		ID: id,
		Steps: []choreography.Step{
			{ID: "s1", AgentID: "a1", CapabilityID: "cap.one"},
			{ID: "s2", AgentID: "a1", CapabilityID: "cap.two", Dependencies: []string{"s1"}},
		},
	}
}

func TestRunCompletesOnAllStepsSucceeding(t *testing.T) {
	invoker := InvokerFunc(func(ctx context.Context, agentID, capabilityID string, inputs map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})
	ex, choreo, bus := newTestExecutor(invoker)
	completed := make(chan eventbus.Event, 1)
	bus.Subscribe([]eventbus.EventType{eventbus.EventWorkflowCompleted}, "", "", func(e eventbus.Event) {
		completed <- e
	})

	require.NoError(t, choreo.DefineWorkflow(sequentialWorkflow("wf-1")))
	exec, err := choreo.CreateExecution("wf-1", choreography.CreateExecutionOptions{})
	require.NoError(t, err)

	err = ex.Run(context.Background(), exec.ID)
	require.NoError(t, err)

	got, _ := choreo.GetExecution(exec.ID)
	assert.Equal(t, choreography.ExecutionCompleted, got.State)

	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("expected workflow:completed event")
	}
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	var attempts int32
	invoker := InvokerFunc(func(ctx context.Context, agentID, capabilityID string, inputs map[string]interface{}) (map[string]interface{}, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, apierrors.Transient("cap.one", assert.AnError)
		}
		return map[string]interface{}{"ok": true}, nil
	})
	ex, choreo, _ := newTestExecutor(invoker)

	w := &choreography.Workflow{
		ID: "wf-retry",
		Steps: []choreography.Step{
			{
				ID: "s1", AgentID: "a1", CapabilityID: "cap.one",
				RetryPolicy: &choreography.RetryPolicy{MaxAttempts: 5, Delay: time.Millisecond, BackoffMultiplier: 1},
			},
		},
	}
	require.NoError(t, choreo.DefineWorkflow(w))
	exec, err := choreo.CreateExecution("wf-retry", choreography.CreateExecutionOptions{})
	require.NoError(t, err)

	require.NoError(t, ex.Run(context.Background(), exec.ID))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestRunStopsOnPermanentFailure(t *testing.T) {
	invoker := InvokerFunc(func(ctx context.Context, agentID, capabilityID string, inputs map[string]interface{}) (map[string]interface{}, error) {
		return nil, apierrors.Permanent("cap.one", assert.AnError)
	})
	ex, choreo, _ := newTestExecutor(invoker)

	w := sequentialWorkflow("wf-stop")
	w.OnError = choreography.OnErrorStop
	require.NoError(t, choreo.DefineWorkflow(w))
	exec, err := choreo.CreateExecution("wf-stop", choreography.CreateExecutionOptions{})
	require.NoError(t, err)

	err = ex.Run(context.Background(), exec.ID)
	require.Error(t, err)

	got, _ := choreo.GetExecution(exec.ID)
	assert.Equal(t, choreography.ExecutionFailed, got.State)
	assert.Equal(t, choreography.StepFailed, got.StepExecs["s1"].Status)
	assert.Equal(t, choreography.StepPending, got.StepExecs["s2"].Status)
}

func TestRunSkipHandlerTreatsFailureAsSuccess(t *testing.T) {
	invoker := InvokerFunc(func(ctx context.Context, agentID, capabilityID string, inputs map[string]interface{}) (map[string]interface{}, error) {
		return nil, apierrors.Permanent("cap.one", assert.AnError)
	})
	ex, choreo, _ := newTestExecutor(invoker)

	w := &choreography.Workflow{
		ID: "wf-skip",
		Steps: []choreography.Step{
			{ID: "s1", AgentID: "a1", CapabilityID: "cap.one", ErrorHandler: &choreography.ErrorHandler{Kind: choreography.HandlerSkip}},
		},
	}
	require.NoError(t, choreo.DefineWorkflow(w))
	exec, err := choreo.CreateExecution("wf-skip", choreography.CreateExecutionOptions{})
	require.NoError(t, err)

	require.NoError(t, ex.Run(context.Background(), exec.ID))
	got, _ := choreo.GetExecution(exec.ID)
	assert.Equal(t, choreography.ExecutionCompleted, got.State)
	assert.Equal(t, choreography.StepSkipped, got.StepExecs["s1"].Status)
}

func TestRunFallbackHandlerRunsNamedStep(t *testing.T) {
	invoker := InvokerFunc(func(ctx context.Context, agentID, capabilityID string, inputs map[string]interface{}) (map[string]interface{}, error) {
		if capabilityID == "cap.primary" {
			return nil, apierrors.Permanent("cap.primary", assert.AnError)
		}
		return map[string]interface{}{"source": "fallback"}, nil
	})
	ex, choreo, _ := newTestExecutor(invoker)

	w := &choreography.Workflow{
		ID: "wf-fallback",
		Steps: []choreography.Step{
			{
				ID: "s1", AgentID: "a1", CapabilityID: "cap.primary",
				ErrorHandler: &choreography.ErrorHandler{Kind: choreography.HandlerFallback, Action: "s1-fallback"},
			},
			{ID: "s1-fallback", AgentID: "a1", CapabilityID: "cap.fallback"},
		},
	}
	require.NoError(t, choreo.DefineWorkflow(w))
	exec, err := choreo.CreateExecution("wf-fallback", choreography.CreateExecutionOptions{})
	require.NoError(t, err)

	require.NoError(t, ex.Run(context.Background(), exec.ID))
	got, _ := choreo.GetExecution(exec.ID)
	assert.Equal(t, choreography.StepCompleted, got.StepExecs["s1"].Status)
	assert.Equal(t, "fallback", got.StepExecs["s1"].Output["source"])
}

func TestRunRollsBackCompletedStepsInReverseOrder(t *testing.T) {
	var rollbackOrder []string
	invoker := InvokerFunc(func(ctx context.Context, agentID, capabilityID string, inputs map[string]interface{}) (map[string]interface{}, error) {
		switch capabilityID {
		case "cap.two":
			return nil, apierrors.Permanent("cap.two", assert.AnError)
		case "cap.one_rollback":
			rollbackOrder = append(rollbackOrder, "s1")
			return nil, nil
		default:
			return map[string]interface{}{}, nil
		}
	})
	ex, choreo, _ := newTestExecutor(invoker)

	w := sequentialWorkflow("wf-rollback")
	w.OnError = choreography.OnErrorRollback
	require.NoError(t, choreo.DefineWorkflow(w))
	exec, err := choreo.CreateExecution("wf-rollback", choreography.CreateExecutionOptions{})
	require.NoError(t, err)

	err = ex.Run(context.Background(), exec.ID)
	require.Error(t, err)

	got, _ := choreo.GetExecution(exec.ID)
	assert.Equal(t, choreography.ExecutionRolledBack, got.State)
	require.Len(t, got.RollbackLog, 1)
	assert.Equal(t, "s1", got.RollbackLog[0].StepID)
	assert.Equal(t, "executed", got.RollbackLog[0].Status)
	assert.Equal(t, []string{"s1"}, rollbackOrder)
}

func TestRunContinueLeavesDependentsPendingThenDeadlocks(t *testing.T) {
	invoker := InvokerFunc(func(ctx context.Context, agentID, capabilityID string, inputs map[string]interface{}) (map[string]interface{}, error) {
		if capabilityID == "cap.one" {
			return nil, apierrors.Permanent("cap.one", assert.AnError)
		}
		return map[string]interface{}{}, nil
	})
	ex, choreo, _ := newTestExecutor(invoker)

	w := sequentialWorkflow("wf-continue")
	w.OnError = choreography.OnErrorContinue
	require.NoError(t, choreo.DefineWorkflow(w))
	exec, err := choreo.CreateExecution("wf-continue", choreography.CreateExecutionOptions{})
	require.NoError(t, err)

	err = ex.Run(context.Background(), exec.ID)
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeDeadlock, apierrors.CodeOf(err))

	got, _ := choreo.GetExecution(exec.ID)
	assert.Equal(t, choreography.ExecutionFailed, got.State)
	assert.Equal(t, choreography.StepPending, got.StepExecs["s2"].Status)
}
