// Package executor drives a defined WorkflowExecution to completion:
// scheduling ready steps, retrying with backoff, applying error handlers and
// rollback, guarding each agent with the circuit-breaker resilience primitive
// from infrastructure/resilience.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aegis-mesh/core/infrastructure/resilience"
	"github.com/aegis-mesh/core/internal/choreography"
	"github.com/aegis-mesh/core/internal/eventbus"
	"github.com/aegis-mesh/core/pkg/apierrors"
	"github.com/aegis-mesh/core/pkg/logger"
)

// Invoker is the collaborator that actually calls an agent's capability.
// The transport is out of scope here; the contract is that invocation may
// fail with a CoreError coded Transient or Permanent, and any other error is
// treated as transient.
type Invoker interface {
	Invoke(ctx context.Context, agentID, capabilityID string, inputs map[string]interface{}) (map[string]interface{}, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, agentID, capabilityID string, inputs map[string]interface{}) (map[string]interface{}, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, agentID, capabilityID string, inputs map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, agentID, capabilityID, inputs)
}

// Executor is the WorkflowExecutor component.
type Executor struct {
	choreo  *choreography.Engine
	bus     *eventbus.Bus
	invoker Invoker
	log     *logger.Logger

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
}

// New creates an Executor driving choreo's executions via invoker, emitting
// lifecycle events on bus.
func New(choreo *choreography.Engine, bus *eventbus.Bus, invoker Invoker, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.NewDefault("executor")
	}
	return &Executor{
		choreo:   choreo,
		bus:      bus,
		invoker:  invoker,
		log:      log,
		breakers: make(map[string]*resilience.CircuitBreaker),
	}
}

// Run drives executionID from pending to a terminal state, blocking until
// it gets there.
func (ex *Executor) Run(ctx context.Context, executionID string) error {
	exec, err := ex.choreo.GetExecution(executionID)
	if err != nil {
		return err
	}
	workflow, err := ex.choreo.GetWorkflow(exec.WorkflowID)
	if err != nil {
		return err
	}

	if err := ex.choreo.SetExecutionState(executionID, choreography.ExecutionRunning); err != nil {
		return err
	}
	ex.bus.Publish(eventbus.Event{
		Type: eventbus.EventWorkflowStarted, WorkflowID: workflow.ID, ExecutionID: executionID,
		CorrelationID: exec.Context.CorrelationID,
	})

	runCtx := ctx
	if workflow.MaxDuration != nil {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, *workflow.MaxDuration)
		defer cancel()
	}

	for {
		ready, err := ex.choreo.GetNextSteps(executionID)
		if err != nil {
			return ex.finishFailed(workflow, executionID, err)
		}

		if len(ready) == 0 {
			hasNonTerminal, err := ex.choreo.HasNonTerminalSteps(executionID)
			if err != nil {
				return ex.finishFailed(workflow, executionID, err)
			}
			if !hasNonTerminal {
				return ex.finishCompleted(workflow, executionID)
			}
			return ex.finishFailed(workflow, executionID, apierrors.Deadlock(executionID, nil))
		}

		errs := ex.runReadySteps(runCtx, exec, workflow, ready)

		for _, stepErr := range errs {
			if stepErr == nil {
				continue
			}
			switch workflow.OnError {
			case choreography.OnErrorContinue:
				continue
			case choreography.OnErrorRollback:
				ex.rollback(runCtx, exec, workflow)
				_ = ex.choreo.SetExecutionState(executionID, choreography.ExecutionRolledBack)
				_ = ex.choreo.SetTerminalError(executionID, stepErr.Error())
				ex.bus.Publish(eventbus.Event{
					Type: eventbus.EventWorkflowFailed, WorkflowID: workflow.ID, ExecutionID: executionID,
					Payload: stepErr.Error(),
				})
				return stepErr
			default: // OnErrorStop and unset default to stop
				return ex.finishFailed(workflow, executionID, stepErr)
			}
		}
	}
}

func (ex *Executor) runReadySteps(ctx context.Context, exec *choreography.WorkflowExecution, workflow *choreography.Workflow, ready []*choreography.Step) []error {
	var wg sync.WaitGroup
	errs := make([]error, len(ready))
	for i, step := range ready {
		wg.Add(1)
		go func(i int, step *choreography.Step) {
			defer wg.Done()
			errs[i] = ex.runStep(ctx, exec, workflow, step)
		}(i, step)
	}
	wg.Wait()
	return errs
}

func (ex *Executor) finishCompleted(workflow *choreography.Workflow, executionID string) error {
	if err := ex.choreo.SetExecutionState(executionID, choreography.ExecutionCompleted); err != nil {
		return err
	}
	ex.bus.Publish(eventbus.Event{Type: eventbus.EventWorkflowCompleted, WorkflowID: workflow.ID, ExecutionID: executionID})
	return nil
}

func (ex *Executor) finishFailed(workflow *choreography.Workflow, executionID string, cause error) error {
	_ = ex.choreo.SetExecutionState(executionID, choreography.ExecutionFailed)
	_ = ex.choreo.SetTerminalError(executionID, cause.Error())
	ex.bus.Publish(eventbus.Event{
		Type: eventbus.EventWorkflowFailed, WorkflowID: workflow.ID, ExecutionID: executionID,
		Payload: cause.Error(),
	})
	return cause
}

// runStep substitutes inputs, invokes the capability with retry/backoff,
// and applies the step's error handler on exhaustion. By the time it
// returns, the step execution holds its final status for this iteration.
func (ex *Executor) runStep(ctx context.Context, exec *choreography.WorkflowExecution, workflow *choreography.Workflow, step *choreography.Step) error {
	inputs, err := ex.choreo.SubstituteStepInput(exec.ID, step)
	if err != nil {
		return err
	}
	if err := ex.choreo.MarkStepRunning(exec.ID, step.ID); err != nil {
		return err
	}

	maxAttempts := 1
	if step.RetryPolicy != nil && step.RetryPolicy.MaxAttempts > 1 {
		maxAttempts = step.RetryPolicy.MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		output, invokeErr := ex.invoke(ctx, step, inputs)
		if invokeErr == nil {
			if err := ex.choreo.MarkStepCompleted(exec.ID, step.ID, output); err != nil {
				return err
			}
			ex.bus.Publish(eventbus.Event{
				Type: eventbus.EventWorkflowStepDone, WorkflowID: workflow.ID, ExecutionID: exec.ID,
				Payload: map[string]interface{}{"step_id": step.ID},
			})
			return nil
		}
		lastErr = invokeErr
		ex.choreo.IncrementRetry(exec.ID, step.ID)

		if apierrors.CodeOf(invokeErr) == apierrors.CodePermanent {
			break
		}
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				lastErr = apierrors.Cancelled(exec.ID)
				attempt = maxAttempts
			case <-time.After(backoffDelay(step.RetryPolicy, attempt)):
			}
		}
	}

	return ex.handleStepFailure(ctx, exec, workflow, step, lastErr)
}

func backoffDelay(rp *choreography.RetryPolicy, attempt int) time.Duration {
	if rp == nil || rp.Delay <= 0 {
		return 0
	}
	multiplier := rp.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := rp.Delay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
	}
	if rp.MaxDelay > 0 && delay > rp.MaxDelay {
		delay = rp.MaxDelay
	}
	return delay
}

func (ex *Executor) handleStepFailure(ctx context.Context, exec *choreography.WorkflowExecution, workflow *choreography.Workflow, step *choreography.Step, cause error) error {
	if step.ErrorHandler != nil {
		switch step.ErrorHandler.Kind {
		case choreography.HandlerSkip:
			if err := ex.choreo.MarkStepSkippedExternally(exec.ID, step.ID); err != nil {
				return err
			}
			return nil
		case choreography.HandlerFallback:
			return ex.runFallback(ctx, exec, workflow, step)
		case choreography.HandlerCallback:
			ex.bus.Publish(eventbus.Event{
				Type: eventbus.EventAgentEvent, WorkflowID: workflow.ID, ExecutionID: exec.ID,
				Payload: map[string]interface{}{"step_id": step.ID, "action": step.ErrorHandler.Action, "error": cause.Error()},
			})
		case choreography.HandlerRetry:
			// retries already exhausted above; fall through to failure.
		}
	}

	_ = ex.choreo.MarkStepFailed(exec.ID, step.ID, cause.Error())
	ex.bus.Publish(eventbus.Event{
		Type: eventbus.EventWorkflowStepFailed, WorkflowID: workflow.ID, ExecutionID: exec.ID,
		Payload: map[string]interface{}{"step_id": step.ID, "error": cause.Error()},
	})
	return apierrors.StepFailed(step.ID, cause)
}

func (ex *Executor) runFallback(ctx context.Context, exec *choreography.WorkflowExecution, workflow *choreography.Workflow, step *choreography.Step) error {
	fallback := workflow.StepByID(step.ErrorHandler.Action)
	if fallback == nil {
		cause := apierrors.New(apierrors.CodePermanent, "fallback step not found")
		_ = ex.choreo.MarkStepFailed(exec.ID, step.ID, cause.Error())
		return apierrors.StepFailed(step.ID, cause)
	}

	inputs, err := ex.choreo.SubstituteStepInput(exec.ID, fallback)
	if err != nil {
		return err
	}
	output, err := ex.invoke(ctx, fallback, inputs)
	if err != nil {
		_ = ex.choreo.MarkStepFailed(exec.ID, step.ID, err.Error())
		ex.bus.Publish(eventbus.Event{
			Type: eventbus.EventWorkflowStepFailed, WorkflowID: workflow.ID, ExecutionID: exec.ID,
			Payload: map[string]interface{}{"step_id": step.ID, "error": err.Error()},
		})
		return apierrors.StepFailed(step.ID, err)
	}

	if err := ex.choreo.MarkStepCompleted(exec.ID, step.ID, output); err != nil {
		return err
	}
	ex.bus.Publish(eventbus.Event{
		Type: eventbus.EventWorkflowStepDone, WorkflowID: workflow.ID, ExecutionID: exec.ID,
		Payload: map[string]interface{}{"step_id": step.ID, "via_fallback": fallback.ID},
	})
	return nil
}

// invoke calls the capability through a per-agent circuit breaker, applying
// the step's timeout and classifying the resulting error per §4.9: unknown
// errors and circuit-open/timeout conditions are transient.
func (ex *Executor) invoke(ctx context.Context, step *choreography.Step, inputs map[string]interface{}) (map[string]interface{}, error) {
	callCtx := ctx
	if step.Timeout != nil {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, *step.Timeout)
		defer cancel()
	}

	breaker := ex.breakerFor(step.AgentID)
	var output map[string]interface{}
	err := breaker.Execute(callCtx, func() error {
		out, invokeErr := ex.invoker.Invoke(callCtx, step.AgentID, step.CapabilityID, inputs)
		output = out
		return invokeErr
	})
	if err == nil {
		return output, nil
	}

	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		return nil, apierrors.Transient(step.CapabilityID, err)
	}
	if callCtx.Err() == context.DeadlineExceeded {
		return nil, apierrors.Transient(step.CapabilityID, callCtx.Err())
	}
	if apierrors.CodeOf(err) == apierrors.CodePermanent {
		return nil, err
	}
	if apierrors.CodeOf(err) == apierrors.CodeTransient {
		return nil, err
	}
	return nil, apierrors.Transient(step.CapabilityID, err)
}

func (ex *Executor) breakerFor(agentID string) *resilience.CircuitBreaker {
	ex.breakersMu.Lock()
	defer ex.breakersMu.Unlock()
	if b, ok := ex.breakers[agentID]; ok {
		return b
	}
	b := resilience.New(resilience.DefaultConfig())
	ex.breakers[agentID] = b
	return b
}

// rollback walks completed steps in reverse insertion order, invoking each
// one's compensating capability. Failures are recorded in the rollback log
// and do not abort rollback of the remaining steps.
func (ex *Executor) rollback(ctx context.Context, exec *choreography.WorkflowExecution, workflow *choreography.Workflow) {
	completed, err := ex.choreo.CompletedStepsReverseOrder(exec.ID)
	if err != nil {
		return
	}
	for _, se := range completed {
		step := workflow.StepByID(se.StepID)
		if step == nil {
			continue
		}
		rollbackCapability := step.CapabilityID + "_rollback"
		entry := choreography.RollbackEntry{
			StepID: step.ID, RollbackCapability: rollbackCapability, Inputs: se.Output,
		}
		if _, err := ex.invoker.Invoke(ctx, step.AgentID, rollbackCapability, se.Output); err != nil {
			entry.Status = "failed"
			ex.log.Component("executor").WithField("step_id", step.ID).Warnf("rollback invocation failed: %v", err)
		} else {
			entry.Status = "executed"
		}
		_ = ex.choreo.AppendRollbackEntry(exec.ID, entry)
	}
}
