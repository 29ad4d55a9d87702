// Package choreography holds the workflow registry and execution state
// machine: definition validation, DAG scheduling, variable substitution and
// condition evaluation.
package choreography

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/gval"
	"github.com/google/uuid"

	"github.com/aegis-mesh/core/pkg/apierrors"
	"github.com/aegis-mesh/core/pkg/logger"
)

// Engine is the ChoreographyEngine component.
type Engine struct {
	workflowsMu  sync.RWMutex
	workflows    map[string]*Workflow

	executionsMu sync.RWMutex
	executions   map[string]*WorkflowExecution

	log *logger.Logger
}

// New creates an empty Engine.
func New(log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("choreography")
	}
	return &Engine{
		workflows:  make(map[string]*Workflow),
		executions: make(map[string]*WorkflowExecution),
		log:        log,
	}
}

// DefineWorkflow validates and registers a workflow definition.
func (e *Engine) DefineWorkflow(w *Workflow) error {
	if err := validateWorkflow(w); err != nil {
		return err
	}

	e.workflowsMu.Lock()
	defer e.workflowsMu.Unlock()
	e.workflows[w.ID] = w
	e.log.Component("choreography").WithField("workflow_id", w.ID).Info("workflow defined")
	return nil
}

func validateWorkflow(w *Workflow) error {
	if w.ID == "" {
		return apierrors.InvalidArgument("id", "workflow id is required")
	}
	if len(w.Steps) == 0 {
		return apierrors.InvalidArgument("steps", "workflow requires at least one step")
	}

	seen := make(map[string]struct{}, len(w.Steps))
	for _, step := range w.Steps {
		if step.ID == "" {
			return apierrors.InvalidArgument("step.id", "every step requires an id")
		}
		if step.AgentID == "" {
			return apierrors.InvalidArgument("step.agent_id", fmt.Sprintf("step %s requires an agent id", step.ID))
		}
		if step.CapabilityID == "" {
			return apierrors.InvalidArgument("step.capability_id", fmt.Sprintf("step %s requires a capability id", step.ID))
		}
		if _, dup := seen[step.ID]; dup {
			return apierrors.InvalidArgument("step.id", fmt.Sprintf("duplicate step id %s", step.ID))
		}
		seen[step.ID] = struct{}{}
	}
	for _, step := range w.Steps {
		for _, dep := range step.Dependencies {
			if _, ok := seen[dep]; !ok {
				return apierrors.InvalidArgument("step.dependencies", fmt.Sprintf("step %s depends on unknown step %s", step.ID, dep))
			}
		}
	}

	if cycle := detectCycle(w); cycle != nil {
		return apierrors.CircularDependency(w.ID, cycle)
	}
	return nil
}

// detectCycle runs DFS with three colors (unvisited/visiting/visited) over
// the dependency graph, returning the cycle path if a back-edge is found.
func detectCycle(w *Workflow) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(w.Steps))
	for _, s := range w.Steps {
		color[s.ID] = white
	}

	var path []string
	var cycle []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		step := w.stepByID(id)
		for _, dep := range step.Dependencies {
			switch color[dep] {
			case gray:
				cycle = append(append([]string{}, path...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for _, s := range w.Steps {
		if color[s.ID] == white {
			if visit(s.ID) {
				return cycle
			}
		}
	}
	return nil
}

// GetWorkflow returns a registered workflow definition.
func (e *Engine) GetWorkflow(workflowID string) (*Workflow, error) {
	e.workflowsMu.RLock()
	defer e.workflowsMu.RUnlock()
	w, ok := e.workflows[workflowID]
	if !ok {
		return nil, apierrors.NotFound("workflow", workflowID)
	}
	return w, nil
}

// CreateExecutionOptions carries the optional correlation fields for a new
// execution.
type CreateExecutionOptions struct {
	CorrelationID     string
	ParentExecutionID string
}

// CreateExecution allocates a new execution for workflowID in state pending.
func (e *Engine) CreateExecution(workflowID string, opts CreateExecutionOptions) (*WorkflowExecution, error) {
	workflow, err := e.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}

	variables := make(map[string]interface{}, len(workflow.InitialInputs))
	for k, v := range workflow.InitialInputs {
		variables[k] = v
	}

	fallbackTargets := make(map[string]struct{})
	for _, step := range workflow.Steps {
		if step.ErrorHandler != nil && step.ErrorHandler.Kind == HandlerFallback && step.ErrorHandler.Action != "" {
			fallbackTargets[step.ErrorHandler.Action] = struct{}{}
		}
	}

	stepExecs := make(map[string]*StepExecution, len(workflow.Steps))
	stepOrder := make([]string, 0, len(workflow.Steps))
	for _, step := range workflow.Steps {
		status := StepPending
		if _, isFallbackOnly := fallbackTargets[step.ID]; isFallbackOnly {
			// Fallback targets are invoked directly by the executor's error
			// handling path, not picked up by the ordinary DAG scan.
			status = StepSkipped
		}
		stepExecs[step.ID] = &StepExecution{StepID: step.ID, Status: status}
		stepOrder = append(stepOrder, step.ID)
	}

	execution := &WorkflowExecution{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		State:      ExecutionPending,
		StepExecs:  stepExecs,
		StepOrder:  stepOrder,
		Context: ExecutionContext{
			Variables:         variables,
			StepOutputs:       make(map[string]map[string]interface{}),
			CorrelationID:     opts.CorrelationID,
			ParentExecutionID: opts.ParentExecutionID,
		},
	}

	e.executionsMu.Lock()
	e.executions[execution.ID] = execution
	e.executionsMu.Unlock()
	return execution, nil
}

// GetExecution returns a registered execution.
func (e *Engine) GetExecution(executionID string) (*WorkflowExecution, error) {
	e.executionsMu.RLock()
	defer e.executionsMu.RUnlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return nil, apierrors.NotFound("execution", executionID)
	}
	return exec, nil
}

// SetExecutionState transitions the execution's top-level state.
func (e *Engine) SetExecutionState(executionID string, state ExecutionState) error {
	e.executionsMu.Lock()
	defer e.executionsMu.Unlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return apierrors.NotFound("execution", executionID)
	}
	if exec.State.terminal() {
		return apierrors.New(apierrors.CodeInvalidArgument, "execution already in a terminal state")
	}
	exec.State = state
	if state.terminal() {
		exec.CompletedAt = time.Now().UTC()
	}
	return nil
}

// GetNextSteps returns steps that are pending, whose dependencies are all
// completed, and whose condition (if any) evaluates true. Steps whose
// condition evaluates false are transitioned to skipped as a side effect of
// this call and omitted from the result.
func (e *Engine) GetNextSteps(executionID string) ([]*Step, error) {
	workflowID, err := e.executionWorkflowID(executionID)
	if err != nil {
		return nil, err
	}
	workflow, err := e.GetWorkflow(workflowID)
	if err != nil {
		return nil, err
	}

	e.executionsMu.Lock()
	defer e.executionsMu.Unlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return nil, apierrors.NotFound("execution", executionID)
	}

	var ready []*Step
	for i := range workflow.Steps {
		step := &workflow.Steps[i]
		stepExec := exec.StepExecs[step.ID]
		if stepExec == nil || stepExec.Status != StepPending {
			continue
		}
		if !allDependenciesCompleted(exec, step.Dependencies) {
			continue
		}
		if step.Condition != nil {
			ok, err := evaluateCondition(step.Condition, &exec.Context)
			if err != nil || !ok {
				stepExec.Status = StepSkipped
				continue
			}
		}
		ready = append(ready, step)
	}
	return ready, nil
}

func (e *Engine) executionWorkflowID(executionID string) (string, error) {
	e.executionsMu.RLock()
	defer e.executionsMu.RUnlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return "", apierrors.NotFound("execution", executionID)
	}
	return exec.WorkflowID, nil
}

// StepByID exposes Workflow.stepByID to other packages.
func (w *Workflow) StepByID(id string) *Step {
	return w.stepByID(id)
}

// SubstituteStepInput resolves step.Input's placeholders against the
// execution's current variable and step-output state.
func (e *Engine) SubstituteStepInput(executionID string, step *Step) (map[string]interface{}, error) {
	e.executionsMu.RLock()
	defer e.executionsMu.RUnlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return nil, apierrors.NotFound("execution", executionID)
	}
	return SubstituteVariables(step.Input, &exec.Context), nil
}

// MarkStepRunning transitions a step to running.
func (e *Engine) MarkStepRunning(executionID, stepID string) error {
	se, err := e.stepExec(executionID, stepID)
	if err != nil {
		return err
	}
	se.Status = StepRunning
	return nil
}

// MarkStepCompleted transitions a step to completed and records its output
// both on the step execution and in the execution's flattened step-output
// map used by downstream substitution.
func (e *Engine) MarkStepCompleted(executionID, stepID string, output map[string]interface{}) error {
	e.executionsMu.Lock()
	defer e.executionsMu.Unlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return apierrors.NotFound("execution", executionID)
	}
	se, ok := exec.StepExecs[stepID]
	if !ok {
		return apierrors.NotFound("step", stepID)
	}
	se.Status = StepCompleted
	se.Output = output
	exec.Context.StepOutputs[stepID] = output
	return nil
}

// MarkStepFailed transitions a step to failed, recording the error message.
func (e *Engine) MarkStepFailed(executionID, stepID, errMsg string) error {
	se, err := e.stepExec(executionID, stepID)
	if err != nil {
		return err
	}
	se.Status = StepFailed
	se.Error = errMsg
	return nil
}

// MarkStepSkippedExternally transitions a step to skipped outside of
// GetNextSteps's own condition-driven skip (e.g. an error handler of kind
// skip treating the failure as a success).
func (e *Engine) MarkStepSkippedExternally(executionID, stepID string) error {
	se, err := e.stepExec(executionID, stepID)
	if err != nil {
		return err
	}
	se.Status = StepSkipped
	return nil
}

// IncrementRetry bumps a step's retry counter and returns the new value.
func (e *Engine) IncrementRetry(executionID, stepID string) (int, error) {
	se, err := e.stepExec(executionID, stepID)
	if err != nil {
		return 0, err
	}
	se.RetryCount++
	return se.RetryCount, nil
}

func (e *Engine) stepExec(executionID, stepID string) (*StepExecution, error) {
	e.executionsMu.Lock()
	defer e.executionsMu.Unlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return nil, apierrors.NotFound("execution", executionID)
	}
	se, ok := exec.StepExecs[stepID]
	if !ok {
		return nil, apierrors.NotFound("step", stepID)
	}
	return se, nil
}

// SetTerminalError records the execution's terminal error message.
func (e *Engine) SetTerminalError(executionID, msg string) error {
	e.executionsMu.Lock()
	defer e.executionsMu.Unlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return apierrors.NotFound("execution", executionID)
	}
	exec.TerminalError = msg
	return nil
}

// AppendRollbackEntry appends an entry to the execution's rollback log.
func (e *Engine) AppendRollbackEntry(executionID string, entry RollbackEntry) error {
	e.executionsMu.Lock()
	defer e.executionsMu.Unlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return apierrors.NotFound("execution", executionID)
	}
	exec.RollbackLog = append(exec.RollbackLog, entry)
	return nil
}

// CompletedStepsReverseOrder returns the execution's completed step
// executions in reverse insertion order, for rollback.
func (e *Engine) CompletedStepsReverseOrder(executionID string) ([]*StepExecution, error) {
	e.executionsMu.RLock()
	defer e.executionsMu.RUnlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return nil, apierrors.NotFound("execution", executionID)
	}
	var out []*StepExecution
	for i := len(exec.StepOrder) - 1; i >= 0; i-- {
		se := exec.StepExecs[exec.StepOrder[i]]
		if se != nil && se.Status == StepCompleted {
			out = append(out, se)
		}
	}
	return out, nil
}

func allDependenciesCompleted(exec *WorkflowExecution, deps []string) bool {
	for _, dep := range deps {
		se := exec.StepExecs[dep]
		if se == nil || se.Status != StepCompleted {
			return false
		}
	}
	return true
}

// HasNonTerminalSteps reports whether any step execution has not reached a
// terminal status, used by the executor to distinguish clean completion
// from deadlock when GetNextSteps returns empty.
func (e *Engine) HasNonTerminalSteps(executionID string) (bool, error) {
	exec, err := e.GetExecution(executionID)
	if err != nil {
		return false, err
	}
	e.executionsMu.RLock()
	defer e.executionsMu.RUnlock()
	for _, se := range exec.StepExecs {
		if !se.Status.terminal() {
			return true, nil
		}
	}
	return false, nil
}

// SubstituteVariables replaces any string value exactly matching "${name}"
// with variables[name], falling back to the flattened step-output map, and
// recurses into nested maps. Non-matching literals pass through unchanged.
func SubstituteVariables(input map[string]interface{}, ctx *ExecutionContext) map[string]interface{} {
	flat := flattenStepOutputs(ctx.StepOutputs)
	return substituteMap(input, ctx.Variables, flat)
}

func substituteMap(input map[string]interface{}, variables, flatOutputs map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		out[k] = substituteValue(v, variables, flatOutputs)
	}
	return out
}

func substituteValue(v interface{}, variables, flatOutputs map[string]interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if name, ok := placeholderName(val); ok {
			if resolved, ok := variables[name]; ok {
				return resolved
			}
			if resolved, ok := flatOutputs[name]; ok {
				return resolved
			}
			return val
		}
		return val
	case map[string]interface{}:
		return substituteMap(val, variables, flatOutputs)
	default:
		return v
	}
}

func placeholderName(s string) (string, bool) {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && len(s) > 3 {
		return s[2 : len(s)-1], true
	}
	return "", false
}

// flattenStepOutputs merges all step outputs into one map, iterating step
// ids in sorted order so collisions resolve deterministically.
func flattenStepOutputs(stepOutputs map[string]map[string]interface{}) map[string]interface{} {
	ids := make([]string, 0, len(stepOutputs))
	for id := range stepOutputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	flat := make(map[string]interface{})
	for _, id := range ids {
		for k, v := range stepOutputs[id] {
			flat[k] = v
		}
	}
	return flat
}

// evaluateCondition evaluates a typed comparison or a sandboxed expression
// against the execution's variable and step-output state.
func evaluateCondition(cond *ExecutionCondition, ctx *ExecutionContext) (bool, error) {
	if cond.isExpression() {
		result, err := gval.Evaluate(cond.Expression, map[string]interface{}{
			"variables":    ctx.Variables,
			"step_outputs": ctx.StepOutputs,
		})
		if err != nil {
			return false, apierrors.Wrap(apierrors.CodeInvalidArgument, "condition expression evaluation failed", err)
		}
		b, ok := result.(bool)
		if !ok {
			return false, apierrors.New(apierrors.CodeInvalidArgument, "condition expression did not evaluate to a boolean")
		}
		return b, nil
	}

	flat := flattenStepOutputs(ctx.StepOutputs)
	actual, found := ctx.Variables[cond.Variable]
	if !found {
		actual, found = flat[cond.Variable]
	}

	switch cond.Operator {
	case OpEq:
		return found && looseEqual(actual, cond.Value), nil
	case OpNeq:
		return !found || !looseEqual(actual, cond.Value), nil
	case OpIn:
		return found && memberOf(actual, cond.Value), nil
	case OpNotIn:
		return !found || !memberOf(actual, cond.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		if !found {
			return false, nil
		}
		cmp, ok := compareNumeric(actual, cond.Value)
		if !ok {
			return false, nil
		}
		switch cond.Operator {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		case OpLte:
			return cmp <= 0, nil
		}
	}
	return false, apierrors.New(apierrors.CodeAlgorithmUnsupported, "unknown condition operator")
}

func looseEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func compareNumeric(a, b interface{}) (int, bool) {
	fa, ok1 := toFloat(a)
	fb, ok2 := toFloat(b)
	if !ok1 || !ok2 {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	default:
		return 0, true
	}
}

func memberOf(actual, list interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(actual, item) {
			return true
		}
	}
	return false
}
