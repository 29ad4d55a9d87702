package choreography

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-mesh/core/pkg/apierrors"
)

func simpleWorkflow(id string) *Workflow {
	return &Workflow{
		ID: id,
		Steps: []Step{
			{ID: "s1", AgentID: "a1", CapabilityID: "cap.one"},
			{ID: "s2", AgentID: "a1", CapabilityID: "cap.two", Dependencies: []string{"s1"}},
		},
	}
}

func TestDefineWorkflowRejectsMissingFields(t *testing.T) {
	e := New(nil)
	err := e.DefineWorkflow(&Workflow{})
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeInvalidArgument, apierrors.CodeOf(err))
}

func TestDefineWorkflowRejectsUnknownDependency(t *testing.T) {
	e := New(nil)
	w := &Workflow{
		ID: "wf-1",
		Steps: []Step{
			{ID: "s1", AgentID: "a1", CapabilityID: "cap.one", Dependencies: []string{"ghost"}},
		},
	}
	err := e.DefineWorkflow(w)
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeInvalidArgument, apierrors.CodeOf(err))
}

func TestDefineWorkflowDetectsCycle(t *testing.T) {
	e := New(nil)
	w := &Workflow{
		ID: "wf-cycle",
		Steps: []Step{
			{ID: "s1", AgentID: "a1", CapabilityID: "cap.one", Dependencies: []string{"s2"}},
			{ID: "s2", AgentID: "a1", CapabilityID: "cap.two", Dependencies: []string{"s1"}},
		},
	}
	err := e.DefineWorkflow(w)
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeCircularDependency, apierrors.CodeOf(err))
}

func TestDefineWorkflowAcceptsValidDAG(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.DefineWorkflow(simpleWorkflow("wf-1")))
}

func TestCreateExecutionInitializesState(t *testing.T) {
	e := New(nil)
	w := simpleWorkflow("wf-1")
	w.InitialInputs = map[string]interface{}{"amount": 42}
	require.NoError(t, e.DefineWorkflow(w))

	exec, err := e.CreateExecution("wf-1", CreateExecutionOptions{CorrelationID: "corr-1"})
	require.NoError(t, err)
	assert.Equal(t, ExecutionPending, exec.State)
	assert.Equal(t, 42, exec.Context.Variables["amount"])
	assert.Len(t, exec.StepExecs, 2)
	for _, se := range exec.StepExecs {
		assert.Equal(t, StepPending, se.Status)
		assert.Equal(t, 0, se.RetryCount)
	}
}

func TestCreateExecutionUnknownWorkflow(t *testing.T) {
	e := New(nil)
	_, err := e.CreateExecution("missing", CreateExecutionOptions{})
	require.Error(t, err)
	assert.Equal(t, apierrors.CodeNotFound, apierrors.CodeOf(err))
}

func TestGetNextStepsRespectsDependencies(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.DefineWorkflow(simpleWorkflow("wf-1")))
	exec, err := e.CreateExecution("wf-1", CreateExecutionOptions{})
	require.NoError(t, err)

	ready, err := e.GetNextSteps(exec.ID)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "s1", ready[0].ID)

	exec.StepExecs["s1"].Status = StepCompleted
	ready, err = e.GetNextSteps(exec.ID)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "s2", ready[0].ID)
}

func TestGetNextStepsSkipsFalseCondition(t *testing.T) {
	e := New(nil)
	w := &Workflow{
		ID: "wf-cond",
		Steps: []Step{
			{
				ID: "s1", AgentID: "a1", CapabilityID: "cap.one",
				Condition: &ExecutionCondition{Variable: "go", Operator: OpEq, Value: true},
			},
		},
		InitialInputs: map[string]interface{}{"go": false},
	}
	require.NoError(t, e.DefineWorkflow(w))
	exec, err := e.CreateExecution("wf-cond", CreateExecutionOptions{})
	require.NoError(t, err)

	ready, err := e.GetNextSteps(exec.ID)
	require.NoError(t, err)
	assert.Empty(t, ready)
	assert.Equal(t, StepSkipped, exec.StepExecs["s1"].Status)
}

func TestGetNextStepsExpressionCondition(t *testing.T) {
	e := New(nil)
	w := &Workflow{
		ID: "wf-expr",
		Steps: []Step{
			{
				ID: "s1", AgentID: "a1", CapabilityID: "cap.one",
				Condition: &ExecutionCondition{Expression: "variables.amount > 10"},
			},
		},
		InitialInputs: map[string]interface{}{"amount": 20},
	}
	require.NoError(t, e.DefineWorkflow(w))
	exec, err := e.CreateExecution("wf-expr", CreateExecutionOptions{})
	require.NoError(t, err)

	ready, err := e.GetNextSteps(exec.ID)
	require.NoError(t, err)
	require.Len(t, ready, 1)
}

func TestSubstituteVariablesResolvesFromVariablesAndOutputs(t *testing.T) {
	ctx := &ExecutionContext{
		Variables: map[string]interface{}{"name": "alice"},
		StepOutputs: map[string]map[string]interface{}{
			"s1": {"token": "abc123"},
		},
	}
	input := map[string]interface{}{
		"greeting": "${name}",
		"auth":     "${token}",
		"literal":  "unchanged",
		"nested":   map[string]interface{}{"inner": "${name}"},
	}

	out := SubstituteVariables(input, ctx)
	assert.Equal(t, "alice", out["greeting"])
	assert.Equal(t, "abc123", out["auth"])
	assert.Equal(t, "unchanged", out["literal"])
	nested := out["nested"].(map[string]interface{})
	assert.Equal(t, "alice", nested["inner"])
}

func TestSubstituteVariablesFallsThroughWhenUnresolved(t *testing.T) {
	ctx := &ExecutionContext{Variables: map[string]interface{}{}}
	out := SubstituteVariables(map[string]interface{}{"x": "${missing}"}, ctx)
	assert.Equal(t, "${missing}", out["x"])
}

func TestSetExecutionStateRejectsAfterTerminal(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.DefineWorkflow(simpleWorkflow("wf-1")))
	exec, err := e.CreateExecution("wf-1", CreateExecutionOptions{})
	require.NoError(t, err)

	require.NoError(t, e.SetExecutionState(exec.ID, ExecutionCompleted))
	err = e.SetExecutionState(exec.ID, ExecutionRunning)
	require.Error(t, err)
}

func TestHasNonTerminalSteps(t *testing.T) {
	e := New(nil)
	require.NoError(t, e.DefineWorkflow(simpleWorkflow("wf-1")))
	exec, err := e.CreateExecution("wf-1", CreateExecutionOptions{})
	require.NoError(t, err)

	has, err := e.HasNonTerminalSteps(exec.ID)
	require.NoError(t, err)
	assert.True(t, has)

	exec.StepExecs["s1"].Status = StepCompleted
	exec.StepExecs["s2"].Status = StepCompleted
	has, err = e.HasNonTerminalSteps(exec.ID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestEvaluateConditionNumericOperators(t *testing.T) {
	ctx := &ExecutionContext{Variables: map[string]interface{}{"n": 5}}
	ok, err := evaluateCondition(&ExecutionCondition{Variable: "n", Operator: OpGte, Value: 5}, ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = evaluateCondition(&ExecutionCondition{Variable: "n", Operator: OpLt, Value: 5}, ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateConditionInOperator(t *testing.T) {
	ctx := &ExecutionContext{Variables: map[string]interface{}{"status": "active"}}
	ok, err := evaluateCondition(&ExecutionCondition{
		Variable: "status", Operator: OpIn,
		Value: []interface{}{"active", "pending"},
	}, ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWorkflowMaxDurationSurvivesRoundTrip(t *testing.T) {
	d := 5 * time.Minute
	w := simpleWorkflow("wf-1")
	w.MaxDuration = &d
	require.NoError(t, New(nil).DefineWorkflow(w))
	assert.Equal(t, 5*time.Minute, *w.MaxDuration)
}
