package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryAcceptsStringAndObject(t *testing.T) {
	raw := `{
		"type": "agent",
		"targets": ["docs", "catalog"],
		"queries": {
			"docs": "find onboarding guide",
			"catalog": {"query": "list tables", "goal": "map owners", "context_hint": "team names"}
		},
		"execution_mode": "sequential"
	}`

	var plan ExecutionPlan
	require.NoError(t, json.Unmarshal([]byte(raw), &plan))

	assert.Equal(t, PlanAgent, plan.Type)
	assert.Equal(t, ModeSequential, plan.Mode())
	assert.Equal(t, Query{Query: "find onboarding guide"}, plan.Queries["docs"])
	assert.False(t, plan.Queries["docs"].Structured())

	cat := plan.Queries["catalog"]
	assert.True(t, cat.Structured())
	assert.Equal(t, "team names", cat.ContextHint)

	out, err := json.Marshal(plan.Queries["docs"])
	require.NoError(t, err)
	assert.JSONEq(t, `"find onboarding guide"`, string(out))
}

func TestQueryRejectsGarbage(t *testing.T) {
	var q Query
	assert.Error(t, json.Unmarshal([]byte(`42`), &q))
}

func TestQueryForFallsBackToMessage(t *testing.T) {
	plan := &ExecutionPlan{Queries: map[string]Query{
		"a": {Query: "explicit"},
		"b": {Goal: "only a goal"},
	}}

	assert.Equal(t, "explicit", plan.QueryFor("a", "msg").Query)
	b := plan.QueryFor("b", "msg")
	assert.Equal(t, "msg", b.Query)
	assert.Equal(t, "only a goal", b.Goal)
	assert.Equal(t, Query{Query: "msg"}, plan.QueryFor("c", "msg"))
}

func TestModeDefaultsToParallel(t *testing.T) {
	assert.Equal(t, ModeParallel, (&ExecutionPlan{}).Mode())
	assert.Equal(t, ModeParallel, PlanCandidate{Targets: []string{"a"}}.ToPlan().ExecutionMode)
}

func TestPlanCloneIsIndependent(t *testing.T) {
	plan := &ExecutionPlan{
		Type:       PlanAmbiguous,
		Candidates: []PlanCandidate{{Label: "one", Targets: []string{"a"}}},
	}
	cp := plan.Clone()
	cp.Candidates[0].Targets[0] = "z"
	assert.Equal(t, "a", plan.Candidates[0].Targets[0])
}

func TestRunSuspendResume(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	run := NewRun("r1", "u1", "hello", now)
	assert.Equal(t, RunStatusRunning, run.Status)

	later := now.Add(time.Minute)
	run.Suspended(StepQualityGate, &SuspendPayload{HITLType: HITLQuality, Score: 0.2}, later)
	assert.Equal(t, RunStatusSuspended, run.Status)
	assert.Equal(t, StepQualityGate, run.SuspendedAt)
	assert.Equal(t, StepQualityGate, run.Suspend.Step)
	assert.Equal(t, later, run.SuspendedSince)

	cp := run.Clone()
	cp.Suspend.Score = 0.9
	assert.Equal(t, 0.2, run.Suspend.Score)

	run.Resumed(later.Add(time.Minute))
	assert.Equal(t, RunStatusRunning, run.Status)
	assert.Nil(t, run.Suspend)
	assert.Empty(t, run.SuspendedAt)
	assert.False(t, run.IsTerminal())

	run.Status = RunStatusFailed
	assert.True(t, run.IsTerminal())
}

func TestRunRoundTripPreservesContinuation(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	run := NewRun("r1", "u1", "hello", now)
	run.Iteration = 2
	run.State = SharedState{ExecutionTargets: []string{"docs"}, ExecutionMode: ModeParallel, PreviousFeedback: "too short"}
	run.Suspended(StepClassify, &SuspendPayload{HITLType: HITLClarify, Question: "which team?"}, now)

	data, err := json.Marshal(run)
	require.NoError(t, err)

	var back Run
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, StepClassify, back.SuspendedAt)
	assert.Equal(t, 2, back.Iteration)
	assert.Equal(t, "too short", back.State.PreviousFeedback)
	assert.Equal(t, "which team?", back.Suspend.Question)
}
