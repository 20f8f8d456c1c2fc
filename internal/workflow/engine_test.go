package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/miridih-ejkim/mmiai/internal/agents"
	"github.com/miridih-ejkim/mmiai/internal/gate"
	"github.com/miridih-ejkim/mmiai/internal/orchestrator"
	"github.com/miridih-ejkim/mmiai/internal/planner"
	"github.com/miridih-ejkim/mmiai/internal/pool"
	"github.com/miridih-ejkim/mmiai/internal/runstore"
	"github.com/miridih-ejkim/mmiai/internal/state"
)

type classifyFunc func(req planner.ClassifyRequest) (*state.ExecutionPlan, error)

type fakeClassifier struct {
	mu    sync.Mutex
	fn    classifyFunc
	calls []planner.ClassifyRequest
}

func (c *fakeClassifier) Classify(ctx context.Context, req planner.ClassifyRequest) (*state.ExecutionPlan, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	c.mu.Unlock()
	return c.fn(req)
}

type fakeSynth struct {
	mu      sync.Mutex
	results []state.AgentResult
	err     error
}

func (s *fakeSynth) Synthesize(ctx context.Context, message string, result state.AgentResult) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	if s.err != nil {
		return "", s.err
	}
	return "final: " + result.Content, nil
}

type scoreFunc func(content string) float64

func (f scoreFunc) Score(ctx context.Context, message, content, source string) (float64, string, error) {
	return f(content), "scored", nil
}

type fakeArchive struct {
	mu   sync.Mutex
	runs map[string]*runstore.ArchivedRun
}

func (a *fakeArchive) Record(ctx context.Context, run *state.Run, outcome string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runs == nil {
		a.runs = map[string]*runstore.ArchivedRun{}
	}
	if outcome == "" {
		outcome = string(run.Status)
	}
	a.runs[run.ID] = &runstore.ArchivedRun{RunID: run.ID, UserID: run.UserID, Status: outcome, Message: run.Message, Response: run.Response, Iterations: run.Iteration}
	return nil
}

func (a *fakeArchive) Get(ctx context.Context, id string) (*runstore.ArchivedRun, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.runs[id]; ok {
		return r, nil
	}
	return nil, runstore.ErrRunNotFound
}

type harness struct {
	engine     *Engine
	classifier *fakeClassifier
	synth      *fakeSynth
	store      *runstore.MemoryStore
	archive    *fakeArchive
	registry   *agents.Registry
	prompts    map[string][]string
	mu         sync.Mutex
}

type harnessOpts struct {
	mode    gate.Mode
	scorer  gate.Scorer
	workers map[string]func(prompt string) (string, error)
	archive bool
}

func newHarness(t *testing.T, classify classifyFunc, opts harnessOpts) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &harness{
		classifier: &fakeClassifier{fn: classify},
		synth:      &fakeSynth{},
		store:      runstore.NewMemoryStore(0),
		registry:   agents.NewRegistry(nil, logger),
		prompts:    map[string][]string{},
	}
	for id, fn := range opts.workers {
		id, fn := id, fn
		require.NoError(t, h.registry.Register(agents.Worker{ID: id, Name: id, Description: id + " worker", Enabled: true},
			agents.ExecutorFunc(func(ctx context.Context, prompt string, tools pool.Handle) (string, error) {
				h.mu.Lock()
				h.prompts[id] = append(h.prompts[id], prompt)
				h.mu.Unlock()
				return fn(prompt)
			})))
	}

	orch := orchestrator.New(h.registry, orchestrator.Config{MaxConcurrency: 4}, logger)
	mode := opts.mode
	if mode == "" {
		mode = gate.ModeInteractive
	}
	g := gate.New(gate.Config{Mode: mode, Threshold: 0.6}, opts.scorer, nil, orch, h.registry, logger)

	deps := Deps{
		Planner:     planner.NewAdapter(h.classifier, h.registry, logger),
		Executor:    orch,
		Gate:        g,
		Synthesizer: h.synth,
		Store:       h.store,
		Logger:      logger,
	}
	if opts.archive {
		h.archive = &fakeArchive{}
		deps.Archive = h.archive
	}
	e, err := New(deps, Config{MaxIterations: 3})
	require.NoError(t, err)
	h.engine = e
	return h
}

func agentPlan(targets ...string) *state.ExecutionPlan {
	return &state.ExecutionPlan{Type: state.PlanAgent, Targets: targets}
}

func ok(text string) func(string) (string, error) {
	return func(string) (string, error) { return text, nil }
}

func TestStartSimpleGreeting(t *testing.T) {
	h := newHarness(t, func(req planner.ClassifyRequest) (*state.ExecutionPlan, error) {
		return &state.ExecutionPlan{Type: state.PlanSimple, Reasoning: "Hello! How can I help?"}, nil
	}, harnessOpts{})

	resp, err := h.engine.Start(context.Background(), StartRequest{UserID: "u1", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, "final: Hello! How can I help?", resp.Response)

	require.Len(t, h.synth.results, 1)
	assert.Equal(t, state.AgentResult{Source: state.SourceDirect, Content: "Hello! How can I help?", Success: true}, h.synth.results[0])
	assert.Len(t, h.classifier.calls, 1)

	run, err := h.engine.Get(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.Iteration)
}

func TestStartDowngradesPlanWithoutEnabledWorkers(t *testing.T) {
	h := newHarness(t, func(req planner.ClassifyRequest) (*state.ExecutionPlan, error) {
		return &state.ExecutionPlan{Type: state.PlanAgent, Targets: []string{"ghost"}, Reasoning: "fallback answer"}, nil
	}, harnessOpts{})

	resp, err := h.engine.Start(context.Background(), StartRequest{Message: "anything"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	require.Len(t, h.synth.results, 1)
	assert.Equal(t, state.SourceDirect, h.synth.results[0].Source)
}

func TestStartRejectsEmptyMessage(t *testing.T) {
	h := newHarness(t, nil, harnessOpts{})
	_, err := h.engine.Start(context.Background(), StartRequest{Message: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFailingWorkerSuspendsAtQualityGate(t *testing.T) {
	h := newHarness(t, func(req planner.ClassifyRequest) (*state.ExecutionPlan, error) {
		return agentPlan("docs"), nil
	}, harnessOpts{workers: map[string]func(string) (string, error){
		"docs":    func(string) (string, error) { return "", errors.New("backend down") },
		"catalog": ok("catalog answer"),
	}})

	resp, err := h.engine.Start(context.Background(), StartRequest{UserID: "u1", Message: "find the onboarding doc"})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, resp.Status)
	require.NotNil(t, resp.SuspendPayload)
	assert.Equal(t, state.StepQualityGate, resp.SuspendPayload.Step)
	assert.Equal(t, 0.0, resp.SuspendPayload.Score)
	assert.Contains(t, resp.SuspendPayload.Reason, "docs")
	assert.Equal(t, []string{"catalog"}, resp.SuspendPayload.AvailableAgents)
	assert.Empty(t, h.synth.results)

	run, err := h.store.Get(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusSuspended, run.Status)
	assert.Equal(t, state.StepQualityGate, run.SuspendedAt)
}

func TestRetryLoopIsBounded(t *testing.T) {
	h := newHarness(t, func(req planner.ClassifyRequest) (*state.ExecutionPlan, error) {
		return agentPlan("docs"), nil
	}, harnessOpts{
		mode:    gate.ModeRetry,
		scorer:  scoreFunc(func(string) float64 { return 0.1 }),
		workers: map[string]func(string) (string, error){"docs": ok("weak answer")},
	})

	resp, err := h.engine.Start(context.Background(), StartRequest{Message: "explain the billing flow"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)

	require.Len(t, h.classifier.calls, 3)
	assert.Empty(t, h.classifier.calls[0].PreviousFeedback)
	assert.Contains(t, h.classifier.calls[1].PreviousFeedback, "explain the billing flow")
	assert.Len(t, h.prompts["docs"], 3)

	require.Len(t, h.synth.results, 1)
	assert.Equal(t, "weak answer", h.synth.results[0].Content)

	run, err := h.engine.Get(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, 3, run.Iteration)
}

func TestRetryThenPass(t *testing.T) {
	calls := 0
	h := newHarness(t, func(req planner.ClassifyRequest) (*state.ExecutionPlan, error) {
		return agentPlan("docs"), nil
	}, harnessOpts{
		mode: gate.ModeRetry,
		scorer: scoreFunc(func(string) float64 {
			calls++
			if calls == 1 {
				return 0.2
			}
			return 0.9
		}),
		workers: map[string]func(string) (string, error){"docs": ok("answer")},
	})

	resp, err := h.engine.Start(context.Background(), StartRequest{Message: "q"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Len(t, h.classifier.calls, 2)
}

func TestClarifyResume(t *testing.T) {
	h := newHarness(t, func(req planner.ClassifyRequest) (*state.ExecutionPlan, error) {
		if req.Message == "show sales" {
			return &state.ExecutionPlan{Type: state.PlanClarify, ClarifyQuestion: "Which region?"}, nil
		}
		return &state.ExecutionPlan{Type: state.PlanSimple, Reasoning: "sales for " + req.Message}, nil
	}, harnessOpts{})
	ctx := context.Background()

	resp, err := h.engine.Start(ctx, StartRequest{UserID: "u1", Message: "show sales"})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, resp.Status)
	assert.Equal(t, state.StepClassify, resp.SuspendPayload.Step)
	assert.Equal(t, state.HITLClarify, resp.SuspendPayload.HITLType)
	assert.Equal(t, "Which region?", resp.SuspendPayload.Question)

	_, err = h.engine.Resume(ctx, ResumeRequest{RunID: resp.RunID, UserID: "u1", Step: state.StepQualityGate, Data: state.ResumeData{UserAnswer: "EMEA"}})
	assert.ErrorIs(t, err, ErrStepMismatch)
	_, err = h.engine.Resume(ctx, ResumeRequest{RunID: resp.RunID, UserID: "u1", Step: state.StepClassify})
	assert.ErrorIs(t, err, ErrInvalidResume)

	resumed, err := h.engine.Resume(ctx, ResumeRequest{RunID: resp.RunID, UserID: "u1", Step: state.StepClassify, Data: state.ResumeData{UserAnswer: "EMEA"}})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Equal(t, resp.RunID, resumed.RunID)

	require.Len(t, h.classifier.calls, 2)
	assert.Equal(t, "show sales\nEMEA", h.classifier.calls[1].Message)

	run, err := h.engine.Get(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Iteration)

	_, err = h.engine.Resume(ctx, ResumeRequest{RunID: resp.RunID, Step: state.StepClassify, Data: state.ResumeData{UserAnswer: "again"}})
	assert.ErrorIs(t, err, ErrRunNotSuspended)
}

func TestAmbiguousResume(t *testing.T) {
	h := newHarness(t, func(req planner.ClassifyRequest) (*state.ExecutionPlan, error) {
		return &state.ExecutionPlan{
			Type:            state.PlanAmbiguous,
			ClarifyQuestion: "Which did you mean?",
			Candidates: []state.PlanCandidate{
				{Label: "docs", Targets: []string{"docs"}, Queries: map[string]state.Query{"docs": {Query: "orders doc"}}},
				{Label: "catalog", Targets: []string{"catalog"}, Queries: map[string]state.Query{"catalog": {Query: "orders table"}}},
			},
		}, nil
	}, harnessOpts{workers: map[string]func(string) (string, error){
		"docs":    ok("the orders document"),
		"catalog": ok("the orders table lives in sales"),
	}})
	ctx := context.Background()

	resp, err := h.engine.Start(ctx, StartRequest{Message: "orders"})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, resp.Status)
	assert.Equal(t, state.HITLAmbiguous, resp.SuspendPayload.HITLType)
	require.Len(t, resp.SuspendPayload.Candidates, 2)

	bad := 7
	_, err = h.engine.Resume(ctx, ResumeRequest{RunID: resp.RunID, Step: state.StepClassify, Data: state.ResumeData{SelectedPlan: &bad}})
	assert.ErrorIs(t, err, ErrInvalidResume)

	pick := 1
	resumed, err := h.engine.Resume(ctx, ResumeRequest{RunID: resp.RunID, Step: state.StepClassify, Data: state.ResumeData{SelectedPlan: &pick}})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Equal(t, []string{"orders table"}, h.prompts["catalog"])
	assert.Empty(t, h.prompts["docs"])
	assert.Len(t, h.classifier.calls, 1)
}

func TestQualityGateResumeReroute(t *testing.T) {
	h := newHarness(t, func(req planner.ClassifyRequest) (*state.ExecutionPlan, error) {
		return agentPlan("docs"), nil
	}, harnessOpts{workers: map[string]func(string) (string, error){
		"docs":    func(string) (string, error) { return "", errors.New("down") },
		"catalog": ok("catalog knows"),
	}, archive: true})
	ctx := context.Background()

	resp, err := h.engine.Start(ctx, StartRequest{UserID: "u1", Message: "orders"})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, resp.Status)

	_, err = h.engine.Resume(ctx, ResumeRequest{RunID: resp.RunID, UserID: "u1", Step: state.StepQualityGate,
		Data: state.ResumeData{Action: state.ActionReroute, Target: "ghost"}})
	assert.ErrorIs(t, err, ErrInvalidResume)

	// the failed attempt left the run suspended
	run, err := h.store.Get(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusSuspended, run.Status)

	resumed, err := h.engine.Resume(ctx, ResumeRequest{RunID: resp.RunID, UserID: "u1", Step: state.StepQualityGate,
		Data: state.ResumeData{Action: state.ActionReroute, Target: "catalog"}})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Equal(t, "final: catalog knows", resumed.Response)

	// archived and removed from the live store
	_, err = h.store.Get(ctx, resp.RunID)
	assert.ErrorIs(t, err, runstore.ErrRunNotFound)
	got, err := h.engine.Get(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCompleted, got.Status)
	assert.Equal(t, "final: catalog knows", got.Response)
}

func TestConcurrentResumeAcrossEnginesRunsOnce(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(req planner.ClassifyRequest) (*state.ExecutionPlan, error) {
		return agentPlan("docs"), nil
	}, harnessOpts{workers: map[string]func(string) (string, error){
		"docs": func(string) (string, error) { return "", errors.New("down") },
		"catalog": func(string) (string, error) {
			close(entered)
			<-release
			return "catalog knows", nil
		},
	}})
	ctx := context.Background()

	// a second node sharing the same run store
	other, err := New(Deps{
		Planner:     h.engine.planner,
		Executor:    h.engine.executor,
		Gate:        h.engine.gate,
		Synthesizer: h.engine.synth,
		Store:       h.store,
		Logger:      zaptest.NewLogger(t),
	}, h.engine.config)
	require.NoError(t, err)

	resp, err := h.engine.Start(ctx, StartRequest{Message: "orders"})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, resp.Status)

	reroute := ResumeRequest{RunID: resp.RunID, Step: state.StepQualityGate,
		Data: state.ResumeData{Action: state.ActionReroute, Target: "catalog"}}

	type outcome struct {
		resp *Response
		err  error
	}
	first := make(chan outcome, 1)
	go func() {
		r, err := h.engine.Resume(ctx, reroute)
		first <- outcome{r, err}
	}()

	<-entered
	_, err = other.Resume(ctx, reroute)
	assert.ErrorIs(t, err, ErrRunNotSuspended)
	close(release)

	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, StatusCompleted, got.resp.Status)
	assert.Len(t, h.prompts["catalog"], 1)
}

func TestQualityGateResumeRefineAndDismiss(t *testing.T) {
	attempts := 0
	h := newHarness(t, func(req planner.ClassifyRequest) (*state.ExecutionPlan, error) {
		return agentPlan("docs"), nil
	}, harnessOpts{workers: map[string]func(string) (string, error){
		"docs": func(prompt string) (string, error) {
			attempts++
			if attempts == 1 {
				return "", errors.New("timeout")
			}
			return "refined: " + prompt, nil
		},
	}})
	ctx := context.Background()

	resp, err := h.engine.Start(ctx, StartRequest{Message: "orders"})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, resp.Status)

	resumed, err := h.engine.Resume(ctx, ResumeRequest{RunID: resp.RunID, Step: state.StepQualityGate,
		Data: state.ResumeData{Action: state.ActionRefine, Instructions: "only 2024"}})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Contains(t, resumed.Response, "only 2024")

	attempts = 0
	second, err := h.engine.Start(ctx, StartRequest{Message: "orders"})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, second.Status)

	dismissed, err := h.engine.Resume(ctx, ResumeRequest{RunID: second.RunID, Step: state.StepQualityGate,
		Data: state.ResumeData{Action: state.ActionDismiss}})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, dismissed.Status)
	assert.Equal(t, state.SourceDirect, h.synth.results[len(h.synth.results)-1].Source)
}

func TestResumeActionNewStartsFreshRun(t *testing.T) {
	h := newHarness(t, func(req planner.ClassifyRequest) (*state.ExecutionPlan, error) {
		if req.Message == "orders" {
			return agentPlan("docs"), nil
		}
		return &state.ExecutionPlan{Type: state.PlanSimple, Reasoning: "fresh: " + req.Message}, nil
	}, harnessOpts{workers: map[string]func(string) (string, error){
		"docs": func(string) (string, error) { return "", errors.New("down") },
	}, archive: true})
	ctx := context.Background()

	resp, err := h.engine.Start(ctx, StartRequest{UserID: "u1", Message: "orders"})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, resp.Status)

	fresh, err := h.engine.Resume(ctx, ResumeRequest{RunID: resp.RunID, UserID: "u1", Step: state.StepQualityGate,
		Data: state.ResumeData{Action: state.ActionNew, UserAnswer: "something else"}})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, fresh.Status)
	assert.NotEqual(t, resp.RunID, fresh.RunID)
	assert.Equal(t, "final: fresh: something else", fresh.Response)

	old, err := h.engine.Get(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusCompleted, old.Status)
}

func TestResumeUnknownRunAndOwner(t *testing.T) {
	h := newHarness(t, func(req planner.ClassifyRequest) (*state.ExecutionPlan, error) {
		return &state.ExecutionPlan{Type: state.PlanClarify, ClarifyQuestion: "?"}, nil
	}, harnessOpts{})
	ctx := context.Background()

	_, err := h.engine.Resume(ctx, ResumeRequest{RunID: "missing", Step: state.StepClassify})
	assert.ErrorIs(t, err, runstore.ErrRunNotFound)

	resp, err := h.engine.Start(ctx, StartRequest{UserID: "owner", Message: "m"})
	require.NoError(t, err)
	_, err = h.engine.Resume(ctx, ResumeRequest{RunID: resp.RunID, UserID: "intruder", Step: state.StepClassify,
		Data: state.ResumeData{UserAnswer: "x"}})
	assert.ErrorIs(t, err, runstore.ErrRunNotFound)
}

func TestClassifierFailureFailsRun(t *testing.T) {
	h := newHarness(t, func(req planner.ClassifyRequest) (*state.ExecutionPlan, error) {
		return nil, errors.New("llm unreachable")
	}, harnessOpts{})

	resp, err := h.engine.Start(context.Background(), StartRequest{Message: "m"})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Error, "llm unreachable")

	run, err := h.engine.Get(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, state.RunStatusFailed, run.Status)
}

func TestSynthesisFailureFailsRun(t *testing.T) {
	h := newHarness(t, func(req planner.ClassifyRequest) (*state.ExecutionPlan, error) {
		return &state.ExecutionPlan{Type: state.PlanSimple, Reasoning: "hi"}, nil
	}, harnessOpts{})
	h.synth.err = errors.New("synth down")

	resp, err := h.engine.Start(context.Background(), StartRequest{Message: "m"})
	require.Error(t, err)
	assert.Equal(t, StatusError, resp.Status)
}
