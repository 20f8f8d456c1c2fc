package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/miridih-ejkim/mmiai/internal/agents"
	"github.com/miridih-ejkim/mmiai/internal/gate"
	"github.com/miridih-ejkim/mmiai/internal/planner"
	"github.com/miridih-ejkim/mmiai/internal/pool"
	"github.com/miridih-ejkim/mmiai/internal/state"
)

type toolCall struct {
	id, name, args string
}

type scriptedReply struct {
	content   string
	toolCalls []toolCall
}

// fakeOpenAI serves chat completions from a script and records request bodies
type fakeOpenAI struct {
	t        *testing.T
	mu       sync.Mutex
	replies  []scriptedReply
	requests []map[string]interface{}
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	var req map[string]interface{}
	require.NoError(f.t, json.Unmarshal(body, &req))

	f.mu.Lock()
	f.requests = append(f.requests, req)
	var reply scriptedReply
	if len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	}
	f.mu.Unlock()

	message := map[string]interface{}{"role": "assistant", "content": reply.content}
	finish := "stop"
	if len(reply.toolCalls) > 0 {
		calls := make([]map[string]interface{}, len(reply.toolCalls))
		for i, tc := range reply.toolCalls {
			calls[i] = map[string]interface{}{
				"id":       tc.id,
				"type":     "function",
				"function": map[string]interface{}{"name": tc.name, "arguments": tc.args},
			}
		}
		message["tool_calls"] = calls
		finish = "tool_calls"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   "gpt-4o-mini",
		"choices": []map[string]interface{}{{
			"index":         0,
			"finish_reason": finish,
			"message":       message,
		}},
		"usage": map[string]interface{}{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
}

func newTestClient(t *testing.T, replies ...scriptedReply) (*Client, *fakeOpenAI) {
	t.Helper()
	fake := &fakeOpenAI{t: t, replies: replies}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/", Model: "gpt-4o-mini"}, zaptest.NewLogger(t)), fake
}

func lastUserContent(req map[string]interface{}) string {
	msgs, _ := req["messages"].([]interface{})
	for i := len(msgs) - 1; i >= 0; i-- {
		m, _ := msgs[i].(map[string]interface{})
		if m["role"] == "user" {
			s, _ := m["content"].(string)
			return s
		}
	}
	return ""
}

func TestClassifierParsesPlan(t *testing.T) {
	client, fake := newTestClient(t, scriptedReply{content: "Here is the plan:\n```json\n" + `{
		"type": "Agent",
		"targets": ["docs", "catalog"],
		"execution_mode": "sequential",
		"queries": {
			"docs": "find the orders design doc",
			"catalog": {"query": "list order tables", "goal": "map design doc to tables", "context_hint": "table names"}
		},
		"reasoning": "needs both"
	}` + "\n```"})

	plan, err := NewClassifier(client).Classify(context.Background(), planner.ClassifyRequest{
		Message:          "where are orders stored?",
		Workers:          []agents.Descriptor{{ID: "docs", Name: "Docs", Description: "document search"}},
		PreviousFeedback: "too vague",
	})
	require.NoError(t, err)
	assert.Equal(t, state.PlanAgent, plan.Type)
	assert.Equal(t, []string{"docs", "catalog"}, plan.Targets)
	assert.Equal(t, state.ModeSequential, plan.ExecutionMode)
	assert.Equal(t, "find the orders design doc", plan.Queries["docs"].Query)
	assert.Equal(t, "table names", plan.Queries["catalog"].ContextHint)

	require.Len(t, fake.requests, 1)
	user := lastUserContent(fake.requests[0])
	assert.Contains(t, user, "docs (Docs): document search")
	assert.Contains(t, user, "too vague")
	assert.Contains(t, user, "where are orders stored?")
}

func TestClassifierRejectsNonJSON(t *testing.T) {
	client, _ := newTestClient(t, scriptedReply{content: "I cannot help with that"})
	_, err := NewClassifier(client).Classify(context.Background(), planner.ClassifyRequest{Message: "hi"})
	assert.Error(t, err)
}

func TestClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()
	client := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/"}, zaptest.NewLogger(t))

	_, err := NewClassifier(client).Classify(context.Background(), planner.ClassifyRequest{Message: "hi"})
	assert.Error(t, err)
}

func TestParseScore(t *testing.T) {
	score, reason, err := parseScore(`{"score": 0.4, "reason": "misses totals"}`)
	require.NoError(t, err)
	assert.Equal(t, 0.4, score)
	assert.Equal(t, "misses totals", reason)

	score, _, err = parseScore(`{"score": 8, "reason": "ok"}`)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, score, 1e-9)

	score, _, err = parseScore("7/10, decent")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, score, 1e-9)

	_, _, err = parseScore("no idea")
	assert.Error(t, err)
}

func TestScorer(t *testing.T) {
	client, fake := newTestClient(t, scriptedReply{content: `{"score": 0.9, "reason": "complete"}`})
	score, reason, err := NewScorer(client).Score(context.Background(), "sum totals", "total is 42", "catalog")
	require.NoError(t, err)
	assert.Equal(t, 0.9, score)
	assert.Equal(t, "complete", reason)
	assert.Contains(t, lastUserContent(fake.requests[0]), "Result from catalog")
}

func TestSuggester(t *testing.T) {
	client, _ := newTestClient(t, scriptedReply{content: `{"suggestions": [
		{"action": "refine", "label": "narrow to 2024", "query": "orders in 2024"},
		{"action": "reroute", "label": "ask docs", "target": "docs"}
	]}`})
	got, err := NewSuggester(client).Suggest(context.Background(), gate.SuggestRequest{
		Message: "orders", Excerpt: "partial", Source: "catalog", Score: 0.3, AvailableWorkers: []string{"docs"},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, state.SuggestReroute, got[1].Action)
	assert.Equal(t, "docs", got[1].Target)
}

func TestSynthesizer(t *testing.T) {
	client, fake := newTestClient(t, scriptedReply{content: "Orders live in sales.orders."})
	s := NewSynthesizer(client)

	out, err := s.Synthesize(context.Background(), "hi", state.AgentResult{Source: state.SourceDirect, Content: "Hello!", Success: true})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", out)
	assert.Empty(t, fake.requests)

	out, err = s.Synthesize(context.Background(), "where are orders?", state.AgentResult{Source: "catalog", Content: "sales.orders", Success: true})
	require.NoError(t, err)
	assert.Equal(t, "Orders live in sales.orders.", out)
}

type recordingHandle struct {
	mu    sync.Mutex
	calls []string
	args  []map[string]interface{}
}

func (h *recordingHandle) ServiceID() string { return "catalog" }
func (h *recordingHandle) Tools() []pool.Tool {
	return []pool.Tool{{
		Name:        "search_datasets",
		Description: "search the catalog",
		InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{"query": map[string]interface{}{"type": "string"}}},
	}}
}
func (h *recordingHandle) Call(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, name)
	h.args = append(h.args, args)
	return "found sales.orders", nil
}
func (h *recordingHandle) Close() error { return nil }

func TestWorkerExecutorToolLoop(t *testing.T) {
	client, fake := newTestClient(t,
		scriptedReply{toolCalls: []toolCall{{id: "call_1", name: "search_datasets", args: `{"query":"orders"}`}}},
		scriptedReply{content: "The orders table is sales.orders."},
	)
	handle := &recordingHandle{}

	out, err := NewWorkerExecutor(client, "You search the data catalog.", 0).Execute(context.Background(), "find orders", handle)
	require.NoError(t, err)
	assert.Equal(t, "The orders table is sales.orders.", out)
	assert.Equal(t, []string{"search_datasets"}, handle.calls)
	assert.Equal(t, "orders", handle.args[0]["query"])

	require.Len(t, fake.requests, 2)
	tools, _ := fake.requests[0]["tools"].([]interface{})
	require.Len(t, tools, 1)

	// second request carries the assistant tool call and the tool result
	msgs, _ := fake.requests[1]["messages"].([]interface{})
	require.Len(t, msgs, 4)
	toolMsg, _ := msgs[3].(map[string]interface{})
	assert.Equal(t, "tool", toolMsg["role"])
	assert.Equal(t, "call_1", toolMsg["tool_call_id"])
	assert.Equal(t, "found sales.orders", toolMsg["content"])
}

func TestWorkerExecutorWithoutTools(t *testing.T) {
	client, fake := newTestClient(t, scriptedReply{content: "answer without tools"})

	out, err := NewWorkerExecutor(client, "sys", 3).Execute(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "answer without tools", out)
	_, hasTools := fake.requests[0]["tools"]
	assert.False(t, hasTools)
}

func TestWorkerExecutorTurnLimit(t *testing.T) {
	loop := scriptedReply{toolCalls: []toolCall{{id: "c", name: "search_datasets", args: `{}`}}}
	client, fake := newTestClient(t, loop, loop, scriptedReply{content: "best effort"})
	handle := &recordingHandle{}

	out, err := NewWorkerExecutor(client, "sys", 2).Execute(context.Background(), "q", handle)
	require.NoError(t, err)
	assert.Equal(t, "best effort", out)
	assert.Len(t, handle.calls, 2)
	require.Len(t, fake.requests, 3)
	_, hasTools := fake.requests[2]["tools"]
	assert.False(t, hasTools)
}
