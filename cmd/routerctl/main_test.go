package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miridih-ejkim/mmiai/internal/state"
	"github.com/miridih-ejkim/mmiai/internal/workflow"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestStartCommand(t *testing.T) {
	var got workflow.StartRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/runs/start", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"status":"completed","run_id":"r1","response":"Hello!"}`))
	}))
	defer srv.Close()

	out, err := execute(t, "start", "--server", srv.URL, "--user", "alice", "find", "docs")
	require.NoError(t, err)
	assert.Equal(t, workflow.StartRequest{UserID: "alice", Message: "find docs"}, got)
	assert.Contains(t, out, `"run_id": "r1"`)
}

func TestHealthCommandServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","error":"boom"}`))
	}))
	defer srv.Close()

	out, err := execute(t, "health", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, out, `"error": "boom"`)
}

func TestResumeRequest(t *testing.T) {
	reset := func() {
		rsRunID, rsStep, rsAnswer, rsAction, rsText, rsTarget, userID = "r1", "", "", "", "", "", ""
		rsPlan, rsSuggestion = -1, -1
	}

	t.Run("selected plan", func(t *testing.T) {
		reset()
		rsStep, rsPlan = "classify", 1
		req, err := resumeRequest()
		require.NoError(t, err)
		assert.Equal(t, state.StepClassify, req.Step)
		require.NotNil(t, req.Data.SelectedPlan)
		assert.Equal(t, 1, *req.Data.SelectedPlan)
		assert.Nil(t, req.Data.SuggestionIndex)
	})

	t.Run("refine", func(t *testing.T) {
		reset()
		rsStep, rsAction, rsText = "quality-gate", "refine", "only 2024"
		req, err := resumeRequest()
		require.NoError(t, err)
		assert.Equal(t, state.ActionRefine, req.Data.Action)
		assert.Equal(t, "only 2024", req.Data.Instructions)
		assert.Nil(t, req.Data.SelectedPlan)
	})

	t.Run("gate step needs an action", func(t *testing.T) {
		reset()
		rsStep = "quality-gate"
		_, err := resumeRequest()
		assert.Error(t, err)
	})

	t.Run("classify step rejects an action", func(t *testing.T) {
		reset()
		rsStep, rsAction = "classify", "dismiss"
		_, err := resumeRequest()
		assert.Error(t, err)
	})

	t.Run("unknown step", func(t *testing.T) {
		reset()
		rsStep = "execute"
		_, err := resumeRequest()
		assert.Error(t, err)
	})
}
