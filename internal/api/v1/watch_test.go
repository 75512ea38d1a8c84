package v1_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/gosuda/auditwatch/internal/api/v1"
	"github.com/gosuda/auditwatch/internal/domain"
	"github.com/gosuda/auditwatch/internal/session"
	"github.com/gosuda/auditwatch/internal/state"
)

func logEntry(id string, cat domain.Category, seq uint64) domain.LogEntry {
	return domain.LogEntry{ID: id, Category: cat, EventType: string(cat), Content: id, Sequence: seq}
}

func sampleAgents() []domain.AgentNode {
	return []domain.AgentNode{{
		ID:   "orchestrator",
		Name: "Orchestrator",
		Children: []domain.AgentNode{
			{ID: "recon", Name: "Recon", ParentID: "orchestrator"},
			{ID: "analysis", Name: "Analysis", ParentID: "orchestrator"},
		},
	}}
}

// ---------------------------------------------------------------------------
// GET /watch, PUT /watch/task, GET /watch/task
// ---------------------------------------------------------------------------

func TestGetWatch(t *testing.T) {
	t.Parallel()

	_, api := humatest.New(t)
	w := newMockWatcher("task-1",
		state.AppendLog{Entry: logEntry("a", domain.CategoryThinking, 1)},
		state.AppendLog{Entry: logEntry("b", domain.CategoryTool, 2)},
		state.AddFinding{Finding: domain.Finding{ID: "f1", Severity: domain.SeverityHigh}},
		state.SetAgents{Roots: sampleAgents()},
		state.SetHistoryLoaded{Count: 2},
		state.PatchTask{Patch: domain.TaskPatch{Status: ptr(domain.TaskStatusRunning)}},
		state.SetError{Message: "boom"},
	)
	w.cursor = 2
	v1.RegisterWatchRoutes(api, w)

	resp := api.Get("/watch")
	require.Equal(t, http.StatusOK, resp.Code)

	var body v1.WatchSummary
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "task-1", body.TaskID)
	assert.Equal(t, domain.TaskStatusRunning, body.Status)
	assert.Equal(t, uint64(2), body.Cursor)
	assert.True(t, body.History.Loaded)
	assert.Equal(t, 2, body.History.Count)
	assert.Equal(t, 2, body.Logs)
	assert.Equal(t, 1, body.Findings)
	assert.Equal(t, 3, body.Agents)
	assert.Equal(t, "boom", body.Error)
	assert.Equal(t, domain.ConnDisconnected, body.Connection.State)
}

func TestSelectTask(t *testing.T) {
	t.Parallel()

	_, api := humatest.New(t)
	w := newMockWatcher("old", state.AppendLog{Entry: logEntry("a", domain.CategoryInfo, 1)})
	var selected []string
	w.selectFunc = func(taskID string) {
		selected = append(selected, taskID)
		w.store.Dispatch(state.Reset{TaskID: taskID})
	}
	v1.RegisterWatchRoutes(api, w)

	resp := api.Put("/watch/task", map[string]any{"task_id": "new"})
	require.Equal(t, http.StatusOK, resp.Code)

	var body v1.WatchSummary
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, []string{"new"}, selected)
	assert.Equal(t, "new", body.TaskID)
	assert.Zero(t, body.Logs)
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	t.Run("selected", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		w := newMockWatcher("task-1", state.PatchTask{Patch: domain.TaskPatch{Status: ptr(domain.TaskStatusPaused)}})
		v1.RegisterWatchRoutes(api, w)

		resp := api.Get("/watch/task")
		require.Equal(t, http.StatusOK, resp.Code)

		var body domain.TaskSnapshot
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, "task-1", body.ID)
		assert.Equal(t, domain.TaskStatusPaused, body.Status)
	})

	t.Run("no_task", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		v1.RegisterWatchRoutes(api, newMockWatcher(""))

		resp := api.Get("/watch/task")
		assert.Equal(t, http.StatusConflict, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// GET /watch/logs, POST /watch/logs/{id}/expand
// ---------------------------------------------------------------------------

func TestListLogs(t *testing.T) {
	t.Parallel()

	seed := []state.Action{
		state.AppendLog{Entry: logEntry("a", domain.CategoryThinking, 1)},
		state.AppendLog{Entry: logEntry("b", domain.CategoryTool, 2)},
		state.AppendLog{Entry: logEntry("c", domain.CategoryThinking, 3)},
		state.AppendLog{Entry: logEntry("d", domain.CategoryError, 4)},
		state.ToggleExpanded{ID: "c"},
	}

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{name: "all", query: "", want: []string{"a", "b", "c", "d"}},
		{name: "category", query: "?category=thinking", want: []string{"a", "c"}},
		{name: "newest", query: "?limit=2", want: []string{"c", "d"}},
		{name: "category_and_limit", query: "?category=thinking&limit=1", want: []string{"c"}},
		{name: "empty_category", query: "?category=phase", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, api := humatest.New(t)
			v1.RegisterWatchRoutes(api, newMockWatcher("task-1", seed...))

			resp := api.Get("/watch/logs" + tt.query)
			require.Equal(t, http.StatusOK, resp.Code)

			var body []v1.LogView
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
			ids := make([]string, 0, len(body))
			for _, v := range body {
				ids = append(ids, v.ID)
				assert.Equal(t, v.ID == "c", v.Expanded, "expanded flag of %s", v.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	t.Run("unknown_category", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		v1.RegisterWatchRoutes(api, newMockWatcher("task-1", seed...))

		resp := api.Get("/watch/logs?category=gossip")
		assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	})
}

func TestToggleExpanded(t *testing.T) {
	t.Parallel()

	t.Run("toggles", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		w := newMockWatcher("task-1", state.AppendLog{Entry: logEntry("a", domain.CategoryTool, 1)})
		v1.RegisterWatchRoutes(api, w)

		for _, want := range []bool{true, false} {
			resp := api.Post("/watch/logs/a/expand")
			require.Equal(t, http.StatusOK, resp.Code)

			var body struct {
				ID       string `json:"id"`
				Expanded bool   `json:"expanded"`
			}
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
			assert.Equal(t, "a", body.ID)
			assert.Equal(t, want, body.Expanded)
		}
	})

	t.Run("no_task", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		v1.RegisterWatchRoutes(api, newMockWatcher(""))

		resp := api.Post("/watch/logs/a/expand")
		assert.Equal(t, http.StatusConflict, resp.Code)
	})
}

// ---------------------------------------------------------------------------
// GET /watch/findings
// ---------------------------------------------------------------------------

func TestListFindings(t *testing.T) {
	t.Parallel()

	_, api := humatest.New(t)
	w := newMockWatcher("task-1",
		state.AddFinding{Finding: domain.Finding{ID: "f1", Title: "SQLi", Severity: domain.SeverityCritical}},
		state.AddFinding{Finding: domain.Finding{ID: "f2", Title: "XSS", Severity: domain.SeverityMedium}},
	)
	v1.RegisterWatchRoutes(api, w)

	resp := api.Get("/watch/findings")
	require.Equal(t, http.StatusOK, resp.Code)
	var all []domain.Finding
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &all))
	assert.Len(t, all, 2)

	resp = api.Get("/watch/findings?severity=critical")
	require.Equal(t, http.StatusOK, resp.Code)
	var critical []domain.Finding
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &critical))
	require.Len(t, critical, 1)
	assert.Equal(t, "SQLi", critical[0].Title)
}

// ---------------------------------------------------------------------------
// GET /watch/agents, POST /watch/agents/{id}/select
// ---------------------------------------------------------------------------

func TestAgents(t *testing.T) {
	t.Parallel()

	t.Run("empty_tree", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		v1.RegisterWatchRoutes(api, newMockWatcher("task-1"))

		resp := api.Get("/watch/agents")
		require.Equal(t, http.StatusOK, resp.Code)

		var body v1.AgentsView
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.NotNil(t, body.Roots)
		assert.Empty(t, body.Roots)
		assert.Zero(t, body.Count)
		assert.Empty(t, body.Selected)
	})

	t.Run("select_nested", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		w := newMockWatcher("task-1", state.SetAgents{Roots: sampleAgents()})
		v1.RegisterWatchRoutes(api, w)

		resp := api.Post("/watch/agents/analysis/select")
		require.Equal(t, http.StatusOK, resp.Code)

		var body v1.AgentsView
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, "analysis", body.Selected)
		assert.Equal(t, 3, body.Count)
		assert.Equal(t, "analysis", w.State().UI.SelectedAgent)
	})

	t.Run("unknown_agent", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		w := newMockWatcher("task-1", state.SetAgents{Roots: sampleAgents()})
		v1.RegisterWatchRoutes(api, w)

		resp := api.Post("/watch/agents/ghost/select")
		assert.Equal(t, http.StatusNotFound, resp.Code)
		assert.Empty(t, w.State().UI.SelectedAgent)
	})
}

// ---------------------------------------------------------------------------
// Connection controls
// ---------------------------------------------------------------------------

func TestConnectionControls(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		err      error
		wantCode int
	}{
		{name: "connect", path: "/watch/connect", wantCode: http.StatusOK},
		{name: "disconnect", path: "/watch/disconnect", wantCode: http.StatusOK},
		{name: "reset", path: "/watch/reset", wantCode: http.StatusOK},
		{name: "connect_no_task", path: "/watch/connect", err: domain.ErrNoTask, wantCode: http.StatusConflict},
		{name: "reset_failure", path: "/watch/reset", err: fmt.Errorf("boom"), wantCode: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, api := humatest.New(t)
			w := newMockWatcher("task-1")
			var called []string
			op := func(name string) func() error {
				return func() error {
					called = append(called, name)
					if tt.err != nil {
						return tt.err
					}
					w.store.Dispatch(state.SetConnection{Status: domain.ConnectionStatus{State: domain.ConnConnecting}})
					return nil
				}
			}
			w.connectFunc = op("/watch/connect")
			w.disconnectFunc = op("/watch/disconnect")
			w.resetFunc = op("/watch/reset")
			v1.RegisterWatchRoutes(api, w)

			resp := api.Post(tt.path)
			require.Equal(t, tt.wantCode, resp.Code)
			assert.Equal(t, []string{tt.path}, called)

			if tt.wantCode == http.StatusOK {
				var body domain.ConnectionStatus
				require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
				assert.Equal(t, domain.ConnConnecting, body.State)
			}
		})
	}

	t.Run("get_connection", func(t *testing.T) {
		t.Parallel()

		_, api := humatest.New(t)
		w := newMockWatcher("task-1", state.SetConnection{Status: domain.ConnectionStatus{
			State: domain.ConnReconnecting, Attempt: 2, LastError: "heartbeat timeout",
		}})
		v1.RegisterWatchRoutes(api, w)

		resp := api.Get("/watch/connection")
		require.Equal(t, http.StatusOK, resp.Code)

		var body domain.ConnectionStatus
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
		assert.Equal(t, domain.ConnectionStatus{State: domain.ConnReconnecting, Attempt: 2, LastError: "heartbeat timeout"}, body)
	})
}

// ---------------------------------------------------------------------------
// GET /watch/lag
// ---------------------------------------------------------------------------

func TestLag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		lag      session.Lag
		err      error
		wantCode int
	}{
		{name: "ok", lag: session.Lag{TaskID: "task-1", LatestSequence: 40, Cursor: 25, Behind: 15}, wantCode: http.StatusOK},
		{name: "no_task", err: domain.ErrNoTask, wantCode: http.StatusConflict},
		{name: "task_not_found", err: fmt.Errorf("stats: %w", domain.ErrNotFound), wantCode: http.StatusNotFound},
		{name: "backend_failure", err: fmt.Errorf("stats: %w", domain.ErrUnexpectedStatus), wantCode: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, api := humatest.New(t)
			w := newMockWatcher("task-1")
			w.lagFunc = func(context.Context) (session.Lag, error) {
				return tt.lag, tt.err
			}
			v1.RegisterWatchRoutes(api, w)

			resp := api.Get("/watch/lag")
			require.Equal(t, tt.wantCode, resp.Code)
			if tt.err == nil {
				var body session.Lag
				require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
				assert.Equal(t, tt.lag, body)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }
