package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/auditwatch/internal/domain"
	"github.com/gosuda/auditwatch/internal/session"
	"github.com/gosuda/auditwatch/internal/state"
)

type WatchSummary struct {
	TaskID     string                  `json:"task_id"`
	Status     domain.TaskStatus       `json:"status"`
	Connection domain.ConnectionStatus `json:"connection"`
	Cursor     uint64                  `json:"cursor"`
	History    state.History           `json:"history"`
	Logs       int                     `json:"logs"`
	Findings   int                     `json:"findings"`
	Agents     int                     `json:"agents"`
	Error      string                  `json:"error,omitempty"`
}

type GetWatchOutput struct {
	Body WatchSummary
}

type SelectTaskInput struct {
	Body struct {
		TaskID string `json:"task_id" maxLength:"128" doc:"Task to watch; empty stops watching"`
	}
}

type SelectTaskOutput struct {
	Body WatchSummary
}

type GetTaskOutput struct {
	Body domain.TaskSnapshot
}

type ListLogsInput struct {
	Category string `query:"category" enum:"thinking,tool,observation,finding,phase,progress,info,error,complete,system" doc:"Only entries of this category"`
	Limit    int    `query:"limit" minimum:"0" maximum:"1000" doc:"Return at most the newest N entries (0 = all)"`
}

// LogView is a log entry with its UI expansion flag.
type LogView struct {
	domain.LogEntry
	Expanded bool `json:"expanded"`
}

type ListLogsOutput struct {
	Body []LogView
}

type ToggleExpandedInput struct {
	ID string `path:"id" doc:"Log entry ID"`
}

type ToggleExpandedOutput struct {
	Body struct {
		ID       string `json:"id"`
		Expanded bool   `json:"expanded"`
	}
}

type ListFindingsInput struct {
	Severity string `query:"severity" enum:"critical,high,medium,low,info" doc:"Only findings of this severity"`
}

type ListFindingsOutput struct {
	Body []domain.Finding
}

type AgentsView struct {
	Roots    []domain.AgentNode `json:"roots"`
	Count    int                `json:"count"`
	Selected string             `json:"selected,omitempty"`
}

type ListAgentsOutput struct {
	Body AgentsView
}

type SelectAgentInput struct {
	ID string `path:"id" doc:"Agent ID"`
}

type SelectAgentOutput struct {
	Body AgentsView
}

type ConnectionOutput struct {
	Body domain.ConnectionStatus
}

type LagOutput struct {
	Body session.Lag
}

func summarize(st state.State, cursor uint64) WatchSummary {
	return WatchSummary{
		TaskID:     st.TaskID,
		Status:     st.Task.Status,
		Connection: st.Connection,
		Cursor:     cursor,
		History:    st.History,
		Logs:       len(st.Logs),
		Findings:   len(st.Findings),
		Agents:     domain.CountAgents(st.Agents),
		Error:      st.UI.Error,
	}
}

func agentsView(st state.State) AgentsView {
	roots := st.Agents
	if roots == nil {
		roots = []domain.AgentNode{}
	}
	return AgentsView{Roots: roots, Count: domain.CountAgents(st.Agents), Selected: st.UI.SelectedAgent}
}

func RegisterWatchRoutes(api huma.API, w Watcher) {
	huma.Register(api, huma.Operation{
		OperationID: "get-watch",
		Method:      http.MethodGet,
		Path:        "/watch",
		Summary:     "Summarize the watched task",
		Tags:        []string{"Watch"},
	}, func(_ context.Context, _ *struct{}) (*GetWatchOutput, error) {
		return &GetWatchOutput{Body: summarize(w.State(), w.Cursor())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-task",
		Method:      http.MethodPut,
		Path:        "/watch/task",
		Summary:     "Select the task to watch",
		Description: "Discards all state of the previously watched task and starts backfill for the new one.",
		Tags:        []string{"Watch"},
	}, func(_ context.Context, input *SelectTaskInput) (*SelectTaskOutput, error) {
		w.Select(input.Body.TaskID)
		return &SelectTaskOutput{Body: summarize(w.State(), w.Cursor())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/watch/task",
		Summary:     "Get the watched task snapshot",
		Tags:        []string{"Watch"},
	}, func(_ context.Context, _ *struct{}) (*GetTaskOutput, error) {
		st := w.State()
		if st.TaskID == "" {
			return nil, huma.Error409Conflict("no task selected")
		}
		return &GetTaskOutput{Body: st.Task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/watch/logs",
		Summary:     "List log entries of the watched task",
		Tags:        []string{"Watch"},
	}, func(_ context.Context, input *ListLogsInput) (*ListLogsOutput, error) {
		st := w.State()
		views := make([]LogView, 0, len(st.Logs))
		for _, e := range st.Logs {
			if input.Category != "" && string(e.Category) != input.Category {
				continue
			}
			views = append(views, LogView{LogEntry: e, Expanded: st.UI.Expanded[e.ID]})
		}
		if input.Limit > 0 && len(views) > input.Limit {
			views = views[len(views)-input.Limit:]
		}
		return &ListLogsOutput{Body: views}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-log-expanded",
		Method:      http.MethodPost,
		Path:        "/watch/logs/{id}/expand",
		Summary:     "Toggle the expanded flag of a log entry",
		Tags:        []string{"Watch"},
	}, func(_ context.Context, input *ToggleExpandedInput) (*ToggleExpandedOutput, error) {
		if err := w.Dispatch(state.ToggleExpanded{ID: input.ID}); err != nil {
			return nil, toHumaError(err, "failed to toggle log entry")
		}
		out := &ToggleExpandedOutput{}
		out.Body.ID = input.ID
		out.Body.Expanded = w.State().UI.Expanded[input.ID]
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-findings",
		Method:      http.MethodGet,
		Path:        "/watch/findings",
		Summary:     "List findings of the watched task",
		Tags:        []string{"Watch"},
	}, func(_ context.Context, input *ListFindingsInput) (*ListFindingsOutput, error) {
		st := w.State()
		findings := make([]domain.Finding, 0, len(st.Findings))
		for _, f := range st.Findings {
			if input.Severity != "" && string(f.Severity) != input.Severity {
				continue
			}
			findings = append(findings, f)
		}
		return &ListFindingsOutput{Body: findings}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/watch/agents",
		Summary:     "Get the agent hierarchy of the watched task",
		Tags:        []string{"Watch"},
	}, func(_ context.Context, _ *struct{}) (*ListAgentsOutput, error) {
		return &ListAgentsOutput{Body: agentsView(w.State())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-agent",
		Method:      http.MethodPost,
		Path:        "/watch/agents/{id}/select",
		Summary:     "Select an agent in the hierarchy",
		Tags:        []string{"Watch"},
	}, func(_ context.Context, input *SelectAgentInput) (*SelectAgentOutput, error) {
		if _, ok := domain.FindAgent(w.State().Agents, input.ID); !ok {
			return nil, huma.Error404NotFound("agent not found")
		}
		if err := w.Dispatch(state.SelectAgent{ID: input.ID}); err != nil {
			return nil, toHumaError(err, "failed to select agent")
		}
		return &SelectAgentOutput{Body: agentsView(w.State())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-connection",
		Method:      http.MethodGet,
		Path:        "/watch/connection",
		Summary:     "Get the stream connection state",
		Tags:        []string{"Connection"},
	}, func(_ context.Context, _ *struct{}) (*ConnectionOutput, error) {
		return &ConnectionOutput{Body: w.State().Connection}, nil
	})

	registerConnectionControl(api, "connect", "Lift a manual disconnect and attach the stream", w.Connect, w)
	registerConnectionControl(api, "disconnect", "Close the stream until connect or reset", w.Disconnect, w)
	registerConnectionControl(api, "reset", "Clear the retry count and reconnect", w.ResetConnection, w)

	huma.Register(api, huma.Operation{
		OperationID: "get-lag",
		Method:      http.MethodGet,
		Path:        "/watch/lag",
		Summary:     "Compare the applied cursor with the producer's latest sequence",
		Tags:        []string{"Connection"},
	}, func(ctx context.Context, _ *struct{}) (*LagOutput, error) {
		lag, err := w.Lag(ctx)
		if err != nil {
			return nil, toHumaError(err, "failed to fetch event stats")
		}
		return &LagOutput{Body: lag}, nil
	})
}

func registerConnectionControl(api huma.API, name, summary string, op func() error, w Watcher) {
	huma.Register(api, huma.Operation{
		OperationID: name + "-stream",
		Method:      http.MethodPost,
		Path:        "/watch/" + name,
		Summary:     summary,
		Tags:        []string{"Connection"},
	}, func(_ context.Context, _ *struct{}) (*ConnectionOutput, error) {
		if err := op(); err != nil {
			return nil, toHumaError(err, "failed to "+name)
		}
		return &ConnectionOutput{Body: w.State().Connection}, nil
	})
}
