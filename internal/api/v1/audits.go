package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/auditwatch/internal/backend"
)

type StartAuditInput struct {
	Body struct {
		ProjectID   string         `json:"project_id" minLength:"1" doc:"Project to audit"`
		AuditType   string         `json:"audit_type,omitempty" doc:"Audit type, e.g. quick or full"`
		TargetFiles []string       `json:"target_files,omitempty" doc:"Restrict the audit to these files"`
		Config      map[string]any `json:"config,omitempty" doc:"Backend-specific audit configuration"`
		Watch       bool           `json:"watch,omitempty" doc:"Start watching the new task"`
	}
}

type StartAuditOutput struct {
	Body backend.StartResponse
}

type AuditControlInput struct {
	ID string `path:"id" doc:"Audit task ID"`
}

type AuditControlOutput struct {
	Body struct {
		ID     string `json:"id"`
		Action string `json:"action"`
	}
}

func RegisterAuditRoutes(api huma.API, w Watcher) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-audit",
		Method:        http.MethodPost,
		Path:          "/audits",
		Summary:       "Start an audit on the backend",
		Tags:          []string{"Audits"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *StartAuditInput) (*StartAuditOutput, error) {
		res, err := w.StartAudit(ctx, backend.StartRequest{
			ProjectID:   input.Body.ProjectID,
			AuditType:   input.Body.AuditType,
			TargetFiles: input.Body.TargetFiles,
			Config:      input.Body.Config,
		}, input.Body.Watch)
		if err != nil {
			return nil, toHumaError(err, "failed to start audit")
		}
		return &StartAuditOutput{Body: res}, nil
	})

	registerAuditControl(api, "pause", w.Pause)
	registerAuditControl(api, "cancel", w.Cancel)
}

func registerAuditControl(api huma.API, action string, op func(ctx context.Context, taskID string) error) {
	huma.Register(api, huma.Operation{
		OperationID: action + "-audit",
		Method:      http.MethodPost,
		Path:        "/audits/{id}/" + action,
		Summary:     "Ask the backend to " + action + " an audit",
		Tags:        []string{"Audits"},
	}, func(ctx context.Context, input *AuditControlInput) (*AuditControlOutput, error) {
		if err := op(ctx, input.ID); err != nil {
			return nil, toHumaError(err, "failed to "+action+" audit")
		}
		out := &AuditControlOutput{}
		out.Body.ID = input.ID
		out.Body.Action = action
		return out, nil
	})
}
