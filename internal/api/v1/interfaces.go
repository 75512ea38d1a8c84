package v1

import (
	"context"

	"github.com/gosuda/auditwatch/internal/backend"
	"github.com/gosuda/auditwatch/internal/session"
	"github.com/gosuda/auditwatch/internal/state"
)

// Watcher abstracts the watched-task session for handler testing.
// *session.Watcher satisfies this interface.
type Watcher interface {
	State() state.State
	Cursor() uint64
	Select(taskID string)
	Connect() error
	Disconnect() error
	ResetConnection() error
	Dispatch(actions ...state.Action) error
	Lag(ctx context.Context) (session.Lag, error)
	StartAudit(ctx context.Context, req backend.StartRequest, watch bool) (backend.StartResponse, error)
	Pause(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) error
}
