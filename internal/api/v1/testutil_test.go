package v1_test

import (
	"context"

	"github.com/gosuda/auditwatch/internal/backend"
	"github.com/gosuda/auditwatch/internal/domain"
	"github.com/gosuda/auditwatch/internal/session"
	"github.com/gosuda/auditwatch/internal/state"
)

// mockWatcher keeps a real store so Dispatch flows through the reducer.
// Func fields override individual calls.
type mockWatcher struct {
	store  *state.Store
	cursor uint64

	selectFunc     func(taskID string)
	connectFunc    func() error
	disconnectFunc func() error
	resetFunc      func() error
	dispatchFunc   func(actions ...state.Action) error
	lagFunc        func(ctx context.Context) (session.Lag, error)
	startFunc      func(ctx context.Context, req backend.StartRequest, watch bool) (backend.StartResponse, error)
	pauseFunc      func(ctx context.Context, taskID string) error
	cancelFunc     func(ctx context.Context, taskID string) error
}

func newMockWatcher(taskID string, actions ...state.Action) *mockWatcher {
	store := state.NewStore(state.New(taskID, 0))
	store.Dispatch(actions...)
	return &mockWatcher{store: store}
}

func (m *mockWatcher) State() state.State { return m.store.State() }
func (m *mockWatcher) Cursor() uint64     { return m.cursor }

func (m *mockWatcher) Select(taskID string) {
	if m.selectFunc != nil {
		m.selectFunc(taskID)
		return
	}
	m.store.Dispatch(state.Reset{TaskID: taskID})
}

func (m *mockWatcher) Connect() error {
	if m.connectFunc != nil {
		return m.connectFunc()
	}
	return m.requireTask()
}

func (m *mockWatcher) Disconnect() error {
	if m.disconnectFunc != nil {
		return m.disconnectFunc()
	}
	return m.requireTask()
}

func (m *mockWatcher) ResetConnection() error {
	if m.resetFunc != nil {
		return m.resetFunc()
	}
	return m.requireTask()
}

func (m *mockWatcher) Dispatch(actions ...state.Action) error {
	if m.dispatchFunc != nil {
		return m.dispatchFunc(actions...)
	}
	if err := m.requireTask(); err != nil {
		return err
	}
	m.store.Dispatch(actions...)
	return nil
}

func (m *mockWatcher) Lag(ctx context.Context) (session.Lag, error) {
	if m.lagFunc != nil {
		return m.lagFunc(ctx)
	}
	return session.Lag{}, domain.ErrNoTask
}

func (m *mockWatcher) StartAudit(ctx context.Context, req backend.StartRequest, watch bool) (backend.StartResponse, error) {
	if m.startFunc != nil {
		return m.startFunc(ctx, req, watch)
	}
	return backend.StartResponse{}, nil
}

func (m *mockWatcher) Pause(ctx context.Context, taskID string) error {
	if m.pauseFunc != nil {
		return m.pauseFunc(ctx, taskID)
	}
	return nil
}

func (m *mockWatcher) Cancel(ctx context.Context, taskID string) error {
	if m.cancelFunc != nil {
		return m.cancelFunc(ctx, taskID)
	}
	return nil
}

func (m *mockWatcher) requireTask() error {
	if m.store.State().TaskID == "" {
		return domain.ErrNoTask
	}
	return nil
}
