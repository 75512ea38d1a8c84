package session

import (
	"context"
	"sync"

	"github.com/gosuda/auditwatch/internal/domain"
	"github.com/gosuda/auditwatch/internal/normalize"
	"github.com/gosuda/auditwatch/internal/reconcile"
	"github.com/gosuda/auditwatch/internal/state"
	"github.com/gosuda/auditwatch/internal/stream"
)

// run holds everything scoped to one selected task. It is discarded in full
// when another task is selected.
type run struct {
	taskID string
	ctx    context.Context
	cancel context.CancelFunc

	store      *state.Store
	normalizer *normalize.Normalizer
	publisher  Publisher
	conn       *stream.Connector
	rec        *reconcile.Reconciler
	cursor     state.Cursor

	// applyMu keeps the sequence gate and cursor advance atomic per event.
	applyMu sync.Mutex

	mu         sync.Mutex
	hold       bool
	lastStatus domain.TaskStatus
}

func (r *run) stop() {
	r.cancel()
	r.conn.Disconnect()
	r.rec.Stop()
}

func (r *run) setHold(v bool) {
	r.mu.Lock()
	r.hold = v
	r.mu.Unlock()
}

// wantsStream is the connection predicate: history is in and the task may
// still produce events.
func wantsStream(st state.State) bool {
	return st.History.Loaded && !st.Task.Status.IsTerminal()
}

// evaluate reconciles the connector and the reconciler with st.
func (r *run) evaluate(st state.State) {
	if r.ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	hold := r.hold
	statusChanged := st.Task.Status != r.lastStatus
	r.lastStatus = st.Task.Status
	r.mu.Unlock()

	conn := r.conn.Status().State
	switch {
	case !wantsStream(st):
		if conn != domain.ConnDisconnected {
			r.conn.Disconnect()
		}
	case !hold && conn == domain.ConnDisconnected:
		r.conn.Connect(r.ctx)
	}

	if statusChanged {
		r.rec.Observe(st.Task.Status)
	}
}
