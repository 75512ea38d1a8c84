// Package reconcile re-fetches authoritative task state to correct whatever
// the live stream missed.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/auditwatch/internal/backend"
	"github.com/gosuda/auditwatch/internal/clock"
	"github.com/gosuda/auditwatch/internal/domain"
	"github.com/gosuda/auditwatch/internal/state"
)

const DefaultInterval = 5 * time.Second

type Fetcher interface {
	Status(ctx context.Context, taskID string) (domain.TaskSnapshot, error)
	Findings(ctx context.Context, taskID string) ([]domain.Finding, error)
	AgentTree(ctx context.Context, rootID string) ([]domain.AgentNode, error)
}

type Dispatcher interface {
	State() state.State
	DispatchFor(taskID string, actions ...state.Action) bool
}

type Options struct {
	Interval  time.Duration
	AgentRoot string
	Clock     clock.Clock
	// OnTerminal runs after the final reconciliation for each terminal status
	// the backend confirms. It always receives a terminal snapshot.
	OnTerminal func(domain.TaskSnapshot)
}

// Reconciler polls the status endpoint while the task is pending or running
// and performs one final fetch of status, findings and agents per terminal
// status it observes.
type Reconciler struct {
	fetch  Fetcher
	store  Dispatcher
	taskID string
	opts   Options

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	timer      clock.Timer
	polling    bool
	finalizing bool
	// finalized is the last terminal status the backend confirmed.
	finalized domain.TaskStatus
}

func New(fetch Fetcher, store Dispatcher, taskID string, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	return &Reconciler{fetch: fetch, store: store, taskID: taskID, opts: opts}
}

// Start runs the first poll in the background. Calling Start twice is a no-op.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.ctx != nil {
		r.mu.Unlock()
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	go r.poll()
}

// Stop cancels in-flight fetches and the pending poll.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Refresh polls now instead of waiting for the next tick.
func (r *Reconciler) Refresh() {
	r.mu.Lock()
	if r.ctx == nil || r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	go r.poll()
}

// Observe reacts to a status change seen in the store: it resumes polling for
// active statuses and finalizes terminal ones.
func (r *Reconciler) Observe(status domain.TaskStatus) {
	switch {
	case status.IsTerminal():
		r.finalize(status)
	case status.IsActive():
		r.mu.Lock()
		r.finalized = ""
		if r.ctx != nil && r.ctx.Err() == nil && r.timer == nil {
			r.scheduleLocked()
		}
		r.mu.Unlock()
	}
}

func (r *Reconciler) scheduleLocked() {
	r.timer = r.opts.Clock.AfterFunc(r.opts.Interval, r.poll)
}

func (r *Reconciler) poll() {
	r.mu.Lock()
	ctx := r.ctx
	if ctx == nil || ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	if r.polling {
		// The running poll reschedules when it finishes.
		r.timer = nil
		r.mu.Unlock()
		return
	}
	r.polling = true
	r.timer = nil
	r.mu.Unlock()

	status := r.pollOnce(ctx)

	r.mu.Lock()
	r.polling = false
	if status.IsActive() {
		r.finalized = ""
		if ctx.Err() == nil && r.timer == nil {
			r.scheduleLocked()
		}
	}
	r.mu.Unlock()

	if status.IsTerminal() {
		r.finalize(status)
	}
}

func (r *Reconciler) pollOnce(ctx context.Context) domain.TaskStatus {
	known := r.store.State().Task
	snap, err := r.fetch.Status(ctx, r.taskID)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("task_id", r.taskID).Msg("status poll failed")
		}
		return known.Status
	}

	// A snapshot that never came from the status endpoint has no UpdatedAt.
	if snap.Status != known.Status || known.UpdatedAt.IsZero() {
		r.store.DispatchFor(r.taskID, state.ReplaceTask{Task: snap})
		log.Debug().Str("task_id", r.taskID).Str("status", string(snap.Status)).Msg("task status reconciled")
	}
	return snap.Status
}

func (r *Reconciler) finalize(status domain.TaskStatus) {
	r.mu.Lock()
	ctx := r.ctx
	if ctx == nil || ctx.Err() != nil || r.finalized == status || r.finalizing {
		r.mu.Unlock()
		return
	}
	r.finalizing = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	snap, confirmed := r.finalizeOnce(ctx, status)

	r.mu.Lock()
	r.finalizing = false
	if confirmed {
		r.finalized = snap.Status
	} else if ctx.Err() == nil && r.timer == nil {
		// The backend has not caught up with the stream yet.
		r.scheduleLocked()
	}
	finalized := r.finalized
	r.mu.Unlock()

	if !confirmed {
		return
	}
	if r.opts.OnTerminal != nil {
		r.opts.OnTerminal(snap)
	}
	// A different terminal status may have landed while the fetches ran.
	if cur := r.store.State().Task.Status; cur.IsTerminal() && cur != finalized {
		r.finalize(cur)
	}
}

// finalizeOnce fetches status, findings and agents. It reports false when the
// backend still considers the task active or cannot be reached.
func (r *Reconciler) finalizeOnce(ctx context.Context, trigger domain.TaskStatus) (domain.TaskSnapshot, bool) {
	logger := log.With().Str("task_id", r.taskID).Str("trigger", string(trigger)).Logger()

	snap, err := r.fetch.Status(ctx, r.taskID)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn().Err(err).Msg("final status fetch failed")
		}
		return snap, false
	}
	if !snap.Status.IsTerminal() {
		logger.Debug().Str("status", string(snap.Status)).Msg("terminal status not confirmed by backend")
		r.store.DispatchFor(r.taskID, state.ReplaceTask{Task: snap})
		return snap, false
	}
	logger = logger.With().Str("status", string(snap.Status)).Logger()

	actions := []state.Action{state.ReplaceTask{Task: snap}}

	findings, err := r.fetch.Findings(ctx, r.taskID)
	switch {
	case err == nil:
		actions = append(actions, state.SetFindings{Findings: findings})
	case backend.IsNotFound(err):
		logger.Debug().Msg("task has no result yet")
	default:
		logger.Warn().Err(err).Msg("final findings fetch failed")
	}

	roots, err := r.fetch.AgentTree(ctx, r.opts.AgentRoot)
	if err != nil {
		logger.Warn().Err(err).Msg("final agent tree fetch failed")
	} else {
		actions = append(actions, state.SetAgents{Roots: roots})
	}

	if ctx.Err() != nil || !r.store.DispatchFor(r.taskID, actions...) {
		return snap, false
	}
	logger.Info().Int("findings", len(findings)).Msg("final reconciliation done")
	return snap, true
}
