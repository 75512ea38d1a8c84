// Package session wires the normalizer, backfill loader, stream connector and
// reconciler around one watched task at a time.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/auditwatch/internal/backend"
	"github.com/gosuda/auditwatch/internal/backfill"
	"github.com/gosuda/auditwatch/internal/clock"
	"github.com/gosuda/auditwatch/internal/domain"
	"github.com/gosuda/auditwatch/internal/normalize"
	"github.com/gosuda/auditwatch/internal/reconcile"
	"github.com/gosuda/auditwatch/internal/state"
	"github.com/gosuda/auditwatch/internal/stream"
)

// Publisher fans applied log entries out to other consumers.
type Publisher interface {
	PublishLog(ctx context.Context, taskID string, entry domain.LogEntry) error
}

// Notifier is told once per terminal status a watched task reaches.
type Notifier interface {
	NotifyTerminal(ctx context.Context, task domain.TaskSnapshot) error
}

type Options struct {
	Heartbeat    time.Duration
	Backoff      stream.Backoff
	MaxAttempts  int
	History      backfill.Options
	PollInterval time.Duration
	AgentRoot    string
	MaxLogs      int
	Clock        clock.Clock
	Publisher    Publisher
	Notifier     Notifier
}

// Lag is how far the applied cursor trails the producer.
type Lag struct {
	TaskID         string `json:"task_id"`
	LatestSequence uint64 `json:"latest_sequence"`
	Cursor         uint64 `json:"cursor"`
	Behind         uint64 `json:"behind"`
}

// Watcher owns the state store and the producers feeding it for the
// currently selected task.
type Watcher struct {
	client  *backend.Client
	opts    Options
	store   *state.Store
	loader  *backfill.Loader
	counter *normalize.Counter

	base   context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	run *run
}

func New(client *backend.Client, opts Options) *Watcher {
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Watcher{
		client:  client,
		opts:    opts,
		store:   state.NewStore(state.New("", opts.MaxLogs)),
		loader:  backfill.NewLoader(client, opts.History),
		counter: &normalize.Counter{},
		base:    base,
		cancel:  cancel,
	}
}

// Run re-evaluates the connection predicate after every state change until
// ctx is done, then stops the current task.
func (w *Watcher) Run(ctx context.Context) error {
	ch, unsubscribe := w.store.Subscribe()
	defer unsubscribe()

	w.reevaluate()
	for {
		select {
		case <-ctx.Done():
			w.Close()
			return nil
		case <-ch:
			w.reevaluate()
		}
	}
}

// Close stops the current task's producers.
func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.run != nil {
		w.run.stop()
	}
	w.cancel()
}

func (w *Watcher) Store() *state.Store {
	return w.store
}

func (w *Watcher) State() state.State {
	return w.store.State()
}

// Select switches to taskID, discarding all state of the previous task.
// Selecting the current task again is a no-op; an empty id stops watching.
func (w *Watcher) Select(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.run != nil {
		if w.run.taskID == taskID {
			return
		}
		w.run.stop()
		w.loader.Forget(w.run.taskID)
		w.run = nil
	}

	w.store.Dispatch(state.Reset{TaskID: taskID})
	if taskID == "" {
		return
	}

	r := w.newRun(taskID)
	w.run = r
	log.Info().Str("task_id", taskID).Msg("watching task")

	go func() {
		_, _ = w.loader.LoadOnce(r.ctx, taskID, r)
	}()
}

func (w *Watcher) current() (*run, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.run == nil {
		return nil, domain.ErrNoTask
	}
	return w.run, nil
}

// Connect lifts a manual disconnect. The stream attaches once history is
// loaded and only while the task is not terminal.
func (w *Watcher) Connect() error {
	r, err := w.current()
	if err != nil {
		return fmt.Errorf("session.Watcher.Connect: %w", err)
	}
	r.setHold(false)
	r.evaluate(w.store.State())
	return nil
}

// Disconnect closes the stream and keeps it closed until Connect or
// ResetConnection.
func (w *Watcher) Disconnect() error {
	r, err := w.current()
	if err != nil {
		return fmt.Errorf("session.Watcher.Disconnect: %w", err)
	}
	r.setHold(true)
	r.conn.Disconnect()
	return nil
}

// ResetConnection clears the attempt count, including after the connector
// gave up, and reconnects if the task still wants a stream.
func (w *Watcher) ResetConnection() error {
	r, err := w.current()
	if err != nil {
		return fmt.Errorf("session.Watcher.ResetConnection: %w", err)
	}
	r.setHold(false)
	r.conn.Disconnect()
	r.evaluate(w.store.State())
	return nil
}

// Dispatch applies actions to the current task's state.
func (w *Watcher) Dispatch(actions ...state.Action) error {
	r, err := w.current()
	if err != nil {
		return fmt.Errorf("session.Watcher.Dispatch: %w", err)
	}
	if !w.store.DispatchFor(r.taskID, actions...) {
		return fmt.Errorf("session.Watcher.Dispatch: %w", domain.ErrNoTask)
	}
	return nil
}

func (w *Watcher) Cursor() uint64 {
	r, err := w.current()
	if err != nil {
		return 0
	}
	return r.cursor.Load()
}

func (w *Watcher) Lag(ctx context.Context) (Lag, error) {
	r, err := w.current()
	if err != nil {
		return Lag{}, fmt.Errorf("session.Watcher.Lag: %w", err)
	}
	stats, err := w.client.EventStats(ctx, r.taskID)
	if err != nil {
		return Lag{}, fmt.Errorf("session.Watcher.Lag: %w", err)
	}
	lag := Lag{TaskID: r.taskID, LatestSequence: stats.LatestSequence, Cursor: r.cursor.Load()}
	if lag.LatestSequence > lag.Cursor {
		lag.Behind = lag.LatestSequence - lag.Cursor
	}
	return lag, nil
}

// StartAudit creates a task on the backend and optionally starts watching it.
func (w *Watcher) StartAudit(ctx context.Context, req backend.StartRequest, watch bool) (backend.StartResponse, error) {
	res, err := w.client.StartAudit(ctx, req)
	if err != nil {
		return backend.StartResponse{}, fmt.Errorf("session.Watcher.StartAudit: %w", err)
	}
	if watch && res.AuditID != "" {
		w.Select(res.AuditID)
	}
	return res, nil
}

func (w *Watcher) Pause(ctx context.Context, taskID string) error {
	if err := w.client.Pause(ctx, taskID); err != nil {
		return fmt.Errorf("session.Watcher.Pause: %w", err)
	}
	w.refreshIfCurrent(taskID)
	return nil
}

func (w *Watcher) Cancel(ctx context.Context, taskID string) error {
	if err := w.client.Cancel(ctx, taskID); err != nil {
		return fmt.Errorf("session.Watcher.Cancel: %w", err)
	}
	w.refreshIfCurrent(taskID)
	return nil
}

func (w *Watcher) refreshIfCurrent(taskID string) {
	if r, err := w.current(); err == nil && r.taskID == taskID {
		r.rec.Refresh()
	}
}

func (w *Watcher) reevaluate() {
	r, err := w.current()
	if err != nil {
		return
	}
	st := w.store.State()
	if st.TaskID != r.taskID {
		return
	}
	r.evaluate(st)
}

func (w *Watcher) newRun(taskID string) *run {
	ctx, cancel := context.WithCancel(w.base)
	r := &run{
		taskID:     taskID,
		ctx:        ctx,
		cancel:     cancel,
		store:      w.store,
		normalizer: normalize.New(w.counter),
		publisher:  w.opts.Publisher,
	}

	r.rec = reconcile.New(w.client, w.store, taskID, reconcile.Options{
		Interval:   w.opts.PollInterval,
		AgentRoot:  w.opts.AgentRoot,
		Clock:      w.opts.Clock,
		OnTerminal: w.notifyTerminal,
	})

	logger := log.With().Str("task_id", taskID).Logger()
	r.conn = stream.NewConnector(w.client.TaskStream(taskID), stream.Options{
		Heartbeat:   w.opts.Heartbeat,
		Backoff:     w.opts.Backoff,
		MaxAttempts: w.opts.MaxAttempts,
		Cursor:      r.cursor.Load,
		OnFrame:     r.handleFrame,
		OnState: func(st domain.ConnectionStatus) {
			w.store.DispatchFor(taskID, state.SetConnection{Status: st})
		},
		Clock:  w.opts.Clock,
		Logger: &logger,
	})
	return r
}

func (w *Watcher) notifyTerminal(task domain.TaskSnapshot) {
	if w.opts.Notifier == nil {
		return
	}
	go func() {
		if err := w.opts.Notifier.NotifyTerminal(w.base, task); err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Msg("terminal notification failed")
		}
	}()
}
