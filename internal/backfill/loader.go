// Package backfill loads the events a task produced before the live stream
// attached.
package backfill

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/auditwatch/internal/backend"
	"github.com/gosuda/auditwatch/internal/domain"
)

type Fetcher interface {
	Events(ctx context.Context, taskID string, q backend.EventQuery) ([]domain.RemoteEvent, error)
}

// Sink receives one task's history. Apply gets the events in ascending
// sequence order, Advance the highest sequence seen, and Done is called last,
// on success and on failure alike.
type Sink interface {
	Apply(events []domain.RemoteEvent)
	Advance(seq uint64)
	Done(count int, err error)
}

type Options struct {
	Limit      int
	EventTypes []string
}

type call struct {
	done  chan struct{}
	count int
	err   error
}

// Loader runs at most one load per task id. Concurrent and repeated callers
// share the first call's result.
type Loader struct {
	fetch Fetcher
	opts  Options

	mu    sync.Mutex
	calls map[string]*call
}

func NewLoader(fetch Fetcher, opts Options) *Loader {
	if opts.Limit <= 0 {
		opts.Limit = backend.DefaultEventLimit
	}
	return &Loader{fetch: fetch, opts: opts, calls: make(map[string]*call)}
}

// LoadOnce fetches and applies the task's history the first time it is called
// for taskID and returns the number of events fetched.
func (l *Loader) LoadOnce(ctx context.Context, taskID string, sink Sink) (int, error) {
	l.mu.Lock()
	if c, ok := l.calls[taskID]; ok {
		l.mu.Unlock()
		select {
		case <-c.done:
			return c.count, c.err
		case <-ctx.Done():
			return 0, fmt.Errorf("backfill.Loader.LoadOnce: %w", ctx.Err())
		}
	}
	c := &call{done: make(chan struct{})}
	l.calls[taskID] = c
	l.mu.Unlock()

	c.count, c.err = l.load(ctx, taskID, sink)
	close(c.done)
	return c.count, c.err
}

// Forget drops the cached result so the next LoadOnce for taskID fetches again.
// An in-flight call is left to finish for the callers already waiting on it.
func (l *Loader) Forget(taskID string) {
	l.mu.Lock()
	delete(l.calls, taskID)
	l.mu.Unlock()
}

func (l *Loader) load(ctx context.Context, taskID string, sink Sink) (int, error) {
	events, err := l.fetch.Events(ctx, taskID, backend.EventQuery{
		Limit:      l.opts.Limit,
		EventTypes: l.opts.EventTypes,
	})
	if err != nil {
		err = fmt.Errorf("backfill.Loader.LoadOnce: %w", err)
		log.Warn().Err(err).Str("task_id", taskID).Msg("history fetch failed, attaching live stream from the start")
		sink.Done(0, err)
		return 0, err
	}

	slices.SortStableFunc(events, func(a, b domain.RemoteEvent) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})

	sink.Apply(events)
	if n := len(events); n > 0 {
		sink.Advance(events[n-1].Sequence)
	}
	sink.Done(len(events), nil)

	log.Info().Str("task_id", taskID).Int("count", len(events)).Msg("history loaded")
	return len(events), nil
}
