package session

import (
	"github.com/rs/zerolog/log"

	"github.com/gosuda/auditwatch/internal/domain"
	"github.com/gosuda/auditwatch/internal/normalize"
	"github.com/gosuda/auditwatch/internal/state"
	"github.com/gosuda/auditwatch/internal/stream"
)

// handle applies one event from either the history page or the live stream.
// Events at or behind the cursor were already applied and are dropped.
func (r *run) handle(ev domain.RemoteEvent) {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	if r.cursor.Covers(ev.Sequence) {
		return
	}

	var actions []state.Action
	entry, visible := r.normalizer.Normalize(ev)
	if visible {
		if entry.Category == domain.CategoryProgress {
			actions = append(actions, state.UpsertProgress{Entry: entry})
		} else {
			actions = append(actions, state.AppendLog{Entry: entry})
		}
	}

	if patch := normalize.TaskPatch(ev); !patch.IsEmpty() {
		actions = append(actions, state.PatchTask{Patch: patch})
	}

	if f, ok := normalize.Finding(ev); ok {
		actions = append(actions, findingActions(ev, f)...)
	}

	backendErr := normalize.IsBackendError(ev)
	if backendErr {
		actions = append(actions, state.SetError{Message: normalize.ErrorMessage(ev)})
	}

	if len(actions) > 0 && !r.store.DispatchFor(r.taskID, actions...) {
		return
	}
	r.cursor.Advance(ev.Sequence)

	if backendErr {
		r.rec.Refresh()
	}
	if visible {
		r.publish(entry)
	}
}

// findingActions adds the finding and, for follow-up events about a finding
// that is already known, patches the fields the event carries.
func findingActions(ev domain.RemoteEvent, f domain.Finding) []state.Action {
	actions := []state.Action{state.AddFinding{Finding: f}}
	if ev.EventType == "finding_new" {
		return actions
	}

	var p domain.FindingPatch
	if f.Title != "" {
		p.Title = &f.Title
	}
	if f.Severity != "" {
		p.Severity = &f.Severity
	}
	if f.Description != "" {
		p.Description = &f.Description
	}
	if f.Confidence != 0 {
		p.Confidence = &f.Confidence
	}
	if f.Verified {
		p.Verified = &f.Verified
	}
	return append(actions, state.UpdateFinding{ID: f.ID, Patch: p})
}

func (r *run) handleFrame(f stream.Frame) {
	ev, err := f.RemoteEvent()
	if err != nil {
		log.Warn().Err(err).Str("task_id", r.taskID).Str("event", f.Event).Msg("dropping undecodable frame")
		return
	}
	r.handle(ev)
}

func (r *run) publish(entry domain.LogEntry) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishLog(r.ctx, r.taskID, entry); err != nil && r.ctx.Err() == nil {
		log.Debug().Err(err).Str("task_id", r.taskID).Msg("relay publish failed")
	}
}

// Apply, Advance and Done make a run the backfill sink for its task.

func (r *run) Apply(events []domain.RemoteEvent) {
	for _, ev := range events {
		r.handle(ev)
	}
}

func (r *run) Advance(seq uint64) {
	r.cursor.Advance(seq)
}

func (r *run) Done(count int, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	// The reconciler must be running before the loaded flag lets the stream
	// attach, or a terminal status seen on the stream could go unobserved.
	r.rec.Start(r.ctx)
	r.store.DispatchFor(r.taskID, state.SetHistoryLoaded{Count: count, Err: msg})
}
