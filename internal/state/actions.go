package state

import "github.com/gosuda/auditwatch/internal/domain"

// Action is a self-contained change to State, applied by Reduce.
type Action interface {
	action()
}

// AppendLog appends an entry unless its id is already present.
type AppendLog struct {
	Entry domain.LogEntry
}

// UpsertProgress replaces the progress entry sharing Entry.StageKey, or
// appends when none exists.
type UpsertProgress struct {
	Entry domain.LogEntry
}

// AddFinding adds a finding unless its id is already present.
type AddFinding struct {
	Finding domain.Finding
}

// UpdateFinding patches a known finding. Unknown ids are ignored.
type UpdateFinding struct {
	ID    string
	Patch domain.FindingPatch
}

// SetFindings replaces the finding list.
type SetFindings struct {
	Findings []domain.Finding
}

// PatchTask writes only the fields the patch carries.
type PatchTask struct {
	Patch domain.TaskPatch
}

// ReplaceTask overwrites the task snapshot.
type ReplaceTask struct {
	Task domain.TaskSnapshot
}

type SetAgents struct {
	Roots []domain.AgentNode
}

type SetConnection struct {
	Status domain.ConnectionStatus
}

type SetHistoryLoaded struct {
	Count int
	Err   string
}

// SetError sets the user-visible error; an empty message clears it.
type SetError struct {
	Message string
}

type ToggleExpanded struct {
	ID string
}

type SelectAgent struct {
	ID string
}

// Reset discards everything and starts watching TaskID.
type Reset struct {
	TaskID string
}

func (AppendLog) action()        {}
func (UpsertProgress) action()   {}
func (AddFinding) action()       {}
func (UpdateFinding) action()    {}
func (SetFindings) action()      {}
func (PatchTask) action()        {}
func (ReplaceTask) action()      {}
func (SetAgents) action()        {}
func (SetConnection) action()    {}
func (SetHistoryLoaded) action() {}
func (SetError) action()         {}
func (ToggleExpanded) action()   {}
func (SelectAgent) action()      {}
func (Reset) action()            {}
