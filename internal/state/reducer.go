// Package state holds the single in-memory view of the watched task.
package state

import (
	"slices"

	"github.com/gosuda/auditwatch/internal/domain"
)

const DefaultMaxLogs = 1000

type UIState struct {
	Expanded      map[string]bool `json:"expanded,omitempty"`
	SelectedAgent string          `json:"selected_agent,omitempty"`
	Error         string          `json:"error,omitempty"`
}

type History struct {
	Loaded bool   `json:"loaded"`
	Count  int    `json:"count"`
	Error  string `json:"error,omitempty"`
}

// State is treated as immutable: Reduce never writes through slices or maps
// reachable from its input.
type State struct {
	TaskID     string                  `json:"task_id"`
	Task       domain.TaskSnapshot     `json:"task"`
	Logs       []domain.LogEntry       `json:"logs"`
	Findings   []domain.Finding        `json:"findings"`
	Agents     []domain.AgentNode      `json:"agents"`
	Connection domain.ConnectionStatus `json:"connection"`
	History    History                 `json:"history"`
	UI         UIState                 `json:"ui"`
	MaxLogs    int                     `json:"-"`
}

// New returns the empty state. maxLogs <= 0 selects DefaultMaxLogs.
func New(taskID string, maxLogs int) State {
	if maxLogs <= 0 {
		maxLogs = DefaultMaxLogs
	}
	return State{
		TaskID:     taskID,
		Connection: domain.ConnectionStatus{State: domain.ConnDisconnected},
		MaxLogs:    maxLogs,
	}
}

// Reduce applies a to s and returns the resulting state.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case AppendLog:
		return appendLog(s, a.Entry)
	case UpsertProgress:
		return upsertProgress(s, a.Entry)
	case AddFinding:
		if findingIndex(s.Findings, a.Finding.ID) >= 0 {
			return s
		}
		s.Findings = append(slices.Clip(s.Findings), a.Finding)
	case UpdateFinding:
		i := findingIndex(s.Findings, a.ID)
		if i < 0 {
			return s
		}
		s.Findings = slices.Clone(s.Findings)
		s.Findings[i] = s.Findings[i].Apply(a.Patch)
	case SetFindings:
		s.Findings = slices.Clone(a.Findings)
	case PatchTask:
		if a.Patch.IsEmpty() {
			return s
		}
		if s.Task.ID == "" {
			s.Task.ID = s.TaskID
		}
		s.Task = s.Task.Apply(a.Patch)
	case ReplaceTask:
		s.Task = a.Task
	case SetAgents:
		s.Agents = slices.Clone(a.Roots)
	case SetConnection:
		s.Connection = a.Status
	case SetHistoryLoaded:
		s.History = History{Loaded: true, Count: a.Count, Error: a.Err}
	case SetError:
		s.UI.Error = a.Message
	case ToggleExpanded:
		expanded := make(map[string]bool, len(s.UI.Expanded)+1)
		for k, v := range s.UI.Expanded {
			expanded[k] = v
		}
		if expanded[a.ID] {
			delete(expanded, a.ID)
		} else {
			expanded[a.ID] = true
		}
		s.UI.Expanded = expanded
	case SelectAgent:
		s.UI.SelectedAgent = a.ID
	case Reset:
		return New(a.TaskID, s.MaxLogs)
	}
	return s
}

func appendLog(s State, e domain.LogEntry) State {
	if logIndex(s.Logs, e.ID) >= 0 {
		return s
	}
	s.Logs = evict(append(slices.Clip(s.Logs), e), s.MaxLogs)
	return s
}

func upsertProgress(s State, e domain.LogEntry) State {
	if logIndex(s.Logs, e.ID) >= 0 {
		return s
	}
	for i := len(s.Logs) - 1; i >= 0; i-- {
		existing := s.Logs[i]
		if existing.Category == domain.CategoryProgress && existing.StageKey == e.StageKey {
			// A redelivered update that was already replaced stays replaced.
			if olderThan(e, existing) {
				return s
			}
			s.Logs = slices.Clone(s.Logs)
			s.Logs[i] = e
			return s
		}
	}
	return appendLog(s, e)
}

// olderThan orders entries by sequence when both carry one, otherwise by
// timestamp.
func olderThan(a, b domain.LogEntry) bool {
	if a.Sequence > 0 && b.Sequence > 0 {
		return a.Sequence < b.Sequence
	}
	return a.TimestampMillis < b.TimestampMillis
}

func evict(logs []domain.LogEntry, maxLogs int) []domain.LogEntry {
	if maxLogs <= 0 || len(logs) <= maxLogs {
		return logs
	}
	return slices.Clone(logs[len(logs)-maxLogs:])
}

func logIndex(logs []domain.LogEntry, id string) int {
	for i := range logs {
		if logs[i].ID == id {
			return i
		}
	}
	return -1
}

func findingIndex(findings []domain.Finding, id string) int {
	for i := range findings {
		if findings[i].ID == id {
			return i
		}
	}
	return -1
}
