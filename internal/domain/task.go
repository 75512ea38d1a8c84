package domain

import (
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusUnknown   TaskStatus = ""
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// ParseTaskStatus maps the backend's status spellings onto TaskStatus.
func ParseTaskStatus(s string) TaskStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued", "created":
		return TaskStatusPending
	case "running", "in_progress", "started":
		return TaskStatusRunning
	case "paused":
		return TaskStatusPaused
	case "completed", "complete", "done", "success":
		return TaskStatusCompleted
	case "failed", "error":
		return TaskStatusFailed
	case "cancelled", "canceled":
		return TaskStatusCancelled
	default:
		return TaskStatusUnknown
	}
}

// IsTerminal reports whether no further events are expected for the task.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the status should be polled. An unknown status
// counts as active until the first authoritative fetch lands.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusUnknown || s == TaskStatusPending || s == TaskStatusRunning
}

type TaskStats struct {
	FilesScanned            int `json:"files_scanned"`
	FindingsDetected        int `json:"findings_detected"`
	VerifiedVulnerabilities int `json:"verified_vulnerabilities"`
}

// TaskSnapshot is the authoritative view of a task as reported by the
// status endpoint, optionally refined by stream-derived patches.
type TaskSnapshot struct {
	ID          string            `json:"id"`
	Status      TaskStatus        `json:"status"`
	Percentage  float64           `json:"percentage"`
	Phase       string            `json:"phase,omitempty"`
	Stats       TaskStats         `json:"stats"`
	AgentStatus map[string]string `json:"agent_status,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// TaskPatch carries only the fields a stream event actually reported.
type TaskPatch struct {
	Status     *TaskStatus `json:"status,omitempty"`
	Percentage *float64    `json:"percentage,omitempty"`
	Phase      *string     `json:"phase,omitempty"`
}

func (p TaskPatch) IsEmpty() bool {
	return p.Status == nil && p.Percentage == nil && p.Phase == nil
}

// Apply returns a copy of t with the non-nil fields of p written over it.
func (t TaskSnapshot) Apply(p TaskPatch) TaskSnapshot {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Percentage != nil {
		t.Percentage = *p.Percentage
	}
	if p.Phase != nil {
		t.Phase = *p.Phase
	}
	return t
}
