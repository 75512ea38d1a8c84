package normalize

import (
	"github.com/tidwall/gjson"

	"github.com/gosuda/auditwatch/internal/domain"
)

func number(ev domain.RemoteEvent, paths ...string) (float64, bool) {
	for _, p := range paths {
		if r := lookup(ev, p); r.Type == gjson.Number {
			return r.Float(), true
		}
	}
	return 0, false
}

func boolean(ev domain.RemoteEvent, paths ...string) (bool, bool) {
	for _, p := range paths {
		r := lookup(ev, p)
		if r.Type == gjson.True || r.Type == gjson.False {
			return r.Bool(), true
		}
	}
	return false, false
}

// lifecycleStatus maps events that imply a task status regardless of payload.
var lifecycleStatus = map[string]domain.TaskStatus{ //nolint:gochecknoglobals // lookup table
	"task_start":    domain.TaskStatusRunning,
	"task_complete": domain.TaskStatusCompleted,
	"task_error":    domain.TaskStatusFailed,
	"task_cancel":   domain.TaskStatusCancelled,
	"cancelled":     domain.TaskStatusCancelled,
}

// TaskPatch returns the task fields ev reports. Fields the event does not
// carry stay nil.
func TaskPatch(ev domain.RemoteEvent) domain.TaskPatch {
	var p domain.TaskPatch

	if s, ok := lifecycleStatus[ev.EventType]; ok {
		p.Status = &s
	} else if ev.EventType == "status" {
		if raw, ok := taskStatus(ev); ok {
			if s := domain.ParseTaskStatus(raw); s != domain.TaskStatusUnknown {
				p.Status = &s
			}
		}
	}

	if pct, ok := number(ev, "percentage", "progress.percentage"); ok {
		p.Percentage = &pct
	}

	if phase, ok := phaseName(ev); ok {
		p.Phase = &phase
	}

	return p
}

// Finding extracts the finding announced by a finding event.
func Finding(ev domain.RemoteEvent) (domain.Finding, bool) {
	if Classify(ev.EventType) != domain.CategoryFinding {
		return domain.Finding{}, false
	}

	id, _ := Field("finding_id", "finding.id")(ev)
	if id == "" {
		id, _ = Field("metadata.id")(ev)
	}
	if id == "" {
		return domain.Finding{}, false
	}

	f := domain.Finding{ID: id}
	f.Title, _ = Field("title", "finding.title")(ev)
	severity, _ := Field("severity", "finding.severity")(ev)
	f.Severity = domain.Severity(severity)
	f.VulnerabilityType, _ = Field("vulnerability_type", "finding.vulnerability_type")(ev)
	f.Description, _ = Field("description", "finding.description")(ev)
	f.FilePath, _ = Field("file_path", "finding.file_path")(ev)
	if line, ok := number(ev, "line_number", "finding.line_number"); ok {
		f.LineNumber = int(line)
	}
	if conf, ok := number(ev, "confidence", "finding.confidence"); ok {
		f.Confidence = conf
	}
	if v, ok := boolean(ev, "is_verified", "verified"); ok {
		f.Verified = v
	}
	if ev.EventType == "finding_verified" {
		f.Verified = true
	}
	return f, true
}

// ErrorMessage returns the user-visible text of a backend-reported error.
func ErrorMessage(ev domain.RemoteEvent) string {
	if msg, ok := errorMessage(ev); ok {
		return msg
	}
	return ev.EventType
}

// IsBackendError reports whether ev is a producer-side error report.
func IsBackendError(ev domain.RemoteEvent) bool {
	return ev.EventType == "error" || ev.EventType == "task_error"
}
