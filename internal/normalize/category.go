package normalize

import "github.com/gosuda/auditwatch/internal/domain"

var categoryByType = map[string]domain.Category{ //nolint:gochecknoglobals // lookup table
	// Reasoning
	"thinking":       domain.CategoryThinking,
	"thinking_token": domain.CategoryThinking,
	"llm_thought":    domain.CategoryThinking,
	"llm_decision":   domain.CategoryThinking,
	"llm_start":      domain.CategoryThinking,
	"llm_complete":   domain.CategoryThinking,

	// Tools
	"tool_call":       domain.CategoryTool,
	"tool_call_start": domain.CategoryTool,
	"tool_call_end":   domain.CategoryTool,
	"tool_result":     domain.CategoryTool,
	"llm_action":      domain.CategoryTool,
	"action":          domain.CategoryTool,

	"observation":      domain.CategoryObservation,
	"context_snapshot": domain.CategoryObservation,

	// Findings
	"finding":          domain.CategoryFinding,
	"finding_new":      domain.CategoryFinding,
	"finding_verified": domain.CategoryFinding,

	// Phases
	"phase_start":    domain.CategoryPhase,
	"phase_complete": domain.CategoryPhase,
	"phase_end":      domain.CategoryPhase,

	"progress": domain.CategoryProgress,

	"info":    domain.CategoryInfo,
	"warning": domain.CategoryInfo,

	"error":      domain.CategoryError,
	"task_error": domain.CategoryError,

	"task_complete": domain.CategoryComplete,
	"complete":      domain.CategoryComplete,
	"task_end":      domain.CategoryComplete,

	// Lifecycle
	"status":      domain.CategorySystem,
	"task_start":  domain.CategorySystem,
	"task_cancel": domain.CategorySystem,
	"cancelled":   domain.CategorySystem,
	"system":      domain.CategorySystem,
}

// Classify maps a wire event type to its display category. Unknown types are
// reported as info.
func Classify(eventType string) domain.Category {
	if c, ok := categoryByType[eventType]; ok {
		return c
	}
	return domain.CategoryInfo
}

var livenessTypes = map[string]bool{ //nolint:gochecknoglobals // lookup table
	"heartbeat":              true,
	"ping":                   true,
	"keepalive":              true,
	"connected":              true,
	"connection_established": true,
}

// structuralMarkers are kept even when they carry no displayable text.
var structuralMarkers = map[string]string{ //nolint:gochecknoglobals // lookup table
	"task_complete":  "task completed",
	"task_error":     "task failed",
	"phase_start":    "phase started",
	"phase_complete": "phase completed",
	"phase_end":      "phase completed",
}

// IsLiveness reports whether ev only signals that the connection is alive.
// The producer opens every stream with an unsequenced info banner; it is
// recognized by having neither an id nor a sequence.
func IsLiveness(ev domain.RemoteEvent) bool {
	if livenessTypes[ev.EventType] {
		return true
	}
	return ev.EventType == "info" && ev.ID == "" && ev.Sequence == 0
}
