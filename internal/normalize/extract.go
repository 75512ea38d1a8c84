package normalize

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/gosuda/auditwatch/internal/domain"
)

// Strategy extracts one value from an event payload. Strategies are tried in
// order; the first one that reports ok wins.
type Strategy func(ev domain.RemoteEvent) (string, bool)

// nests are the places a producer may put a field: top level or under one of
// the generic wrapper maps.
var nests = []string{"", "data.", "metadata.", "payload."} //nolint:gochecknoglobals // lookup order

func lookup(ev domain.RemoteEvent, path string) gjson.Result {
	for _, prefix := range nests {
		r := ev.Get(prefix + path)
		if r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

// Field returns the first non-blank string found at any of paths.
func Field(paths ...string) Strategy {
	return func(ev domain.RemoteEvent) (string, bool) {
		for _, p := range paths {
			r := lookup(ev, p)
			if r.Type != gjson.String {
				continue
			}
			if s := strings.TrimSpace(r.Str); s != "" {
				return s, true
			}
		}
		return "", false
	}
}

// Prefixed wraps s so a hit is rendered as prefix + value.
func Prefixed(prefix string, s Strategy) Strategy {
	return func(ev domain.RemoteEvent) (string, bool) {
		v, ok := s(ev)
		if !ok {
			return "", false
		}
		return prefix + v, true
	}
}

// First runs strategies in order and returns the first hit.
func First(strategies ...Strategy) Strategy {
	return func(ev domain.RemoteEvent) (string, bool) {
		for _, s := range strategies {
			if v, ok := s(ev); ok {
				return v, true
			}
		}
		return "", false
	}
}

var (
	explicitMessage = Field("message")                              //nolint:gochecknoglobals // strategy
	genericFallback = Field("content", "text", "output", "delta")   //nolint:gochecknoglobals // strategy
	stageKey        = Field("stage", "current_stage", "phase")      //nolint:gochecknoglobals // strategy
	taskStatus      = Field("status", "progress.status", "state")   //nolint:gochecknoglobals // strategy
	phaseName       = Field("phase", "progress.current_stage")      //nolint:gochecknoglobals // strategy
	errorMessage    = Field("error", "detail", "reason", "message") //nolint:gochecknoglobals // strategy
)

// contentStrategies: explicit message, then a category-specific field, then
// the generic fallback.
var contentStrategies = map[domain.Category]Strategy{ //nolint:gochecknoglobals // strategy table
	domain.CategoryThinking: First(explicitMessage,
		Field("thought", "accumulated_thought", "decision"), genericFallback),
	domain.CategoryTool: First(explicitMessage,
		Field("tool_output.result", "result"), Prefixed("tool: ", Field("tool_name", "action")), genericFallback),
	domain.CategoryObservation: First(explicitMessage,
		Field("observation", "summary"), genericFallback),
	domain.CategoryFinding: First(explicitMessage,
		Field("title", "finding.title", "vulnerability_type"), genericFallback),
	domain.CategoryPhase: First(explicitMessage,
		Prefixed("phase: ", Field("phase")), genericFallback),
	domain.CategoryProgress: First(explicitMessage,
		Field("progress.message", "current_stage", "stage"), genericFallback),
	domain.CategoryError: First(explicitMessage,
		Field("error", "detail", "reason"), genericFallback),
	domain.CategoryComplete: First(explicitMessage,
		Field("summary", "result"), genericFallback),
	domain.CategorySystem: First(explicitMessage,
		Prefixed("status: ", Field("status")), genericFallback),
}

var defaultContent = First(explicitMessage, genericFallback) //nolint:gochecknoglobals // strategy

// structuredFields lists the payload keys copied into LogEntry.StructuredData.
var structuredFields = map[domain.Category][]string{ //nolint:gochecknoglobals // lookup table
	domain.CategoryThinking: {"thought", "iteration", "decision", "reason", "tokens_used"},
	domain.CategoryTool:     {"tool_name", "tool_input", "tool_output", "tool_duration_ms", "action", "action_input"},
	domain.CategoryFinding: {
		"finding_id", "metadata.id", "title", "severity", "vulnerability_type",
		"is_verified", "verified", "file_path", "line_number", "confidence", "description",
	},
	domain.CategoryPhase:    {"phase"},
	domain.CategoryProgress: {"percentage", "progress.percentage", "current", "total", "stage", "current_stage", "phase"},
	domain.CategoryError:    {"error", "detail", "error_type"},
	domain.CategoryComplete: {"findings_count", "security_score", "summary", "status"},
	domain.CategorySystem:   {"status"},
}

func structuredData(ev domain.RemoteEvent, c domain.Category) map[string]any {
	keys := structuredFields[c]
	if len(keys) == 0 {
		return nil
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		r := lookup(ev, k)
		if !r.Exists() {
			continue
		}
		name := k
		if i := strings.LastIndexByte(k, '.'); i >= 0 {
			name = k[i+1:]
		}
		if _, taken := out[name]; taken {
			continue
		}
		out[name] = r.Value()
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
