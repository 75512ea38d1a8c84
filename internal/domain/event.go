package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// RemoteEvent is one producer event as delivered on the wire, either inside
// a stream frame or as a row of the history endpoint.
type RemoteEvent struct {
	ID        string          `json:"id,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	AgentType string          `json:"agent_type,omitempty"`
	EventType string          `json:"event_type"`
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodeRemoteEvent decodes a JSON object into a RemoteEvent. Two shapes are
// accepted: the stream envelope {type, data:{...}, timestamp, sequence} and
// the flat history row {id, audit_id, event_type, sequence, message, data}.
// frameType is the frame's event marker and may be empty.
func DecodeRemoteEvent(raw []byte, frameType string) (RemoteEvent, error) {
	if !gjson.ValidBytes(raw) {
		return RemoteEvent{}, fmt.Errorf("domain.DecodeRemoteEvent: invalid json: %w", ErrMalformedFrame)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return RemoteEvent{}, fmt.Errorf("domain.DecodeRemoteEvent: not an object: %w", ErrMalformedFrame)
	}

	body := root
	if inner := root.Get("data"); inner.IsObject() && root.Get("type").Exists() && !root.Get("event_type").Exists() {
		body = inner
	}

	ev := RemoteEvent{
		ID:        firstString(body, "id", "event_id"),
		TaskID:    firstString(body, "audit_id", "task_id"),
		AgentType: firstString(body, "agent_type", "agent"),
		EventType: frameType,
		Payload:   json.RawMessage(body.Raw),
	}
	if ev.EventType == "" {
		ev.EventType = firstString(body, "event_type", "type")
	}
	if ev.EventType == "" {
		ev.EventType = root.Get("type").String()
	}

	for _, r := range []gjson.Result{root.Get("sequence"), body.Get("sequence")} {
		if r.Type == gjson.Number && r.Int() > 0 {
			ev.Sequence = r.Uint()
			break
		}
	}

	ts := body.Get("timestamp")
	if !ts.Exists() {
		ts = root.Get("timestamp")
	}
	ev.Timestamp = parseTimestamp(ts)

	return ev, nil
}

// Get looks up a gjson path in the payload.
func (e RemoteEvent) Get(path string) gjson.Result {
	if len(e.Payload) == 0 {
		return gjson.Result{}
	}
	return gjson.GetBytes(e.Payload, path)
}

func firstString(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		v := r.Get(k)
		if !v.Exists() || v.Type == gjson.Null {
			continue
		}
		if s := v.String(); s != "" {
			return s
		}
	}
	return ""
}

var timestampLayouts = []string{ //nolint:gochecknoglobals // layout table
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		f := r.Float()
		if f > 1e12 {
			return time.UnixMilli(int64(f)).UTC()
		}
		sec := int64(f)
		return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
	case gjson.String:
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, r.Str); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

// Category is the closed set of display categories a log entry falls into.
type Category string

const (
	CategoryThinking    Category = "thinking"
	CategoryTool        Category = "tool"
	CategoryObservation Category = "observation"
	CategoryFinding     Category = "finding"
	CategoryPhase       Category = "phase"
	CategoryProgress    Category = "progress"
	CategoryInfo        Category = "info"
	CategoryError       Category = "error"
	CategoryComplete    Category = "complete"
	CategorySystem      Category = "system"
)

// Categories lists every Category in display order.
func Categories() []Category {
	return []Category{
		CategoryThinking, CategoryTool, CategoryObservation, CategoryFinding, CategoryPhase,
		CategoryProgress, CategoryInfo, CategoryError, CategoryComplete, CategorySystem,
	}
}

// LogEntry is the canonical, display-ready form of a RemoteEvent.
type LogEntry struct {
	ID              string         `json:"id"`
	Category        Category       `json:"category"`
	EventType       string         `json:"event_type"`
	AgentType       string         `json:"agent_type,omitempty"`
	TimestampMillis int64          `json:"timestamp_ms"`
	Content         string         `json:"content"`
	Sequence        uint64         `json:"sequence,omitempty"` // 0 when the producer assigned none
	StageKey        string         `json:"stage_key,omitempty"`
	StructuredData  map[string]any `json:"data,omitempty"`
}
