// Package normalize turns wire events into canonical log entries.
package normalize

import (
	"fmt"
	"sync/atomic"

	"github.com/gosuda/auditwatch/internal/domain"
)

// Counter hands out ids for events that carry neither a producer id nor a
// sequence. Each consumer owns its own Counter.
type Counter struct {
	n atomic.Uint64
}

func (c *Counter) Next() uint64 {
	return c.n.Add(1)
}

type Normalizer struct {
	counter *Counter
}

// New returns a Normalizer drawing synthetic ids from counter. A nil counter
// gets a fresh one.
func New(counter *Counter) *Normalizer {
	if counter == nil {
		counter = &Counter{}
	}
	return &Normalizer{counter: counter}
}

// Normalize converts ev into a LogEntry. It returns false for liveness
// signals and for events with nothing to display that are not structural
// markers. Sequenced events always normalize to the same entry.
func (n *Normalizer) Normalize(ev domain.RemoteEvent) (domain.LogEntry, bool) {
	if IsLiveness(ev) {
		return domain.LogEntry{}, false
	}

	category := Classify(ev.EventType)

	extract, ok := contentStrategies[category]
	if !ok {
		extract = defaultContent
	}
	content, _ := extract(ev)
	if content == "" {
		marker, structural := structuralMarkers[ev.EventType]
		if !structural {
			return domain.LogEntry{}, false
		}
		content = marker
	}

	entry := domain.LogEntry{
		ID:             n.entryID(ev),
		Category:       category,
		EventType:      ev.EventType,
		AgentType:      ev.AgentType,
		Content:        content,
		Sequence:       ev.Sequence,
		StructuredData: structuredData(ev, category),
	}
	if !ev.Timestamp.IsZero() {
		entry.TimestampMillis = ev.Timestamp.UnixMilli()
	}
	if category == domain.CategoryProgress {
		entry.StageKey, _ = stageKey(ev)
		if entry.StageKey == "" {
			entry.StageKey = ev.EventType
		}
	}
	return entry, true
}

func (n *Normalizer) entryID(ev domain.RemoteEvent) string {
	if ev.ID != "" {
		return ev.ID
	}
	if ev.Sequence > 0 {
		return fmt.Sprintf("%s-%d", ev.EventType, ev.Sequence)
	}
	return fmt.Sprintf("%s-0-%d", ev.EventType, n.counter.Next())
}
