package timeline

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownEventType = errors.New("timeline: unknown event type")
	ErrTimelineFull     = errors.New("timeline: timeline has reached its maximum size")
	ErrUnknownTimeline  = errors.New("timeline: no such timeline")
	ErrEventCommitted   = errors.New("timeline: event already committed")
	ErrEventDiscarded   = errors.New("timeline: event discarded")
)

// variantPayload normalizes the variant-specific fields of one event type.
// The registry is a static table: adding an event type means adding an entry
// here, not a runtime registration side effect.
type variantPayload func(payload map[string]any) map[string]any

var variants = map[string]variantPayload{
	"TEXT": textPayload,
}

func textPayload(payload map[string]any) map[string]any {
	out := map[string]any{
		"title":       "",
		"text":        "",
		"text_format": "TEXT",
	}
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// KnownEventType reports whether eventType has a registered variant.
func KnownEventType(eventType string) bool {
	_, ok := variants[eventType]
	return ok
}

// Record is one persisted event as read back from disk. The map holds the
// variant payload plus the "_id", "timestamp", and "event_type" keys.
type Record map[string]any

func (r Record) ID() string {
	id, _ := r["_id"].(string)
	return id
}

func (r Record) Timestamp() int64 {
	switch ts := r["timestamp"].(type) {
	case int64:
		return ts
	case float64:
		return int64(ts)
	default:
		return 0
	}
}

func (r Record) EventType() string {
	et, _ := r["event_type"].(string)
	return et
}

// sortRecords orders ascending by timestamp, ties broken by event id so
// repeated reads of the same records always agree.
func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		ti, tj := records[i].Timestamp(), records[j].Timestamp()
		if ti != tj {
			return ti < tj
		}
		return records[i].ID() < records[j].ID()
	})
}

// PendingEvent is an uncommitted event. Nothing is written until Commit;
// Discard abandons it without touching disk, so a failed unit of work never
// leaves a partial record behind.
type PendingEvent struct {
	timeline  *Timeline
	id        string
	eventType string
	timestamp int64
	payload   map[string]any
	committed bool
	discarded bool
}

func (e *PendingEvent) ID() string { return e.id }

func (e *PendingEvent) Timestamp() int64 { return e.timestamp }

// Set attaches one supplementary payload field before commit.
func (e *PendingEvent) Set(key string, value any) *PendingEvent {
	e.payload[key] = value
	return e
}

// Commit serializes the event to its own file. Safe to call once.
func (e *PendingEvent) Commit() error {
	if e.committed {
		return fmt.Errorf("%w: %s", ErrEventCommitted, e.id)
	}
	if e.discarded {
		return fmt.Errorf("%w: %s", ErrEventDiscarded, e.id)
	}
	if err := e.timeline.writeEvent(e); err != nil {
		return err
	}
	e.committed = true
	return nil
}

// Discard abandons the event. A no-op after Commit.
func (e *PendingEvent) Discard() {
	if !e.committed {
		e.discarded = true
	}
}

func (e *PendingEvent) record() Record {
	rec := make(Record, len(e.payload)+3)
	for k, v := range e.payload {
		rec[k] = v
	}
	rec["_id"] = e.id
	rec["timestamp"] = e.timestamp
	rec["event_type"] = e.eventType
	return rec
}

func newEventID(eventType string, timestamp int64) string {
	return fmt.Sprintf("%s_%d_%s", eventType, timestamp, uuid.NewString())
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
