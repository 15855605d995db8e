package timeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const eventSuffix = ".json"

// Timeline is a named durable queue of events, one JSON file per event. The
// files are owned by this process; readers elsewhere must tolerate files
// disappearing between listing and reading.
type Timeline struct {
	name      string
	dir       string
	maxEvents int
	log       zerolog.Logger
}

// newTimeline creates the backing directory if needed. maxEvents of zero
// means unbounded.
func newTimeline(dir, name string, maxEvents int, log zerolog.Logger) (*Timeline, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("timeline: create %q: %w", dir, err)
	}
	return &Timeline{
		name:      name,
		dir:       dir,
		maxEvents: maxEvents,
		log:       log.With().Str("timeline", name).Logger(),
	}, nil
}

func (t *Timeline) Name() string { return t.name }

// NewEvent validates the type and capacity and returns an uncommitted event.
// timestamp of zero means now. The capacity check counts committed events
// only.
func (t *Timeline) NewEvent(eventType string, timestamp int64, payload map[string]any) (*PendingEvent, error) {
	variant, ok := variants[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	if t.maxEvents > 0 {
		count, err := t.EventCount()
		if err != nil {
			return nil, err
		}
		if count >= t.maxEvents {
			return nil, fmt.Errorf("%w: %q at %d events", ErrTimelineFull, t.name, count)
		}
	}
	if timestamp == 0 {
		timestamp = nowMillis()
	}
	event := &PendingEvent{
		timeline:  t,
		id:        newEventID(eventType, timestamp),
		eventType: eventType,
		timestamp: timestamp,
		payload:   variant(payload),
	}
	t.log.Debug().Str("event_id", event.id).Str("event_type", eventType).Msg("new event")
	return event, nil
}

// AddEvent creates and immediately commits an event.
func (t *Timeline) AddEvent(eventType string, timestamp int64, payload map[string]any) (*PendingEvent, error) {
	event, err := t.NewEvent(eventType, timestamp, payload)
	if err != nil {
		return nil, err
	}
	if err := event.Commit(); err != nil {
		return nil, err
	}
	return event, nil
}

// Events reads every committed record. If sorted, records are ordered
// ascending by timestamp with deterministic tie-breaking.
func (t *Timeline) Events(sorted bool) ([]Record, error) {
	names, err := t.eventFiles()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(t.dir, name))
		if err != nil {
			// Cleared between listing and reading.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("timeline: read event %q: %w", name, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("timeline: decode event %q: %w", name, err)
		}
		records = append(records, rec)
	}
	if sorted {
		sortRecords(records)
	}
	return records, nil
}

// EventCount returns the number of committed events.
func (t *Timeline) EventCount() (int, error) {
	names, err := t.eventFiles()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Clear deletes the records named by ids. Missing ids are ignored so a
// replay after a partial prior failure is harmless.
func (t *Timeline) Clear(ids []string) {
	for _, id := range ids {
		path := filepath.Join(t.dir, id+eventSuffix)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			t.log.Warn().Err(err).Str("event_id", id).Msg("failed to clear event")
		}
	}
}

// ClearAll deletes every committed record. Maintenance use only; the sync
// cycle always clears by confirmed id.
func (t *Timeline) ClearAll() error {
	names, err := t.eventFiles()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(t.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			t.log.Warn().Err(err).Str("file", name).Msg("failed to remove event file")
		}
	}
	return nil
}

func (t *Timeline) eventFiles() ([]string, error) {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return nil, fmt.Errorf("timeline: list %q: %w", t.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), eventSuffix) {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// writeEvent persists one record atomically: write to a temp file in the
// same directory, then rename into place, so a crash never exposes a
// half-written record.
func (t *Timeline) writeEvent(event *PendingEvent) error {
	data, err := json.Marshal(event.record())
	if err != nil {
		return fmt.Errorf("timeline: encode event %q: %w", event.id, err)
	}
	final := filepath.Join(t.dir, event.id+eventSuffix)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("timeline: write event %q: %w", event.id, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("timeline: commit event %q: %w", event.id, err)
	}
	return nil
}
