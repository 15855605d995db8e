package timeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Vladimirek/dataplicity/internal/testutil/testlog"
)

func newTestTimeline(t *testing.T, maxEvents int) *Timeline {
	t.Helper()
	m := NewManager(t.TempDir(), "test.device", testlog.New(t))
	tl, err := m.Create("events", maxEvents)
	if err != nil {
		t.Fatalf("create timeline: %v", err)
	}
	return tl
}

func TestAddAndListEvents(t *testing.T) {
	tl := newTestTimeline(t, 0)

	if _, err := tl.AddEvent("TEXT", 2000, map[string]any{"title": "b", "text": "second"}); err != nil {
		t.Fatalf("add event: %v", err)
	}
	if _, err := tl.AddEvent("TEXT", 1000, map[string]any{"title": "a", "text": "first"}); err != nil {
		t.Fatalf("add event: %v", err)
	}

	records, err := tl.Events(true)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("unexpected record count: %d", len(records))
	}
	if records[0].Timestamp() != 1000 || records[1].Timestamp() != 2000 {
		t.Fatalf("records not sorted by timestamp: %v %v", records[0].Timestamp(), records[1].Timestamp())
	}
	if records[0]["text"] != "first" {
		t.Fatalf("unexpected payload: %v", records[0])
	}
	if records[0]["text_format"] != "TEXT" {
		t.Fatalf("text_format default missing: %v", records[0])
	}
	if !strings.HasPrefix(records[0].ID(), "TEXT_1000_") {
		t.Fatalf("unexpected event id: %q", records[0].ID())
	}
}

func TestSortTiesAreDeterministic(t *testing.T) {
	tl := newTestTimeline(t, 0)
	for i := 0; i < 5; i++ {
		if _, err := tl.AddEvent("TEXT", 500, map[string]any{"text": "tie"}); err != nil {
			t.Fatalf("add event: %v", err)
		}
	}

	first, err := tl.Events(true)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := tl.Events(true)
		if err != nil {
			t.Fatalf("list events: %v", err)
		}
		for j := range first {
			if first[j].ID() != again[j].ID() {
				t.Fatalf("ordering not stable at %d: %q vs %q", j, first[j].ID(), again[j].ID())
			}
		}
	}
	for i := 1; i < len(first); i++ {
		if first[i-1].ID() > first[i].ID() {
			t.Fatalf("equal timestamps not ordered by id: %q > %q", first[i-1].ID(), first[i].ID())
		}
	}
}

func TestUnknownEventType(t *testing.T) {
	tl := newTestTimeline(t, 0)
	if _, err := tl.NewEvent("NOPE", 0, nil); !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
	count, err := tl.EventCount()
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 0 {
		t.Fatalf("failed creation wrote a record: %d", count)
	}
}

func TestTimelineCapacity(t *testing.T) {
	tl := newTestTimeline(t, 2)

	first, err := tl.AddEvent("TEXT", 0, map[string]any{"text": "1"})
	if err != nil {
		t.Fatalf("add event: %v", err)
	}
	if _, err := tl.AddEvent("TEXT", 0, map[string]any{"text": "2"}); err != nil {
		t.Fatalf("add event: %v", err)
	}
	if _, err := tl.AddEvent("TEXT", 0, map[string]any{"text": "3"}); !errors.Is(err, ErrTimelineFull) {
		t.Fatalf("expected ErrTimelineFull, got %v", err)
	}
	count, err := tl.EventCount()
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 2 {
		t.Fatalf("full timeline count changed: %d", count)
	}

	// Clearing one frees capacity for one more.
	tl.Clear([]string{first.ID()})
	if _, err := tl.AddEvent("TEXT", 0, map[string]any{"text": "4"}); err != nil {
		t.Fatalf("add after clear: %v", err)
	}
}

func TestDiscardWritesNothing(t *testing.T) {
	tl := newTestTimeline(t, 0)
	event, err := tl.NewEvent("TEXT", 0, map[string]any{"text": "doomed"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	event.Discard()
	if err := event.Commit(); !errors.Is(err, ErrEventDiscarded) {
		t.Fatalf("expected ErrEventDiscarded, got %v", err)
	}
	count, err := tl.EventCount()
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 0 {
		t.Fatalf("discarded event left a record: %d", count)
	}
}

func TestCommitTwice(t *testing.T) {
	tl := newTestTimeline(t, 0)
	event, err := tl.NewEvent("TEXT", 0, map[string]any{"text": "once"})
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if err := event.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := event.Commit(); !errors.Is(err, ErrEventCommitted) {
		t.Fatalf("expected ErrEventCommitted, got %v", err)
	}
}

func TestClearMissingIDIsNoop(t *testing.T) {
	tl := newTestTimeline(t, 0)
	if _, err := tl.AddEvent("TEXT", 0, map[string]any{"text": "keep"}); err != nil {
		t.Fatalf("add event: %v", err)
	}
	tl.Clear([]string{"TEXT_0_never-existed"})
	count, err := tl.EventCount()
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 1 {
		t.Fatalf("unexpected count after clearing missing id: %d", count)
	}
}

func TestClearAll(t *testing.T) {
	tl := newTestTimeline(t, 0)
	for i := 0; i < 3; i++ {
		if _, err := tl.AddEvent("TEXT", 0, map[string]any{"text": "x"}); err != nil {
			t.Fatalf("add event: %v", err)
		}
	}
	if err := tl.ClearAll(); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	count, err := tl.EventCount()
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 0 {
		t.Fatalf("unexpected count after clear all: %d", count)
	}
}

func TestNoTempFilesAfterCommit(t *testing.T) {
	tl := newTestTimeline(t, 0)
	event, err := tl.AddEvent("TEXT", 0, map[string]any{"text": "durable"})
	if err != nil {
		t.Fatalf("add event: %v", err)
	}
	entries, err := os.ReadDir(tl.dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(tl.dir, event.ID()+".json")); err != nil {
		t.Fatalf("committed file missing: %v", err)
	}
}

func TestManagerLookup(t *testing.T) {
	m := NewManager(t.TempDir(), "test.device", testlog.New(t))
	if _, err := m.Create("alerts", 0); err != nil {
		t.Fatalf("create timeline: %v", err)
	}
	if _, err := m.Timeline("alerts"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if _, err := m.Timeline("missing"); !errors.Is(err, ErrUnknownTimeline) {
		t.Fatalf("expected ErrUnknownTimeline, got %v", err)
	}
	if m.Len() != 1 {
		t.Fatalf("unexpected manager length: %d", m.Len())
	}
}
