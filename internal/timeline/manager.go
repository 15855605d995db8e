package timeline

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
)

// Manager owns the process's timelines, rooted at one directory per device
// class.
type Manager struct {
	path      string
	timelines map[string]*Timeline
	log       zerolog.Logger
}

// NewManager roots timeline storage at path/deviceClass.
func NewManager(path, deviceClass string, log zerolog.Logger) *Manager {
	return &Manager{
		path:      filepath.Join(path, deviceClass),
		timelines: make(map[string]*Timeline),
		log:       log,
	}
}

// Create makes (or reopens) a named timeline. maxEvents of zero means
// unbounded.
func (m *Manager) Create(name string, maxEvents int) (*Timeline, error) {
	tl, err := newTimeline(filepath.Join(m.path, name), name, maxEvents, m.log)
	if err != nil {
		return nil, err
	}
	m.timelines[name] = tl
	return tl, nil
}

// Timeline looks up a timeline by name.
func (m *Manager) Timeline(name string) (*Timeline, error) {
	tl, ok := m.timelines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTimeline, name)
	}
	return tl, nil
}

// Timelines returns all timelines in name order.
func (m *Manager) Timelines() []*Timeline {
	out := make([]*Timeline, 0, len(m.timelines))
	for _, tl := range m.timelines {
		out = append(out, tl)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].name < out[j].name
	})
	return out
}

func (m *Manager) Len() int {
	return len(m.timelines)
}
