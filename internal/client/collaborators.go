package client

// Collaborator ports. Sampling, scheduled tasks, settings storage, and
// firmware installation are external to the sync engine; the engine only
// needs these narrow surfaces.

// SamplerProvider exposes locally buffered telemetry snapshots by sampler
// name. A snapshot stays on disk until ClearSnapshot confirms delivery.
type SamplerProvider interface {
	Names() []string
	Snapshot(name string) ([]any, error)
	ClearSnapshot(name string) error
}

// SettingsStore holds the device's configuration documents.
type SettingsStore interface {
	ContentsMap() map[string]string
	Apply(changed map[string]string) error
}

// TaskScheduler runs background jobs and reacts to settings changes.
type TaskScheduler interface {
	Start() error
	Stop()
	SettingsChanged(names []string)
}

// Installer unpacks and installs a firmware payload, returning the install
// path.
type Installer interface {
	Install(deviceClass string, version int, firmwareB64 string) (string, error)
}

// Restarter is asked to restart the daemon after a firmware install.
type Restarter interface {
	RequestRestart()
}

type NopSamplers struct{}

func (NopSamplers) Names() []string                { return nil }
func (NopSamplers) Snapshot(string) ([]any, error) { return nil, nil }
func (NopSamplers) ClearSnapshot(string) error     { return nil }

type NopSettings struct{}

func (NopSettings) ContentsMap() map[string]string { return map[string]string{} }
func (NopSettings) Apply(map[string]string) error  { return nil }

type NopScheduler struct{}

func (NopScheduler) Start() error             { return nil }
func (NopScheduler) Stop()                    {}
func (NopScheduler) SettingsChanged([]string) {}

type nopInstaller struct{}

func (nopInstaller) Install(string, int, string) (string, error) {
	return "", ErrNoInstaller
}

type nopRestarter struct{}

func (nopRestarter) RequestRestart() {}
