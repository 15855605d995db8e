// Package client implements the reconciliation engine: one Sync call
// performs a full batched exchange with the remote management authority and
// applies the per-call outcomes, clearing only confirmed-delivered local
// data.
package client

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Vladimirek/dataplicity/internal/jsonrpc"
	"github.com/Vladimirek/dataplicity/internal/observability"
	"github.com/Vladimirek/dataplicity/internal/timeline"
)

var (
	ErrServerURLRequired   = errors.New("client: server url required")
	ErrDeviceClassRequired = errors.New("client: device class required")
	ErrNoAuthToken         = errors.New("client: no auth token, register this device first")
	ErrNoInstaller         = errors.New("client: no firmware installer configured")
)

// FatalError marks an unrecoverable client-level failure. The daemon's poll
// loop terminates when a cycle returns one; everything else is logged and
// retried next interval.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err so IsFatal reports true for it.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// Config is the engine's device identity and behavior.
type Config struct {
	ServerURL   string
	Serial      string
	Name        string
	DeviceClass string
	Company     string
	// AutoText is free-form device info sent with registration requests.
	AutoText string
	// AuthRef is either an inline credential or a "file:<path>" reference.
	AuthRef string
	// CheckFirmware enables the firmware-update check each cycle.
	CheckFirmware bool
	// FirmwareVersion is the currently installed firmware version.
	FirmwareVersion int
}

// Options carries the engine's collaborators. Nil fields get no-op defaults
// so a minimal daemon still syncs config and timelines.
type Options struct {
	RPC       *jsonrpc.Client
	Timelines *timeline.Manager
	Samplers  SamplerProvider
	Settings  SettingsStore
	Tasks     TaskScheduler
	Installer Installer
	Restarter Restarter
	Metrics   *observability.Metrics
	Log       zerolog.Logger
}

// Client is the engine. At most one Sync cycle runs at a time; concurrent
// callers block on the cycle mutex.
type Client struct {
	cfg       Config
	rpc       *jsonrpc.Client
	timelines *timeline.Manager
	samplers  SamplerProvider
	settings  SettingsStore
	tasks     TaskScheduler
	installer Installer
	restarter Restarter
	metrics   *observability.Metrics
	log       zerolog.Logger

	syncMu    sync.Mutex
	authToken string
}

func New(cfg Config, opts Options) (*Client, error) {
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, ErrServerURLRequired
	}
	if strings.TrimSpace(cfg.DeviceClass) == "" {
		return nil, ErrDeviceClassRequired
	}
	log := opts.Log
	if cfg.Serial == "" {
		cfg.Serial = uuid.NewString()
		log.Info().Str("serial", cfg.Serial).Msg("auto generated device serial")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Serial
	}
	if cfg.FirmwareVersion <= 0 {
		cfg.FirmwareVersion = 1
	}

	c := &Client{
		cfg:       cfg,
		rpc:       opts.RPC,
		timelines: opts.Timelines,
		samplers:  opts.Samplers,
		settings:  opts.Settings,
		tasks:     opts.Tasks,
		installer: opts.Installer,
		restarter: opts.Restarter,
		metrics:   opts.Metrics,
		log:       log,
	}
	if c.rpc == nil {
		c.rpc = jsonrpc.NewClient(cfg.ServerURL, nil)
	}
	if c.timelines == nil {
		c.timelines = timeline.NewManager("", cfg.DeviceClass, log)
	}
	if c.samplers == nil {
		c.samplers = NopSamplers{}
	}
	if c.settings == nil {
		c.settings = NopSettings{}
	}
	if c.tasks == nil {
		c.tasks = NopScheduler{}
	}
	if c.installer == nil {
		c.installer = nopInstaller{}
	}
	if c.restarter == nil {
		c.restarter = nopRestarter{}
	}
	c.log.Info().Str("version", fmt.Sprintf("%010d", cfg.FirmwareVersion)).Msg("running firmware")
	return c, nil
}

// Tasks exposes the scheduler collaborator so the daemon can own its
// lifecycle.
func (c *Client) Tasks() TaskScheduler {
	return c.tasks
}

// Timelines exposes the timeline manager for event-recording callers.
func (c *Client) Timelines() *timeline.Manager {
	return c.timelines
}
