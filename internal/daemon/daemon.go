// Package daemon owns the process lifecycle: the poll loop that drives
// reconciliation, the loopback command listener, and the exit/restart state
// machine.
package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Vladimirek/dataplicity/internal/client"
	"github.com/Vladimirek/dataplicity/internal/observability"
)

var ErrNotStarting = errors.New("daemon: already started")

// State is the daemon lifecycle state. Transitions:
// Starting -> Running -> {Stopping, Restarting} -> Terminated.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateRestarting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateRestarting:
		return "restarting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Syncer runs one reconciliation cycle.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Config sets the daemon's poll and control-channel behavior.
type Config struct {
	// PollInterval is the time between reconciliation attempts.
	PollInterval time.Duration
	// Quantum is the sleep between lifecycle checks; it bounds
	// command-to-effect latency.
	Quantum time.Duration
	// ListenAddr is the loopback address of the command listener.
	ListenAddr string
	// MetricsAddr is the loopback address of the metrics exposition
	// endpoint. Empty disables it.
	MetricsAddr string
	// GraceDelay is the pause before re-executing the startup command on
	// restart.
	GraceDelay time.Duration
	// StartupCommand is the argv preserved for re-execution after a
	// RESTART.
	StartupCommand []string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.Quantum <= 0 {
		c.Quantum = time.Second
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8888"
	}
	if c.GraceDelay <= 0 {
		c.GraceDelay = time.Second
	}
	return c
}

// Daemon drives the sync engine and serves the local control channel.
type Daemon struct {
	cfg     Config
	syncer  Syncer
	tasks   client.TaskScheduler
	metrics *observability.Metrics
	log     zerolog.Logger

	// ExecFn re-invokes the preserved startup command after a restart
	// transition. Left nil, the restart intent is still reported via
	// ExitCommand for an outer supervisor.
	ExecFn func(argv []string) error

	state    atomic.Int32
	exitOnce sync.Once
	exitCh   chan struct{}

	mu          sync.Mutex
	exitCommand []string
	lastAttempt time.Time
	listener    net.Listener
	metricsLn   net.Listener

	wg sync.WaitGroup
}

func New(cfg Config, syncer Syncer, tasks client.TaskScheduler, metrics *observability.Metrics, log zerolog.Logger) *Daemon {
	if tasks == nil {
		tasks = client.NopScheduler{}
	}
	return &Daemon{
		cfg:     cfg.withDefaults(),
		syncer:  syncer,
		tasks:   tasks,
		metrics: metrics,
		log:     log,
		exitCh:  make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	return State(d.state.Load())
}

// Addr returns the command listener address, or nil before Run binds it.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// ExitCommand returns the startup command preserved by a restart request,
// or nil when the daemon is stopping for good.
func (d *Daemon) ExitCommand() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCommand
}

// RequestRestart asks the daemon to exit and re-execute its startup
// command. Implements client.Restarter so a firmware install can trigger
// it.
func (d *Daemon) RequestRestart() {
	d.requestExit(StateRestarting, d.cfg.StartupCommand)
}

// RequestStop asks the daemon to exit without re-execution.
func (d *Daemon) RequestStop() {
	d.requestExit(StateStopping, nil)
}

func (d *Daemon) requestExit(next State, command []string) {
	if !d.state.CompareAndSwap(int32(StateRunning), int32(next)) {
		return
	}
	d.mu.Lock()
	d.exitCommand = command
	d.mu.Unlock()
	d.exitOnce.Do(func() { close(d.exitCh) })
}

// Run blocks until the daemon leaves Running, then performs the shutdown
// sequence: stop accepting commands, join the accept loop, stop the task
// scheduler, and on a restart transition re-invoke the preserved startup
// command after a grace delay. The returned error is non-nil only for a
// fatal sync failure or a startup problem.
func (d *Daemon) Run() error {
	if !d.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		return ErrNotStarting
	}
	if err := d.tasks.Start(); err != nil {
		d.state.Store(int32(StateTerminated))
		return err
	}
	ln, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		d.tasks.Stop()
		d.state.Store(int32(StateTerminated))
		return err
	}
	d.mu.Lock()
	d.listener = ln
	d.mu.Unlock()
	d.log.Info().Str("addr", ln.Addr().String()).Msg("command listener started")

	d.wg.Add(1)
	go d.acceptLoop(ln)

	metricsLn, err := d.serveMetrics()
	if err != nil {
		_ = ln.Close()
		d.wg.Wait()
		d.tasks.Stop()
		d.state.Store(int32(StateTerminated))
		return err
	}

	runErr := d.pollLoop()

	_ = ln.Close()
	if metricsLn != nil {
		_ = metricsLn.Close()
	}
	d.wg.Wait()
	d.tasks.Stop()

	if d.State() == StateRestarting {
		d.restartProcess()
	}
	d.state.Store(int32(StateTerminated))
	d.log.Debug().Msg("goodbye")
	return runErr
}

// serveMetrics starts the exposition endpoint when one is configured and a
// metrics sink is wired.
func (d *Daemon) serveMetrics() (net.Listener, error) {
	if d.cfg.MetricsAddr == "" || d.metrics == nil {
		return nil, nil
	}
	ln, err := net.Listen("tcp", d.cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.metricsLn = ln
	d.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	srv := &http.Server{Handler: mux}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			d.log.Warn().Err(err).Msg("metrics listener failed")
		}
	}()
	d.log.Info().Str("addr", ln.Addr().String()).Msg("metrics listener started")
	return ln, nil
}

// MetricsAddr returns the exposition listener address, or nil when metrics
// are not served.
func (d *Daemon) MetricsAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.metricsLn == nil {
		return nil
	}
	return d.metricsLn.Addr()
}

// pollLoop invokes the sync engine whenever the poll interval has elapsed
// since the last attempt. The attempt clock resets on every invocation
// regardless of outcome, so a failing cycle waits a full interval rather
// than retrying in a tight loop.
func (d *Daemon) pollLoop() error {
	timer := time.NewTimer(d.cfg.Quantum)
	defer timer.Stop()
	for {
		select {
		case <-d.exitCh:
			return nil
		default:
		}
		if err := d.poll(time.Now()); err != nil {
			// Unrecoverable client-level failure terminates the daemon.
			d.requestExit(StateStopping, nil)
			return err
		}
		timer.Reset(d.cfg.Quantum)
		select {
		case <-d.exitCh:
			return nil
		case <-timer.C:
		}
	}
}

func (d *Daemon) poll(now time.Time) error {
	d.mu.Lock()
	due := d.lastAttempt.IsZero() || now.Sub(d.lastAttempt) >= d.cfg.PollInterval
	if due {
		d.lastAttempt = now
	}
	d.mu.Unlock()
	if !due {
		return nil
	}
	return d.syncNow()
}

// syncNow runs one cycle, swallowing everything except fatal errors.
func (d *Daemon) syncNow() error {
	err := d.syncer.Sync(context.Background())
	if err == nil {
		return nil
	}
	if client.IsFatal(err) {
		return err
	}
	d.log.Error().Err(err).Msg("sync failed")
	return nil
}

func (d *Daemon) restartProcess() {
	command := d.ExitCommand()
	if len(command) == 0 || d.ExecFn == nil {
		return
	}
	time.Sleep(d.cfg.GraceDelay)
	d.log.Info().Strs("command", command).Msg("executing restart command")
	if err := d.ExecFn(command); err != nil {
		d.log.Error().Err(err).Msg("restart command failed")
	}
}
