package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/pflag"

	"github.com/Vladimirek/dataplicity/internal/client"
	"github.com/Vladimirek/dataplicity/internal/config"
	"github.com/Vladimirek/dataplicity/internal/daemon"
	"github.com/Vladimirek/dataplicity/internal/firmware"
	"github.com/Vladimirek/dataplicity/internal/jsonrpc"
	"github.com/Vladimirek/dataplicity/internal/logging"
	"github.com/Vladimirek/dataplicity/internal/observability"
	"github.com/Vladimirek/dataplicity/internal/timeline"
)

const defaultConfPath = "/etc/dataplicity/dataplicity.conf"

// restartProxy breaks the construction cycle between the engine and the
// daemon: the engine needs a Restarter before the daemon exists.
type restartProxy struct {
	d *daemon.Daemon
}

func (p *restartProxy) RequestRestart() {
	if p.d != nil {
		p.d.RequestRestart()
	}
}

func main() {
	var (
		confPath   = pflag.String("conf", defaultConfPath, "path to the device configuration file")
		foreground = pflag.BoolP("foreground", "f", false, "run in the foreground with firmware updates disabled")
		debug      = pflag.Bool("debug", false, "enable debug logging")
		doStop     = pflag.Bool("stop", false, "stop a running daemon")
		doRestart  = pflag.Bool("restart", false, "restart a running daemon")
		doSync     = pflag.Bool("sync", false, "ask a running daemon to sync now")
		doStatus   = pflag.Bool("status", false, "report whether a daemon is running")
	)
	pflag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		fatalf("%v", err)
	}
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Daemon.Port)

	switch {
	case *doStatus:
		running, msg, _ := daemon.NewComms(addr).Status()
		if !running {
			fmt.Println("daemon is not running")
			os.Exit(1)
		}
		fmt.Printf("daemon is %s\n", msg)
		return
	case *doStop:
		control(daemon.NewComms(addr).Stop, "stop")
		return
	case *doRestart:
		control(daemon.NewComms(addr).Restart, "restart")
		return
	case *doSync:
		control(daemon.NewComms(addr).Sync, "sync")
		return
	}

	log := logging.New("dataplicityd", *debug || *foreground)

	firmwareVersion, err := client.ReadFirmwareVersion(cfg.Daemon.FirmwareConf)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Daemon.FirmwareConf).Msg("firmware conf unreadable")
	}

	timelines := timeline.NewManager(cfg.Timelines.Path, cfg.Device.Class, log)
	for _, tl := range cfg.Timeline {
		if _, err := timelines.Create(tl.Name, tl.MaxEvents); err != nil {
			log.Fatal().Err(err).Str("timeline", tl.Name).Msg("timeline setup failed")
		}
	}

	metrics := observability.NewMetrics(nil)
	restarter := &restartProxy{}

	engine, err := client.New(client.Config{
		ServerURL:   cfg.Server.URL,
		Serial:      cfg.Device.Serial,
		Name:        cfg.Device.Name,
		DeviceClass: cfg.Device.Class,
		Company:     cfg.Device.Company,
		AutoText:    cfg.Device.AutoText,
		AuthRef:     cfg.Device.Auth,
		// Foreground runs are for development, where replacing the
		// process after a firmware install would be a surprise.
		CheckFirmware:   !*foreground,
		FirmwareVersion: firmwareVersion,
	}, client.Options{
		RPC:       jsonrpc.NewClient(cfg.Server.URL, nil),
		Timelines: timelines,
		Installer: firmware.NewInstaller(cfg.Daemon.FirmwarePath, log),
		Restarter: restarter,
		Metrics:   metrics,
		Log:       log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("client setup failed")
	}

	daemonCfg := daemon.Config{
		PollInterval:   time.Duration(cfg.Daemon.PollSeconds * float64(time.Second)),
		ListenAddr:     addr,
		StartupCommand: os.Args,
	}
	if cfg.Daemon.MetricsPort > 0 {
		daemonCfg.MetricsAddr = fmt.Sprintf("127.0.0.1:%d", cfg.Daemon.MetricsPort)
	}
	d := daemon.New(daemonCfg, engine, engine.Tasks(), metrics, log)
	d.ExecFn = execProcess
	restarter.d = d

	log.Info().
		Str("conf", cfg.Path).
		Str("server", cfg.Server.URL).
		Int("firmware", firmwareVersion).
		Msg("daemon starting")
	if err := d.Run(); err != nil {
		log.Fatal().Err(err).Msg("daemon stopped")
	}
}

func control(action func() error, verb string) {
	if err := action(); err != nil {
		fatalf("%s failed: %v", verb, err)
	}
	fmt.Println("OK")
}

// execProcess launches the preserved startup command as a replacement
// process and lets this one exit.
func execProcess(argv []string) error {
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return err
	}
	cmd := exec.Command(path, argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "dataplicityd: "+format+"\n", args...)
	os.Exit(1)
}
