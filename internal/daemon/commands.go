package daemon

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Command vocabulary shared by the local socket and any other trigger path.
const (
	CommandRestart = "RESTART"
	CommandStop    = "STOP"
	CommandSync    = "SYNC"
	CommandStatus  = "STATUS"

	ReplyOK         = "OK"
	ReplyRunning    = "running"
	ReplyBadCommand = "BADCOMMAND"
)

const (
	maxCommandBytes = 128
	connDeadline    = 30 * time.Second
)

// acceptLoop serves one connection at a time. This is a low-traffic
// administrative channel; sequential handling keeps it simple.
func (d *Daemon) acceptLoop(ln net.Listener) {
	defer d.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				d.log.Warn().Err(err).Msg("command accept failed")
			}
			return
		}
		d.handleConn(conn)
	}
}

// handleConn reads one command line, writes one reply line, and closes.
func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connDeadline))

	buf := make([]byte, maxCommandBytes)
	n, err := conn.Read(buf)
	if n == 0 {
		if err != nil {
			d.log.Debug().Err(err).Msg("command read failed")
		}
		return
	}
	command := strings.TrimSpace(string(buf[:n]))
	if command == "" {
		return
	}
	d.log.Debug().Str("command", command).Msg("daemon command request")
	reply := d.Dispatch(command)
	if _, err := conn.Write([]byte(reply + "\n")); err != nil {
		d.log.Warn().Err(err).Msg("command reply failed")
	}
}

// Dispatch executes one control command and returns the reply line.
func (d *Daemon) Dispatch(command string) string {
	switch command {
	case CommandRestart:
		d.metrics.RecordCommand(CommandRestart)
		d.log.Info().Msg("restart requested")
		d.requestExit(StateRestarting, d.cfg.StartupCommand)
		return ReplyOK

	case CommandStop:
		d.metrics.RecordCommand(CommandStop)
		d.log.Info().Msg("stop requested")
		d.requestExit(StateStopping, nil)
		return ReplyOK

	case CommandSync:
		d.metrics.RecordCommand(CommandSync)
		d.log.Info().Msg("sync requested")
		// Serialized against the poll loop by the engine's cycle mutex.
		if err := d.syncer.Sync(context.Background()); err != nil {
			return err.Error()
		}
		return ReplyOK

	case CommandStatus:
		d.metrics.RecordCommand(CommandStatus)
		return ReplyRunning

	default:
		d.metrics.RecordCommand("unknown")
		return ReplyBadCommand
	}
}
