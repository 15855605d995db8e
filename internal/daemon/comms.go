package daemon

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"
)

// Comms is the client side of the local control protocol, used by the CLI
// to drive a running daemon.
type Comms struct {
	Addr    string
	Timeout time.Duration
}

func NewComms(addr string) Comms {
	return Comms{Addr: addr, Timeout: 5 * time.Second}
}

func (c Comms) send(command string) (string, error) {
	conn, err := net.DialTimeout("tcp", c.Addr, c.Timeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.Timeout))

	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return "", err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

func (c Comms) expectOK(command string) error {
	reply, err := c.send(command)
	if err != nil {
		return err
	}
	if reply != ReplyOK {
		return fmt.Errorf("daemon: %s failed: %s", command, reply)
	}
	return nil
}

func (c Comms) Restart() error {
	return c.expectOK(CommandRestart)
}

func (c Comms) Stop() error {
	return c.expectOK(CommandStop)
}

func (c Comms) Sync() error {
	return c.expectOK(CommandSync)
}

// Status reports whether a daemon is reachable and its status line. An
// unreachable daemon is "not running", not an error.
func (c Comms) Status() (bool, string, error) {
	reply, err := c.send(CommandStatus)
	if err != nil {
		return false, "", nil
	}
	return true, reply, nil
}
