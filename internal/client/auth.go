package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const authFilePrefix = "file:"

const (
	approvalApproved = "approved"
	approvalPending  = "pending"
)

// resolveAuthToken returns the device credential, or "" when it is absent
// (a file reference whose file does not exist yet). A read failure other
// than not-exist is fatal: the device cannot identify itself and retrying
// will not help.
func (c *Client) resolveAuthToken() (string, error) {
	if c.authToken != "" {
		return c.authToken, nil
	}
	path, ok := c.authTokenPath()
	if !ok {
		c.authToken = c.cfg.AuthRef
		return c.authToken, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", Fatal(fmt.Errorf("client: read auth token %q: %w", path, err))
	}
	c.authToken = strings.TrimSpace(string(data))
	return c.authToken, nil
}

// authTokenPath returns the referenced credential file, if AuthRef is a
// file reference.
func (c *Client) authTokenPath() (string, bool) {
	if !strings.HasPrefix(c.cfg.AuthRef, authFilePrefix) {
		return "", false
	}
	return strings.TrimPrefix(c.cfg.AuthRef, authFilePrefix), true
}

type approvalResult struct {
	State     string `json:"state"`
	AuthToken string `json:"auth_token"`
}

// checkApproval asks the remote authority whether this device has been
// approved, persisting the returned credential when it has. Returns the
// approval state.
func (c *Client) checkApproval(ctx context.Context, tokenPath string) (string, error) {
	raw, err := c.rpc.Call(ctx, "device.check_approval", map[string]any{
		"company": c.cfg.Company,
		"serial":  c.cfg.Serial,
		"name":    c.cfg.Name,
		"info":    c.cfg.AutoText,
	})
	if err != nil {
		return "", fmt.Errorf("client: approval check failed: %w", err)
	}
	var approval approvalResult
	if err := json.Unmarshal(raw, &approval); err != nil {
		return "", fmt.Errorf("client: decode approval result: %w", err)
	}
	if approval.State != approvalApproved {
		return approval.State, nil
	}
	if err := c.writeAuthToken(tokenPath, approval.AuthToken); err != nil {
		// Not fatal here; the cycle errors out on the next attempt.
		c.log.Error().Err(err).Msg("unable to write auth token")
		return approval.State, nil
	}
	c.authToken = approval.AuthToken
	return approval.State, nil
}

func (c *Client) writeAuthToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("client: create auth token dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return fmt.Errorf("client: write auth token: %w", err)
	}
	return nil
}
