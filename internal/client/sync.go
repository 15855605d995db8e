package client

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Vladimirek/dataplicity/internal/jsonrpc"
	"github.com/Vladimirek/dataplicity/internal/timeline"
)

// Call ids within one cycle's batch.
const (
	authCallID        = "authenticate_result"
	setFirmwareCallID = "set_firmware_result"
	firmwareCallID    = "firmware_result"
	confCallID        = "conf_result"
)

func samplesCallID(sampler string) string {
	return "samples." + sampler
}

func timelineCallID(name string) string {
	return "timeline_result_" + name
}

type firmwareResult struct {
	Current     bool   `json:"current"`
	Firmware    string `json:"firmware"`
	DeviceClass string `json:"device_class"`
	Version     int    `json:"version"`
}

// Sync runs one reconciliation cycle. Cycles are serialized: a caller
// arriving mid-cycle blocks until the in-flight cycle completes, then runs
// its own. A locally buffered item is cleared if and only if its call in
// this cycle's batch reported success; everything else stays for retry.
func (c *Client) Sync(ctx context.Context) error {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	start := time.Now()
	c.log.Debug().Msg("syncing...")
	outcome, err := c.sync(ctx)
	c.metrics.RecordCycle(outcome, time.Since(start))
	if err == nil {
		c.log.Debug().Dur("elapsed", time.Since(start)).Msg("sync complete")
	}
	return err
}

func (c *Client) sync(ctx context.Context) (string, error) {
	token, err := c.resolveAuthToken()
	if err != nil {
		return "error", err
	}
	if token == "" {
		tokenPath, ok := c.authTokenPath()
		if ok {
			state, err := c.checkApproval(ctx, tokenPath)
			if err != nil {
				return "error", err
			}
			switch state {
			case approvalApproved:
				token, err = c.resolveAuthToken()
				if err != nil {
					return "error", err
				}
			case approvalPending:
				// Waiting on approval; not an error.
				c.log.Debug().Msg("device approval pending...")
				return "pending", nil
			default:
				c.log.Error().Str("state", state).Msg("device approval")
				return "denied", nil
			}
		}
	}
	if token == "" {
		return "error", ErrNoAuthToken
	}

	batch := c.rpc.Batch()
	syncID := uuid.NewString()

	if err := batch.CallWithID(authCallID, "device.check_auth", map[string]any{
		"device_class": c.cfg.DeviceClass,
		"serial":       c.cfg.Serial,
		"auth_token":   token,
		"sync_id":      syncID,
	}); err != nil {
		return "error", err
	}
	if err := batch.CallWithID(setFirmwareCallID, "device.set_firmware", map[string]any{
		"version": c.cfg.FirmwareVersion,
	}); err != nil {
		return "error", err
	}
	if c.cfg.CheckFirmware {
		if err := batch.CallWithID(firmwareCallID, "device.check_firmware", map[string]any{
			"current_version": c.cfg.FirmwareVersion,
		}); err != nil {
			return "error", err
		}
	}

	uploaded := c.queueSamples(batch)

	if err := batch.CallWithID(confCallID, "device.update_conf_map", map[string]any{
		"conf_map": c.settings.ContentsMap(),
	}); err != nil {
		return "error", err
	}

	queuedTimelines := c.queueTimelines(batch)

	if err := batch.Send(ctx); err != nil {
		return "error", fmt.Errorf("client: sync batch failed: %w", err)
	}

	// Authentication resolves first. A failure here means the device cannot
	// be trusted; the cycle is abandoned with nothing cleared.
	if _, err := batch.Result(authCallID); err != nil {
		return "error", fmt.Errorf("client: authentication failed: %w", err)
	}

	// The server not recording our firmware version should not break the
	// rest of the sync.
	if _, err := batch.Result(setFirmwareCallID); err != nil {
		c.log.Error().Err(err).Msg("error setting current firmware version")
	}

	c.resolveSamples(batch, uploaded)
	c.resolveConf(batch)
	c.resolveTimelines(batch, queuedTimelines)

	// Firmware resolves only after all upload results are applied, so
	// accepted data is cleared before any restart.
	if c.cfg.CheckFirmware {
		c.resolveFirmware(batch)
	}
	return "ok", nil
}

// queueSamples queues one add_samples call per sampler with a non-empty
// snapshot, returning the sampler names queued. Empty snapshots are
// discarded immediately.
func (c *Client) queueSamples(batch *jsonrpc.Batch) []string {
	var uploaded []string
	for _, name := range c.samplers.Names() {
		samples, err := c.samplers.Snapshot(name)
		if err != nil {
			c.log.Warn().Err(err).Str("sampler", name).Msg("failed to snapshot sampler")
			continue
		}
		if len(samples) == 0 {
			if err := c.samplers.ClearSnapshot(name); err != nil {
				c.log.Warn().Err(err).Str("sampler", name).Msg("failed to remove empty snapshot")
			}
			continue
		}
		if err := batch.CallWithID(samplesCallID(name), "device.add_samples", map[string]any{
			"device_class": c.cfg.DeviceClass,
			"serial":       c.cfg.Serial,
			"sampler_name": name,
			"samples":      samples,
		}); err != nil {
			c.log.Warn().Err(err).Str("sampler", name).Msg("failed to queue samples")
			continue
		}
		uploaded = append(uploaded, name)
	}
	return uploaded
}

// queueTimelines queues one add_events call per non-empty timeline.
func (c *Client) queueTimelines(batch *jsonrpc.Batch) []*timeline.Timeline {
	var queued []*timeline.Timeline
	for _, tl := range c.timelines.Timelines() {
		events, err := tl.Events(true)
		if err != nil {
			c.log.Warn().Err(err).Str("timeline", tl.Name()).Msg("failed to read timeline events")
			continue
		}
		c.metrics.SetEventsPending(tl.Name(), len(events))
		if len(events) == 0 {
			continue
		}
		if err := batch.CallWithID(timelineCallID(tl.Name()), "device.add_events", map[string]any{
			"name":   tl.Name(),
			"events": events,
		}); err != nil {
			c.log.Warn().Err(err).Str("timeline", tl.Name()).Msg("failed to queue timeline events")
			continue
		}
		queued = append(queued, tl)
	}
	return queued
}

// resolveSamples clears snapshots whose upload succeeded. A failed or
// unresolvable result leaves the snapshot for the next cycle; one sampler's
// failure never blocks the others.
func (c *Client) resolveSamples(batch *jsonrpc.Batch, uploaded []string) {
	for _, name := range uploaded {
		var accepted bool
		if err := batch.ResultInto(samplesCallID(name), &accepted); err != nil {
			c.log.Error().Err(err).Str("sampler", name).Msg("error adding samples")
			continue
		}
		if !accepted {
			c.log.Warn().Str("sampler", name).Msg("sampler upload not accepted")
			continue
		}
		if err := c.samplers.ClearSnapshot(name); err != nil {
			c.log.Warn().Err(err).Str("sampler", name).Msg("failed to remove snapshot")
			continue
		}
		c.metrics.RecordSnapshotUploaded()
	}
}

// resolveConf applies remotely changed settings and notifies the scheduler.
func (c *Client) resolveConf(batch *jsonrpc.Batch) {
	changed := map[string]string{}
	if err := batch.ResultInto(confCallID, &changed); err != nil {
		c.log.Error().Err(err).Msg("error sending settings")
		return
	}
	if len(changed) == 0 {
		return
	}
	if err := c.settings.Apply(changed); err != nil {
		c.log.Error().Err(err).Msg("error applying changed settings")
		return
	}
	names := make([]string, 0, len(changed))
	for name := range changed {
		names = append(names, name)
	}
	sort.Strings(names)
	c.tasks.SettingsChanged(names)
	c.metrics.RecordSettingsChanged(len(names))
	c.log.Debug().Strs("settings", names).Msg("settings file(s) changed")
}

// resolveTimelines clears exactly the event ids the remote confirmed. The
// remote may accept a subset; unconfirmed events stay for the next cycle.
func (c *Client) resolveTimelines(batch *jsonrpc.Batch, queued []*timeline.Timeline) {
	for _, tl := range queued {
		var acceptedIDs []string
		if err := batch.ResultInto(timelineCallID(tl.Name()), &acceptedIDs); err != nil {
			c.log.Error().Err(err).Str("timeline", tl.Name()).Msg("error sending timeline events")
			continue
		}
		tl.Clear(acceptedIDs)
		c.metrics.RecordEventsUploaded(tl.Name(), len(acceptedIDs))
		if count, err := tl.EventCount(); err == nil {
			c.metrics.SetEventsPending(tl.Name(), count)
		}
	}
}

// resolveFirmware installs new firmware and asks the daemon to restart.
func (c *Client) resolveFirmware(batch *jsonrpc.Batch) {
	var fw firmwareResult
	if err := batch.ResultInto(firmwareCallID, &fw); err != nil {
		c.log.Error().Err(err).Msg("error checking firmware")
		return
	}
	if fw.Current {
		c.log.Debug().Msg("firmware is current")
		return
	}
	c.log.Info().Int("version", fw.Version).Str("device_class", fw.DeviceClass).Msg("installing firmware")
	installPath, err := c.installer.Install(fw.DeviceClass, fw.Version, fw.Firmware)
	if err != nil {
		c.log.Error().Err(err).Int("version", fw.Version).Msg("firmware install failed")
		return
	}
	c.log.Info().Str("path", installPath).Msg("firmware installed")
	c.restarter.RequestRestart()
}
