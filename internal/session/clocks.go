package session

import (
	"context"
	"time"
)

// startClocksLocked launches the idle monitor and the refresh
// scheduler for the current session generation. Caller holds the lock.
// Any clocks from a previous generation are cancelled first.
func (c *Controller) startClocksLocked() {
	c.stopClocksLocked()

	ctx, cancel := context.WithCancel(context.Background())
	c.clockCancel = cancel

	c.clockWG.Add(2)
	go c.idleLoop(ctx)
	go c.refreshLoop(ctx)
}

// stopClocksLocked cancels running clocks. A cancelled clock never
// fires against stale state. Caller holds the lock.
func (c *Controller) stopClocksLocked() {
	if c.clockCancel != nil {
		c.clockCancel()
		c.clockCancel = nil
	}
}

// idleLoop periodically compares time since last recorded activity
// against the idle threshold and forces logout on breach.
func (c *Controller) idleLoop(ctx context.Context) {
	defer c.clockWG.Done()

	interval := time.Duration(c.timers.IdleCheckInterval) * time.Second
	threshold := time.Duration(c.timers.IdleTimeout) * time.Minute

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := c.now().Sub(c.state.LastActivity)
			authenticated := c.state.State == StateAuthenticated
			deviceID := ""
			if c.state.Session != nil {
				deviceID = string(c.state.Session.DeviceID)
			}
			c.mu.Unlock()

			if authenticated && idle > threshold {
				c.logger.Info("idle threshold breached, ending session", "idle", idle.String())
				c.record(ctx, "logout", "idle_timeout", "", deviceID, nil)
				c.telemetry.WriteAuthEvent("logout", "idle_timeout", deviceID)
				c.Logout(ctx)
				return
			}
		}
	}
}

// refreshLoop preemptively rotates tokens on a fixed schedule, shorter
// than both the access-token lifetime and the persisted record TTL, so
// a healthy session never presents an expired token and never lets its
// vault record lapse.
func (c *Controller) refreshLoop(ctx context.Context) {
	defer c.clockWG.Done()

	ticker := time.NewTicker(time.Duration(c.timers.RefreshInterval) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				// Refresh already tore the session down on failure;
				// this goroutine dies with its generation.
				return
			}
		}
	}
}
