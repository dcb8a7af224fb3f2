package telemetry

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteAuthEvent records an auth lifecycle event.
//
// This is the primary method for security telemetry. The write is
// non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - action: The lifecycle action ("login", "refresh", "logout", "mfa_verify", "restore")
//   - outcome: The result ("success", "failure", "device_mismatch", "idle_timeout")
//   - deviceID: The device fingerprint the event applies to (a one-way digest, safe to record)
//
// Example:
//
//	client.WriteAuthEvent("refresh", "failure", deviceID)
func (c *Client) WriteAuthEvent(action, outcome, deviceID string) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"auth_events",
		map[string]string{
			"action":  action,
			"outcome": outcome,
		},
		map[string]interface{}{
			"device_id": deviceID,
			"count":     1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteRefreshLatency records how long a token rotation round-trip took.
//
// Sustained latency growth is an early signal of backend trouble before
// refreshes start failing outright.
//
// Parameters:
//   - deviceID: The device fingerprint the refresh ran on
//   - duration: Wall-clock duration of the refresh call
func (c *Client) WriteRefreshLatency(deviceID string, duration time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"refresh_latency",
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"millis": duration.Milliseconds(),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteSessionGauge records the current session state as a gauge.
//
// Parameters:
//   - state: The controller state name (e.g. "authenticated", "unauthenticated")
//   - active: 1 if a session is established, 0 otherwise
func (c *Client) WriteSessionGauge(state string, active int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"session_state",
		map[string]string{
			"state": state,
		},
		map[string]interface{}{
			"active": active,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}
