// Package telemetry provides security telemetry for Ledgerline Session Core.
//
// It wraps the official influxdb-client-go v2 library for recording auth
// lifecycle events as time-series data: logins, token rotations, logouts,
// MFA outcomes, and device mismatches. Security teams use this to spot
// anomalies (refresh failure spikes, repeated device mismatches) across
// a fleet of clients.
//
// Telemetry is optional. When disabled in config the controller runs
// identically; callers hold a nil *Client and every write is a no-op.
//
// # Usage
//
//	client, err := telemetry.Connect(cfg.Telemetry)
//	if err != nil {
//	    log.Warn("telemetry unavailable", "error", err)
//	}
//	defer client.Close()
//
//	client.WriteAuthEvent("login", "success", deviceID)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via a
// callback. Connection and health check errors are returned directly.
package telemetry
