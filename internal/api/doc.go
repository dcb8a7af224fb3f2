// Package api provides the local HTTP REST API and WebSocket server
// through which client shells drive the session controller.
//
// It exposes the session state machine (login, MFA, refresh, logout,
// activity), KYC submission, and the audit trail to user interfaces.
// State transitions are pushed to connected shells over WebSocket, so
// every window of the client observes the same session at the same
// time. Token material never leaves the daemon: API responses and
// WebSocket events carry a redacted view of the session.
//
// The server follows the same lifecycle pattern as other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
