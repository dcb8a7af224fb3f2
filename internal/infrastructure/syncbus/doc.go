// Package syncbus provides the cross-client session synchronisation bus
// for Ledgerline Session Core.
//
// Multiple client shells of one logical user session (desktop app, kiosk,
// second workstation) each run a sessiond instance. The bus carries two
// kinds of messages between them: activity updates, so one active client
// keeps every client's idle clock alive, and session termination, so a
// logout or idle timeout in one client ends the session everywhere.
//
// The transport is MQTT (eclipse/paho.mqtt.golang) with:
//   - Connection management with Last Will and Testament
//   - Automatic reconnection with exponential backoff
//   - Subscription restoration after reconnect
//   - Panic recovery in message handlers
//
// Thread Safety: all methods are safe for concurrent use.
package syncbus
