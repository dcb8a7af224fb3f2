package syncbus

import "fmt"

// Topic layout: ledgerline/session/{scope}/{event}
//
// The scope is the logical user session the message belongs to. Clients
// subscribe to their own scope only; the broker's ACLs should enforce
// that a credential can only see its own scope.
const (
	// TopicPrefix is the base for all session sync topics.
	TopicPrefix = "ledgerline/session"

	// eventActivity is the event segment for activity updates.
	eventActivity = "activity"

	// eventTerminated is the event segment for session termination.
	eventTerminated = "terminated"
)

// Topics provides builders for session sync topics.
// Using these helpers ensures consistent topic naming across the codebase.
type Topics struct{}

// Activity returns the topic for activity updates within a session scope.
//
// Example: ledgerline/session/usr-9f2a/activity
func (Topics) Activity(scope string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, scope, eventActivity)
}

// Terminated returns the topic for session termination within a scope.
//
// Example: ledgerline/session/usr-9f2a/terminated
func (Topics) Terminated(scope string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, scope, eventTerminated)
}

// AllEvents returns a wildcard subscription for every event in a scope.
//
// Example: ledgerline/session/usr-9f2a/+
func (Topics) AllEvents(scope string) string {
	return fmt.Sprintf("%s/%s/+", TopicPrefix, scope)
}

// SystemStatus returns the topic for sessiond instance online/offline status.
//
// Example: ledgerline/session/system/status
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}
