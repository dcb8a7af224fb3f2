package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ledgerline/session-core/internal/infrastructure/syncbus"
)

// Message types carried on the sync bus.
const (
	msgActivityUpdate    = "ACTIVITY_UPDATE"
	msgSessionTerminated = "SESSION_TERMINATED"
)

// Bus is the slice of the sync bus the controller needs. Satisfied by
// *syncbus.Client.
type Bus interface {
	PublishEvent(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler syncbus.MessageHandler) error
}

// busMessage is the wire envelope for session sync messages.
type busMessage struct {
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
	DeviceID   string    `json:"device_id,omitempty"`
	InstanceID string    `json:"instance_id"`
}

// busLink binds a controller to the sync topics of one session scope.
type busLink struct {
	bus    Bus
	topics syncbus.Topics
	scope  string
}

// AttachBus subscribes the controller to the sync topics for scope.
// Activity seen by any client of the logical session keeps every
// client's idle clock alive; a termination anywhere ends the session
// everywhere.
func (c *Controller) AttachBus(bus Bus, scope string, qos byte) error {
	link := &busLink{bus: bus, scope: scope}

	if err := bus.Subscribe(link.topics.Activity(scope), qos, c.handleActivityMessage); err != nil {
		return fmt.Errorf("subscribing to activity updates: %w", err)
	}
	if err := bus.Subscribe(link.topics.Terminated(scope), qos, c.handleTerminatedMessage); err != nil {
		return fmt.Errorf("subscribing to termination events: %w", err)
	}

	c.mu.Lock()
	c.bus = link
	c.mu.Unlock()
	return nil
}

// TouchActivity records local user activity, resetting the idle clock,
// and announces it so other clients of the session stay alive too.
func (c *Controller) TouchActivity(ctx context.Context) {
	c.mu.Lock()
	if c.state.State != StateAuthenticated {
		c.mu.Unlock()
		return
	}
	now := c.now()
	c.state.LastActivity = now
	deviceID := ""
	if c.state.Session != nil {
		deviceID = string(c.state.Session.DeviceID)
	}
	link := c.bus
	c.mu.Unlock()

	if link == nil {
		return
	}
	c.publishBus(link, link.topics.Activity(link.scope), busMessage{
		Type:       msgActivityUpdate,
		Timestamp:  now,
		DeviceID:   deviceID,
		InstanceID: c.instanceID,
	})
}

// broadcastTerminated announces the end of the session. Other clients
// react with a local, non-rebroadcast logout.
func (c *Controller) broadcastTerminated() {
	c.mu.Lock()
	link := c.bus
	c.mu.Unlock()

	if link == nil {
		return
	}
	c.publishBus(link, link.topics.Terminated(link.scope), busMessage{
		Type:       msgSessionTerminated,
		InstanceID: c.instanceID,
	})
}

func (c *Controller) publishBus(link *busLink, topic string, msg busMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("encoding sync message failed", "error", err)
		return
	}
	if err := link.bus.PublishEvent(topic, payload); err != nil {
		c.logger.Warn("publishing sync message failed", "topic", topic, "error", err)
	}
}

// handleActivityMessage applies a remote activity update. Only
// activity from the same device identity moves the idle clock, and
// only forward.
func (c *Controller) handleActivityMessage(_ string, payload []byte) error {
	var msg busMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding activity message: %w", err)
	}
	if msg.InstanceID == c.instanceID {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Session == nil || string(c.state.Session.DeviceID) != msg.DeviceID {
		return nil
	}
	if msg.Timestamp.After(c.state.LastActivity) {
		c.state.LastActivity = msg.Timestamp
	}
	return nil
}

// handleTerminatedMessage ends the local session when another client
// of the same scope logged out or idled out. Idempotent: terminating
// an already-unauthenticated controller is a no-op, and the teardown
// is never re-broadcast.
func (c *Controller) handleTerminatedMessage(_ string, payload []byte) error {
	var msg busMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decoding termination message: %w", err)
	}
	if msg.InstanceID == c.instanceID {
		return nil
	}

	c.logger.Info("session terminated by another client", "instance", msg.InstanceID)
	c.logout(context.Background(), false)
	return nil
}
