package syncbus

import (
	"fmt"
)

// maxPayloadSize is the maximum payload size for sync messages (64KB).
// Session sync messages are small JSON envelopes; anything larger
// indicates a bug in the caller.
const maxPayloadSize = 64 << 10

// Publish sends a message to the specified sync topic.
//
// Parameters:
//   - topic: The topic to publish to (e.g., "ledgerline/session/usr-9f2a/activity")
//   - payload: The message payload (JSON, max 64KB)
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the broker should retain the message for new subscribers
//
// Retained messages are used only for the system status topic. Activity
// and termination events are moments in time and must not be retained,
// or a freshly started client would replay a stale termination.
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	// Validate inputs
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	// Check connection state
	if !c.IsConnected() {
		return ErrNotConnected
	}

	// Publish with timeout
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

// PublishEvent publishes a non-retained event with the configured default QoS.
//
// This is the standard way session lifecycle events reach the bus.
func (c *Client) PublishEvent(topic string, payload []byte) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), false)
}
