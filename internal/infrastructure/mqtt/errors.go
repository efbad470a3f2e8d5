package mqtt

import "errors"

// Sentinel errors. Callers match them with errors.Is; the wrapped message
// carries the topic and the paho cause.
var (
	// ErrNotConnected is returned for operations on a disconnected client.
	// The shadow subscriber also reports it as the cause of a connection
	// lost without an error from paho.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	ErrPublishFailed   = errors.New("mqtt: publish failed")
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned for a QoS above 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned for an empty topic or topic list.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")
)
