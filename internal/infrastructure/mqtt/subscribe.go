package mqtt

import (
	"fmt"
)

// Subscribe registers handler for messages on topic. Wildcards are allowed:
// "deerma/+/temperature_mode/set" matches the set topic of every device.
//
// The subscription is tracked and restored after an automatic reconnect.
// Handlers run on paho's delivery goroutine and should only hand work off.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	return c.SubscribeAll([]string{topic}, qos, handler)
}

// SubscribeAll subscribes every topic to the same handler in a single
// SUBSCRIBE packet. Either all topics are tracked or none are.
//
// The shadow subscriber uses this for a device's get/accepted and
// update/accepted topics so both are live before the initial get request.
func (c *Client) SubscribeAll(topics []string, qos byte, handler MessageHandler) error {
	if len(topics) == 0 {
		return ErrInvalidTopic
	}
	for _, t := range topics {
		if t == "" {
			return ErrInvalidTopic
		}
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = qos
	}

	c.track(topics, qos, handler)

	token := c.client.SubscribeMultiple(filters, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		c.untrack(topics)
		return fmt.Errorf("%w: %v: timeout after %v", ErrSubscribeFailed, topics, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		c.untrack(topics)
		return fmt.Errorf("%w: %v: %w", ErrSubscribeFailed, topics, err)
	}

	return nil
}

// SubscriptionCount returns the number of tracked topic filters.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

func (c *Client) track(topics []string, qos byte, handler MessageHandler) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextBatch++
	for _, t := range topics {
		c.subscriptions[t] = subscription{topic: t, qos: qos, handler: handler, batch: c.nextBatch}
	}
}

func (c *Client) untrack(topics []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, t := range topics {
		delete(c.subscriptions, t)
	}
}
