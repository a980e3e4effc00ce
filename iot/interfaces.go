package iot

import "context"

// MessagePublisher is an interface to publish MQTT messages on behalf of the gateway
type MessagePublisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos uint8, retain bool) error
}
