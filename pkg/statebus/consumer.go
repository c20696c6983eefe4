// Package statebus carries overlay events over Kafka: the gateway publishes
// one message per provisioning run and overlayctl can tail the topic.
package statebus

import "context"

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
	Close() error
}
