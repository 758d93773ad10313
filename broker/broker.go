// Package broker moves message envelopes between nodes. Each node publishes
// to its peers' channels and holds exactly one subscription, on the channel
// named by its own node id. Payloads are the original request JSON,
// re-published verbatim; delivery is fire-and-forget, at most once.
package broker

import "context"

// MessageBroker is the cross-node transport contract.
type MessageBroker interface {
	// Publish sends an opaque envelope to the named channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe starts the node's inbound stream for the named channel. The
	// returned channel is closed when the subscription ends.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	// Close tears the broker down.
	Close() error
	// Type names the implementation, for logs and metric labels.
	Type() string
}
