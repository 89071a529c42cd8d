// Package pubsub defines the Pub/Sub port (C7): the messaging transport
// contract the core depends on without owning the transport itself
// (spec §1, §6).
package pubsub

import (
	"context"
	"errors"
	"io"
	"net"
)

// Publisher is a fire-and-forget, best-effort publish capability.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// MessageHandler is invoked for every message received on a subscription.
type MessageHandler func(channel string, payload string)

// Subscriber maintains a persistent subscription, invoking handler for
// every inbound message until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler MessageHandler) error
}

// Client aggregates both halves plus lifecycle. Spec §5 requires the
// subscriber and publisher connections to be distinct; implementations are
// free to share a connection pool internally but must expose both roles.
type Client interface {
	Publisher
	Subscriber
	Close() error
}

// IsConnectionError reports whether err reflects a lost or refused
// transport connection rather than an ordinary publish/subscribe failure,
// so callers can distinguish redis_error (critical, spec §7) from a
// retryable command-level error without depending on a concrete backend.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
