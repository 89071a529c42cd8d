// Package redis implements the Pub/Sub port (C7) on top of Redis, grounded
// in the pack's redis-backed worker (brandon-relentnet-myscrollr's
// api/core/redis.go PublishRaw/PSubscribe helpers), generalized into a
// standalone client with distinct publisher/subscriber connections.
package redis

import (
	"context"
	"errors"
	"io"
	"log"
	"net"

	"github.com/redis/go-redis/v9"
)

// Redis implements pubsub.Client. The publisher uses the shared client's
// connection pool; subscriptions open their own dedicated connection per
// go-redis semantics, satisfying spec §5's "distinct connections"
// requirement without hand-rolling a second pool.
type Redis struct {
	client *redis.Client
}

// Connect parses urlStr (a redis:// URL) and verifies connectivity.
func Connect(ctx context.Context, urlStr string) (*Redis, error) {
	opts, err := redis.ParseURL(urlStr)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{client: client}, nil
}

// New wraps an already-constructed client.
func New(client *redis.Client) *Redis { return &Redis{client: client} }

func (r *Redis) Close() error { return r.client.Close() }

// Publish sends payload on channel. A failure is logged and also returned,
// so the caller decides whether to retry.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		log.Printf("redis: publish to %s failed: %v", channel, err)
		return err
	}
	return nil
}

// IsConnectionError reports whether err reflects a lost or refused
// connection rather than a query/command-level failure: go-redis surfaces
// these as a *net.OpError, io.EOF on an unexpectedly closed socket, or its
// own ErrClosed sentinel, never as a typed "redis error" value. Callers use
// this to distinguish redis_error (critical, spec §7) from an ordinary
// command failure.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Subscribe opens a persistent subscription on channel and invokes handler
// for every message until ctx is cancelled.
func (r *Redis) Subscribe(ctx context.Context, channel string, handler func(channel string, payload string)) error {
	sub := r.client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			handler(msg.Channel, msg.Payload)
		}
	}
}
