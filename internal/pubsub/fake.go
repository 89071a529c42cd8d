package pubsub

import (
	"context"
	"sync"
)

// Fake is an in-memory Client for tests, the same role the pack's
// ilyaglow-feedtrigger gives its swappable gokv store: a dependency the
// core only ever talks to through the port, never its concrete type.
type Fake struct {
	mu        sync.Mutex
	Published []FakeMessage
	handlers  map[string][]MessageHandler
}

// FakeMessage records one Publish call for assertions.
type FakeMessage struct {
	Channel string
	Payload []byte
}

// NewFake constructs an empty Fake client.
func NewFake() *Fake {
	return &Fake{handlers: make(map[string][]MessageHandler)}
}

func (f *Fake) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.Published = append(f.Published, FakeMessage{Channel: channel, Payload: cp})
	for _, h := range f.handlers[channel] {
		h(channel, string(cp))
	}
	return nil
}

// Subscribe registers handler and blocks until ctx is cancelled, matching
// the real Subscriber's blocking contract.
func (f *Fake) Subscribe(ctx context.Context, channel string, handler MessageHandler) error {
	f.mu.Lock()
	f.handlers[channel] = append(f.handlers[channel], handler)
	f.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

// Deliver synchronously invokes every handler subscribed to channel,
// without recording a Published entry, useful for driving the inbound
// command bus directly in tests.
func (f *Fake) Deliver(channel, payload string) {
	f.mu.Lock()
	handlers := append([]MessageHandler(nil), f.handlers[channel]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(channel, payload)
	}
}

func (f *Fake) Close() error { return nil }
