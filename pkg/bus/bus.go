// Package bus provides the addressed message bus connecting the three
// isolated execution contexts of the outreach bridge. Each context owns
// one inbox; cross-context sends are queued, validated at the boundary,
// and carry no delivery or ordering guarantee beyond "this envelope was
// queued to that context".
package bus

import (
	"context"
	"sync"
)

// Errors returned by the bus.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrUnknownKind     Error = "unknown envelope kind"
	ErrPayloadMismatch Error = "payload type does not match envelope kind"
	ErrNoSuchContext   Error = "no context registered at address"
	ErrClosed          Error = "bus is closed"
)

// Subscriber is a named tap on the envelope stream. Multiple subscribers
// can independently observe the same traffic (fan-out).
type Subscriber struct {
	Name string
	ch   chan Envelope
}

// Bus routes envelopes between registered context addresses.
type Bus struct {
	mu      sync.RWMutex
	inboxes map[string]chan Envelope
	taps    []*Subscriber
	closed  bool

	closeOnce sync.Once
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{inboxes: make(map[string]chan Envelope)}
}

// Register creates the inbox for a context address. Re-registering an
// address replaces the previous inbox, which models a context restart:
// envelopes queued to the old incarnation are lost.
func (b *Bus) Register(address string) <-chan Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	inbox := make(chan Envelope, 64)
	b.inboxes[address] = inbox
	return inbox
}

// Unregister removes a context address. Pending envelopes are dropped.
func (b *Bus) Unregister(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inboxes, address)
}

// Send validates and queues an envelope to the destination context.
// A send to an absent context is a no-op failure, never a panic: closed
// tabs and never-opened contexts surface as ErrNoSuchContext.
func (b *Bus) Send(env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	b.fanOut(env)

	inbox, ok := b.inboxes[env.To]
	if !ok {
		return ErrNoSuchContext
	}
	select {
	case inbox <- env:
	default:
		// Inbox full — drop oldest and retry
		select {
		case <-inbox:
		default:
		}
		select {
		case inbox <- env:
		default:
		}
	}
	return nil
}

// Consume blocks until an envelope arrives on the inbox or ctx is done.
func Consume(ctx context.Context, inbox <-chan Envelope) (Envelope, bool) {
	select {
	case env, ok := <-inbox:
		return env, ok
	case <-ctx.Done():
		return Envelope{}, false
	}
}

// Tap creates a named subscriber that receives copies of every envelope
// sent through the bus. The returned channel is buffered; slow consumers drop.
func (b *Bus) Tap(name string) <-chan Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscriber{Name: name, ch: make(chan Envelope, 64)}
	b.taps = append(b.taps, sub)
	return sub.ch
}

func (b *Bus) fanOut(env Envelope) {
	for _, sub := range b.taps {
		select {
		case sub.ch <- env:
		default: // non-blocking — drop if subscriber is slow
		}
	}
}

// Close shuts the bus down. Further sends return ErrClosed.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for _, sub := range b.taps {
			close(sub.ch)
		}
		for _, inbox := range b.inboxes {
			close(inbox)
		}
		b.inboxes = make(map[string]chan Envelope)
		b.mu.Unlock()
	})
}

// Well-known context addresses. Target agents register at AgentAddress(tabID).
const (
	AddrOriginBridge = "origin-bridge"
	AddrRelayBroker  = "relay-broker"
)

// AgentAddress derives the context address of the agent embedded in a tab.
func AgentAddress(tabID string) string {
	return "agent:" + tabID
}
