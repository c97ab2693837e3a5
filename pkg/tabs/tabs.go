// Package tabs abstracts the browsing contexts the relay broker opens.
// The broker only needs three things from a tab: its identity, its
// lifecycle events, and its current URL (which may differ from the
// requested one after redirects). Real deployments plug a browser driver
// behind Opener; tests and the bundled harness use MemoryOpener.
package tabs

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Status is a coarse page lifecycle status.
type Status string

const (
	StatusLoading  Status = "loading"
	StatusComplete Status = "complete"
)

// LifecycleEvent reports a status change on a specific tab.
type LifecycleEvent struct {
	TabID  string
	Status Status
}

// Opener creates new, focused browsing contexts.
type Opener interface {
	// Open navigates a fresh tab to url and returns its handle.
	Open(ctx context.Context, url string) (*Tab, error)
}

// Tab is a handle on one browsing context.
type Tab struct {
	id string

	mu     sync.Mutex
	url    string
	subs   map[int]chan LifecycleEvent
	nextID int
	closed bool

	closedCh  chan struct{}
	closeOnce sync.Once
}

// NewTab constructs a tab at the given URL. Drivers call this; the broker
// only ever receives tabs from an Opener.
func NewTab(url string) *Tab {
	return &Tab{
		id:       uuid.NewString(),
		url:      url,
		subs:     make(map[int]chan LifecycleEvent),
		closedCh: make(chan struct{}),
	}
}

// ID returns the tab's identity. Lifecycle subscriptions are keyed on it.
func (t *Tab) ID() string { return t.id }

// CurrentURL returns the page's URL as it is now, redirects included.
func (t *Tab) CurrentURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// SetURL records a navigation or redirect on the tab.
func (t *Tab) SetURL(url string) {
	t.mu.Lock()
	t.url = url
	t.mu.Unlock()
}

// Subscribe registers for this tab's lifecycle events. The cancel func
// tears the subscription down; after cancel, no further events arrive.
func (t *Tab) Subscribe() (<-chan LifecycleEvent, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	ch := make(chan LifecycleEvent, 8)
	t.subs[id] = ch
	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Emit publishes a lifecycle event to all live subscriptions.
func (t *Tab) Emit(status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- LifecycleEvent{TabID: t.id, Status: status}:
		default: // drop if slow
		}
	}
}

// Close ends the browsing context. Pending deliveries into a closed tab
// must degrade to no-op failures on the sender side.
func (t *Tab) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		for id, ch := range t.subs {
			delete(t.subs, id)
			close(ch)
		}
		t.mu.Unlock()
		close(t.closedCh)
	})
}

// Closed returns a channel that is closed when the tab is.
func (t *Tab) Closed() <-chan struct{} { return t.closedCh }

// ---------------------------------------------------------------------------
// MemoryOpener — in-process driver
// ---------------------------------------------------------------------------

// MemoryOpener is an in-process Opener. Tests drive lifecycle events by
// hand; the harness binary auto-completes loading after Open.
type MemoryOpener struct {
	mu     sync.Mutex
	tabs   []*Tab
	opened chan *Tab
}

// NewMemoryOpener creates an empty in-process opener.
func NewMemoryOpener() *MemoryOpener {
	return &MemoryOpener{opened: make(chan *Tab, 16)}
}

// Open creates a tab in the loading state.
func (o *MemoryOpener) Open(ctx context.Context, url string) (*Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tab := NewTab(url)
	o.mu.Lock()
	o.tabs = append(o.tabs, tab)
	o.mu.Unlock()
	select {
	case o.opened <- tab:
	default:
	}
	return tab, nil
}

// Opened notifies each tab creation, so a supervisor can attach an agent
// to the new context.
func (o *MemoryOpener) Opened() <-chan *Tab { return o.opened }

// Last returns the most recently opened tab, or nil.
func (o *MemoryOpener) Last() *Tab {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.tabs) == 0 {
		return nil
	}
	return o.tabs[len(o.tabs)-1]
}

var _ Opener = (*MemoryOpener)(nil)
