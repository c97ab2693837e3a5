// Package agent implements the delivery target agent: the peer embedded
// in the page the broker opens. On startup it recovers pending work from
// the draft store, handles the race where its page initializes before the
// broker's settle delay elapses, drives the confirmation surface, and
// emits the confirmation event back to the broker.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whatisup223/outreachbridge/pkg/bus"
	"github.com/whatisup223/outreachbridge/pkg/domain"
	"github.com/whatisup223/outreachbridge/pkg/domain/dispatch"
	"github.com/whatisup223/outreachbridge/pkg/draftstore"
	"github.com/whatisup223/outreachbridge/pkg/tabs"
)

// Error is a typed error for the agent.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrActionRequired Error = "confirmation requires a prior action on the content"
	ErrNoSurface      Error = "no surface is shown"
	ErrSurfaceBusy    Error = "a surface is already shown"
)

// Options wires the agent's collaborators and tunables.
type Options struct {
	Bus    *bus.Bus
	Tab    *tabs.Tab
	Drafts *draftstore.DraftAccessor
	Flag   *draftstore.FlagAccessor
	Events domain.EventBus
	Log    zerolog.Logger

	// IndicatorTTL bounds the self-expiring "preparing" indicator.
	IndicatorTTL time.Duration
	// GraceDelay keeps the confirmed surface visible before removal.
	GraceDelay time.Duration
}

// Agent is the delivery target peer for one browsing context.
type Agent struct {
	bus    *bus.Bus
	tab    *tabs.Tab
	inbox  <-chan bus.Envelope
	drafts *draftstore.DraftAccessor
	flag   *draftstore.FlagAccessor
	events domain.EventBus
	log    zerolog.Logger

	indicatorTTL time.Duration
	grace        time.Duration

	surface *Surface

	mu             sync.Mutex
	preparing      bool
	indicatorTimer *time.Timer
	failureNotice  string
	visible        bool
}

// New creates the agent and registers its context address on the bus.
func New(opts Options) *Agent {
	return &Agent{
		bus:          opts.Bus,
		tab:          opts.Tab,
		inbox:        opts.Bus.Register(bus.AgentAddress(opts.Tab.ID())),
		drafts:       opts.Drafts,
		flag:         opts.Flag,
		events:       opts.Events,
		log:          opts.Log.With().Str("component", "agent").Str("tab_id", opts.Tab.ID()).Logger(),
		indicatorTTL: opts.IndicatorTTL,
		grace:        opts.GraceDelay,
		surface:      NewSurface(),
	}
}

// Run recovers state and then consumes the inbox until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	a.recover()
	for {
		env, ok := bus.Consume(ctx, a.inbox)
		if !ok {
			a.stopIndicator()
			a.bus.Unregister(bus.AgentAddress(a.tab.ID()))
			return ctx.Err()
		}
		switch env.Kind {
		case bus.KindPasteReply:
			a.handleDelivery(env.Payload.(bus.PasteReplyPayload).Request)
		case bus.KindDeliveryFailed:
			a.handleDeliveryFailed(env.Payload.(bus.DeliveryFailedPayload))
		default:
			a.log.Warn().Str("kind", string(env.Kind)).Msg("unexpected envelope")
		}
	}
}

// recover implements the startup race handling. Order matters: a persisted
// draft wins over the loading flag, and the flag wins over passivity.
func (a *Agent) recover() {
	draft, ok, err := a.drafts.Load()
	if err != nil {
		a.log.Warn().Err(err).Msg("draft load failed, starting passive")
		return
	}
	if ok {
		// Reload or navigation after a payload already arrived. A
		// recovered draft cannot be told apart from one already actioned
		// in a different, now-closed context; it is re-rendered as is.
		a.render(draft, false)
		return
	}

	set, err := a.flag.IsSet()
	if err != nil {
		a.log.Warn().Err(err).Msg("flag read failed, starting passive")
		return
	}
	if set {
		// The page finished initializing before the broker's settle
		// delay elapsed. Show a bounded "preparing" indicator.
		a.showPreparing()
		return
	}
	// Nothing pending: wait passively for a delivered message.
}

func (a *Agent) showPreparing() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.preparing = true
	a.indicatorTimer = time.AfterFunc(a.indicatorTTL, func() {
		a.mu.Lock()
		expired := a.preparing
		a.preparing = false
		a.mu.Unlock()
		if expired {
			// The payload never arrived. Clear the flag defensively so
			// the next startup does not show a stale indicator.
			if err := a.flag.Clear(); err != nil {
				a.log.Warn().Err(err).Msg("defensive flag clear failed")
			}
			a.log.Info().Msg("preparing indicator expired")
		}
	})
}

func (a *Agent) stopIndicator() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.preparing = false
	if a.indicatorTimer != nil {
		a.indicatorTimer.Stop()
		a.indicatorTimer = nil
	}
}

// handleDelivery processes a live payload (not recovered from storage).
func (a *Agent) handleDelivery(req dispatch.DeliveryRequest) {
	a.stopIndicator()
	if err := a.flag.Clear(); err != nil {
		a.log.Warn().Err(err).Msg("flag clear failed")
	}
	a.render(dispatch.NewPendingDraft(req), true)
}

func (a *Agent) handleDeliveryFailed(p bus.DeliveryFailedPayload) {
	a.stopIndicator()
	if err := a.flag.Clear(); err != nil {
		a.log.Warn().Err(err).Msg("flag clear failed")
	}
	a.mu.Lock()
	a.failureNotice = p.Reason
	a.mu.Unlock()
	a.log.Warn().Str("item_id", p.ItemID).Str("reason", p.Reason).Msg("delivery failed signal")
}

// render shows the surface and, for live deliveries, persists the draft
// so it survives a reload before the human acts.
func (a *Agent) render(draft dispatch.PendingDraft, persist bool) {
	if err := a.surface.Show(draft); err != nil {
		a.log.Warn().Err(err).Msg("surface render rejected")
		return
	}
	a.mu.Lock()
	a.visible = true
	a.failureNotice = ""
	a.mu.Unlock()

	if persist {
		if err := a.drafts.Save(draft); err != nil {
			a.log.Warn().Err(err).Msg("draft persist failed")
		}
		a.publish(domain.EventDraftSaved, map[string]string{"item_id": draft.Request.ItemID})
	}
	a.publish(domain.EventSurfaceShown, map[string]string{
		"item_id": draft.Request.ItemID,
		"kind":    draft.Kind.String(),
	})
}

// ---------------------------------------------------------------------------
// Human-driven operations
// ---------------------------------------------------------------------------

// TakeAction records a human action (copy text, copy title, download the
// image). The first one unlocks the confirmation control.
func (a *Agent) TakeAction(kind domain.ActionKind) error {
	if err := a.surface.TakeAction(kind); err != nil {
		return err
	}
	a.publish(domain.EventActionTaken, map[string]string{"action": string(kind)})
	return nil
}

// DownloadImage asks the broker to fetch the draft's image, since this
// context has no download capability of its own, and records the action.
func (a *Agent) DownloadImage() error {
	draft := a.surface.Draft()
	if draft.Request.ImageURL == "" {
		return ErrNoSurface
	}
	// Fire and forget; the broker answers with IMAGE_SAVED when done.
	a.send(bus.Envelope{
		Kind:    bus.KindDownloadImage,
		From:    bus.AgentAddress(a.tab.ID()),
		To:      bus.AddrRelayBroker,
		Payload: bus.DownloadImagePayload{URL: draft.Request.ImageURL},
	})
	return a.TakeAction(domain.ActionDownloadImage)
}

// Confirm emits the confirmation event and tears the surface down after
// the grace delay. The permalink is the tab's URL as observed now, which
// may differ from the requested target URL after redirects.
func (a *Agent) Confirm() error {
	if err := a.surface.Confirm(); err != nil {
		return err
	}
	draft := a.surface.Draft()

	ev := dispatch.ConfirmationEvent{
		ItemID:    draft.Request.ItemID,
		UserID:    draft.Request.UserID,
		ItemType:  draft.Kind,
		Permalink: a.tab.CurrentURL(),
	}
	// Fire-and-forget telemetry relay; a failed send never blocks the
	// surface reaching its terminal visual state.
	a.send(bus.Envelope{
		Kind:    bus.KindOutreachConfirm,
		From:    bus.AgentAddress(a.tab.ID()),
		To:      bus.AddrRelayBroker,
		Payload: bus.OutreachConfirmPayload{Confirmation: ev},
	})

	if err := a.drafts.Clear(); err != nil {
		a.log.Warn().Err(err).Msg("draft clear failed")
	}
	a.publish(domain.EventOutreachConfirmed, ev)
	a.publish(domain.EventDraftCleared, nil)

	// Let the human see the terminal state before removal.
	time.AfterFunc(a.grace, a.removeSurface)
	return nil
}

// Dismiss deletes the draft and removes the surface immediately. No
// telemetry is emitted.
func (a *Agent) Dismiss() error {
	if err := a.surface.Dismiss(); err != nil {
		return err
	}
	if err := a.drafts.Clear(); err != nil {
		a.log.Warn().Err(err).Msg("draft clear failed")
	}
	a.publish(domain.EventOutreachDismissed, nil)
	a.publish(domain.EventDraftCleared, nil)
	a.removeSurface()
	return nil
}

func (a *Agent) removeSurface() {
	a.surface.Reset()
	a.mu.Lock()
	a.visible = false
	a.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Introspection — what the UI layer reads
// ---------------------------------------------------------------------------

// Surface exposes the confirmation surface.
func (a *Agent) Surface() *Surface { return a.surface }

// Visible reports whether the surface is on screen.
func (a *Agent) Visible() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.visible
}

// Preparing reports whether the interim indicator is on screen.
func (a *Agent) Preparing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.preparing
}

// FailureNotice returns the transient delivery failure text, if any.
func (a *Agent) FailureNotice() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failureNotice
}

func (a *Agent) send(env bus.Envelope) {
	if err := a.bus.Send(env); err != nil {
		a.log.Debug().Err(err).Str("kind", string(env.Kind)).Msg("send dropped")
	}
}

func (a *Agent) publish(t domain.EventType, data interface{}) {
	if a.events != nil {
		a.events.Publish(domain.NewEvent(t, domain.EntityID(a.tab.ID()), data))
	}
}
