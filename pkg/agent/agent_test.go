package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatisup223/outreachbridge/pkg/bus"
	"github.com/whatisup223/outreachbridge/pkg/domain"
	"github.com/whatisup223/outreachbridge/pkg/domain/dispatch"
	"github.com/whatisup223/outreachbridge/pkg/draftstore"
	"github.com/whatisup223/outreachbridge/pkg/tabs"
)

type agentHarness struct {
	bus    *bus.Bus
	tab    *tabs.Tab
	store  *draftstore.Store
	broker <-chan bus.Envelope
}

func newAgentHarness(t *testing.T) *agentHarness {
	t.Helper()
	store, err := draftstore.Open(filepath.Join(t.TempDir(), "bridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := bus.New()
	t.Cleanup(b.Close)
	broker := b.Register(bus.AddrRelayBroker)

	return &agentHarness{
		bus:    b,
		tab:    tabs.NewTab("https://example.com/r/golang/comments/abc/"),
		store:  store,
		broker: broker,
	}
}

// start creates and runs an agent against the harness. Calling it again
// after cancelling the previous context models a page reload.
func (h *agentHarness) start(t *testing.T, ttl, grace time.Duration) *Agent {
	t.Helper()
	a := New(Options{
		Bus:          h.bus,
		Tab:          h.tab,
		Drafts:       h.store.Drafts(),
		Flag:         h.store.Flag(),
		Log:          zerolog.Nop(),
		IndicatorTTL: ttl,
		GraceDelay:   grace,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)
	return a
}

func (h *agentHarness) deliver(t *testing.T, a *Agent, req dispatch.DeliveryRequest) {
	t.Helper()
	require.NoError(t, h.bus.Send(bus.Envelope{
		Kind:    bus.KindPasteReply,
		From:    bus.AddrRelayBroker,
		To:      bus.AgentAddress(h.tab.ID()),
		Payload: bus.PasteReplyPayload{Request: req},
	}))
	require.Eventually(t, a.Visible, time.Second, 5*time.Millisecond)
}

func sampleRequest() dispatch.DeliveryRequest {
	return dispatch.DeliveryRequest{
		Text:      "we hit the same issue, here is what worked",
		TargetURL: "https://example.com/r/golang/comments/abc/",
		ItemID:    "abc",
		UserID:    "u-1",
	}
}

func TestPassiveStartupWithNothingPending(t *testing.T) {
	h := newAgentHarness(t)
	a := h.start(t, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, a.Visible())
	assert.False(t, a.Preparing())
}

func TestLiveDeliveryRendersAndPersists(t *testing.T) {
	h := newAgentHarness(t)
	a := h.start(t, time.Second, 10*time.Millisecond)

	h.deliver(t, a, sampleRequest())
	assert.Equal(t, domain.SurfaceDraftShown, a.Surface().State())

	draft, ok, err := h.store.Drafts().Load()
	require.NoError(t, err)
	require.True(t, ok, "a live delivery must be persisted before the human acts")
	assert.Equal(t, "abc", draft.Request.ItemID)
}

func TestRecoveryAfterReloadIsIdempotent(t *testing.T) {
	h := newAgentHarness(t)
	first := h.start(t, time.Second, 10*time.Millisecond)
	h.deliver(t, first, sampleRequest())

	// Reload: a fresh agent on the same tab recovers the same surface.
	for i := 0; i < 3; i++ {
		a := h.start(t, time.Second, 10*time.Millisecond)
		require.Eventually(t, a.Visible, time.Second, 5*time.Millisecond)
		assert.Equal(t, domain.SurfaceDraftShown, a.Surface().State())
		assert.Equal(t, "abc", a.Surface().Draft().Request.ItemID)
	}

	// Still exactly one draft in the store.
	_, ok, err := h.store.Drafts().Load()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPreparingIndicatorWhenFlagSetBeforePayload(t *testing.T) {
	h := newAgentHarness(t)
	require.NoError(t, h.store.Flag().Set())

	a := h.start(t, time.Second, 10*time.Millisecond)
	require.Eventually(t, a.Preparing, time.Second, 5*time.Millisecond)
	assert.False(t, a.Visible())

	// The payload lands; the indicator swaps for the real surface.
	h.deliver(t, a, sampleRequest())
	assert.False(t, a.Preparing())

	set, err := h.store.Flag().IsSet()
	require.NoError(t, err)
	assert.False(t, set, "flag is cleared the instant the surface renders")
}

func TestPreparingIndicatorExpiresOnItsOwn(t *testing.T) {
	h := newAgentHarness(t)
	require.NoError(t, h.store.Flag().Set())

	a := h.start(t, 30*time.Millisecond, 10*time.Millisecond)
	require.Eventually(t, a.Preparing, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return !a.Preparing() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		set, err := h.store.Flag().IsSet()
		return err == nil && !set
	}, time.Second, 5*time.Millisecond, "expiry clears the flag so the next startup stays passive")
}

func TestDraftWinsOverFlagOnRecovery(t *testing.T) {
	h := newAgentHarness(t)
	require.NoError(t, h.store.Flag().Set())
	require.NoError(t, h.store.Drafts().Save(dispatch.NewPendingDraft(sampleRequest())))

	a := h.start(t, time.Second, 10*time.Millisecond)
	require.Eventually(t, a.Visible, time.Second, 5*time.Millisecond)
	assert.False(t, a.Preparing(), "a persisted draft outranks the loading flag")
}

func TestConfirmRequiresPriorAction(t *testing.T) {
	h := newAgentHarness(t)
	a := h.start(t, time.Second, 10*time.Millisecond)
	h.deliver(t, a, sampleRequest())

	assert.ErrorIs(t, a.Confirm(), ErrActionRequired)
	assert.False(t, a.Surface().ConfirmEnabled())

	require.NoError(t, a.TakeAction(domain.ActionCopyText))
	assert.True(t, a.Surface().ConfirmEnabled())
	require.NoError(t, a.Confirm())
}

func TestConfirmEmitsObservedPermalink(t *testing.T) {
	h := newAgentHarness(t)
	a := h.start(t, time.Second, 10*time.Millisecond)
	h.deliver(t, a, sampleRequest())

	// The platform redirected after submission; the observed URL wins.
	h.tab.SetURL("https://example.com/r/golang/comments/abc/my_reply_xyz/")

	require.NoError(t, a.TakeAction(domain.ActionCopyText))
	require.NoError(t, a.Confirm())

	select {
	case env := <-h.broker:
		require.Equal(t, bus.KindOutreachConfirm, env.Kind)
		ev := env.Payload.(bus.OutreachConfirmPayload).Confirmation
		assert.Equal(t, "abc", ev.ItemID)
		assert.Equal(t, "u-1", ev.UserID)
		assert.Equal(t, domain.KindComment, ev.ItemType)
		assert.Equal(t, "https://example.com/r/golang/comments/abc/my_reply_xyz/", ev.Permalink)
	case <-time.After(time.Second):
		t.Fatal("no confirmation reached the broker")
	}
}

func TestConfirmClearsDraftAndRemovesAfterGrace(t *testing.T) {
	h := newAgentHarness(t)
	a := h.start(t, time.Second, 20*time.Millisecond)
	h.deliver(t, a, sampleRequest())

	require.NoError(t, a.TakeAction(domain.ActionCopyText))
	require.NoError(t, a.Confirm())

	_, ok, err := h.store.Drafts().Load()
	require.NoError(t, err)
	assert.False(t, ok, "confirm deletes the draft immediately")

	// Terminal state stays visible through the grace window, then goes.
	assert.True(t, a.Visible())
	require.Eventually(t, func() bool { return !a.Visible() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.SurfaceNoDraft, a.Surface().State())
}

func TestConfirmSucceedsWithUnreachableBroker(t *testing.T) {
	h := newAgentHarness(t)
	h.bus.Unregister(bus.AddrRelayBroker)

	a := h.start(t, time.Second, 10*time.Millisecond)
	h.deliver(t, a, sampleRequest())

	require.NoError(t, a.TakeAction(domain.ActionCopyText))
	require.NoError(t, a.Confirm(), "a failed telemetry send never blocks the terminal state")
	require.Eventually(t, func() bool { return !a.Visible() }, time.Second, 5*time.Millisecond)
}

func TestDismissRemovesImmediatelyWithoutTelemetry(t *testing.T) {
	h := newAgentHarness(t)
	a := h.start(t, time.Second, time.Second)
	h.deliver(t, a, sampleRequest())

	require.NoError(t, a.Dismiss())
	assert.False(t, a.Visible(), "dismiss removes the surface with no grace delay")

	_, ok, err := h.store.Drafts().Load()
	require.NoError(t, err)
	assert.False(t, ok)

	select {
	case env := <-h.broker:
		t.Fatalf("dismiss must emit nothing, got %s", env.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeliveryFailedShowsNoticeAndClearsFlag(t *testing.T) {
	h := newAgentHarness(t)
	require.NoError(t, h.store.Flag().Set())
	a := h.start(t, time.Minute, 10*time.Millisecond)
	require.Eventually(t, a.Preparing, time.Second, 5*time.Millisecond)

	require.NoError(t, h.bus.Send(bus.Envelope{
		Kind:    bus.KindDeliveryFailed,
		From:    bus.AddrRelayBroker,
		To:      bus.AgentAddress(h.tab.ID()),
		Payload: bus.DeliveryFailedPayload{ItemID: "abc", Reason: "delivery timeout in tab_loading"},
	}))

	require.Eventually(t, func() bool { return a.FailureNotice() != "" }, time.Second, 5*time.Millisecond)
	assert.False(t, a.Preparing())
	set, err := h.store.Flag().IsSet()
	require.NoError(t, err)
	assert.False(t, set)
}

func TestDownloadImageAsksBrokerAndCountsAsAction(t *testing.T) {
	h := newAgentHarness(t)
	a := h.start(t, time.Second, 10*time.Millisecond)

	req := sampleRequest()
	req.ImageURL = "https://cdn.example.com/cat.png"
	h.deliver(t, a, req)

	require.NoError(t, a.DownloadImage())

	select {
	case env := <-h.broker:
		require.Equal(t, bus.KindDownloadImage, env.Kind)
		assert.Equal(t, "https://cdn.example.com/cat.png", env.Payload.(bus.DownloadImagePayload).URL)
	case <-time.After(time.Second):
		t.Fatal("no download request reached the broker")
	}
	assert.True(t, a.Surface().ConfirmEnabled(), "downloading the image unlocks confirmation")
}

func TestDownloadImageWithoutImageFails(t *testing.T) {
	h := newAgentHarness(t)
	a := h.start(t, time.Second, 10*time.Millisecond)
	h.deliver(t, a, sampleRequest())

	assert.ErrorIs(t, a.DownloadImage(), ErrNoSurface)
}
