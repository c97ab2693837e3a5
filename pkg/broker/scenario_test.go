package broker_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatisup223/outreachbridge/pkg/agent"
	"github.com/whatisup223/outreachbridge/pkg/broker"
	"github.com/whatisup223/outreachbridge/pkg/bus"
	"github.com/whatisup223/outreachbridge/pkg/domain"
	"github.com/whatisup223/outreachbridge/pkg/domain/dispatch"
	"github.com/whatisup223/outreachbridge/pkg/draftstore"
	"github.com/whatisup223/outreachbridge/pkg/infrastructure/persistence"
	"github.com/whatisup223/outreachbridge/pkg/tabs"
	"github.com/whatisup223/outreachbridge/pkg/telemetry"
)

// TestCommentDeliveryEndToEnd walks the full happy path: dispatch from the
// origin side, readiness-gated delivery into a fresh target context, the
// human acting and confirming, and the broker recording the outcome with
// the redirected permalink.
func TestCommentDeliveryEndToEnd(t *testing.T) {
	var confirmPosts atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/outreach/confirm" {
			confirmPosts.Add(1)
		}
	}))
	defer backend.Close()

	dir := t.TempDir()
	store, err := draftstore.Open(filepath.Join(dir, "bridge.db"))
	require.NoError(t, err)
	defer store.Close()

	b := bus.New()
	defer b.Close()
	bridge := b.Register(bus.AddrOriginBridge)

	opener := tabs.NewMemoryOpener()
	repo := persistence.NewDispatchRepository(dir)

	br := broker.New(broker.Options{
		Bus:             b,
		Opener:          opener,
		Flag:            store.Flag(),
		Sink:            telemetry.NewSink(backend.URL, "", zerolog.Nop()),
		Reader:          telemetry.NewReader(),
		Repo:            repo,
		Log:             zerolog.Nop(),
		SettleDelay:     20 * time.Millisecond,
		DeliveryTimeout: 5 * time.Second,
		DownloadDir:     filepath.Join(dir, "downloads"),
		Version:         "test",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go br.Run(ctx)

	// Origin side dispatches a comment.
	require.NoError(t, b.Send(bus.Envelope{
		Kind: bus.KindDeploy,
		From: bus.AddrOriginBridge,
		To:   bus.AddrRelayBroker,
		Payload: bus.DeployPayload{Request: dispatch.DeliveryRequest{
			Text:      "we solved this with a worker pool, happy to share numbers",
			TargetURL: "https://example.com/r/golang/comments/abc123/",
			ItemID:    "abc123",
			UserID:    "u-1",
		}},
	}))

	// The broker opens a fresh context; an agent boots inside it.
	require.Eventually(t, func() bool { return opener.Last() != nil }, time.Second, 5*time.Millisecond)
	tab := opener.Last()
	a := agent.New(agent.Options{
		Bus:          b,
		Tab:          tab,
		Drafts:       store.Drafts(),
		Flag:         store.Flag(),
		Log:          zerolog.Nop(),
		IndicatorTTL: 10 * time.Second,
		GraceDelay:   10 * time.Millisecond,
	})
	go a.Run(ctx)

	// The flag was raised before the page finished, so the agent shows
	// its interim indicator first.
	require.Eventually(t, a.Preparing, time.Second, 5*time.Millisecond)

	// The page finishes loading; after the settle delay the payload
	// arrives and the surface replaces the indicator.
	go func() {
		for i := 0; i < 40; i++ {
			tab.Emit(tabs.StatusComplete)
			time.Sleep(5 * time.Millisecond)
		}
	}()
	require.Eventually(t, a.Visible, 2*time.Second, 5*time.Millisecond)
	assert.False(t, a.Preparing())

	// The origin side got its dispatch acknowledgment.
	select {
	case env := <-bridge:
		require.Equal(t, bus.KindDeployResponse, env.Kind)
		assert.Equal(t, bus.StatusDeploying, env.Payload.(bus.DeployResponsePayload).Status)
	case <-time.After(time.Second):
		t.Fatal("origin never received the dispatch acknowledgment")
	}

	// The human pastes the text, submits, and the platform redirects.
	require.NoError(t, a.TakeAction(domain.ActionCopyText))
	tab.SetURL("https://example.com/r/golang/comments/abc123/my_reply/")
	require.NoError(t, a.Confirm())

	// The broker records the confirmed outcome with the observed URL.
	require.Eventually(t, func() bool {
		d, err := repo.FindByItem("abc123")
		return err == nil && d.State == domain.DispatchConfirmed
	}, time.Second, 5*time.Millisecond)
	d, err := repo.FindByItem("abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/r/golang/comments/abc123/my_reply/", d.Permalink)

	require.Eventually(t, func() bool { return confirmPosts.Load() == 1 }, time.Second, 10*time.Millisecond)

	// Nothing is left pending anywhere.
	_, ok, err := store.Drafts().Load()
	require.NoError(t, err)
	assert.False(t, ok)
	require.Eventually(t, func() bool { return !a.Visible() }, time.Second, 5*time.Millisecond)
}
