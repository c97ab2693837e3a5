// Package broker implements the relay broker: the privileged, long-lived
// coordinator between the origin bridge and the target agents. It opens
// target contexts, gates payload delivery on readiness plus a settle
// delay, enforces one in-flight dispatch per target, and performs every
// outbound telemetry call so no other peer ever talks to the network.
package broker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whatisup223/outreachbridge/pkg/bus"
	"github.com/whatisup223/outreachbridge/pkg/domain"
	"github.com/whatisup223/outreachbridge/pkg/domain/dispatch"
	"github.com/whatisup223/outreachbridge/pkg/draftstore"
	"github.com/whatisup223/outreachbridge/pkg/tabs"
	"github.com/whatisup223/outreachbridge/pkg/telemetry"
)

// Options wires the broker's collaborators and tunables.
type Options struct {
	Bus    *bus.Bus
	Opener tabs.Opener
	Flag   *draftstore.FlagAccessor
	Sink   *telemetry.Sink
	Reader *telemetry.Reader
	Repo   dispatch.Repository
	Events domain.EventBus
	Log    zerolog.Logger

	SettleDelay     time.Duration
	DeliveryTimeout time.Duration
	DownloadDir     string
	Version         string
}

// Broker is the relay broker peer.
type Broker struct {
	bus    *bus.Bus
	inbox  <-chan bus.Envelope
	opener tabs.Opener
	flag   *draftstore.FlagAccessor
	sink   *telemetry.Sink
	reader *telemetry.Reader
	repo   dispatch.Repository
	events domain.EventBus
	log    zerolog.Logger

	settle      time.Duration
	timeout     time.Duration
	downloadDir string
	version     string

	mu       sync.Mutex
	inflight map[string]*inflightDispatch
}

// inflightDispatch is one tagged dispatch task keyed by target identity.
type inflightDispatch struct {
	dispatch *dispatch.Dispatch
	cancel   context.CancelFunc
}

// New creates the broker and registers its context address on the bus.
func New(opts Options) *Broker {
	return &Broker{
		bus:         opts.Bus,
		inbox:       opts.Bus.Register(bus.AddrRelayBroker),
		opener:      opts.Opener,
		flag:        opts.Flag,
		sink:        opts.Sink,
		reader:      opts.Reader,
		repo:        opts.Repo,
		events:      opts.Events,
		log:         opts.Log.With().Str("component", "broker").Logger(),
		settle:      opts.SettleDelay,
		timeout:     opts.DeliveryTimeout,
		downloadDir: opts.DownloadDir,
		version:     opts.Version,
		inflight:    make(map[string]*inflightDispatch),
	}
}

// Run consumes the broker inbox until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	for {
		env, ok := bus.Consume(ctx, b.inbox)
		if !ok {
			return ctx.Err()
		}
		b.handle(ctx, env)
	}
}

func (b *Broker) handle(ctx context.Context, env bus.Envelope) {
	switch env.Kind {
	case bus.KindDeploy:
		b.handleDeploy(ctx, env)
	case bus.KindOutreachConfirm:
		b.handleConfirm(ctx, env)
	case bus.KindVerifyInstall:
		b.reply(env, bus.KindInstallInfo, bus.InstallInfoPayload{Installed: true, Version: b.version})
	case bus.KindFetchStats:
		go b.handleFetchStats(ctx, env)
	case bus.KindDownloadImage:
		go b.handleDownloadImage(ctx, env)
	default:
		b.log.Warn().Str("kind", string(env.Kind)).Str("from", env.From).Msg("unexpected envelope")
	}
}

// ---------------------------------------------------------------------------
// Dispatch & delivery
// ---------------------------------------------------------------------------

func (b *Broker) handleDeploy(ctx context.Context, env bus.Envelope) {
	req := env.Payload.(bus.DeployPayload).Request

	d, err := dispatch.New(req)
	if err != nil {
		// Malformed requests are the one failure class surfaced
		// synchronously to the caller.
		b.reply(env, bus.KindDeployResponse, bus.DeployResponsePayload{
			ItemID: req.ItemID,
			Status: bus.StatusFailed,
			Error:  err.Error(),
		})
		return
	}

	b.mu.Lock()
	if _, exists := b.inflight[d.TargetKey]; exists {
		b.mu.Unlock()
		b.publishOne(domain.NewEvent(domain.EventDispatchRejected, d.ID(), map[string]string{
			"target": d.TargetKey,
		}))
		b.reply(env, bus.KindDeployResponse, bus.DeployResponsePayload{
			ItemID: req.ItemID,
			Status: bus.StatusRejected,
			Error:  dispatch.ErrInFlight.Error(),
		})
		return
	}
	dctx, cancel := context.WithCancel(ctx)
	b.inflight[d.TargetKey] = &inflightDispatch{dispatch: d, cancel: cancel}
	b.mu.Unlock()

	// Raise the loading flag the instant the dispatch begins, before the
	// tab exists, so an early-initializing agent can show its indicator.
	if err := b.flag.Set(); err != nil {
		b.log.Warn().Err(err).Msg("failed to raise loading flag")
	}
	b.persist(d)

	go b.runDelivery(dctx, d, env.From)
}

// runDelivery drives one dispatch through tab_opening → tab_loading →
// payload_sent, or to failed on timeout, tab close, or missing context.
func (b *Broker) runDelivery(ctx context.Context, d *dispatch.Dispatch, replyTo string) {
	defer b.clearInflight(d.TargetKey)

	d.MarkTabOpening()
	b.persist(d)

	tab, err := b.opener.Open(ctx, d.Request.TargetURL)
	if err != nil {
		b.fail(d, replyTo, "", fmt.Sprintf("open target: %v", err))
		return
	}

	d.MarkTabLoading(tab.ID())
	b.persist(d)

	// Subscribe to exactly this tab's lifecycle. The subscription is torn
	// down the instant the matching "complete" event fires, so at most
	// one delivery is ever sent per dispatch.
	lifecycle, unsubscribe := tab.Subscribe()
	defer unsubscribe()

	deadline := time.NewTimer(b.timeout)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-lifecycle:
			if !ok {
				b.fail(d, replyTo, tab.ID(), "target closed before load")
				return
			}
			if ev.Status != tabs.StatusComplete {
				continue
			}
			unsubscribe()
			b.publishOne(domain.NewEvent(domain.EventTabLoaded, d.ID(), map[string]string{
				"tab_id": tab.ID(),
			}))
			b.settleAndDeliver(ctx, d, tab, replyTo, deadline)
			return

		case <-tab.Closed():
			b.fail(d, replyTo, tab.ID(), "target closed before load")
			return

		case <-deadline.C:
			b.fail(d, replyTo, tab.ID(), "delivery timeout in tab_loading")
			return

		case <-ctx.Done():
			d.MarkFailed("dispatch cancelled")
			b.persist(d)
			return
		}
	}
}

// settleAndDeliver waits out the settle delay — a deliberate, crude
// substitute for observing the target page's own readiness signal, which
// the broker cannot do — then sends the payload. The wait is cancellable:
// a tab closed before it elapses aborts delivery as a no-op failure.
func (b *Broker) settleAndDeliver(ctx context.Context, d *dispatch.Dispatch, tab *tabs.Tab, replyTo string, deadline *time.Timer) {
	settle := time.NewTimer(b.settle)
	defer settle.Stop()

	select {
	case <-settle.C:
	case <-tab.Closed():
		b.fail(d, replyTo, tab.ID(), "target closed during settle delay")
		return
	case <-deadline.C:
		b.fail(d, replyTo, tab.ID(), "delivery timeout during settle delay")
		return
	case <-ctx.Done():
		d.MarkFailed("dispatch cancelled")
		b.persist(d)
		return
	}

	err := b.bus.Send(bus.Envelope{
		Kind:    bus.KindPasteReply,
		From:    bus.AddrRelayBroker,
		To:      bus.AgentAddress(tab.ID()),
		Payload: bus.PasteReplyPayload{Request: d.Request},
	})
	if err != nil {
		// Messaging a context that no longer exists is a no-op failure,
		// never a crash.
		b.fail(d, replyTo, tab.ID(), fmt.Sprintf("deliver payload: %v", err))
		return
	}

	d.MarkPayloadSent()
	b.persist(d)

	// Acknowledgment of dispatch, not of delivery success or of the
	// human's eventual action.
	b.send(bus.Envelope{
		Kind: bus.KindDeployResponse,
		From: bus.AddrRelayBroker,
		To:   replyTo,
		Payload: bus.DeployResponsePayload{
			ItemID: d.Request.ItemID,
			Status: bus.StatusDeploying,
		},
	})
}

// fail moves the dispatch to its terminal failed state, answers the
// caller, and signals the target agent if one is listening.
func (b *Broker) fail(d *dispatch.Dispatch, replyTo, tabID, reason string) {
	d.MarkFailed(reason)
	b.persist(d)
	b.log.Warn().Str("item_id", d.Request.ItemID).Str("reason", reason).Msg("dispatch failed")

	b.send(bus.Envelope{
		Kind: bus.KindDeployResponse,
		From: bus.AddrRelayBroker,
		To:   replyTo,
		Payload: bus.DeployResponsePayload{
			ItemID: d.Request.ItemID,
			Status: bus.StatusFailed,
			Error:  reason,
		},
	})
	if tabID != "" {
		// Best effort: the agent may never have initialized.
		b.send(bus.Envelope{
			Kind:    bus.KindDeliveryFailed,
			From:    bus.AddrRelayBroker,
			To:      bus.AgentAddress(tabID),
			Payload: bus.DeliveryFailedPayload{ItemID: d.Request.ItemID, Reason: reason},
		})
	}
}

func (b *Broker) clearInflight(targetKey string) {
	b.mu.Lock()
	if entry, ok := b.inflight[targetKey]; ok {
		entry.cancel()
		delete(b.inflight, targetKey)
	}
	b.mu.Unlock()
}

// InFlight reports whether a dispatch is outstanding for the target key.
func (b *Broker) InFlight(targetKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.inflight[targetKey]
	return ok
}

// ---------------------------------------------------------------------------
// Confirmation & telemetry relay
// ---------------------------------------------------------------------------

func (b *Broker) handleConfirm(ctx context.Context, env bus.Envelope) {
	ev := env.Payload.(bus.OutreachConfirmPayload).Confirmation

	if d, err := b.repo.FindByItem(ev.ItemID); err == nil {
		if err := d.MarkConfirmed(ev.Permalink); err == nil {
			b.persist(d)
		}
	}

	// Three independent, uncoordinated advisory calls. None block the
	// delivery flow; failures are swallowed by the sink.
	go b.sink.RecordKarma(ctx, ev.UserID, ev.ItemID)
	go b.sink.RecordConfirmation(ctx, ev)
}

func (b *Broker) handleFetchStats(ctx context.Context, env bus.Envelope) {
	p := env.Payload.(bus.FetchStatsPayload)

	sample, err := b.reader.FetchStats(ctx, p.URL)
	result := bus.StatsResultPayload{ItemID: p.ItemID, Sample: sample}
	if err != nil {
		result.Error = err.Error()
		b.publishOne(domain.NewEvent(domain.EventTelemetryFailed, domain.EntityID(p.ItemID), map[string]string{
			"url": p.URL, "error": err.Error(),
		}))
	} else {
		b.sink.RecordStats(ctx, p.ItemID, sample)
		b.publishOne(domain.NewEvent(domain.EventStatsFetched, domain.EntityID(p.ItemID), sample))
	}
	b.reply(env, bus.KindStatsResult, result)
}

func (b *Broker) handleDownloadImage(ctx context.Context, env bus.Envelope) {
	p := env.Payload.(bus.DownloadImagePayload)

	dest, err := b.downloadAsset(ctx, p.URL)
	result := bus.ImageSavedPayload{Path: dest}
	if err != nil {
		result.Error = err.Error()
	}
	b.reply(env, bus.KindImageSaved, result)
}

// downloadAsset fetches a URL on behalf of an agent context that has no
// network capability of its own.
func (b *Broker) downloadAsset(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("asset request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("asset fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("asset fetch: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(b.downloadDir, 0755); err != nil {
		return "", fmt.Errorf("download dir: %w", err)
	}
	name := uuid.NewString() + path.Ext(url)
	dest := filepath.Join(b.downloadDir, name)

	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("asset save: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("asset save: %w", err)
	}
	return dest, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (b *Broker) reply(env bus.Envelope, kind bus.Kind, payload interface{}) {
	b.send(bus.Envelope{Kind: kind, From: bus.AddrRelayBroker, To: env.From, Payload: payload})
}

func (b *Broker) send(env bus.Envelope) {
	if err := b.bus.Send(env); err != nil {
		b.log.Debug().Err(err).Str("kind", string(env.Kind)).Str("to", env.To).Msg("send dropped")
	}
}

func (b *Broker) persist(d *dispatch.Dispatch) {
	if err := b.repo.Save(d); err != nil {
		b.log.Warn().Err(err).Str("dispatch", d.ID().String()).Msg("persist failed")
	}
	if b.events != nil {
		for _, ev := range d.PullEvents() {
			b.events.Publish(ev)
		}
	}
}

func (b *Broker) publishOne(ev domain.Event) {
	if b.events != nil {
		b.events.Publish(ev)
	}
}
