// Package bridge implements the origin bridge: the peer embedded in the
// dashboard's own page. It translates in-page messages into cross-context
// requests, answers the presence protocol, and relays broker responses
// back into the page. It never retries and never blocks the page: if the
// broker is unreachable the page still gets an answer.
package bridge

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/whatisup223/outreachbridge/pkg/bus"
	"github.com/whatisup223/outreachbridge/pkg/domain"
	"github.com/whatisup223/outreachbridge/pkg/domain/dispatch"
	"github.com/whatisup223/outreachbridge/pkg/telemetry"
)

// PageMessage is the wire form of an in-page message. Source must match
// the configured tag; together with the websocket origin check this is
// the one and only authentication boundary between page and bridge.
type PageMessage struct {
	Source   string                    `json:"source"`
	Type     string                    `json:"type"`
	UserID   string                    `json:"user_id,omitempty"`
	Request  *dispatch.DeliveryRequest `json:"request,omitempty"`
	URL      string                    `json:"url,omitempty"`
	ItemID   string                    `json:"item_id,omitempty"`
	ItemType string                    `json:"item_type,omitempty"`
}

// Page-facing event types.
const (
	pagePong           = "PONG"
	pageDeployResponse = "DEPLOY_RESPONSE"
	pageStatsResult    = "STATS_RESULT"
	pageInstallInfo    = "INSTALL_INFO"
)

// Bridge is the origin bridge peer.
type Bridge struct {
	bus       *bus.Bus
	inbox     <-chan bus.Envelope
	hub       *Hub
	sink      *telemetry.Sink
	events    domain.EventBus
	log       zerolog.Logger
	sourceTag string
}

// Options wires the bridge's collaborators.
type Options struct {
	Bus       *bus.Bus
	Hub       *Hub
	Sink      *telemetry.Sink
	Events    domain.EventBus
	Log       zerolog.Logger
	SourceTag string
}

// New creates the bridge and registers its context address on the bus.
func New(opts Options) *Bridge {
	b := &Bridge{
		bus:       opts.Bus,
		inbox:     opts.Bus.Register(bus.AddrOriginBridge),
		hub:       opts.Hub,
		sink:      opts.Sink,
		events:    opts.Events,
		log:       opts.Log.With().Str("component", "bridge").Logger(),
		sourceTag: opts.SourceTag,
	}
	opts.Hub.SetHandler(b.HandlePage)
	return b
}

// Run announces presence and relays broker responses into the page until
// ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	// Unsolicited PONG on load: a page that loads after the bridge can
	// do a cheap one-shot check instead of racing a request/response.
	// The hub's installed marker is the redundant second channel.
	b.hub.Broadcast(pagePong, nil)
	b.hub.MarkInstalled()

	for {
		env, ok := bus.Consume(ctx, b.inbox)
		if !ok {
			return ctx.Err()
		}
		b.relay(env)
	}
}

// relay re-emits a broker response into the page.
func (b *Bridge) relay(env bus.Envelope) {
	switch env.Kind {
	case bus.KindDeployResponse:
		b.hub.Broadcast(pageDeployResponse, env.Payload)
	case bus.KindStatsResult:
		b.hub.Broadcast(pageStatsResult, env.Payload)
	case bus.KindInstallInfo:
		b.hub.Broadcast(pageInstallInfo, env.Payload)
	default:
		b.log.Warn().Str("kind", string(env.Kind)).Msg("unexpected envelope")
	}
}

// HandlePage processes one raw in-page message. Messages whose source tag
// does not match the expected sender are rejected silently.
func (b *Bridge) HandlePage(raw []byte) {
	var msg PageMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		b.log.Debug().Err(err).Msg("unparseable page message")
		return
	}
	if msg.Source != b.sourceTag {
		b.log.Debug().Str("source", msg.Source).Msg("rejected page message: source tag mismatch")
		return
	}

	switch msg.Type {
	case "PING":
		b.handlePing(msg)
	case "DEPLOY":
		b.handleDeploy(msg)
	case "VERIFY_INSTALL":
		b.forwardOrAnswer(bus.Envelope{
			Kind:    bus.KindVerifyInstall,
			From:    bus.AddrOriginBridge,
			To:      bus.AddrRelayBroker,
			Payload: bus.VerifyInstallPayload{},
		}, pageInstallInfo, bus.InstallInfoPayload{Installed: false})
	case "FETCH_STATS":
		b.forwardOrAnswer(bus.Envelope{
			Kind: bus.KindFetchStats,
			From: bus.AddrOriginBridge,
			To:   bus.AddrRelayBroker,
			Payload: bus.FetchStatsPayload{
				URL:      msg.URL,
				ItemID:   msg.ItemID,
				ItemType: msg.ItemType,
			},
		}, pageStatsResult, bus.StatsResultPayload{ItemID: msg.ItemID, Error: "broker unreachable"})
	default:
		b.log.Debug().Str("type", msg.Type).Msg("unknown page message type")
	}
}

// handlePing answers a presence query: PONG synchronously, plus a
// best-effort install notification to the backend. The in-page PONG is
// the UI truth; the backend call is advisory bookkeeping only and its
// failures are swallowed.
func (b *Bridge) handlePing(msg PageMessage) {
	b.hub.Broadcast(pagePong, nil)
	go b.sink.NotifyInstall(context.Background(), msg.UserID)
	if b.events != nil {
		b.events.Publish(domain.NewEvent(domain.EventPresenceQueried, domain.EntityID(msg.UserID), nil))
	}
}

// handleDeploy forwards a dispatch request verbatim to the broker. If the
// broker is unreachable the page still gets a response — the page layer
// owns timeouts, not this bridge.
func (b *Bridge) handleDeploy(msg PageMessage) {
	if msg.Request == nil {
		b.hub.Broadcast(pageDeployResponse, bus.DeployResponsePayload{
			Status: bus.StatusFailed,
			Error:  "missing delivery request",
		})
		return
	}
	b.forwardOrAnswer(bus.Envelope{
		Kind:    bus.KindDeploy,
		From:    bus.AddrOriginBridge,
		To:      bus.AddrRelayBroker,
		Payload: bus.DeployPayload{Request: *msg.Request},
	}, pageDeployResponse, bus.DeployResponsePayload{
		ItemID: msg.Request.ItemID,
		Status: bus.StatusFailed,
		Error:  "broker unreachable",
	})
}

// forwardOrAnswer sends an envelope to the broker, answering the page
// immediately with the fallback payload when the broker is not there.
func (b *Bridge) forwardOrAnswer(env bus.Envelope, pageType string, fallback interface{}) {
	if err := b.bus.Send(env); err != nil {
		b.log.Warn().Err(err).Str("kind", string(env.Kind)).Msg("broker unreachable")
		b.hub.Broadcast(pageType, fallback)
	}
}
