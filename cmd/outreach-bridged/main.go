// outreach-bridged runs all three peers of the outreach bridge in one
// process: the origin bridge with its page-facing websocket surface, the
// relay broker, and a supervisor that attaches a target agent to every
// browsing context the broker opens.
//
// Usage:
//
//	outreach-bridged --config bridge.yaml --log-level debug
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/whatisup223/outreachbridge/pkg/agent"
	"github.com/whatisup223/outreachbridge/pkg/bridge"
	"github.com/whatisup223/outreachbridge/pkg/broker"
	"github.com/whatisup223/outreachbridge/pkg/bus"
	"github.com/whatisup223/outreachbridge/pkg/config"
	"github.com/whatisup223/outreachbridge/pkg/domain"
	"github.com/whatisup223/outreachbridge/pkg/draftstore"
	"github.com/whatisup223/outreachbridge/pkg/infrastructure/eventbus"
	"github.com/whatisup223/outreachbridge/pkg/infrastructure/persistence"
	"github.com/whatisup223/outreachbridge/pkg/tabs"
	"github.com/whatisup223/outreachbridge/pkg/telemetry"
)

const version = "0.3.0"

var (
	configPath = flag.String("config", "bridge.yaml", "Path to YAML configuration")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.NewConsoleWriter()).
		Level(level).
		With().Timestamp().
		Str("component", "outreach-bridged").
		Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration invalid")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatal().Err(err).Msg("data dir")
	}

	store, err := draftstore.Open(filepath.Join(cfg.DataDir, "bridge.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("open draft store")
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	messageBus := bus.New()
	defer messageBus.Close()
	events := eventbus.New()
	defer events.Close()
	repo := persistence.NewDispatchRepository(cfg.DataDir)
	sink := telemetry.NewSink(cfg.TelemetryPrimary, cfg.TelemetryFallback, log)
	opener := tabs.NewMemoryOpener()

	hub := bridge.NewHub(cfg.AllowedOrigins, log)
	// Lifecycle events stream to connected dashboard pages.
	events.SubscribeAll(func(ev domain.Event) {
		hub.Broadcast("EVENT", map[string]interface{}{
			"type":         ev.EventType(),
			"aggregate_id": ev.AggregateID(),
			"data":         ev.Payload(),
		})
	})

	origin := bridge.New(bridge.Options{
		Bus:       messageBus,
		Hub:       hub,
		Sink:      sink,
		Events:    events,
		Log:       log,
		SourceTag: cfg.SourceTag,
	})

	relay := broker.New(broker.Options{
		Bus:             messageBus,
		Opener:          opener,
		Flag:            store.Flag(),
		Sink:            sink,
		Reader:          telemetry.NewReader(),
		Repo:            repo,
		Events:          events,
		Log:             log,
		SettleDelay:     cfg.SettleDelay.Std(),
		DeliveryTimeout: cfg.DeliveryTimeout.Std(),
		DownloadDir:     cfg.DownloadDir,
		Version:         version,
	})

	server := &http.Server{Addr: cfg.Listen, Handler: hub.Mux()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return origin.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return relay.RunStatsSweep(gctx, cfg.StatsSweep, cfg.StatsWindow.Std()) })
	g.Go(func() error { return logBusTraffic(gctx, messageBus.Tap("envelope-log"), log) })
	g.Go(func() error { return superviseAgents(gctx, messageBus, store, opener, events, log, cfg) })
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Info().Str("listen", cfg.Listen).Str("version", version).Msg("outreach bridge up")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("bridge exited")
	}
	log.Info().Msg("shutting down")
}

// logBusTraffic mirrors every envelope crossing the bus at debug level.
// The tap is non-blocking on the bus side, so a stalled logger drops
// envelopes instead of stalling deliveries.
func logBusTraffic(ctx context.Context, tap <-chan bus.Envelope, log zerolog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-tap:
			if !ok {
				return nil
			}
			log.Debug().
				Str("kind", string(env.Kind)).
				Str("from", env.From).
				Str("to", env.To).
				Msg("bus envelope")
		}
	}
}

// superviseAgents attaches a target agent to every browsing context the
// broker opens. The in-process driver has no real page to load, so the
// supervisor also reports the load-complete lifecycle event; a browser
// driver reports its own.
func superviseAgents(ctx context.Context, messageBus *bus.Bus, store *draftstore.Store, opener *tabs.MemoryOpener, events domain.EventBus, log zerolog.Logger, cfg config.Config) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tab := <-opener.Opened():
			a := agent.New(agent.Options{
				Bus:          messageBus,
				Tab:          tab,
				Drafts:       store.Drafts(),
				Flag:         store.Flag(),
				Events:       events,
				Log:          log,
				IndicatorTTL: cfg.IndicatorTTL.Std(),
				GraceDelay:   cfg.GraceDelay.Std(),
			})
			go a.Run(ctx)
			go func(t *tabs.Tab) {
				t.Emit(tabs.StatusLoading)
				select {
				case <-time.After(200 * time.Millisecond):
					t.Emit(tabs.StatusComplete)
				case <-ctx.Done():
				}
			}(tab)
		}
	}
}
