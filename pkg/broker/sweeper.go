package broker

import (
	"context"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// RunStatsSweep periodically re-fetches engagement stats for recently
// confirmed dispatches and forwards them to the telemetry sink. The
// schedule is a cron expression; an empty expression disables the sweep.
func (b *Broker) RunStatsSweep(ctx context.Context, schedule string, window time.Duration) error {
	if schedule == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	gron := gronx.New()
	if !gron.IsValid(schedule) {
		b.log.Warn().Str("schedule", schedule).Msg("invalid stats sweep schedule, sweep disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			due, err := gron.IsDue(schedule, now)
			if err != nil || !due {
				continue
			}
			b.sweep(ctx, now.Add(-window))
		}
	}
}

func (b *Broker) sweep(ctx context.Context, cutoff time.Time) {
	confirmed, err := b.repo.FindConfirmedSince(cutoff)
	if err != nil {
		b.log.Warn().Err(err).Msg("stats sweep: list confirmations")
		return
	}

	for _, d := range confirmed {
		if d.Permalink == "" {
			continue
		}
		sample, err := b.reader.FetchStats(ctx, statsURL(d.Permalink))
		if err != nil {
			b.log.Debug().Err(err).Str("item_id", d.Request.ItemID).Msg("stats sweep: fetch")
			continue
		}
		b.sink.RecordStats(ctx, d.Request.ItemID, sample)
	}
	b.log.Info().Int("items", len(confirmed)).Msg("stats sweep done")
}

// statsURL derives the platform's read API address from a permalink.
func statsURL(permalink string) string {
	return strings.TrimSuffix(permalink, "/") + ".json"
}
