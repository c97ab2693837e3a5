// Package telemetry holds the bridge's advisory outbound calls. Every
// call here is best-effort: try the production endpoint, fall back to the
// local-development one, and on double failure drop silently. Nothing in
// the delivery flow ever waits on or surfaces a telemetry failure.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/whatisup223/outreachbridge/pkg/domain/dispatch"
)

// Sink posts advisory records to the dashboard backend.
type Sink struct {
	primary  string
	fallback string
	client   *http.Client
	log      zerolog.Logger
}

// NewSink creates a sink with a primary and a fallback base URL.
func NewSink(primary, fallback string, log zerolog.Logger) *Sink {
	return &Sink{
		primary:  primary,
		fallback: fallback,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log.With().Str("component", "telemetry").Logger(),
	}
}

// post tries the primary endpoint, then the fallback. The returned error
// is for tests and logging only; callers never propagate it.
func (s *Sink) post(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	var lastErr error
	for _, base := range []string{s.primary, s.fallback} {
		if base == "" {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			lastErr = fmt.Errorf("%s: status %d", base+path, resp.StatusCode)
			continue
		}
		return nil
	}
	s.log.Debug().Err(lastErr).Str("path", path).Msg("telemetry dropped")
	return lastErr
}

// NotifyInstall records that the bridge answered a presence query.
// Advisory bookkeeping only — the in-page PONG is the UI truth.
func (s *Sink) NotifyInstall(ctx context.Context, userID string) error {
	return s.post(ctx, "/api/extension/installed", map[string]string{"user_id": userID})
}

// RecordKarma posts a karma/statistic update for the acting user.
func (s *Sink) RecordKarma(ctx context.Context, userID, itemID string) error {
	return s.post(ctx, "/api/outreach/karma", map[string]string{
		"user_id": userID,
		"item_id": itemID,
	})
}

// RecordConfirmation records a confirmed outreach, including the observed
// permalink at confirmation time rather than the originally dispatched URL.
func (s *Sink) RecordConfirmation(ctx context.Context, ev dispatch.ConfirmationEvent) error {
	return s.post(ctx, "/api/outreach/confirm", ev)
}

// RecordStats forwards a fresh engagement sample to the stats endpoint.
// Samples are never persisted locally; the backend keeps the history.
func (s *Sink) RecordStats(ctx context.Context, itemID string, sample dispatch.StatsSample) error {
	return s.post(ctx, "/api/outreach/stats", map[string]interface{}{
		"item_id": itemID,
		"stats":   sample,
	})
}
