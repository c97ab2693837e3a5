package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/whatisup223/outreachbridge/pkg/domain/dispatch"
)

// Reader fetches engagement counts from the target platform's public,
// read-only API. The API answers in one of two shapes depending on
// whether the URL points at a single item or a thread root; both are
// normalized to the same StatsSample.
type Reader struct {
	client *http.Client
}

// NewReader creates a platform stats reader.
func NewReader() *Reader {
	return &Reader{client: &http.Client{Timeout: 10 * time.Second}}
}

// itemStats are the fields shared by both response shapes.
type itemStats struct {
	Ups         int `json:"ups"`
	NumComments int `json:"num_comments"`
}

// singleItemShape wraps one item directly.
type singleItemShape struct {
	Data itemStats `json:"data"`
}

// threadRootShape wraps a listing whose first child is the thread root.
type threadRootShape struct {
	Data struct {
		Children []struct {
			Data itemStats `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// FetchStats reads the platform API at url and normalizes the response.
func (r *Reader) FetchStats(ctx context.Context, url string) (dispatch.StatsSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return dispatch.StatsSample{}, fmt.Errorf("stats request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return dispatch.StatsSample{}, fmt.Errorf("stats fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return dispatch.StatsSample{}, fmt.Errorf("stats fetch: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return dispatch.StatsSample{}, fmt.Errorf("stats read: %w", err)
	}
	return normalize(body)
}

// normalize accepts either response shape and extracts the counts.
func normalize(body []byte) (dispatch.StatsSample, error) {
	// Thread-root shape first: its nested children are unambiguous.
	var thread threadRootShape
	if err := json.Unmarshal(body, &thread); err == nil && len(thread.Data.Children) > 0 {
		root := thread.Data.Children[0].Data
		return dispatch.StatsSample{Upvotes: root.Ups, ReplyCount: root.NumComments}, nil
	}

	var single singleItemShape
	if err := json.Unmarshal(body, &single); err != nil {
		return dispatch.StatsSample{}, fmt.Errorf("stats decode: %w", err)
	}
	return dispatch.StatsSample{Upvotes: single.Data.Ups, ReplyCount: single.Data.NumComments}, nil
}
