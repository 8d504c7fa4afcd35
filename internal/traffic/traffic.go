// Package traffic fetches per-instance traffic usage from an optional
// external endpoint. The endpoint reports megabytes; usage is converted to
// bytes here so the rest of the system deals in one unit.
package traffic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const mb = 1024 * 1024

// Usage is one snapshot of an instance's traffic accounting period.
type Usage struct {
	InBytes     int64
	OutBytes    int64
	PeriodStart string
	Throttled   bool
	FetchedAt   time.Time
}

// Total is the figure compared against the configured limit.
func (u Usage) Total() int64 { return u.InBytes + u.OutBytes }

type Fetcher struct {
	url  string
	http *http.Client
}

func NewFetcher(url string, timeout time.Duration) *Fetcher {
	return &Fetcher{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

func (f *Fetcher) Fetch(ctx context.Context) (Usage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return Usage{}, err
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return Usage{}, fmt.Errorf("traffic fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Usage{}, fmt.Errorf("traffic fetch: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Usage{}, fmt.Errorf("traffic fetch: read body: %w", err)
	}

	var payload struct {
		In        float64 `json:"in"`  // MB
		Out       float64 `json:"out"` // MB
		StartDate string  `json:"start_date"`
		Throttled bool    `json:"trafficThrottled"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Usage{}, fmt.Errorf("traffic fetch: parse: %w", err)
	}

	return Usage{
		InBytes:     int64(payload.In * mb),
		OutBytes:    int64(payload.Out * mb),
		PeriodStart: payload.StartDate,
		Throttled:   payload.Throttled,
		FetchedAt:   time.Now(),
	}, nil
}
