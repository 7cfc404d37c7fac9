// Package analytics pulls product metrics into the store ahead of Brain cycles.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"agentcrew/internal/core"
)

// MetricWriter persists the latest value of a metric.
type MetricWriter interface {
	UpsertMetric(ctx context.Context, m *core.Metric) error
}

// HTTPRefresher fetches {"metrics": {"name": value}} from an endpoint.
type HTTPRefresher struct {
	endpoint string
	token    string
	store    MetricWriter
	client   *http.Client
	now      func() time.Time
}

var _ core.AnalyticsRefresher = (*HTTPRefresher)(nil)

func NewHTTPRefresher(endpoint, token string, store MetricWriter) (*HTTPRefresher, error) {
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("analytics url: %w", err)
	}
	return &HTTPRefresher{
		endpoint: endpoint,
		token:    token,
		store:    store,
		client:   &http.Client{Timeout: 15 * time.Second},
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

type metricsResponse struct {
	Metrics map[string]float64 `json:"metrics"`
}

// Refresh implements core.AnalyticsRefresher.
func (r *HTTPRefresher) Refresh(ctx context.Context, userID string) error {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create analytics request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch analytics: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("analytics returned status %d: %s", resp.StatusCode, body)
	}

	var payload metricsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode analytics: %w", err)
	}
	names := make([]string, 0, len(payload.Metrics))
	for name := range payload.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	captured := r.now()
	for _, name := range names {
		if err := r.store.UpsertMetric(ctx, &core.Metric{UserID: userID, Name: name, Value: payload.Metrics[name], CapturedAt: captured}); err != nil {
			return fmt.Errorf("store metric %s: %w", name, err)
		}
	}
	return nil
}
