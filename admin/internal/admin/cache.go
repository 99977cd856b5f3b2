package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/malbeclabs/askdata/api/handlers"
	"github.com/malbeclabs/askdata/utils/pkg/retry"
)

// CacheClient drives the cache admin endpoints of a running API.
type CacheClient struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
	retry      retry.Config
}

func NewCacheClient(log *slog.Logger, baseURL string) *CacheClient {
	return &CacheClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		log:        log,
		retry:      retry.DefaultConfig(),
	}
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

func (e *statusError) StatusCode() int { return e.status }

// Stats returns the current cache occupancy.
func (c *CacheClient) Stats(ctx context.Context) (handlers.CacheStats, error) {
	var stats handlers.CacheStats
	err := c.do(ctx, http.MethodGet, "/api/cache/stats", &stats)
	return stats, err
}

// ClearAll empties the schema cache and both dimension caches.
func (c *CacheClient) ClearAll(ctx context.Context) (handlers.CacheResponse, error) {
	var resp handlers.CacheResponse
	err := c.do(ctx, http.MethodPost, "/api/cache/clear", &resp)
	return resp, err
}

// ClearDimensions empties only the dimension caches.
func (c *CacheClient) ClearDimensions(ctx context.Context) (handlers.CacheResponse, error) {
	var resp handlers.CacheResponse
	err := c.do(ctx, http.MethodPost, "/api/cache/dimensions/clear", &resp)
	return resp, err
}

// RefreshDimensions forces rediscovery of every dimension table.
func (c *CacheClient) RefreshDimensions(ctx context.Context) (handlers.RefreshResponse, error) {
	var resp handlers.RefreshResponse
	err := c.do(ctx, http.MethodPost, "/api/dimensions/refresh", &resp)
	return resp, err
}

func (c *CacheClient) do(ctx context.Context, method, path string, out any) error {
	url := c.baseURL + path
	return retry.Do(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.log.Debug("admin request failed", "url", url, "error", err)
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			return &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}

// PrintStats writes cache occupancy as aligned text.
func PrintStats(w io.Writer, s handlers.CacheStats) {
	fmt.Fprintf(w, "schema cache:               %d/%d\n", s.SchemaCacheSize, s.SchemaCacheMax)
	fmt.Fprintf(w, "dimension results cache:    %d\n", s.DimensionsCacheSize)
	fmt.Fprintf(w, "dimension not-found cache:  %d/%d\n", s.DimensionsNotFoundCacheSize, s.DimensionsNotFoundCacheMax)
}
