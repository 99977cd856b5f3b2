package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/malbeclabs/askdata/agent/pkg/pipeline"
	"github.com/malbeclabs/askdata/utils/pkg/retry"
)

// APIClient is an HTTP client for the askdata API.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
	retry      retry.Config
}

// NewAPIClient creates a new API client.
func NewAPIClient(baseURL string, log *slog.Logger) *APIClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
	}

	return &APIClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Transport: transport,
			// Generation retries and query execution both happen server side.
			Timeout: 5 * time.Minute,
		},
		log: log,
		retry: retry.Config{
			MaxAttempts: 3,
			BaseBackoff: time.Second,
			MaxBackoff:  5 * time.Second,
			Retryable:   retryableAPIError,
		},
	}
}

// APIError is a non-2xx reply from the askdata API.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("API error: %s (status %d, request %s)", e.Message, e.Status, e.RequestID)
	}
	return fmt.Sprintf("API error: %s (status %d)", e.Message, e.Status)
}

// StatusCode lets retry.StatusCode see the HTTP status.
func (e *APIError) StatusCode() int {
	return e.Status
}

// retryableAPIError retries transport failures and 5xx replies. A 429 means
// the generation quota is exhausted; the API has already backed off for it.
func retryableAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError && apiErr.Status != http.StatusNotImplemented
	}
	return retry.IsRetryable(err)
}

type askRequest struct {
	Question string             `json:"question"`
	History  []pipeline.Message `json:"conversation_history,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

// Ask sends a question with its thread history to POST /api/ask.
// Connection failures and 5xx replies are retried; a failure after the
// request was answered is returned as *APIError.
func (c *APIClient) Ask(ctx context.Context, question string, history []pipeline.Message) (*pipeline.Output, error) {
	body, err := json.Marshal(askRequest{Question: question, History: history})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/api/ask"
	var out pipeline.Output
	err = retry.Do(ctx, c.retry, func() error {
		// The body reader is consumed by each attempt.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.log.Warn("API request failed, will retry if retryable", "error", err, "url", url)
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return decodeAPIError(resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
	APIRequestsTotal.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{Status: resp.StatusCode}
	var er errorResponse
	if err := json.Unmarshal(raw, &er); err == nil && er.Error != "" {
		apiErr.Message = er.Error
		apiErr.RequestID = er.RequestID
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return "transport"
	}
	switch {
	case apiErr.Status == http.StatusTooManyRequests:
		return "quota"
	case apiErr.Status >= http.StatusInternalServerError:
		return "server_error"
	default:
		return "client_error"
	}
}
