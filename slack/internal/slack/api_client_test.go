package slack

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/askdata/agent/pkg/pipeline"
	"github.com/malbeclabs/askdata/utils/pkg/retry"
	asktesting "github.com/malbeclabs/askdata/utils/pkg/testing"
)

func newTestAPIClient(url string) *APIClient {
	c := NewAPIClient(url, asktesting.NewLogger())
	c.retry.BaseBackoff = time.Millisecond
	c.retry.MaxBackoff = 5 * time.Millisecond
	return c
}

func TestAskData_Slack_APIClient_APIError(t *testing.T) {
	t.Parallel()

	err := &APIError{Status: 503, Message: "Service Unavailable"}
	assert.Equal(t, "API error: Service Unavailable (status 503)", err.Error())
	code, ok := retry.StatusCode(err)
	assert.True(t, ok)
	assert.Equal(t, 503, code)

	err.RequestID = "ab12cd34"
	assert.Equal(t, "API error: Service Unavailable (status 503, request ab12cd34)", err.Error())
}

func TestAskData_Slack_APIClient_NewAPIClient_TrimsTrailingSlash(t *testing.T) {
	t.Parallel()

	client := NewAPIClient("http://localhost:8000/", asktesting.NewLogger())
	assert.Equal(t, "http://localhost:8000", client.baseURL)
	assert.NotNil(t, client.httpClient.Transport)
}

func TestAskData_Slack_APIClient_Ask(t *testing.T) {
	t.Parallel()

	var got askRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/ask", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"request_id":"ab12cd34","question":"total?","sql":"SELECT 1","columns":["total"],"rows":[[150]],"total_rows":1,"chart_type":null,"strategy":"tools"}`)
	}))
	defer server.Close()

	client := newTestAPIClient(server.URL)
	out, err := client.Ask(t.Context(), "total?", []pipeline.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello", SQL: "SELECT 0"},
	})
	require.NoError(t, err)

	assert.Equal(t, "total?", got.Question)
	require.Len(t, got.History, 2)
	assert.Equal(t, "SELECT 0", got.History[1].SQL)

	assert.Equal(t, "ab12cd34", out.RequestID)
	assert.Equal(t, []string{"total"}, out.Columns)
	assert.Equal(t, 1, out.TotalRows)
	assert.Nil(t, out.ChartType)
}

func TestAskData_Slack_APIClient_RetriesOnConnectionFailure(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			// Simulate the API restarting mid-request.
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				conn.Close()
				return
			}
		}
		fmt.Fprint(w, `{"request_id":"r","sql":"SELECT 1","columns":[],"rows":[],"total_rows":0}`)
	}))
	defer server.Close()

	out, err := newTestAPIClient(server.URL).Ask(t.Context(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", out.SQL)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestAskData_Slack_APIClient_RetriesServerErrors(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"failed to process question: boom","request_id":"ab12cd34"}`)
	}))
	defer server.Close()

	_, err := newTestAPIClient(server.URL).Ask(t.Context(), "q", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, retry.ErrExhausted))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "failed to process question: boom", apiErr.Message)
	assert.Equal(t, "ab12cd34", apiErr.RequestID)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestAskData_Slack_APIClient_DoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusBadRequest, http.StatusTooManyRequests} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			t.Parallel()

			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				w.WriteHeader(status)
				fmt.Fprint(w, `{"error":"nope"}`)
			}))
			defer server.Close()

			_, err := newTestAPIClient(server.URL).Ask(t.Context(), "q", nil)
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, status, apiErr.Status)
			assert.Equal(t, "nope", apiErr.Message)
			assert.Equal(t, int32(1), attempts.Load())
		})
	}
}

func TestAskData_Slack_APIClient_NonJSONErrorBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestAPIClient(server.URL).Ask(t.Context(), "q", nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Not Found", apiErr.Message)
}
