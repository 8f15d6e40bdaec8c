package backends

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querybridge/querybridge/core/definition"
	"github.com/querybridge/querybridge/core/shared/errors"
)

func graphBound(spec *definition.GraphSpec, params map[string]any, maxResults int) *definition.BoundQuery {
	return &definition.BoundQuery{
		Definition: &definition.QueryDefinition{
			ID:          "q",
			DataSource:  definition.DataSourceGraph,
			Constraints: definition.Constraints{MaxResults: maxResults},
			Graph:       spec,
		},
		Parameters: params,
	}
}

func TestGraphExecuteBuildsODataURL(t *testing.T) {
	var captured *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":[{"id":"d-1","deviceName":"laptop"}]}`))
	}))
	t.Cleanup(srv.Close)

	exec := NewGraphExecutor(GraphConfig{BaseURL: srv.URL})
	bound := graphBound(&definition.GraphSpec{
		Endpoint: "/users/{{ inputs.userId }}/managedDevices",
		Select:   []string{"id", "deviceName"},
		OrderBy:  "deviceName",
		Top:      50,
	}, map[string]any{"userId": "u-42"}, 0)

	raw, err := exec.Execute(context.Background(), bound, ExecContext{Credential: Credential{Token: "tkn"}})
	require.NoError(t, err)

	require.NotNil(t, captured)
	assert.Equal(t, "/users/u-42/managedDevices", captured.URL.Path)
	q := captured.URL.Query()
	assert.Equal(t, "id,deviceName", q.Get("$select"))
	assert.Equal(t, "deviceName", q.Get("$orderby"))
	assert.Equal(t, "50", q.Get("$top"))
	assert.Equal(t, "Bearer tkn", captured.Header.Get("Authorization"))

	payload, ok := raw.(GraphPayload)
	require.True(t, ok)
	require.Len(t, payload.Value, 1)
	assert.Equal(t, "d-1", payload.Value[0]["id"])
}

func TestGraphExecuteCallerOverridesProjection(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"value":[]}`))
	}))
	t.Cleanup(srv.Close)

	exec := NewGraphExecutor(GraphConfig{BaseURL: srv.URL})
	bound := graphBound(&definition.GraphSpec{
		Endpoint: "/devices",
		Select:   []string{"id"},
	}, nil, 0)
	bound.Graph = definition.GraphOverrides{Select: []string{"id", "osVersion"}}

	_, err := exec.Execute(context.Background(), bound, ExecContext{})
	require.NoError(t, err)
	assert.Contains(t, query, "%24select=id%2CosVersion")
}

func TestGraphExecuteMaxResultsCapsTop(t *testing.T) {
	var top string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		top = r.URL.Query().Get("$top")
		_, _ = w.Write([]byte(`[{"id":"1"},{"id":"2"},{"id":"3"}]`))
	}))
	t.Cleanup(srv.Close)

	exec := NewGraphExecutor(GraphConfig{BaseURL: srv.URL})
	raw, err := exec.Execute(context.Background(),
		graphBound(&definition.GraphSpec{Endpoint: "/devices", Top: 500}, nil, 2), ExecContext{})
	require.NoError(t, err)

	assert.Equal(t, "2", top)
	// Over-delivery is truncated even when the backend ignores $top.
	assert.Len(t, raw.(GraphPayload).Value, 2)
}

func TestGraphExecuteRetriesOnThrottle(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"value":[{"id":"1"}]}`))
	}))
	t.Cleanup(srv.Close)

	exec := NewGraphExecutor(GraphConfig{BaseURL: srv.URL})
	raw, err := exec.Execute(context.Background(),
		graphBound(&definition.GraphSpec{Endpoint: "/devices"}, nil, 0), ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, raw.(GraphPayload).Value, 1)
}

func TestGraphExecuteSurfacesPersistentThrottle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	exec := NewGraphExecutor(GraphConfig{BaseURL: srv.URL})
	_, err := exec.Execute(context.Background(),
		graphBound(&definition.GraphSpec{Endpoint: "/devices"}, nil, 0), ExecContext{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeBackendRejected, errors.CodeOf(err))
	assert.Greater(t, errors.RetryAfterOf(err), time.Duration(0))
}

func TestGraphExecuteDoesNotWaitPastCap(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	exec := NewGraphExecutor(GraphConfig{BaseURL: srv.URL, MaxRetryAfter: time.Second})
	start := time.Now()
	_, err := exec.Execute(context.Background(),
		graphBound(&definition.GraphSpec{Endpoint: "/devices"}, nil, 0), ExecContext{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "a hint beyond the cap is surfaced, not slept on")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestGraphExecuteStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		expected errors.ErrorCode
	}{
		{"unauthorized", http.StatusUnauthorized, errors.ErrCodeBackendRejected},
		{"forbidden", http.StatusForbidden, errors.ErrCodeBackendRejected},
		{"server error", http.StatusInternalServerError, errors.ErrCodeBackendUnavailable},
		{"bad request", http.StatusBadRequest, errors.ErrCodeBackendMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			t.Cleanup(srv.Close)

			exec := NewGraphExecutor(GraphConfig{BaseURL: srv.URL})
			_, err := exec.Execute(context.Background(),
				graphBound(&definition.GraphSpec{Endpoint: "/devices"}, nil, 0), ExecContext{})
			require.Error(t, err)
			assert.Equal(t, tt.expected, errors.CodeOf(err))
		})
	}
}

func TestGraphExecuteUnreachable(t *testing.T) {
	exec := NewGraphExecutor(GraphConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := exec.Execute(context.Background(),
		graphBound(&definition.GraphSpec{Endpoint: "/devices"}, nil, 0), ExecContext{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeBackendUnavailable, errors.CodeOf(err))
}

func TestGraphExecuteUnboundEndpointParameter(t *testing.T) {
	exec := NewGraphExecutor(GraphConfig{BaseURL: "http://example.invalid"})
	_, err := exec.Execute(context.Background(),
		graphBound(&definition.GraphSpec{Endpoint: "/users/{{ inputs.userId }}"}, map[string]any{}, 0), ExecContext{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeValidationError, errors.CodeOf(err))
}

func TestParseGraphPayload(t *testing.T) {
	tests := []struct {
		name string
		body string
		rows int
	}{
		{"envelope", `{"value":[{"a":1},{"a":2}]}`, 2},
		{"bare array", `[{"a":1}]`, 1},
		{"single object", `{"a":1}`, 1},
		{"empty object", `{}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := parseGraphPayload([]byte(tt.body))
			require.NoError(t, err)
			assert.Len(t, payload.Value, tt.rows)
		})
	}

	_, err := parseGraphPayload([]byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeBackendMalformedResponse, errors.CodeOf(err))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, time.Second, parseRetryAfter(""))
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Second, parseRetryAfter("garbage"))
}
