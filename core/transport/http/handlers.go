package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/querybridge/querybridge/core/definition"
	"github.com/querybridge/querybridge/core/engine"
	"github.com/querybridge/querybridge/core/logging"
	"github.com/querybridge/querybridge/core/shared/errors"
)

var handlerLog = logging.New("handler")

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		handlerLog.Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := errors.StatusOf(err)
	if ra := errors.RetryAfterOf(err); ra > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(ra.Seconds())))
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"error": map[string]any{
			"code":    string(errors.CodeOf(err)),
			"message": err.Error(),
		},
	})
}

// handleExecute serves POST /queries/{queryID}/execute
func handleExecute(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queryID := chi.URLParam(r, "queryID")

		var body struct {
			Parameters   map[string]any `json:"parameters"`
			CredentialID string         `json:"credentialId"`
			NoCache      bool           `json:"noCache"`
		}
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, errors.Wrap(errors.ErrCodeValidationError, "invalid JSON body", err))
				return
			}
		}

		result := eng.Execute(r.Context(), engine.ExecuteRequest{
			QueryID:      queryID,
			Parameters:   body.Parameters,
			CredentialID: body.CredentialID,
			NoCache:      body.NoCache,
		})

		status := http.StatusOK
		if !result.Success {
			status = statusFromResult(result)
			if result.Error != nil && result.Error.RetryAfterSeconds > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(result.Error.RetryAfterSeconds))
			}
		}
		writeJSON(w, status, result)
	}
}

// handleBatch serves POST /queries/batch. Partial failure yields 207 so
// callers can tell a mixed outcome from a clean sweep.
func handleBatch(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Queries []engine.BatchRequest `json:"queries"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errors.Wrap(errors.ErrCodeValidationError, "invalid JSON body", err))
			return
		}
		if len(body.Queries) == 0 {
			writeError(w, errors.New(errors.ErrCodeValidationError, "batch requires at least one query"))
			return
		}

		result := eng.ExecuteBatch(r.Context(), body.Queries)

		// Item failures stay per-item detail; only a malformed request
		// fails the batch call itself.
		status := http.StatusOK
		if result.FailureCount > 0 {
			status = http.StatusMultiStatus
		}
		writeJSON(w, status, result)
	}
}

// handleListDefinitions serves GET /definitions with optional filters
func handleListDefinitions(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := definition.ListFilter{
			DataSource: definition.DataSource(r.URL.Query().Get("dataSource")),
			Category:   r.URL.Query().Get("category"),
		}
		defs := registry.List(filter)
		writeJSON(w, http.StatusOK, map[string]any{
			"definitions": defs,
			"count":       len(defs),
		})
	}
}

// handleGetDefinition serves GET /definitions/{queryID}
func handleGetDefinition(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := registry.Get(chi.URLParam(r, "queryID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, def)
	}
}

// handleValidateDefinition serves POST /definitions/validate. The body is
// a definition; the response reports every problem found, not just the
// first.
func handleValidateDefinition(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var def definition.QueryDefinition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			writeError(w, errors.Wrap(errors.ErrCodeValidationError, "invalid JSON body", err))
			return
		}
		writeJSON(w, http.StatusOK, eng.ValidateDefinition(&def))
	}
}

// handleSchema serves GET /schema/{dataSource}
func handleSchema(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ds := definition.DataSource(chi.URLParam(r, "dataSource"))
		refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

		report, err := eng.Schema(r.Context(), ds, refresh)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// handleHealth serves GET /health, 503 when no backend answers
func handleHealth(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := eng.Health(r.Context())
		status := http.StatusOK
		if report.Status == engine.HealthUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

// handleStatistics serves GET /stats
func handleStatistics(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		windowHours := 0
		if v := r.URL.Query().Get("windowHours"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed < 0 {
				writeError(w, errors.New(errors.ErrCodeValidationError, "windowHours must be a non-negative integer"))
				return
			}
			windowHours = parsed
		}
		stats := eng.Statistics(r.URL.Query().Get("queryId"), windowHours)
		writeJSON(w, http.StatusOK, stats)
	}
}

// handleMetricsSummary serves GET /stats/summary
func handleMetricsSummary(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.Metrics(r.Context()))
	}
}

// handleHistory serves GET /stats/history
func handleHistory(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed <= 0 {
				writeError(w, errors.New(errors.ErrCodeValidationError, "limit must be a positive integer"))
				return
			}
			limit = parsed
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"records": eng.History(limit),
		})
	}
}

// handleCacheInvalidate serves POST /cache/invalidate
func handleCacheInvalidate(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			QueryID    string         `json:"queryId"`
			Parameters map[string]any `json:"parameters"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, errors.Wrap(errors.ErrCodeValidationError, "invalid JSON body", err))
			return
		}

		var err error
		if body.QueryID == "" {
			err = eng.FlushCache(r.Context())
		} else {
			err = eng.InvalidateCache(r.Context(), body.QueryID, body.Parameters)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func statusFromResult(result *engine.ExecutionResult) int {
	if result.Error == nil {
		return http.StatusInternalServerError
	}
	switch errors.ErrorCode(result.Error.Code) {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeValidationError, errors.ErrCodeTypeMismatch,
		errors.ErrCodeConstraintViolation, errors.ErrCodeUnsupportedDataSource:
		return http.StatusBadRequest
	case errors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case errors.ErrCodeBackendTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrCodeBackendUnavailable:
		return http.StatusServiceUnavailable
	case errors.ErrCodeBackendRejected:
		return http.StatusForbidden
	case errors.ErrCodeBackendMalformedResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
