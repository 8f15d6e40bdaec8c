package backends

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/querybridge/querybridge/core/definition"
	"github.com/querybridge/querybridge/core/logging"
	"github.com/querybridge/querybridge/core/shared/errors"
)

// GraphConfig configures the remote graph API backend
type GraphConfig struct {
	BaseURL string `yaml:"baseURL"`
	// MaxRetryAfter caps how long a 429 Retry-After hint is honored before
	// the rejection is surfaced instead.
	MaxRetryAfter time.Duration `yaml:"maxRetryAfter"`
}

// GraphExecutor executes graph definitions as HTTP requests with OData-style
// query options.
type GraphExecutor struct {
	cfg    GraphConfig
	client *http.Client
	log    *logging.Logger
}

// NewGraphExecutor creates the graph executor
func NewGraphExecutor(cfg GraphConfig) *GraphExecutor {
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = 10 * time.Second
	}
	return &GraphExecutor{
		cfg: cfg,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: logging.New("backends:graph"),
	}
}

// DataSource implements Executor
func (e *GraphExecutor) DataSource() definition.DataSource {
	return definition.DataSourceGraph
}

// Execute builds the request URL from the definition's endpoint template and
// query options, then performs the call with one automatic retry on 429.
func (e *GraphExecutor) Execute(ctx context.Context, bound *definition.BoundQuery, ec ExecContext) (RawResult, error) {
	spec := bound.Definition.Graph
	if spec == nil {
		return nil, errors.New(errors.ErrCodeUnsupportedDataSource,
			fmt.Sprintf("definition '%s' has no graph block", bound.Definition.ID))
	}

	reqURL, err := e.buildURL(bound, spec)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeValidationError, "endpoint template rendering failed", err)
	}

	if ec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ec.Timeout)
		defer cancel()
	}

	payload, err := e.call(ctx, reqURL, ec.Credential)
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && appErr.Code == errors.ErrCodeBackendRejected && appErr.RetryAfter > 0 {
		// One retry honoring the Retry-After hint, then surface as-is.
		if appErr.RetryAfter <= e.cfg.MaxRetryAfter {
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(errors.ErrCodeBackendTimeout, "graph request cancelled", ctx.Err())
			case <-time.After(appErr.RetryAfter):
			}
			e.log.Debugf("retrying after throttle hint of %s", appErr.RetryAfter)
			payload, err = e.call(ctx, reqURL, ec.Credential)
		}
	}
	if err != nil {
		return nil, err
	}

	if max := bound.Definition.Constraints.MaxResults; max > 0 && len(payload.Value) > max {
		payload.Value = payload.Value[:max]
	}
	return payload, nil
}

// buildURL renders path parameters and assembles $select/$expand/$filter/
// $orderby/$top from definition defaults, with caller overrides for the
// projection options.
func (e *GraphExecutor) buildURL(bound *definition.BoundQuery, spec *definition.GraphSpec) (string, error) {
	endpoint, err := renderEndpoint(spec.Endpoint, bound.Parameters)
	if err != nil {
		return "", err
	}

	base := strings.TrimRight(e.cfg.BaseURL, "/")
	full := base + "/" + strings.TrimLeft(endpoint, "/")

	sel := spec.Select
	if len(bound.Graph.Select) > 0 {
		sel = bound.Graph.Select
	}
	expand := spec.Expand
	if len(bound.Graph.Expand) > 0 {
		expand = bound.Graph.Expand
	}

	query := url.Values{}
	if len(sel) > 0 {
		query.Set("$select", strings.Join(sel, ","))
	}
	if len(expand) > 0 {
		query.Set("$expand", strings.Join(expand, ","))
	}
	if spec.Filter != "" {
		rendered, err := renderEndpoint(spec.Filter, bound.Parameters)
		if err != nil {
			return "", err
		}
		query.Set("$filter", rendered)
	}
	if spec.OrderBy != "" {
		query.Set("$orderby", spec.OrderBy)
	}
	top := spec.Top
	if max := bound.Definition.Constraints.MaxResults; max > 0 && (top == 0 || top > max) {
		top = max
	}
	if top > 0 {
		query.Set("$top", strconv.Itoa(top))
	}

	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	return full, nil
}

var endpointParamPattern = filterParamPattern // same {{ inputs.name }} form

func renderEndpoint(template string, params map[string]any) (string, error) {
	var missing []string
	rendered := endpointParamPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := endpointParamPattern.FindStringSubmatch(match)[1]
		value, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return url.PathEscape(directoryValue(value))
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("endpoint references unbound parameter(s): %s", strings.Join(missing, ", "))
	}
	return rendered, nil
}

func (e *GraphExecutor) call(ctx context.Context, reqURL string, cred Credential) (GraphPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return GraphPayload{}, errors.Wrap(errors.ErrCodeInternalError, "build graph request", err)
	}
	req.Header.Set("Accept", "application/json")
	if cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return GraphPayload{}, errors.Wrap(errors.ErrCodeBackendTimeout, "graph request timed out", err)
		}
		return GraphPayload{}, errors.Wrap(errors.ErrCodeBackendUnavailable, "graph API unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		hint := parseRetryAfter(resp.Header.Get("Retry-After"))
		return GraphPayload{}, errors.New(errors.ErrCodeBackendRejected, "graph API throttled the request").WithRetryAfter(hint)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return GraphPayload{}, errors.New(errors.ErrCodeBackendRejected,
			fmt.Sprintf("graph API rejected the request with status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return GraphPayload{}, errors.New(errors.ErrCodeBackendUnavailable,
			fmt.Sprintf("graph API returned status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return GraphPayload{}, errors.New(errors.ErrCodeBackendMalformedResponse,
			fmt.Sprintf("graph API returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return GraphPayload{}, errors.Wrap(errors.ErrCodeBackendMalformedResponse, "read graph response", err)
	}
	return parseGraphPayload(body)
}

// parseGraphPayload accepts either an OData envelope {"value": [...]}, a bare
// JSON array, or a single object.
func parseGraphPayload(body []byte) (GraphPayload, error) {
	var envelope struct {
		Value []map[string]any `json:"value"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Value != nil {
		return GraphPayload{Value: envelope.Value}, nil
	}

	var list []map[string]any
	if err := json.Unmarshal(body, &list); err == nil {
		return GraphPayload{Value: list}, nil
	}

	var single map[string]any
	if err := json.Unmarshal(body, &single); err == nil {
		if len(single) == 0 {
			return GraphPayload{}, nil
		}
		return GraphPayload{Value: []map[string]any{single}}, nil
	}

	return GraphPayload{}, errors.New(errors.ErrCodeBackendMalformedResponse, "graph response is not valid JSON")
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Second
}

// Ping probes the API root with a short request
func (e *GraphExecutor) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BaseURL, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrCodeBackendUnavailable, "graph API unreachable", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return errors.New(errors.ErrCodeBackendUnavailable,
			fmt.Sprintf("graph API returned status %d", resp.StatusCode))
	}
	return nil
}

// Schema samples the backend's entity shape from a one-item page
func (e *GraphExecutor) Schema(ctx context.Context) ([]definition.FieldMetadata, error) {
	payload, err := e.call(ctx, strings.TrimRight(e.cfg.BaseURL, "/")+"?%24top=1", Credential{})
	if err != nil {
		return nil, err
	}
	if len(payload.Value) == 0 {
		return nil, nil
	}

	var fields []definition.FieldMetadata
	for name, value := range payload.Value[0] {
		fields = append(fields, definition.FieldMetadata{
			Name:       name,
			Type:       jsonTypeName(value),
			Searchable: true,
		})
	}
	return fields, nil
}

func jsonTypeName(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "string"
	}
}

// Close implements Executor
func (e *GraphExecutor) Close() error {
	e.client.CloseIdleConnections()
	return nil
}
