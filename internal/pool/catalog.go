package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/miridih-ejkim/mmiai/internal/circuitbreaker"
	"github.com/miridih-ejkim/mmiai/internal/config"
	"github.com/miridih-ejkim/mmiai/internal/tracing"
)

// Operations of the data catalog backend
const (
	OpSearchDatasets = "search_datasets"
	OpGetDataset     = "get_dataset"
	OpGetLineage     = "get_lineage"
)

const maxCatalogBody = 1 << 20

var catalogTools = []Tool{
	{
		Name:        OpSearchDatasets,
		Description: "Search the data catalog for datasets matching a free-text query.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string", "description": "search text"},
				"limit": map[string]interface{}{"type": "integer", "description": "max results (default 10)"},
			},
			"required": []string{"query"},
		},
	},
	{
		Name:        OpGetDataset,
		Description: "Fetch schema, owner and description of one dataset by its URN.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"urn": map[string]interface{}{"type": "string"},
			},
			"required": []string{"urn"},
		},
	},
	{
		Name:        OpGetLineage,
		Description: "List upstream or downstream datasets of a dataset.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"urn":       map[string]interface{}{"type": "string"},
				"direction": map[string]interface{}{"type": "string", "enum": []string{"upstream", "downstream"}},
			},
			"required": []string{"urn"},
		},
	},
}

// CatalogFactory builds handles for the data catalog, which is reached over its
// own JSON HTTP API instead of MCP. The operation set is fixed.
func CatalogFactory(logger *zap.Logger) Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, svc config.ServiceConfig) (Handle, error) {
		base, err := url.Parse(strings.TrimRight(svc.URL, "/"))
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("invalid catalog url %q", svc.URL)
		}
		timeout := svc.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		h := &catalogHandle{
			serviceID: svc.ID,
			base:      base.String(),
			headers:   svc.Headers,
			http:      circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: timeout}, "catalog:"+svc.ID, circuitbreaker.Settings{}, logger),
		}

		// probe so a dead backend degrades to "no tools" at acquire time
		if _, err := h.do(ctx, http.MethodGet, "/health", nil); err != nil {
			return nil, fmt.Errorf("catalog %s unreachable: %w", svc.ID, err)
		}
		return h, nil
	}
}

type catalogHandle struct {
	serviceID string
	base      string
	headers   map[string]string
	http      *circuitbreaker.HTTPWrapper
}

func (h *catalogHandle) ServiceID() string { return h.serviceID }

func (h *catalogHandle) Tools() []Tool { return catalogTools }

func (h *catalogHandle) Call(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	switch name {
	case OpSearchDatasets:
		query, _ := args["query"].(string)
		if strings.TrimSpace(query) == "" {
			return "", fmt.Errorf("%s: query is required", name)
		}
		limit := 10
		if v, ok := args["limit"].(float64); ok && v > 0 {
			limit = int(v)
		}
		return h.do(ctx, http.MethodPost, "/v1/search", map[string]interface{}{"query": query, "limit": limit})
	case OpGetDataset:
		urn, err := requireString(name, args, "urn")
		if err != nil {
			return "", err
		}
		return h.do(ctx, http.MethodGet, "/v1/datasets/"+url.PathEscape(urn), nil)
	case OpGetLineage:
		urn, err := requireString(name, args, "urn")
		if err != nil {
			return "", err
		}
		direction, _ := args["direction"].(string)
		if direction == "" {
			direction = "upstream"
		}
		if direction != "upstream" && direction != "downstream" {
			return "", fmt.Errorf("%s: direction must be upstream or downstream", name)
		}
		return h.do(ctx, http.MethodGet, "/v1/datasets/"+url.PathEscape(urn)+"/lineage?direction="+direction, nil)
	default:
		return "", fmt.Errorf("unknown catalog operation %q", name)
	}
}

func (h *catalogHandle) Close() error { return nil }

func (h *catalogHandle) do(ctx context.Context, method, path string, body interface{}) (string, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return "", err
		}
		reader = bytes.NewReader(data)
	}

	target := h.base + path
	ctx, span := tracing.StartHTTPSpan(ctx, method, target)
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		tracing.EndSpan(span, err)
		return "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := h.http.Do(req)
	if err != nil {
		tracing.EndSpan(span, err)
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogBody))
	if err != nil {
		tracing.EndSpan(span, err)
		return "", err
	}
	if resp.StatusCode >= 300 {
		err = fmt.Errorf("catalog %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
		tracing.EndSpan(span, err)
		return "", err
	}
	tracing.EndSpan(span, nil)
	return string(data), nil
}

func requireString(op string, args map[string]interface{}, key string) (string, error) {
	v, _ := args[key].(string)
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%s: %s is required", op, key)
	}
	return v, nil
}
