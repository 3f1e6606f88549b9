package retry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxErrorBody = 512

// HTTPClient is a small JSON REST client whose calls run through an Executor.
type HTTPClient struct {
	service string
	baseURL string
	header  http.Header
	client  *http.Client
	exec    *Executor
}

// NewHTTPClient returns a client for baseURL. header is sent on every request.
func NewHTTPClient(service, baseURL string, header http.Header, timeout time.Duration, exec *Executor) *HTTPClient {
	if header == nil {
		header = http.Header{}
	}
	return &HTTPClient{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		header:  header,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		exec: exec,
	}
}

// Do sends body (JSON-encoded when non-nil) to path and returns the response body.
// Non-2xx responses are returned as *StatusError.
func (c *HTTPClient) Do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	name := c.service + " " + method + " " + path
	return Do(ctx, c.exec, name, func(ctx context.Context) ([]byte, error) {
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		for k, vs := range c.header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req) //nolint:gosec // G704: base URL is from trusted config
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if len(respBody) > maxErrorBody {
				respBody = respBody[:maxErrorBody]
			}
			return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
		}
		return respBody, nil
	})
}
