// Package client talks to the orchestrator's REST surface: trace snapshots,
// job management, and backend health. It owns no state beyond the connection
// settings; every response is decoded into the shared trace model at the
// ingestion boundary.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ostrane/tracedeck/errors"
	"github.com/ostrane/tracedeck/internal/httpclient"
	"github.com/ostrane/tracedeck/logger"
	"github.com/ostrane/tracedeck/trace"
)

const (
	// DefaultBaseURL is where a locally run orchestrator listens.
	DefaultBaseURL = "http://localhost:8335"

	// DefaultTimeout bounds request/response calls. Streaming endpoints do
	// not go through this client.
	DefaultTimeout = 30 * time.Second
)

// Config holds connection settings for the orchestrator.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *httpclient.SaferClient // nil = hardened default client
	Logger     *zap.SugaredLogger      // nil = component logger
}

// Client is a thin, stateless wrapper over the orchestrator API.
type Client struct {
	baseURL string
	http    *httpclient.SaferClient
	log     *zap.SugaredLogger
}

// New creates an orchestrator client. Zero-value config fields fall back to
// the defaults above.
func New(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = httpclient.NewSaferClient(timeout)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.ComponentLogger("client")
	}
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		log:     log,
	}
}

// BaseURL returns the configured orchestrator address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetTrace fetches one trace snapshot and decodes every tool-execution
// output into its tagged form.
func (c *Client) GetTrace(ctx context.Context, traceID string) (*trace.Trace, error) {
	if traceID == "" {
		return nil, errors.NewInvalidRequestError("trace id must not be empty")
	}
	var t trace.Trace
	if err := c.getJSON(ctx, "/api/traces/"+url.PathEscape(traceID), &t); err != nil {
		return nil, err
	}
	t.Normalize()
	return &t, nil
}

// ListTraces fetches recent trace summaries, newest first. A non-positive
// limit leaves the choice to the backend.
func (c *Client) ListTraces(ctx context.Context, limit int) ([]trace.TraceSummary, error) {
	path := "/api/traces"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Traces []trace.TraceSummary `json:"traces"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Traces, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal request")
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(payload), out)
}

// do executes one request against the orchestrator and decodes the JSON
// response. Connection failures map to the backend-unavailable sentinel,
// HTTP 404 to not-found, HTTP 400 to invalid-request.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(errors.ErrBackendUnavailable, "orchestrator unreachable at %s: %v", c.baseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}

	c.log.Debugw("Orchestrator request",
		logger.FieldMethod, method,
		logger.FieldPath, path,
		logger.FieldStatus, resp.StatusCode,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.NewNotFoundError("%s %s: %s", method, path, strings.TrimSpace(string(respBody)))
	case resp.StatusCode == http.StatusBadRequest:
		return errors.NewInvalidRequestError("%s %s: %s", method, path, strings.TrimSpace(string(respBody)))
	case resp.StatusCode >= http.StatusInternalServerError:
		return errors.Wrapf(errors.ErrBackendUnavailable, "orchestrator returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	case resp.StatusCode >= 300:
		return errors.Newf("API request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrap(err, "failed to unmarshal response")
	}
	return nil
}
