package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"dunning/pkg/platform/circuit"
)

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 4 << 10

// Endpoint configures a JSON-over-HTTP collaborator.
type Endpoint struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// jsonClient posts JSON to a collaborator and classifies failures into the
// collaborator error taxonomy. Calls are refused while the breaker is open.
type jsonClient struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuit.Breaker
	logger  *slog.Logger
}

type ClientOption func(*jsonClient)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(j *jsonClient) { j.http = c }
}

func WithBreaker(b *circuit.Breaker) ClientOption {
	return func(j *jsonClient) { j.breaker = b }
}

func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(j *jsonClient) { j.logger = logger }
}

func newJSONClient(ep Endpoint, opts ...ClientOption) *jsonClient {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &jsonClient{
		name:    ep.Name,
		baseURL: strings.TrimRight(ep.BaseURL, "/"),
		apiKey:  ep.APIKey,
		http:    &http.Client{Timeout: timeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = circuit.New(ep.Name)
	}
	return c
}

func (c *jsonClient) post(ctx context.Context, path string, in, out any) error {
	if !c.breaker.Allow() {
		return NewError(ErrorOutage, c.name, "circuit open", nil)
	}
	err := c.do(ctx, path, in, out)
	if err == nil {
		c.breaker.RecordSuccess()
		return nil
	}
	// Refusals say nothing about the collaborator's health.
	if IsRetryable(err) {
		if c.breaker.RecordFailure() {
			c.logger.WarnContext(ctx, "collaborator circuit opened",
				"collaborator", c.name,
				"error", err,
			)
		}
	}
	return err
}

func (c *jsonClient) do(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return NewError(ErrorInternal, c.name, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return NewError(ErrorInternal, c.name, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return NewError(ErrorTimeout, c.name, "request timed out", err)
		}
		return NewError(ErrorOutage, c.name, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return classifyStatus(c.name, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(ErrorContractMismatch, c.name, "decode response", err)
	}
	return nil
}

func classifyStatus(name string, status int, body string) *Error {
	msg := fmt.Sprintf("status %d", status)
	if body != "" {
		msg += ": " + body
	}
	switch {
	case status == http.StatusTooManyRequests:
		return NewError(ErrorRateLimited, name, msg, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewError(ErrorAuthentication, name, msg, nil)
	case status == http.StatusNotFound:
		return NewError(ErrorNotFound, name, msg, nil)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return NewError(ErrorTimeout, name, msg, nil)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return NewError(ErrorRejected, name, msg, nil)
	case status >= 500:
		return NewError(ErrorOutage, name, msg, nil)
	default:
		return NewError(ErrorContractMismatch, name, msg, nil)
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
