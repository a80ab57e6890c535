// Package relay talks to the media relay's HTTP control API.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sharedcam/internal/platform/jsonx"
)

// maxErrorBody bounds how much of a failed reply is kept in a StatusError.
const maxErrorBody = 512

// Stream is one entry of the relay's stream table. Records are kept opaque.
type Stream struct {
	Producers []json.RawMessage `json:"producers"`
	Consumers []json.RawMessage `json:"consumers"`
}

// API is the relay surface used by the status service.
type API interface {
	// ListStreams returns the relay's stream table keyed by stream name.
	// The returned map is shared and must not be modified.
	ListStreams(ctx context.Context) (map[string]Stream, error)
	Register(ctx context.Context, name, src string) error
	// Deregister removes a stream. Removing an unknown stream succeeds.
	Deregister(ctx context.Context, name string) error
	// Restart restarts the whole relay process, dropping every viewer.
	Restart(ctx context.Context) error
}

// StatusError is returned when the relay answers with a non-2xx status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("relay %s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("relay %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client is an HTTP client for the relay API.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ API = (*Client)(nil)

// New returns a Client for the relay at baseURL. Each request is bounded by
// timeout; a timeout <= 0 means no client-side limit beyond the context.
func New(baseURL string, timeout time.Duration) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{Timeout: timeout})
}

// NewWithHTTPClient returns a Client that sends requests through hc.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// ListStreams implements API.ListStreams.
func (c *Client) ListStreams(ctx context.Context) (map[string]Stream, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/streams", nil)
	if err != nil {
		return nil, err
	}
	streams := make(map[string]Stream)
	if err := jsonx.Unmarshal(body, &streams); err != nil {
		return nil, fmt.Errorf("decode relay streams: %w", err)
	}
	return streams, nil
}

// Register implements API.Register.
func (c *Client) Register(ctx context.Context, name, src string) error {
	_, err := c.do(ctx, http.MethodPut, "/api/streams", url.Values{"name": {name}, "src": {src}})
	return err
}

// Deregister implements API.Deregister. The relay keys deletion on the
// stream name passed as src.
func (c *Client) Deregister(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/streams", url.Values{"src": {name}})
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// Restart implements API.Restart.
func (c *Client) Restart(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/api/restart", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build relay request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("relay %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read relay reply: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}
