package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"hedge-engine/internal/venue"
)

// errorBodyLimit bounds how much of a non-2xx response body gets folded into
// the wrapped venue.Error, so a misbehaving endpoint can't balloon a log line.
const errorBodyLimit = 2048

// Client is a venue-tagged Hyperliquid info/exchange HTTP client. The venue
// name flows into every error it returns so callers holding several
// Client instances (one per configured venue) never have to guess which
// one failed.
type Client struct {
	venueName string
	baseURL   string
	http      *http.Client
	log       *zap.Logger
}

func New(venueName, baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		venueName: venueName,
		baseURL:   baseURL,
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type InfoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

func (c *Client) Info(ctx context.Context, req interface{}) (map[string]any, error) {
	var data map[string]any
	if err := c.post(ctx, "/info", req, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) InfoAny(ctx context.Context, req interface{}) (any, error) {
	var data any
	if err := c.post(ctx, "/info", req, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) post(ctx context.Context, path string, req interface{}, out interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return venue.Wrap(c.venueName, venue.ErrInternal, "marshal request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return venue.Wrap(c.venueName, venue.ErrInternal, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return venue.Wrap(c.venueName, venue.ErrNetwork, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return venue.Exchange(c.venueName, resp.Status, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return venue.Wrap(c.venueName, venue.ErrInternal, "decode response", err)
	}
	return nil
}
