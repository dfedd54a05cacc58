// Package backend is the HTTP client for the review backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joescharf/crv/internal/models"
)

const defaultTimeout = 30 * time.Second

// ErrNotFound is returned when the backend answers 404.
var ErrNotFound = errors.New("review not found")

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// IsRateLimited reports whether err is an HTTP 429 rejection.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// Client talks to the review backend's JSON API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for JSON calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client rooted at baseURL (e.g. http://localhost:8000).
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BaseURL returns the backend root URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// SubmitReview posts a snippet for review.
func (c *Client) SubmitReview(ctx context.Context, req models.SubmitRequest) (*models.SubmitResponse, error) {
	var out models.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/reviews", req, &out); err != nil {
		return nil, fmt.Errorf("submit review: %w", err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("submit review: response missing id")
	}
	return &out, nil
}

// GetReview reads the current state of one review.
func (c *Client) GetReview(ctx context.Context, id string) (*models.Review, error) {
	var out models.Review
	if err := c.do(ctx, http.MethodGet, "/api/reviews/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, fmt.Errorf("get review %s: %w", id, err)
	}
	return &out, nil
}

// ListReviews lists reviews matching the given query parameters.
func (c *Client) ListReviews(ctx context.Context, params url.Values) ([]models.Review, error) {
	var out []models.Review
	if err := c.do(ctx, http.MethodGet, "/api/reviews"+encodeQuery(params), nil, &out); err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	return out, nil
}

// Stats fetches aggregate statistics for the given query parameters.
func (c *Client) Stats(ctx context.Context, params url.Values) (*models.Stats, error) {
	var out models.Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats"+encodeQuery(params), nil, &out); err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	if out.CommonIssues == nil {
		out.CommonIssues = []string{}
	}
	return &out, nil
}

// StreamURL returns the push-channel URL for a review. The interval and ping
// values are advisory hints forwarded to the backend.
func (c *Client) StreamURL(id string, interval, ping time.Duration) string {
	q := url.Values{}
	if interval > 0 {
		q.Set("interval_ms", strconv.FormatInt(interval.Milliseconds(), 10))
	}
	if ping >= 0 {
		q.Set("ping", strconv.FormatInt(ping.Milliseconds(), 10))
	}
	return c.baseURL + "/api/reviews/" + url.PathEscape(id) + "/stream" + encodeQuery(q)
}

func encodeQuery(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	return "?" + params.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend not reachable at %s (%w)", c.baseURL, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("backend call", "method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: errorBody(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// errorBody extracts a readable message from an error response body.
func errorBody(data []byte) string {
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Detail != "" {
			return payload.Detail
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return strings.TrimSpace(string(data))
}
