// Package apiclient is the HTTP client the CLI and daemon use to talk to the sync server.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultCompressionThreshold is the minimum payload size to compress.
	// Below this, compression overhead isn't worth it.
	DefaultCompressionThreshold = 1024 // 1KB

	DefaultTimeout = 30 * time.Second
)

// ErrUnauthorized is returned when the server returns 401 or 403.
// This typically means the token is missing, invalid or expired.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response other than 401/403
type APIError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("http %d: %s (%s)", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// StatusCode returns the HTTP status carried by err, or 0 if err is not an APIError
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Client is a configured HTTP client for making authenticated requests to the server
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	threshold  int
	httpClient *http.Client
	encoder    *zstd.Encoder
}

// Option configures a Client
type Option func(*Client)

// WithToken sets the bearer token sent on every request
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout sets the per-request timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithCompressionThreshold sets the payload size from which request bodies are
// zstd-compressed. Zero or less disables compression.
func WithCompressionThreshold(n int) Option {
	return func(c *Client) { c.threshold = n }
}

// WithVersion sets the version reported in the User-Agent header
func WithVersion(version string) Option {
	return func(c *Client) { c.userAgent = userAgent(version) }
}

func userAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return fmt.Sprintf("todosync/%s (%s; %s)", version, runtime.GOOS, runtime.GOARCH)
}

// New creates a client for the server at baseURL
func New(baseURL string, opts ...Option) *Client {
	// Create zstd encoder with default compression level (good balance of speed/ratio)
	encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent(""),
		threshold:  DefaultCompressionThreshold,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		encoder:    encoder,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after login
func (c *Client) SetToken(token string) {
	c.token = token
}

// HasToken reports whether a bearer token is configured
func (c *Client) HasToken() bool {
	return c.token != ""
}

// BaseURL returns the server URL without a trailing slash
func (c *Client) BaseURL() string {
	return c.baseURL
}

// DoJSON performs an HTTP request with JSON body and parses JSON response.
// Automatically sets Content-Type, Authorization, and handles error responses.
// Payloads at or above the compression threshold are compressed with zstd.
func (c *Client) DoJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var bodyReader io.Reader
	var contentEncoding string

	if reqBody != nil {
		payload, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}

		if c.threshold > 0 && len(payload) >= c.threshold {
			compressed := c.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
			bodyReader = bytes.NewReader(compressed)
			contentEncoding = "zstd"
		} else {
			bodyReader = bytes.NewReader(payload)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
		if contentEncoding != "" {
			req.Header.Set("Content-Encoding", contentEncoding)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status %d: %s", ErrUnauthorized, resp.StatusCode, errorMessage(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var parsed struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
			apiErr.Message = parsed.Error
			apiErr.Details = parsed.Details
		} else {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		return apiErr
	}

	if respBody != nil {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

func errorMessage(body []byte) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(body))
}

// Get performs a GET request with JSON response parsing
func (c *Client) Get(ctx context.Context, path string, respBody any) error {
	return c.DoJSON(ctx, http.MethodGet, path, nil, respBody)
}

// Post performs a POST request with JSON body and response
func (c *Client) Post(ctx context.Context, path string, reqBody, respBody any) error {
	return c.DoJSON(ctx, http.MethodPost, path, reqBody, respBody)
}
