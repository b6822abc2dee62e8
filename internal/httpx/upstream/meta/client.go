package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v21.0"
	defaultTimeout    = 30 * time.Second
	defaultAttempts   = 3
	defaultBackoff    = 500 * time.Millisecond
)

// Graph API error codes that are worth retrying: unknown/service errors,
// session problems and the various call-count limits.
var transientErrorCodes = map[int]bool{
	1:   true, // unknown error
	2:   true, // service temporarily unavailable
	4:   true, // application request limit reached
	17:  true, // user request limit reached
	32:  true, // page request limit reached
	613: true, // calls exceed rate limit
}

// Subset of transient codes that indicate throttling specifically.
var rateLimitErrorCodes = map[int]bool{
	4:   true,
	17:  true,
	32:  true,
	613: true,
}

// Client is a Meta Graph API client shared by all channel adapters.
// It owns retry policy, rate-limit detection and error normalization;
// it holds no state between calls.
type Client struct {
	baseURL     string
	apiVersion  string
	httpClient  *http.Client
	maxAttempts int
	backoffBase time.Duration

	// sleep is replaceable in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// ClientOption is a function that configures the Client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithAPIVersion sets the API version
func WithAPIVersion(version string) ClientOption {
	return func(c *Client) {
		c.apiVersion = version
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMaxAttempts sets the retry budget (total attempts, not retries)
func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoffBase sets the base delay for exponential backoff
func WithBackoffBase(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.backoffBase = d
		}
	}
}

// New creates a new Graph API client
func New(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     defaultBaseURL,
		apiVersion:  defaultAPIVersion,
		maxAttempts: defaultAttempts,
		backoffBase: defaultBackoff,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		sleep: sleepContext,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// APIError represents a terminal error from the Graph API
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
	TraceID string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph API error: %s (code: %d, subcode: %d, trace: %s)", e.Message, e.Code, e.Subcode, e.TraceID)
}

// IsCapability reports whether the error means the app lacks a required
// permission or product grant. Code 10 and the 200-299 range are
// permission errors in the Graph API.
func (e *APIError) IsCapability() bool {
	return e.Code == 10 || (e.Code >= 200 && e.Code <= 299)
}

// RateLimitError is returned once the retry budget is exhausted on a
// throttled call. RetryAfter is the wait the provider asked for.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        *APIError
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("graph API rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return nil
}

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// Request describes one Graph API call
type Request struct {
	Method      string
	Path        string // relative to /{version}/, e.g. "123456/messages"
	AccessToken string
	Query       url.Values
	Body        any // marshalled to JSON when non-nil
}

// Endpoint returns the absolute versioned URL for a relative path.
// Useful for handing Graph endpoints to libraries that take a URL,
// such as the oauth2 token exchange.
func (c *Client) Endpoint(path string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, c.apiVersion, path)
}

// Do executes the request with retries and returns the raw response body.
// 5xx, 429 and the transient code set are retried with exponential
// backoff; everything else fails on the first attempt.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, c.apiVersion, req.Path)
	if len(req.Query) > 0 {
		endpoint += "?" + req.Query.Encode()
	}

	var body []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}
		body = b
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		raw, retryIn, retry, err := c.attempt(ctx, req, endpoint, body)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		if !retry || attempt == c.maxAttempts {
			return nil, err
		}
		if retryIn <= 0 {
			retryIn = c.backoffDelay(attempt)
		}
		if err := c.sleep(ctx, retryIn); err != nil {
			return nil, err
		}
	}

	return nil, lastErr
}

// DoInto executes the request and decodes the response into out
func (c *Client) DoInto(ctx context.Context, req Request, out any) error {
	raw, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// attempt performs a single HTTP exchange. retryIn is the provider-derived
// wait when the call was throttled, zero to use the exponential default.
func (c *Client) attempt(ctx context.Context, req Request, endpoint string, body []byte) (raw json.RawMessage, retryIn time.Duration, retry bool, err error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, endpoint, reader)
	if err != nil {
		return nil, 0, false, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.AccessToken)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// network failures are transient
		return nil, 0, true, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, true, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 400 {
		return respBody, 0, false, nil
	}

	apiErr := &APIError{Message: string(respBody), Code: -1}
	var errResp ErrorResponse
	if jsonErr := json.Unmarshal(respBody, &errResp); jsonErr == nil && errResp.Error.Code != 0 {
		apiErr = &errResp.Error
	}

	if resp.StatusCode == http.StatusTooManyRequests || rateLimitErrorCodes[apiErr.Code] {
		wait := rateLimitWait(resp.Header)
		return nil, wait, true, &RateLimitError{RetryAfter: wait, Err: apiErr}
	}

	if resp.StatusCode >= 500 || transientErrorCodes[apiErr.Code] {
		return nil, 0, true, apiErr
	}

	// authorization, capability and validation errors are terminal
	return nil, 0, false, apiErr
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	return c.backoffBase * time.Duration(1<<(attempt-1))
}

// rateLimitWait derives a wait duration from the throttling response:
// Retry-After first, then the business-use-case usage header which
// reports minutes until quota recovery.
func rateLimitWait(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}

	if v := h.Get("X-Business-Use-Case-Usage"); v != "" {
		if mins := estimatedRegainMinutes(v); mins > 0 {
			return time.Duration(mins) * time.Minute
		}
	}

	return 0
}

// estimatedRegainMinutes extracts the largest
// estimated_time_to_regain_access value (minutes) from the usage header,
// which maps business ids to lists of usage entries.
func estimatedRegainMinutes(header string) int {
	var usage map[string][]struct {
		EstimatedTimeToRegainAccess int `json:"estimated_time_to_regain_access"`
	}
	if err := json.Unmarshal([]byte(header), &usage); err != nil {
		return 0
	}

	max := 0
	for _, entries := range usage {
		for _, e := range entries {
			if e.EstimatedTimeToRegainAccess > max {
				max = e.EstimatedTimeToRegainAccess
			}
		}
	}
	return max
}

// IsCapabilityError reports whether err is a permission/capability error
func IsCapabilityError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsCapability()
}

// IsRateLimit reports whether err is a rate-limit error and returns the
// wait the provider asked for
func IsRateLimit(err error) (time.Duration, bool) {
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return rlErr.RetryAfter, true
	}
	return 0, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
