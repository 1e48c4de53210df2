// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
)

// Configuration constants for the watsonx.ai API.
const (
	// DefaultBaseURL is the Dallas regional endpoint.
	DefaultBaseURL = "https://us-south.ml.cloud.ibm.com"

	// DefaultIAMURL exchanges API keys for bearer tokens.
	DefaultIAMURL = "https://iam.cloud.ibm.com/identity/token"

	// DefaultAPIVersion is sent as the version query parameter.
	DefaultAPIVersion = "2024-05-31"

	// DefaultTimeout bounds non-streaming requests.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of attempts for transient errors.
	DefaultMaxRetries = 3

	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 10 * time.Second

	// tokenRefreshMargin renews the IAM token this long before it expires.
	tokenRefreshMargin = 60 * time.Second

	// MaxResponseSize caps non-streaming response bodies.
	MaxResponseSize = 10 * 1024 * 1024
)

// Error variables for common watsonx failures.
var (
	// ErrNotConfigured indicates the API key or project id is missing.
	ErrNotConfigured = errors.New("watsonx API key or project id not configured")

	// ErrAuthFailed indicates the API key was rejected.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates the service throttled the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the model id is unknown or unsupported.
	ErrModelNotFound = errors.New("model not found")

	// ErrUnreachable indicates the service could not be contacted.
	ErrUnreachable = errors.New("watsonx unreachable")
)

// DefaultModels is used when the model listing endpoint is unavailable.
var DefaultModels = []string{
	"ibm/granite-3-8b-instruct",
	"ibm/granite-3-2b-instruct",
	"meta-llama/llama-3-3-70b-instruct",
	"meta-llama/llama-3-1-8b-instruct",
	"mistralai/mistral-large",
}

// Client talks to watsonx.ai. It is safe for concurrent use.
type Client struct {
	apiKey     string
	projectID  string
	baseURL    string
	iamURL     string
	apiVersion string
	maxRetries int

	httpClient   *http.Client
	streamClient *http.Client
	limiter      *rate.Limiter
	log          logr.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	now         func() time.Time
}

// NewClient creates a client for the given API key and project.
// A client with an empty key or project reports IsConfigured false and
// every call fails with ErrNotConfigured.
func NewClient(apiKey, projectID string) *Client {
	streamTransport := http.DefaultTransport.(*http.Transport).Clone()
	streamTransport.DialContext = (&net.Dialer{Timeout: 10 * time.Second}).DialContext

	return &Client{
		apiKey:       strings.TrimSpace(apiKey),
		projectID:    strings.TrimSpace(projectID),
		baseURL:      DefaultBaseURL,
		iamURL:       DefaultIAMURL,
		apiVersion:   DefaultAPIVersion,
		maxRetries:   DefaultMaxRetries,
		httpClient:   &http.Client{Timeout: DefaultTimeout},
		streamClient: &http.Client{Transport: streamTransport},
		limiter:      rate.NewLimiter(rate.Inf, 1),
		log:          logr.Discard(),
		now:          time.Now,
	}
}

// WithBaseURL sets the regional endpoint.
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = strings.TrimRight(u, "/")
	return c
}

// WithIAMURL sets the token endpoint.
func (c *Client) WithIAMURL(u string) *Client {
	c.iamURL = u
	return c
}

// WithAPIVersion sets the version query parameter.
func (c *Client) WithAPIVersion(v string) *Client {
	c.apiVersion = v
	return c
}

// WithTimeout sets the timeout for non-streaming requests.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.httpClient.Timeout = timeout
	return c
}

// WithMaxRetries sets the number of attempts for transient errors.
func (c *Client) WithMaxRetries(n int) *Client {
	if n < 1 {
		n = 1
	}
	c.maxRetries = n
	return c
}

// WithRateLimit throttles outgoing requests. rps <= 0 disables throttling.
func (c *Client) WithRateLimit(rps float64, burst int) *Client {
	if rps <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 1)
		return c
	}
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	return c
}

// WithLogger sets the logger.
func (c *Client) WithLogger(log logr.Logger) *Client {
	c.log = log
	return c
}

// IsConfigured reports whether both the API key and project id are set.
func (c *Client) IsConfigured() bool {
	return c.apiKey != "" && c.projectID != ""
}

// KeyFingerprint identifies the API key in logs without exposing it.
func (c *Client) KeyFingerprint() string {
	if c.apiKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.apiKey))
	return hex.EncodeToString(h[:4])
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

// Token returns a valid IAM bearer token, exchanging the API key when the
// cached one is missing or about to expire.
func (c *Client) Token(ctx context.Context) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Add(tokenRefreshMargin).Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("grant_type", "urn:ibm:params:oauth:grant-type:apikey")
	form.Set("apikey", c.apiKey)
	encoded := form.Encode()

	resp, err := c.doWithRetry(ctx, c.httpClient, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.iamURL, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		err := handleErrorResponse(resp.StatusCode, body)
		if resp.StatusCode == http.StatusBadRequest {
			// IAM answers 400 for a malformed or revoked key.
			err = fmt.Errorf("%w: %v", ErrAuthFailed, err)
		} else if !errors.Is(err, ErrAuthFailed) {
			err = fmt.Errorf("%w: IAM: %v", ErrUnreachable, err)
		}
		c.log.Info("iam.token.failed", "status", resp.StatusCode, "key", c.KeyFingerprint())
		return "", err
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("%w: failed to parse IAM token response: %v", ErrUnreachable, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: IAM token response missing access_token", ErrUnreachable)
	}

	c.token = tok.AccessToken
	switch {
	case tok.Expiration > 0:
		c.tokenExpiry = time.Unix(tok.Expiration, 0)
	case tok.ExpiresIn > 0:
		c.tokenExpiry = c.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	default:
		c.tokenExpiry = c.now().Add(time.Hour)
	}
	c.log.V(1).Info("iam.token.refreshed", "key", c.KeyFingerprint(), "expires", c.tokenExpiry)
	return c.token, nil
}

// =============================================================================
// MODELS
// =============================================================================

// ListModels returns the chat-capable foundation models.
func (c *Client) ListModels(ctx context.Context) ([]ModelSpec, error) {
	token, err := c.Token(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("version", c.apiVersion)
	q.Set("filters", "function_text_chat")
	q.Set("limit", "200")
	endpoint := c.baseURL + "/ml/v1/foundation_model_specs?" + q.Encode()

	resp, err := c.doWithRetry(ctx, c.httpClient, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		c.setHeaders(req, token)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, handleErrorResponse(resp.StatusCode, body)
	}

	var specs modelSpecsResponse
	if err := json.Unmarshal(body, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse model specs: %w", err)
	}
	return specs.Resources, nil
}

// =============================================================================
// REQUEST HELPERS
// =============================================================================

func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "playground/1.0")
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + path + "?version=" + url.QueryEscape(c.apiVersion)
}

// doWithRetry sends the request built by build, retrying transport
// failures, 429 and 5xx responses with exponential backoff. The final
// response is returned whatever its status; callers inspect it.
func (c *Client) doWithRetry(ctx context.Context, client *http.Client, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(calculateBackoff(attempt)):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}

		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = fmt.Errorf("%w: %v", ErrUnreachable, err)
			c.log.V(1).Info("cloud.request.retry", "path", req.URL.Path, "attempt", attempt+1, "error", err.Error())
			continue
		}

		c.log.V(2).Info("cloud.request", "method", req.Method, "path", req.URL.Path,
			"status", resp.StatusCode, "duration", time.Since(start).String())

		if isRetryableStatus(resp.StatusCode) && attempt < c.maxRetries-1 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status < 600)
}

// calculateBackoff returns 500ms, 1s, 2s, ... capped at retryMaxDelay.
func calculateBackoff(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// readResponse reads a body up to MaxResponseSize.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrUnreachable, err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse converts an error response into a Go error that
// matches the package sentinels where one applies.
func handleErrorResponse(status int, body []byte) error {
	apiErr := &APIError{Status: status}

	var payload apiErrorResponse
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case len(payload.Errors) > 0:
			apiErr.Code = payload.Errors[0].Code
			apiErr.Message = payload.Errors[0].Message
			apiErr.Trace = payload.Trace
		case payload.ErrorMessage != "":
			apiErr.Code = payload.ErrorCode
			apiErr.Message = payload.ErrorMessage
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %v", ErrAuthFailed, apiErr)
	case status == http.StatusNotFound || apiErr.Code == "model_not_supported":
		return fmt.Errorf("%w: %v", ErrModelNotFound, apiErr)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrRateLimited, apiErr)
	default:
		return apiErr
	}
}

// marshalBody is split out for the streaming request builder.
func marshalBody(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return buf.Bytes(), nil
}
