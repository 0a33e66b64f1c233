// Package apiclient is a Go client for the Nyxel HTTP API.
package apiclient

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
	"strings"
	"time"

	"github.com/nyxel/api/internal/model"
	"github.com/nyxel/api/pkg/response"
)

// Wire types, re-exported so callers outside this module can name them.
type (
	GenerateRequest  = model.GenerateRequest
	GenerateResponse = model.GenerateResponse
	StatusQuery      = model.StatusQuery
	JobOutcome       = model.JobOutcome
	SettleRequest    = model.SettleRequest
	SettleResponse   = model.SettleResponse
	PendingJob       = model.PendingJob
	GeneratedItem    = model.GeneratedItem
	CreditBalance    = model.CreditBalance
	ModelInfo        = model.ModelInfo
)

const defaultTimeout = 60 * time.Second

// APIError is a non-2xx reply in the standard error envelope
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("nyxel API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("nyxel API error (status %d, %s): %s", e.StatusCode, e.Code, e.Message)
}

// InsufficientCreditsError is the 402 reply to Generate
type InsufficientCreditsError struct {
	CreditType model.CreditType
	Required   int
	Remaining  int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient %s: required %d, remaining %d", e.CreditType, e.Required, e.Remaining)
}

// TransportError wraps a failure to reach the API at all
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "nyxel API unreachable: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying on the next poll:
// transport failures and 5xx replies.
func IsTransient(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode >= 500
}

// Client calls the API with a bearer token
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the default http.Client
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a client for baseURL authenticating with token
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate submits a generation
func (c *Client) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	var out GenerateResponse
	if err := c.do(ctx, http.MethodPost, "/api/generate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status polls one job
func (c *Client) Status(ctx context.Context, q *StatusQuery) (*JobOutcome, error) {
	v := url.Values{}
	v.Set("provider", string(q.Provider))
	setIf(v, "jobId", q.JobID)
	setIf(v, "token", q.Token)
	setIf(v, "prompt", q.Prompt)
	setIf(v, "modelId", q.ModelID)
	setIf(v, "mediaType", string(q.MediaType))

	var out JobOutcome
	if err := c.do(ctx, http.MethodGet, "/api/generate/status?"+v.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pending lists the caller's in-flight jobs
func (c *Client) Pending(ctx context.Context) ([]PendingJob, error) {
	var out model.PendingJobsResponse
	if err := c.do(ctx, http.MethodGet, "/api/generate/pending", nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Settle charges a completed job; repeat calls are harmless
func (c *Client) Settle(ctx context.Context, req *SettleRequest) (*SettleResponse, error) {
	var out SettleResponse
	if err := c.do(ctx, http.MethodPost, "/api/credits/settle", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Balance returns the caller's credits
func (c *Client) Balance(ctx context.Context) (*CreditBalance, error) {
	var out CreditBalance
	if err := c.do(ctx, http.MethodGet, "/api/credits/balance", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History lists persisted generations, newest first
func (c *Client) History(ctx context.Context, limit int) ([]GeneratedItem, error) {
	path := "/api/generations"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out model.HistoryResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Models lists the catalog
func (c *Client) Models(ctx context.Context) ([]ModelInfo, error) {
	var out []ModelInfo
	if err := c.do(ctx, http.MethodGet, "/api/models", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Err: err}
	}

	if resp.StatusCode == http.StatusPaymentRequired {
		var ic model.InsufficientCreditsResponse
		if err := json.Unmarshal(raw, &ic); err == nil && ic.CreditType != "" {
			return &InsufficientCreditsError{CreditType: ic.CreditType, Required: ic.Required, Remaining: ic.Remaining}
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, raw)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(status int, raw []byte) error {
	var env response.ErrorResponse
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Code != "" {
		return &APIError{StatusCode: status, Code: env.Error.Code, Message: env.Error.Message}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return &APIError{StatusCode: status, Message: msg}
}

func setIf(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}
