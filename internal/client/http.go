package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// jsonAPI is the shared request plumbing for provider clients.
type jsonAPI struct {
	name       string
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        *zap.Logger
}

func newJSONAPI(name, baseURL, apiKey string, timeout time.Duration, log *zap.Logger) jsonAPI {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return jsonAPI{
		name:       name,
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		log:        log.Named(name),
	}
}

// post sends a POST request with JSON body and returns the raw reply
func (a *jsonAPI) post(ctx context.Context, endpoint string, body interface{}) ([]byte, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	return a.doRequest(req)
}

// get sends a GET request and returns the raw reply
func (a *jsonAPI) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	return a.doRequest(req)
}

// doRequest executes an HTTP request. Transport failures and non-2xx
// replies both come back as *UpstreamTransientError.
func (a *jsonAPI) doRequest(req *http.Request) ([]byte, error) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	a.log.Debug("request", zap.String("method", req.Method), zap.String("url", req.URL.String()))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.log.Warn("request failed", zap.String("url", req.URL.String()), zap.Error(err))
		return nil, &UpstreamTransientError{Provider: a.name, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamTransientError{Provider: a.name, StatusCode: resp.StatusCode, Err: err}
	}

	a.log.Debug("response",
		zap.Int("status", resp.StatusCode),
		zap.String("url", req.URL.String()),
		zap.ByteString("body", truncate(respBody, 512)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamTransientError{
			Provider:   a.name,
			StatusCode: resp.StatusCode,
			Body:       string(truncate(respBody, 512)),
		}
	}

	return respBody, nil
}

func (a *jsonAPI) IsConfigured() bool {
	return a.apiKey != ""
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
