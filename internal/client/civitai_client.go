package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/nyxel/api/internal/config"
)

const (
	civitaiJobsEndpoint = "/v1/consumer/jobs"
	civitaiMaxQuantity  = 4
)

// PartialPolicy decides what a token with mixed sub-job outcomes resolves to.
type PartialPolicy string

const (
	// PartialAllOrNothing fails the whole token as soon as one sub-job fails.
	PartialAllOrNothing PartialPolicy = "all_or_nothing"
	// PartialSalvage waits for every sub-job to settle and keeps the survivors.
	PartialSalvage PartialPolicy = "salvage"
)

// ParsePartialPolicy maps a config value to a policy, defaulting to all-or-nothing.
func ParsePartialPolicy(s string) PartialPolicy {
	if PartialPolicy(s) == PartialSalvage {
		return PartialSalvage
	}
	return PartialAllOrNothing
}

// CivitaiClient talks to the Civitai orchestration API. Every submit is
// asynchronous and returns one token covering up to four sub-jobs.
type CivitaiClient struct {
	api    jsonAPI
	policy PartialPolicy
}

// CivitaiSubmitRequest is a text-to-image batch
type CivitaiSubmitRequest struct {
	Model    string
	Prompt   string
	Quantity int
	Params   map[string]interface{}
}

type civitaiJob struct {
	JobID     string        `json:"jobId"`
	Scheduled bool          `json:"scheduled"`
	Result    civitaiResult `json:"result"`
}

// civitaiResult accepts either a single result object or a list of them.
type civitaiResult struct {
	Available bool   `json:"available"`
	BlobURL   string `json:"blobUrl"`
}

func (r *civitaiResult) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	type plain civitaiResult
	if b[0] == '[' {
		var list []plain
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		if len(list) > 0 {
			*r = civitaiResult(list[0])
		}
		return nil
	}
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = civitaiResult(p)
	return nil
}

type civitaiJobsResponse struct {
	Token string       `json:"token"`
	Jobs  []civitaiJob `json:"jobs"`
}

// NewCivitaiClient creates a new Civitai orchestration client
func NewCivitaiClient(cfg *config.CivitaiConfig, log *zap.Logger) *CivitaiClient {
	return &CivitaiClient{
		api:    newJSONAPI("civitai", cfg.BaseURL, cfg.Token, time.Duration(cfg.Timeout)*time.Second, log),
		policy: ParsePartialPolicy(cfg.PartialPolicy),
	}
}

// Policy returns the configured partial-failure policy
func (c *CivitaiClient) Policy() PartialPolicy {
	return c.policy
}

// ClampQuantity bounds a requested batch size to 1..4
func ClampQuantity(q int) int {
	if q < 1 {
		return 1
	}
	if q > civitaiMaxQuantity {
		return civitaiMaxQuantity
	}
	return q
}

// Submit fans a prompt out into Quantity sub-jobs under one token
func (c *CivitaiClient) Submit(ctx context.Context, req *CivitaiSubmitRequest) (*SubmitResult, error) {
	quantity := ClampQuantity(req.Quantity)

	params := make(map[string]interface{}, len(req.Params)+1)
	for k, v := range req.Params {
		params[k] = v
	}
	params["prompt"] = req.Prompt

	body := map[string]interface{}{
		"$type":    "textToImage",
		"model":    req.Model,
		"params":   params,
		"quantity": quantity,
	}

	raw, err := c.api.post(ctx, civitaiJobsEndpoint, body)
	if err != nil {
		return nil, err
	}

	var resp civitaiJobsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedResponse, err)
	}
	if resp.Token == "" {
		return nil, ErrUnrecognizedResponse
	}

	count := len(resp.Jobs)
	if count == 0 {
		count = quantity
	}
	return &SubmitResult{Ref: resp.Token, SubJobCount: count}, nil
}

// Status reads every sub-job under the token and applies the partial policy
func (c *CivitaiClient) Status(ctx context.Context, token string) (*ProviderStatus, error) {
	raw, err := c.api.get(ctx, civitaiJobsEndpoint+"?token="+url.QueryEscape(token))
	if err != nil {
		return nil, err
	}

	var resp civitaiJobsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return &ProviderStatus{Kind: StatusUnknown, Raw: string(truncate(raw, 128))}, nil
	}

	return evaluateCivitaiJobs(resp.Jobs, c.policy), nil
}

// evaluateCivitaiJobs folds sub-job states into one status. A sub-job has
// failed when it is neither scheduled nor available.
func evaluateCivitaiJobs(jobs []civitaiJob, policy PartialPolicy) *ProviderStatus {
	total := len(jobs)
	if total == 0 {
		return &ProviderStatus{Kind: StatusUnknown, Raw: "no jobs under token"}
	}

	var urls []string
	failed, blobless := 0, 0
	for _, j := range jobs {
		switch {
		case j.Result.Available && j.Result.BlobURL != "":
			urls = append(urls, j.Result.BlobURL)
		case j.Result.Available:
			blobless++
		case !j.Scheduled:
			failed++
		}
	}
	pending := total - len(urls) - failed - blobless

	if len(urls) == total {
		return &ProviderStatus{Kind: StatusCompleted, URLs: urls, Requested: total}
	}

	failure := &ProviderStatus{
		Kind:      StatusFailed,
		Error:     fmt.Sprintf("%d of %d sub-jobs failed", failed, total),
		Requested: total,
	}
	// an available sub-job without a blob url can never be relayed
	stuck := &ProviderStatus{
		Kind:      StatusUnknown,
		Raw:       fmt.Sprintf("%d of %d sub-jobs available without blob url", blobless, total),
		Requested: total,
	}

	if policy == PartialSalvage {
		if pending > 0 {
			return &ProviderStatus{Kind: StatusProcessing, Requested: total}
		}
		if blobless > 0 {
			return stuck
		}
		if len(urls) > 0 {
			return &ProviderStatus{Kind: StatusCompleted, URLs: urls, Requested: total}
		}
		return failure
	}

	if failed > 0 {
		return failure
	}
	if blobless > 0 {
		return stuck
	}
	return &ProviderStatus{Kind: StatusProcessing, Requested: total}
}

// IsConfigured returns true if the client has an API token
func (c *CivitaiClient) IsConfigured() bool {
	return c.api.IsConfigured()
}
