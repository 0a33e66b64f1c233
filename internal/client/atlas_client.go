package client

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/nyxel/api/internal/config"
	"github.com/nyxel/api/internal/model"
)

const (
	atlasImageEndpoint  = "/api/v1/model/generateImage"
	atlasVideoEndpoint  = "/api/v1/model/generateVideo"
	atlasStatusEndpoint = "/api/v1/model/prediction/"
)

// AtlasClient talks to Atlas Cloud. Image models may answer synchronously
// when enable_sync_mode is set; video models always return a job id.
type AtlasClient struct {
	api jsonAPI
}

// AtlasSubmitRequest is a single Atlas generation
type AtlasSubmitRequest struct {
	Model     string
	Prompt    string
	MediaType model.MediaType
	Sync      bool
	ImageURL  string
	Params    map[string]interface{}
}

// NewAtlasClient creates a new Atlas Cloud client
func NewAtlasClient(cfg *config.AtlasConfig, log *zap.Logger) *AtlasClient {
	return &AtlasClient{
		api: newJSONAPI("atlas", cfg.BaseURL, cfg.APIKey, time.Duration(cfg.Timeout)*time.Second, log),
	}
}

// Submit starts a generation. A reply with an extractable URL is a sync
// result; a reply with only an id is async.
func (c *AtlasClient) Submit(ctx context.Context, req *AtlasSubmitRequest) (*SubmitResult, error) {
	body := make(map[string]interface{}, len(req.Params)+4)
	for k, v := range req.Params {
		body[k] = v
	}
	body["model"] = req.Model
	body["prompt"] = req.Prompt
	if req.ImageURL != "" {
		body["image"] = req.ImageURL
	}

	endpoint := atlasImageEndpoint
	if req.MediaType == model.MediaTypeVideo {
		endpoint = atlasVideoEndpoint
	} else {
		body["enable_sync_mode"] = req.Sync
	}

	raw, err := c.api.post(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}

	payload, ext, err := parseAtlasPayload(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedResponse, err)
	}

	switch payload.status() {
	case "failed", "error":
		return nil, &UpstreamFailedError{Provider: "atlas", Message: payload.errorMessage()}
	}

	if ext.Recognized {
		c.api.log.Debug("sync result", zap.String("field", ext.Field))
		return &SubmitResult{Sync: true, TempURL: ext.URL, SubJobCount: 1}, nil
	}
	if id := payload.jobID(); id != "" {
		return &SubmitResult{Ref: id, SubJobCount: 1}, nil
	}
	return nil, ErrUnrecognizedResponse
}

// Status polls a prediction. Unknown status values and malformed replies
// map to StatusUnknown, never to failure.
func (c *AtlasClient) Status(ctx context.Context, jobID string) (*ProviderStatus, error) {
	raw, err := c.api.get(ctx, atlasStatusEndpoint+url.PathEscape(jobID))
	if err != nil {
		return nil, err
	}

	payload, ext, err := parseAtlasPayload(raw)
	if err != nil {
		return &ProviderStatus{Kind: StatusUnknown, Raw: string(truncate(raw, 128))}, nil
	}

	return atlasStatusFrom(payload, ext), nil
}

func atlasStatusFrom(payload *atlasPayload, ext Extraction) *ProviderStatus {
	raw := payload.status()
	switch raw {
	case "processing", "starting", "in_queue":
		return &ProviderStatus{Kind: StatusProcessing, Raw: raw, Requested: 1}
	case "completed", "success":
		if !ext.Recognized {
			// finished but in a shape we can't read yet
			return &ProviderStatus{Kind: StatusUnknown, Raw: raw, Requested: 1}
		}
		return &ProviderStatus{Kind: StatusCompleted, URLs: []string{ext.URL}, Raw: raw, Requested: 1}
	case "failed", "error":
		return &ProviderStatus{Kind: StatusFailed, Error: payload.errorMessage(), Raw: raw, Requested: 1}
	default:
		return &ProviderStatus{Kind: StatusUnknown, Raw: raw, Requested: 1}
	}
}

// IsConfigured returns true if the client has an API key
func (c *AtlasClient) IsConfigured() bool {
	return c.api.IsConfigured()
}
