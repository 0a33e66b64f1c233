package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/nyxel/api/internal/model"
)

type itemSource struct {
	mediaURL     string
	results      []model.GeneratedResult
	generationID string
	batchID      string
	createdAt    time.Time
	prompt       string
	modelID      string
	mediaType    model.MediaType
	settings     model.Settings
}

func itemsFromResponse(resp *model.GenerateResponse, req *model.GenerateRequest) []model.GeneratedItem {
	return buildItems(itemSource{
		mediaURL:     resp.MediaURL,
		results:      resp.Results,
		generationID: resp.GenerationID,
		batchID:      resp.BatchID,
		createdAt:    resp.CreatedAt,
		prompt:       req.Prompt,
		modelID:      req.ModelID,
		mediaType:    resp.MediaType,
		settings:     req.Params,
	})
}

func itemsFromOutcome(out *model.JobOutcome, job *model.PendingJob) []model.GeneratedItem {
	return buildItems(itemSource{
		mediaURL:     out.MediaURL,
		results:      out.Results,
		generationID: out.GenerationID,
		batchID:      out.BatchID,
		createdAt:    out.CreatedAt,
		prompt:       job.Prompt,
		modelID:      job.ModelID,
		mediaType:    job.MediaType,
		settings:     job.Settings,
	})
}

// buildItems expands a completed reply into history items. Every item of one
// reply shares a batch id, minting one when the server sent none.
func buildItems(src itemSource) []model.GeneratedItem {
	results := src.results
	if len(results) == 0 {
		if src.mediaURL == "" {
			return nil
		}
		results = []model.GeneratedResult{{MediaURL: src.mediaURL, GenerationID: src.generationID}}
	}

	batchID := src.batchID
	if batchID == "" {
		batchID = uuid.New().String()
	}
	createdAt := src.createdAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	mediaType := src.mediaType
	if mediaType == "" {
		mediaType = model.MediaTypeImage
	}

	items := make([]model.GeneratedItem, 0, len(results))
	for _, r := range results {
		if r.MediaURL == "" {
			continue
		}
		id := r.GenerationID
		if id == "" {
			id = uuid.New().String()
		}
		items = append(items, model.GeneratedItem{
			ID:        id,
			MediaURL:  r.MediaURL,
			MediaType: mediaType,
			Prompt:    src.prompt,
			ModelID:   src.modelID,
			CreatedAt: createdAt,
			BatchID:   batchID,
			Settings:  src.settings,
		})
	}
	return items
}
