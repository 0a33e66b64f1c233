package model

import "time"

// Settings are the caller-supplied generation parameters, stored verbatim
// alongside every item of a batch.
type Settings map[string]interface{}

// GeneratedItem is one durable output of a generation. Items sharing a
// BatchID share Prompt, ModelID and Settings.
type GeneratedItem struct {
	ID        string    `json:"id"`
	MediaURL  string    `json:"mediaUrl"`
	MediaType MediaType `json:"mediaType"`
	Prompt    string    `json:"prompt"`
	ModelID   string    `json:"modelId"`
	CreatedAt time.Time `json:"createdAt"`
	BatchID   string    `json:"batchId"`
	Settings  Settings  `json:"settings,omitempty"`
}

// GenerationRecord is the persisted row for a GeneratedItem.
type GenerationRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	MediaURL  string    `json:"media_url"`
	MediaType MediaType `json:"media_type"`
	Prompt    string    `json:"prompt"`
	ModelID   string    `json:"model_id"`
	CreatedAt time.Time `json:"created_at"`
	BatchID   string    `json:"batch_id"`
	Settings  Settings  `json:"settings,omitempty"`
}

// Item converts a persisted record back to its client form
func (r *GenerationRecord) Item() GeneratedItem {
	return GeneratedItem{
		ID:        r.ID,
		MediaURL:  r.MediaURL,
		MediaType: r.MediaType,
		Prompt:    r.Prompt,
		ModelID:   r.ModelID,
		CreatedAt: r.CreatedAt,
		BatchID:   r.BatchID,
		Settings:  r.Settings,
	}
}

// GeneratedResult is a single output reported by a completed job
type GeneratedResult struct {
	MediaURL     string `json:"mediaUrl"`
	GenerationID string `json:"generationId,omitempty"`
}

// ModelInfo is the public view of a catalog entry
type ModelInfo struct {
	ID            string     `json:"id"`
	Provider      Provider   `json:"provider"`
	MediaType     MediaType  `json:"mediaType"`
	CreditType    CreditType `json:"creditType"`
	Cost          int        `json:"cost"`
	PerUnit       bool       `json:"perUnit"`
	FreeEligible  bool       `json:"freeEligible"`
	RequiresImage bool       `json:"requiresImage"`
	MaxQuantity   int        `json:"maxQuantity"`
}
