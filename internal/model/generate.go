package model

import "time"

// GenerateRequest represents POST /api/generate
type GenerateRequest struct {
	ModelID      string   `json:"modelId" validate:"required,max=128"`
	Prompt       string   `json:"prompt" validate:"required,min=1,max=4000"`
	Quantity     int      `json:"quantity" validate:"omitempty,min=1,max=4"`
	FreeCreation bool     `json:"freeCreation"`
	ImageURL     string   `json:"imageUrl" validate:"omitempty,url"`
	Params       Settings `json:"params"`
}

// GenerateResponse is returned by POST /api/generate. A completed response
// carries the durable media; a processing response carries the job reference.
type GenerateResponse struct {
	Status       JobStatus         `json:"status"`
	Provider     Provider          `json:"provider"`
	MediaURL     string            `json:"mediaUrl,omitempty"`
	Results      []GeneratedResult `json:"results,omitempty"`
	GenerationID string            `json:"generationId,omitempty"`
	BatchID      string            `json:"batchId,omitempty"`
	JobID        string            `json:"jobId,omitempty"`
	Token        string            `json:"token,omitempty"`
	PendingID    string            `json:"pendingId,omitempty"`
	MediaType    MediaType         `json:"mediaType,omitempty"`
	CreditCost   *CreditCost       `json:"creditCost,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// StatusQuery represents GET /api/generate/status query parameters
type StatusQuery struct {
	Provider  Provider  `query:"provider" validate:"required,oneof=atlas civitai"`
	JobID     string    `query:"jobId"`
	Token     string    `query:"token"`
	Prompt    string    `query:"prompt"`
	ModelID   string    `query:"modelId"`
	MediaType MediaType `query:"mediaType" validate:"omitempty,oneof=image video"`
}

// Ref returns whichever reference was supplied
func (q *StatusQuery) Ref() string {
	if q.JobID != "" {
		return q.JobID
	}
	return q.Token
}

// SettleRequest represents POST /api/credits/settle
type SettleRequest struct {
	Provider Provider `json:"provider" validate:"required,oneof=atlas civitai"`
	JobID    string   `json:"jobId"`
	Token    string   `json:"token"`
}

// Ref returns whichever reference was supplied
func (r *SettleRequest) Ref() string {
	if r.JobID != "" {
		return r.JobID
	}
	return r.Token
}

// SettleResponse reports the result of a settlement attempt
type SettleResponse struct {
	Settled        bool          `json:"settled"`
	AlreadySettled bool          `json:"alreadySettled"`
	Charged        *CreditCost   `json:"charged,omitempty"`
	Balance        CreditBalance `json:"balance"`
}

// PendingJobsResponse lists the caller's in-flight jobs
type PendingJobsResponse struct {
	Jobs []PendingJob `json:"jobs"`
}

// HistoryResponse lists persisted generations, newest first
type HistoryResponse struct {
	Items []GeneratedItem `json:"items"`
}

// InsufficientCreditsResponse is the 402 body
type InsufficientCreditsResponse struct {
	Error      string     `json:"error"`
	CreditType CreditType `json:"creditType"`
	Required   int        `json:"required"`
	Remaining  int        `json:"remaining"`
}
