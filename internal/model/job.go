package model

import (
	"errors"
	"fmt"
	"time"
)

// MaxPollErrors is the consecutive transport failure budget for a pending job.
const MaxPollErrors = 10

// PendingJob is an in-flight asynchronous generation.
// Exactly one of JobID (atlas) or Token (civitai) is set.
type PendingJob struct {
	ID         string     `json:"id"`
	Provider   Provider   `json:"provider"`
	JobID      string     `json:"jobId,omitempty"`
	Token      string     `json:"token,omitempty"`
	Prompt     string     `json:"prompt"`
	ModelID    string     `json:"modelId"`
	MediaType  MediaType  `json:"mediaType"`
	UserID     string     `json:"userId,omitempty"`
	ErrorCount int        `json:"errorCount"`
	Settings   Settings   `json:"settings,omitempty"`
	CreditCost CreditCost `json:"creditCost"`
	CreatedAt  time.Time  `json:"createdAt"`
}

var (
	ErrJobRefMissing   = errors.New("pending job has neither jobId nor token")
	ErrJobRefAmbiguous = errors.New("pending job has both jobId and token")
)

// Validate enforces the one-reference rule
func (j *PendingJob) Validate() error {
	if !j.Provider.IsValid() {
		return fmt.Errorf("unknown provider %q", j.Provider)
	}
	switch {
	case j.JobID == "" && j.Token == "":
		return ErrJobRefMissing
	case j.JobID != "" && j.Token != "":
		return ErrJobRefAmbiguous
	}
	return nil
}

// Ref returns the provider-side reference for this job
func (j *PendingJob) Ref() string {
	if j.JobID != "" {
		return j.JobID
	}
	return j.Token
}

// Key identifies the job across sessions and is used for settlement.
func (j *PendingJob) Key() string {
	return JobKey(j.Provider, j.Ref())
}

// JobKey builds the canonical provider:ref key
func JobKey(provider Provider, ref string) string {
	return fmt.Sprintf("%s:%s", provider, ref)
}

// JobOutcome is the reconciled state of a provider job as reported to clients.
type JobOutcome struct {
	Status       JobStatus         `json:"status"`
	MediaURL     string            `json:"mediaUrl,omitempty"`
	Results      []GeneratedResult `json:"results,omitempty"`
	GenerationID string            `json:"generationId,omitempty"`
	BatchID      string            `json:"batchId,omitempty"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"createdAt,omitempty"`
	// CreditCost is what settlement charges for this outcome
	CreditCost *CreditCost `json:"creditCost,omitempty"`
	UserID     string      `json:"userId,omitempty"`
}

// IsTerminal reports whether the outcome ends polling
func (o *JobOutcome) IsTerminal() bool {
	return o.Status == JobStatusCompleted || o.Status == JobStatusFailed
}
