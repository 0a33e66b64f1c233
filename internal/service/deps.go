package service

import (
	"context"
	"fmt"

	"github.com/nyxel/api/internal/client"
	"github.com/nyxel/api/internal/model"
)

// AtlasAPI is the subset of the Atlas client the services call
type AtlasAPI interface {
	Submit(ctx context.Context, req *client.AtlasSubmitRequest) (*client.SubmitResult, error)
	Status(ctx context.Context, jobID string) (*client.ProviderStatus, error)
}

// CivitaiAPI is the subset of the Civitai client the services call
type CivitaiAPI interface {
	Submit(ctx context.Context, req *client.CivitaiSubmitRequest) (*client.SubmitResult, error)
	Status(ctx context.Context, token string) (*client.ProviderStatus, error)
}

// JobStore keeps durable pending jobs and cached outcomes
type JobStore interface {
	SavePending(ctx context.Context, job *model.PendingJob) error
	GetPending(ctx context.Context, jobKey string) (*model.PendingJob, error)
	DeletePending(ctx context.Context, job *model.PendingJob) error
	ListPending(ctx context.Context, userID string) ([]model.PendingJob, error)
	PutOutcome(ctx context.Context, jobKey string, outcome *model.JobOutcome) error
	GetOutcome(ctx context.Context, jobKey string) (*model.JobOutcome, error)
}

// RecordStore persists generation records
type RecordStore interface {
	Save(ctx context.Context, rec *model.GenerationRecord) (string, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]model.GenerationRecord, error)
}

// Notifier pushes job updates to live subscribers
type Notifier interface {
	NotifyProgress(jobRef string)
	NotifyComplete(jobRef string, outcome *model.JobOutcome)
	NotifyFailed(jobRef, message string)
}

// Enqueuer schedules a background reconcile pass for a job key
type Enqueuer interface {
	EnqueueReconcile(ctx context.Context, jobKey string) error
}

// Providers routes status calls to the right adapter. A nil adapter means
// the provider is not configured.
type Providers struct {
	Atlas   AtlasAPI
	Civitai CivitaiAPI
}

func (p Providers) Status(ctx context.Context, provider model.Provider, ref string) (*client.ProviderStatus, error) {
	switch provider {
	case model.ProviderAtlas:
		if p.Atlas == nil {
			return nil, ErrProviderUnavailable
		}
		return p.Atlas.Status(ctx, ref)
	case model.ProviderCivitai:
		if p.Civitai == nil {
			return nil, ErrProviderUnavailable
		}
		return p.Civitai.Status(ctx, ref)
	default:
		return nil, &ValidationError{Field: "provider", Message: fmt.Sprintf("unknown provider %q", provider)}
	}
}

type nopNotifier struct{}

func (nopNotifier) NotifyProgress(string)                   {}
func (nopNotifier) NotifyComplete(string, *model.JobOutcome) {}
func (nopNotifier) NotifyFailed(string, string)             {}
