package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nyxel/api/internal/client"
	"github.com/nyxel/api/internal/credit"
	"github.com/nyxel/api/internal/logger"
	"github.com/nyxel/api/internal/metrics"
	"github.com/nyxel/api/internal/model"
)

// GenerationDeps wires a GenerationService. Queue, Tiers and Records may be
// nil; a nil provider adapter makes that provider unavailable.
type GenerationDeps struct {
	Catalog   *credit.Catalog
	Ledger    *credit.Ledger
	Tiers     *credit.TierPolicy
	Providers Providers
	Relay     *RelayService
	Records   RecordStore
	Jobs      JobStore
	Queue     Enqueuer
	Log       *zap.Logger
	Metrics   *metrics.Metrics
}

// GenerationService accepts generation requests, prices them and starts
// them at the provider.
type GenerationService struct {
	catalog   *credit.Catalog
	ledger    *credit.Ledger
	tiers     *credit.TierPolicy
	providers Providers
	delivery  *delivery
	records   RecordStore
	jobs      JobStore
	queue     Enqueuer
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewGenerationService(d GenerationDeps) *GenerationService {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	catalog := d.Catalog
	if catalog == nil {
		catalog = credit.DefaultCatalog()
	}
	return &GenerationService{
		catalog:   catalog,
		ledger:    d.Ledger,
		tiers:     d.Tiers,
		providers: d.Providers,
		delivery:  &delivery{relay: d.Relay, records: d.Records, log: log},
		records:   d.Records,
		jobs:      d.Jobs,
		queue:     d.Queue,
		log:       log.Named("generation"),
		metrics:   d.Metrics,
	}
}

// Models lists the catalog
func (s *GenerationService) Models() []model.ModelInfo {
	return s.catalog.List()
}

// Quote prices a request without submitting it. The returned cost is zero
// when the caller's tier covers the model.
func (s *GenerationService) Quote(ctx context.Context, userID string, req *model.GenerateRequest) (credit.ModelSpec, model.CreditCost, error) {
	spec, ok := s.catalog.Lookup(req.ModelID)
	if !ok {
		return credit.ModelSpec{}, model.CreditCost{}, &ValidationError{Field: "modelId", Message: fmt.Sprintf("unknown model %q", req.ModelID)}
	}
	if spec.RequiresImage && req.ImageURL == "" {
		return spec, model.CreditCost{}, &ValidationError{Field: "imageUrl", Message: "this model requires an input image"}
	}

	cost := spec.Price(req.Quantity)
	if req.FreeCreation && s.tiers != nil && s.tiers.FreeCreationAllowed(ctx, userID, spec) {
		cost.Cost = 0
		cost.UnitCost = 0
	}
	return spec, cost, nil
}

// Submit validates, checks the balance and starts the job. Sync results are
// relayed, recorded and settled before returning. Async jobs are stored
// durably and handed to the background reconciler.
func (s *GenerationService) Submit(ctx context.Context, userID string, req *model.GenerateRequest) (*model.GenerateResponse, error) {
	if userID == "" {
		return nil, ErrAuthRequired
	}

	spec, cost, err := s.Quote(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.Require(ctx, userID, cost); err != nil {
		return nil, err
	}

	res, err := s.submitToProvider(ctx, spec, req, cost)
	if err != nil {
		var failed *client.UpstreamFailedError
		if errors.As(err, &failed) {
			return nil, fmt.Errorf("%w: %s", ErrUpstreamFailed, failed.Message)
		}
		return nil, err
	}

	job := &model.PendingJob{
		ID:         uuid.New().String(),
		Provider:   spec.Provider,
		Prompt:     req.Prompt,
		ModelID:    spec.ID,
		MediaType:  spec.MediaType,
		UserID:     userID,
		Settings:   req.Params,
		CreditCost: cost,
		CreatedAt:  time.Now().UTC(),
	}

	if res.Sync {
		s.metrics.Submission(string(spec.Provider), "sync")
		job.JobID = "sync-" + job.ID
		return s.completeSync(ctx, job, res.TempURL)
	}

	s.metrics.Submission(string(spec.Provider), "async")
	if spec.Provider == model.ProviderCivitai {
		job.Token = res.Ref
	} else {
		job.JobID = res.Ref
	}
	if err := s.track(ctx, job); err != nil {
		return nil, err
	}

	return &model.GenerateResponse{
		Status:     model.JobStatusProcessing,
		Provider:   job.Provider,
		JobID:      job.JobID,
		Token:      job.Token,
		PendingID:  job.ID,
		MediaType:  job.MediaType,
		CreditCost: &job.CreditCost,
		CreatedAt:  job.CreatedAt,
	}, nil
}

func (s *GenerationService) submitToProvider(ctx context.Context, spec credit.ModelSpec, req *model.GenerateRequest, cost model.CreditCost) (*client.SubmitResult, error) {
	switch spec.Provider {
	case model.ProviderAtlas:
		if s.providers.Atlas == nil {
			return nil, ErrProviderUnavailable
		}
		return s.providers.Atlas.Submit(ctx, &client.AtlasSubmitRequest{
			Model:     spec.UpstreamModel,
			Prompt:    req.Prompt,
			MediaType: spec.MediaType,
			Sync:      spec.Sync,
			ImageURL:  req.ImageURL,
			Params:    req.Params,
		})
	case model.ProviderCivitai:
		if s.providers.Civitai == nil {
			return nil, ErrProviderUnavailable
		}
		quantity := cost.Quantity
		if quantity == 0 {
			quantity = client.ClampQuantity(req.Quantity)
		}
		return s.providers.Civitai.Submit(ctx, &client.CivitaiSubmitRequest{
			Model:    spec.UpstreamModel,
			Prompt:   req.Prompt,
			Quantity: quantity,
			Params:   req.Params,
		})
	default:
		return nil, &ValidationError{Field: "modelId", Message: "model has no provider"}
	}
}

// completeSync settles inline. A failed charge does not take the delivered
// media away from the user; it is logged for follow-up.
func (s *GenerationService) completeSync(ctx context.Context, job *model.PendingJob, tempURL string) (*model.GenerateResponse, error) {
	log := logger.ForJob(s.log, string(job.Provider), job.Ref())

	outcome, err := s.delivery.deliver(ctx, job, []string{tempURL})
	if err != nil {
		return nil, err
	}
	s.metrics.Outcome(string(job.Provider), string(model.JobStatusCompleted))

	if _, err := s.ledger.Settle(ctx, job.Key(), job.UserID, job.CreditCost); err != nil {
		log.Error("failed to settle sync generation", zap.Error(err))
	}

	return &model.GenerateResponse{
		Status:       model.JobStatusCompleted,
		Provider:     job.Provider,
		MediaURL:     outcome.MediaURL,
		Results:      outcome.Results,
		GenerationID: outcome.GenerationID,
		BatchID:      outcome.BatchID,
		MediaType:    job.MediaType,
		CreditCost:   &job.CreditCost,
		CreatedAt:    outcome.CreatedAt,
	}, nil
}

// track stores the job and schedules background reconciliation. The stored
// job is what completion is priced from, so failing to store it fails the
// submit. A failed enqueue leaves client polling as the fallback.
func (s *GenerationService) track(ctx context.Context, job *model.PendingJob) error {
	log := logger.ForJob(s.log, string(job.Provider), job.Ref())

	if s.jobs != nil {
		if err := s.jobs.SavePending(ctx, job); err != nil {
			log.Error("failed to store pending job", zap.Error(err))
			return fmt.Errorf("failed to store pending job: %w", err)
		}
	}
	if s.queue != nil {
		if err := s.queue.EnqueueReconcile(ctx, job.Key()); err != nil {
			log.Warn("failed to enqueue reconcile", zap.Error(err))
		}
	}
	log.Info("generation submitted", zap.String("model_id", job.ModelID), zap.String("user_id", job.UserID))
	return nil
}

// ListPending returns the caller's in-flight jobs
func (s *GenerationService) ListPending(ctx context.Context, userID string) ([]model.PendingJob, error) {
	if userID == "" {
		return nil, ErrAuthRequired
	}
	if s.jobs == nil {
		return []model.PendingJob{}, nil
	}
	return s.jobs.ListPending(ctx, userID)
}

// History returns persisted items, newest first
func (s *GenerationService) History(ctx context.Context, userID string, limit int) ([]model.GeneratedItem, error) {
	if userID == "" {
		return nil, ErrAuthRequired
	}
	items := make([]model.GeneratedItem, 0)
	if s.records == nil {
		return items, nil
	}

	recs, err := s.records.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		items = append(items, recs[i].Item())
	}
	return items, nil
}
