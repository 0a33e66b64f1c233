package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nyxel/api/internal/client"
	"github.com/nyxel/api/internal/credit"
	"github.com/nyxel/api/internal/logger"
	"github.com/nyxel/api/internal/metrics"
	"github.com/nyxel/api/internal/model"
	"github.com/nyxel/api/internal/store"
)

// ReconcileDeps wires a ReconcileService. Notifier and Records may be nil.
type ReconcileDeps struct {
	Ledger    *credit.Ledger
	Providers Providers
	Relay     *RelayService
	Records   RecordStore
	Jobs      JobStore
	Claims    credit.IdempotencyStore
	Notifier  Notifier
	ClaimTTL  time.Duration
	Log       *zap.Logger
	Metrics   *metrics.Metrics
}

// ReconcileService turns provider status into a durable, charged outcome.
// Completion work runs once per job no matter how many callers poll.
type ReconcileService struct {
	ledger    *credit.Ledger
	providers Providers
	delivery  *delivery
	jobs      JobStore
	claims    credit.IdempotencyStore
	notifier  Notifier
	claimTTL  time.Duration
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewReconcileService(d ReconcileDeps) *ReconcileService {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	var notifier Notifier = nopNotifier{}
	if d.Notifier != nil {
		notifier = d.Notifier
	}
	ttl := d.ClaimTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ReconcileService{
		ledger:    d.Ledger,
		providers: d.Providers,
		delivery:  &delivery{relay: d.Relay, records: d.Records, log: log},
		jobs:      d.Jobs,
		claims:    d.Claims,
		notifier:  notifier,
		claimTTL:  ttl,
		log:       log.Named("reconcile"),
		metrics:   d.Metrics,
	}
}

// Status answers a client poll. Jobs belonging to another user are
// reported as not found.
func (s *ReconcileService) Status(ctx context.Context, userID string, q *model.StatusQuery) (*model.JobOutcome, error) {
	if userID == "" {
		return nil, ErrAuthRequired
	}
	if q.JobID != "" && q.Token != "" {
		return nil, &ValidationError{Field: "jobId", Message: "provide either jobId or token, not both"}
	}
	ref := q.Ref()
	if ref == "" {
		return nil, &ValidationError{Field: "jobId", Message: "jobId or token is required"}
	}
	key := model.JobKey(q.Provider, ref)
	log := logger.ForJob(s.log, string(q.Provider), ref)

	ownOutcome := func(o *model.JobOutcome) (*model.JobOutcome, error) {
		if o.UserID != "" && o.UserID != userID {
			return nil, ErrJobNotFound
		}
		return o, nil
	}
	if cached := s.cachedOutcome(ctx, key, log); cached != nil {
		return ownOutcome(cached)
	}

	// Only jobs submitted through this server are reconciled; the query
	// never describes or prices a job.
	stored, err := s.jobs.GetPending(ctx, key)
	if errors.Is(err, store.ErrJobNotFound) {
		// a concurrent completion caches the outcome before removing the job
		if cached := s.cachedOutcome(ctx, key, log); cached != nil {
			return ownOutcome(cached)
		}
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if stored.UserID != userID {
		return nil, ErrJobNotFound
	}
	return s.Reconcile(ctx, q.Provider, ref, stored)
}

// Reconcile reads the provider status for one job. hint is the job as the
// server stored it at submit and is used when the store cannot be read; it
// may be nil.
func (s *ReconcileService) Reconcile(ctx context.Context, provider model.Provider, ref string, hint *model.PendingJob) (*model.JobOutcome, error) {
	key := model.JobKey(provider, ref)
	log := logger.ForJob(s.log, string(provider), ref)

	if cached := s.cachedOutcome(ctx, key, log); cached != nil {
		return cached, nil
	}

	st, err := s.providers.Status(ctx, provider, ref)
	if err != nil {
		if client.IsTransient(err) {
			s.metrics.PollError(string(provider))
		}
		return nil, err
	}

	switch st.Kind {
	case client.StatusCompleted:
		job, err := s.resolveJob(ctx, key, hint)
		if err != nil {
			return nil, err
		}
		return s.complete(ctx, key, job, st)
	case client.StatusFailed:
		job, err := s.resolveJob(ctx, key, hint)
		if err != nil {
			return nil, err
		}
		msg := st.Error
		if msg == "" {
			msg = "generation failed"
		}
		return s.Abandon(ctx, job, msg)
	default:
		if st.Kind == client.StatusUnknown {
			log.Warn("unrecognized provider status", zap.String("raw", st.Raw))
		}
		s.notifier.NotifyProgress(key)
		return &model.JobOutcome{Status: model.JobStatusProcessing}, nil
	}
}

// cachedOutcome returns nil when nothing is cached or the read failed
func (s *ReconcileService) cachedOutcome(ctx context.Context, key string, log *zap.Logger) *model.JobOutcome {
	cached, err := s.jobs.GetOutcome(ctx, key)
	if err != nil {
		log.Warn("failed to read cached outcome", zap.Error(err))
	}
	return cached
}

// resolveJob returns the job recorded at submit, which carries the price
// the user was quoted. A job the server never stored is not settled.
func (s *ReconcileService) resolveJob(ctx context.Context, key string, hint *model.PendingJob) (*model.PendingJob, error) {
	stored, err := s.jobs.GetPending(ctx, key)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, store.ErrJobNotFound) {
		s.log.Warn("failed to read pending job", zap.String("job_ref", key), zap.Error(err))
	}
	if hint != nil && hint.UserID != "" && hint.Key() == key {
		return hint, nil
	}
	return nil, ErrJobNotFound
}

func (s *ReconcileService) complete(ctx context.Context, key string, job *model.PendingJob, st *client.ProviderStatus) (*model.JobOutcome, error) {
	log := logger.ForJob(s.log, string(job.Provider), job.Ref())
	claimKey := "reconcile:" + key

	claimed, err := s.claims.Claim(ctx, claimKey, s.claimTTL)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// someone else is finishing this job
		if cached := s.cachedOutcome(ctx, key, log); cached != nil {
			return cached, nil
		}
		return &model.JobOutcome{Status: model.JobStatusProcessing}, nil
	}

	outcome, err := s.delivery.deliver(ctx, job, st.URLs)
	if err != nil {
		if rerr := s.claims.Release(ctx, claimKey); rerr != nil {
			log.Error("failed to release reconcile claim", zap.Error(rerr))
		}
		return nil, err
	}

	cost := job.CreditCost.ForDelivered(len(outcome.Results))
	outcome.CreditCost = &cost
	if st.Requested > len(st.URLs) {
		log.Info("partial batch delivered",
			zap.Int("requested", st.Requested),
			zap.Int("delivered", len(st.URLs)))
	}

	// Later polls are answered from the cached outcome, so without it the
	// job is not finished: give the claim back and let the next pass retry.
	if err := s.jobs.PutOutcome(ctx, key, outcome); err != nil {
		log.Error("failed to cache outcome", zap.Error(err))
		if rerr := s.claims.Release(ctx, claimKey); rerr != nil {
			log.Error("failed to release reconcile claim", zap.Error(rerr))
		}
		return nil, fmt.Errorf("failed to cache outcome: %w", err)
	}

	if _, err := s.ledger.Settle(ctx, key, job.UserID, cost); err != nil {
		log.Error("failed to settle generation", zap.Error(err))
	}

	if err := s.jobs.DeletePending(ctx, job); err != nil {
		log.Warn("failed to delete pending job", zap.Error(err))
	}

	s.metrics.Outcome(string(job.Provider), string(model.JobStatusCompleted))
	s.notifier.NotifyComplete(key, outcome)
	log.Info("generation completed", zap.Int("outputs", len(outcome.Results)))
	return outcome, nil
}

// Abandon records a terminal failure. Nothing is charged.
func (s *ReconcileService) Abandon(ctx context.Context, job *model.PendingJob, message string) (*model.JobOutcome, error) {
	key := job.Key()
	log := logger.ForJob(s.log, string(job.Provider), job.Ref())

	outcome := &model.JobOutcome{
		Status:    model.JobStatusFailed,
		Error:     message,
		CreatedAt: time.Now().UTC(),
		UserID:    job.UserID,
	}
	if err := s.jobs.PutOutcome(ctx, key, outcome); err != nil {
		log.Error("failed to cache outcome", zap.Error(err))
	}
	if err := s.jobs.DeletePending(ctx, job); err != nil {
		log.Warn("failed to delete pending job", zap.Error(err))
	}

	s.metrics.Outcome(string(job.Provider), string(model.JobStatusFailed))
	s.notifier.NotifyFailed(key, message)
	log.Warn("generation failed", zap.String("error", message))
	return outcome, nil
}
