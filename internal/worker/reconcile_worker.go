package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/nyxel/api/internal/logger"
	"github.com/nyxel/api/internal/model"
	"github.com/nyxel/api/internal/service"
	"github.com/nyxel/api/internal/store"
)

// Reconciler is the part of service.ReconcileService the worker drives
type Reconciler interface {
	Reconcile(ctx context.Context, provider model.Provider, ref string, hint *model.PendingJob) (*model.JobOutcome, error)
	Abandon(ctx context.Context, job *model.PendingJob, message string) (*model.JobOutcome, error)
}

// ReconcileWorker polls pending jobs server-side so that completion and
// settlement happen even when no client is watching.
type ReconcileWorker struct {
	reconciler Reconciler
	jobs       service.JobStore
	queue      service.Enqueuer
	maxErrors  int
	log        *zap.Logger
}

func NewReconcileWorker(reconciler Reconciler, jobs service.JobStore, queue service.Enqueuer, maxErrors int, log *zap.Logger) *ReconcileWorker {
	if maxErrors <= 0 {
		maxErrors = model.MaxPollErrors
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ReconcileWorker{
		reconciler: reconciler,
		jobs:       jobs,
		queue:      queue,
		maxErrors:  maxErrors,
		log:        log.Named("worker"),
	}
}

// ProcessTask runs one reconcile pass. A still-running job is re-enqueued;
// an error is returned for asynq to retry until the consecutive error
// budget stored on the job runs out.
func (w *ReconcileWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	job, err := w.jobs.GetPending(ctx, payload.JobKey)
	if errors.Is(err, store.ErrJobNotFound) {
		// finished through a client poll, or expired
		w.log.Debug("no pending job", zap.String("job_ref", payload.JobKey))
		return nil
	}
	if err != nil {
		return err
	}

	log := logger.ForJob(w.log, string(job.Provider), job.Ref())

	outcome, err := w.reconciler.Reconcile(ctx, job.Provider, job.Ref(), job)
	if err != nil {
		job.ErrorCount++
		if job.ErrorCount >= w.maxErrors {
			msg := fmt.Sprintf("gave up after %d consecutive errors: %v", job.ErrorCount, err)
			if _, aerr := w.reconciler.Abandon(ctx, job, msg); aerr != nil {
				log.Error("failed to abandon job", zap.Error(aerr))
			}
			return nil
		}
		if serr := w.jobs.SavePending(ctx, job); serr != nil {
			log.Warn("failed to store error count", zap.Error(serr))
		}
		log.Warn("reconcile pass failed", zap.Int("error_count", job.ErrorCount), zap.Error(err))
		return err
	}

	if outcome.IsTerminal() {
		return nil
	}

	if job.ErrorCount > 0 {
		job.ErrorCount = 0
		if serr := w.jobs.SavePending(ctx, job); serr != nil {
			log.Warn("failed to reset error count", zap.Error(serr))
		}
	}
	return w.queue.EnqueueReconcile(ctx, payload.JobKey)
}
