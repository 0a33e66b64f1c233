package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxel/api/internal/model"
	"github.com/nyxel/api/internal/service"
	"github.com/nyxel/api/internal/store"
)

type scriptedReconciler struct {
	results   []error
	outcome   *model.JobOutcome
	calls     int
	abandoned string
	jobs      *store.MemoryJobStore
}

func (r *scriptedReconciler) Reconcile(ctx context.Context, provider model.Provider, ref string, hint *model.PendingJob) (*model.JobOutcome, error) {
	r.calls++
	if len(r.results) > 0 {
		err := r.results[0]
		r.results = r.results[1:]
		if err != nil {
			return nil, err
		}
	}
	return r.outcome, nil
}

func (r *scriptedReconciler) Abandon(ctx context.Context, job *model.PendingJob, message string) (*model.JobOutcome, error) {
	r.abandoned = message
	_ = r.jobs.DeletePending(ctx, job)
	return &model.JobOutcome{Status: model.JobStatusFailed, Error: message}, nil
}

type countingQueue struct{ keys []string }

func (q *countingQueue) EnqueueReconcile(ctx context.Context, jobKey string) error {
	q.keys = append(q.keys, jobKey)
	return nil
}

func setup(t *testing.T, outcome *model.JobOutcome, results ...error) (*ReconcileWorker, *scriptedReconciler, *store.MemoryJobStore, *countingQueue) {
	t.Helper()
	jobs := store.NewMemoryJobStore()
	require.NoError(t, jobs.SavePending(context.Background(), &model.PendingJob{
		Provider:  model.ProviderAtlas,
		JobID:     "j1",
		UserID:    "u1",
		CreatedAt: time.Now(),
	}))
	rec := &scriptedReconciler{outcome: outcome, results: results, jobs: jobs}
	q := &countingQueue{}
	return NewReconcileWorker(rec, jobs, q, model.MaxPollErrors, nil), rec, jobs, q
}

func TestReconcileWorker_ProcessingReenqueues(t *testing.T) {
	w, rec, _, q := setup(t, &model.JobOutcome{Status: model.JobStatusProcessing})
	tk, err := service.NewReconcileTask("atlas:j1")
	require.NoError(t, err)

	require.NoError(t, w.ProcessTask(context.Background(), tk))
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, []string{"atlas:j1"}, q.keys)
}

func TestReconcileWorker_TerminalStops(t *testing.T) {
	w, _, _, q := setup(t, &model.JobOutcome{Status: model.JobStatusCompleted})
	tk, _ := service.NewReconcileTask("atlas:j1")

	require.NoError(t, w.ProcessTask(context.Background(), tk))
	assert.Empty(t, q.keys)
}

func TestReconcileWorker_MissingJobIsDone(t *testing.T) {
	w, rec, _, q := setup(t, nil)
	tk, _ := service.NewReconcileTask("atlas:gone")

	require.NoError(t, w.ProcessTask(context.Background(), tk))
	assert.Zero(t, rec.calls)
	assert.Empty(t, q.keys)
}

func TestReconcileWorker_ErrorBudget(t *testing.T) {
	errs := make([]error, model.MaxPollErrors)
	for i := range errs {
		errs[i] = errors.New("connection refused")
	}
	w, rec, jobs, _ := setup(t, nil, errs...)
	tk, _ := service.NewReconcileTask("atlas:j1")

	for i := 1; i < model.MaxPollErrors; i++ {
		err := w.ProcessTask(context.Background(), tk)
		require.Error(t, err, "pass %d should ask asynq to retry", i)
		job, gerr := jobs.GetPending(context.Background(), "atlas:j1")
		require.NoError(t, gerr)
		assert.Equal(t, i, job.ErrorCount)
	}

	require.NoError(t, w.ProcessTask(context.Background(), tk))
	assert.Contains(t, rec.abandoned, "gave up after 10 consecutive errors")
	_, err := jobs.GetPending(context.Background(), "atlas:j1")
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestReconcileWorker_SuccessResetsErrorCount(t *testing.T) {
	w, _, jobs, _ := setup(t, &model.JobOutcome{Status: model.JobStatusProcessing}, errors.New("timeout"), nil)
	tk, _ := service.NewReconcileTask("atlas:j1")

	require.Error(t, w.ProcessTask(context.Background(), tk))
	require.NoError(t, w.ProcessTask(context.Background(), tk))

	job, err := jobs.GetPending(context.Background(), "atlas:j1")
	require.NoError(t, err)
	assert.Zero(t, job.ErrorCount)
}
