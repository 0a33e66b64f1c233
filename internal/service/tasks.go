package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskTypeReconcile = "generation:reconcile"
	QueueReconcile    = "reconcile"
)

// ReconcilePayload is the body of a reconcile task
type ReconcilePayload struct {
	JobKey string `json:"jobKey"`
}

func NewReconcileTask(jobKey string) (*asynq.Task, error) {
	data, err := json.Marshal(ReconcilePayload{JobKey: jobKey})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeReconcile, data), nil
}

// TaskQueue enqueues reconcile passes on asynq
type TaskQueue struct {
	client   *asynq.Client
	interval time.Duration
	maxRetry int
}

// NewTaskQueue creates a queue that delays each pass by interval and lets
// asynq retry a failing pass maxRetry times.
func NewTaskQueue(client *asynq.Client, interval time.Duration, maxRetry int) *TaskQueue {
	return &TaskQueue{client: client, interval: interval, maxRetry: maxRetry}
}

func (q *TaskQueue) EnqueueReconcile(ctx context.Context, jobKey string) error {
	task, err := NewReconcileTask(jobKey)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	_, err = q.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueReconcile),
		asynq.ProcessIn(q.interval),
		asynq.MaxRetry(q.maxRetry),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}
