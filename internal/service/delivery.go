package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nyxel/api/internal/logger"
	"github.com/nyxel/api/internal/model"
)

// delivery turns temporary provider URLs into durable, recorded items
type delivery struct {
	relay   *RelayService
	records RecordStore
	log     *zap.Logger
}

// cleanupTimeout bounds removal of a partly relayed batch
const cleanupTimeout = 30 * time.Second

// deliver relays every output before recording any, so a failed relay
// leaves no records behind and the attempt can be repeated. Objects already
// uploaded for the failed attempt are removed.
func (d *delivery) deliver(ctx context.Context, job *model.PendingJob, urls []string) (*model.JobOutcome, error) {
	durable := make([]string, 0, len(urls))
	keys := make([]string, 0, len(urls))
	for _, src := range urls {
		key := ObjectKey(job.UserID, job.MediaType, src)
		u, err := d.relay.Relay(ctx, src, key, "")
		if err != nil {
			d.discard(ctx, job, keys)
			return nil, err
		}
		durable = append(durable, u)
		keys = append(keys, key)
	}

	now := time.Now().UTC()
	batchID := uuid.New().String()
	log := logger.ForJob(d.log, string(job.Provider), job.Ref())

	results := make([]model.GeneratedResult, 0, len(durable))
	for _, u := range durable {
		rec := &model.GenerationRecord{
			ID:        uuid.New().String(),
			UserID:    job.UserID,
			MediaURL:  u,
			MediaType: job.MediaType,
			Prompt:    job.Prompt,
			ModelID:   job.ModelID,
			CreatedAt: now,
			BatchID:   batchID,
			Settings:  job.Settings,
		}

		result := model.GeneratedResult{MediaURL: u}
		if d.records != nil {
			id, err := d.records.Save(ctx, rec)
			if err != nil {
				log.Error("failed to save generation record", zap.String("media_url", u), zap.Error(err))
			} else {
				result.GenerationID = id
			}
		}
		results = append(results, result)
	}

	outcome := &model.JobOutcome{
		Status:    model.JobStatusCompleted,
		Results:   results,
		BatchID:   batchID,
		CreatedAt: now,
		UserID:    job.UserID,
	}
	if len(results) > 0 {
		outcome.MediaURL = results[0].MediaURL
		outcome.GenerationID = results[0].GenerationID
	}
	return outcome, nil
}

func (d *delivery) discard(ctx context.Context, job *model.PendingJob, keys []string) {
	if len(keys) == 0 {
		return
	}
	// the relay may have failed because ctx ended
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	log := logger.ForJob(d.log, string(job.Provider), job.Ref())
	for _, key := range keys {
		if err := d.relay.Remove(ctx, key); err != nil {
			log.Warn("failed to remove partial upload", zap.Error(err))
		}
	}
}
