package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"github.com/nyxel/api/internal/model"
)

const generationsTable = "generations"

// DefaultHistoryLimit bounds history listings when the caller gives none
const DefaultHistoryLimit = 50

// SupabaseGenerationStore persists generation records in the generations table
type SupabaseGenerationStore struct {
	client *supabase.Client
}

func NewSupabaseGenerationStore(client *supabase.Client) *SupabaseGenerationStore {
	return &SupabaseGenerationStore{client: client}
}

// Save inserts the record and returns its id. A missing id or timestamp is
// filled in before the insert.
func (s *SupabaseGenerationStore) Save(ctx context.Context, rec *model.GenerationRecord) (string, error) {
	prepareRecord(rec)

	_, _, err := s.client.From(generationsTable).
		Insert(rec, false, "", "", "").
		Execute()
	if err != nil {
		return "", fmt.Errorf("failed to save generation: %w", err)
	}
	return rec.ID, nil
}

// ListByUser returns the newest records first
func (s *SupabaseGenerationStore) ListByUser(ctx context.Context, userID string, limit int) ([]model.GenerationRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	data, _, err := s.client.From(generationsTable).
		Select("*", "", false).
		Eq("user_id", userID).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(limit, "").
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}

	var rows []model.GenerationRecord
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse generations: %w", err)
	}
	return rows, nil
}

func prepareRecord(rec *model.GenerationRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
}

// MemoryGenerationStore keeps records in process
type MemoryGenerationStore struct {
	mu      sync.Mutex
	records []model.GenerationRecord
	failErr error
}

func NewMemoryGenerationStore() *MemoryGenerationStore {
	return &MemoryGenerationStore{}
}

// FailWith makes every later Save return err; nil restores normal behaviour
func (s *MemoryGenerationStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *MemoryGenerationStore) Save(ctx context.Context, rec *model.GenerationRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return "", s.failErr
	}
	prepareRecord(rec)
	s.records = append(s.records, *rec)
	return rec.ID, nil
}

func (s *MemoryGenerationStore) ListByUser(ctx context.Context, userID string, limit int) ([]model.GenerationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var out []model.GenerationRecord
	for _, r := range s.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns every saved record in insertion order
func (s *MemoryGenerationStore) All() []model.GenerationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.GenerationRecord(nil), s.records...)
}
