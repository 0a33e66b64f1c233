package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/supabase-community/supabase-go"

	"github.com/nyxel/api/internal/credit"
	"github.com/nyxel/api/internal/model"
)

const subscriptionsTable = "subscriptions"

// SupabaseSubscriptionStore reads the subscriptions table written by the
// billing webhook.
type SupabaseSubscriptionStore struct {
	client *supabase.Client
}

func NewSupabaseSubscriptionStore(client *supabase.Client) *SupabaseSubscriptionStore {
	return &SupabaseSubscriptionStore{client: client}
}

// GetSubscription returns nil without error when the user has no row
func (s *SupabaseSubscriptionStore) GetSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	data, _, err := s.client.From(subscriptionsTable).
		Select("user_id,tier,status,stripe_subscription_id", "", false).
		Eq("user_id", userID).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch subscription: %w", err)
	}

	var rows []model.Subscription
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse subscription: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

var _ credit.SubscriptionReader = (*SupabaseSubscriptionStore)(nil)

type MemorySubscriptionStore struct {
	mu   sync.Mutex
	subs map[string]model.Subscription
}

func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[string]model.Subscription)}
}

func (s *MemorySubscriptionStore) Put(sub model.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.UserID] = sub
}

func (s *MemorySubscriptionStore) GetSubscription(ctx context.Context, userID string) (*model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[userID]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

var _ credit.SubscriptionReader = (*MemorySubscriptionStore)(nil)
