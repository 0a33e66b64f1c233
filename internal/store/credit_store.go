package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/nyxel/api/internal/credit"
	"github.com/nyxel/api/internal/model"
)

const (
	creditsTable      = "user_credits"
	transactionsTable = "credit_transactions"
)

// SupabaseCreditStore keeps balances in the user_credits table
type SupabaseCreditStore struct {
	client *supabase.Client
}

func NewSupabaseCreditStore(client *supabase.Client) *SupabaseCreditStore {
	return &SupabaseCreditStore{client: client}
}

func (s *SupabaseCreditStore) GetBalance(ctx context.Context, userID string) (*model.CreditBalance, error) {
	var rows []model.CreditBalance

	data, _, err := s.client.From(creditsTable).
		Select("gems,crystals", "", false).
		Eq("user_id", userID).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user credits: %w", err)
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse credit data: %w", err)
	}
	if len(rows) == 0 {
		return nil, credit.ErrNoCreditRecord
	}
	return &rows[0], nil
}

// CompareAndSetBalance filters the update on the previously read value, so
// a concurrent writer makes it match zero rows.
func (s *SupabaseCreditStore) CompareAndSetBalance(ctx context.Context, userID string, creditType model.CreditType, expected, next int) (bool, error) {
	column := string(creditType)

	data, _, err := s.client.From(creditsTable).
		Update(map[string]interface{}{
			column:       next,
			"updated_at": time.Now().UTC(),
		}, "representation", "").
		Eq("user_id", userID).
		Eq(column, strconv.Itoa(expected)).
		Execute()
	if err != nil {
		return false, fmt.Errorf("failed to update credits: %w", err)
	}

	var updated []json.RawMessage
	if err := json.Unmarshal(data, &updated); err != nil {
		return false, fmt.Errorf("failed to parse update result: %w", err)
	}
	return len(updated) > 0, nil
}

func (s *SupabaseCreditStore) RecordTransaction(ctx context.Context, tx *model.CreditTransaction) error {
	_, _, err := s.client.From(transactionsTable).
		Insert(tx, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

var _ credit.Repository = (*SupabaseCreditStore)(nil)

// MemoryCreditStore is an in-process credit.Repository
type MemoryCreditStore struct {
	mu           sync.Mutex
	balances     map[string]model.CreditBalance
	transactions []model.CreditTransaction
}

func NewMemoryCreditStore() *MemoryCreditStore {
	return &MemoryCreditStore{balances: make(map[string]model.CreditBalance)}
}

// SetBalance seeds or overwrites a user's balance
func (s *MemoryCreditStore) SetBalance(userID string, b model.CreditBalance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = b
}

func (s *MemoryCreditStore) GetBalance(ctx context.Context, userID string) (*model.CreditBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		return nil, credit.ErrNoCreditRecord
	}
	return &b, nil
}

func (s *MemoryCreditStore) CompareAndSetBalance(ctx context.Context, userID string, creditType model.CreditType, expected, next int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok || b.Get(creditType) != expected {
		return false, nil
	}
	if creditType == model.CreditTypeCrystals {
		b.Crystals = next
	} else {
		b.Gems = next
	}
	s.balances[userID] = b
	return true, nil
}

func (s *MemoryCreditStore) RecordTransaction(ctx context.Context, tx *model.CreditTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions = append(s.transactions, *tx)
	return nil
}

// Transactions returns a copy of the recorded audit rows
func (s *MemoryCreditStore) Transactions() []model.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.CreditTransaction(nil), s.transactions...)
}

var _ credit.Repository = (*MemoryCreditStore)(nil)
