package credit_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxel/api/internal/credit"
	"github.com/nyxel/api/internal/model"
	"github.com/nyxel/api/internal/store"
)

func newLedger(t *testing.T, bal *model.CreditBalance) (*credit.Ledger, *store.MemoryCreditStore) {
	t.Helper()
	repo := store.NewMemoryCreditStore()
	if bal != nil {
		repo.SetBalance("u1", *bal)
	}
	return credit.NewLedger(repo, store.NewMemoryIdempotencyStore()), repo
}

func TestLedger_GetBalanceDefaults(t *testing.T) {
	l, _ := newLedger(t, nil)

	b, err := l.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, model.CreditBalance{Gems: 100, Crystals: 50}, b)
}

func TestLedger_CheckSufficientFailsClosed(t *testing.T) {
	l, _ := newLedger(t, nil)

	s, err := l.CheckSufficient(context.Background(), "u1", model.CreditTypeGems, 1)
	require.NoError(t, err)
	assert.False(t, s.Sufficient)
	assert.Equal(t, "no credit record found", s.Error)
}

func TestLedger_CheckSufficient(t *testing.T) {
	l, _ := newLedger(t, &model.CreditBalance{Gems: 100, Crystals: 3})
	ctx := context.Background()

	tests := []struct {
		name       string
		creditType model.CreditType
		amount     int
		want       bool
	}{
		{"exact gems", model.CreditTypeGems, 100, true},
		{"over gems", model.CreditTypeGems, 101, false},
		{"crystals short", model.CreditTypeCrystals, 4, false},
		{"zero", model.CreditTypeCrystals, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := l.CheckSufficient(ctx, "u1", tt.creditType, tt.amount)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Sufficient)
		})
	}
}

func TestLedger_RequireReturnsTypedError(t *testing.T) {
	l, _ := newLedger(t, &model.CreditBalance{Gems: 30})

	err := l.Require(context.Background(), "u1", model.CreditCost{Type: model.CreditTypeGems, Cost: 50})
	var ice *credit.InsufficientCreditsError
	require.True(t, errors.As(err, &ice))
	assert.Equal(t, 50, ice.Required)
	assert.Equal(t, 30, ice.Remaining)

	assert.NoError(t, l.Require(context.Background(), "u1", model.CreditCost{Type: model.CreditTypeGems}))
}

func TestLedger_DeductFloorsAtZero(t *testing.T) {
	l, repo := newLedger(t, &model.CreditBalance{Gems: 40, Crystals: 10})

	after, err := l.Deduct(context.Background(), "u1", model.CreditTypeGems, 100, "atlas:j1", "generation")
	require.NoError(t, err)
	assert.Equal(t, 0, after)

	b, _ := repo.GetBalance(context.Background(), "u1")
	assert.Equal(t, 0, b.Gems)
	assert.Equal(t, 10, b.Crystals, "other currency untouched")

	txs := repo.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, -40, txs[0].Amount)
	assert.Equal(t, "atlas:j1", txs[0].JobKey)
}

func TestLedger_DeductWithoutRecord(t *testing.T) {
	l, _ := newLedger(t, nil)

	_, err := l.Deduct(context.Background(), "u1", model.CreditTypeGems, 10, "", "")
	assert.ErrorIs(t, err, credit.ErrNoCreditRecord)
}

func TestLedger_ConcurrentDeductionsLoseNothing(t *testing.T) {
	l, repo := newLedger(t, &model.CreditBalance{Gems: 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Deduct(ctx, "u1", model.CreditTypeGems, 10, "", "")
		}()
	}
	wg.Wait()

	b, _ := repo.GetBalance(ctx, "u1")
	applied := len(repo.Transactions())
	assert.Equal(t, 1000-10*applied, b.Gems)
}

// racingRepo changes the balance underneath the first conditional write
type racingRepo struct {
	*store.MemoryCreditStore
	raced bool
}

func (r *racingRepo) CompareAndSetBalance(ctx context.Context, userID string, ct model.CreditType, expected, next int) (bool, error) {
	if !r.raced {
		r.raced = true
		r.SetBalance(userID, model.CreditBalance{Gems: expected - 25})
	}
	return r.MemoryCreditStore.CompareAndSetBalance(ctx, userID, ct, expected, next)
}

func TestLedger_DeductRetriesOnConflict(t *testing.T) {
	repo := &racingRepo{MemoryCreditStore: store.NewMemoryCreditStore()}
	repo.SetBalance("u1", model.CreditBalance{Gems: 100})
	l := credit.NewLedger(repo, store.NewMemoryIdempotencyStore())

	after, err := l.Deduct(context.Background(), "u1", model.CreditTypeGems, 50, "", "")
	require.NoError(t, err)
	assert.Equal(t, 25, after, "deduction must apply on top of the concurrent write")
}

func TestLedger_SettleIsIdempotent(t *testing.T) {
	l, repo := newLedger(t, &model.CreditBalance{Gems: 300})
	ctx := context.Background()
	cost := model.CreditCost{Type: model.CreditTypeGems, Cost: 100}

	res, err := l.Settle(ctx, "atlas:j1", "u1", cost)
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.Equal(t, 200, res.BalanceAfter)

	res, err = l.Settle(ctx, "atlas:j1", "u1", cost)
	require.NoError(t, err)
	assert.True(t, res.AlreadySettled)
	assert.False(t, res.Settled)

	b, _ := repo.GetBalance(ctx, "u1")
	assert.Equal(t, 200, b.Gems)
}

func TestLedger_SettleFreeCostDoesNotDeduct(t *testing.T) {
	l, repo := newLedger(t, &model.CreditBalance{Gems: 300})

	res, err := l.Settle(context.Background(), "atlas:j2", "u1", model.CreditCost{Type: model.CreditTypeGems})
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.Empty(t, repo.Transactions())
}

func TestLedger_SettleReleasesClaimOnFailure(t *testing.T) {
	repo := store.NewMemoryCreditStore()
	l := credit.NewLedger(repo, store.NewMemoryIdempotencyStore())
	ctx := context.Background()
	cost := model.CreditCost{Type: model.CreditTypeGems, Cost: 10}

	_, err := l.Settle(ctx, "atlas:j3", "u1", cost)
	require.Error(t, err, "no record to deduct from")

	repo.SetBalance("u1", model.CreditBalance{Gems: 50})
	res, err := l.Settle(ctx, "atlas:j3", "u1", cost)
	require.NoError(t, err)
	assert.True(t, res.Settled)
	assert.Equal(t, 40, res.BalanceAfter)
}
