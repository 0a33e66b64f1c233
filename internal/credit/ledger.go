package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nyxel/api/internal/metrics"
	"github.com/nyxel/api/internal/model"
)

var (
	// ErrNoCreditRecord means the user has never had a balance row written.
	ErrNoCreditRecord = errors.New("no credit record found")
	// ErrDeductConflict is returned when concurrent writers kept winning the
	// conditional update.
	ErrDeductConflict = errors.New("credit balance changed concurrently, giving up")
)

// InsufficientCreditsError reports a failed pre-flight check
type InsufficientCreditsError struct {
	CreditType model.CreditType
	Required   int
	Remaining  int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient %s: required %d, remaining %d", e.CreditType, e.Required, e.Remaining)
}

// Repository persists balances. CompareAndSetBalance writes next only when
// the stored value still equals expected.
type Repository interface {
	GetBalance(ctx context.Context, userID string) (*model.CreditBalance, error)
	CompareAndSetBalance(ctx context.Context, userID string, creditType model.CreditType, expected, next int) (bool, error)
	RecordTransaction(ctx context.Context, tx *model.CreditTransaction) error
}

// IdempotencyStore claims keys so that an operation runs at most once
type IdempotencyStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Sufficiency is the result of a pre-flight balance check
type Sufficiency struct {
	Sufficient bool
	Current    int
	Error      string
}

// SettleResult describes what a Settle call did
type SettleResult struct {
	Settled        bool
	AlreadySettled bool
	Charged        model.CreditCost
	BalanceAfter   int
}

const deductAttempts = 5

// Ledger implements balance reads, checks, deductions and idempotent settlement
type Ledger struct {
	repo      Repository
	claims    IdempotencyStore
	defaults  model.CreditBalance
	settleTTL time.Duration
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// LedgerOption configures a Ledger
type LedgerOption func(*Ledger)

// WithDefaults sets the balance reported for users without a record
func WithDefaults(b model.CreditBalance) LedgerOption {
	return func(l *Ledger) { l.defaults = b }
}

// WithSettleTTL sets how long a settlement claim is remembered
func WithSettleTTL(ttl time.Duration) LedgerOption {
	return func(l *Ledger) {
		if ttl > 0 {
			l.settleTTL = ttl
		}
	}
}

func WithLogger(log *zap.Logger) LedgerOption {
	return func(l *Ledger) { l.log = log }
}

func WithMetrics(m *metrics.Metrics) LedgerOption {
	return func(l *Ledger) { l.metrics = m }
}

// NewLedger creates a ledger over the given repository and claim store
func NewLedger(repo Repository, claims IdempotencyStore, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		repo:      repo,
		claims:    claims,
		defaults:  model.CreditBalance{Gems: 100, Crystals: 50},
		settleTTL: 30 * 24 * time.Hour,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// GetBalance returns the stored balance, or the free-tier default when the
// user has no record yet.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (model.CreditBalance, error) {
	bal, err := l.repo.GetBalance(ctx, userID)
	if errors.Is(err, ErrNoCreditRecord) {
		return l.defaults, nil
	}
	if err != nil {
		return model.CreditBalance{}, fmt.Errorf("failed to read balance: %w", err)
	}
	return *bal, nil
}

// CheckSufficient fails closed: a missing record is never sufficient.
func (l *Ledger) CheckSufficient(ctx context.Context, userID string, creditType model.CreditType, amount int) (Sufficiency, error) {
	bal, err := l.repo.GetBalance(ctx, userID)
	if errors.Is(err, ErrNoCreditRecord) {
		return Sufficiency{Sufficient: false, Error: ErrNoCreditRecord.Error()}, nil
	}
	if err != nil {
		return Sufficiency{}, fmt.Errorf("failed to read balance: %w", err)
	}

	current := bal.Get(creditType)
	return Sufficiency{Sufficient: current >= amount, Current: current}, nil
}

// Require is CheckSufficient that turns a shortfall into an error.
func (l *Ledger) Require(ctx context.Context, userID string, cost model.CreditCost) error {
	if cost.Cost <= 0 {
		return nil
	}
	s, err := l.CheckSufficient(ctx, userID, cost.Type, cost.Cost)
	if err != nil {
		return err
	}
	if !s.Sufficient {
		return &InsufficientCreditsError{CreditType: cost.Type, Required: cost.Cost, Remaining: s.Current}
	}
	return nil
}

// Deduct subtracts amount, flooring at zero. The write is conditional on
// the balance read just before it and is retried when another writer wins.
func (l *Ledger) Deduct(ctx context.Context, userID string, creditType model.CreditType, amount int, jobKey, description string) (int, error) {
	for attempt := 1; attempt <= deductAttempts; attempt++ {
		bal, err := l.repo.GetBalance(ctx, userID)
		if err != nil {
			return 0, fmt.Errorf("failed to fetch user credits: %w", err)
		}

		current := bal.Get(creditType)
		next := current - amount
		if next < 0 {
			next = 0
		}

		ok, err := l.repo.CompareAndSetBalance(ctx, userID, creditType, current, next)
		if err != nil {
			return 0, fmt.Errorf("failed to deduct credits: %w", err)
		}
		if !ok {
			l.log.Debug("balance changed during deduction, retrying",
				zap.String("user_id", userID), zap.Int("attempt", attempt))
			continue
		}

		l.metrics.CreditsDeducted(string(creditType), current-next)

		tx := &model.CreditTransaction{
			UserID:       userID,
			CreditType:   creditType,
			Amount:       -(current - next),
			BalanceAfter: next,
			JobKey:       jobKey,
			Description:  description,
			CreatedAt:    time.Now().UTC(),
		}
		if err := l.repo.RecordTransaction(ctx, tx); err != nil {
			l.log.Warn("failed to record credit transaction",
				zap.String("user_id", userID), zap.String("job_key", jobKey), zap.Error(err))
		}

		l.log.Info("credits deducted",
			zap.String("user_id", userID),
			zap.String("credit_type", string(creditType)),
			zap.Int("from", current),
			zap.Int("to", next))
		return next, nil
	}
	return 0, ErrDeductConflict
}

// Settle charges cost for the job identified by key at most once. A repeat
// call with the same key reports AlreadySettled and changes nothing.
func (l *Ledger) Settle(ctx context.Context, key, userID string, cost model.CreditCost) (*SettleResult, error) {
	claimed, err := l.claims.Claim(ctx, "settle:"+key, l.settleTTL)
	if err != nil {
		l.metrics.Settlement("error")
		return nil, fmt.Errorf("failed to claim settlement: %w", err)
	}
	if !claimed {
		l.metrics.Settlement("duplicate")
		return &SettleResult{AlreadySettled: true}, nil
	}

	if cost.Cost <= 0 {
		l.metrics.Settlement("settled")
		return &SettleResult{Settled: true, Charged: cost}, nil
	}

	after, err := l.Deduct(ctx, userID, cost.Type, cost.Cost, key, "generation "+key)
	if err != nil {
		// let a later retry charge
		if rerr := l.claims.Release(ctx, "settle:"+key); rerr != nil {
			l.log.Error("failed to release settlement claim", zap.String("job_key", key), zap.Error(rerr))
		}
		l.metrics.Settlement("error")
		return nil, err
	}

	l.metrics.Settlement("settled")
	return &SettleResult{Settled: true, Charged: cost, BalanceAfter: after}, nil
}
