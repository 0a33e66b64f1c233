package service

import (
	"context"
	"errors"

	"github.com/nyxel/api/internal/credit"
	"github.com/nyxel/api/internal/model"
	"github.com/nyxel/api/internal/store"
)

// CreditService exposes balance reads and client-initiated settlement
type CreditService struct {
	ledger *credit.Ledger
	jobs   JobStore
}

func NewCreditService(ledger *credit.Ledger, jobs JobStore) *CreditService {
	return &CreditService{ledger: ledger, jobs: jobs}
}

func (s *CreditService) Balance(ctx context.Context, userID string) (model.CreditBalance, error) {
	if userID == "" {
		return model.CreditBalance{}, ErrAuthRequired
	}
	return s.ledger.GetBalance(ctx, userID)
}

// Settle charges a completed job. It is safe to call any number of times;
// only the first call for a job changes the balance.
func (s *CreditService) Settle(ctx context.Context, userID string, req *model.SettleRequest) (*model.SettleResponse, error) {
	if userID == "" {
		return nil, ErrAuthRequired
	}
	ref := req.Ref()
	if ref == "" {
		return nil, &ValidationError{Field: "jobId", Message: "jobId or token is required"}
	}
	key := model.JobKey(req.Provider, ref)

	outcome, err := s.jobs.GetOutcome(ctx, key)
	if err != nil {
		return nil, err
	}
	if outcome == nil {
		if _, perr := s.jobs.GetPending(ctx, key); perr == nil {
			return nil, ErrJobNotCompleted
		} else if !errors.Is(perr, store.ErrJobNotFound) {
			return nil, perr
		}
		return nil, ErrJobNotFound
	}
	if outcome.UserID != "" && outcome.UserID != userID {
		return nil, ErrJobNotFound
	}

	resp := &model.SettleResponse{}
	if outcome.Status == model.JobStatusCompleted {
		var cost model.CreditCost
		if outcome.CreditCost != nil {
			cost = *outcome.CreditCost
		}

		res, err := s.ledger.Settle(ctx, key, userID, cost)
		if err != nil {
			return nil, err
		}
		resp.Settled = res.Settled
		resp.AlreadySettled = res.AlreadySettled
		if res.Settled {
			resp.Charged = &res.Charged
		}
	}

	bal, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	resp.Balance = bal
	return resp, nil
}
