package model

import "time"

// CreditBalance holds a user's two currencies. Both are never negative.
type CreditBalance struct {
	Gems     int `json:"gems"`
	Crystals int `json:"crystals"`
}

// Get returns the balance for one currency
func (b CreditBalance) Get(t CreditType) int {
	if t == CreditTypeCrystals {
		return b.Crystals
	}
	return b.Gems
}

// CreditCost is the price of a job, computed once at submit time.
// UnitCost and Quantity allow charging per delivered output.
type CreditCost struct {
	Type     CreditType `json:"type"`
	Cost     int        `json:"cost"`
	UnitCost int        `json:"unitCost,omitempty"`
	Quantity int        `json:"quantity,omitempty"`
}

// ForDelivered recomputes the cost for a partially delivered batch.
func (c CreditCost) ForDelivered(delivered int) CreditCost {
	if c.UnitCost == 0 || c.Quantity == 0 || delivered >= c.Quantity {
		return c
	}
	out := c
	out.Quantity = delivered
	out.Cost = c.UnitCost * delivered
	return out
}

// CreditTransaction is an audit row written after each deduction.
type CreditTransaction struct {
	UserID       string     `json:"user_id"`
	CreditType   CreditType `json:"credit_type"`
	Amount       int        `json:"amount"`
	BalanceAfter int        `json:"balance_after"`
	JobKey       string     `json:"job_key,omitempty"`
	Description  string     `json:"description"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Subscription is the billing tier row maintained by the billing webhook.
type Subscription struct {
	UserID               string `json:"user_id"`
	Tier                 string `json:"tier"`
	Status               string `json:"status"`
	StripeSubscriptionID string `json:"stripe_subscription_id,omitempty"`
}
