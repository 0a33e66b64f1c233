package client

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/subscription"
	"go.uber.org/zap"

	"github.com/nyxel/api/internal/config"
)

// StripeClient confirms subscription state directly with Stripe. The
// subscriptions table is written by the billing webhook and can lag.
type StripeClient struct {
	log *zap.Logger
}

// NewStripeClient sets the process-wide Stripe key
func NewStripeClient(cfg *config.StripeConfig, log *zap.Logger) (*StripeClient, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("stripe: secret key is required")
	}
	stripe.Key = cfg.SecretKey
	return &StripeClient{log: log.Named("stripe")}, nil
}

// IsSubscriptionActive reports whether the subscription is active or trialing
func (c *StripeClient) IsSubscriptionActive(ctx context.Context, subscriptionID string) (bool, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		c.log.Warn("Failed to get Stripe subscription",
			zap.String("subscription_id", subscriptionID),
			zap.Error(err))
		return false, fmt.Errorf("stripe: failed to get subscription: %w", err)
	}

	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return true, nil
	default:
		return false, nil
	}
}
