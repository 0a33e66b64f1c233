package credit

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/nyxel/api/internal/model"
)

// SubscriptionReader loads a user's subscription row; nil when absent.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, userID string) (*model.Subscription, error)
}

// SubscriptionVerifier confirms a subscription with the billing provider.
type SubscriptionVerifier interface {
	IsSubscriptionActive(ctx context.Context, subscriptionID string) (bool, error)
}

// TierPolicy decides server-side whether a request may skip its cost.
// The client's freeCreation flag is only a hint.
type TierPolicy struct {
	reader    SubscriptionReader
	verifier  SubscriptionVerifier
	freeTiers map[string]bool
	log       *zap.Logger
}

// NewTierPolicy creates a policy. verifier may be nil.
func NewTierPolicy(reader SubscriptionReader, verifier SubscriptionVerifier, freeTiers []string, log *zap.Logger) *TierPolicy {
	tiers := make(map[string]bool, len(freeTiers))
	for _, t := range freeTiers {
		tiers[strings.ToLower(t)] = true
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TierPolicy{reader: reader, verifier: verifier, freeTiers: tiers, log: log}
}

// FreeCreationAllowed fails closed on any lookup error.
func (p *TierPolicy) FreeCreationAllowed(ctx context.Context, userID string, spec ModelSpec) bool {
	if !spec.FreeEligible || p.reader == nil {
		return false
	}

	sub, err := p.reader.GetSubscription(ctx, userID)
	if err != nil {
		p.log.Warn("subscription lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	if sub == nil || !p.freeTiers[strings.ToLower(sub.Tier)] {
		return false
	}
	if sub.Status != "" && sub.Status != "active" && sub.Status != "trialing" {
		return false
	}

	if p.verifier != nil && sub.StripeSubscriptionID != "" {
		active, err := p.verifier.IsSubscriptionActive(ctx, sub.StripeSubscriptionID)
		if err != nil || !active {
			return false
		}
	}
	return true
}
