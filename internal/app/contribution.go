package app

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/crowdfunding-service/internal/domain"
)

// recordContribution accumulates a donation onto a contributor's stake. A nil
// existing record starts a fresh stake. The identity is always refreshed so the
// call is idempotent with respect to record creation.
func recordContribution(existing *domain.Contribution, campaignID uuid.UUID, user string, amount int64, now time.Time) (*domain.Contribution, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	next := domain.Contribution{
		CampaignID: campaignID,
		User:       user,
		CreatedAt:  now,
	}
	if existing != nil {
		next.Amount = existing.Amount
		next.CreatedAt = existing.CreatedAt
	}
	if next.Amount > math.MaxInt64-amount {
		return nil, domain.ErrInvalidAmount
	}
	next.Amount += amount
	next.UpdatedAt = now
	return &next, nil
}
