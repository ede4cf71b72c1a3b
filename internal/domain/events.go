package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys on the crowdfunding events exchange.
const (
	EventCampaignCreated      = "campaign.created"
	EventDonationRecorded     = "campaign.donation.recorded"
	EventFundsWithdrawn       = "campaign.funds.withdrawn"
	EventContributionRefunded = "campaign.contribution.refunded"
	EventCampaignOutcomeMet   = "campaign.outcome.met"
	EventCampaignOutcomeUnmet = "campaign.outcome.unmet"
)

// DonationEvent is emitted after a donation commits.
type DonationEvent struct {
	EventID    uuid.UUID `json:"event_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	User       string    `json:"user"`
	Amount     int64     `json:"amount"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CampaignEvent carries the remaining lifecycle notifications: creation,
// withdrawal, refund and outcome announcements.
type CampaignEvent struct {
	EventID    uuid.UUID      `json:"event_id"`
	EventType  string         `json:"event_type"`
	CampaignID uuid.UUID      `json:"campaign_id"`
	Actor      string         `json:"actor,omitempty"`
	Amount     int64          `json:"amount,omitempty"`
	Status     CampaignStatus `json:"status,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// ActivityEntry is one recorded event in a campaign's activity log.
type ActivityEntry struct {
	EventID    uuid.UUID `json:"event_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	EventType  string    `json:"event_type"`
	Actor      string    `json:"actor,omitempty"`
	Amount     int64     `json:"amount"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CreateCampaignRequest is the API payload for creating a campaign.
type CreateCampaignRequest struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	TargetAmount    int64  `json:"target_amount"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// AmountRequest is the API payload for donations, withdrawals and deposits.
type AmountRequest struct {
	Amount int64 `json:"amount"`
}
