/**
 * @description
 * Scheduled job implementations for the crowdfunding worker.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/crowdfunding-service/internal/domain"
	"github.com/transfa/crowdfunding-service/pkg/rabbitmq"
)

const outcomeBatchSize = 100

// OutcomeRepository defines the database operations needed by the outcome job.
type OutcomeRepository interface {
	FindEndedUnannouncedCampaigns(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error)
	MarkOutcomeAnnounced(ctx context.Context, campaignID uuid.UUID, at time.Time) (bool, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo      OutcomeRepository
	publisher rabbitmq.Publisher
	exchange  string
	clock     Clock
	logger    *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo OutcomeRepository, publisher rabbitmq.Publisher, exchange string, clock Clock, logger *slog.Logger) *Jobs {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	if exchange == "" {
		exchange = DefaultEventExchange
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Jobs{
		repo:      repo,
		publisher: publisher,
		exchange:  exchange,
		clock:     clock,
		logger:    logger,
	}
}

// outcomeEventID is stable per campaign so a re-announcement after a partial
// failure deduplicates downstream.
func outcomeEventID(campaignID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(campaignID, []byte("outcome"))
}

// AnnounceCampaignOutcomes publishes the final status of every campaign whose
// deadline has passed and marks it announced.
func (j *Jobs) AnnounceCampaignOutcomes() {
	j.logger.Info("starting campaign outcome job")
	ctx := context.Background()
	now := j.clock.Now()

	campaigns, err := j.repo.FindEndedUnannouncedCampaigns(ctx, now, outcomeBatchSize)
	if err != nil {
		j.logger.Error("failed to get ended campaigns", "error", err)
		return
	}

	if len(campaigns) == 0 {
		j.logger.Info("no ended campaigns to announce")
		return
	}

	j.logger.Info("found campaigns to announce", "count", len(campaigns))

	for i := range campaigns {
		campaign := &campaigns[i]
		status := domain.StatusAt(campaign, now)
		routingKey := domain.EventCampaignOutcomeUnmet
		if status == domain.StatusExpiredMet {
			routingKey = domain.EventCampaignOutcomeMet
		}

		event := domain.CampaignEvent{
			EventID:    outcomeEventID(campaign.ID),
			EventType:  routingKey,
			CampaignID: campaign.ID,
			Actor:      campaign.Admin,
			Amount:     campaign.AmountDonated,
			Status:     status,
			OccurredAt: now,
		}
		if err := j.publisher.Publish(ctx, j.exchange, routingKey, event); err != nil {
			j.logger.Error("failed to publish campaign outcome", "campaign_id", campaign.ID, "error", err)
			continue
		}

		marked, err := j.repo.MarkOutcomeAnnounced(ctx, campaign.ID, now)
		if err != nil {
			j.logger.Error("failed to mark campaign outcome announced", "campaign_id", campaign.ID, "error", err)
			continue
		}
		if !marked {
			j.logger.Info("campaign outcome already announced", "campaign_id", campaign.ID)
			continue
		}
		j.logger.Info("announced campaign outcome", "campaign_id", campaign.ID, "status", status, "amount_donated", campaign.AmountDonated)
	}

	j.logger.Info("campaign outcome job finished")
}
