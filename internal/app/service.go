/**
 * @description
 * This file contains the escrow state machine of the crowdfunding-service. The `Service`
 * struct validates every campaign operation (create, donate, withdraw, refund), applies
 * it through a single store transaction, and publishes the resulting event once the
 * transaction has committed.
 *
 * Key features:
 * - Campaign status is derived from the clock and the counters at call time.
 * - Every outgoing transfer passes the reserve guard.
 * - Any failure rolls back the whole operation; nothing is retried internally.
 *
 * @dependencies
 * - context, errors, fmt, log, math, time: Standard Go libraries.
 * - github.com/google/uuid: For campaign and event identifiers.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/crowdfunding-service/internal/domain"
	"github.com/transfa/crowdfunding-service/internal/store"
	"github.com/transfa/crowdfunding-service/pkg/rabbitmq"
)

const (
	DefaultEventExchange = "crowdfunding.events"
	publishTimeout       = 5 * time.Second
)

// Clock supplies the current time used to evaluate campaign status.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// DonationRateLimiter throttles how often one contributor may donate to one
// campaign. A positive retryAfter means the donation must be rejected.
type DonationRateLimiter interface {
	AllowDonation(ctx context.Context, campaignID uuid.UUID, contributor string) (retryAfter time.Duration, err error)
}

// Service provides the core business logic for campaigns.
type Service struct {
	repo          store.Repository
	eventProducer rabbitmq.Publisher
	exchange      string
	reserve       ReserveFunc
	clock         Clock

	rateLimiter DonationRateLimiter
}

// NewService creates a new escrow service instance. A nil publisher disables event
// publication, a nil clock uses SystemClock and a nil reserve function keeps no floor.
func NewService(repo store.Repository, producer rabbitmq.Publisher, exchange string, reserve ReserveFunc, clock Clock) *Service {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	if exchange == "" {
		exchange = DefaultEventExchange
	}
	if reserve == nil {
		reserve = RentExemptReserve(0)
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Service{
		repo:          repo,
		eventProducer: producer,
		exchange:      exchange,
		reserve:       reserve,
		clock:         clock,
	}
}

// SetDonationRateLimiter enables per-contributor donation throttling.
func (s *Service) SetDonationRateLimiter(limiter DonationRateLimiter) {
	s.rateLimiter = limiter
}

// CampaignReserve is the reserve a new campaign's admin pays at create. Existing
// campaigns keep the floor recorded on them.
func (s *Service) CampaignReserve() int64 {
	return s.reserve(domain.CampaignRecordSize)
}

// ContributionReserve is the reservation a contributor pays when their record is created.
func (s *Service) ContributionReserve() int64 {
	return s.reserve(domain.ContributionRecordSize)
}

// CreateCampaign registers a new campaign owned by admin. The admin funds the
// campaign record's reserve from their own balance.
func (s *Service) CreateCampaign(ctx context.Context, admin, name, description string, targetAmount int64, duration time.Duration) (*domain.Campaign, error) {
	if err := domain.ValidateIdentity(admin); err != nil {
		return nil, err
	}
	name = domain.NormalizeName(name)
	if err := domain.ValidateCampaignText(name, description); err != nil {
		return nil, err
	}
	if targetAmount < 0 {
		return nil, domain.ErrInvalidTarget
	}
	if duration <= 0 {
		return nil, domain.ErrInvalidDuration
	}

	now := s.clock.Now()
	campaign := &domain.Campaign{
		ID:            domain.CampaignID(admin, name),
		Admin:         admin,
		Name:          name,
		Description:   description,
		TargetAmount:  targetAmount,
		ReserveAmount: s.CampaignReserve(),
		Deadline:      now.Add(duration),
		CreatedAt:     now,
	}

	err := s.repo.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertCampaign(ctx, campaign); err != nil {
			return err
		}
		if campaign.ReserveAmount > 0 {
			if err := tx.Transfer(ctx, admin, domain.CampaignAddress(campaign.ID), campaign.ReserveAmount); err != nil {
				return transferFailed(err)
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("level=warn component=escrow op=create outcome=reject admin=%s name=%q err=%v", admin, name, err)
		return nil, err
	}

	log.Printf("level=info component=escrow op=create msg=\"campaign created\" campaign_id=%s admin=%s target=%d deadline=%s",
		campaign.ID, admin, targetAmount, campaign.Deadline.Format(time.RFC3339))
	s.publish(ctx, domain.EventCampaignCreated, domain.CampaignEvent{
		EventID:    uuid.New(),
		EventType:  domain.EventCampaignCreated,
		CampaignID: campaign.ID,
		Actor:      admin,
		Amount:     targetAmount,
		Status:     domain.StatusActive,
		OccurredAt: now,
	})
	return campaign, nil
}

// Donate moves amount from the contributor's balance into the campaign pool and
// accumulates it on the contributor's stake. Donations are accepted up to and
// including the deadline instant.
func (s *Service) Donate(ctx context.Context, campaignID uuid.UUID, contributor string, amount int64) (*domain.Contribution, error) {
	if err := domain.ValidateIdentity(contributor); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if err := s.checkDonationRate(ctx, campaignID, contributor); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var contribution *domain.Contribution
	err := s.repo.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		campaign, err := tx.LockCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		if domain.StatusAt(campaign, now) != domain.StatusActive {
			return domain.ErrCampaignEnded
		}
		if campaign.AmountDonated > math.MaxInt64-amount {
			return domain.ErrInvalidAmount
		}

		existing, err := tx.LockContribution(ctx, campaignID, contributor)
		if err != nil && !errors.Is(err, store.ErrContributionNotFound) {
			return fmt.Errorf("load contribution: %w", err)
		}
		if existing == nil {
			if reserve := s.ContributionReserve(); reserve > 0 {
				if err := tx.Transfer(ctx, contributor, domain.ContributionAddress(campaignID, contributor), reserve); err != nil {
					return transferFailed(err)
				}
			}
		}

		contribution, err = recordContribution(existing, campaignID, contributor, amount, now)
		if err != nil {
			return err
		}
		if err := tx.Transfer(ctx, contributor, domain.CampaignAddress(campaignID), amount); err != nil {
			return transferFailed(err)
		}

		campaign.AmountDonated += amount
		if err := tx.UpdateCampaignTotals(ctx, campaign); err != nil {
			return err
		}
		return tx.SaveContribution(ctx, contribution)
	})
	if err != nil {
		log.Printf("level=warn component=escrow op=donate outcome=reject campaign_id=%s user=%s amount=%d err=%v", campaignID, contributor, amount, err)
		return nil, err
	}

	log.Printf("level=info component=escrow op=donate msg=\"donation recorded\" campaign_id=%s user=%s amount=%d stake=%d",
		campaignID, contributor, amount, contribution.Amount)
	s.publish(ctx, domain.EventDonationRecorded, domain.DonationEvent{
		EventID:    uuid.New(),
		CampaignID: campaignID,
		User:       contributor,
		Amount:     amount,
		OccurredAt: now,
	})
	return contribution, nil
}

// Withdraw pays amount from a funded campaign to its admin. It does not look at
// the deadline: the admin may withdraw, repeatedly, as soon as the target is met.
func (s *Service) Withdraw(ctx context.Context, campaignID uuid.UUID, caller string, amount int64) (*domain.Campaign, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	now := s.clock.Now()
	var campaign *domain.Campaign
	err := s.repo.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		campaign, err = tx.LockCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		if domain.ValidateIdentity(caller) != nil || campaign.Admin != caller {
			return domain.ErrInvalidAdmin
		}
		if !campaign.TargetMet() {
			return domain.ErrTargetNotReached
		}

		pool := domain.CampaignAddress(campaignID)
		pooled, err := tx.Balance(ctx, pool)
		if err != nil {
			return fmt.Errorf("load pooled balance: %w", err)
		}
		if err := guardOutgoing(pooled, campaign.ReserveAmount, amount); err != nil {
			return err
		}
		if err := tx.Transfer(ctx, pool, campaign.Admin, amount); err != nil {
			return transferFailed(err)
		}

		campaign.AmountWithdrawn += amount
		return tx.UpdateCampaignTotals(ctx, campaign)
	})
	if err != nil {
		log.Printf("level=warn component=escrow op=withdraw outcome=reject campaign_id=%s caller=%s amount=%d err=%v", campaignID, caller, amount, err)
		return nil, err
	}

	log.Printf("level=info component=escrow op=withdraw msg=\"funds withdrawn\" campaign_id=%s admin=%s amount=%d", campaignID, caller, amount)
	s.publish(ctx, domain.EventFundsWithdrawn, domain.CampaignEvent{
		EventID:    uuid.New(),
		EventType:  domain.EventFundsWithdrawn,
		CampaignID: campaignID,
		Actor:      caller,
		Amount:     amount,
		Status:     domain.StatusAt(campaign, now),
		OccurredAt: now,
	})
	return campaign, nil
}

// Refund returns a contributor's whole recorded stake from a campaign that ended
// without meeting its target, closes the contribution record and returns its
// reservation. The campaign's lifetime donation total is left unchanged.
func (s *Service) Refund(ctx context.Context, campaignID uuid.UUID, contributor string) (int64, error) {
	if err := domain.ValidateIdentity(contributor); err != nil {
		return 0, err
	}

	now := s.clock.Now()
	var refunded int64
	err := s.repo.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		campaign, err := tx.LockCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		switch domain.StatusAt(campaign, now) {
		case domain.StatusActive:
			return domain.ErrCampaignStillActive
		case domain.StatusExpiredMet:
			return domain.ErrTargetReachedNoRefund
		}

		contribution, err := tx.LockContribution(ctx, campaignID, contributor)
		if err != nil {
			if errors.Is(err, store.ErrContributionNotFound) {
				return domain.ErrNoContributionFound
			}
			return fmt.Errorf("load contribution: %w", err)
		}
		if contribution.Amount <= 0 {
			return domain.ErrNoContributionFound
		}

		pool := domain.CampaignAddress(campaignID)
		pooled, err := tx.Balance(ctx, pool)
		if err != nil {
			return fmt.Errorf("load pooled balance: %w", err)
		}
		if err := guardOutgoing(pooled, campaign.ReserveAmount, contribution.Amount); err != nil {
			return err
		}
		if err := tx.Transfer(ctx, pool, contributor, contribution.Amount); err != nil {
			return transferFailed(err)
		}

		recordAddress := domain.ContributionAddress(campaignID, contributor)
		reservation, err := tx.Balance(ctx, recordAddress)
		if err != nil {
			return fmt.Errorf("load contribution reservation: %w", err)
		}
		if reservation > 0 {
			if err := tx.Transfer(ctx, recordAddress, contributor, reservation); err != nil {
				return transferFailed(err)
			}
		}
		if err := tx.CloseContribution(ctx, campaignID, contributor); err != nil {
			return err
		}

		refunded = contribution.Amount
		campaign.AmountRefunded += refunded
		return tx.UpdateCampaignTotals(ctx, campaign)
	})
	if err != nil {
		log.Printf("level=warn component=escrow op=refund outcome=reject campaign_id=%s user=%s err=%v", campaignID, contributor, err)
		return 0, err
	}

	log.Printf("level=info component=escrow op=refund msg=\"contribution refunded\" campaign_id=%s user=%s amount=%d", campaignID, contributor, refunded)
	s.publish(ctx, domain.EventContributionRefunded, domain.CampaignEvent{
		EventID:    uuid.New(),
		EventType:  domain.EventContributionRefunded,
		CampaignID: campaignID,
		Actor:      contributor,
		Amount:     refunded,
		Status:     domain.StatusExpiredUnmet,
		OccurredAt: now,
	})
	return refunded, nil
}

// Deposit credits an external balance. It backs the internal funding endpoint
// and refuses campaign pools and contribution reservations.
func (s *Service) Deposit(ctx context.Context, address string, amount int64) (int64, error) {
	if err := domain.ValidateIdentity(address); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	var balance int64
	err := s.repo.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Deposit(ctx, address, amount); err != nil {
			return err
		}
		var err error
		balance, err = tx.Balance(ctx, address)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrBalanceOverflow) {
			return 0, domain.ErrInvalidAmount
		}
		return 0, err
	}
	log.Printf("level=info component=escrow op=deposit address=%s amount=%d balance=%d", address, amount, balance)
	return balance, nil
}

// GetCampaign returns a campaign with its derived status and balances.
func (s *Service) GetCampaign(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignSummary, error) {
	campaign, err := s.repo.FindCampaignByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	pooled, err := s.repo.GetBalance(ctx, domain.CampaignAddress(campaignID))
	if err != nil {
		return nil, fmt.Errorf("load pooled balance: %w", err)
	}
	reserve := campaign.ReserveAmount
	available := availableBalance(pooled, reserve)
	if available < 0 {
		available = 0
	}
	return &domain.CampaignSummary{
		Campaign:      campaign,
		Status:        domain.StatusAt(campaign, s.clock.Now()),
		PooledBalance: pooled,
		Reserve:       reserve,
		Available:     available,
	}, nil
}

// GetCampaignByKey resolves a campaign from its (admin, name) key.
func (s *Service) GetCampaignByKey(ctx context.Context, admin, name string) (*domain.CampaignSummary, error) {
	return s.GetCampaign(ctx, domain.CampaignID(admin, name))
}

// GetContribution returns the open stake of a contributor; a closed or missing
// record is reported as ErrNoContributionFound.
func (s *Service) GetContribution(ctx context.Context, campaignID uuid.UUID, user string) (*domain.Contribution, error) {
	contribution, err := s.repo.FindContribution(ctx, campaignID, user)
	if err != nil {
		if errors.Is(err, store.ErrContributionNotFound) {
			return nil, domain.ErrNoContributionFound
		}
		return nil, err
	}
	return contribution, nil
}

// ListContributions returns every open stake of a campaign.
func (s *Service) ListContributions(ctx context.Context, campaignID uuid.UUID) ([]domain.Contribution, error) {
	if _, err := s.repo.FindCampaignByID(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.repo.ListContributions(ctx, campaignID)
}

// ListActivity returns the recorded event history of a campaign, newest first.
func (s *Service) ListActivity(ctx context.Context, campaignID uuid.UUID, limit int) ([]domain.ActivityEntry, error) {
	if _, err := s.repo.FindCampaignByID(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.repo.ListActivity(ctx, campaignID, limit)
}

// Balance returns the balance held at an address.
func (s *Service) Balance(ctx context.Context, address string) (int64, error) {
	return s.repo.GetBalance(ctx, address)
}

func (s *Service) checkDonationRate(ctx context.Context, campaignID uuid.UUID, contributor string) error {
	if s.rateLimiter == nil {
		return nil
	}
	retryAfter, err := s.rateLimiter.AllowDonation(ctx, campaignID, contributor)
	if err != nil {
		// fail open
		log.Printf("level=warn component=escrow op=donate msg=\"rate limiter unavailable\" campaign_id=%s user=%s err=%v", campaignID, contributor, err)
		return nil
	}
	if retryAfter > 0 {
		seconds := int64(math.Ceil(retryAfter.Seconds()))
		return fmt.Errorf("%w: retry after %ds", domain.ErrRateLimited, seconds)
	}
	return nil
}

// publish hands an event to the sink after commit. Delivery problems are logged
// and never change the outcome of the operation.
func (s *Service) publish(ctx context.Context, routingKey string, event interface{}) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.eventProducer.Publish(pubCtx, s.exchange, routingKey, event); err != nil {
		log.Printf("level=error component=escrow msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}

func transferFailed(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrTransferFailed, err)
}
