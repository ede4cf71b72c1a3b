/**
 * @description
 * This file defines the `Repository` and `Tx` interfaces, the contract for all data
 * access performed by the crowdfunding-service. Escrow operations run inside
 * RunInTx so that every record change and balance movement of one request is
 * applied all-or-nothing.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For campaign identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/crowdfunding-service/internal/domain"
)

var (
	ErrContributionNotFound = errors.New("contribution not found")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInvalidTransfer      = errors.New("invalid transfer")
	ErrBalanceOverflow      = errors.New("balance would overflow")
)

// Repository defines the set of methods for interacting with the ledger store.
type Repository interface {
	// RunInTx executes fn inside a single transaction. Any error returned by fn
	// discards every change made through tx.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Read methods
	FindCampaignByID(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error)
	FindContribution(ctx context.Context, campaignID uuid.UUID, user string) (*domain.Contribution, error)
	ListContributions(ctx context.Context, campaignID uuid.UUID) ([]domain.Contribution, error)
	GetBalance(ctx context.Context, address string) (int64, error)

	// Outcome announcement methods
	FindEndedUnannouncedCampaigns(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error)
	MarkOutcomeAnnounced(ctx context.Context, campaignID uuid.UUID, at time.Time) (bool, error)

	// Activity log methods
	AppendActivity(ctx context.Context, entry domain.ActivityEntry) error
	ListActivity(ctx context.Context, campaignID uuid.UUID, limit int) ([]domain.ActivityEntry, error)
}

// Tx is the transactional view of the store. Lock methods serialize concurrent
// writers on the returned record until the transaction ends.
type Tx interface {
	// InsertCampaign fails with domain.ErrAlreadyExists when the key is occupied.
	InsertCampaign(ctx context.Context, campaign *domain.Campaign) error
	// LockCampaign fails with domain.ErrCampaignNotFound.
	LockCampaign(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error)
	UpdateCampaignTotals(ctx context.Context, campaign *domain.Campaign) error

	// LockContribution fails with ErrContributionNotFound.
	LockContribution(ctx context.Context, campaignID uuid.UUID, user string) (*domain.Contribution, error)
	SaveContribution(ctx context.Context, contribution *domain.Contribution) error
	CloseContribution(ctx context.Context, campaignID uuid.UUID, user string) error

	// Balance primitives. Transfer fails with ErrInsufficientBalance when the
	// source cannot cover the amount.
	Balance(ctx context.Context, address string) (int64, error)
	Transfer(ctx context.Context, from, to string, amount int64) error
	Deposit(ctx context.Context, address string, amount int64) error
}

var (
	_ Repository = (*PostgresRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)
