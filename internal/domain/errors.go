package domain

import "errors"

// Every escrow operation fails with exactly one of these. Callers match with errors.Is.
var (
	ErrAlreadyExists         = errors.New("campaign already exists")
	ErrCampaignNotFound      = errors.New("campaign not found")
	ErrCampaignEnded         = errors.New("campaign has ended")
	ErrCampaignStillActive   = errors.New("campaign is still active")
	ErrTargetReachedNoRefund = errors.New("campaign target reached; refunds are closed")
	ErrTargetNotReached      = errors.New("campaign target not reached")
	ErrNoContributionFound   = errors.New("no contribution found")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInvalidAdmin          = errors.New("caller is not the campaign admin")
	ErrTransferFailed        = errors.New("balance transfer failed")

	ErrInvalidAmount      = errors.New("amount must be greater than zero")
	ErrInvalidName        = errors.New("campaign name must be between 1 and 32 characters")
	ErrDescriptionTooLong = errors.New("campaign description must be at most 100 characters")
	ErrInvalidTarget      = errors.New("target amount must not be negative")
	ErrInvalidDuration    = errors.New("duration must be greater than zero")
	ErrRateLimited        = errors.New("too many requests")
	ErrMissingIdentity    = errors.New("caller identity is required")
	ErrReservedIdentity   = errors.New("identity uses a reserved ledger address")
)
