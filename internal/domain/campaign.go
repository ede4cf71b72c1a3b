/**
 * @description
 * This file defines the core domain models for the crowdfunding-service: campaigns,
 * per-contributor stakes, and the derived campaign status.
 *
 * @notes
 * - Amounts are `int64` in the smallest currency unit, as everywhere else in the platform.
 * - Campaign status is never stored. It is computed from the deadline and the counters
 *   at call time by StatusAt.
 */

package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const (
	MaxNameLength        = 32
	MaxDescriptionLength = 100
)

// Serialized record sizes used to size storage reservations. Layout mirrors the
// on-ledger encoding: 8 byte discriminator, 32 byte identities, length-prefixed text.
const (
	CampaignRecordSize     = 8 + 32 + (4 + MaxNameLength) + (4 + MaxDescriptionLength) + 8 + 8 + 8 + 8 + 8
	ContributionRecordSize = 8 + 32 + 32 + 8
)

// campaignNamespace seeds the deterministic campaign identifiers.
var campaignNamespace = uuid.MustParse("5b8e3c44-2f0a-4d7e-9a61-0c7f4f1e2a90")

// CampaignStatus is the derived lifecycle state of a campaign.
type CampaignStatus string

const (
	StatusActive       CampaignStatus = "active"
	StatusExpiredUnmet CampaignStatus = "expired_unmet"
	StatusExpiredMet   CampaignStatus = "expired_met"
)

// Campaign is a fundraising record with a target, a deadline and a pooled balance.
// It maps to the `campaigns` table.
type Campaign struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	Admin              string     `json:"admin" db:"admin"`
	Name               string     `json:"name" db:"name"`
	Description        string     `json:"description" db:"description"`
	TargetAmount       int64      `json:"target_amount" db:"target_amount"`
	AmountDonated      int64      `json:"amount_donated" db:"amount_donated"` // lifetime total
	AmountWithdrawn    int64      `json:"amount_withdrawn" db:"amount_withdrawn"`
	AmountRefunded     int64      `json:"amount_refunded" db:"amount_refunded"`
	ReserveAmount      int64      `json:"reserve_amount" db:"reserve_amount"` // paid by the admin at create
	Deadline           time.Time  `json:"deadline" db:"deadline"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	OutcomeAnnouncedAt *time.Time `json:"outcome_announced_at,omitempty" db:"outcome_announced_at"`
}

// Contribution is the cumulative stake of one contributor in one campaign.
// It maps to the `contributions` table.
type Contribution struct {
	CampaignID uuid.UUID `json:"campaign_id" db:"campaign_id"`
	User       string    `json:"user" db:"user_identity"`
	Amount     int64     `json:"amount" db:"amount"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// StatusAt derives the campaign state at the given instant. A campaign is active
// up to and including its deadline.
func StatusAt(c *Campaign, now time.Time) CampaignStatus {
	if !now.After(c.Deadline) {
		return StatusActive
	}
	if c.TargetMet() {
		return StatusExpiredMet
	}
	return StatusExpiredUnmet
}

// TargetMet reports whether the lifetime donations reached the target.
func (c *Campaign) TargetMet() bool {
	return c.AmountDonated >= c.TargetAmount
}

// NormalizeName trims and NFC-normalizes a campaign name so that visually
// identical names resolve to the same campaign key.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// ValidateCampaignText checks the bounded-length text fields of a campaign.
// The name must already be normalized.
func ValidateCampaignText(name, description string) error {
	if name == "" || utf8.RuneCountInString(name) > MaxNameLength {
		return ErrInvalidName
	}
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return ErrDescriptionTooLong
	}
	return nil
}

// CampaignID derives the deterministic identifier of the campaign owned by admin
// with the given name.
func CampaignID(admin, name string) uuid.UUID {
	return uuid.NewSHA1(campaignNamespace, []byte(admin+"\x00"+NormalizeName(name)))
}

const (
	campaignAddressPrefix     = "campaign:"
	contributionAddressPrefix = "contribution:"
)

// CampaignAddress is the balance address holding a campaign's pooled funds.
func CampaignAddress(campaignID uuid.UUID) string {
	return campaignAddressPrefix + campaignID.String()
}

// ContributionAddress is the balance address holding a contribution record's reservation.
func ContributionAddress(campaignID uuid.UUID, user string) string {
	return contributionAddressPrefix + campaignID.String() + ":" + user
}

// IsRecordAddress reports whether address lies in the namespace owned by
// campaign pools and contribution reservations.
func IsRecordAddress(address string) bool {
	return strings.HasPrefix(address, campaignAddressPrefix) ||
		strings.HasPrefix(address, contributionAddressPrefix)
}

// ValidateIdentity checks that a caller identity can own a balance. Record
// addresses are never valid identities.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return ErrMissingIdentity
	}
	if IsRecordAddress(identity) {
		return ErrReservedIdentity
	}
	return nil
}

// CampaignSummary is the read model returned to API callers.
type CampaignSummary struct {
	Campaign      *Campaign      `json:"campaign"`
	Status        CampaignStatus `json:"status"`
	PooledBalance int64          `json:"pooled_balance"`
	Reserve       int64          `json:"reserve"`
	Available     int64          `json:"available"`
}
