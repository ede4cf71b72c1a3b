package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/crowdfunding-service/internal/domain"
)

type contributionKey struct {
	campaignID uuid.UUID
	user       string
}

type memoryState struct {
	campaigns     map[uuid.UUID]domain.Campaign
	contributions map[contributionKey]domain.Contribution
	balances      map[string]int64
}

func (s *memoryState) clone() *memoryState {
	next := &memoryState{
		campaigns:     make(map[uuid.UUID]domain.Campaign, len(s.campaigns)),
		contributions: make(map[contributionKey]domain.Contribution, len(s.contributions)),
		balances:      make(map[string]int64, len(s.balances)),
	}
	for k, v := range s.campaigns {
		next.campaigns[k] = v
	}
	for k, v := range s.contributions {
		next.contributions[k] = v
	}
	for k, v := range s.balances {
		next.balances[k] = v
	}
	return next
}

// MemoryRepository is a single-writer, in-process implementation of Repository.
// Each RunInTx works on a private copy of the state and swaps it in on success.
// RunInTx must not be nested.
type MemoryRepository struct {
	mu       sync.RWMutex
	state    *memoryState
	activity map[uuid.UUID][]domain.ActivityEntry
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: &memoryState{
			campaigns:     make(map[uuid.UUID]domain.Campaign),
			contributions: make(map[contributionKey]domain.Contribution),
			balances:      make(map[string]int64),
		},
		activity: make(map[uuid.UUID][]domain.ActivityEntry),
	}
}

func (r *MemoryRepository) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	working := r.state.clone()
	if err := fn(ctx, &memoryTx{state: working}); err != nil {
		return err
	}
	r.state = working
	return nil
}

func (r *MemoryRepository) FindCampaignByID(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	campaign, ok := r.state.campaigns[campaignID]
	if !ok {
		return nil, domain.ErrCampaignNotFound
	}
	return &campaign, nil
}

func (r *MemoryRepository) FindContribution(ctx context.Context, campaignID uuid.UUID, user string) (*domain.Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	contribution, ok := r.state.contributions[contributionKey{campaignID, user}]
	if !ok {
		return nil, ErrContributionNotFound
	}
	return &contribution, nil
}

func (r *MemoryRepository) ListContributions(ctx context.Context, campaignID uuid.UUID) ([]domain.Contribution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Contribution
	for key, contribution := range r.state.contributions {
		if key.campaignID == campaignID {
			out = append(out, contribution)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].User < out[j].User
	})
	return out, nil
}

func (r *MemoryRepository) GetBalance(ctx context.Context, address string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.balances[address], nil
}

func (r *MemoryRepository) FindEndedUnannouncedCampaigns(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Campaign
	for _, campaign := range r.state.campaigns {
		if campaign.OutcomeAnnouncedAt == nil && now.After(campaign.Deadline) {
			out = append(out, campaign)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) MarkOutcomeAnnounced(ctx context.Context, campaignID uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	campaign, ok := r.state.campaigns[campaignID]
	if !ok {
		return false, domain.ErrCampaignNotFound
	}
	if campaign.OutcomeAnnouncedAt != nil {
		return false, nil
	}
	announced := at
	campaign.OutcomeAnnouncedAt = &announced
	r.state.campaigns[campaignID] = campaign
	return true, nil
}

func (r *MemoryRepository) AppendActivity(ctx context.Context, entry domain.ActivityEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.activity[entry.CampaignID] {
		if existing.EventID == entry.EventID {
			return nil
		}
	}
	r.activity[entry.CampaignID] = append(r.activity[entry.CampaignID], entry)
	return nil
}

func (r *MemoryRepository) ListActivity(ctx context.Context, campaignID uuid.UUID, limit int) ([]domain.ActivityEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.activity[campaignID]
	out := make([]domain.ActivityEntry, 0, len(entries))
	// newest first
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) InsertCampaign(ctx context.Context, campaign *domain.Campaign) error {
	if _, exists := t.state.campaigns[campaign.ID]; exists {
		return domain.ErrAlreadyExists
	}
	t.state.campaigns[campaign.ID] = *campaign
	return nil
}

func (t *memoryTx) LockCampaign(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	campaign, ok := t.state.campaigns[campaignID]
	if !ok {
		return nil, domain.ErrCampaignNotFound
	}
	return &campaign, nil
}

func (t *memoryTx) UpdateCampaignTotals(ctx context.Context, campaign *domain.Campaign) error {
	existing, ok := t.state.campaigns[campaign.ID]
	if !ok {
		return domain.ErrCampaignNotFound
	}
	existing.AmountDonated = campaign.AmountDonated
	existing.AmountWithdrawn = campaign.AmountWithdrawn
	existing.AmountRefunded = campaign.AmountRefunded
	t.state.campaigns[campaign.ID] = existing
	return nil
}

func (t *memoryTx) LockContribution(ctx context.Context, campaignID uuid.UUID, user string) (*domain.Contribution, error) {
	contribution, ok := t.state.contributions[contributionKey{campaignID, user}]
	if !ok {
		return nil, ErrContributionNotFound
	}
	return &contribution, nil
}

func (t *memoryTx) SaveContribution(ctx context.Context, contribution *domain.Contribution) error {
	t.state.contributions[contributionKey{contribution.CampaignID, contribution.User}] = *contribution
	return nil
}

func (t *memoryTx) CloseContribution(ctx context.Context, campaignID uuid.UUID, user string) error {
	key := contributionKey{campaignID, user}
	if _, ok := t.state.contributions[key]; !ok {
		return ErrContributionNotFound
	}
	delete(t.state.contributions, key)
	return nil
}

func (t *memoryTx) Balance(ctx context.Context, address string) (int64, error) {
	return t.state.balances[address], nil
}

func (t *memoryTx) Transfer(ctx context.Context, from, to string, amount int64) error {
	if amount < 0 || from == to {
		return fmt.Errorf("%w: %d from %s to %s", ErrInvalidTransfer, amount, from, to)
	}
	if t.state.balances[from] < amount {
		return ErrInsufficientBalance
	}
	if err := t.checkCredit(to, amount); err != nil {
		return err
	}
	t.state.balances[from] -= amount
	t.state.balances[to] += amount
	return nil
}

func (t *memoryTx) Deposit(ctx context.Context, address string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: deposit of %d", ErrInvalidTransfer, amount)
	}
	if err := t.checkCredit(address, amount); err != nil {
		return err
	}
	t.state.balances[address] += amount
	return nil
}

// checkCredit mirrors the BIGINT range check Postgres applies to balances.
func (t *memoryTx) checkCredit(address string, amount int64) error {
	if t.state.balances[address] > math.MaxInt64-amount {
		return fmt.Errorf("%w: crediting %d to %s", ErrBalanceOverflow, amount, address)
	}
	return nil
}
