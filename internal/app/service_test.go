package app

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/crowdfunding-service/internal/domain"
	"github.com/transfa/crowdfunding-service/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, event := range p.events {
		keys = append(keys, event.routingKey)
	}
	return keys
}

type testEnv struct {
	svc       *Service
	repo      *store.MemoryRepository
	clock     *fakeClock
	publisher *recordingPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := store.NewMemoryRepository()
	clock := newFakeClock()
	publisher := &recordingPublisher{}
	return &testEnv{
		svc:       NewService(repo, publisher, "", RentExemptReserve(1), clock),
		repo:      repo,
		clock:     clock,
		publisher: publisher,
	}
}

func (e *testEnv) fund(t *testing.T, address string, amount int64) {
	t.Helper()
	if _, err := e.svc.Deposit(context.Background(), address, amount); err != nil {
		t.Fatalf("deposit %s: %v", address, err)
	}
}

func (e *testEnv) balance(t *testing.T, address string) int64 {
	t.Helper()
	balance, err := e.svc.Balance(context.Background(), address)
	if err != nil {
		t.Fatalf("balance %s: %v", address, err)
	}
	return balance
}

func (e *testEnv) createCampaign(t *testing.T, admin string, target int64, duration time.Duration) *domain.Campaign {
	t.Helper()
	e.fund(t, admin, e.svc.CampaignReserve())
	campaign, err := e.svc.CreateCampaign(context.Background(), admin, "school-trip", "bus fare for the class", target, duration)
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return campaign
}

func (e *testEnv) campaign(t *testing.T, id uuid.UUID) *domain.Campaign {
	t.Helper()
	campaign, err := e.repo.FindCampaignByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find campaign: %v", err)
	}
	return campaign
}

func TestCreateCampaignInitializesCounters(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.createCampaign(t, "admin", 1000, time.Hour)

	if campaign.ID != domain.CampaignID("admin", "school-trip") {
		t.Fatalf("expected deterministic campaign id, got %s", campaign.ID)
	}
	if campaign.AmountDonated != 0 {
		t.Fatalf("expected zero amount donated, got %d", campaign.AmountDonated)
	}
	if !campaign.Deadline.Equal(env.clock.Now().Add(time.Hour)) {
		t.Fatalf("unexpected deadline %s", campaign.Deadline)
	}
	if got := env.balance(t, domain.CampaignAddress(campaign.ID)); got != env.svc.CampaignReserve() {
		t.Fatalf("expected pool to hold the reserve %d, got %d", env.svc.CampaignReserve(), got)
	}
	if got := env.balance(t, "admin"); got != 0 {
		t.Fatalf("expected admin to have paid the reserve, balance %d", got)
	}
	if keys := env.publisher.routingKeys(); len(keys) != 1 || keys[0] != domain.EventCampaignCreated {
		t.Fatalf("expected campaign.created event, got %v", keys)
	}
}

func TestCreateCampaignRejectsDuplicateKey(t *testing.T) {
	env := newTestEnv(t)
	env.createCampaign(t, "admin", 1000, time.Hour)
	env.fund(t, "admin", env.svc.CampaignReserve())

	_, err := env.svc.CreateCampaign(context.Background(), "admin", "school-trip", "again", 5, time.Minute)
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if got := env.balance(t, "admin"); got != env.svc.CampaignReserve() {
		t.Fatalf("expected rejected create to keep admin balance, got %d", got)
	}

	// Same name under a different admin is a different key.
	env.fund(t, "other-admin", env.svc.CampaignReserve())
	if _, err := env.svc.CreateCampaign(context.Background(), "other-admin", "school-trip", "", 5, time.Minute); err != nil {
		t.Fatalf("expected create for another admin to succeed, got %v", err)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "admin", 100_000)

	tests := []struct {
		name        string
		admin       string
		campaign    string
		description string
		target      int64
		duration    time.Duration
		wantErr     error
	}{
		{name: "missing admin", admin: "", campaign: "a", target: 1, duration: time.Hour, wantErr: domain.ErrMissingIdentity},
		{name: "empty name", admin: "admin", campaign: "   ", target: 1, duration: time.Hour, wantErr: domain.ErrInvalidName},
		{name: "name too long", admin: "admin", campaign: "abcdefghijklmnopqrstuvwxyz0123456", target: 1, duration: time.Hour, wantErr: domain.ErrInvalidName},
		{name: "description too long", admin: "admin", campaign: "a", description: string(make([]byte, 101)), target: 1, duration: time.Hour, wantErr: domain.ErrDescriptionTooLong},
		{name: "negative target", admin: "admin", campaign: "a", target: -1, duration: time.Hour, wantErr: domain.ErrInvalidTarget},
		{name: "zero duration", admin: "admin", campaign: "a", target: 1, duration: 0, wantErr: domain.ErrInvalidDuration},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.CreateCampaign(context.Background(), tc.admin, tc.campaign, tc.description, tc.target, tc.duration)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCreateCampaignRollsBackWhenAdminCannotPayReserve(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CreateCampaign(context.Background(), "broke-admin", "school-trip", "", 1000, time.Hour)
	if !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if _, err := env.repo.FindCampaignByID(context.Background(), domain.CampaignID("broke-admin", "school-trip")); !errors.Is(err, domain.ErrCampaignNotFound) {
		t.Fatalf("expected campaign insert to be rolled back, got %v", err)
	}
}

func TestScenarioA_DonationsAccumulate(t *testing.T) {
	t.Run("same contributor", func(t *testing.T) {
		env := newTestEnv(t)
		campaign := env.createCampaign(t, "admin", 1000, time.Hour)
		env.fund(t, "alice", 1100+env.svc.ContributionReserve())

		if _, err := env.svc.Donate(context.Background(), campaign.ID, "alice", 400); err != nil {
			t.Fatalf("first donate: %v", err)
		}
		contribution, err := env.svc.Donate(context.Background(), campaign.ID, "alice", 700)
		if err != nil {
			t.Fatalf("second donate: %v", err)
		}
		if contribution.Amount != 1100 {
			t.Fatalf("expected stake 1100, got %d", contribution.Amount)
		}
		if got := env.campaign(t, campaign.ID).AmountDonated; got != 1100 {
			t.Fatalf("expected amount donated 1100, got %d", got)
		}
		contributions, err := env.svc.ListContributions(context.Background(), campaign.ID)
		if err != nil {
			t.Fatalf("list contributions: %v", err)
		}
		if len(contributions) != 1 {
			t.Fatalf("expected one contribution record, got %d", len(contributions))
		}
		if got := env.balance(t, "alice"); got != 0 {
			t.Fatalf("expected contributor balance 0, got %d", got)
		}
	})

	t.Run("different contributors", func(t *testing.T) {
		env := newTestEnv(t)
		campaign := env.createCampaign(t, "admin", 1000, time.Hour)
		env.fund(t, "alice", 400+env.svc.ContributionReserve())
		env.fund(t, "bob", 700+env.svc.ContributionReserve())

		if _, err := env.svc.Donate(context.Background(), campaign.ID, "alice", 400); err != nil {
			t.Fatalf("alice donate: %v", err)
		}
		if _, err := env.svc.Donate(context.Background(), campaign.ID, "bob", 700); err != nil {
			t.Fatalf("bob donate: %v", err)
		}
		if got := env.campaign(t, campaign.ID).AmountDonated; got != 1100 {
			t.Fatalf("expected amount donated 1100, got %d", got)
		}
		contributions, err := env.svc.ListContributions(context.Background(), campaign.ID)
		if err != nil {
			t.Fatalf("list contributions: %v", err)
		}
		if len(contributions) != 2 {
			t.Fatalf("expected two contribution records, got %d", len(contributions))
		}
		summary, err := env.svc.GetCampaign(context.Background(), campaign.ID)
		if err != nil {
			t.Fatalf("get campaign: %v", err)
		}
		if summary.Available != 1100 {
			t.Fatalf("expected available 1100, got %d", summary.Available)
		}
	})
}

func TestScenarioB_WithdrawWithoutTargetAfterDeadline(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.createCampaign(t, "admin", 1000, time.Second)
	env.clock.Advance(2 * time.Second)

	_, err := env.svc.Withdraw(context.Background(), campaign.ID, "admin", 1)
	if !errors.Is(err, domain.ErrTargetNotReached) {
		t.Fatalf("expected ErrTargetNotReached, got %v", err)
	}
}

func TestScenarioC_RefundAfterFailedCampaign(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.createCampaign(t, "admin", 1000, time.Second)
	startingBalance := 300 + env.svc.ContributionReserve()
	env.fund(t, "alice", startingBalance)

	if _, err := env.svc.Donate(context.Background(), campaign.ID, "alice", 300); err != nil {
		t.Fatalf("donate: %v", err)
	}
	env.clock.Advance(2 * time.Second)

	refunded, err := env.svc.Refund(context.Background(), campaign.ID, "alice")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded != 300 {
		t.Fatalf("expected refund of 300, got %d", refunded)
	}
	if got := env.campaign(t, campaign.ID).AmountDonated; got != 300 {
		t.Fatalf("expected amount donated to remain 300, got %d", got)
	}
	if got := env.campaign(t, campaign.ID).AmountRefunded; got != 300 {
		t.Fatalf("expected amount refunded 300, got %d", got)
	}
	if got := env.balance(t, "alice"); got != startingBalance {
		t.Fatalf("expected stake and reservation back (%d), got %d", startingBalance, got)
	}
	if _, err := env.svc.GetContribution(context.Background(), campaign.ID, "alice"); !errors.Is(err, domain.ErrNoContributionFound) {
		t.Fatalf("expected closed contribution, got %v", err)
	}

	_, err = env.svc.Refund(context.Background(), campaign.ID, "alice")
	if !errors.Is(err, domain.ErrNoContributionFound) {
		t.Fatalf("expected second refund to fail with ErrNoContributionFound, got %v", err)
	}
}

func TestScenarioD_ReserveFloorBlocksSecondWithdraw(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.createCampaign(t, "admin", 1000, time.Hour)
	env.fund(t, "alice", 1000+env.svc.ContributionReserve())

	if _, err := env.svc.Donate(context.Background(), campaign.ID, "alice", 1000); err != nil {
		t.Fatalf("donate: %v", err)
	}
	if _, err := env.svc.Withdraw(context.Background(), campaign.ID, "admin", 999); err != nil {
		t.Fatalf("first withdraw: %v", err)
	}

	_, err := env.svc.Withdraw(context.Background(), campaign.ID, "admin", 2)
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := env.balance(t, domain.CampaignAddress(campaign.ID)); got != env.svc.CampaignReserve()+1 {
		t.Fatalf("expected pool to keep reserve plus 1, got %d", got)
	}
	if got := env.balance(t, "admin"); got != 999 {
		t.Fatalf("expected admin to receive 999, got %d", got)
	}

	updated := env.campaign(t, campaign.ID)
	if updated.AmountDonated != 1000 || updated.AmountWithdrawn != 999 {
		t.Fatalf("unexpected counters donated=%d withdrawn=%d", updated.AmountDonated, updated.AmountWithdrawn)
	}

	// The last unit above the floor is still withdrawable.
	if _, err := env.svc.Withdraw(context.Background(), campaign.ID, "admin", 1); err != nil {
		t.Fatalf("withdraw of remaining unit: %v", err)
	}
}

func TestDonateDeadlineBoundary(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.createCampaign(t, "admin", 1000, time.Hour)
	env.fund(t, "alice", 100+env.svc.ContributionReserve())

	env.clock.Set(campaign.Deadline)
	if _, err := env.svc.Donate(context.Background(), campaign.ID, "alice", 50); err != nil {
		t.Fatalf("expected donation at the deadline instant to succeed, got %v", err)
	}

	env.clock.Set(campaign.Deadline.Add(time.Nanosecond))
	_, err := env.svc.Donate(context.Background(), campaign.ID, "alice", 50)
	if !errors.Is(err, domain.ErrCampaignEnded) {
		t.Fatalf("expected ErrCampaignEnded after the deadline, got %v", err)
	}
	if got := env.campaign(t, campaign.ID).AmountDonated; got != 50 {
		t.Fatalf("expected rejected donation to leave amount donated at 50, got %d", got)
	}
}

func TestDonateErrors(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.createCampaign(t, "admin", 1000, time.Hour)

	tests := []struct {
		name       string
		campaignID uuid.UUID
		user       string
		amount     int64
		wantErr    error
	}{
		{name: "unknown campaign", campaignID: uuid.New(), user: "alice", amount: 10, wantErr: domain.ErrCampaignNotFound},
		{name: "zero amount", campaignID: campaign.ID, user: "alice", amount: 0, wantErr: domain.ErrInvalidAmount},
		{name: "negative amount", campaignID: campaign.ID, user: "alice", amount: -5, wantErr: domain.ErrInvalidAmount},
		{name: "missing identity", campaignID: campaign.ID, user: "", amount: 10, wantErr: domain.ErrMissingIdentity},
		{name: "unfunded contributor", campaignID: campaign.ID, user: "alice", amount: 10, wantErr: domain.ErrTransferFailed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Donate(context.Background(), tc.campaignID, tc.user, tc.amount)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	if got := env.campaign(t, campaign.ID).AmountDonated; got != 0 {
		t.Fatalf("expected failed donations to leave no trace, got %d", got)
	}
	if _, err := env.svc.GetContribution(context.Background(), campaign.ID, "alice"); !errors.Is(err, domain.ErrNoContributionFound) {
		t.Fatalf("expected no contribution record after rollback, got %v", err)
	}
}

func TestDonateChargesReservationOnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.createCampaign(t, "admin", 1000, time.Hour)
	reservation := env.svc.ContributionReserve()
	env.fund(t, "alice", 30+reservation)

	for i := 0; i < 3; i++ {
		if _, err := env.svc.Donate(context.Background(), campaign.ID, "alice", 10); err != nil {
			t.Fatalf("donate %d: %v", i, err)
		}
	}
	if got := env.balance(t, domain.ContributionAddress(campaign.ID, "alice")); got != reservation {
		t.Fatalf("expected reservation %d, got %d", reservation, got)
	}
	if got := env.balance(t, "alice"); got != 0 {
		t.Fatalf("expected contributor balance 0, got %d", got)
	}
}

func TestWithdrawChecksAdminFirst(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.createCampaign(t, "admin", 1000, time.Hour)

	_, err := env.svc.Withdraw(context.Background(), campaign.ID, "mallory", 1)
	if !errors.Is(err, domain.ErrInvalidAdmin) {
		t.Fatalf("expected ErrInvalidAdmin before funding checks, got %v", err)
	}
	_, err = env.svc.Withdraw(context.Background(), campaign.ID, "", 1)
	if !errors.Is(err, domain.ErrInvalidAdmin) {
		t.Fatalf("expected ErrInvalidAdmin for anonymous caller, got %v", err)
	}
	_, err = env.svc.Withdraw(context.Background(), campaign.ID, "admin", 0)
	if !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	_, err = env.svc.Withdraw(context.Background(), uuid.New(), "admin", 1)
	if !errors.Is(err, domain.ErrCampaignNotFound) {
		t.Fatalf("expected ErrCampaignNotFound, got %v", err)
	}
}

func TestWithdrawAllowedWhileActiveOnceTargetMet(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.createCampaign(t, "admin", 500, time.Hour)
	env.fund(t, "alice", 600+env.svc.ContributionReserve())

	if _, err := env.svc.Donate(context.Background(), campaign.ID, "alice", 600); err != nil {
		t.Fatalf("donate: %v", err)
	}
	if _, err := env.svc.Withdraw(context.Background(), campaign.ID, "admin", 200); err != nil {
		t.Fatalf("withdraw while active: %v", err)
	}
	if _, err := env.svc.Withdraw(context.Background(), campaign.ID, "admin", 400); err != nil {
		t.Fatalf("second withdraw: %v", err)
	}
	if got := env.balance(t, "admin"); got != 600 {
		t.Fatalf("expected admin balance 600, got %d", got)
	}
}

func TestRefundErrors(t *testing.T) {
	t.Run("still active", func(t *testing.T) {
		env := newTestEnv(t)
		campaign := env.createCampaign(t, "admin", 1000, time.Hour)
		env.fund(t, "alice", 100+env.svc.ContributionReserve())
		if _, err := env.svc.Donate(context.Background(), campaign.ID, "alice", 100); err != nil {
			t.Fatalf("donate: %v", err)
		}
		env.clock.Set(campaign.Deadline)
		if _, err := env.svc.Refund(context.Background(), campaign.ID, "alice"); !errors.Is(err, domain.ErrCampaignStillActive) {
			t.Fatalf("expected ErrCampaignStillActive at the deadline instant, got %v", err)
		}
	})

	t.Run("target reached", func(t *testing.T) {
		env := newTestEnv(t)
		campaign := env.createCampaign(t, "admin", 100, time.Second)
		env.fund(t, "alice", 100+env.svc.ContributionReserve())
		if _, err := env.svc.Donate(context.Background(), campaign.ID, "alice", 100); err != nil {
			t.Fatalf("donate: %v", err)
		}
		env.clock.Advance(2 * time.Second)
		if _, err := env.svc.Refund(context.Background(), campaign.ID, "alice"); !errors.Is(err, domain.ErrTargetReachedNoRefund) {
			t.Fatalf("expected ErrTargetReachedNoRefund, got %v", err)
		}
	})

	t.Run("never contributed", func(t *testing.T) {
		env := newTestEnv(t)
		campaign := env.createCampaign(t, "admin", 1000, time.Second)
		env.clock.Advance(2 * time.Second)
		if _, err := env.svc.Refund(context.Background(), campaign.ID, "bob"); !errors.Is(err, domain.ErrNoContributionFound) {
			t.Fatalf("expected ErrNoContributionFound, got %v", err)
		}
	})

	t.Run("zero target is met immediately", func(t *testing.T) {
		env := newTestEnv(t)
		campaign := env.createCampaign(t, "admin", 0, time.Second)
		env.clock.Advance(2 * time.Second)
		summary, err := env.svc.GetCampaign(context.Background(), campaign.ID)
		if err != nil {
			t.Fatalf("get campaign: %v", err)
		}
		if summary.Status != domain.StatusExpiredMet {
			t.Fatalf("expected expired_met for zero target, got %s", summary.Status)
		}
	})
}

type stubRateLimiter struct {
	retryAfter time.Duration
	err        error
	calls      []string
}

func (s *stubRateLimiter) AllowDonation(ctx context.Context, campaignID uuid.UUID, contributor string) (time.Duration, error) {
	s.calls = append(s.calls, campaignID.String()+"/"+contributor)
	return s.retryAfter, s.err
}

func TestDonateRateLimit(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.createCampaign(t, "admin", 1000, time.Hour)
	env.fund(t, "alice", 100+env.svc.ContributionReserve())

	limiter := &stubRateLimiter{retryAfter: 1500 * time.Millisecond}
	env.svc.SetDonationRateLimiter(limiter)
	_, err := env.svc.Donate(context.Background(), campaign.ID, "alice", 10)
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if err.Error() != "too many requests: retry after 2s" {
		t.Fatalf("expected retry hint rounded up, got %q", err.Error())
	}
	if got := env.balance(t, "alice"); got != 100+env.svc.ContributionReserve() {
		t.Fatalf("expected throttled donation to move nothing, got balance %d", got)
	}

	limiter.retryAfter = 0
	limiter.err = errors.New("redis down")
	if _, err := env.svc.Donate(context.Background(), campaign.ID, "alice", 10); err != nil {
		t.Fatalf("expected limiter failure to be ignored, got %v", err)
	}
	want := campaign.ID.String() + "/alice"
	if len(limiter.calls) != 2 || limiter.calls[0] != want || limiter.calls[1] != want {
		t.Fatalf("expected limiter to be consulted per campaign and contributor, got %v", limiter.calls)
	}
}

func TestRecordAddressesCannotActAsIdentities(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	target := env.createCampaign(t, "admin", 1000, time.Hour)
	env.fund(t, "alice", 500+env.svc.ContributionReserve())
	if _, err := env.svc.Donate(ctx, target.ID, "alice", 500); err != nil {
		t.Fatalf("donate: %v", err)
	}

	env.fund(t, "mallory", env.svc.CampaignReserve())
	other, err := env.svc.CreateCampaign(ctx, "mallory", "side-project", "", 1, time.Hour)
	if err != nil {
		t.Fatalf("create other campaign: %v", err)
	}

	targetPool := domain.CampaignAddress(target.ID)
	poolBefore := env.balance(t, targetPool)

	reserved := []string{targetPool, domain.ContributionAddress(target.ID, "alice")}
	for _, identity := range reserved {
		if _, err := env.svc.Donate(ctx, other.ID, identity, 400); !errors.Is(err, domain.ErrReservedIdentity) {
			t.Fatalf("donate as %s: expected ErrReservedIdentity, got %v", identity, err)
		}
		if _, err := env.svc.CreateCampaign(ctx, identity, "x", "", 1, time.Hour); !errors.Is(err, domain.ErrReservedIdentity) {
			t.Fatalf("create as %s: expected ErrReservedIdentity, got %v", identity, err)
		}
		if _, err := env.svc.Refund(ctx, other.ID, identity); !errors.Is(err, domain.ErrReservedIdentity) {
			t.Fatalf("refund as %s: expected ErrReservedIdentity, got %v", identity, err)
		}
		if _, err := env.svc.Withdraw(ctx, other.ID, identity, 1); !errors.Is(err, domain.ErrInvalidAdmin) {
			t.Fatalf("withdraw as %s: expected ErrInvalidAdmin, got %v", identity, err)
		}
		if _, err := env.svc.Deposit(ctx, identity, 1); !errors.Is(err, domain.ErrReservedIdentity) {
			t.Fatalf("deposit to %s: expected ErrReservedIdentity, got %v", identity, err)
		}
	}

	if got := env.balance(t, targetPool); got != poolBefore {
		t.Fatalf("expected pool to stay at %d, got %d", poolBefore, got)
	}
	if _, err := env.svc.Withdraw(ctx, other.ID, "mallory", 1); !errors.Is(err, domain.ErrTargetNotReached) {
		t.Fatalf("expected other campaign to hold no donations, got %v", err)
	}
}

func TestReserveFloorIsFixedAtCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("raised rate does not lock refunds", func(t *testing.T) {
		env := newTestEnv(t)
		campaign := env.createCampaign(t, "admin", 1000, time.Hour)
		env.fund(t, "alice", 300+env.svc.ContributionReserve())
		if _, err := env.svc.Donate(ctx, campaign.ID, "alice", 300); err != nil {
			t.Fatalf("donate: %v", err)
		}

		raised := NewService(env.repo, env.publisher, "", RentExemptReserve(2), env.clock)
		env.clock.Advance(2 * time.Hour)
		refunded, err := raised.Refund(ctx, campaign.ID, "alice")
		if err != nil || refunded != 300 {
			t.Fatalf("expected refund of 300, got %d err=%v", refunded, err)
		}
		if got := env.balance(t, domain.CampaignAddress(campaign.ID)); got != campaign.ReserveAmount {
			t.Fatalf("expected pool to keep the paid reserve %d, got %d", campaign.ReserveAmount, got)
		}

		summary, err := raised.GetCampaign(ctx, campaign.ID)
		if err != nil {
			t.Fatalf("get campaign: %v", err)
		}
		if summary.Reserve != env.svc.CampaignReserve() || summary.Available != 0 {
			t.Fatalf("expected summary to report the paid reserve, got %+v", summary)
		}
	})

	t.Run("lowered rate does not expose the reservation", func(t *testing.T) {
		env := newTestEnv(t)
		campaign := env.createCampaign(t, "admin", 100, time.Hour)
		env.fund(t, "alice", 100+env.svc.ContributionReserve())
		if _, err := env.svc.Donate(ctx, campaign.ID, "alice", 100); err != nil {
			t.Fatalf("donate: %v", err)
		}

		lowered := NewService(env.repo, env.publisher, "", RentExemptReserve(0), env.clock)
		if _, err := lowered.Withdraw(ctx, campaign.ID, "admin", 101); !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Fatalf("expected ErrInsufficientFunds, got %v", err)
		}
		if _, err := lowered.Withdraw(ctx, campaign.ID, "admin", 100); err != nil {
			t.Fatalf("expected donated funds to stay withdrawable, got %v", err)
		}
	})
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	env := newTestEnv(t)
	env.publisher.err = errors.New("broker unavailable")

	campaign := env.createCampaign(t, "admin", 1000, time.Hour)
	if _, err := env.repo.FindCampaignByID(context.Background(), campaign.ID); err != nil {
		t.Fatalf("expected campaign to be committed despite publish failure, got %v", err)
	}
}

func TestConcurrentDonationsAreSerialized(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.createCampaign(t, "admin", 1000, time.Hour)

	const donors = 40
	for i := 0; i < donors; i++ {
		env.fund(t, donorName(i), 25+env.svc.ContributionReserve())
	}

	var wg sync.WaitGroup
	errs := make(chan error, donors)
	for i := 0; i < donors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := env.svc.Donate(context.Background(), campaign.ID, donorName(i), 25); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent donate: %v", err)
	}

	if got := env.campaign(t, campaign.ID).AmountDonated; got != donors*25 {
		t.Fatalf("expected amount donated %d, got %d", donors*25, got)
	}
}

func donorName(i int) string {
	return "donor-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
}

// TestLedgerInvariantsUnderRandomOperations drives random operations against a
// handful of campaigns and checks the pool accounting after every step.
func TestLedgerInvariantsUnderRandomOperations(t *testing.T) {
	env := newTestEnv(t)
	rng := rand.New(rand.NewSource(42))
	ctx := context.Background()
	users := []string{"alice", "bob", "carol", "dave"}
	for _, user := range users {
		env.fund(t, user, 1_000_000)
	}

	var campaigns []*domain.Campaign
	for i, target := range []int64{500, 2_000, 10_000} {
		admin := "admin-" + string(rune('a'+i))
		campaigns = append(campaigns, env.createCampaign(t, admin, target, time.Duration(i+1)*time.Minute))
	}

	for step := 0; step < 400; step++ {
		campaign := campaigns[rng.Intn(len(campaigns))]
		user := users[rng.Intn(len(users))]
		before := env.campaign(t, campaign.ID)

		switch rng.Intn(3) {
		case 0:
			_, _ = env.svc.Donate(ctx, campaign.ID, user, rng.Int63n(300)+1)
		case 1:
			_, _ = env.svc.Withdraw(ctx, campaign.ID, campaign.Admin, rng.Int63n(500)+1)
		case 2:
			_, _ = env.svc.Refund(ctx, campaign.ID, user)
		}
		env.clock.Advance(time.Duration(rng.Intn(2_000)) * time.Millisecond)

		after := env.campaign(t, campaign.ID)
		if after.AmountDonated < before.AmountDonated {
			t.Fatalf("step %d: amount donated decreased from %d to %d", step, before.AmountDonated, after.AmountDonated)
		}

		pooled := env.balance(t, domain.CampaignAddress(campaign.ID))
		expected := env.svc.CampaignReserve() + after.AmountDonated - after.AmountWithdrawn - after.AmountRefunded
		if pooled != expected {
			t.Fatalf("step %d: pooled %d, expected %d", step, pooled, expected)
		}
		if pooled < env.svc.CampaignReserve() {
			t.Fatalf("step %d: pooled %d fell below reserve", step, pooled)
		}
		if after.AmountWithdrawn > 0 && !after.TargetMet() {
			t.Fatalf("step %d: withdrawal recorded on an unfunded campaign", step)
		}
		if after.AmountRefunded > 0 && after.TargetMet() {
			t.Fatalf("step %d: refund recorded on a funded campaign", step)
		}

		contributions, err := env.svc.ListContributions(ctx, campaign.ID)
		if err != nil {
			t.Fatalf("step %d: list contributions: %v", step, err)
		}
		var open int64
		for _, contribution := range contributions {
			open += contribution.Amount
		}
		if open+after.AmountRefunded != after.AmountDonated {
			t.Fatalf("step %d: open stakes %d + refunded %d != donated %d", step, open, after.AmountRefunded, after.AmountDonated)
		}
	}
}

func TestDepositOverflowIsInvalidAmount(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", math.MaxInt64)
	if _, err := env.svc.Deposit(context.Background(), "alice", 1); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if got := env.balance(t, "alice"); got != math.MaxInt64 {
		t.Fatalf("expected balance untouched, got %d", got)
	}
}
