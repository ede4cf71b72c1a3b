/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Escrow operations run in one database transaction; campaign, contribution and
 * balance rows are locked with FOR UPDATE (or conditional updates) so that
 * concurrent donors never lose an update to the shared campaign counters.
 *
 * @dependencies
 * - context, errors, fmt, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/crowdfunding-service/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const campaignColumns = `
	id, admin, name, description, target_amount, amount_donated,
	amount_withdrawn, amount_refunded, reserve_amount, deadline, created_at, outcome_announced_at
`

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isNumericOutOfRange(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22003"
}

func scanCampaign(row pgx.Row) (*domain.Campaign, error) {
	var c domain.Campaign
	err := row.Scan(
		&c.ID, &c.Admin, &c.Name, &c.Description, &c.TargetAmount, &c.AmountDonated,
		&c.AmountWithdrawn, &c.AmountRefunded, &c.ReserveAmount, &c.Deadline, &c.CreatedAt, &c.OutcomeAnnouncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCampaignNotFound
		}
		return nil, err
	}
	return &c, nil
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the ledger tables when they do not exist yet.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// RunInTx runs fn inside a database transaction and commits when fn succeeds.
func (r *PostgresRepository) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &postgresTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FindCampaignByID retrieves a campaign without locking it.
func (r *PostgresRepository) FindCampaignByID(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	query := `SELECT` + campaignColumns + `FROM campaigns WHERE id = $1`
	return scanCampaign(r.db.QueryRow(ctx, query, campaignID))
}

// FindContribution retrieves a contributor's open stake in a campaign.
func (r *PostgresRepository) FindContribution(ctx context.Context, campaignID uuid.UUID, user string) (*domain.Contribution, error) {
	var c domain.Contribution
	query := `
		SELECT campaign_id, user_identity, amount, created_at, updated_at
		FROM contributions
		WHERE campaign_id = $1 AND user_identity = $2
	`
	err := r.db.QueryRow(ctx, query, campaignID, user).Scan(
		&c.CampaignID, &c.User, &c.Amount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContributionNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListContributions returns the open contributions of a campaign, oldest first.
func (r *PostgresRepository) ListContributions(ctx context.Context, campaignID uuid.UUID) ([]domain.Contribution, error) {
	query := `
		SELECT campaign_id, user_identity, amount, created_at, updated_at
		FROM contributions
		WHERE campaign_id = $1
		ORDER BY created_at, user_identity
	`
	rows, err := r.db.Query(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Contribution
	for rows.Next() {
		var c domain.Contribution
		if err := rows.Scan(&c.CampaignID, &c.User, &c.Amount, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetBalance returns the balance held at an address; unknown addresses hold zero.
func (r *PostgresRepository) GetBalance(ctx context.Context, address string) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `SELECT balance FROM ledger_balances WHERE address = $1`, address).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// FindEndedUnannouncedCampaigns finds campaigns past their deadline whose outcome was not announced yet.
func (r *PostgresRepository) FindEndedUnannouncedCampaigns(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT` + campaignColumns + `
		FROM campaigns
		WHERE outcome_announced_at IS NULL AND deadline < $1
		ORDER BY deadline
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// MarkOutcomeAnnounced stamps the announcement time once. It reports false when
// another worker already claimed the campaign.
func (r *PostgresRepository) MarkOutcomeAnnounced(ctx context.Context, campaignID uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE campaigns
		SET outcome_announced_at = $2
		WHERE id = $1 AND outcome_announced_at IS NULL
	`
	result, err := r.db.Exec(ctx, query, campaignID, at)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// AppendActivity records an emitted event. Redelivered events are ignored.
func (r *PostgresRepository) AppendActivity(ctx context.Context, entry domain.ActivityEntry) error {
	query := `
		INSERT INTO campaign_activity (event_id, campaign_id, event_type, actor, amount, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err := r.db.Exec(ctx, query,
		entry.EventID, entry.CampaignID, entry.EventType, entry.Actor, entry.Amount, entry.OccurredAt)
	return err
}

// ListActivity returns the most recent activity entries of a campaign, newest first.
func (r *PostgresRepository) ListActivity(ctx context.Context, campaignID uuid.UUID, limit int) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT event_id, campaign_id, event_type, actor, amount, occurred_at
		FROM campaign_activity
		WHERE campaign_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, campaignID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ActivityEntry, 0)
	for rows.Next() {
		var e domain.ActivityEntry
		if err := rows.Scan(&e.EventID, &e.CampaignID, &e.EventType, &e.Actor, &e.Amount, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) InsertCampaign(ctx context.Context, c *domain.Campaign) error {
	query := `
		INSERT INTO campaigns (
			id, admin, name, description, target_amount, amount_donated,
			amount_withdrawn, amount_refunded, reserve_amount, deadline, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
	`
	result, err := t.tx.Exec(ctx, query,
		c.ID, c.Admin, c.Name, c.Description, c.TargetAmount, c.AmountDonated,
		c.AmountWithdrawn, c.AmountRefunded, c.ReserveAmount, c.Deadline, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert campaign: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (t *postgresTx) LockCampaign(ctx context.Context, campaignID uuid.UUID) (*domain.Campaign, error) {
	query := `SELECT` + campaignColumns + `FROM campaigns WHERE id = $1 FOR UPDATE`
	return scanCampaign(t.tx.QueryRow(ctx, query, campaignID))
}

func (t *postgresTx) UpdateCampaignTotals(ctx context.Context, c *domain.Campaign) error {
	query := `
		UPDATE campaigns
		SET amount_donated = $2, amount_withdrawn = $3, amount_refunded = $4
		WHERE id = $1
	`
	result, err := t.tx.Exec(ctx, query, c.ID, c.AmountDonated, c.AmountWithdrawn, c.AmountRefunded)
	if err != nil {
		return fmt.Errorf("failed to update campaign totals: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrCampaignNotFound
	}
	return nil
}

func (t *postgresTx) LockContribution(ctx context.Context, campaignID uuid.UUID, user string) (*domain.Contribution, error) {
	var c domain.Contribution
	query := `
		SELECT campaign_id, user_identity, amount, created_at, updated_at
		FROM contributions
		WHERE campaign_id = $1 AND user_identity = $2
		FOR UPDATE
	`
	err := t.tx.QueryRow(ctx, query, campaignID, user).Scan(
		&c.CampaignID, &c.User, &c.Amount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContributionNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (t *postgresTx) SaveContribution(ctx context.Context, c *domain.Contribution) error {
	query := `
		INSERT INTO contributions (campaign_id, user_identity, amount, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (campaign_id, user_identity)
		DO UPDATE SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at
	`
	if _, err := t.tx.Exec(ctx, query, c.CampaignID, c.User, c.Amount, c.CreatedAt, c.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save contribution: %w", err)
	}
	return nil
}

func (t *postgresTx) CloseContribution(ctx context.Context, campaignID uuid.UUID, user string) error {
	result, err := t.tx.Exec(ctx,
		`DELETE FROM contributions WHERE campaign_id = $1 AND user_identity = $2`, campaignID, user)
	if err != nil {
		return fmt.Errorf("failed to close contribution: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrContributionNotFound
	}
	return nil
}

func (t *postgresTx) Balance(ctx context.Context, address string) (int64, error) {
	var balance int64
	err := t.tx.QueryRow(ctx, `SELECT balance FROM ledger_balances WHERE address = $1 FOR UPDATE`, address).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// Transfer debits with a conditional update so the balance can never go negative,
// then credits the destination, creating its row when needed.
func (t *postgresTx) Transfer(ctx context.Context, from, to string, amount int64) error {
	if amount < 0 || from == to {
		return fmt.Errorf("%w: %d from %s to %s", ErrInvalidTransfer, amount, from, to)
	}
	if amount == 0 {
		return nil
	}

	debit := `
		UPDATE ledger_balances
		SET balance = balance - $2, updated_at = NOW()
		WHERE address = $1 AND balance >= $2
	`
	result, err := t.tx.Exec(ctx, debit, from, amount)
	if err != nil {
		return fmt.Errorf("failed to debit %s: %w", from, err)
	}
	if result.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}
	return t.credit(ctx, to, amount)
}

func (t *postgresTx) Deposit(ctx context.Context, address string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: deposit of %d", ErrInvalidTransfer, amount)
	}
	return t.credit(ctx, address, amount)
}

func (t *postgresTx) credit(ctx context.Context, address string, amount int64) error {
	query := `
		INSERT INTO ledger_balances (address, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (address)
		DO UPDATE SET balance = ledger_balances.balance + EXCLUDED.balance, updated_at = NOW()
	`
	if _, err := t.tx.Exec(ctx, query, address, amount); err != nil {
		if isNumericOutOfRange(err) {
			return fmt.Errorf("%w: crediting %d to %s", ErrBalanceOverflow, amount, address)
		}
		return fmt.Errorf("failed to credit %s: %w", address, err)
	}
	return nil
}
