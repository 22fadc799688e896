package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kkkkikiki/loyalty/internal/model"
	"github.com/kkkkikiki/loyalty/internal/points"
)

// PointsRepository implements the transactional store behind the points
// ledger. Every ledger movement runs inside one transaction with the account
// row locked, so the balance and the ledger can never diverge.
type PointsRepository struct {
	db *sqlx.DB
}

// NewPointsRepository creates a new points repository bound to a database
func NewPointsRepository(db *sqlx.DB) *PointsRepository {
	return &PointsRepository{db: db}
}

// InTx runs fn against a transaction-scoped movement store
func (r *PointsRepository) InTx(ctx context.Context, fn func(points.MovementStore) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pointsTxStore{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// pointsTxStore is the transaction-scoped implementation of points.MovementStore
type pointsTxStore struct {
	tx *sqlx.Tx
}

func (s *pointsTxStore) AccountForUpdate(ctx context.Context, clientID int64) (*model.PointsAccount, error) {
	query := `
		SELECT id, client_id, balance, level, last_activity_at, created_at
		FROM points_accounts
		WHERE client_id = $1
		FOR UPDATE
	`

	var account model.PointsAccount
	if err := s.tx.GetContext(ctx, &account, query, clientID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lock points account: %w", err)
	}

	return &account, nil
}

func (s *pointsTxStore) CreateAccount(ctx context.Context, account *model.PointsAccount) error {
	query := `
		INSERT INTO points_accounts (client_id, balance, level, last_activity_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	err := s.tx.GetContext(ctx, &account.ID, query,
		account.ClientID, account.Balance, account.Level,
		account.LastActivityAt, account.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create points account: %w", err)
	}

	return nil
}

func (s *pointsTxStore) UpdateAccount(ctx context.Context, account *model.PointsAccount) error {
	result, err := s.tx.ExecContext(ctx, `
		UPDATE points_accounts
		SET balance = $1, level = $2, last_activity_at = $3
		WHERE client_id = $4
	`, account.Balance, account.Level, account.LastActivityAt, account.ClientID)
	if err != nil {
		return fmt.Errorf("failed to update points account: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("points account not found for update")
	}

	return nil
}

func (s *pointsTxStore) AppendEntry(ctx context.Context, entry *model.PointsLedgerEntry) error {
	query := `
		INSERT INTO points_ledger (client_id, operation, points, transaction_id, offer_id, balance_after, commentary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	err := s.tx.GetContext(ctx, &entry.ID, query,
		entry.ClientID, entry.Operation, entry.Points, entry.TransactionID,
		entry.OfferID, entry.BalanceAfter, entry.Commentary, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	return nil
}

func (s *pointsTxStore) RecordLevelChange(ctx context.Context, clientID int64, oldLevel, newLevel string, balance int64, at time.Time) error {
	details, err := json.Marshal(map[string]interface{}{
		"old_level": oldLevel,
		"new_level": newLevel,
		"balance":   balance,
	})
	if err != nil {
		return fmt.Errorf("failed to encode level change details: %w", err)
	}

	_, err = s.tx.ExecContext(ctx, `
		INSERT INTO client_events (client_id, event_type, details, created_at)
		VALUES ($1, 'level_change', $2, $3)
	`, clientID, details, at)
	if err != nil {
		return fmt.Errorf("failed to record level change event: %w", err)
	}

	return nil
}

func (s *pointsTxStore) Levels(ctx context.Context) ([]model.LoyaltyLevel, error) {
	var levels []model.LoyaltyLevel
	err := s.tx.SelectContext(ctx, &levels, `
		SELECT name, min_points, max_points
		FROM loyalty_levels
		ORDER BY min_points ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load loyalty levels: %w", err)
	}

	return levels, nil
}

func (s *pointsTxStore) Reward(ctx context.Context, rewardID int64) (*model.Reward, error) {
	query := `
		SELECT id, name, description, value, points_required, status
		FROM rewards
		WHERE id = $1
	`

	var reward model.Reward
	if err := s.tx.GetContext(ctx, &reward, query, rewardID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load reward: %w", err)
	}

	return &reward, nil
}

func (s *pointsTxStore) RecordRewardRedemption(ctx context.Context, redemption *model.RewardRedemption) error {
	query := `
		INSERT INTO reward_redemptions (client_id, reward_id, transaction_id, points_spent, status, redeemed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	err := s.tx.GetContext(ctx, &redemption.ID, query,
		redemption.ClientID, redemption.RewardID, redemption.TransactionID,
		redemption.PointsSpent, redemption.Status, redemption.RedeemedAt)
	if err != nil {
		return fmt.Errorf("failed to record reward redemption: %w", err)
	}

	return nil
}
