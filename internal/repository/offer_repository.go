package repository

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/kkkkikiki/loyalty/internal/model"
)

// ErrDuplicatePendingOffer is returned when the client already holds a
// pending offer for the rule. Callers treat it as "nothing to do".
var ErrDuplicatePendingOffer = fmt.Errorf("pending offer already exists")

// ErrOfferNotPending is returned when a status-guarded update matches no row:
// the offer does not exist or already left the pending states. Distinct from
// storage failures so callers can tell a lost race from a broken store.
var ErrOfferNotPending = fmt.Errorf("offer not found or not pending")

// OfferRepository handles offer data operations
type OfferRepository struct {
	// DB-only repository - no cache dependencies
}

// NewOfferRepository creates a new offer repository
func NewOfferRepository() *OfferRepository {
	return &OfferRepository{}
}

// InsertPending creates a 'generated' offer for (client, rule). The partial
// unique index on pending offers makes the insert a no-op when the client
// already holds a generated or sent offer for this rule; in that case
// ErrDuplicatePendingOffer is returned and nothing is written.
func (r *OfferRepository) InsertPending(ctx context.Context, db DBExecutor, offer *model.Offer) error {
	query := `
		INSERT INTO offers (client_id, rule_id, reward_id, generated_at, expires_at, status, commentary)
		VALUES ($1, $2, $3, $4, $5, 'generated', $6)
		ON CONFLICT (client_id, rule_id) WHERE status IN ('generated', 'sent') DO NOTHING
		RETURNING id
	`

	err := db.GetContext(ctx, &offer.ID, query,
		offer.ClientID, offer.RuleID, offer.RewardID,
		offer.GeneratedAt, offer.ExpiresAt, offer.Commentary)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrDuplicatePendingOffer
		}
		return fmt.Errorf("failed to insert offer: %w", err)
	}
	offer.Status = model.OfferGenerated

	return nil
}

// AssignCode gives the offer its immutable redemption code. The code is
// derived from the assigned row id plus a random suffix, and only written
// where no code exists yet, so repeated calls leave an existing code
// untouched. A collision on the global unique index is retried with a fresh
// suffix.
func (r *OfferRepository) AssignCode(ctx context.Context, db DBExecutor, offerID int64) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		suffix := make([]byte, 4)
		if _, err := rand.Read(suffix); err != nil {
			return "", fmt.Errorf("failed to generate code suffix: %w", err)
		}
		code := fmt.Sprintf("OF-%d-%s", offerID, hex.EncodeToString(suffix))

		result, err := db.ExecContext(ctx,
			`UPDATE offers SET code = $1 WHERE id = $2 AND code IS NULL`,
			code, offerID)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				continue
			}
			return "", fmt.Errorf("failed to assign offer code: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return "", fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			// Code already assigned; regeneration is idempotent
			var existing string
			if err := db.GetContext(ctx, &existing, `SELECT code FROM offers WHERE id = $1`, offerID); err != nil {
				return "", fmt.Errorf("failed to read existing code: %w", err)
			}
			return existing, nil
		}
		return code, nil
	}

	return "", fmt.Errorf("failed to assign offer code: too many collisions")
}

// GetByCode loads an offer by redemption code together with its rule's action
func (r *OfferRepository) GetByCode(ctx context.Context, db DBExecutor, code string) (*model.RedeemableOffer, error) {
	query := `
		SELECT o.id, o.client_id, o.rule_id, o.reward_id, o.generated_at, o.sent_at,
		       o.used_at, o.expires_at, o.status, o.code, o.channel,
		       o.use_transaction_id, o.commentary,
		       r.action_type, r.action_value
		FROM offers o
		JOIN rules r ON r.id = o.rule_id
		WHERE o.code = $1
	`

	var offer model.RedeemableOffer
	if err := db.GetContext(ctx, &offer, query, code); err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get offer by code: %w", err)
	}

	return &offer, nil
}

// MarkSent flips generated offers to sent, stamping send time and channel.
// With no ids it sends every generated offer. Returns the number of offers
// actually transitioned.
func (r *OfferRepository) MarkSent(ctx context.Context, db DBExecutor, ids []int64, channel string, at time.Time) (int64, error) {
	var (
		result sql.Result
		err    error
	)
	if len(ids) > 0 {
		result, err = db.ExecContext(ctx, `
			UPDATE offers
			SET status = 'sent', sent_at = $1, channel = $2
			WHERE id = ANY($3) AND status = 'generated'
		`, at, channel, pq.Array(ids))
	} else {
		result, err = db.ExecContext(ctx, `
			UPDATE offers
			SET status = 'sent', sent_at = $1, channel = $2
			WHERE status = 'generated'
		`, at, channel)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to mark offers as sent: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

// MarkUsed flips a pending offer to used. The status guard makes the update
// race-safe: a concurrent redemption of the same offer affects zero rows.
func (r *OfferRepository) MarkUsed(ctx context.Context, db DBExecutor, offerID int64, transactionID *int64, at time.Time) error {
	result, err := db.ExecContext(ctx, `
		UPDATE offers
		SET status = 'used', used_at = $1, use_transaction_id = $2
		WHERE id = $3 AND status IN ('generated', 'sent')
	`, at, transactionID, offerID)
	if err != nil {
		return fmt.Errorf("failed to mark offer as used: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrOfferNotPending
	}

	return nil
}

// ExpirePending flips every generated or sent offer past its expiration date
// to expired. Running the sweep twice is a no-op for already-expired offers.
func (r *OfferRepository) ExpirePending(ctx context.Context, db DBExecutor, asOf time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE offers
		SET status = 'expired'
		WHERE expires_at < $1 AND status IN ('generated', 'sent')
	`, asOf)
	if err != nil {
		return 0, fmt.Errorf("failed to expire offers: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

// ListByClient returns a client's offers, newest first
func (r *OfferRepository) ListByClient(ctx context.Context, db DBExecutor, clientID int64) ([]model.Offer, error) {
	query := `
		SELECT id, client_id, rule_id, reward_id, generated_at, sent_at, used_at,
		       expires_at, status, code, channel, use_transaction_id, commentary
		FROM offers
		WHERE client_id = $1
		ORDER BY generated_at DESC, id DESC
	`

	var offers []model.Offer
	if err := db.SelectContext(ctx, &offers, query, clientID); err != nil {
		return nil, fmt.Errorf("failed to list client offers: %w", err)
	}

	return offers, nil
}
