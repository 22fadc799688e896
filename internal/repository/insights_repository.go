package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kkkkikiki/loyalty/internal/model"
)

// ErrClientNotFound is returned when no client row matches the id.
var ErrClientNotFound = fmt.Errorf("client not found")

// InsightsRepository serves the read-only loyalty summary and statistics
// queries consumed by the web layer.
type InsightsRepository struct {
	// DB-only repository - no cache dependencies
}

// NewInsightsRepository creates a new insights repository
func NewInsightsRepository() *InsightsRepository {
	return &InsightsRepository{}
}

// ClientTxStats aggregates a client's transaction history
type ClientTxStats struct {
	TransactionCount int64        `db:"transaction_count" json:"transaction_count"`
	TotalAmount      float64      `db:"total_amount" json:"total_amount"`
	AverageAmount    float64      `db:"average_amount" json:"average_amount"`
	LastTransaction  sql.NullTime `db:"last_transaction" json:"last_transaction"`
}

// ClientEvent is an audit event attached to a client (level changes, ...)
type ClientEvent struct {
	ID        int64     `db:"id" json:"id"`
	ClientID  int64     `db:"client_id" json:"client_id"`
	EventType string    `db:"event_type" json:"event_type"`
	Details   []byte    `db:"details" json:"details"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// GetClient retrieves the externally-owned client record
func (r *InsightsRepository) GetClient(ctx context.Context, db DBExecutor, clientID int64) (*model.Client, error) {
	query := `
		SELECT id, first_name, last_name, email, status, segment, birth_date, created_at
		FROM clients
		WHERE id = $1
	`

	var client model.Client
	if err := db.GetContext(ctx, &client, query, clientID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	return &client, nil
}

// GetAccount retrieves a client's points account, or nil when none exists
func (r *InsightsRepository) GetAccount(ctx context.Context, db DBExecutor, clientID int64) (*model.PointsAccount, error) {
	query := `
		SELECT id, client_id, balance, level, last_activity_at, created_at
		FROM points_accounts
		WHERE client_id = $1
	`

	var account model.PointsAccount
	if err := db.GetContext(ctx, &account, query, clientID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get points account: %w", err)
	}

	return &account, nil
}

// LedgerHistory returns a client's most recent ledger entries
func (r *InsightsRepository) LedgerHistory(ctx context.Context, db DBExecutor, clientID int64, limit int) ([]model.PointsLedgerEntry, error) {
	query := `
		SELECT id, client_id, operation, points, transaction_id, offer_id, balance_after, commentary, created_at
		FROM points_ledger
		WHERE client_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	var entries []model.PointsLedgerEntry
	if err := db.SelectContext(ctx, &entries, query, clientID, limit); err != nil {
		return nil, fmt.Errorf("failed to load ledger history: %w", err)
	}

	return entries, nil
}

// ClientEvents returns a client's most recent audit events
func (r *InsightsRepository) ClientEvents(ctx context.Context, db DBExecutor, clientID int64, limit int) ([]ClientEvent, error) {
	query := `
		SELECT id, client_id, event_type, details, created_at
		FROM client_events
		WHERE client_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	var events []ClientEvent
	if err := db.SelectContext(ctx, &events, query, clientID, limit); err != nil {
		return nil, fmt.Errorf("failed to load client events: %w", err)
	}

	return events, nil
}

// TxStats aggregates a client's transaction history
func (r *InsightsRepository) TxStats(ctx context.Context, db DBExecutor, clientID int64) (*ClientTxStats, error) {
	query := `
		SELECT COUNT(t.id) AS transaction_count,
		       COALESCE(SUM(t.total_amount), 0) AS total_amount,
		       COALESCE(AVG(t.total_amount), 0) AS average_amount,
		       MAX(t.tx_date) AS last_transaction
		FROM transactions t
		WHERE t.client_id = $1
	`

	var stats ClientTxStats
	if err := db.GetContext(ctx, &stats, query, clientID); err != nil {
		return nil, fmt.Errorf("failed to load transaction stats: %w", err)
	}

	return &stats, nil
}

// OfferStatusCount is one bucket of the program offer statistics
type OfferStatusCount struct {
	Status string `db:"status" json:"status"`
	Count  int64  `db:"count" json:"count"`
}

// LevelCount is the number of accounts per loyalty level
type LevelCount struct {
	Level         string  `db:"level" json:"level"`
	Clients       int64   `db:"clients" json:"clients"`
	AveragePoints float64 `db:"average_points" json:"average_points"`
}

// RulePerformance ranks rules by redemption rate over a period
type RulePerformance struct {
	RuleID          int64   `db:"rule_id" json:"rule_id"`
	RuleName        string  `db:"rule_name" json:"rule_name"`
	RuleType        string  `db:"rule_type" json:"rule_type"`
	OffersGenerated int64   `db:"offers_generated" json:"offers_generated"`
	OffersUsed      int64   `db:"offers_used" json:"offers_used"`
	UsageRate       float64 `db:"usage_rate" json:"usage_rate"`
}

// ProgramStats is the loyalty program statistics payload
type ProgramStats struct {
	PeriodDays     int                `json:"period_days"`
	OffersByStatus []OfferStatusCount `json:"offers_by_status"`
	ClientsByLevel []LevelCount       `json:"clients_by_level"`
	TopRules       []RulePerformance  `json:"top_rules"`
}

// ProgramStatistics computes offer, level and rule statistics over the
// trailing period.
func (r *InsightsRepository) ProgramStatistics(ctx context.Context, db DBExecutor, periodDays int, asOf time.Time) (*ProgramStats, error) {
	since := asOf.AddDate(0, 0, -periodDays)
	stats := &ProgramStats{PeriodDays: periodDays}

	err := db.SelectContext(ctx, &stats.OffersByStatus, `
		SELECT status, COUNT(*) AS count
		FROM offers
		WHERE generated_at >= $1
		GROUP BY status
		ORDER BY status
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load offer statistics: %w", err)
	}

	err = db.SelectContext(ctx, &stats.ClientsByLevel, `
		SELECT pa.level, COUNT(*) AS clients, COALESCE(AVG(pa.balance), 0) AS average_points
		FROM points_accounts pa
		JOIN clients c ON c.id = pa.client_id
		WHERE c.status = 'active'
		GROUP BY pa.level
		ORDER BY MIN(pa.balance)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load level statistics: %w", err)
	}

	err = db.SelectContext(ctx, &stats.TopRules, `
		SELECT r.id AS rule_id, r.name AS rule_name, r.rule_type,
		       COUNT(o.id) AS offers_generated,
		       COUNT(o.id) FILTER (WHERE o.status = 'used') AS offers_used,
		       COUNT(o.id) FILTER (WHERE o.status = 'used')::float / COUNT(o.id) AS usage_rate
		FROM rules r
		JOIN offers o ON o.rule_id = r.id
		WHERE o.generated_at >= $1
		GROUP BY r.id, r.name, r.rule_type
		HAVING COUNT(o.id) > 0
		ORDER BY usage_rate DESC
		LIMIT 5
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule statistics: %w", err)
	}

	return stats, nil
}

// AvailableReward is a reward annotated with affordability for a client
type AvailableReward struct {
	model.Reward
	Affordable    bool  `db:"-" json:"affordable"`
	PointsMissing int64 `db:"-" json:"points_missing"`
}

// ActiveRewards lists active rewards ordered by required points. When
// clientPoints is non-negative, each reward is annotated with whether the
// client can afford it.
func (r *InsightsRepository) ActiveRewards(ctx context.Context, db DBExecutor, clientPoints int64) ([]AvailableReward, error) {
	var rewards []model.Reward
	err := db.SelectContext(ctx, &rewards, `
		SELECT id, name, description, value, points_required, status
		FROM rewards
		WHERE status = 'active'
		ORDER BY points_required ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load rewards: %w", err)
	}

	available := make([]AvailableReward, 0, len(rewards))
	for _, reward := range rewards {
		item := AvailableReward{Reward: reward}
		if clientPoints >= 0 {
			item.Affordable = reward.PointsRequired <= clientPoints
			if missing := reward.PointsRequired - clientPoints; missing > 0 {
				item.PointsMissing = missing
			}
		}
		available = append(available, item)
	}

	return available, nil
}
