package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kkkkikiki/loyalty/internal/model"
)

// DBExecutor interface for database operations (can be *sqlx.DB or *sqlx.Tx)
type DBExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// RuleRepository handles loyalty rule and evaluation audit data
type RuleRepository struct {
	// DB-only repository - no cache dependencies
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository() *RuleRepository {
	return &RuleRepository{}
}

// ActiveRules returns the rules that are active and whose validity window
// contains asOf, ordered by priority descending.
func (r *RuleRepository) ActiveRules(ctx context.Context, db DBExecutor, asOf time.Time) ([]model.Rule, error) {
	query := `
		SELECT id, name, rule_type, condition_value, period_days, target_segments,
		       priority, active, start_date, end_date, reward_id, action_type,
		       action_value, validity_days, created_at
		FROM rules
		WHERE active = TRUE
		  AND (start_date IS NULL OR start_date <= $1)
		  AND (end_date IS NULL OR end_date >= $1)
		ORDER BY priority DESC, id ASC
	`

	var rules []model.Rule
	if err := db.SelectContext(ctx, &rules, query, asOf); err != nil {
		return nil, fmt.Errorf("failed to load active rules: %w", err)
	}

	return rules, nil
}

// GetRule retrieves a rule by ID
func (r *RuleRepository) GetRule(ctx context.Context, db DBExecutor, id int64) (*model.Rule, error) {
	query := `
		SELECT id, name, rule_type, condition_value, period_days, target_segments,
		       priority, active, start_date, end_date, reward_id, action_type,
		       action_value, validity_days, created_at
		FROM rules
		WHERE id = $1
	`

	var rule model.Rule
	if err := db.GetContext(ctx, &rule, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("rule not found")
		}
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return &rule, nil
}

// RecordEvaluation appends one audit row for a rule's evaluation in a pass
func (r *RuleRepository) RecordEvaluation(ctx context.Context, db DBExecutor, run *model.EvaluationRun) error {
	query := `
		INSERT INTO evaluation_runs (run_id, rule_id, clients_evaluated, offers_generated, duration_ms, note, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	if run.EvaluatedAt.IsZero() {
		run.EvaluatedAt = time.Now()
	}

	err := db.GetContext(ctx, &run.ID, query,
		run.RunID, run.RuleID, run.ClientsEvaluated, run.OffersGenerated,
		run.DurationMS, run.Note, run.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("failed to record evaluation run: %w", err)
	}

	return nil
}
