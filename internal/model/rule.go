package model

import (
	"database/sql"
	"encoding/json"
	"time"
)

// RuleType identifies the eligibility archetype of a loyalty rule.
type RuleType string

const (
	RuleTypePurchaseCount    RuleType = "purchase_count"
	RuleTypeCumulativeAmount RuleType = "cumulative_amount"
	RuleTypeSpecificProduct  RuleType = "specific_product"
	RuleTypeSpecificCategory RuleType = "specific_category"
	RuleTypeFirstVisit       RuleType = "first_visit"
	RuleTypeBirthday         RuleType = "birthday"
	RuleTypeInactivity       RuleType = "inactivity"
)

// ActionType describes what an offer grants when it is redeemed.
type ActionType string

const (
	ActionGrantPoints     ActionType = "grant_points"
	ActionDiscountPercent ActionType = "discount_percent"
	ActionDiscountAmount  ActionType = "discount_amount"
)

// Rule represents a loyalty rule in the database. Rules are written by the
// administrative back office and read-only to the engine.
type Rule struct {
	ID             int64           `db:"id" json:"id"`
	Name           string          `db:"name" json:"name"`
	Type           RuleType        `db:"rule_type" json:"rule_type"`
	ConditionValue float64         `db:"condition_value" json:"condition_value"`
	PeriodDays     sql.NullInt64   `db:"period_days" json:"period_days"`
	TargetSegments sql.NullString  `db:"target_segments" json:"target_segments"` // JSON array of segment names
	Priority       int             `db:"priority" json:"priority"`
	Active         bool            `db:"active" json:"active"`
	StartDate      sql.NullTime    `db:"start_date" json:"start_date"`
	EndDate        sql.NullTime    `db:"end_date" json:"end_date"`
	RewardID       sql.NullInt64   `db:"reward_id" json:"reward_id"`
	ActionType     sql.NullString  `db:"action_type" json:"action_type"`
	ActionValue    sql.NullFloat64 `db:"action_value" json:"action_value"`
	ValidityDays   sql.NullInt64   `db:"validity_days" json:"validity_days"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// Segments decodes the target_segments JSON array. An empty or NULL value
// means the rule targets all segments.
func (r *Rule) Segments() ([]string, error) {
	if !r.TargetSegments.Valid || r.TargetSegments.String == "" {
		return nil, nil
	}
	var segments []string
	if err := json.Unmarshal([]byte(r.TargetSegments.String), &segments); err != nil {
		return nil, err
	}
	return segments, nil
}

// EvaluationRun is the audit row recorded for each rule in an evaluation pass.
type EvaluationRun struct {
	ID               int64     `db:"id" json:"id"`
	RunID            string    `db:"run_id" json:"run_id"`
	RuleID           int64     `db:"rule_id" json:"rule_id"`
	ClientsEvaluated int       `db:"clients_evaluated" json:"clients_evaluated"`
	OffersGenerated  int       `db:"offers_generated" json:"offers_generated"`
	DurationMS       int64     `db:"duration_ms" json:"duration_ms"`
	Note             string    `db:"note" json:"note"`
	EvaluatedAt      time.Time `db:"evaluated_at" json:"evaluated_at"`
}

// Client mirrors the externally-owned customer record. Read-only to the engine.
type Client struct {
	ID        int64        `db:"id" json:"id"`
	FirstName string       `db:"first_name" json:"first_name"`
	LastName  string       `db:"last_name" json:"last_name"`
	Email     string       `db:"email" json:"email"`
	Status    string       `db:"status" json:"status"` // 'active' or 'inactive'
	Segment   string       `db:"segment" json:"segment"`
	BirthDate sql.NullTime `db:"birth_date" json:"birth_date"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}
