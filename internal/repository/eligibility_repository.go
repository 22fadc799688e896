package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/kkkkikiki/loyalty/internal/model"
)

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// EligibilityRepository finds the clients satisfying a loyalty rule. Each
// rule type maps to a composable set of typed filters instead of assembled
// SQL strings, so every condition is bound as a query parameter.
type EligibilityRepository struct {
	// DB-only repository - no cache dependencies
}

// NewEligibilityRepository creates a new eligibility repository
func NewEligibilityRepository() *EligibilityRepository {
	return &EligibilityRepository{}
}

// clientQuery accumulates joins, conditions and bound arguments for one
// eligibility query over the clients table (aliased c).
type clientQuery struct {
	joins []string
	conds []string
	args  []interface{}
}

// bind registers an argument and returns its placeholder
func (q *clientQuery) bind(v interface{}) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *clientQuery) join(j string) {
	q.joins = append(q.joins, j)
}

func (q *clientQuery) where(cond string) {
	q.conds = append(q.conds, cond)
}

func (q *clientQuery) sql(selectCols string) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(selectCols)
	b.WriteString(" FROM clients c")
	for _, j := range q.joins {
		b.WriteString("\n")
		b.WriteString(j)
	}
	b.WriteString("\nWHERE ")
	b.WriteString(strings.Join(q.conds, "\n  AND "))
	b.WriteString("\nORDER BY c.id")
	return b.String()
}

// withBaseFilters applies the conditions shared by every rule type: active
// clients, optional segment restriction, and exclusion of clients already
// holding a pending offer for this rule.
func (q *clientQuery) withBaseFilters(ruleID int64, segments []string) {
	q.where("c.status = 'active'")
	if len(segments) > 0 {
		q.where("c.segment = ANY(" + q.bind(pq.Array(segments)) + ")")
	}
	q.where("NOT EXISTS (SELECT 1 FROM offers o WHERE o.client_id = c.id AND o.rule_id = " +
		q.bind(ruleID) + " AND o.status IN ('generated', 'sent'))")
}

// windowStart resolves the rule's rolling lookback window, if any
func windowStart(rule model.Rule, asOf time.Time) (time.Time, bool) {
	if !rule.PeriodDays.Valid {
		return time.Time{}, false
	}
	return asOf.AddDate(0, 0, -int(rule.PeriodDays.Int64)), true
}

// buildEligibilityQuery composes the query for one rule. Birthday rules are
// not handled here; their month/day matching happens in Go.
func buildEligibilityQuery(rule model.Rule, segments []string, asOf time.Time) (string, []interface{}, error) {
	q := &clientQuery{}

	switch rule.Type {
	case model.RuleTypePurchaseCount:
		window := ""
		if start, ok := windowStart(rule, asOf); ok {
			window = "WHERE t.tx_date >= " + q.bind(start)
		}
		q.join(fmt.Sprintf(`JOIN (
	SELECT t.client_id
	FROM transactions t
	%s
	GROUP BY t.client_id
	HAVING COUNT(DISTINCT t.id) >= %s
) m ON m.client_id = c.id`, window, q.bind(int64(rule.ConditionValue))))

	case model.RuleTypeCumulativeAmount:
		window := ""
		if start, ok := windowStart(rule, asOf); ok {
			window = "WHERE t.tx_date >= " + q.bind(start)
		}
		q.join(fmt.Sprintf(`JOIN (
	SELECT t.client_id
	FROM transactions t
	%s
	GROUP BY t.client_id
	HAVING SUM(t.total_amount) >= %s
) m ON m.client_id = c.id`, window, q.bind(rule.ConditionValue)))

	case model.RuleTypeSpecificProduct:
		match := "ti.product_id = " + q.bind(int64(rule.ConditionValue))
		if start, ok := windowStart(rule, asOf); ok {
			match += " AND t.tx_date >= " + q.bind(start)
		}
		q.join(`JOIN (
	SELECT DISTINCT t.client_id
	FROM transactions t
	JOIN transaction_items ti ON ti.transaction_id = t.id
	WHERE ` + match + `
) m ON m.client_id = c.id`)

	case model.RuleTypeSpecificCategory:
		match := "p.category_id = " + q.bind(int64(rule.ConditionValue))
		if start, ok := windowStart(rule, asOf); ok {
			match += " AND t.tx_date >= " + q.bind(start)
		}
		q.join(`JOIN (
	SELECT DISTINCT t.client_id
	FROM transactions t
	JOIN transaction_items ti ON ti.transaction_id = t.id
	JOIN products p ON p.id = ti.product_id
	WHERE ` + match + `
) m ON m.client_id = c.id`)

	case model.RuleTypeFirstVisit:
		q.where("c.created_at >= " + q.bind(asOf.AddDate(0, 0, -int(rule.ConditionValue))))
		q.where("c.created_at <= " + q.bind(asOf))

	case model.RuleTypeInactivity:
		// Clients with zero transactions never qualify as inactive
		q.join(`JOIN (
	SELECT t.client_id
	FROM transactions t
	GROUP BY t.client_id
	HAVING MAX(t.tx_date) <= ` + q.bind(asOf.AddDate(0, 0, -int(rule.ConditionValue))) + `
) m ON m.client_id = c.id`)

	default:
		return "", nil, fmt.Errorf("unknown rule type: %s", rule.Type)
	}

	q.withBaseFilters(rule.ID, segments)

	return q.sql("c.id"), q.args, nil
}

// birthdayInWindow reports whether the month/day of birth falls within
// [asOf, asOf + days], handling the wrap at the year boundary.
func birthdayInWindow(birth, asOf time.Time, days int) bool {
	today := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, asOf.Location())
	next := time.Date(today.Year(), birth.Month(), birth.Day(), 0, 0, 0, 0, asOf.Location())
	if next.Before(today) {
		next = time.Date(today.Year()+1, birth.Month(), birth.Day(), 0, 0, 0, 0, asOf.Location())
	}
	return !next.After(today.AddDate(0, 0, days))
}

// FindEligible returns the ids of clients currently satisfying the rule and
// not holding a pending offer for it. Segment validation happens in the
// caller; an empty segments slice means no segment filter.
func (r *EligibilityRepository) FindEligible(ctx context.Context, db DBExecutor, rule model.Rule, segments []string, asOf time.Time) ([]int64, error) {
	if rule.Type == model.RuleTypeBirthday {
		return r.findBirthdayEligible(ctx, db, rule, segments, asOf)
	}

	query, args, err := buildEligibilityQuery(rule, segments, asOf)
	if err != nil {
		return nil, err
	}

	var clientIDs []int64
	if err := db.SelectContext(ctx, &clientIDs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to find eligible clients: %w", err)
	}

	return clientIDs, nil
}

type birthdayCandidate struct {
	ID        int64     `db:"id"`
	BirthDate time.Time `db:"birth_date"`
}

func (r *EligibilityRepository) findBirthdayEligible(ctx context.Context, db DBExecutor, rule model.Rule, segments []string, asOf time.Time) ([]int64, error) {
	q := &clientQuery{}
	q.where("c.birth_date IS NOT NULL")
	q.withBaseFilters(rule.ID, segments)

	var candidates []birthdayCandidate
	if err := db.SelectContext(ctx, &candidates, q.sql("c.id, c.birth_date"), q.args...); err != nil {
		return nil, fmt.Errorf("failed to load birthday candidates: %w", err)
	}

	clientIDs := make([]int64, 0, len(candidates))
	for _, cand := range candidates {
		if birthdayInWindow(cand.BirthDate, asOf, int(rule.ConditionValue)) {
			clientIDs = append(clientIDs, cand.ID)
		}
	}

	return clientIDs, nil
}

// IsEligible checks a single client against a rule. Used by the per-client
// evaluation path; the pending-offer exclusion is handled by the offer
// insert itself.
func (r *EligibilityRepository) IsEligible(ctx context.Context, db DBExecutor, clientID int64, rule model.Rule, asOf time.Time) (bool, error) {
	switch rule.Type {
	case model.RuleTypePurchaseCount:
		var count int64
		query := `SELECT COUNT(DISTINCT id) FROM transactions WHERE client_id = $1`
		args := []interface{}{clientID}
		if start, ok := windowStart(rule, asOf); ok {
			query += ` AND tx_date >= $2`
			args = append(args, start)
		}
		if err := db.GetContext(ctx, &count, query, args...); err != nil {
			return false, fmt.Errorf("failed to count purchases: %w", err)
		}
		return count >= int64(rule.ConditionValue), nil

	case model.RuleTypeCumulativeAmount:
		var total float64
		query := `SELECT COALESCE(SUM(total_amount), 0) FROM transactions WHERE client_id = $1`
		args := []interface{}{clientID}
		if start, ok := windowStart(rule, asOf); ok {
			query += ` AND tx_date >= $2`
			args = append(args, start)
		}
		if err := db.GetContext(ctx, &total, query, args...); err != nil {
			return false, fmt.Errorf("failed to sum purchases: %w", err)
		}
		return total >= rule.ConditionValue, nil

	case model.RuleTypeSpecificProduct:
		var count int64
		query := `
			SELECT COUNT(*)
			FROM transactions t
			JOIN transaction_items ti ON ti.transaction_id = t.id
			WHERE t.client_id = $1 AND ti.product_id = $2`
		args := []interface{}{clientID, int64(rule.ConditionValue)}
		if start, ok := windowStart(rule, asOf); ok {
			query += ` AND t.tx_date >= $3`
			args = append(args, start)
		}
		if err := db.GetContext(ctx, &count, query, args...); err != nil {
			return false, fmt.Errorf("failed to count product purchases: %w", err)
		}
		return count > 0, nil

	case model.RuleTypeSpecificCategory:
		var count int64
		query := `
			SELECT COUNT(*)
			FROM transactions t
			JOIN transaction_items ti ON ti.transaction_id = t.id
			JOIN products p ON p.id = ti.product_id
			WHERE t.client_id = $1 AND p.category_id = $2`
		args := []interface{}{clientID, int64(rule.ConditionValue)}
		if start, ok := windowStart(rule, asOf); ok {
			query += ` AND t.tx_date >= $3`
			args = append(args, start)
		}
		if err := db.GetContext(ctx, &count, query, args...); err != nil {
			return false, fmt.Errorf("failed to count category purchases: %w", err)
		}
		return count > 0, nil

	case model.RuleTypeFirstVisit:
		var createdAt time.Time
		if err := db.GetContext(ctx, &createdAt, `SELECT created_at FROM clients WHERE id = $1`, clientID); err != nil {
			return false, fmt.Errorf("failed to load client creation date: %w", err)
		}
		cutoff := asOf.AddDate(0, 0, -int(rule.ConditionValue))
		return !createdAt.Before(cutoff) && !createdAt.After(asOf), nil

	case model.RuleTypeBirthday:
		var birth birthdayCandidate
		query := `SELECT id, birth_date FROM clients WHERE id = $1 AND birth_date IS NOT NULL`
		if err := db.GetContext(ctx, &birth, query, clientID); err != nil {
			if isNoRows(err) {
				return false, nil
			}
			return false, fmt.Errorf("failed to load client birth date: %w", err)
		}
		return birthdayInWindow(birth.BirthDate, asOf, int(rule.ConditionValue)), nil

	case model.RuleTypeInactivity:
		var lastTx time.Time
		query := `SELECT MAX(tx_date) FROM transactions WHERE client_id = $1 GROUP BY client_id`
		if err := db.GetContext(ctx, &lastTx, query, clientID); err != nil {
			if isNoRows(err) {
				// No transactions at all: never considered inactive
				return false, nil
			}
			return false, fmt.Errorf("failed to load last transaction date: %w", err)
		}
		return !lastTx.After(asOf.AddDate(0, 0, -int(rule.ConditionValue))), nil

	default:
		return false, fmt.Errorf("unknown rule type: %s", rule.Type)
	}
}
