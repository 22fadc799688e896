package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kkkkikiki/loyalty/internal/model"
	"github.com/kkkkikiki/loyalty/internal/repository"
)

// EligibilityEvaluator finds the clients satisfying a rule. It owns the
// degrade policy for malformed rule data; the queries themselves live in the
// eligibility repository.
type EligibilityEvaluator struct {
	db     repository.DBExecutor
	repo   *repository.EligibilityRepository
	logger *zap.Logger
}

// NewEligibilityEvaluator creates a new eligibility evaluator
func NewEligibilityEvaluator(db repository.DBExecutor, logger *zap.Logger) *EligibilityEvaluator {
	return &EligibilityEvaluator{
		db:     db,
		repo:   repository.NewEligibilityRepository(),
		logger: logger,
	}
}

// segments decodes the rule's target segments. A malformed value degrades to
// "no segment filter" rather than failing the evaluation.
func (e *EligibilityEvaluator) segments(rule model.Rule) []string {
	segments, err := rule.Segments()
	if err != nil {
		e.logger.Warn("malformed target segments, ignoring segment filter",
			zap.Int64("rule_id", rule.ID),
			zap.Error(err))
		return nil
	}
	return segments
}

// FindEligible returns the clients currently satisfying the rule and not
// already holding a pending offer for it.
func (e *EligibilityEvaluator) FindEligible(ctx context.Context, rule model.Rule, asOf time.Time) ([]int64, error) {
	return e.repo.FindEligible(ctx, e.db, rule, e.segments(rule), asOf)
}

// IsEligible checks one client against one rule
func (e *EligibilityEvaluator) IsEligible(ctx context.Context, clientID int64, rule model.Rule, asOf time.Time) (bool, error) {
	return e.repo.IsEligible(ctx, e.db, clientID, rule, asOf)
}
