package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kkkkikiki/loyalty/internal/metrics"
	"github.com/kkkkikiki/loyalty/internal/model"
	"github.com/kkkkikiki/loyalty/internal/repository"
)

// RuleSource provides the rules to evaluate and receives the audit trail.
type RuleSource interface {
	ActiveRules(ctx context.Context, asOf time.Time) ([]model.Rule, error)
	RecordEvaluation(ctx context.Context, run *model.EvaluationRun) error
}

// Evaluator finds the clients satisfying a rule.
type Evaluator interface {
	FindEligible(ctx context.Context, rule model.Rule, asOf time.Time) ([]int64, error)
	IsEligible(ctx context.Context, clientID int64, rule model.Rule, asOf time.Time) (bool, error)
}

// OfferCreator persists an offer for an eligible client. created is false
// when the client already holds a pending offer for the rule.
type OfferCreator interface {
	Generate(ctx context.Context, clientID int64, rule model.Rule, asOf time.Time) (offer *model.Offer, created bool, err error)
}

// RuleResult summarizes one rule's evaluation within a pass
type RuleResult struct {
	RuleID           int64          `json:"rule_id"`
	RuleName         string         `json:"rule_name"`
	RuleType         model.RuleType `json:"rule_type"`
	ClientsEvaluated int            `json:"clients_evaluated"`
	OffersGenerated  int            `json:"offers_generated"`
	DurationMS       int64          `json:"duration_ms"`
	Error            string         `json:"error,omitempty"`
}

// EvaluationSummary is the outcome of a full evaluation pass
type EvaluationSummary struct {
	RunID            string       `json:"run_id"`
	StartedAt        time.Time    `json:"started_at"`
	RulesEvaluated   int          `json:"rules_evaluated"`
	ClientsEvaluated int          `json:"clients_evaluated"`
	OffersGenerated  int          `json:"offers_generated"`
	Rules            []RuleResult `json:"rules"`
}

// RuleEngine runs the evaluation passes: active rules in priority order,
// eligible clients per rule, one offer per eligible client. A failing rule is
// recorded and skipped; the pass continues with the remaining rules.
type RuleEngine struct {
	rules     RuleSource
	evaluator Evaluator
	generator OfferCreator
	logger    *zap.Logger
	now       func() time.Time
}

// NewRuleEngine creates a rule engine bound to a database
func NewRuleEngine(db repository.DBExecutor, defaultValidityDays int, logger *zap.Logger) *RuleEngine {
	return &RuleEngine{
		rules:     &boundRuleSource{db: db, repo: repository.NewRuleRepository()},
		evaluator: NewEligibilityEvaluator(db, logger),
		generator: NewOfferGenerator(db, defaultValidityDays, logger),
		logger:    logger,
		now:       time.Now,
	}
}

// boundRuleSource binds the stateless rule repository to one executor
type boundRuleSource struct {
	db   repository.DBExecutor
	repo *repository.RuleRepository
}

func (b *boundRuleSource) ActiveRules(ctx context.Context, asOf time.Time) ([]model.Rule, error) {
	return b.repo.ActiveRules(ctx, b.db, asOf)
}

func (b *boundRuleSource) RecordEvaluation(ctx context.Context, run *model.EvaluationRun) error {
	return b.repo.RecordEvaluation(ctx, b.db, run)
}

// EvaluateAll runs one evaluation pass over every active rule. Because the
// offer store deduplicates pending offers, running the pass twice in a row
// generates nothing new the second time.
func (e *RuleEngine) EvaluateAll(ctx context.Context) (*EvaluationSummary, error) {
	asOf := e.now()
	summary := &EvaluationSummary{
		RunID:     uuid.NewString(),
		StartedAt: asOf,
	}

	rules, err := e.rules.ActiveRules(ctx, asOf)
	if err != nil {
		return nil, err
	}

	e.logger.Info("starting rule evaluation pass",
		zap.String("run_id", summary.RunID),
		zap.Int("rules", len(rules)))

	for _, rule := range rules {
		result := e.evaluateRule(ctx, rule, asOf)
		summary.Rules = append(summary.Rules, result)
		summary.RulesEvaluated++
		summary.ClientsEvaluated += result.ClientsEvaluated
		summary.OffersGenerated += result.OffersGenerated

		run := &model.EvaluationRun{
			RunID:            summary.RunID,
			RuleID:           rule.ID,
			ClientsEvaluated: result.ClientsEvaluated,
			OffersGenerated:  result.OffersGenerated,
			DurationMS:       result.DurationMS,
			Note:             result.Error,
			EvaluatedAt:      asOf,
		}
		if err := e.rules.RecordEvaluation(ctx, run); err != nil {
			e.logger.Error("failed to record evaluation audit row",
				zap.String("run_id", summary.RunID),
				zap.Int64("rule_id", rule.ID),
				zap.Error(err))
		}
	}

	e.logger.Info("rule evaluation pass finished",
		zap.String("run_id", summary.RunID),
		zap.Int("rules_evaluated", summary.RulesEvaluated),
		zap.Int("clients_evaluated", summary.ClientsEvaluated),
		zap.Int("offers_generated", summary.OffersGenerated))

	return summary, nil
}

// evaluateRule evaluates one rule. Errors are captured in the result rather
// than propagated, so one broken rule cannot sink the pass.
func (e *RuleEngine) evaluateRule(ctx context.Context, rule model.Rule, asOf time.Time) RuleResult {
	start := e.now()
	result := RuleResult{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		RuleType: rule.Type,
	}

	clients, err := e.evaluator.FindEligible(ctx, rule, asOf)
	if err != nil {
		result.Error = err.Error()
		result.DurationMS = e.now().Sub(start).Milliseconds()
		metrics.RecordRuleEvaluation(string(rule.Type), "failure", e.now().Sub(start).Seconds())
		e.logger.Error("rule evaluation failed",
			zap.Int64("rule_id", rule.ID),
			zap.String("rule_type", string(rule.Type)),
			zap.Error(err))
		return result
	}

	result.ClientsEvaluated = len(clients)
	for _, clientID := range clients {
		_, created, err := e.generator.Generate(ctx, clientID, rule, asOf)
		if err != nil {
			result.Error = err.Error()
			e.logger.Error("failed to generate offer",
				zap.Int64("rule_id", rule.ID),
				zap.Int64("client_id", clientID),
				zap.Error(err))
			continue
		}
		if created {
			result.OffersGenerated++
		}
	}

	result.DurationMS = e.now().Sub(start).Milliseconds()
	status := "success"
	if result.Error != "" {
		status = "failure"
	}
	metrics.RecordRuleEvaluation(string(rule.Type), status, e.now().Sub(start).Seconds())

	e.logger.Info("rule evaluated",
		zap.Int64("rule_id", rule.ID),
		zap.String("rule_type", string(rule.Type)),
		zap.Int("clients_eligible", result.ClientsEvaluated),
		zap.Int("offers_generated", result.OffersGenerated),
		zap.Int64("duration_ms", result.DurationMS))

	return result
}

// EvaluateForClient checks one client against every active rule and generates
// offers for the rules the client satisfies. Used for targeted re-checks, for
// example after a large purchase.
func (e *RuleEngine) EvaluateForClient(ctx context.Context, clientID int64) ([]model.Offer, error) {
	asOf := e.now()

	rules, err := e.rules.ActiveRules(ctx, asOf)
	if err != nil {
		return nil, err
	}

	var offers []model.Offer
	for _, rule := range rules {
		eligible, err := e.evaluator.IsEligible(ctx, clientID, rule, asOf)
		if err != nil {
			e.logger.Error("client eligibility check failed",
				zap.Int64("rule_id", rule.ID),
				zap.Int64("client_id", clientID),
				zap.Error(err))
			continue
		}
		if !eligible {
			continue
		}

		offer, created, err := e.generator.Generate(ctx, clientID, rule, asOf)
		if err != nil {
			e.logger.Error("failed to generate offer",
				zap.Int64("rule_id", rule.ID),
				zap.Int64("client_id", clientID),
				zap.Error(err))
			continue
		}
		if created {
			offers = append(offers, *offer)
		}
	}

	e.logger.Info("client evaluated",
		zap.Int64("client_id", clientID),
		zap.Int("rules_checked", len(rules)),
		zap.Int("offers_generated", len(offers)))

	return offers, nil
}
