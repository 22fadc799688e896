package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kkkkikiki/loyalty/internal/metrics"
	"github.com/kkkkikiki/loyalty/internal/model"
	"github.com/kkkkikiki/loyalty/internal/repository"
)

// OfferGenerator turns an eligible (client, rule) pair into a persisted
// offer with an expiration date, commentary and redemption code.
type OfferGenerator struct {
	db                  repository.DBExecutor
	offers              *repository.OfferRepository
	catalog             *repository.CatalogRepository
	defaultValidityDays int
	logger              *zap.Logger
}

// NewOfferGenerator creates a new offer generator
func NewOfferGenerator(db repository.DBExecutor, defaultValidityDays int, logger *zap.Logger) *OfferGenerator {
	return &OfferGenerator{
		db:                  db,
		offers:              repository.NewOfferRepository(),
		catalog:             repository.NewCatalogRepository(),
		defaultValidityDays: defaultValidityDays,
		logger:              logger,
	}
}

// Generate persists a pending offer for the client. Returns created=false
// when the client already holds a pending offer for the rule (the store-level
// dedup). The redemption code is assigned only after the row exists, derived
// from the row id.
func (g *OfferGenerator) Generate(ctx context.Context, clientID int64, rule model.Rule, asOf time.Time) (*model.Offer, bool, error) {
	validityDays := g.defaultValidityDays
	if rule.ValidityDays.Valid {
		validityDays = int(rule.ValidityDays.Int64)
	}

	offer := &model.Offer{
		ClientID:    clientID,
		RuleID:      rule.ID,
		RewardID:    rule.RewardID,
		GeneratedAt: asOf,
		ExpiresAt:   asOf.AddDate(0, 0, validityDays),
		Commentary:  g.commentary(ctx, rule),
	}

	if err := g.offers.InsertPending(ctx, g.db, offer); err != nil {
		if errors.Is(err, repository.ErrDuplicatePendingOffer) {
			return nil, false, nil
		}
		return nil, false, err
	}

	code, err := g.offers.AssignCode(ctx, g.db, offer.ID)
	if err != nil {
		return nil, false, err
	}
	offer.Code.String = code
	offer.Code.Valid = true

	metrics.OffersGenerated.WithLabelValues(string(rule.Type)).Inc()

	return offer, true, nil
}

// commentary describes why the offer was issued, parameterized per rule type
func (g *OfferGenerator) commentary(ctx context.Context, rule model.Rule) string {
	switch rule.Type {
	case model.RuleTypePurchaseCount:
		return fmt.Sprintf("Offer generated after %d purchases", int(rule.ConditionValue))
	case model.RuleTypeCumulativeAmount:
		return fmt.Sprintf("Offer generated after %.2f in cumulative purchases", rule.ConditionValue)
	case model.RuleTypeSpecificProduct:
		return fmt.Sprintf("Offer generated after purchase of %s", g.productLabel(ctx, int64(rule.ConditionValue)))
	case model.RuleTypeSpecificCategory:
		return fmt.Sprintf("Offer generated after purchase in %s", g.categoryLabel(ctx, int64(rule.ConditionValue)))
	case model.RuleTypeFirstVisit:
		return "Welcome offer"
	case model.RuleTypeBirthday:
		return "Birthday offer"
	case model.RuleTypeInactivity:
		return fmt.Sprintf("Reactivation offer after %d days of inactivity", int(rule.ConditionValue))
	default:
		return fmt.Sprintf("Offer generated by rule %q", rule.Name)
	}
}

func (g *OfferGenerator) productLabel(ctx context.Context, productID int64) string {
	name, err := g.catalog.ProductName(ctx, g.db, productID)
	if err != nil {
		g.logger.Warn("failed to resolve product name", zap.Int64("product_id", productID), zap.Error(err))
	}
	if name == "" {
		return fmt.Sprintf("product #%d", productID)
	}
	return name
}

func (g *OfferGenerator) categoryLabel(ctx context.Context, categoryID int64) string {
	name, err := g.catalog.CategoryName(ctx, g.db, categoryID)
	if err != nil {
		g.logger.Warn("failed to resolve category name", zap.Int64("category_id", categoryID), zap.Error(err))
	}
	if name == "" {
		return fmt.Sprintf("category #%d", categoryID)
	}
	return fmt.Sprintf("category %s", name)
}
