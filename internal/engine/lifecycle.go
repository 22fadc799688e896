package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kkkkikiki/loyalty/internal/metrics"
	"github.com/kkkkikiki/loyalty/internal/model"
	"github.com/kkkkikiki/loyalty/internal/points"
	"github.com/kkkkikiki/loyalty/internal/repository"
)

var (
	// ErrOfferNotFound is returned when no offer matches the redemption code.
	ErrOfferNotFound = errors.New("offer not found")

	// ErrOfferExpired is returned when the offer is past its expiration date
	// or already swept to expired.
	ErrOfferExpired = errors.New("offer expired")

	// ErrOfferAlreadyUsed is returned for a second redemption of the same offer.
	ErrOfferAlreadyUsed = errors.New("offer already used")
)

// OfferStore is the persistence surface the lifecycle manager drives.
type OfferStore interface {
	GetByCode(ctx context.Context, code string) (*model.RedeemableOffer, error)
	MarkSent(ctx context.Context, ids []int64, channel string, at time.Time) (int64, error)
	MarkUsed(ctx context.Context, offerID int64, transactionID *int64, at time.Time) error
	ExpirePending(ctx context.Context, asOf time.Time) (int64, error)
	ListByClient(ctx context.Context, clientID int64) ([]model.Offer, error)
}

// PointsAccruer credits points granted by a redeemed offer.
type PointsAccruer interface {
	Accrue(ctx context.Context, clientID, pts int64, src points.Source) (*points.Movement, error)
}

// UseResult is the outcome of a successful offer redemption
type UseResult struct {
	OfferID       int64   `json:"offer_id"`
	ClientID      int64   `json:"client_id"`
	Code          string  `json:"code"`
	ActionType    string  `json:"action_type,omitempty"`
	ActionValue   float64 `json:"action_value,omitempty"`
	PointsGranted int64   `json:"points_granted,omitempty"`
	NewBalance    int64   `json:"new_balance,omitempty"`
}

// OfferLifecycleManager drives offers through generated, sent and the
// terminal used and expired states.
type OfferLifecycleManager struct {
	offers OfferStore
	ledger PointsAccruer
	logger *zap.Logger
	now    func() time.Time
}

// NewOfferLifecycleManager creates a lifecycle manager bound to a database
func NewOfferLifecycleManager(db repository.DBExecutor, ledger PointsAccruer, logger *zap.Logger) *OfferLifecycleManager {
	return &OfferLifecycleManager{
		offers: &boundOfferStore{db: db, repo: repository.NewOfferRepository()},
		ledger: ledger,
		logger: logger,
		now:    time.Now,
	}
}

// boundOfferStore binds the stateless offer repository to one executor
type boundOfferStore struct {
	db   repository.DBExecutor
	repo *repository.OfferRepository
}

func (b *boundOfferStore) GetByCode(ctx context.Context, code string) (*model.RedeemableOffer, error) {
	return b.repo.GetByCode(ctx, b.db, code)
}

func (b *boundOfferStore) MarkSent(ctx context.Context, ids []int64, channel string, at time.Time) (int64, error) {
	return b.repo.MarkSent(ctx, b.db, ids, channel, at)
}

func (b *boundOfferStore) MarkUsed(ctx context.Context, offerID int64, transactionID *int64, at time.Time) error {
	return b.repo.MarkUsed(ctx, b.db, offerID, transactionID, at)
}

func (b *boundOfferStore) ExpirePending(ctx context.Context, asOf time.Time) (int64, error) {
	return b.repo.ExpirePending(ctx, b.db, asOf)
}

func (b *boundOfferStore) ListByClient(ctx context.Context, clientID int64) ([]model.Offer, error) {
	return b.repo.ListByClient(ctx, b.db, clientID)
}

// SendOffers marks the given generated offers as sent over the channel. With
// no ids it sends everything currently generated. Sent offers stay redeemable.
func (m *OfferLifecycleManager) SendOffers(ctx context.Context, ids []int64, channel string) (int64, error) {
	sent, err := m.offers.MarkSent(ctx, ids, channel, m.now())
	if err != nil {
		return 0, err
	}

	m.logger.Info("offers marked as sent",
		zap.Int64("count", sent),
		zap.String("channel", channel))

	return sent, nil
}

// UseOffer redeems an offer by code. Used and expired are terminal: a used
// offer reports already-used, an expired one reports expired, and neither can
// be redeemed. When the offer's rule grants points, the client's ledger is
// credited after the status flip.
func (m *OfferLifecycleManager) UseOffer(ctx context.Context, code string, transactionID *int64) (*UseResult, error) {
	now := m.now()

	offer, err := m.offers.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			metrics.OffersRedeemed.WithLabelValues("failure").Inc()
			return nil, ErrOfferNotFound
		}
		return nil, err
	}

	switch {
	case offer.Status == model.OfferUsed:
		metrics.OffersRedeemed.WithLabelValues("failure").Inc()
		return nil, ErrOfferAlreadyUsed
	case offer.Status == model.OfferExpired || offer.ExpiresAt.Before(now):
		metrics.OffersRedeemed.WithLabelValues("failure").Inc()
		return nil, ErrOfferExpired
	}

	// The status guard in the update keeps a concurrent redemption of the
	// same code from succeeding twice. Only a lost race maps to already-used;
	// storage failures propagate as-is.
	if err := m.offers.MarkUsed(ctx, offer.ID, transactionID, now); err != nil {
		metrics.OffersRedeemed.WithLabelValues("failure").Inc()
		if errors.Is(err, repository.ErrOfferNotPending) {
			return nil, ErrOfferAlreadyUsed
		}
		return nil, err
	}

	result := &UseResult{
		OfferID:  offer.ID,
		ClientID: offer.ClientID,
		Code:     code,
	}
	if offer.ActionType.Valid {
		result.ActionType = offer.ActionType.String
		result.ActionValue = offer.ActionValue.Float64
	}

	if offer.ActionType.Valid && offer.ActionType.String == string(model.ActionGrantPoints) {
		pts := int64(offer.ActionValue.Float64)
		if pts > 0 {
			mv, err := m.ledger.Accrue(ctx, offer.ClientID, pts, points.Source{
				TransactionID: transactionID,
				OfferID:       &offer.ID,
				Comment:       fmt.Sprintf("Offer %s redeemed", code),
			})
			if err != nil {
				// The offer is already consumed; surface the accrual
				// failure instead of silently dropping the points.
				metrics.OffersRedeemed.WithLabelValues("failure").Inc()
				return nil, fmt.Errorf("offer used but points accrual failed: %w", err)
			}
			result.PointsGranted = pts
			result.NewBalance = mv.NewBalance
		}
	}

	metrics.OffersRedeemed.WithLabelValues("success").Inc()
	m.logger.Info("offer redeemed",
		zap.Int64("offer_id", offer.ID),
		zap.Int64("client_id", offer.ClientID),
		zap.String("code", code),
		zap.Int64("points_granted", result.PointsGranted))

	return result, nil
}

// CheckExpiredOffers sweeps every pending offer past its expiration date to
// expired. Safe to run repeatedly.
func (m *OfferLifecycleManager) CheckExpiredOffers(ctx context.Context) (int64, error) {
	expired, err := m.offers.ExpirePending(ctx, m.now())
	if err != nil {
		return 0, err
	}

	if expired > 0 {
		m.logger.Info("expired pending offers", zap.Int64("count", expired))
	}

	return expired, nil
}

// ClientOffers lists a client's offers, newest first
func (m *OfferLifecycleManager) ClientOffers(ctx context.Context, clientID int64) ([]model.Offer, error) {
	return m.offers.ListByClient(ctx, clientID)
}
