package points

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kkkkikiki/loyalty/internal/metrics"
	"github.com/kkkkikiki/loyalty/internal/model"
)

var (
	// ErrInsufficientPoints is returned when a redemption would drive the
	// balance negative. No mutation happens in that case.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrAccountNotFound is returned when redeeming against a client that
	// has no points account yet.
	ErrAccountNotFound = errors.New("points account not found")

	// ErrRewardUnavailable is returned for an unknown or inactive reward.
	ErrRewardUnavailable = errors.New("reward not available")

	// ErrNonPositivePoints is returned for zero or negative amounts on
	// Accrue and Redeem.
	ErrNonPositivePoints = errors.New("points must be positive")
)

// MovementStore is the transactional view of the points tables. AccountForUpdate
// returns (nil, nil) when the client has no account yet.
type MovementStore interface {
	AccountForUpdate(ctx context.Context, clientID int64) (*model.PointsAccount, error)
	CreateAccount(ctx context.Context, account *model.PointsAccount) error
	UpdateAccount(ctx context.Context, account *model.PointsAccount) error
	AppendEntry(ctx context.Context, entry *model.PointsLedgerEntry) error
	RecordLevelChange(ctx context.Context, clientID int64, oldLevel, newLevel string, balance int64, at time.Time) error
	Levels(ctx context.Context) ([]model.LoyaltyLevel, error)
	Reward(ctx context.Context, rewardID int64) (*model.Reward, error)
	RecordRewardRedemption(ctx context.Context, redemption *model.RewardRedemption) error
}

// Store runs a function within a single database transaction. The balance
// update and the ledger append either both commit or neither does.
type Store interface {
	InTx(ctx context.Context, fn func(MovementStore) error) error
}

// Source links a points movement to its origin.
type Source struct {
	TransactionID *int64
	OfferID       *int64
	Comment       string
}

// Movement is the result of a successful ledger operation.
type Movement struct {
	ClientID     int64                 `json:"client_id"`
	Operation    model.LedgerOperation `json:"operation"`
	Points       int64                 `json:"points"`
	NewBalance   int64                 `json:"new_balance"`
	Level        string                `json:"level"`
	LevelChanged bool                  `json:"level_changed"`
}

// RewardResult is the outcome of a reward redemption.
type RewardResult struct {
	ClientID    int64  `json:"client_id"`
	RewardID    int64  `json:"reward_id"`
	RewardName  string `json:"reward_name"`
	PointsSpent int64  `json:"points_spent"`
	NewBalance  int64  `json:"new_balance"`
	Level       string `json:"level"`
}

// Ledger manages the append-only points log and the derived per-client
// account. All collaborators are injected at construction.
type Ledger struct {
	store        Store
	logger       *zap.Logger
	defaultLevel string
	now          func() time.Time
}

// NewLedger creates a new points ledger
func NewLedger(store Store, logger *zap.Logger, defaultLevel string) *Ledger {
	return &Ledger{
		store:        store,
		logger:       logger,
		defaultLevel: defaultLevel,
		now:          time.Now,
	}
}

// LevelFor returns the name of the highest level whose minimum is at or
// below the balance, or fallback when no level matches.
func LevelFor(levels []model.LoyaltyLevel, balance int64, fallback string) string {
	name := fallback
	best := int64(-1)
	for _, level := range levels {
		if level.MinPoints <= balance && level.MinPoints > best {
			best = level.MinPoints
			name = level.Name
		}
	}
	return name
}

// Accrue adds points to a client's account, creating the account on first use
func (l *Ledger) Accrue(ctx context.Context, clientID, pts int64, src Source) (*Movement, error) {
	if pts <= 0 {
		return nil, ErrNonPositivePoints
	}
	return l.move(ctx, clientID, model.OpAccrual, pts, src, true)
}

// Redeem removes points from a client's account. Fails without mutation when
// the balance would go negative or no account exists.
func (l *Ledger) Redeem(ctx context.Context, clientID, pts int64, src Source) (*Movement, error) {
	if pts <= 0 {
		return nil, ErrNonPositivePoints
	}
	return l.move(ctx, clientID, model.OpRedemption, -pts, src, false)
}

// Adjust applies a signed manual correction
func (l *Ledger) Adjust(ctx context.Context, clientID, delta int64, reason string) (*Movement, error) {
	if delta == 0 {
		return nil, ErrNonPositivePoints
	}
	return l.move(ctx, clientID, model.OpAdjustment, delta, Source{Comment: reason}, true)
}

func (l *Ledger) move(ctx context.Context, clientID int64, op model.LedgerOperation, delta int64, src Source, lazyCreate bool) (*Movement, error) {
	var mv *Movement
	err := l.store.InTx(ctx, func(s MovementStore) error {
		var err error
		mv, err = l.moveLocked(ctx, s, clientID, op, delta, src, lazyCreate)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.PointsMovements.WithLabelValues(string(op)).Inc()
	if mv.LevelChanged {
		l.logger.Info("loyalty level changed",
			zap.Int64("client_id", clientID),
			zap.String("level", mv.Level),
			zap.Int64("balance", mv.NewBalance))
	}

	return mv, nil
}

// moveLocked performs one movement against an already-open transaction:
// lock or create the account, verify the resulting balance, append exactly
// one ledger entry, and record a level change event when the level moves.
func (l *Ledger) moveLocked(ctx context.Context, s MovementStore, clientID int64, op model.LedgerOperation, delta int64, src Source, lazyCreate bool) (*Movement, error) {
	now := l.now()

	account, err := s.AccountForUpdate(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load points account: %w", err)
	}

	created := false
	if account == nil {
		if !lazyCreate {
			return nil, ErrAccountNotFound
		}
		account = &model.PointsAccount{
			ClientID:  clientID,
			Balance:   0,
			Level:     l.defaultLevel,
			CreatedAt: now,
		}
		created = true
	}

	newBalance := account.Balance + delta
	if newBalance < 0 {
		return nil, ErrInsufficientPoints
	}

	levels, err := s.Levels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load loyalty levels: %w", err)
	}
	oldLevel := account.Level
	newLevel := LevelFor(levels, newBalance, l.defaultLevel)

	account.Balance = newBalance
	account.Level = newLevel
	account.LastActivityAt = now

	if created {
		if err := s.CreateAccount(ctx, account); err != nil {
			return nil, fmt.Errorf("failed to create points account: %w", err)
		}
	} else {
		if err := s.UpdateAccount(ctx, account); err != nil {
			return nil, fmt.Errorf("failed to update points account: %w", err)
		}
	}

	entry := &model.PointsLedgerEntry{
		ClientID:     clientID,
		Operation:    op,
		Points:       delta,
		BalanceAfter: newBalance,
		Commentary:   src.Comment,
		CreatedAt:    now,
	}
	if src.TransactionID != nil {
		entry.TransactionID.Int64 = *src.TransactionID
		entry.TransactionID.Valid = true
	}
	if src.OfferID != nil {
		entry.OfferID.Int64 = *src.OfferID
		entry.OfferID.Valid = true
	}
	if err := s.AppendEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	levelChanged := oldLevel != newLevel
	if levelChanged {
		if err := s.RecordLevelChange(ctx, clientID, oldLevel, newLevel, newBalance, now); err != nil {
			return nil, fmt.Errorf("failed to record level change: %w", err)
		}
	}

	return &Movement{
		ClientID:     clientID,
		Operation:    op,
		Points:       delta,
		NewBalance:   newBalance,
		Level:        newLevel,
		LevelChanged: levelChanged,
	}, nil
}

// RedeemReward exchanges a client's points for a catalog reward. The points
// debit and the redemption record share one transaction.
func (l *Ledger) RedeemReward(ctx context.Context, clientID, rewardID int64, transactionID *int64) (*RewardResult, error) {
	var result *RewardResult
	err := l.store.InTx(ctx, func(s MovementStore) error {
		reward, err := s.Reward(ctx, rewardID)
		if err != nil {
			return fmt.Errorf("failed to load reward: %w", err)
		}
		if reward == nil || reward.Status != "active" {
			return ErrRewardUnavailable
		}

		src := Source{
			TransactionID: transactionID,
			Comment:       fmt.Sprintf("Redeemed reward: %s", reward.Name),
		}
		mv, err := l.moveLocked(ctx, s, clientID, model.OpRedemption, -reward.PointsRequired, src, false)
		if err != nil {
			return err
		}

		redemption := &model.RewardRedemption{
			ClientID:    clientID,
			RewardID:    rewardID,
			PointsSpent: reward.PointsRequired,
			Status:      "validated",
			RedeemedAt:  l.now(),
		}
		if transactionID != nil {
			redemption.TransactionID.Int64 = *transactionID
			redemption.TransactionID.Valid = true
		}
		if err := s.RecordRewardRedemption(ctx, redemption); err != nil {
			return fmt.Errorf("failed to record reward redemption: %w", err)
		}

		result = &RewardResult{
			ClientID:    clientID,
			RewardID:    rewardID,
			RewardName:  reward.Name,
			PointsSpent: reward.PointsRequired,
			NewBalance:  mv.NewBalance,
			Level:       mv.Level,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.PointsMovements.WithLabelValues(string(model.OpRedemption)).Inc()

	return result, nil
}
