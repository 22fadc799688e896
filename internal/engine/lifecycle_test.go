package engine

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kkkkikiki/loyalty/internal/model"
	"github.com/kkkkikiki/loyalty/internal/points"
	"github.com/kkkkikiki/loyalty/internal/repository"
)

type fakeOfferStore struct {
	offers      map[string]*model.RedeemableOffer // by code
	markUsedErr error                             // injected MarkUsed failure
}

func newFakeOfferStore() *fakeOfferStore {
	return &fakeOfferStore{offers: make(map[string]*model.RedeemableOffer)}
}

func (f *fakeOfferStore) GetByCode(ctx context.Context, code string) (*model.RedeemableOffer, error) {
	offer, ok := f.offers[code]
	if !ok {
		return nil, sql.ErrNoRows
	}
	offerCopy := *offer
	return &offerCopy, nil
}

func (f *fakeOfferStore) MarkSent(ctx context.Context, ids []int64, channel string, at time.Time) (int64, error) {
	var sent int64
	for _, offer := range f.offers {
		if offer.Status != model.OfferGenerated {
			continue
		}
		if len(ids) > 0 && !containsID(ids, offer.ID) {
			continue
		}
		offer.Status = model.OfferSent
		offer.Channel = sql.NullString{String: channel, Valid: true}
		sent++
	}
	return sent, nil
}

func (f *fakeOfferStore) MarkUsed(ctx context.Context, offerID int64, transactionID *int64, at time.Time) error {
	if f.markUsedErr != nil {
		return f.markUsedErr
	}
	for _, offer := range f.offers {
		if offer.ID != offerID {
			continue
		}
		if offer.Status != model.OfferGenerated && offer.Status != model.OfferSent {
			return repository.ErrOfferNotPending
		}
		offer.Status = model.OfferUsed
		return nil
	}
	return repository.ErrOfferNotPending
}

func (f *fakeOfferStore) ExpirePending(ctx context.Context, asOf time.Time) (int64, error) {
	var expired int64
	for _, offer := range f.offers {
		if (offer.Status == model.OfferGenerated || offer.Status == model.OfferSent) &&
			offer.ExpiresAt.Before(asOf) {
			offer.Status = model.OfferExpired
			expired++
		}
	}
	return expired, nil
}

func (f *fakeOfferStore) ListByClient(ctx context.Context, clientID int64) ([]model.Offer, error) {
	var result []model.Offer
	for _, offer := range f.offers {
		if offer.ClientID == clientID {
			result = append(result, offer.Offer)
		}
	}
	return result, nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

type fakeAccruer struct {
	accruals []int64
	balance  int64
}

func (f *fakeAccruer) Accrue(ctx context.Context, clientID, pts int64, src points.Source) (*points.Movement, error) {
	f.accruals = append(f.accruals, pts)
	f.balance += pts
	return &points.Movement{
		ClientID:   clientID,
		Operation:  model.OpAccrual,
		Points:     pts,
		NewBalance: f.balance,
	}, nil
}

func newTestLifecycle(store *fakeOfferStore, accruer *fakeAccruer) *OfferLifecycleManager {
	return &OfferLifecycleManager{
		offers: store,
		ledger: accruer,
		logger: zap.NewNop(),
		now:    time.Now,
	}
}

func pendingOffer(id int64, code string, expiresIn time.Duration) *model.RedeemableOffer {
	return &model.RedeemableOffer{
		Offer: model.Offer{
			ID:        id,
			ClientID:  7,
			RuleID:    1,
			Status:    model.OfferGenerated,
			ExpiresAt: time.Now().Add(expiresIn),
			Code:      sql.NullString{String: code, Valid: true},
		},
	}
}

func TestUseOfferUnknownCode(t *testing.T) {
	lm := newTestLifecycle(newFakeOfferStore(), &fakeAccruer{})

	_, err := lm.UseOffer(context.Background(), "OF-404-dead", nil)
	if !errors.Is(err, ErrOfferNotFound) {
		t.Fatalf("UseOffer error = %v, want ErrOfferNotFound", err)
	}
}

func TestUseOfferTerminalStates(t *testing.T) {
	store := newFakeOfferStore()

	used := pendingOffer(1, "OF-1-used", time.Hour)
	used.Status = model.OfferUsed
	store.offers["OF-1-used"] = used

	swept := pendingOffer(2, "OF-2-exp", time.Hour)
	swept.Status = model.OfferExpired
	store.offers["OF-2-exp"] = swept

	overdue := pendingOffer(3, "OF-3-late", -time.Hour)
	store.offers["OF-3-late"] = overdue

	lm := newTestLifecycle(store, &fakeAccruer{})
	ctx := context.Background()

	if _, err := lm.UseOffer(ctx, "OF-1-used", nil); !errors.Is(err, ErrOfferAlreadyUsed) {
		t.Errorf("used offer: error = %v, want ErrOfferAlreadyUsed", err)
	}
	if _, err := lm.UseOffer(ctx, "OF-2-exp", nil); !errors.Is(err, ErrOfferExpired) {
		t.Errorf("swept offer: error = %v, want ErrOfferExpired", err)
	}
	// Past expiration but not yet swept: still unredeemable
	if _, err := lm.UseOffer(ctx, "OF-3-late", nil); !errors.Is(err, ErrOfferExpired) {
		t.Errorf("overdue offer: error = %v, want ErrOfferExpired", err)
	}
	if overdue.Status == model.OfferUsed {
		t.Error("overdue offer must not transition to used")
	}
}

func TestUseOfferGrantsPoints(t *testing.T) {
	store := newFakeOfferStore()
	offer := pendingOffer(1, "OF-1-abcd", time.Hour)
	offer.ActionType = sql.NullString{String: string(model.ActionGrantPoints), Valid: true}
	offer.ActionValue = sql.NullFloat64{Float64: 250, Valid: true}
	store.offers["OF-1-abcd"] = offer

	accruer := &fakeAccruer{}
	lm := newTestLifecycle(store, accruer)

	result, err := lm.UseOffer(context.Background(), "OF-1-abcd", nil)
	if err != nil {
		t.Fatalf("UseOffer: %v", err)
	}
	if result.PointsGranted != 250 {
		t.Errorf("PointsGranted = %d, want 250", result.PointsGranted)
	}
	if result.NewBalance != 250 {
		t.Errorf("NewBalance = %d, want 250", result.NewBalance)
	}
	if len(accruer.accruals) != 1 || accruer.accruals[0] != 250 {
		t.Errorf("accruals = %v, want [250]", accruer.accruals)
	}
	if offer.Status != model.OfferUsed {
		t.Errorf("offer status = %s, want used", offer.Status)
	}

	// Second redemption of the same code fails
	if _, err := lm.UseOffer(context.Background(), "OF-1-abcd", nil); !errors.Is(err, ErrOfferAlreadyUsed) {
		t.Errorf("second redemption error = %v, want ErrOfferAlreadyUsed", err)
	}
	if len(accruer.accruals) != 1 {
		t.Errorf("accruals after double redemption = %d, want 1", len(accruer.accruals))
	}
}

func TestUseOfferStorageFailurePropagates(t *testing.T) {
	store := newFakeOfferStore()
	offer := pendingOffer(1, "OF-1-abcd", time.Hour)
	store.offers["OF-1-abcd"] = offer
	storeErr := errors.New("driver: bad connection")
	store.markUsedErr = storeErr

	accruer := &fakeAccruer{}
	lm := newTestLifecycle(store, accruer)

	_, err := lm.UseOffer(context.Background(), "OF-1-abcd", nil)
	if errors.Is(err, ErrOfferAlreadyUsed) {
		t.Fatal("storage failure must not be reported as an already-used offer")
	}
	if !errors.Is(err, storeErr) {
		t.Fatalf("UseOffer error = %v, want the storage error", err)
	}
	if offer.Status != model.OfferGenerated {
		t.Errorf("offer status = %s, want generated (not consumed)", offer.Status)
	}
	if len(accruer.accruals) != 0 {
		t.Errorf("accruals = %v, want none", accruer.accruals)
	}
}

func TestUseOfferDiscountGrantsNoPoints(t *testing.T) {
	store := newFakeOfferStore()
	offer := pendingOffer(1, "OF-1-disc", time.Hour)
	offer.ActionType = sql.NullString{String: string(model.ActionDiscountPercent), Valid: true}
	offer.ActionValue = sql.NullFloat64{Float64: 15, Valid: true}
	store.offers["OF-1-disc"] = offer

	accruer := &fakeAccruer{}
	lm := newTestLifecycle(store, accruer)

	result, err := lm.UseOffer(context.Background(), "OF-1-disc", nil)
	if err != nil {
		t.Fatalf("UseOffer: %v", err)
	}
	if result.ActionType != string(model.ActionDiscountPercent) || result.ActionValue != 15 {
		t.Errorf("action = %s/%v, want discount_percent/15", result.ActionType, result.ActionValue)
	}
	if len(accruer.accruals) != 0 {
		t.Errorf("discount offer must not accrue points, got %v", accruer.accruals)
	}
}

func TestSendOffers(t *testing.T) {
	store := newFakeOfferStore()
	store.offers["OF-1-a"] = pendingOffer(1, "OF-1-a", time.Hour)
	store.offers["OF-2-b"] = pendingOffer(2, "OF-2-b", time.Hour)
	sent := pendingOffer(3, "OF-3-c", time.Hour)
	sent.Status = model.OfferSent
	store.offers["OF-3-c"] = sent

	lm := newTestLifecycle(store, &fakeAccruer{})

	count, err := lm.SendOffers(context.Background(), nil, "email")
	if err != nil {
		t.Fatalf("SendOffers: %v", err)
	}
	if count != 2 {
		t.Errorf("sent = %d, want 2 (already-sent offer untouched)", count)
	}
}

func TestCheckExpiredOffers(t *testing.T) {
	store := newFakeOfferStore()
	store.offers["OF-1-a"] = pendingOffer(1, "OF-1-a", -time.Hour)
	store.offers["OF-2-b"] = pendingOffer(2, "OF-2-b", time.Hour)

	lm := newTestLifecycle(store, &fakeAccruer{})
	ctx := context.Background()

	expired, err := lm.CheckExpiredOffers(ctx)
	if err != nil {
		t.Fatalf("CheckExpiredOffers: %v", err)
	}
	if expired != 1 {
		t.Errorf("expired = %d, want 1", expired)
	}

	// The sweep is idempotent
	expired, err = lm.CheckExpiredOffers(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if expired != 0 {
		t.Errorf("second sweep expired = %d, want 0", expired)
	}
}
