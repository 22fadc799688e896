package points

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kkkkikiki/loyalty/internal/model"
)

// fakeStore implements Store and MovementStore in memory. InTx snapshots the
// state and restores it when fn fails, mirroring a rollback.
type fakeStore struct {
	account  *model.PointsAccount
	entries  []model.PointsLedgerEntry
	events   []string
	levels   []model.LoyaltyLevel
	rewards  map[int64]*model.Reward
	redeemed []model.RewardRedemption
	nextID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		levels: []model.LoyaltyLevel{
			{Name: "standard", MinPoints: 0},
			{Name: "silver", MinPoints: 1000},
			{Name: "gold", MinPoints: 5000},
		},
		rewards: make(map[int64]*model.Reward),
		nextID:  1,
	}
}

func (f *fakeStore) InTx(ctx context.Context, fn func(MovementStore) error) error {
	snapshot := *f
	if f.account != nil {
		accountCopy := *f.account
		snapshot.account = &accountCopy
	}
	snapshot.entries = append([]model.PointsLedgerEntry(nil), f.entries...)
	snapshot.events = append([]string(nil), f.events...)
	snapshot.redeemed = append([]model.RewardRedemption(nil), f.redeemed...)

	if err := fn(f); err != nil {
		*f = snapshot
		return err
	}
	return nil
}

func (f *fakeStore) AccountForUpdate(ctx context.Context, clientID int64) (*model.PointsAccount, error) {
	if f.account == nil || f.account.ClientID != clientID {
		return nil, nil
	}
	accountCopy := *f.account
	return &accountCopy, nil
}

func (f *fakeStore) CreateAccount(ctx context.Context, account *model.PointsAccount) error {
	account.ID = f.nextID
	f.nextID++
	accountCopy := *account
	f.account = &accountCopy
	return nil
}

func (f *fakeStore) UpdateAccount(ctx context.Context, account *model.PointsAccount) error {
	if f.account == nil || f.account.ClientID != account.ClientID {
		return errors.New("points account not found for update")
	}
	accountCopy := *account
	f.account = &accountCopy
	return nil
}

func (f *fakeStore) AppendEntry(ctx context.Context, entry *model.PointsLedgerEntry) error {
	entry.ID = f.nextID
	f.nextID++
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeStore) RecordLevelChange(ctx context.Context, clientID int64, oldLevel, newLevel string, balance int64, at time.Time) error {
	f.events = append(f.events, oldLevel+"->"+newLevel)
	return nil
}

func (f *fakeStore) Levels(ctx context.Context) ([]model.LoyaltyLevel, error) {
	return f.levels, nil
}

func (f *fakeStore) Reward(ctx context.Context, rewardID int64) (*model.Reward, error) {
	reward, ok := f.rewards[rewardID]
	if !ok {
		return nil, nil
	}
	rewardCopy := *reward
	return &rewardCopy, nil
}

func (f *fakeStore) RecordRewardRedemption(ctx context.Context, redemption *model.RewardRedemption) error {
	redemption.ID = f.nextID
	f.nextID++
	f.redeemed = append(f.redeemed, *redemption)
	return nil
}

func newTestLedger(store *fakeStore) *Ledger {
	return NewLedger(store, zap.NewNop(), "standard")
}

func TestLevelFor(t *testing.T) {
	levels := []model.LoyaltyLevel{
		{Name: "standard", MinPoints: 0},
		{Name: "silver", MinPoints: 1000},
		{Name: "gold", MinPoints: 5000},
	}

	cases := []struct {
		balance int64
		want    string
	}{
		{0, "standard"},
		{999, "standard"},
		{1000, "silver"},
		{4999, "silver"},
		{5000, "gold"},
		{100000, "gold"},
	}
	for _, tc := range cases {
		if got := LevelFor(levels, tc.balance, "fallback"); got != tc.want {
			t.Errorf("LevelFor(%d) = %q, want %q", tc.balance, got, tc.want)
		}
	}

	if got := LevelFor(nil, 500, "fallback"); got != "fallback" {
		t.Errorf("LevelFor with no levels = %q, want fallback", got)
	}
}

func TestAccrueCreatesAccount(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(store)

	mv, err := ledger.Accrue(context.Background(), 7, 150, Source{Comment: "first purchase"})
	if err != nil {
		t.Fatalf("Accrue: %v", err)
	}
	if mv.NewBalance != 150 {
		t.Errorf("NewBalance = %d, want 150", mv.NewBalance)
	}
	if mv.Level != "standard" {
		t.Errorf("Level = %q, want standard", mv.Level)
	}
	if store.account == nil || store.account.ClientID != 7 {
		t.Fatal("account was not created")
	}
	if len(store.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(store.entries))
	}
	if store.entries[0].Points != 150 || store.entries[0].Operation != model.OpAccrual {
		t.Errorf("unexpected entry: %+v", store.entries[0])
	}
}

func TestAccrueLevelChange(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(store)
	ctx := context.Background()

	if _, err := ledger.Accrue(ctx, 7, 900, Source{}); err != nil {
		t.Fatalf("Accrue: %v", err)
	}
	mv, err := ledger.Accrue(ctx, 7, 200, Source{})
	if err != nil {
		t.Fatalf("Accrue: %v", err)
	}
	if !mv.LevelChanged || mv.Level != "silver" {
		t.Errorf("expected level change to silver, got %+v", mv)
	}
	if len(store.events) != 1 || store.events[0] != "standard->silver" {
		t.Errorf("events = %v, want one standard->silver", store.events)
	}
}

func TestRedeemInsufficientPointsLeavesNoTrace(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(store)
	ctx := context.Background()

	if _, err := ledger.Accrue(ctx, 7, 100, Source{}); err != nil {
		t.Fatalf("Accrue: %v", err)
	}

	_, err := ledger.Redeem(ctx, 7, 500, Source{})
	if !errors.Is(err, ErrInsufficientPoints) {
		t.Fatalf("Redeem error = %v, want ErrInsufficientPoints", err)
	}
	if store.account.Balance != 100 {
		t.Errorf("balance = %d, want 100 after failed redeem", store.account.Balance)
	}
	if len(store.entries) != 1 {
		t.Errorf("entries = %d, want 1 (no entry for the failed redeem)", len(store.entries))
	}
}

func TestRedeemWithoutAccount(t *testing.T) {
	ledger := newTestLedger(newFakeStore())

	_, err := ledger.Redeem(context.Background(), 42, 10, Source{})
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("Redeem error = %v, want ErrAccountNotFound", err)
	}
}

func TestNonPositivePoints(t *testing.T) {
	ledger := newTestLedger(newFakeStore())
	ctx := context.Background()

	if _, err := ledger.Accrue(ctx, 7, 0, Source{}); !errors.Is(err, ErrNonPositivePoints) {
		t.Errorf("Accrue(0) error = %v, want ErrNonPositivePoints", err)
	}
	if _, err := ledger.Redeem(ctx, 7, -5, Source{}); !errors.Is(err, ErrNonPositivePoints) {
		t.Errorf("Redeem(-5) error = %v, want ErrNonPositivePoints", err)
	}
	if _, err := ledger.Adjust(ctx, 7, 0, "noop"); !errors.Is(err, ErrNonPositivePoints) {
		t.Errorf("Adjust(0) error = %v, want ErrNonPositivePoints", err)
	}
}

func TestBalanceEqualsSumOfEntries(t *testing.T) {
	store := newFakeStore()
	ledger := newTestLedger(store)
	ctx := context.Background()

	moves := []struct {
		op     string
		points int64
	}{
		{"accrue", 500},
		{"accrue", 700},
		{"redeem", 300},
		{"adjust", -100},
		{"accrue", 50},
	}
	for _, m := range moves {
		var err error
		switch m.op {
		case "accrue":
			_, err = ledger.Accrue(ctx, 7, m.points, Source{})
		case "redeem":
			_, err = ledger.Redeem(ctx, 7, m.points, Source{})
		case "adjust":
			_, err = ledger.Adjust(ctx, 7, m.points, "correction")
		}
		if err != nil {
			t.Fatalf("%s %d: %v", m.op, m.points, err)
		}
	}

	var sum int64
	for _, entry := range store.entries {
		sum += entry.Points
	}
	if store.account.Balance != sum {
		t.Errorf("balance %d != sum of entries %d", store.account.Balance, sum)
	}
	if store.account.Balance != 850 {
		t.Errorf("balance = %d, want 850", store.account.Balance)
	}
}

func TestRedeemRewardInactive(t *testing.T) {
	store := newFakeStore()
	store.rewards[1] = &model.Reward{ID: 1, Name: "Mug", PointsRequired: 100, Status: "inactive"}
	ledger := newTestLedger(store)

	_, err := ledger.RedeemReward(context.Background(), 7, 1, nil)
	if !errors.Is(err, ErrRewardUnavailable) {
		t.Fatalf("RedeemReward error = %v, want ErrRewardUnavailable", err)
	}
}

func TestRedeemReward(t *testing.T) {
	store := newFakeStore()
	store.rewards[1] = &model.Reward{ID: 1, Name: "Mug", PointsRequired: 100, Status: "active"}
	ledger := newTestLedger(store)
	ctx := context.Background()

	if _, err := ledger.Accrue(ctx, 7, 250, Source{}); err != nil {
		t.Fatalf("Accrue: %v", err)
	}

	result, err := ledger.RedeemReward(ctx, 7, 1, nil)
	if err != nil {
		t.Fatalf("RedeemReward: %v", err)
	}
	if result.NewBalance != 150 {
		t.Errorf("NewBalance = %d, want 150", result.NewBalance)
	}
	if result.RewardName != "Mug" {
		t.Errorf("RewardName = %q, want Mug", result.RewardName)
	}
	if len(store.redeemed) != 1 || store.redeemed[0].PointsSpent != 100 {
		t.Errorf("redemptions = %+v, want one of 100 points", store.redeemed)
	}
	if store.redeemed[0].Status != "validated" {
		t.Errorf("redemption status = %q, want validated", store.redeemed[0].Status)
	}
}

func TestRedeemRewardInsufficientRollsBack(t *testing.T) {
	store := newFakeStore()
	store.rewards[1] = &model.Reward{ID: 1, Name: "Mug", PointsRequired: 100, Status: "active"}
	ledger := newTestLedger(store)
	ctx := context.Background()

	if _, err := ledger.Accrue(ctx, 7, 50, Source{}); err != nil {
		t.Fatalf("Accrue: %v", err)
	}

	_, err := ledger.RedeemReward(ctx, 7, 1, nil)
	if !errors.Is(err, ErrInsufficientPoints) {
		t.Fatalf("RedeemReward error = %v, want ErrInsufficientPoints", err)
	}
	if store.account.Balance != 50 {
		t.Errorf("balance = %d, want 50 after rollback", store.account.Balance)
	}
	if len(store.redeemed) != 0 {
		t.Errorf("redemptions = %d, want 0 after rollback", len(store.redeemed))
	}
}
