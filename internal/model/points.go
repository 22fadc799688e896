package model

import (
	"database/sql"
	"time"
)

// LedgerOperation is the kind of a points movement.
type LedgerOperation string

const (
	OpAccrual    LedgerOperation = "accrual"
	OpRedemption LedgerOperation = "redemption"
	OpAdjustment LedgerOperation = "adjustment"
)

// PointsAccount holds the derived balance and level for one client.
// Created lazily on the first point movement.
type PointsAccount struct {
	ID             int64     `db:"id" json:"id"`
	ClientID       int64     `db:"client_id" json:"client_id"`
	Balance        int64     `db:"balance" json:"balance"`
	Level          string    `db:"level" json:"level"`
	LastActivityAt time.Time `db:"last_activity_at" json:"last_activity_at"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// PointsLedgerEntry is one row of the append-only points log. The account
// balance must always equal the running sum of a client's entries.
type PointsLedgerEntry struct {
	ID            int64           `db:"id" json:"id"`
	ClientID      int64           `db:"client_id" json:"client_id"`
	Operation     LedgerOperation `db:"operation" json:"operation"`
	Points        int64           `db:"points" json:"points"` // signed delta
	TransactionID sql.NullInt64   `db:"transaction_id" json:"transaction_id"`
	OfferID       sql.NullInt64   `db:"offer_id" json:"offer_id"`
	BalanceAfter  int64           `db:"balance_after" json:"balance_after"`
	Commentary    string          `db:"commentary" json:"commentary"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// LoyaltyLevel is one row of the ordered level threshold table.
type LoyaltyLevel struct {
	Name      string        `db:"name" json:"name"`
	MinPoints int64         `db:"min_points" json:"min_points"`
	MaxPoints sql.NullInt64 `db:"max_points" json:"max_points"`
}

// RewardRedemption records an exchange of points for a reward.
type RewardRedemption struct {
	ID            int64         `db:"id" json:"id"`
	ClientID      int64         `db:"client_id" json:"client_id"`
	RewardID      int64         `db:"reward_id" json:"reward_id"`
	TransactionID sql.NullInt64 `db:"transaction_id" json:"transaction_id"`
	PointsSpent   int64         `db:"points_spent" json:"points_spent"`
	Status        string        `db:"status" json:"status"`
	RedeemedAt    time.Time     `db:"redeemed_at" json:"redeemed_at"`
}
