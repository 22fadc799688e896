package model

import (
	"database/sql"
	"time"
)

// OfferStatus is the lifecycle state of a client offer.
type OfferStatus string

const (
	OfferGenerated OfferStatus = "generated"
	OfferSent      OfferStatus = "sent"
	OfferUsed      OfferStatus = "used"
	OfferExpired   OfferStatus = "expired"
)

// Offer represents a client-specific grant produced by a rule.
// At most one offer per (client_id, rule_id) may be pending (generated or
// sent) at any time; the store enforces this with a partial unique index.
type Offer struct {
	ID               int64          `db:"id" json:"id"`
	ClientID         int64          `db:"client_id" json:"client_id"`
	RuleID           int64          `db:"rule_id" json:"rule_id"`
	RewardID         sql.NullInt64  `db:"reward_id" json:"reward_id"`
	GeneratedAt      time.Time      `db:"generated_at" json:"generated_at"`
	SentAt           sql.NullTime   `db:"sent_at" json:"sent_at"`
	UsedAt           sql.NullTime   `db:"used_at" json:"used_at"`
	ExpiresAt        time.Time      `db:"expires_at" json:"expires_at"`
	Status           OfferStatus    `db:"status" json:"status"`
	Code             sql.NullString `db:"code" json:"code"` // assigned once, immutable
	Channel          sql.NullString `db:"channel" json:"channel"`
	UseTransactionID sql.NullInt64  `db:"use_transaction_id" json:"use_transaction_id"`
	Commentary       string         `db:"commentary" json:"commentary"`
}

// RedeemableOffer is an offer joined with the action its rule grants,
// as loaded during redemption.
type RedeemableOffer struct {
	Offer
	ActionType  sql.NullString  `db:"action_type" json:"action_type"`
	ActionValue sql.NullFloat64 `db:"action_value" json:"action_value"`
}

// Reward is a catalog entry clients can exchange points for.
type Reward struct {
	ID             int64   `db:"id" json:"id"`
	Name           string  `db:"name" json:"name"`
	Description    string  `db:"description" json:"description"`
	Value          float64 `db:"value" json:"value"`
	PointsRequired int64   `db:"points_required" json:"points_required"`
	Status         string  `db:"status" json:"status"` // 'active' or 'inactive'
}
