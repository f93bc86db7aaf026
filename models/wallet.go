package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Profile is the local view of a player. Username is mirrored from the profile
// service; WalletBalance is owned by this service and only ever changed additively.
type Profile struct {
	ID            string          `json:"id" gorm:"primaryKey"`
	Username      string          `json:"username" gorm:"index"`
	WalletBalance decimal.Decimal `json:"wallet_balance" gorm:"type:numeric(14,2);default:0"`

	Timestamps
}

type TransactionType string

const (
	TransactionPrizePayout TransactionType = "prize_payout"
	TransactionEntryFee    TransactionType = "entry_fee"
)

type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// WalletTransaction is the append-only ledger. The unique index on
// (user_id, reference_id, type) keeps a payout from ever being written twice.
type WalletTransaction struct {
	ID          string            `json:"id" gorm:"primaryKey"`
	UserID      string            `json:"user_id" gorm:"not null;uniqueIndex:idx_wallet_tx_ref"`
	Amount      decimal.Decimal   `json:"amount" gorm:"type:numeric(14,2);not null"`
	Type        TransactionType   `json:"type" gorm:"type:varchar(32);not null;uniqueIndex:idx_wallet_tx_ref"`
	ReferenceID string            `json:"reference_id" gorm:"not null;uniqueIndex:idx_wallet_tx_ref"`
	Status      TransactionStatus `json:"status" gorm:"type:varchar(16);not null;index"`
	CreatedAt   time.Time         `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time         `json:"updated_at" gorm:"autoUpdateTime"`
}
