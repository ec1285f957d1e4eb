package model

import "time"

// TokenAccount holds a user's spendable token balance.
type TokenAccount struct {
	UserID    string    `gorm:"type:varchar(64);primaryKey" json:"userId"`
	Balance   int       `gorm:"not null;default:0" json:"balance"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (TokenAccount) TableName() string { return "token_accounts" }

// LedgerEntry records one token reservation for one job.
type LedgerEntry struct {
	ID        string      `gorm:"type:varchar(64);primaryKey" json:"id"`
	UserID    string      `gorm:"type:varchar(64);not null;index" json:"userId"`
	JobID     string      `gorm:"type:varchar(64);not null;uniqueIndex" json:"jobId"`
	Amount    int         `gorm:"not null" json:"amount"`
	State     LedgerState `gorm:"type:varchar(16);not null" json:"state"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

func (LedgerEntry) TableName() string { return "token_ledger_entries" }
