package models

import "github.com/amerfu/llmgate/internal/money"

// BudgetDuration enumerates the reset window for a budget. TOTAL is the
// only value defined and honored.
type BudgetDuration string

const (
	BudgetDurationTotal BudgetDuration = "TOTAL"
)

// Account owns a spending budget. It is the unit the Ledger debits and the
// Resolver gates on.
type Account struct {
	BaseModel
	UserID         string         `gorm:"uniqueIndex;not null" json:"user_id"`
	AccountName    string         `json:"account_name"`
	BudgetMicros   money.Micros   `gorm:"column:budget_micros;not null;default:0" json:"budget_usd"`
	SpentMicros    money.Micros   `gorm:"column:spent_micros;not null;default:0" json:"spent_usd"`
	BudgetDuration BudgetDuration `gorm:"type:varchar(16);not null;default:'TOTAL'" json:"budget_duration"`
	IsActive       bool           `gorm:"not null;default:true" json:"is_active"`
}

func (Account) TableName() string { return "accounts" }

// HasBudget reports whether budget_usd represents a positive allowance.
// A zero budget is a deliberate default-deny, never "unlimited".
func (a Account) HasBudget() bool {
	return a.BudgetMicros > 0
}

// IsOverBudget reports whether spend has reached or exceeded the budget,
// or whether no positive allowance was ever configured.
func (a Account) IsOverBudget() bool {
	if !a.HasBudget() {
		return true
	}
	return a.SpentMicros >= a.BudgetMicros
}
