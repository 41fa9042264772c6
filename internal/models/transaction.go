package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balances and amounts go over the wire as plain JSON numbers.
func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

// Transaction types. A transaction is immutable once recorded; the only
// mutations are create and delete.
const (
	TransactionTypeIncome  = "income"
	TransactionTypeExpense = "expense"
)

// Transaction represents a single income or expense entry in a user's ledger.
type Transaction struct {
	ID          string          `json:"id" db:"id"`
	UserID      int             `json:"userId" db:"user_id"`
	Category    string          `json:"category" db:"category"`
	Type        string          `json:"type" db:"type"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Date        time.Time       `json:"date" db:"date"`
	Description string          `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
}

// SignedAmount is the contribution of this transaction to the owner's
// running balance: positive for income, negative for expense.
func (t *Transaction) SignedAmount() decimal.Decimal {
	if t.Type == TransactionTypeExpense {
		return t.Amount.Neg()
	}
	return t.Amount
}
