package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents a registered account holder.
type User struct {
	ID               int             `json:"id" db:"id"`
	Username         string          `json:"username" db:"username"`
	Name             string          `json:"name" db:"name"`
	Email            string          `json:"email" db:"email"`
	Password         string          `json:"-" db:"password"`
	CurrentBalance   decimal.Decimal `json:"currentBalance" db:"current_balance"`
	TotalAmountSpent decimal.Decimal `json:"totalAmountSpent" db:"total_amount_spent"`
	CreatedAt        time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time       `json:"updatedAt" db:"updated_at"`
}

// PublicUser is the projection returned by registration and login.
// It never carries the password hash.
type PublicUser struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}
