// Package views holds the request and response shapes of the REST surface.
package views

import (
	"github.com/shopspring/decimal"
)

// TransferRequest sends money to another user. Amount arrives as a JSON
// number or string; the ledger validates it either way.
type TransferRequest struct {
	Recipient string          `json:"recipient" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
}

// SplitBillRequest splits a bill between the caller and the participants.
type SplitBillRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	Participants []string        `json:"participants" binding:"required"`
}

// RequestMoneyRequest asks another user to pay the caller.
type RequestMoneyRequest struct {
	Recipient string          `json:"recipient" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	DueDate   string          `json:"dueDate" binding:"required"`
}

// AccountView is the public shape of an account.
type AccountView struct {
	Email     string          `json:"email"`
	Name      string          `json:"name"`
	AvatarURL string          `json:"avatarUrl,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
}
