package ledger

import (
	"time"

	"github.com/securefin/ledger-core/pkg"
	"github.com/shopspring/decimal"
)

// Account maps to a document in the users collection, keyed by Identity.
type Account struct {
	Identity    string          `json:"email"`
	DisplayName string          `json:"name"`
	AvatarURL   string          `json:"avatarUrl,omitempty"`
	Balance     decimal.Decimal `json:"balance"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Transaction is one committed balance movement. Records are append-only;
// a bill split produces one record per participant.
type Transaction struct {
	ID        string              `json:"id,omitempty"`
	Kind      pkg.TransactionKind `json:"type"`
	Amount    decimal.Decimal     `json:"amount"`
	Sender    string              `json:"sender"`
	Recipient string              `json:"recipient"`
	Timestamp time.Time           `json:"timestamp"`
}

// MoneyRequest asks Recipient to pay Sender. No balance moves until the
// request is settled.
type MoneyRequest struct {
	ID        string            `json:"id,omitempty"`
	Sender    string            `json:"sender"`
	Recipient string            `json:"recipient"`
	Amount    decimal.Decimal   `json:"amount"`
	DueDate   string            `json:"dueDate"`
	Status    pkg.RequestStatus `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
}

// SplitResult reports one committed bill split.
type SplitResult struct {
	Share        decimal.Decimal `json:"share"`
	PaymentLink  string          `json:"paymentLink"`
	Transactions []Transaction   `json:"transactions"`
}
