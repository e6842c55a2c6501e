package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/securefin/ledger-core/internal/store"
	"github.com/securefin/ledger-core/pkg"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Accounts is the account store: document CRUD plus the only code path
// allowed to move a balance. Callers that mutate must hold the account's
// lock (Service does) and run inside store.InTx.
type Accounts struct {
	logger *zap.Logger
	store  store.Store
}

func NewAccounts(logger *zap.Logger, st store.Store) *Accounts {
	return &Accounts{logger: logger, store: st}
}

// GetOrCreate returns the account for identity, creating it with the
// opening balance on first sign-in.
func (a *Accounts) GetOrCreate(ctx context.Context, identity, displayName, avatarURL string) (Account, error) {
	if identity == "" {
		return Account{}, pkg.NewAppError(pkg.ErrNotAuthenticatedCode, "no identity supplied", nil)
	}
	account, err := a.Get(ctx, identity)
	if err == nil {
		return account, nil
	}
	var appErr pkg.AppError
	if !errors.As(err, &appErr) || appErr.Code != pkg.ErrAccountNotFoundCode {
		return Account{}, err
	}

	account = Account{
		Identity:    identity,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		Balance:     decimal.NewFromInt(pkg.OpeningBalance),
		CreatedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(account)
	if err != nil {
		return Account{}, err
	}
	if err = a.store.Put(ctx, pkg.CollectionAccounts, identity, data); err != nil {
		return Account{}, pkg.NewAppError(pkg.ErrCollaboratorCode, "failed to create account", err)
	}
	a.logger.Info("account created",
		zap.String("identity", identity),
		zap.String("balance", account.Balance.String()))
	return account, nil
}

// Get returns the account for identity or an AccountNotFound error.
func (a *Accounts) Get(ctx context.Context, identity string) (Account, error) {
	data, err := a.store.Get(ctx, pkg.CollectionAccounts, identity)
	if errors.Is(err, store.ErrNotFound) {
		return Account{}, pkg.NewAppError(pkg.ErrAccountNotFoundCode, fmt.Sprintf("no account for %s", identity), err)
	}
	if err != nil {
		return Account{}, pkg.NewAppError(pkg.ErrCollaboratorCode, "failed to read account", err)
	}
	var account Account
	if err = json.Unmarshal(data, &account); err != nil {
		return Account{}, err
	}
	if account.Identity == "" {
		account.Identity = identity
	}
	return account, nil
}

// Balance returns the current balance for identity.
func (a *Accounts) Balance(ctx context.Context, identity string) (decimal.Decimal, error) {
	account, err := a.Get(ctx, identity)
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// Adjust applies balance += delta and returns the new balance. Debits that
// would drive the balance negative fail with InsufficientFunds; credits are
// not checked, only the paying side is validated.
func (a *Accounts) Adjust(ctx context.Context, identity string, delta decimal.Decimal) (decimal.Decimal, error) {
	account, err := a.Get(ctx, identity)
	if err != nil {
		return decimal.Zero, err
	}
	newBalance := account.Balance.Add(delta)
	if delta.IsNegative() && newBalance.IsNegative() {
		return decimal.Zero, pkg.NewAppError(pkg.ErrInsufficientFundsCode,
			fmt.Sprintf("balance %s cannot cover %s", account.Balance.String(), delta.Neg().String()),
			pkg.ErrInsufficientFunds)
	}
	partial, err := json.Marshal(map[string]decimal.Decimal{"balance": newBalance})
	if err != nil {
		return decimal.Zero, err
	}
	if err = a.store.Update(ctx, pkg.CollectionAccounts, identity, partial); err != nil {
		return decimal.Zero, pkg.NewAppError(pkg.ErrCollaboratorCode, "failed to update balance", err)
	}
	return newBalance, nil
}

// List returns every account, in creation order. It feeds the recipient and
// participant pickers.
func (a *Accounts) List(ctx context.Context) ([]Account, error) {
	docs, err := a.store.ListAll(ctx, pkg.CollectionAccounts)
	if err != nil {
		return nil, pkg.NewAppError(pkg.ErrCollaboratorCode, "failed to list accounts", err)
	}
	accounts := make([]Account, 0, len(docs))
	for _, doc := range docs {
		var account Account
		if err = json.Unmarshal(doc.Data, &account); err != nil {
			return nil, err
		}
		if account.Identity == "" {
			account.Identity = doc.Key
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}
