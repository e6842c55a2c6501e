// Package ledger implements the money-movement core: the account store, the
// transfer / bill-split / money-request operations, and the per-user feed
// projection. Every operation validates fully before mutating and commits
// its reads, balance writes and record appends as one atomic unit.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/securefin/ledger-core/internal/events"
	"github.com/securefin/ledger-core/internal/store"
	"github.com/securefin/ledger-core/pkg"
	"github.com/securefin/ledger-core/pkg/money"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// paymentLinkBase prefixes the descriptor link handed out after a split.
// No gateway sits behind it.
const paymentLinkBase = "https://secure-pay.com/pay"

type Service struct {
	logger    *zap.Logger
	store     store.Store
	accounts  *Accounts
	locks     *keyedMutex
	clock     *monotonicClock
	publisher events.Publisher
	limiter   *pkg.DistributedLimiter // optional
}

// NewService wires the ledger operations. limiter may be nil (unlimited).
func NewService(logger *zap.Logger, st store.Store, accounts *Accounts, publisher events.Publisher, limiter *pkg.DistributedLimiter) *Service {
	return &Service{
		logger:    logger,
		store:     st,
		accounts:  accounts,
		locks:     newKeyedMutex(),
		clock:     newMonotonicClock(),
		publisher: publisher,
		limiter:   limiter,
	}
}

// Accounts exposes the account store for read paths.
func (s *Service) Accounts() *Accounts { return s.accounts }

// Transfer debits sender, credits recipient and appends one Sent record,
// atomically. The sender's balance must cover the amount; the recipient
// must exist before any debit happens.
func (s *Service) Transfer(ctx context.Context, sender, recipient string, amount decimal.Decimal) (Transaction, error) {
	if sender == "" {
		return Transaction{}, pkg.NewAppError(pkg.ErrNotAuthenticatedCode, "no identity supplied", nil)
	}
	if !money.Valid(amount) {
		return Transaction{}, pkg.NewAppError(pkg.ErrInvalidAmountCode, "enter a valid amount", nil)
	}
	if recipient == "" {
		return Transaction{}, pkg.NewAppError(pkg.ErrMissingFieldCode, "select a recipient", nil)
	}
	if recipient == sender {
		return Transaction{}, pkg.NewAppError(pkg.ErrInvalidRecipientCode, "cannot send money to yourself", nil)
	}
	if err := s.allow(ctx, sender); err != nil {
		return Transaction{}, err
	}
	amount = money.Normalize(amount)

	unlock := s.locks.lock(sender, recipient)
	defer unlock()

	var txn Transaction
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		var err error
		txn, err = s.transferLocked(ctx, sender, recipient, amount)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}

	s.recordCommitted(ctx, txn)
	return txn, nil
}

// transferLocked runs the debit/credit/append sequence. Callers hold the
// locks of both parties and an open store transaction.
func (s *Service) transferLocked(ctx context.Context, sender, recipient string, amount decimal.Decimal) (Transaction, error) {
	senderAccount, err := s.accounts.Get(ctx, sender)
	if err != nil {
		return Transaction{}, err
	}
	if senderAccount.Balance.Sub(amount).IsNegative() {
		return Transaction{}, pkg.NewAppError(pkg.ErrInsufficientFundsCode,
			fmt.Sprintf("balance %s cannot cover %s", senderAccount.Balance.String(), amount.String()),
			pkg.ErrInsufficientFunds)
	}
	if _, err = s.accounts.Get(ctx, recipient); err != nil {
		return Transaction{}, err
	}

	if _, err = s.accounts.Adjust(ctx, sender, amount.Neg()); err != nil {
		return Transaction{}, err
	}
	if _, err = s.accounts.Adjust(ctx, recipient, amount); err != nil {
		return Transaction{}, err
	}
	return s.appendTransaction(ctx, pkg.TransactionSent, amount, sender, recipient)
}

// SplitBill divides amount across the payer and every participant, debits
// the payer one share, credits each participant their share, and appends
// one Bill Split record per participant. The share is truncated to two
// decimals; the rounding remainder stays with the payer.
func (s *Service) SplitBill(ctx context.Context, payer string, amount decimal.Decimal, participants []string) (SplitResult, error) {
	if payer == "" {
		return SplitResult{}, pkg.NewAppError(pkg.ErrNotAuthenticatedCode, "no identity supplied", nil)
	}
	if !money.Valid(amount) {
		return SplitResult{}, pkg.NewAppError(pkg.ErrInvalidAmountCode, "enter a valid bill amount", nil)
	}
	participants = dedupe(participants)
	if len(participants) == 0 {
		return SplitResult{}, pkg.NewAppError(pkg.ErrEmptyParticipantsCode, "select at least one participant", nil)
	}
	for _, participant := range participants {
		if participant == payer {
			return SplitResult{}, pkg.NewAppError(pkg.ErrInvalidRecipientCode, "payer cannot be a split participant", nil)
		}
	}
	if err := s.allow(ctx, payer); err != nil {
		return SplitResult{}, err
	}

	share := money.Share(money.Normalize(amount), int64(len(participants)+1))

	unlock := s.locks.lock(append([]string{payer}, participants...)...)
	defer unlock()

	var txns []Transaction
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		payerAccount, err := s.accounts.Get(ctx, payer)
		if err != nil {
			return err
		}
		if payerAccount.Balance.Sub(share).IsNegative() {
			return pkg.NewAppError(pkg.ErrInsufficientFundsCode,
				fmt.Sprintf("balance %s cannot cover the %s share", payerAccount.Balance.String(), share.String()),
				pkg.ErrInsufficientFunds)
		}
		for _, participant := range participants {
			if _, err = s.accounts.Get(ctx, participant); err != nil {
				return err
			}
		}

		if _, err = s.accounts.Adjust(ctx, payer, share.Neg()); err != nil {
			return err
		}
		txns = txns[:0]
		for _, participant := range participants {
			if _, err = s.accounts.Adjust(ctx, participant, share); err != nil {
				return err
			}
			txn, err := s.appendTransaction(ctx, pkg.TransactionBillSplit, share, payer, participant)
			if err != nil {
				return err
			}
			txns = append(txns, txn)
		}
		return nil
	})
	if err != nil {
		return SplitResult{}, err
	}

	for _, txn := range txns {
		s.recordCommitted(ctx, txn)
	}
	return SplitResult{
		Share:        share,
		PaymentLink:  fmt.Sprintf("%s?amount=%s&users=%s", paymentLinkBase, share.StringFixed(money.Places), strings.Join(participants, ",")),
		Transactions: txns,
	}, nil
}

// RequestMoney appends a Pending money request from requester to payer.
// No balance moves until the request is settled.
func (s *Service) RequestMoney(ctx context.Context, requester, payer string, amount decimal.Decimal, dueDate string) (MoneyRequest, error) {
	if requester == "" {
		return MoneyRequest{}, pkg.NewAppError(pkg.ErrNotAuthenticatedCode, "no identity supplied", nil)
	}
	if payer == "" {
		return MoneyRequest{}, pkg.NewAppError(pkg.ErrMissingFieldCode, "select a user to request from", nil)
	}
	if dueDate == "" {
		return MoneyRequest{}, pkg.NewAppError(pkg.ErrMissingFieldCode, "enter a due date", nil)
	}
	if !money.Valid(amount) {
		return MoneyRequest{}, pkg.NewAppError(pkg.ErrInvalidAmountCode, "enter a valid amount", nil)
	}
	if payer == requester {
		return MoneyRequest{}, pkg.NewAppError(pkg.ErrInvalidRecipientCode, "cannot request money from yourself", nil)
	}

	request := MoneyRequest{
		Sender:    requester,
		Recipient: payer,
		Amount:    money.Normalize(amount),
		DueDate:   dueDate,
		Status:    pkg.RequestStatusPending,
		Timestamp: s.clock.Now(),
	}
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		if _, err := s.accounts.Get(ctx, payer); err != nil {
			return err
		}
		data, err := json.Marshal(request)
		if err != nil {
			return err
		}
		request.ID, err = s.store.Append(ctx, pkg.CollectionRequests, data)
		return err
	})
	if err != nil {
		return MoneyRequest{}, err
	}
	return request, nil
}

// SettleRequest pays a pending money request: the payer transfers the
// requested amount to the requester and the request moves to Paid. Only
// the payer named by the request may settle it.
func (s *Service) SettleRequest(ctx context.Context, payer, requestID string) (Transaction, error) {
	request, err := s.authorizeRequestAction(ctx, payer, requestID)
	if err != nil {
		return Transaction{}, err
	}
	if err := s.allow(ctx, payer); err != nil {
		return Transaction{}, err
	}

	unlock := s.locks.lock(payer, request.Sender)
	defer unlock()

	var txn Transaction
	err = s.store.InTx(ctx, func(ctx context.Context) error {
		// Re-read under the transaction: the request may have been settled
		// or declined since the authorization read.
		current, err := s.getRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if current.Status != pkg.RequestStatusPending {
			return pkg.NewAppError(pkg.ErrRequestNotPendingCode,
				fmt.Sprintf("request is already %s", strings.ToLower(string(current.Status))), nil)
		}
		if !money.Valid(current.Amount) {
			return pkg.NewAppError(pkg.ErrInvalidAmountCode, "request holds an invalid amount", nil)
		}

		txn, err = s.transferLocked(ctx, payer, current.Sender, money.Normalize(current.Amount))
		if err != nil {
			return err
		}
		return s.setRequestStatus(ctx, requestID, pkg.RequestStatusPaid)
	})
	if err != nil {
		return Transaction{}, err
	}

	s.recordCommitted(ctx, txn)
	return txn, nil
}

// DeclineRequest moves a pending request to Declined without moving money.
func (s *Service) DeclineRequest(ctx context.Context, payer, requestID string) error {
	if _, err := s.authorizeRequestAction(ctx, payer, requestID); err != nil {
		return err
	}
	return s.store.InTx(ctx, func(ctx context.Context) error {
		current, err := s.getRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if current.Status != pkg.RequestStatusPending {
			return pkg.NewAppError(pkg.ErrRequestNotPendingCode,
				fmt.Sprintf("request is already %s", strings.ToLower(string(current.Status))), nil)
		}
		return s.setRequestStatus(ctx, requestID, pkg.RequestStatusDeclined)
	})
}

func (s *Service) authorizeRequestAction(ctx context.Context, payer, requestID string) (MoneyRequest, error) {
	if payer == "" {
		return MoneyRequest{}, pkg.NewAppError(pkg.ErrNotAuthenticatedCode, "no identity supplied", nil)
	}
	if requestID == "" {
		return MoneyRequest{}, pkg.NewAppError(pkg.ErrMissingFieldCode, "missing request id", nil)
	}
	request, err := s.getRequest(ctx, requestID)
	if err != nil {
		return MoneyRequest{}, err
	}
	if request.Recipient != payer {
		return MoneyRequest{}, pkg.NewAppError(pkg.ErrNotRequestPayerCode, "request is addressed to another user", nil)
	}
	return request, nil
}

func (s *Service) getRequest(ctx context.Context, requestID string) (MoneyRequest, error) {
	data, err := s.store.Get(ctx, pkg.CollectionRequests, requestID)
	if err != nil {
		return MoneyRequest{}, pkg.NewAppError(pkg.ErrRecordNotFoundCode, "money request not found", err)
	}
	var request MoneyRequest
	if err = json.Unmarshal(data, &request); err != nil {
		return MoneyRequest{}, err
	}
	request.ID = requestID
	return request, nil
}

func (s *Service) setRequestStatus(ctx context.Context, requestID string, status pkg.RequestStatus) error {
	partial, err := json.Marshal(map[string]pkg.RequestStatus{"status": status})
	if err != nil {
		return err
	}
	return s.store.Update(ctx, pkg.CollectionRequests, requestID, partial)
}

func (s *Service) appendTransaction(ctx context.Context, kind pkg.TransactionKind, amount decimal.Decimal, sender, recipient string) (Transaction, error) {
	txn := Transaction{
		Kind:      kind,
		Amount:    amount,
		Sender:    sender,
		Recipient: recipient,
		Timestamp: s.clock.Now(),
	}
	data, err := json.Marshal(txn)
	if err != nil {
		return Transaction{}, err
	}
	txn.ID, err = s.store.Append(ctx, pkg.CollectionTransactions, data)
	if err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

func (s *Service) allow(ctx context.Context, identity string) error {
	if s.limiter == nil {
		return nil
	}
	if !s.limiter.Allow(ctx, identity) {
		return pkg.NewAppError(pkg.ErrRateLimitedCode, "too many operations, try again shortly", pkg.ErrRateLimitExceeded)
	}
	return nil
}

// recordCommitted streams a committed record to the event bus. Best-effort:
// the ledger state is already durable.
func (s *Service) recordCommitted(ctx context.Context, txn Transaction) {
	if err := s.publisher.Publish(ctx, txn.Sender, txn); err != nil {
		s.logger.Error("failed to publish committed record",
			zap.String("transaction_id", txn.ID), zap.Error(err))
	}
}

func dedupe(identities []string) []string {
	out := make([]string, 0, len(identities))
	seen := make(map[string]bool, len(identities))
	for _, id := range identities {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
