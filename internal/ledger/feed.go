package ledger

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/securefin/ledger-core/internal/store"
	"github.com/securefin/ledger-core/pkg"
	"go.uber.org/zap"
)

// FeedSnapshot is one user's view of the record logs: their transaction
// history and the money requests addressed to or created by them.
type FeedSnapshot struct {
	Transactions []Transaction  `json:"transactions"`
	Requests     []MoneyRequest `json:"requests"`
}

// Feed derives per-user views from the full record logs. It holds no state
// of its own beyond each subscription's last-computed view, and every view
// can be recomputed from the logs at any time.
type Feed struct {
	logger *zap.Logger
	store  store.Store
}

func NewFeed(logger *zap.Logger, st store.Store) *Feed {
	return &Feed{logger: logger, store: st}
}

// TransactionsFor returns every transaction where identity is sender or
// recipient, in insertion order.
func (f *Feed) TransactionsFor(ctx context.Context, identity string) ([]Transaction, error) {
	docs, err := f.store.ListAll(ctx, pkg.CollectionTransactions)
	if err != nil {
		return nil, pkg.NewAppError(pkg.ErrCollaboratorCode, "failed to read transactions", err)
	}
	return f.filterTransactions(docs, identity), nil
}

// PendingRequestsFor returns every money request involving identity, in
// insertion order. All statuses are included so settled and declined
// requests stay visible in the history.
func (f *Feed) PendingRequestsFor(ctx context.Context, identity string) ([]MoneyRequest, error) {
	docs, err := f.store.ListAll(ctx, pkg.CollectionRequests)
	if err != nil {
		return nil, pkg.NewAppError(pkg.ErrCollaboratorCode, "failed to read money requests", err)
	}
	return f.filterRequests(docs, identity), nil
}

// Subscribe pushes a fresh FeedSnapshot for identity on every committed
// mutation of either log, starting with the current state. The returned
// handle stops notifications deterministically.
func (f *Feed) Subscribe(identity string, onChange func(FeedSnapshot)) (store.Unsubscribe, error) {
	view := &struct {
		mu   sync.Mutex
		snap FeedSnapshot
	}{}

	push := func(update func(*FeedSnapshot)) {
		view.mu.Lock()
		update(&view.snap)
		snap := view.snap
		view.mu.Unlock()
		onChange(snap)
	}

	unsubTxns, err := f.store.Subscribe(pkg.CollectionTransactions, func(docs []store.Document) {
		txns := f.filterTransactions(docs, identity)
		push(func(snap *FeedSnapshot) { snap.Transactions = txns })
	})
	if err != nil {
		return nil, err
	}
	unsubReqs, err := f.store.Subscribe(pkg.CollectionRequests, func(docs []store.Document) {
		reqs := f.filterRequests(docs, identity)
		push(func(snap *FeedSnapshot) { snap.Requests = reqs })
	})
	if err != nil {
		unsubTxns()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubTxns()
			unsubReqs()
		})
	}, nil
}

func (f *Feed) filterTransactions(docs []store.Document, identity string) []Transaction {
	txns := make([]Transaction, 0, len(docs))
	for _, doc := range docs {
		var txn Transaction
		if err := json.Unmarshal(doc.Data, &txn); err != nil {
			f.logger.Warn("skipping malformed transaction record", zap.String("key", doc.Key), zap.Error(err))
			continue
		}
		if txn.Sender != identity && txn.Recipient != identity {
			continue
		}
		txn.ID = doc.Key
		txns = append(txns, txn)
	}
	return txns
}

func (f *Feed) filterRequests(docs []store.Document, identity string) []MoneyRequest {
	reqs := make([]MoneyRequest, 0, len(docs))
	for _, doc := range docs {
		var req MoneyRequest
		if err := json.Unmarshal(doc.Data, &req); err != nil {
			f.logger.Warn("skipping malformed money request", zap.String("key", doc.Key), zap.Error(err))
			continue
		}
		if req.Sender != identity && req.Recipient != identity {
			continue
		}
		req.ID = doc.Key
		reqs = append(reqs, req)
	}
	return reqs
}
