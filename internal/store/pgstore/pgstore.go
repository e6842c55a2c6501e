// Package pgstore persists the document store in Postgres (one jsonb table,
// insertion order via a sequence column) and fans change notifications out
// through Redis pub/sub so every replica's subscribers see committed
// mutations. Without a Redis client it degrades to in-process fanout.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/securefin/ledger-core/internal/store"
	"github.com/securefin/ledger-core/pkg"
	"github.com/securefin/ledger-core/pkg/database"
	"go.uber.org/zap"
)

const channelPrefix = "ledger:changes:"

type Pgstore struct {
	logger *zap.Logger
	db     *database.DB
	rdb    *redis.Client // nil disables cross-process notification

	subMu   sync.Mutex
	subs    map[int64]*subscription
	nextSub int64
}

type subscription struct {
	collection string
	onChange   store.OnChange
	notify     chan struct{} // coalesced change signal for the local fanout path
	cancel     context.CancelFunc
	done       chan struct{}
}

func New(logger *zap.Logger, db *database.DB, rdb *redis.Client) *Pgstore {
	return &Pgstore{
		logger: logger,
		db:     db,
		rdb:    rdb,
		subs:   make(map[int64]*subscription),
	}
}

// querier is satisfied by both the pooled DB and an open pgx.Tx, so every
// operation transparently joins a surrounding InTx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

type txState struct {
	tx      pgx.Tx
	touched map[string]bool
}

func (p *Pgstore) querier(ctx context.Context) querier {
	if state, ok := ctx.Value(txKey{}).(*txState); ok {
		return state.tx
	}
	return p.db
}

func (p *Pgstore) Get(ctx context.Context, collection, key string) (json.RawMessage, error) {
	// Inside InTx the row is locked until commit, so read-modify-write
	// sequences (balance adjustments) serialize across replicas instead of
	// losing updates under READ COMMITTED.
	query := `SELECT data FROM documents WHERE collection = $1 AND key = $2`
	if _, inTx := ctx.Value(txKey{}).(*txState); inTx {
		query += ` FOR UPDATE`
	}
	var data []byte
	err := p.querier(ctx).QueryRow(ctx, query, collection, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, pkg.HandleSQLError("", p.logger, err)
	}
	return data, nil
}

func (p *Pgstore) Put(ctx context.Context, collection, key string, data json.RawMessage) error {
	_, err := p.querier(ctx).Exec(ctx,
		`INSERT INTO documents (collection, key, data) VALUES ($1, $2, $3)
		 ON CONFLICT (collection, key) DO UPDATE SET data = EXCLUDED.data`,
		collection, key, data)
	if err != nil {
		return pkg.HandleSQLError("", p.logger, err)
	}
	p.changed(ctx, collection)
	return nil
}

func (p *Pgstore) Update(ctx context.Context, collection, key string, partial json.RawMessage) error {
	tag, err := p.querier(ctx).Exec(ctx,
		`UPDATE documents SET data = data || $3 WHERE collection = $1 AND key = $2`,
		collection, key, partial)
	if err != nil {
		return pkg.HandleSQLError("", p.logger, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	p.changed(ctx, collection)
	return nil
}

func (p *Pgstore) Append(ctx context.Context, collection string, data json.RawMessage) (string, error) {
	key := uuid.NewString()
	if err := p.Put(ctx, collection, key, data); err != nil {
		return "", err
	}
	return key, nil
}

func (p *Pgstore) ListAll(ctx context.Context, collection string) ([]store.Document, error) {
	rows, err := p.querier(ctx).Query(ctx,
		`SELECT key, data FROM documents WHERE collection = $1 ORDER BY seq`,
		collection)
	if err != nil {
		return nil, pkg.HandleSQLError("", p.logger, err)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var doc store.Document
		var data []byte
		if err = rows.Scan(&doc.Key, &data); err != nil {
			return nil, pkg.HandleSQLError("", p.logger, err)
		}
		doc.Data = data
		docs = append(docs, doc)
	}
	if err = rows.Err(); err != nil {
		return nil, pkg.HandleSQLError("", p.logger, err)
	}
	return docs, nil
}

// InTx wraps fn in one Postgres transaction. Change notifications for the
// collections touched inside fn are published only after commit.
func (p *Pgstore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, nested := ctx.Value(txKey{}).(*txState); nested {
		return fn(ctx) // already inside a transaction
	}
	state := &txState{touched: make(map[string]bool)}
	err := p.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		state.tx = tx
		return fn(context.WithValue(ctx, txKey{}, state))
	})
	if err != nil {
		return err
	}
	for collection := range state.touched {
		p.publish(collection)
	}
	return nil
}

func (p *Pgstore) Subscribe(collection string, onChange store.OnChange) (store.Unsubscribe, error) {
	sub := &subscription{
		collection: collection,
		onChange:   onChange,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	p.subMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = sub
	p.subMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	sub.cancel = cancel
	if p.rdb != nil {
		pubsub := p.rdb.Subscribe(ctx, channelPrefix+collection)
		go p.listen(ctx, pubsub, sub)
	} else {
		go p.listenLocal(ctx, sub)
	}

	// Initial snapshot.
	p.deliver(sub)

	unsubscribe := func() {
		p.subMu.Lock()
		_, registered := p.subs[id]
		delete(p.subs, id)
		p.subMu.Unlock()
		if !registered {
			return
		}
		sub.cancel()
		<-sub.done
	}
	return unsubscribe, nil
}

// listenLocal delivers snapshots for in-process change signals when no
// Redis is configured. Signals are coalesced through a one-slot channel so
// a slow consumer never blocks the committing writer.
func (p *Pgstore) listenLocal(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.notify:
			p.deliver(sub)
		}
	}
}

func (p *Pgstore) listen(ctx context.Context, pubsub *redis.PubSub, sub *subscription) {
	defer close(sub.done)
	defer func() { _ = pubsub.Close() }()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			p.deliver(sub)
		}
	}
}

// deliver reads the current snapshot and hands it to one subscriber.
func (p *Pgstore) deliver(sub *subscription) {
	docs, err := p.ListAll(context.Background(), sub.collection)
	if err != nil {
		p.logger.Error("failed to load snapshot for subscriber",
			zap.String("collection", sub.collection), zap.Error(err))
		return
	}
	sub.onChange(docs)
}

// changed records an in-transaction mutation, or publishes immediately when
// the mutation ran outside InTx.
func (p *Pgstore) changed(ctx context.Context, collection string) {
	if state, ok := ctx.Value(txKey{}).(*txState); ok {
		state.touched[collection] = true
		return
	}
	p.publish(collection)
}

func (p *Pgstore) publish(collection string) {
	if p.rdb != nil {
		if err := p.rdb.Publish(context.Background(), channelPrefix+collection, "changed").Err(); err != nil {
			p.logger.Error("failed to publish change notification",
				zap.String("collection", collection), zap.Error(err))
		}
		return
	}
	// Local fanout when no Redis is configured.
	p.subMu.Lock()
	subs := make([]*subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		if sub.collection == collection {
			subs = append(subs, sub)
		}
	}
	p.subMu.Unlock()
	for _, sub := range subs {
		select {
		case sub.notify <- struct{}{}:
		default: // a signal is already pending; the listener re-reads anyway
		}
	}
}
