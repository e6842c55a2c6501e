// Package memstore is the in-process store adapter. It backs development
// runs and tests, and doubles as the reference implementation of the
// store contract: snapshots, insertion order and transactional rollback
// behave here exactly as the contract promises.
package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/securefin/ledger-core/internal/store"
	"go.uber.org/zap"
)

type collection struct {
	docs  map[string]json.RawMessage
	order []string
}

// subscriber owns a delivery goroutine fed through a one-slot channel.
// Stale snapshots are evicted in favor of the newest, so a consumer that
// stops draining never blocks a committing writer.
type subscriber struct {
	collection string
	onChange   store.OnChange
	ch         chan []store.Document
	quit       chan struct{}
	done       chan struct{}
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case docs := <-s.ch:
			s.onChange(docs)
		}
	}
}

// send queues docs for delivery without blocking. A pending undelivered
// snapshot is replaced; the subscriber only ever needs the latest state.
func (s *subscriber) send(docs []store.Document) {
	for {
		select {
		case <-s.quit:
			return
		case s.ch <- docs:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Memstore keeps every collection in memory behind one RWMutex. Writes are
// infallible, so InTx atomicity reduces to mutual exclusion plus an undo
// log for the error path.
type Memstore struct {
	logger *zap.Logger

	mu          sync.RWMutex
	collections map[string]*collection

	txMu sync.Mutex // serializes InTx bodies

	subMu   sync.Mutex
	subs    map[int64]*subscriber
	nextSub int64
}

func New(logger *zap.Logger) *Memstore {
	return &Memstore{
		logger:      logger,
		collections: make(map[string]*collection),
		subs:        make(map[int64]*subscriber),
	}
}

type txStateKey struct{}

// undoEntry remembers one document's state before a transactional write.
type undoEntry struct {
	collection string
	key        string
	data       json.RawMessage
	existed    bool
}

type txState struct {
	touched map[string]bool
	undo    []undoEntry
}

func (s *txState) remember(collection, key string, data json.RawMessage, existed bool) {
	s.touched[collection] = true
	s.undo = append(s.undo, undoEntry{collection: collection, key: key, data: data, existed: existed})
}

func (m *Memstore) coll(name string) *collection {
	c, ok := m.collections[name]
	if !ok {
		c = &collection{docs: make(map[string]json.RawMessage)}
		m.collections[name] = c
	}
	return c
}

func (m *Memstore) Get(_ context.Context, collection, key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil, store.ErrNotFound
	}
	data, ok := c.docs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data, nil
}

func (m *Memstore) Put(ctx context.Context, collection, key string, data json.RawMessage) error {
	m.mu.Lock()
	c := m.coll(collection)
	old, exists := c.docs[key]
	if !exists {
		c.order = append(c.order, key)
	}
	c.docs[key] = append(json.RawMessage(nil), data...)
	m.mu.Unlock()

	m.changed(ctx, collection, key, old, exists)
	return nil
}

func (m *Memstore) Update(ctx context.Context, collection, key string, partial json.RawMessage) error {
	m.mu.Lock()
	c, ok := m.collections[collection]
	if !ok {
		m.mu.Unlock()
		return store.ErrNotFound
	}
	existing, ok := c.docs[key]
	if !ok {
		m.mu.Unlock()
		return store.ErrNotFound
	}
	merged, err := mergeJSON(existing, partial)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	c.docs[key] = merged
	m.mu.Unlock()

	m.changed(ctx, collection, key, existing, true)
	return nil
}

func (m *Memstore) Append(ctx context.Context, collection string, data json.RawMessage) (string, error) {
	key := uuid.NewString()
	if err := m.Put(ctx, collection, key, data); err != nil {
		return "", err
	}
	return key, nil
}

func (m *Memstore) ListAll(_ context.Context, collection string) ([]store.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(collection), nil
}

func (m *Memstore) snapshotLocked(collection string) []store.Document {
	c, ok := m.collections[collection]
	if !ok {
		return nil
	}
	docs := make([]store.Document, 0, len(c.order))
	for _, key := range c.order {
		docs = append(docs, store.Document{Key: key, Data: c.docs[key]})
	}
	return docs
}

func (m *Memstore) Subscribe(collection string, onChange store.OnChange) (store.Unsubscribe, error) {
	sub := &subscriber{
		collection: collection,
		onChange:   onChange,
		ch:         make(chan []store.Document, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = sub
	m.subMu.Unlock()

	go sub.run()

	// Initial snapshot, delivered in the caller's goroutine before any
	// further mutation is observed.
	m.mu.RLock()
	docs := m.snapshotLocked(collection)
	m.mu.RUnlock()
	onChange(docs)

	unsubscribe := func() {
		m.subMu.Lock()
		registered := m.subs[id] != nil
		delete(m.subs, id)
		m.subMu.Unlock()
		if !registered {
			return
		}
		close(sub.quit)
		<-sub.done
	}
	return unsubscribe, nil
}

// InTx applies fn atomically. The documents it wrote are reverted from the
// undo log if fn fails, leaving writes committed concurrently outside the
// transaction untouched. Subscribers are notified only on commit.
func (m *Memstore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	state := &txState{touched: make(map[string]bool)}
	err := fn(context.WithValue(ctx, txStateKey{}, state))
	if err != nil {
		m.rollback(state)
		return err
	}

	for name := range state.touched {
		m.notify(name)
	}
	return nil
}

// rollback reverts the transaction's own writes, newest first.
func (m *Memstore) rollback(state *txState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(state.undo) - 1; i >= 0; i-- {
		u := state.undo[i]
		c := m.coll(u.collection)
		if u.existed {
			c.docs[u.key] = u.data
			continue
		}
		delete(c.docs, u.key)
		for j := len(c.order) - 1; j >= 0; j-- {
			if c.order[j] == u.key {
				c.order = append(c.order[:j], c.order[j+1:]...)
				break
			}
		}
	}
}

// changed records an in-transaction mutation for the undo log and deferred
// notification, or fires notifications immediately for writes outside InTx.
func (m *Memstore) changed(ctx context.Context, collection, key string, old json.RawMessage, existed bool) {
	if state, ok := ctx.Value(txStateKey{}).(*txState); ok {
		state.remember(collection, key, old, existed)
		return
	}
	m.notify(collection)
}

func (m *Memstore) notify(collection string) {
	m.mu.RLock()
	docs := m.snapshotLocked(collection)
	m.mu.RUnlock()

	m.subMu.Lock()
	targets := make([]*subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		if s.collection == collection {
			targets = append(targets, s)
		}
	}
	m.subMu.Unlock()

	for _, sub := range targets {
		sub.send(docs)
	}
}

func mergeJSON(existing, partial json.RawMessage) (json.RawMessage, error) {
	base, err := decodeObject(existing)
	if err != nil {
		return nil, err
	}
	patch, err := decodeObject(partial)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		base[k] = v
	}
	return json.Marshal(base)
}

// decodeObject keeps numbers as json.Number so merged amounts round-trip
// without float drift.
func decodeObject(data json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}
