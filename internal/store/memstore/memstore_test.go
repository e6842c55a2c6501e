package memstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/securefin/ledger-core/internal/store"
	"github.com/securefin/ledger-core/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStore() *memstore.Memstore {
	return memstore.New(zap.NewNop())
}

func TestPutGet(t *testing.T) {
	m := newStore()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "users", "a@example.com", json.RawMessage(`{"balance":1000}`)))

	data, err := m.Get(ctx, "users", "a@example.com")
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance":1000}`, string(data))

	_, err = m.Get(ctx, "users", "missing@example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdate_MergesTopLevelFields(t *testing.T) {
	m := newStore()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "users", "a", json.RawMessage(`{"name":"Alice","balance":1000}`)))
	require.NoError(t, m.Update(ctx, "users", "a", json.RawMessage(`{"balance":966.67}`)))

	data, err := m.Get(ctx, "users", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Alice","balance":966.67}`, string(data))

	err = m.Update(ctx, "users", "missing", json.RawMessage(`{"balance":1}`))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppend_PreservesInsertionOrder(t *testing.T) {
	m := newStore()
	ctx := context.Background()

	k1, err := m.Append(ctx, "transactions", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	k2, err := m.Append(ctx, "transactions", json.RawMessage(`{"n":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)

	docs, err := m.ListAll(ctx, "transactions")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, k1, docs[0].Key)
	assert.Equal(t, k2, docs[1].Key)
}

// snapshotLog records delivered snapshots; callbacks run on the store's
// delivery goroutine, so access is guarded.
type snapshotLog struct {
	mu    sync.Mutex
	snaps [][]store.Document
}

func (l *snapshotLog) record(docs []store.Document) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snaps = append(l.snaps, docs)
}

func (l *snapshotLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.snaps)
}

func (l *snapshotLog) last() []store.Document {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.snaps) == 0 {
		return nil
	}
	return l.snaps[len(l.snaps)-1]
}

func TestSubscribe_InitialAndOnChange(t *testing.T) {
	m := newStore()
	ctx := context.Background()
	require.NoError(t, m.Put(ctx, "users", "a", json.RawMessage(`{"n":1}`)))

	log := &snapshotLog{}
	unsubscribe, err := m.Subscribe("users", log.record)
	require.NoError(t, err)

	// Initial snapshot is delivered on subscribe.
	require.Equal(t, 1, log.count())
	assert.Len(t, log.last(), 1)

	require.NoError(t, m.Put(ctx, "users", "b", json.RawMessage(`{"n":2}`)))
	require.Eventually(t, func() bool { return log.count() >= 2 }, time.Second, time.Millisecond)
	assert.Len(t, log.last(), 2)

	// Mutations of other collections do not notify.
	require.NoError(t, m.Put(ctx, "transactions", "t", json.RawMessage(`{}`)))
	assert.Equal(t, 2, log.count())

	// Unsubscribe waits for the delivery goroutine, so no snapshot can
	// arrive afterwards.
	unsubscribe()
	before := log.count()
	require.NoError(t, m.Put(ctx, "users", "c", json.RawMessage(`{"n":3}`)))
	assert.Equal(t, before, log.count())
}

func TestSubscribe_SlowCallbackDoesNotBlockWrites(t *testing.T) {
	m := newStore()
	ctx := context.Background()

	release := make(chan struct{})
	var calls int32
	unsubscribe, err := m.Subscribe("users", func([]store.Document) {
		if atomic.AddInt32(&calls, 1) > 1 { // let the initial snapshot through
			<-release
		}
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 3; i++ {
			if err := m.Put(ctx, "users", "a", json.RawMessage(`{"n":1}`)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("writes blocked behind a stalled subscriber callback")
	}

	close(release)
	unsubscribe()
}

func TestInTx_RollsBackOnError(t *testing.T) {
	m := newStore()
	ctx := context.Background()
	require.NoError(t, m.Put(ctx, "users", "a", json.RawMessage(`{"balance":1000}`)))

	boom := errors.New("boom")
	err := m.InTx(ctx, func(ctx context.Context) error {
		require.NoError(t, m.Update(ctx, "users", "a", json.RawMessage(`{"balance":0}`)))
		if _, err := m.Append(ctx, "transactions", json.RawMessage(`{}`)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	data, err := m.Get(ctx, "users", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"balance":1000}`, string(data))

	docs, err := m.ListAll(ctx, "transactions")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestInTx_NotifiesOnlyAfterCommit(t *testing.T) {
	m := newStore()
	ctx := context.Background()

	var notified int32
	_, err := m.Subscribe("users", func([]store.Document) { atomic.AddInt32(&notified, 1) })
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&notified)) // initial

	err = m.InTx(ctx, func(ctx context.Context) error {
		require.NoError(t, m.Put(ctx, "users", "a", json.RawMessage(`{}`)))
		require.NoError(t, m.Put(ctx, "users", "b", json.RawMessage(`{}`)))
		assert.EqualValues(t, 1, atomic.LoadInt32(&notified), "no notification before commit")
		return nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&notified) == 2 },
		time.Second, time.Millisecond, "one notification per touched collection")
}

func TestInTx_RollbackKeepsUnrelatedWrites(t *testing.T) {
	m := newStore()
	ctx := context.Background()

	inTx := make(chan struct{})
	proceed := make(chan struct{})
	boom := errors.New("boom")

	txDone := make(chan error, 1)
	go func() {
		txDone <- m.InTx(ctx, func(ctx context.Context) error {
			if err := m.Put(ctx, "users", "a", json.RawMessage(`{"n":1}`)); err != nil {
				return err
			}
			close(inTx)
			<-proceed
			return boom
		})
	}()

	// A write committed outside the transaction while it is open.
	<-inTx
	require.NoError(t, m.Put(ctx, "users", "b", json.RawMessage(`{"n":2}`)))
	close(proceed)
	require.ErrorIs(t, <-txDone, boom)

	// The transaction's own write is gone, the concurrent commit survives.
	_, err := m.Get(ctx, "users", "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
	data, err := m.Get(ctx, "users", "b")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(data))
}
