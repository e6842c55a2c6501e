package pgstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/securefin/ledger-core/internal/store"
	"github.com/securefin/ledger-core/internal/store/pgstore"
	"github.com/securefin/ledger-core/pkg/database"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// startPostgres starts a disposable PostgreSQL container and returns a DSN
// without the protocol prefix, matching what database.New expects.
func startPostgres(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	const (
		user     = "db_user"
		password = "db_password"
		dbName   = "ledger_core"
	)

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     user,
			"POSTGRES_PASSWORD": password,
			"POSTGRES_DB":       dbName,
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start postgres test container")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = pgC.Terminate(ctx)
	})

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port.Port(), dbName)
	return strings.TrimPrefix(connStr, "postgres://")
}

func newPgstore(t *testing.T) *pgstore.Pgstore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed store test in short mode")
	}

	logger := zap.NewNop()
	dsn := startPostgres(t)
	require.NoError(t, pgstore.RunMigrations(logger, dsn))

	db, closeDB, err := database.New(context.Background(), logger, database.Config{
		DSN:      dsn,
		MaxConns: 4,
		MinConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(closeDB)

	// No Redis in tests: change fanout degrades to in-process delivery.
	return pgstore.New(logger, db, nil)
}

func TestPgstore_PutGetUpdate(t *testing.T) {
	st := newPgstore(t)
	ctx := context.Background()

	_, err := st.Get(ctx, "users", "alice@example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, st.Put(ctx, "users", "alice@example.com",
		json.RawMessage(`{"email":"alice@example.com","balance":"1000","name":"Alice"}`)))

	require.NoError(t, st.Update(ctx, "users", "alice@example.com",
		json.RawMessage(`{"balance":"800"}`)))

	data, err := st.Get(ctx, "users", "alice@example.com")
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "800", doc["balance"])
	assert.Equal(t, "Alice", doc["name"], "merge must keep untouched fields")
}

func TestPgstore_AppendKeepsInsertionOrder(t *testing.T) {
	st := newPgstore(t)
	ctx := context.Background()

	var keys []string
	for i := 0; i < 5; i++ {
		key, err := st.Append(ctx, "transactions",
			json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		keys = append(keys, key)
	}

	docs, err := st.ListAll(ctx, "transactions")
	require.NoError(t, err)
	require.Len(t, docs, 5)
	for i, doc := range docs {
		assert.Equal(t, keys[i], doc.Key)
	}
}

func TestPgstore_InTxRollsBack(t *testing.T) {
	st := newPgstore(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "users", "alice@example.com",
		json.RawMessage(`{"balance":"1000"}`)))

	boom := errors.New("boom")
	err := st.InTx(ctx, func(ctx context.Context) error {
		if err := st.Update(ctx, "users", "alice@example.com",
			json.RawMessage(`{"balance":"0"}`)); err != nil {
			return err
		}
		if _, err := st.Append(ctx, "transactions", json.RawMessage(`{"n":1}`)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	data, err := st.Get(ctx, "users", "alice@example.com")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "1000", doc["balance"])

	docs, err := st.ListAll(ctx, "transactions")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestPgstore_InTxSerializesReadModifyWrite(t *testing.T) {
	st := newPgstore(t)
	ctx := context.Background()

	require.NoError(t, st.Put(ctx, "users", "alice@example.com",
		json.RawMessage(`{"balance":"1000"}`)))

	// Two transactions each read the balance and write back a debit. The
	// transactional read locks the row, so the second must observe the
	// first's commit rather than the stale value.
	debit := func() error {
		return st.InTx(ctx, func(ctx context.Context) error {
			data, err := st.Get(ctx, "users", "alice@example.com")
			if err != nil {
				return err
			}
			var doc struct {
				Balance decimal.Decimal `json:"balance"`
			}
			if err := json.Unmarshal(data, &doc); err != nil {
				return err
			}
			partial, err := json.Marshal(map[string]decimal.Decimal{
				"balance": doc.Balance.Sub(decimal.NewFromInt(100)),
			})
			if err != nil {
				return err
			}
			return st.Update(ctx, "users", "alice@example.com", partial)
		})
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = debit()
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	data, err := st.Get(ctx, "users", "alice@example.com")
	require.NoError(t, err)
	var doc struct {
		Balance decimal.Decimal `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.True(t, doc.Balance.Equal(decimal.NewFromInt(800)),
		"both debits must apply, got %s", doc.Balance)
}

func TestPgstore_SubscribeDeliversAfterCommit(t *testing.T) {
	st := newPgstore(t)
	ctx := context.Background()

	snapshots := make(chan int, 16)
	unsubscribe, err := st.Subscribe("transactions", func(docs []store.Document) {
		snapshots <- len(docs)
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.Equal(t, 0, waitForSnapshot(t, snapshots), "initial snapshot is empty")

	err = st.InTx(ctx, func(ctx context.Context) error {
		_, err := st.Append(ctx, "transactions", json.RawMessage(`{"n":1}`))
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 1, waitForSnapshot(t, snapshots))
}

func waitForSnapshot(t *testing.T, snapshots <-chan int) int {
	t.Helper()
	select {
	case n := <-snapshots:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a change notification")
		return 0
	}
}
