//go:build integration

package postgres_test

import (
	"context"
	"math/big"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adamwoolhether/aggregator/foundation/aggregator/querygroup"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txdata"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txtable"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txtable/postgres"
)

func openDB(t *testing.T) *postgres.DB {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN is not set")
	}

	db, err := postgres.Open(context.Background(), dsn, 4)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	return db
}

func newTable(t *testing.T, db *postgres.DB, name string, unique bool) *postgres.Table {
	ctx := context.Background()

	tbl := db.Table(name, unique)
	require.NoError(t, tbl.EnsureSchema(ctx))
	require.NoError(t, tbl.Truncate(ctx))

	return tbl
}

func newTx(pubKey string, nonce uint64, reward int64) txdata.Tx {
	return txdata.Tx{
		PubKey:            pubKey,
		Nonce:             nonce,
		TokenRewardAmount: big.NewInt(reward),
		Signature:         "0xsig",
		Payload:           []byte{0xde, 0xad},
	}
}

func TestTable_Queries(t *testing.T) {
	ctx := context.Background()
	tbl := newTable(t, openDB(t), "test_future_txs", false)

	require.NoError(t, tbl.Add(ctx,
		newTx("a", 7, 3),
		newTx("a", 5, 1),
		newTx("b", 1, 9),
		newTx("a", 6, 3),
		newTx("a", 5, 4),
	))

	count, err := tbl.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, count)

	tx, found, err := tbl.Find(ctx, "a", 5)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(2), tx.ID)
	require.Equal(t, []byte{0xde, 0xad}, tx.Payload)

	txs, err := tbl.HighestPriority(ctx, 10)
	require.NoError(t, err)
	ids := make([]int64, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	require.Equal(t, []int64{3, 5, 1, 4, 2}, ids)

	txs, err = tbl.FindAfter(ctx, "a", 5, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, uint64(6), txs[0].Nonce)

	oldest, found, err := tbl.Oldest(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), oldest.ID)

	require.NoError(t, tbl.ClearBeforeID(ctx, 3))
	count, err = tbl.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestTable_NextNonceOf(t *testing.T) {
	ctx := context.Background()
	tbl := newTable(t, openDB(t), "test_ready_txs", true)

	require.NoError(t, tbl.Add(ctx, newTx("a", 3, 1), newTx("a", 4, 1), newTx("a", 5, 1), newTx("a", 8, 1)))

	for from, exp := range map[uint64]uint64{0: 0, 3: 6, 6: 6, 8: 9} {
		next, err := tbl.NextNonceOf(ctx, "a", from)
		require.NoError(t, err)
		require.Equal(t, exp, next, "from %d", from)
	}

	require.ErrorIs(t, tbl.Add(ctx, newTx("a", 3, 2)), txtable.ErrDuplicateNonce)
}

func TestNonceRange(t *testing.T) {
	ctx := context.Background()
	tbl := newTable(t, openDB(t), "test_range_txs", true)

	require.NoError(t, tbl.Add(ctx, newTx("a", txdata.MaxNonce-1, 1), newTx("a", txdata.MaxNonce, 1)))
	require.Error(t, tbl.Add(ctx, newTx("a", txdata.MaxNonce+1, 1)))

	next, err := tbl.NextNonceOf(ctx, "a", txdata.MaxNonce-1)
	require.NoError(t, err)
	require.Equal(t, uint64(txdata.MaxNonce)+1, next)

	after, err := tbl.FindAfter(ctx, "a", txdata.MaxNonce-1, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, uint64(txdata.MaxNonce), after[0].Nonce)

	after, err = tbl.FindAfter(ctx, "a", txdata.MaxNonce, 10)
	require.NoError(t, err)
	require.Empty(t, after)
}

func TestTable_GroupRollback(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	tbl := newTable(t, db, "test_group_txs", false)
	group := querygroup.New(db)

	err := group.Do(ctx, func(ctx context.Context) error {
		if err := tbl.Add(ctx, newTx("a", 1, 1)); err != nil {
			return err
		}
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)

	count, err := tbl.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}
