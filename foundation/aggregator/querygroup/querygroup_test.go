package querygroup_test

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adamwoolhether/aggregator/foundation/aggregator/querygroup"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txdata"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txtable/memory"
)

func TestDo_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	tbl := db.Table("txs", false)
	g := querygroup.New(db)

	err := g.Do(ctx, func(ctx context.Context) error {
		return tbl.Add(ctx, txdata.Tx{PubKey: "a", Nonce: 1, TokenRewardAmount: big.NewInt(1)})
	})
	require.NoError(t, err)

	errFail := errors.New("step failed")
	err = g.Do(ctx, func(ctx context.Context) error {
		if err := tbl.Add(ctx, txdata.Tx{PubKey: "a", Nonce: 2}); err != nil {
			return err
		}
		return errFail
	})
	require.ErrorIs(t, err, errFail)

	count, err := tbl.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count, "failed group must leave no changes")
}

func TestDo_PanicRollsBackAndReleases(t *testing.T) {
	ctx := context.Background()
	db := memory.New()
	tbl := db.Table("txs", false)
	g := querygroup.New(db)

	require.Panics(t, func() {
		_ = g.Do(ctx, func(ctx context.Context) error {
			_ = tbl.Add(ctx, txdata.Tx{PubKey: "a", Nonce: 1})
			panic("boom")
		})
	})

	count, err := tbl.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	// The permit was released, so another group can run.
	require.NoError(t, g.Do(ctx, func(ctx context.Context) error { return nil }))
}

func TestRun_ReturnsValue(t *testing.T) {
	g := querygroup.New(memory.New())

	v, err := querygroup.Run(context.Background(), g, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)

	v, err = querygroup.Run(context.Background(), g, func(ctx context.Context) (int, error) {
		return 7, errors.New("nope")
	})
	require.Error(t, err)
	require.Zero(t, v)
}

func TestDo_SerializesInArrivalOrder(t *testing.T) {
	ctx := context.Background()
	g := querygroup.New(memory.New())

	release := make(chan struct{})
	holding := make(chan struct{})

	go func() {
		_ = g.Do(ctx, func(ctx context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	var (
		mu     sync.Mutex
		order  []int
		active int
		wg     sync.WaitGroup
	)

	const waiters = 5
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = g.Do(ctx, func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > 1 {
					t.Errorf("more than one group running")
				}
				order = append(order, i)
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}(i)

		// Give each waiter time to queue before the next one arrives.
		time.Sleep(20 * time.Millisecond)
	}

	close(release)
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDo_ContextCancelledWhileWaiting(t *testing.T) {
	g := querygroup.New(memory.New())

	release := make(chan struct{})
	holding := make(chan struct{})
	go func() {
		_ = g.Do(context.Background(), func(ctx context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := g.Do(ctx, func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
