// Package txservice is the core API for the aggregator and implements the
// admission, promotion, eviction, replacement and batching rules of the
// pending transaction pool.
package txservice

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/adamwoolhether/aggregator/foundation/aggregator/batchtimer"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/querygroup"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txdata"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txtable"
)

// EventHandler defines a function that is called when events
// occur in the processing of transactions.
type EventHandler func(v string, args ...any)

// Wallet represents the behavior required to be implemented by any package
// providing access to the wallet service.
type Wallet interface {

	// CheckTx validates the transaction and reports the signer's next
	// on-chain nonce. The nonce is reported even when there are failures.
	CheckTx(ctx context.Context, tx txdata.Tx) (txdata.CheckResult, error)

	// SendTxs aggregates the transactions and submits them on-chain.
	SendTxs(ctx context.Context, txs []txdata.Tx) error

	// WalletAddress resolves the on-chain address of a public key.
	WalletAddress(ctx context.Context, pubKey string) (common.Address, bool, error)

	// RewardBalanceOf returns the reward token balance of the address.
	RewardBalanceOf(ctx context.Context, address common.Address) (*big.Int, error)
}

// /////////////////////////////////////////////////////////////////

// Config represents the configuration required to start the service.
type Config struct {
	Clock               clock.Clock
	Group               *querygroup.Group
	Ready               txtable.Table
	Future              txtable.Table
	Wallet              Wallet
	TxQueryLimit        int
	MaxFutureTxs        int
	MaxAggregationSize  int
	MaxAggregationDelay time.Duration
	Registerer          prometheus.Registerer
	EvHandler           EventHandler
}

// Service manages the ready and future transaction tables.
type Service struct {
	group  *querygroup.Group
	ready  txtable.Table
	future txtable.Table
	wallet Wallet
	timer  *batchtimer.Timer

	txQueryLimit       int
	maxFutureTxs       int
	maxAggregationSize int

	metrics   *metrics
	evHandler EventHandler
}

// New constructs a service and evaluates the batch timer against the
// transactions already held in storage.
func New(ctx context.Context, cfg Config) (*Service, error) {
	switch {
	case cfg.Group == nil || cfg.Ready == nil || cfg.Future == nil:
		return nil, errors.New("query group and both tables are required")
	case cfg.Wallet == nil:
		return nil, errors.New("wallet is required")
	case cfg.TxQueryLimit <= 0:
		return nil, fmt.Errorf("tx query limit must be positive: %d", cfg.TxQueryLimit)
	case cfg.MaxFutureTxs <= 0:
		return nil, fmt.Errorf("max future txs must be positive: %d", cfg.MaxFutureTxs)
	case cfg.MaxAggregationSize <= 0:
		return nil, fmt.Errorf("max aggregation size must be positive: %d", cfg.MaxAggregationSize)
	case cfg.MaxAggregationDelay <= 0:
		return nil, fmt.Errorf("max aggregation delay must be positive: %s", cfg.MaxAggregationDelay)
	}

	// Build a safe event handler for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}

	s := Service{
		group:              cfg.Group,
		ready:              cfg.Ready,
		future:             cfg.Future,
		wallet:             cfg.Wallet,
		txQueryLimit:       cfg.TxQueryLimit,
		maxFutureTxs:       cfg.MaxFutureTxs,
		maxAggregationSize: cfg.MaxAggregationSize,
		metrics:            m,
		evHandler:          ev,
	}

	s.timer = batchtimer.New(cfg.Clock, cfg.MaxAggregationDelay, s.timedBatch)

	err = s.group.Do(ctx, func(ctx context.Context) error {
		if err := s.checkReadyTxCount(ctx); err != nil {
			return err
		}
		return s.observe(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("checking ready txs: %w", err)
	}

	return &s, nil
}

// Shutdown stops the batch timer and waits for a running batch to finish.
func (s *Service) Shutdown() {
	s.evHandler("txservice: shutdown: started")
	defer s.evHandler("txservice: shutdown: completed")

	s.timer.Shutdown()
}

// TimerState returns the current state of the batch timer.
func (s *Service) TimerState() batchtimer.State {
	return s.timer.State()
}

// /////////////////////////////////////////////////////////////////

// Add submits a transaction to the pool. Refusals are returned as failures;
// an empty result means the transaction was queued.
func (s *Service) Add(ctx context.Context, tx txdata.Tx) ([]txdata.Failure, error) {
	tx = tx.WithoutID()

	s.evHandler("txservice: Add: started: tx[%s] reward[%s]", tx, tx.Reward())

	failures, err := querygroup.Run(ctx, s.group, func(ctx context.Context) ([]txdata.Failure, error) {
		failures, err := s.add(ctx, tx)
		if err != nil {
			return nil, err
		}
		if err := s.observe(ctx); err != nil {
			return nil, err
		}
		return failures, nil
	})
	if err != nil {
		s.evHandler("txservice: Add: ERROR: tx[%s]: %s", tx, err)
		return nil, err
	}

	for _, f := range failures {
		s.metrics.admissionFailures.WithLabelValues(f.Type).Inc()
		s.evHandler("txservice: Add: refused: tx[%s] type[%s]: %s", tx, f.Type, f.Description)
	}

	s.evHandler("txservice: Add: completed: tx[%s] failures[%d]", tx, len(failures))

	return failures, nil
}

func (s *Service) add(ctx context.Context, tx txdata.Tx) ([]txdata.Failure, error) {
	if failures := tx.Check(); len(failures) > 0 {
		return failures, nil
	}

	res, err := s.wallet.CheckTx(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("checking tx: %w", err)
	}

	if len(res.Failures) > 0 {
		return res.Failures, nil
	}

	highest, err := s.highestReadyNonce(ctx, tx.PubKey, res.NextNonce)
	if err != nil {
		return nil, err
	}

	switch {
	case tx.Nonce < highest:
		return s.replaceReadyTx(ctx, highest, tx)

	case tx.Nonce == highest:
		s.evHandler("txservice: Add: ready: tx[%s]", tx)

		if err := s.ready.Add(ctx, tx); err != nil {
			return nil, fmt.Errorf("adding ready tx: %w", err)
		}
		if err := s.tryMoveFutureTxs(ctx, tx.PubKey, highest+1); err != nil {
			return nil, err
		}
		if err := s.checkReadyTxCount(ctx); err != nil {
			return nil, err
		}

	default:
		s.evHandler("txservice: Add: future: tx[%s] highestReady[%d]", tx, highest)

		if err := s.ensureFutureTxSpace(ctx, 1); err != nil {
			return nil, err
		}
		if err := s.future.Add(ctx, tx); err != nil {
			return nil, fmt.Errorf("adding future tx: %w", err)
		}
	}

	return nil, nil
}

// highestReadyNonce returns the nonce the next ready transaction of the
// signer must carry. It is at least the on-chain next nonce and lies past
// any ready nonces contiguous with it.
func (s *Service) highestReadyNonce(ctx context.Context, pubKey string, nextChainNonce uint64) (uint64, error) {
	nonce, err := s.ready.NextNonceOf(ctx, pubKey, nextChainNonce)
	if err != nil {
		return 0, fmt.Errorf("finding next ready nonce: %w", err)
	}

	return nonce, nil
}

// tryMoveFutureTxs moves the future transactions of the signer that have
// become ready into the ready table. Future transactions may share a nonce,
// so only the best reward of each nonce is considered.
func (s *Service) tryMoveFutureTxs(ctx context.Context, pubKey string, highest uint64) error {
	for {
		futureTxs, err := s.future.PubKeyTxsInNonceOrder(ctx, pubKey, s.txQueryLimit)
		if err != nil {
			return fmt.Errorf("fetching future txs: %w", err)
		}

		var toAdd []txdata.Tx

	next:
		for _, tx := range pickBestRewards(futureTxs) {
			switch {
			case tx.Nonce < highest:
				if _, err := s.replaceReadyTx(ctx, highest, tx); err != nil {
					return err
				}

			case tx.Nonce == highest:
				toAdd = append(toAdd, tx.WithoutID())
				highest++

			default:
				break next
			}
		}

		var toRemove []txdata.Tx
		for _, tx := range futureTxs {
			if tx.Nonce < highest {
				toRemove = append(toRemove, tx)
			}
		}

		if len(toAdd) > 0 {
			s.evHandler("txservice: tryMoveFutureTxs: promoting: pubKey[%s] txs[%d]", pubKey, len(toAdd))
		}

		if err := s.ready.Add(ctx, toAdd...); err != nil {
			return fmt.Errorf("adding promoted txs: %w", err)
		}
		if err := s.future.Remove(ctx, toRemove...); err != nil {
			return fmt.Errorf("removing promoted txs: %w", err)
		}

		// A future transaction left behind in this page means a nonce gap was
		// reached. Every later page starts at or after that nonce.
		if len(toRemove) < s.txQueryLimit {
			return nil
		}
	}
}

// replaceReadyTx replaces the ready transaction holding the nonce of the
// new one, provided the new one offers a strictly better reward. Ready
// transactions that follow the replaced nonce are reinserted so they keep
// their position behind it.
func (s *Service) replaceReadyTx(ctx context.Context, highest uint64, tx txdata.Tx) ([]txdata.Failure, error) {
	existing, found, err := s.ready.Find(ctx, tx.PubKey, tx.Nonce)
	if err != nil {
		return nil, fmt.Errorf("finding ready tx: %w", err)
	}

	if !found {
		f := txdata.Failure{
			Type:        txdata.FailureDuplicateNonce,
			Description: fmt.Sprintf("nonce %d was a replacement candidate but it appears to have been submitted during processing", tx.Nonce),
		}
		return []txdata.Failure{f}, nil
	}

	if !txdata.RewardBetter(tx, existing) {
		f := txdata.Failure{
			Type:        txdata.FailureInsufficientReward,
			Description: fmt.Sprintf("%s is an insufficient reward because there is already a tx with this nonce with a reward of %s", tx.Reward(), existing.Reward()),
		}
		return []txdata.Failure{f}, nil
	}

	s.evHandler("txservice: replaceReadyTx: tx[%s] reward[%s] replaces reward[%s]", tx, tx.Reward(), existing.Reward())

	if err := s.ready.Remove(ctx, existing); err != nil {
		return nil, fmt.Errorf("removing replaced tx: %w", err)
	}
	if err := s.ready.Add(ctx, tx.WithoutID()); err != nil {
		return nil, fmt.Errorf("adding replacement tx: %w", err)
	}

	latestReady := highest - 1
	if tx.Nonce < latestReady {
		if err := s.reinsertUnorderedReadyTxs(ctx, tx); err != nil {
			return nil, err
		}
	}

	return nil, nil
}

// reinsertUnorderedReadyTxs gives every ready transaction of the signer
// after the replaced nonce a fresh id.
func (s *Service) reinsertUnorderedReadyTxs(ctx context.Context, replaced txdata.Tx) error {
	lastNonce := replaced.Nonce

	for {
		followups, err := s.ready.FindAfter(ctx, replaced.PubKey, lastNonce, s.txQueryLimit)
		if err != nil {
			return fmt.Errorf("fetching followup txs: %w", err)
		}

		if len(followups) == 0 {
			return nil
		}

		if err := s.ready.Remove(ctx, followups...); err != nil {
			return fmt.Errorf("removing followup txs: %w", err)
		}

		reinsert := make([]txdata.Tx, len(followups))
		for i, tx := range followups {
			reinsert[i] = tx.WithoutID()
		}

		if err := s.ready.Add(ctx, reinsert...); err != nil {
			return fmt.Errorf("reinserting followup txs: %w", err)
		}

		lastNonce = followups[len(followups)-1].Nonce

		if len(followups) < s.txQueryLimit {
			return nil
		}
	}
}

// ensureFutureTxSpace evicts the oldest future transactions until there is
// room for the specified number of new ones.
func (s *Service) ensureFutureTxSpace(ctx context.Context, room int) error {
	limit := s.maxFutureTxs - room

	for {
		size, err := s.future.Count(ctx)
		if err != nil {
			return fmt.Errorf("counting future txs: %w", err)
		}

		if size <= limit {
			return nil
		}

		oldest, found, err := s.future.Oldest(ctx)
		if err != nil {
			return fmt.Errorf("fetching oldest future tx: %w", err)
		}

		if !found {
			s.evHandler("txservice: ensureFutureTxSpace: WARNING: future txs unexpectedly empty when it seemed to need pruning")
			return nil
		}

		cutoff := oldest.ID + int64(size-limit)

		s.evHandler("txservice: ensureFutureTxSpace: evicting: size[%d] beforeID[%d]", size, cutoff)

		if err := s.future.ClearBeforeID(ctx, cutoff); err != nil {
			return fmt.Errorf("evicting future txs: %w", err)
		}
	}
}

// /////////////////////////////////////////////////////////////////

// RemoveReadyTxs deletes the ready transactions and moves any that are no
// longer ready as a result back to the future table.
func (s *Service) RemoveReadyTxs(ctx context.Context, txs []txdata.Tx) error {
	s.evHandler("txservice: RemoveReadyTxs: started: txs[%d]", len(txs))
	defer s.evHandler("txservice: RemoveReadyTxs: completed")

	return s.group.Do(ctx, func(ctx context.Context) error {
		if err := s.removeReadyTxs(ctx, txs); err != nil {
			return err
		}
		if err := s.checkReadyTxCount(ctx); err != nil {
			return err
		}
		return s.observe(ctx)
	})
}

func (s *Service) removeReadyTxs(ctx context.Context, txs []txdata.Tx) error {
	if err := s.ready.Remove(ctx, txs...); err != nil {
		return fmt.Errorf("removing ready txs: %w", err)
	}

	examples := make(map[string]txdata.Tx)
	for _, tx := range txs {
		if _, exists := examples[tx.PubKey]; !exists {
			examples[tx.PubKey] = tx
		}
	}

	for _, pk := range txdata.PublicKeys(txs) {
		if err := s.demoteNoLongerReadyTxs(ctx, pk, examples[pk]); err != nil {
			return err
		}
	}

	return nil
}

// demoteNoLongerReadyTxs moves the ready transactions of the signer that
// no longer follow contiguously from the on-chain nonce back to the future
// table. The example transaction is only used to learn that nonce.
func (s *Service) demoteNoLongerReadyTxs(ctx context.Context, pubKey string, example txdata.Tx) error {
	res, err := s.wallet.CheckTx(ctx, example)
	if err != nil {
		return fmt.Errorf("checking example tx: %w", err)
	}

	highest, err := s.highestReadyNonce(ctx, pubKey, res.NextNonce)
	if err != nil {
		return err
	}

	after := highest
	demoted := 0

	for {
		txs, err := s.ready.FindAfter(ctx, pubKey, after, s.txQueryLimit)
		if err != nil {
			return fmt.Errorf("fetching demotion candidates: %w", err)
		}

		if len(txs) == 0 {
			break
		}

		if err := s.ready.Remove(ctx, txs...); err != nil {
			return fmt.Errorf("removing demoted txs: %w", err)
		}

		moved := make([]txdata.Tx, len(txs))
		for i, tx := range txs {
			moved[i] = tx.WithoutID()
		}

		if err := s.future.Add(ctx, moved...); err != nil {
			return fmt.Errorf("adding demoted txs: %w", err)
		}

		demoted += len(txs)
		after = txs[len(txs)-1].Nonce

		if len(txs) < s.txQueryLimit {
			break
		}
	}

	if demoted == 0 {
		return nil
	}

	s.evHandler("txservice: demoteNoLongerReadyTxs: pubKey[%s] highestReady[%d] demoted[%d]", pubKey, highest, demoted)

	return s.ensureFutureTxSpace(ctx, 0)
}

// /////////////////////////////////////////////////////////////////

// Batch describes the outcome of a batch cycle.
type Batch struct {
	Submitted    []txdata.Tx
	Insufficient []txdata.Tx
}

// RunBatch selects the highest priority ready transactions the signers can
// pay for, submits them to the wallet service and removes them from the
// ready table along with the ones their signers could not pay for.
func (s *Service) RunBatch(ctx context.Context) (Batch, error) {
	s.evHandler("txservice: RunBatch: started")

	batch, err := querygroup.Run(ctx, s.group, func(ctx context.Context) (Batch, error) {

		// Triggers that arrived while this batch waited for the group are
		// served by it. From here on the ready count can arm the timer again.
		s.timer.Started()

		batch, err := s.runBatch(ctx)
		if err != nil {
			return Batch{}, err
		}
		if err := s.observe(ctx); err != nil {
			return Batch{}, err
		}
		return batch, nil
	})
	if err != nil {
		s.evHandler("txservice: RunBatch: ERROR: %s", err)
		return Batch{}, err
	}

	if len(batch.Submitted) > 0 {
		s.metrics.batches.Inc()
		s.metrics.batchTxs.Add(float64(len(batch.Submitted)))
	}
	s.metrics.admissionFailures.WithLabelValues(txdata.FailureInsufficientReward).Add(float64(len(batch.Insufficient)))

	s.evHandler("txservice: RunBatch: completed: submitted[%d] insufficient[%d]", len(batch.Submitted), len(batch.Insufficient))

	return batch, nil
}

func (s *Service) runBatch(ctx context.Context) (Batch, error) {
	priorityTxs, err := s.ready.HighestPriority(ctx, s.txQueryLimit)
	if err != nil {
		return Batch{}, fmt.Errorf("fetching priority txs: %w", err)
	}

	if len(priorityTxs) == 0 {
		return Batch{}, s.checkReadyTxCount(ctx)
	}

	balances, err := s.rewardBalances(ctx, txdata.PublicKeys(priorityTxs))
	if err != nil {
		return Batch{}, err
	}

	var batch Batch
	for _, tx := range priorityTxs {
		balance := balances[tx.PubKey]
		balance.Sub(balance, tx.Reward())

		switch balance.Sign() {
		case -1:
			batch.Insufficient = append(batch.Insufficient, tx)
		default:
			batch.Submitted = append(batch.Submitted, tx)
		}

		if len(batch.Submitted) >= s.maxAggregationSize {
			break
		}
	}

	if len(batch.Submitted) > 0 {
		s.evHandler("txservice: runBatch: sending: txs[%d]", len(batch.Submitted))

		if err := s.wallet.SendTxs(ctx, batch.Submitted); err != nil {
			return Batch{}, fmt.Errorf("sending txs: %w", err)
		}
	}

	for _, tx := range batch.Insufficient {
		s.evHandler("txservice: runBatch: insufficient reward balance: tx[%s] reward[%s]", tx, tx.Reward())
	}

	remove := make([]txdata.Tx, 0, len(batch.Submitted)+len(batch.Insufficient))
	remove = append(remove, batch.Submitted...)
	remove = append(remove, batch.Insufficient...)

	if err := s.removeReadyTxs(ctx, remove); err != nil {
		return Batch{}, err
	}

	if err := s.checkReadyTxCount(ctx); err != nil {
		return Batch{}, err
	}

	return batch, nil
}

// rewardBalances looks up the reward balance of every public key. A public
// key without an address gets a zero balance.
func (s *Service) rewardBalances(ctx context.Context, pubKeys []string) (map[string]*big.Int, error) {
	var mu sync.Mutex
	balances := make(map[string]*big.Int, len(pubKeys))
	for _, pk := range pubKeys {
		balances[pk] = new(big.Int)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, pk := range pubKeys {
		g.Go(func() error {
			address, found, err := s.wallet.WalletAddress(gctx, pk)
			if err != nil || !found {
				s.evHandler("txservice: rewardBalances: WARNING: unable to map public key %s to address: %v", pk, err)
				return nil
			}

			balance, err := s.wallet.RewardBalanceOf(gctx, address)
			if err != nil {
				return fmt.Errorf("fetching reward balance of %s: %w", address, err)
			}

			mu.Lock()
			defer mu.Unlock()
			balances[pk] = new(big.Int).Set(balance)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return balances, nil
}

// timedBatch runs a batch cycle on behalf of the batch timer. A failed
// cycle is retried once the aggregation delay has elapsed again.
func (s *Service) timedBatch() {
	if _, err := s.RunBatch(context.Background()); err != nil {
		s.evHandler("txservice: timedBatch: WARNING: batch failed, retrying after delay: %s", err)
		s.timer.NotifyTxWaiting()
	}
}

// checkReadyTxCount triggers a batch right away when enough transactions
// are ready, otherwise arms or clears the delayed batch.
func (s *Service) checkReadyTxCount(ctx context.Context) error {
	count, err := s.ready.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting ready txs: %w", err)
	}

	switch {
	case count >= s.maxAggregationSize:
		s.timer.Trigger()
	case count > 0:
		s.timer.NotifyTxWaiting()
	default:
		s.timer.Clear()
	}

	return nil
}

// /////////////////////////////////////////////////////////////////

// Counts returns the number of ready and future transactions.
func (s *Service) Counts(ctx context.Context) (ready int, future int, err error) {
	err = s.group.Do(ctx, func(ctx context.Context) error {
		var err error
		if ready, err = s.ready.Count(ctx); err != nil {
			return fmt.Errorf("counting ready txs: %w", err)
		}
		if future, err = s.future.Count(ctx); err != nil {
			return fmt.Errorf("counting future txs: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	return ready, future, nil
}

// observe updates the table size gauges.
func (s *Service) observe(ctx context.Context) error {
	ready, err := s.ready.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting ready txs: %w", err)
	}

	future, err := s.future.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting future txs: %w", err)
	}

	s.metrics.setCounts(ready, future)

	return nil
}

// pickBestRewards reduces transactions in nonce order to one per nonce,
// keeping the strictly highest reward. Equal rewards keep the lowest id.
func pickBestRewards(txs []txdata.Tx) []txdata.Tx {
	var best []txdata.Tx
	for _, tx := range txs {
		last := len(best) - 1
		switch {
		case last < 0 || best[last].Nonce != tx.Nonce:
			best = append(best, tx)
		case txdata.RewardBetter(tx, best[last]) || (tx.Reward().Cmp(best[last].Reward()) == 0 && tx.ID < best[last].ID):
			best[last] = tx
		}
	}

	return best
}
