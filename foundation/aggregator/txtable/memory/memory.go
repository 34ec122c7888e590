// Package memory implements the transaction tables in memory. A DB holds any
// number of named tables and supports snapshot transactions so it can back a
// query group the same way a relational database does.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/adamwoolhether/aggregator/foundation/aggregator/querygroup"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txdata"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/txtable"
)

// ErrTxInProgress is returned by Begin when the previous transaction
// has not been committed or rolled back.
var ErrTxInProgress = errors.New("transaction already in progress")

// DB manages a set of in-memory tables.
type DB struct {
	mu     sync.Mutex
	tables map[string]*data
	inTx   bool
}

// data is the content of one table. Rows are kept in id order.
type data struct {
	unique bool
	nextID int64
	rows   []txdata.Tx
}

// New constructs an empty database.
func New() *DB {
	return &DB{
		tables: make(map[string]*data),
	}
}

// Table returns the named table, creating it if needed. A unique table
// refuses two transactions with the same public key and nonce.
func (db *DB) Table(name string, unique bool) *Table {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, exists := db.tables[name]; !exists {
		db.tables[name] = &data{unique: unique, nextID: 1}
	}

	return &Table{db: db, name: name}
}

// Begin snapshots every table. Rolling back restores the snapshot except for
// the id counters, which like a database sequence only move forward.
func (db *DB) Begin(ctx context.Context) (context.Context, querygroup.Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.inTx {
		return ctx, nil, ErrTxInProgress
	}
	db.inTx = true

	snap := make(map[string][]txdata.Tx, len(db.tables))
	for name, d := range db.tables {
		snap[name] = copyRows(d.rows)
	}

	return ctx, &tx{db: db, snapshot: snap}, nil
}

// tx is a snapshot transaction.
type tx struct {
	db       *DB
	snapshot map[string][]txdata.Tx
	done     bool
}

// Commit keeps the changes made since Begin.
func (t *tx) Commit(ctx context.Context) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	if t.done {
		return errors.New("transaction already closed")
	}
	t.done = true
	t.db.inTx = false

	return nil
}

// Rollback discards the changes made since Begin.
func (t *tx) Rollback(ctx context.Context) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	if t.done {
		return errors.New("transaction already closed")
	}
	t.done = true
	t.db.inTx = false

	for name, d := range t.db.tables {
		d.rows = t.snapshot[name]
	}

	return nil
}

// /////////////////////////////////////////////////////////////////

// Table provides access to one table of the database. It implements
// the txtable.Table interface.
type Table struct {
	db   *DB
	name string
}

var _ txtable.Table = (*Table)(nil)

// Add inserts the transactions in the order given.
func (t *Table) Add(ctx context.Context, txs ...txdata.Tx) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	d := t.db.tables[t.name]

	if d.unique {
		seen := make(map[string]struct{})
		for _, row := range d.rows {
			seen[row.String()] = struct{}{}
		}
		for _, tx := range txs {
			if _, exists := seen[tx.String()]; exists {
				return fmt.Errorf("%s: %w: %s", t.name, txtable.ErrDuplicateNonce, tx)
			}
			seen[tx.String()] = struct{}{}
		}
	}

	for _, tx := range txs {
		tx.ID = d.nextID
		d.nextID++
		d.rows = append(d.rows, copyTx(tx))
	}

	return nil
}

// Remove deletes the transactions matching the given ids.
func (t *Table) Remove(ctx context.Context, txs ...txdata.Tx) error {
	if len(txs) == 0 {
		return nil
	}

	ids := make(map[int64]struct{}, len(txs))
	for _, tx := range txs {
		ids[tx.ID] = struct{}{}
	}

	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	t.filter(func(tx txdata.Tx) bool {
		_, remove := ids[tx.ID]
		return !remove
	})

	return nil
}

// Find locates the transaction with the public key and nonce.
func (t *Table) Find(ctx context.Context, pubKey string, nonce uint64) (txdata.Tx, bool, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	for _, tx := range t.db.tables[t.name].rows {
		if tx.PubKey == pubKey && tx.Nonce == nonce {
			return copyTx(tx), true, nil
		}
	}

	return txdata.Tx{}, false, nil
}

// FindAfter returns transactions for the public key with a greater nonce.
func (t *Table) FindAfter(ctx context.Context, pubKey string, nonce uint64, limit int) ([]txdata.Tx, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	txs := t.match(func(tx txdata.Tx) bool {
		return tx.PubKey == pubKey && tx.Nonce > nonce
	})
	sortByNonce(txs)

	return truncate(txs, limit), nil
}

// PubKeyTxsInNonceOrder returns transactions for the public key by nonce.
func (t *Table) PubKeyTxsInNonceOrder(ctx context.Context, pubKey string, limit int) ([]txdata.Tx, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	txs := t.match(func(tx txdata.Tx) bool {
		return tx.PubKey == pubKey
	})
	sortByNonce(txs)

	return truncate(txs, limit), nil
}

// NextNonceOf returns the lowest unused nonce at or above from.
func (t *Table) NextNonceOf(ctx context.Context, pubKey string, from uint64) (uint64, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	held := make(map[uint64]struct{})
	for _, tx := range t.db.tables[t.name].rows {
		if tx.PubKey == pubKey && tx.Nonce >= from {
			held[tx.Nonce] = struct{}{}
		}
	}

	next := from
	for {
		if _, exists := held[next]; !exists {
			return next, nil
		}
		next++
	}
}

// HighestPriority returns transactions by reward descending, then id.
func (t *Table) HighestPriority(ctx context.Context, limit int) ([]txdata.Tx, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	txs := copyRows(t.db.tables[t.name].rows)
	sort.SliceStable(txs, func(i, j int) bool {
		return txdata.HigherPriority(txs[i], txs[j])
	})

	return truncate(txs, limit), nil
}

// Oldest returns the transaction with the lowest id.
func (t *Table) Oldest(ctx context.Context) (txdata.Tx, bool, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	rows := t.db.tables[t.name].rows
	if len(rows) == 0 {
		return txdata.Tx{}, false, nil
	}

	return copyTx(rows[0]), true, nil
}

// ClearBeforeID deletes every transaction with an id below the one given.
func (t *Table) ClearBeforeID(ctx context.Context, id int64) error {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	t.filter(func(tx txdata.Tx) bool {
		return tx.ID >= id
	})

	return nil
}

// Count returns the number of transactions held.
func (t *Table) Count(ctx context.Context) (int, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	return len(t.db.tables[t.name].rows), nil
}

// All returns every transaction in id order.
func (t *Table) All(ctx context.Context) ([]txdata.Tx, error) {
	t.db.mu.Lock()
	defer t.db.mu.Unlock()

	return copyRows(t.db.tables[t.name].rows), nil
}

// /////////////////////////////////////////////////////////////////

// filter keeps the rows for which keep returns true. The db lock must be held.
func (t *Table) filter(keep func(tx txdata.Tx) bool) {
	d := t.db.tables[t.name]

	rows := make([]txdata.Tx, 0, len(d.rows))
	for _, tx := range d.rows {
		if keep(tx) {
			rows = append(rows, tx)
		}
	}
	d.rows = rows
}

// match copies out the rows for which fn returns true. The db lock must be held.
func (t *Table) match(fn func(tx txdata.Tx) bool) []txdata.Tx {
	var txs []txdata.Tx
	for _, tx := range t.db.tables[t.name].rows {
		if fn(tx) {
			txs = append(txs, copyTx(tx))
		}
	}

	return txs
}

// sortByNonce orders by nonce, then id.
func sortByNonce(txs []txdata.Tx) {
	sort.Slice(txs, func(i, j int) bool {
		if txs[i].Nonce != txs[j].Nonce {
			return txs[i].Nonce < txs[j].Nonce
		}
		return txs[i].ID < txs[j].ID
	})
}

func truncate(txs []txdata.Tx, limit int) []txdata.Tx {
	if limit >= 0 && len(txs) > limit {
		return txs[:limit]
	}
	return txs
}

func copyRows(rows []txdata.Tx) []txdata.Tx {
	out := make([]txdata.Tx, len(rows))
	for i, tx := range rows {
		out[i] = copyTx(tx)
	}
	return out
}

// copyTx detaches the mutable fields so callers can't alter stored rows.
func copyTx(tx txdata.Tx) txdata.Tx {
	tx.TokenRewardAmount = new(big.Int).Set(tx.Reward())
	if tx.Payload != nil {
		tx.Payload = append([]byte(nil), tx.Payload...)
	}
	return tx
}
