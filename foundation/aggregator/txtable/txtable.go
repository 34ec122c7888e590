// Package txtable defines the behavior of an ordered, persistent collection
// of pending transactions. The aggregator keeps two of them: ready and future.
package txtable

import (
	"context"
	"errors"

	"github.com/adamwoolhether/aggregator/foundation/aggregator/txdata"
)

// Names of the two tables the aggregator maintains.
const (
	ReadyTable  = "ready_txs"
	FutureTable = "future_txs"
)

// ErrDuplicateNonce is returned when a unique table already holds the
// public key and nonce of a transaction being added.
var ErrDuplicateNonce = errors.New("duplicate public key and nonce")

// Table represents the behavior required to be implemented by any package
// providing transaction storage for the aggregator. Every insert assigns a
// new id that is strictly greater than any id assigned before it, so id
// order is insertion order. Ids are never reused.
type Table interface {

	// Add inserts the transactions in the order given. Any id already set
	// on a transaction is ignored.
	Add(ctx context.Context, txs ...txdata.Tx) error

	// Remove deletes the transactions matching the ids of the ones given.
	Remove(ctx context.Context, txs ...txdata.Tx) error

	// Find locates the transaction with the public key and nonce. When more
	// than one exists the one with the lowest id is returned.
	Find(ctx context.Context, pubKey string, nonce uint64) (txdata.Tx, bool, error)

	// FindAfter returns up to limit transactions for the public key with a
	// nonce strictly greater than the one given, in nonce order.
	FindAfter(ctx context.Context, pubKey string, nonce uint64, limit int) ([]txdata.Tx, error)

	// PubKeyTxsInNonceOrder returns up to limit transactions for the public
	// key ordered by nonce, then id.
	PubKeyTxsInNonceOrder(ctx context.Context, pubKey string, limit int) ([]txdata.Tx, error)

	// NextNonceOf returns the lowest nonce not held for the public key that
	// is at or above from: from itself when it is unused, otherwise one past
	// the end of the contiguous run of nonces starting at from.
	NextNonceOf(ctx context.Context, pubKey string, from uint64) (uint64, error)

	// HighestPriority returns up to limit transactions ordered by reward
	// descending, then id ascending.
	HighestPriority(ctx context.Context, limit int) ([]txdata.Tx, error)

	// Oldest returns the transaction with the lowest id.
	Oldest(ctx context.Context) (txdata.Tx, bool, error)

	// ClearBeforeID deletes every transaction with an id below the one given.
	ClearBeforeID(ctx context.Context, id int64) error

	// Count returns the number of transactions held.
	Count(ctx context.Context) (int, error)

	// All returns every transaction in id order.
	All(ctx context.Context) ([]txdata.Tx, error)
}
