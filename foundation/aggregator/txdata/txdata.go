// Package txdata defines the pending transaction record that flows through
// the aggregator and the structured reasons a transaction can be refused.
package txdata

import (
	"fmt"
	"math"
	"math/big"
)

// MaxNonce is the highest nonce the tables can order. Nonces are stored as
// signed 64 bit integers.
const MaxNonce = math.MaxInt64

// Tx represents a signed transfer request awaiting aggregation.
type Tx struct {
	ID                int64    // Assigned by a table on insert. Zero means unassigned.
	PubKey            string   // Public key of the signer.
	Nonce             uint64   // Signer sequence number.
	TokenRewardAmount *big.Int // Reward offered to the aggregator.
	Signature         string   // Opaque, forwarded to the wallet service.
	Payload           []byte   // Opaque, forwarded to the wallet service.
}

// WithoutID returns a copy of the transaction with the table id cleared so
// it can be inserted again and receive a fresh ordering position.
func (tx Tx) WithoutID() Tx {
	tx.ID = 0
	return tx
}

// Reward returns the reward amount, treating a missing value as zero.
func (tx Tx) Reward() *big.Int {
	if tx.TokenRewardAmount == nil {
		return new(big.Int)
	}
	return tx.TokenRewardAmount
}

// RewardBetter reports whether the left transaction offers a strictly
// greater reward than the right one.
func RewardBetter(left, right Tx) bool {
	return left.Reward().Cmp(right.Reward()) > 0
}

// HigherPriority reports whether the left transaction is ordered before the
// right one: reward descending, then id ascending.
func HigherPriority(left, right Tx) bool {
	switch left.Reward().Cmp(right.Reward()) {
	case 1:
		return true
	case -1:
		return false
	}
	return left.ID < right.ID
}

// String implements the fmt.Stringer interface for logging.
func (tx Tx) String() string {
	return fmt.Sprintf("%s:%d", tx.PubKey, tx.Nonce)
}

// PublicKeys returns the distinct public keys in the order they first appear.
func PublicKeys(txs []Tx) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, tx := range txs {
		if _, exists := seen[tx.PubKey]; exists {
			continue
		}
		seen[tx.PubKey] = struct{}{}
		keys = append(keys, tx.PubKey)
	}

	return keys
}

// /////////////////////////////////////////////////////////////////

// Set of failure types produced by the aggregator itself. The wallet
// service may report additional types which are passed through verbatim.
const (
	FailureDuplicateNonce     = "duplicate-nonce"
	FailureInsufficientReward = "insufficient-reward"
	FailureInvalidNonce       = "invalid-nonce"
	FailureInvalidReward      = "invalid-reward"
)

// Failure is a structured reason a submitted transaction was not queued.
type Failure struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// CheckResult is what the wallet service reports about a transaction:
// static validation failures and the signer's next on-chain nonce.
type CheckResult struct {
	Failures  []Failure
	NextNonce uint64
}

// Check reports the failures a transaction has on its own, before any
// signer state is considered.
func (tx Tx) Check() []Failure {
	var failures []Failure

	if tx.Nonce > MaxNonce {
		failures = append(failures, Failure{
			Type:        FailureInvalidNonce,
			Description: fmt.Sprintf("nonce %d is above the maximum of %d", tx.Nonce, uint64(MaxNonce)),
		})
	}

	if tx.Reward().Sign() < 0 {
		failures = append(failures, Failure{
			Type:        FailureInvalidReward,
			Description: fmt.Sprintf("reward %s is negative", tx.Reward()),
		})
	}

	return failures
}
