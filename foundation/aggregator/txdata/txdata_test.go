package txdata_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adamwoolhether/aggregator/foundation/aggregator/txdata"
)

func TestHigherPriority(t *testing.T) {
	tt := []struct {
		name  string
		left  txdata.Tx
		right txdata.Tx
		exp   bool
	}{
		{"higher reward wins", txdata.Tx{ID: 9, TokenRewardAmount: big.NewInt(5)}, txdata.Tx{ID: 1, TokenRewardAmount: big.NewInt(4)}, true},
		{"lower reward loses", txdata.Tx{ID: 1, TokenRewardAmount: big.NewInt(4)}, txdata.Tx{ID: 9, TokenRewardAmount: big.NewInt(5)}, false},
		{"tie goes to lower id", txdata.Tx{ID: 1, TokenRewardAmount: big.NewInt(5)}, txdata.Tx{ID: 2, TokenRewardAmount: big.NewInt(5)}, true},
		{"tie with higher id", txdata.Tx{ID: 3, TokenRewardAmount: big.NewInt(5)}, txdata.Tx{ID: 2, TokenRewardAmount: big.NewInt(5)}, false},
		{"nil reward is zero", txdata.Tx{ID: 3}, txdata.Tx{ID: 2, TokenRewardAmount: big.NewInt(0)}, false},
	}

	for _, tst := range tt {
		t.Run(tst.name, func(t *testing.T) {
			require.Equal(t, tst.exp, txdata.HigherPriority(tst.left, tst.right))
		})
	}
}

func TestRewardBetter(t *testing.T) {
	a := txdata.Tx{TokenRewardAmount: big.NewInt(10)}
	b := txdata.Tx{TokenRewardAmount: big.NewInt(10)}

	require.False(t, txdata.RewardBetter(a, b), "equal rewards are not better")

	b.TokenRewardAmount = big.NewInt(11)
	require.True(t, txdata.RewardBetter(b, a))
}

func TestPublicKeys(t *testing.T) {
	txs := []txdata.Tx{{PubKey: "b"}, {PubKey: "a"}, {PubKey: "b"}, {PubKey: "c"}, {PubKey: "a"}}

	require.Equal(t, []string{"b", "a", "c"}, txdata.PublicKeys(txs))
	require.Nil(t, txdata.PublicKeys(nil))
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name  string
		tx    txdata.Tx
		types []string
	}{
		{"valid", txdata.Tx{Nonce: txdata.MaxNonce, TokenRewardAmount: big.NewInt(1)}, nil},
		{"nil reward", txdata.Tx{Nonce: 3}, nil},
		{"nonce", txdata.Tx{Nonce: txdata.MaxNonce + 1, TokenRewardAmount: big.NewInt(1)}, []string{txdata.FailureInvalidNonce}},
		{"reward", txdata.Tx{TokenRewardAmount: big.NewInt(-1)}, []string{txdata.FailureInvalidReward}},
		{"both", txdata.Tx{Nonce: ^uint64(0), TokenRewardAmount: big.NewInt(-5)}, []string{txdata.FailureInvalidNonce, txdata.FailureInvalidReward}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var types []string
			for _, f := range tt.tx.Check() {
				types = append(types, f.Type)
			}
			require.Equal(t, tt.types, types)
		})
	}
}
