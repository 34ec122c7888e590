package wallet

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/adamwoolhether/aggregator/foundation/aggregator/txdata"
)

// Tx is the wire form of a transaction exchanged with the wallet service
// and the clients of the aggregator.
type Tx struct {
	PubKey            string        `json:"pubKey" validate:"required"`
	Nonce             uint64        `json:"nonce" validate:"lte=9223372036854775807"`
	TokenRewardAmount *hexutil.Big  `json:"tokenRewardAmount" validate:"required"`
	Signature         string        `json:"signature" validate:"required"`
	Payload           hexutil.Bytes `json:"payload"`
}

// ToTx converts a transaction to its wire form.
func ToTx(tx txdata.Tx) Tx {
	return Tx{
		PubKey:            tx.PubKey,
		Nonce:             tx.Nonce,
		TokenRewardAmount: (*hexutil.Big)(new(big.Int).Set(tx.Reward())),
		Signature:         tx.Signature,
		Payload:           tx.Payload,
	}
}

// ToTxData converts the wire form back to a transaction.
func (t Tx) ToTxData() txdata.Tx {
	reward := new(big.Int)
	if t.TokenRewardAmount != nil {
		reward.Set(t.TokenRewardAmount.ToInt())
	}

	return txdata.Tx{
		PubKey:            t.PubKey,
		Nonce:             t.Nonce,
		TokenRewardAmount: reward,
		Signature:         t.Signature,
		Payload:           []byte(t.Payload),
	}
}
