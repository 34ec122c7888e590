package cmd

import (
	"crypto/ecdsa"
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// pubKeyOf returns the compressed public key in hex.
func pubKeyOf(privateKey *ecdsa.PrivateKey) string {
	return hexutil.Encode(crypto.CompressPubkey(&privateKey.PublicKey))
}

// digest is the hash a transaction signature commits to.
func digest(pubKey string, nonce uint64, reward *big.Int, payload []byte) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)

	return crypto.Keccak256([]byte(pubKey), n[:], common.LeftPadBytes(reward.Bytes(), 32), payload)
}

// sign produces the hex encoded signature over the transaction fields.
func sign(privateKey *ecdsa.PrivateKey, nonce uint64, reward *big.Int, payload []byte) (string, error) {
	sig, err := crypto.Sign(digest(pubKeyOf(privateKey), nonce, reward, payload), privateKey)
	if err != nil {
		return "", err
	}

	return hexutil.Encode(sig), nil
}
