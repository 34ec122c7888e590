// Package erc20 reads reward token balances straight from the chain.
package erc20

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const balanceOfABI = `[{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"stateMutability":"view","type":"function"}]`

// Caller represents the behavior required to execute a read only
// contract call.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Token reads balances of a single ERC20 contract.
type Token struct {
	caller  Caller
	address common.Address
	abi     abi.ABI
}

// New constructs a token reader for the contract at the address.
func New(caller Caller, address common.Address) (*Token, error) {
	parsed, err := abi.JSON(strings.NewReader(balanceOfABI))
	if err != nil {
		return nil, fmt.Errorf("parsing erc20 abi: %w", err)
	}

	t := Token{
		caller:  caller,
		address: address,
		abi:     parsed,
	}

	return &t, nil
}

// Dial connects to the node at the rpc url and constructs a token reader.
// The returned function closes the connection.
func Dial(ctx context.Context, rpcURL string, address common.Address) (*Token, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", rpcURL, err)
	}

	t, err := New(client, address)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	return t, client.Close, nil
}

// BalanceOf returns the token balance of the owner at the latest block.
func (t *Token) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := t.abi.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("packing balanceOf: %w", err)
	}

	msg := ethereum.CallMsg{
		To:   &t.address,
		Data: data,
	}

	out, err := t.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("calling balanceOf(%s): %w", owner, err)
	}

	values, err := t.abi.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("unpacking balanceOf: %w", err)
	}

	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", values[0])
	}

	return balance, nil
}
