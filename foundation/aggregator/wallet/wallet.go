// Package wallet provides a client for the wallet service. The wallet
// service verifies signatures, knows the on-chain state of every signer and
// aggregates batches of transactions into a single on-chain transaction.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/adamwoolhether/aggregator/foundation/aggregator/txdata"
)

// TokenBalancer represents the behavior required to read reward token
// balances directly from the chain.
type TokenBalancer interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
}

// Config represents the configuration of the client.
type Config struct {
	URL      string
	Timeout  time.Duration
	Client   *http.Client
	Balancer TokenBalancer
}

// Client talks to the wallet service.
type Client struct {
	base     string
	client   *http.Client
	balancer TokenBalancer
}

// New constructs a client for the wallet service at the specified url. When
// a balancer is provided reward balances are read from it instead of the
// wallet service.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing wallet url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("wallet url must be http or https: %q", cfg.URL)
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	c := Client{
		base:     strings.TrimSuffix(u.String(), "/"),
		client:   client,
		balancer: cfg.Balancer,
	}

	return &c, nil
}

// CheckTx validates the transaction and reports the signer's next nonce.
func (c *Client) CheckTx(ctx context.Context, tx txdata.Tx) (txdata.CheckResult, error) {
	var resp struct {
		Failures  []txdata.Failure `json:"failures"`
		NextNonce uint64           `json:"nextNonce"`
	}

	if err := c.do(ctx, http.MethodPost, "/v1/tx/check", ToTx(tx), &resp); err != nil {
		return txdata.CheckResult{}, err
	}

	res := txdata.CheckResult{
		Failures:  resp.Failures,
		NextNonce: resp.NextNonce,
	}

	return res, nil
}

// SendTxs asks the wallet service to aggregate and submit the transactions.
func (c *Client) SendTxs(ctx context.Context, txs []txdata.Tx) error {
	body := make([]Tx, len(txs))
	for i, tx := range txs {
		body[i] = ToTx(tx)
	}

	return c.do(ctx, http.MethodPost, "/v1/tx/send", body, nil)
}

// WalletAddress resolves the address of the wallet owned by the public key.
func (c *Client) WalletAddress(ctx context.Context, pubKey string) (common.Address, bool, error) {
	var resp struct {
		Address common.Address `json:"address"`
	}

	err := c.do(ctx, http.MethodGet, "/v1/wallet/"+url.PathEscape(pubKey), nil, &resp)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return common.Address{}, false, nil
		}
		return common.Address{}, false, err
	}

	return resp.Address, true, nil
}

// RewardBalanceOf returns the reward token balance of the address.
func (c *Client) RewardBalanceOf(ctx context.Context, address common.Address) (*big.Int, error) {
	if c.balancer != nil {
		return c.balancer.BalanceOf(ctx, address)
	}

	var resp struct {
		Balance *hexutil.Big `json:"balance"`
	}

	if err := c.do(ctx, http.MethodGet, "/v1/balance/"+address.Hex(), nil, &resp); err != nil {
		return nil, err
	}

	if resp.Balance == nil {
		return new(big.Int), nil
	}

	return resp.Balance.ToInt(), nil
}

// /////////////////////////////////////////////////////////////////

// ErrNotFound is returned when the wallet service responds with 404.
var ErrNotFound = errors.New("not found")

// StatusError is returned when the wallet service responds with an
// unexpected status code.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

// Error implements the error interface.
func (se *StatusError) Error() string {
	return fmt.Sprintf("wallet: %s %s: status %d: %s", se.Method, se.Path, se.Status, se.Body)
}

func (c *Client) do(ctx context.Context, method string, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("wallet: encoding %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("wallet: building %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("wallet: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("wallet: %s %s: %w", method, path, ErrNotFound)

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("wallet: decoding %s: %w", path, err)
	}

	return nil
}
