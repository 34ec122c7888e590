package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/adamwoolhether/aggregator/foundation/aggregator/txdata"
	"github.com/adamwoolhether/aggregator/foundation/aggregator/wallet"
)

var (
	nonce   uint64
	reward  string
	payload []byte
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Sign and submit a transaction",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := accountKeyPath()
		if err != nil {
			return err
		}

		url, err := aggregatorURL()
		if err != nil {
			return err
		}

		return runSend(user, url)
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().Uint64VarP(&nonce, "nonce", "n", 0, "Nonce of the transaction.")
	sendCmd.Flags().StringVarP(&reward, "reward", "r", "0", "Token reward offered to the aggregator.")
	sendCmd.Flags().BytesHexVarP(&payload, "payload", "d", nil, "Payload to send.")
}

func runSend(user string, url string) error {
	privateKey, err := crypto.LoadECDSA(user)
	if err != nil {
		return err
	}

	amount, ok := new(big.Int).SetString(reward, 10)
	if !ok || amount.Sign() < 0 {
		return fmt.Errorf("invalid reward %q", reward)
	}

	sig, err := sign(privateKey, nonce, amount, payload)
	if err != nil {
		return err
	}

	tx := wallet.Tx{
		PubKey:            pubKeyOf(privateKey),
		Nonce:             nonce,
		TokenRewardAmount: (*hexutil.Big)(amount),
		Signature:         sig,
		Payload:           payload,
	}

	data, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	resp, err := http.Post(fmt.Sprintf("%s/v1/transaction", url), "application/json", bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result struct {
		Failures []txdata.Failure `json:"failures"`
		Error    string           `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if result.Error != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, result.Error)
	}

	if len(result.Failures) == 0 {
		fmt.Println("accepted")
		return nil
	}

	for _, f := range result.Failures {
		fmt.Printf("%s: %s\n", f.Type, f.Description)
	}

	return fmt.Errorf("transaction refused")
}
