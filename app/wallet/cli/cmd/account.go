package cmd

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

// accountCmd represents the account command
var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Print the public key the aggregator knows the account by",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := accountKeyPath()
		if err != nil {
			return err
		}

		return runAccount(user)
	},
}

func init() {
	rootCmd.AddCommand(accountCmd)
}

func runAccount(user string) error {
	privateKey, err := crypto.LoadECDSA(user)
	if err != nil {
		return err
	}

	fmt.Println(pubKeyOf(privateKey))

	return nil
}
