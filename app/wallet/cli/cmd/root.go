// Package cmd contains wallet app commands.
package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

const (
	keyExt             = ".ecdsa"
	defaultAccountPath = "aggregator/accounts/"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "aggregator-cli",
	Short: "Submit transactions to the aggregator and inspect its pool",
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("account-path", "p", defaultAccountPath, "Path to the directory with the signer private keys.")
	rootCmd.PersistentFlags().StringP("account", "a", "private.ecdsa", "The account to use.")
	rootCmd.PersistentFlags().StringP("url", "u", "http://localhost:3000", "Url of the aggregator.")
}

func keyPath(acctName, path string) string {
	if !strings.HasSuffix(acctName, keyExt) {
		acctName += keyExt
	}

	return filepath.Join(path, acctName)
}

// accountKeyPath resolves the key file of the account selected by flags.
func accountKeyPath() (string, error) {
	acctName, err := rootCmd.PersistentFlags().GetString("account")
	if err != nil {
		return "", err
	}

	path, err := rootCmd.PersistentFlags().GetString("account-path")
	if err != nil {
		return "", err
	}

	return keyPath(acctName, path), nil
}

func aggregatorURL() (string, error) {
	url, err := rootCmd.PersistentFlags().GetString("url")
	if err != nil {
		return "", err
	}

	return strings.TrimSuffix(url, "/"), nil
}
