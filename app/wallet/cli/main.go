// Package main provides a command line client for the aggregator.
package main

import "github.com/adamwoolhether/aggregator/app/wallet/cli/cmd"

func main() {
	cmd.Execute()
}
