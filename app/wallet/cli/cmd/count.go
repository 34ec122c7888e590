package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// countCmd represents the count command
var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Show the number of ready and future transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, err := aggregatorURL()
		if err != nil {
			return err
		}

		return runCount(url)
	},
}

func init() {
	rootCmd.AddCommand(countCmd)
}

func runCount(url string) error {
	resp, err := http.Get(fmt.Sprintf("%s/v1/transaction/count", url))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	var counts struct {
		Ready  int `json:"ready"`
		Future int `json:"future"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&counts); err != nil {
		return err
	}

	fmt.Printf("ready: %d\nfuture: %d\n", counts.Ready, counts.Future)

	return nil
}
