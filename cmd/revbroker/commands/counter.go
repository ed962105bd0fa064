package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var counterCmd = &cobra.Command{
	Use:   "counter",
	Short: "Resolve a counter-patch",
	Long: `Accept or reject the reviewer's counter-patch on a
changes_requested review.`,
}

var counterAcceptCmd = &cobra.Command{
	Use:   "accept <review-id>",
	Short: "Accept the counter-patch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCounter(args[0], true)
	},
}

var counterRejectCmd = &cobra.Command{
	Use:   "reject <review-id>",
	Short: "Reject the counter-patch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCounter(args[0], false)
	},
}

func init() {
	counterCmd.AddCommand(counterAcceptCmd)
	counterCmd.AddCommand(counterRejectCmd)
}

func runCounter(reviewID string, accept bool) error {
	ctx := context.Background()

	client, err := getClient()
	if err != nil {
		return err
	}
	defer client.Close()

	doc, err := client.CounterPatch(ctx, reviewID, accept)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(doc)
	}

	fmt.Printf("Counter-patch on %s: %s\n", docStr(doc, "review_id"),
		docStr(doc, "counter_patch_status"))

	return nil
}
