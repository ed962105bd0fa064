package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var closeRole string

var closeCmd = &cobra.Command{
	Use:   "close <review-id>",
	Short: "Close a review",
	Long: `Close an approved or changes_requested review. Only the proposer
side may close.`,
	Args: cobra.ExactArgs(1),
	RunE: runClose,
}

func init() {
	closeCmd.Flags().StringVar(&closeRole, "role", "proposer",
		"Closing role")
}

func runClose(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := getClient()
	if err != nil {
		return err
	}
	defer client.Close()

	doc, err := client.CloseReview(ctx, args[0], closeRole)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(doc)
	}

	fmt.Printf("Review %s closed\n", docStr(doc, "review_id"))

	return nil
}
