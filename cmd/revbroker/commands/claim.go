package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var claimReviewer string

var claimCmd = &cobra.Command{
	Use:   "claim <review-id>",
	Short: "Claim a pending review",
	Long: `Claim a pending review for a reviewer. The claim carries a
generation number; pass it back with the verdict to fence against
reclaims.`,
	Args: cobra.ExactArgs(1),
	RunE: runClaim,
}

func init() {
	claimCmd.Flags().StringVar(&claimReviewer, "reviewer", "",
		"Reviewer identity claiming the work (required)")
	claimCmd.MarkFlagRequired("reviewer")
}

func runClaim(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := getClient()
	if err != nil {
		return err
	}
	defer client.Close()

	doc, err := client.ClaimReview(ctx, args[0], claimReviewer)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(doc)
	}

	if docBool(doc, "auto_rejected") {
		fmt.Printf("Review %s auto-rejected: %s\n",
			docStr(doc, "review_id"),
			docStr(doc, "validation_error"))
		return nil
	}

	fmt.Printf("Claimed %s (generation %d)\n", docStr(doc, "review_id"),
		docInt(doc, "claim_generation"))
	fmt.Printf("  Intent: %s\n", docStr(doc, "intent"))
	if desc := docStr(doc, "description"); desc != "" {
		fmt.Printf("  Description: %s\n", truncate(desc, 200))
	}
	fmt.Printf("  Category: %s, diff: %v\n", docStr(doc, "category"),
		docBool(doc, "has_diff"))

	return nil
}
