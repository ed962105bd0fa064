package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	verdictValue       string
	verdictReason      string
	verdictReviewer    string
	verdictGeneration  int
	verdictCounterFile string
)

var verdictCmd = &cobra.Command{
	Use:   "verdict <review-id>",
	Short: "Submit a verdict",
	Long: `Submit a verdict on a claimed review: approved,
changes_requested, or needs_discussion. changes_requested may carry a
counter-patch for the proposer to accept or reject.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerdict,
}

func init() {
	verdictCmd.Flags().StringVar(&verdictValue, "verdict", "",
		"approved, changes_requested, or needs_discussion (required)")
	verdictCmd.Flags().StringVar(&verdictReason, "reason", "",
		"Explanation recorded with the verdict")
	verdictCmd.Flags().StringVar(&verdictReviewer, "reviewer", "",
		"Reviewer identity, must match the claim")
	verdictCmd.Flags().IntVar(&verdictGeneration, "generation", 0,
		"Claim generation from the claim response (0 = unfenced)")
	verdictCmd.Flags().StringVar(&verdictCounterFile, "counter-patch", "",
		"Path to a counter-patch diff ('-' reads stdin)")

	verdictCmd.MarkFlagRequired("verdict")
}

func runVerdict(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := getClient()
	if err != nil {
		return err
	}
	defer client.Close()

	body := map[string]any{
		"verdict": verdictValue,
	}
	if verdictReason != "" {
		body["reason"] = verdictReason
	}
	if verdictReviewer != "" {
		body["reviewer_id"] = verdictReviewer
	}
	if cmd.Flags().Changed("generation") {
		body["claim_generation"] = verdictGeneration
	}

	if verdictCounterFile != "" {
		var raw []byte
		if verdictCounterFile == "-" {
			raw, err = io.ReadAll(os.Stdin)
		} else {
			raw, err = os.ReadFile(verdictCounterFile)
		}
		if err != nil {
			return fmt.Errorf("read counter-patch: %w", err)
		}
		body["counter_patch"] = string(raw)
	}

	doc, err := client.SubmitVerdict(ctx, args[0], body)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(doc)
	}

	fmt.Printf("Review %s is now %s\n", docStr(doc, "review_id"),
		docStr(doc, "status"))
	if docBool(doc, "has_counter_patch") {
		fmt.Println("Counter-patch recorded, awaiting the proposer.")
	}

	return nil
}
