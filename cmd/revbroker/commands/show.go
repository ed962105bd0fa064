package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	showWait       bool
	showProposal   bool
	showDiscussion bool
	showRound      int
)

var showCmd = &cobra.Command{
	Use:   "show <review-id>",
	Short: "Show a review",
	Long: `Show a review's status. --proposal includes the raw diff,
--discussion the message thread. --wait long-polls until the review
changes.`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showWait, "wait", false,
		"Long-poll until the review changes")
	showCmd.Flags().BoolVar(&showProposal, "proposal", false,
		"Include the proposal diff")
	showCmd.Flags().BoolVar(&showDiscussion, "discussion", false,
		"Include the discussion thread")
	showCmd.Flags().IntVar(&showRound, "round", 0,
		"Restrict the discussion to one round (0 = all)")
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	reviewID := args[0]

	client, err := getClient()
	if err != nil {
		return err
	}
	defer client.Close()

	doc, err := client.ReviewStatus(ctx, reviewID, showWait)
	if err != nil {
		return err
	}

	if showProposal {
		proposal, err := client.Proposal(ctx, reviewID)
		if err != nil {
			return err
		}
		doc["proposal"] = proposal
	}
	if showDiscussion {
		discussion, err := client.Discussion(ctx, reviewID, showRound)
		if err != nil {
			return err
		}
		doc["discussion"] = discussion
	}

	if jsonOutput {
		return printJSON(doc)
	}

	printReviewStatus(doc)

	if showProposal {
		proposal, _ := doc["proposal"].(map[string]any)
		if diff := docStr(proposal, "diff"); diff != "" {
			fmt.Println("\n--- Proposal diff ---")
			fmt.Println(diff)
		}
		if cp := docStr(proposal, "counter_patch"); cp != "" {
			fmt.Printf("\n--- Counter-patch (%s) ---\n",
				docStr(proposal, "counter_patch_status"))
			fmt.Println(cp)
		}
	}
	if showDiscussion {
		discussion, _ := doc["discussion"].(map[string]any)
		printDiscussion(discussion)
	}

	return nil
}

func printReviewStatus(doc map[string]any) {
	fmt.Printf("Review %s\n", docStr(doc, "id"))
	fmt.Printf("  Status:   %s\n", docStr(doc, "status"))
	fmt.Printf("  Intent:   %s\n", docStr(doc, "intent"))
	fmt.Printf("  Category: %s (priority %s)\n", docStr(doc, "category"),
		docStr(doc, "priority"))
	fmt.Printf("  Agent:    %s/%s phase %s\n", docStr(doc, "agent_type"),
		docStr(doc, "agent_role"), docStr(doc, "phase"))

	if project := docStr(doc, "project"); project != "" {
		fmt.Printf("  Project:  %s\n", project)
	}
	if by := docStr(doc, "claimed_by"); by != "" {
		fmt.Printf("  Claimed:  %s (generation %d)\n", by,
			docInt(doc, "claim_generation"))
	}

	fmt.Printf("  Round:    %d\n", docInt(doc, "current_round"))

	if reason := docStr(doc, "verdict_reason"); reason != "" {
		fmt.Printf("  Verdict:  %s\n", reason)
	}
	if docBool(doc, "has_counter_patch") {
		fmt.Printf("  Counter:  %s\n",
			docStr(doc, "counter_patch_status"))
	}
	if parent := docStr(doc, "parent_id"); parent != "" {
		fmt.Printf("  Parent:   %s\n", parent)
	}

	fmt.Printf("  Created:  %s\n", docStr(doc, "created_at"))
	fmt.Printf("  Updated:  %s\n", docStr(doc, "updated_at"))
}

func printDiscussion(doc map[string]any) {
	messages := docList(doc, "messages")
	if len(messages) == 0 {
		fmt.Println("\nNo discussion messages.")
		return
	}

	fmt.Printf("\n--- Discussion (%d message(s)) ---\n", len(messages))
	for _, m := range messages {
		fmt.Printf("[round %d] %s at %s:\n%s\n\n",
			docInt(m, "round"), docStr(m, "sender_role"),
			docStr(m, "created_at"), docStr(m, "body"))
	}
}
