package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	createReviewID string
	createIntent   string
	createType     string
	createRole     string
	createPhase    string
	createPlan     string
	createTask     string
	createProject  string
	createDesc     string
	createDiffFile string
	createCategory string
	createSkipDiff bool
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Propose a review",
	Long: `Create a review for the pool to pick up. Pass --review-id to revise
an existing review that had changes requested.`,
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVar(&createReviewID, "review-id", "",
		"Existing review to revise")
	createCmd.Flags().StringVar(&createIntent, "intent", "",
		"What the change is meant to do (required)")
	createCmd.Flags().StringVar(&createType, "agent-type", "",
		"Proposing agent type (required)")
	createCmd.Flags().StringVar(&createRole, "agent-role", "proposer",
		"Proposing agent role")
	createCmd.Flags().StringVar(&createPhase, "phase", "",
		"Project phase (required)")
	createCmd.Flags().StringVar(&createPlan, "plan", "",
		"Plan reference")
	createCmd.Flags().StringVar(&createTask, "task", "",
		"Task reference")
	createCmd.Flags().StringVar(&createProject, "project", "",
		"Project bucket")
	createCmd.Flags().StringVar(&createDesc, "description", "",
		"Longer description of the change")
	createCmd.Flags().StringVar(&createDiffFile, "diff", "",
		"Path to a unified diff ('-' reads stdin)")
	createCmd.Flags().StringVar(&createCategory, "category", "",
		"Review category (default: code_change, or plan_review "+
			"when no diff)")
	createCmd.Flags().BoolVar(&createSkipDiff, "skip-validation", false,
		"Skip git apply validation of the diff")

	createCmd.MarkFlagRequired("intent")
	createCmd.MarkFlagRequired("agent-type")
	createCmd.MarkFlagRequired("phase")
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := getClient()
	if err != nil {
		return err
	}
	defer client.Close()

	body := map[string]any{
		"intent":     createIntent,
		"agent_type": createType,
		"agent_role": createRole,
		"phase":      createPhase,
	}
	if createReviewID != "" {
		body["review_id"] = createReviewID
	}
	if createPlan != "" {
		body["plan"] = createPlan
	}
	if createTask != "" {
		body["task"] = createTask
	}
	if createProject != "" {
		body["project"] = createProject
	}
	if createDesc != "" {
		body["description"] = createDesc
	}
	if createCategory != "" {
		body["category"] = createCategory
	}
	if createSkipDiff {
		body["skip_diff_validation"] = true
	}

	if createDiffFile != "" {
		var raw []byte
		if createDiffFile == "-" {
			raw, err = io.ReadAll(os.Stdin)
		} else {
			raw, err = os.ReadFile(createDiffFile)
		}
		if err != nil {
			return fmt.Errorf("read diff: %w", err)
		}
		body["diff"] = string(raw)
	}

	doc, err := client.CreateReview(ctx, body)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(doc)
	}

	verb := "Created"
	if docBool(doc, "revised") {
		verb = "Revised"
	}
	fmt.Printf("%s review %s (status: %s)\n", verb,
		docStr(doc, "review_id"), docStr(doc, "status"))

	return nil
}
