package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var auditReviewID string

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit trail",
	Long: `Show the append-only audit trail, including pool events that
carry no review id. --review scopes the trail to one review.`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditReviewID, "review", "",
		"Restrict to one review")
}

func runAudit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := getClient()
	if err != nil {
		return err
	}
	defer client.Close()

	doc, err := client.Audit(ctx, auditReviewID)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(doc)
	}

	events := docList(doc, "events")
	if len(events) == 0 {
		fmt.Println("No audit events.")
		return nil
	}

	for _, ev := range events {
		subject := docStr(ev, "review_id")
		if subject == "" {
			subject = "(pool)"
		}
		fmt.Printf("%s  %-14s %-24s %s\n", docStr(ev, "created_at"),
			subject, docStr(ev, "event_type"),
			docStr(ev, "actor"))
	}
	fmt.Printf("\n%d event(s)\n", docInt(doc, "count"))

	return nil
}
