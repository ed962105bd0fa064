package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var timelineCmd = &cobra.Command{
	Use:   "timeline <review-id>",
	Short: "Show a review's event timeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runTimeline,
}

func runTimeline(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := getClient()
	if err != nil {
		return err
	}
	defer client.Close()

	doc, err := client.Timeline(ctx, args[0])
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(doc)
	}

	fmt.Printf("Timeline for %s (%s): %s\n", docStr(doc, "review_id"),
		docStr(doc, "current_status"), docStr(doc, "intent"))

	for _, ev := range docList(doc, "events") {
		line := fmt.Sprintf("  %s  %-24s %s",
			docStr(ev, "created_at"), docStr(ev, "event_type"),
			docStr(ev, "actor"))
		from, to := docStr(ev, "old_status"), docStr(ev, "new_status")
		if from != "" || to != "" {
			line += fmt.Sprintf("  %s -> %s", from, to)
		}
		fmt.Println(line)
	}

	return nil
}
