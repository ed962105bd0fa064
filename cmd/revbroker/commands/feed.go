package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	feedStatus   string
	feedCategory string
	feedProject  string
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Show the activity feed",
	Long: `Show reviews enriched with their discussion digests: message
count, last message time, and a preview of the latest message.`,
	RunE: runFeed,
}

func init() {
	feedCmd.Flags().StringVar(&feedStatus, "status", "",
		"Filter by status")
	feedCmd.Flags().StringVar(&feedCategory, "category", "",
		"Filter by category")
	feedCmd.Flags().StringVar(&feedProject, "project", "",
		"Filter by project")
}

func runFeed(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := getClient()
	if err != nil {
		return err
	}
	defer client.Close()

	doc, err := client.Feed(ctx, feedStatus, feedCategory, feedProject)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(doc)
	}

	items := docList(doc, "reviews")
	if len(items) == 0 {
		fmt.Println("No activity.")
		return nil
	}

	for _, item := range items {
		rev, _ := item["review"].(map[string]any)
		fmt.Println(formatSummaryLine(rev))

		if n := docInt(item, "message_count"); n > 0 {
			fmt.Printf("    %d message(s), last at %s: %s\n", n,
				docStr(item, "last_message_at"),
				truncate(docStr(item, "last_message_preview"),
					70))
		}
	}
	fmt.Printf("\n%d review(s)\n", docInt(doc, "count"))

	return nil
}
