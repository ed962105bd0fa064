package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	listStatus   string
	listCategory string
	listProject  string
	listWait     bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List reviews",
	Long: `List reviews ordered by priority then age. With --wait and
--status pending, the call long-polls until pending work appears.`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "",
		"Filter by status")
	listCmd.Flags().StringVar(&listCategory, "category", "",
		"Filter by category")
	listCmd.Flags().StringVar(&listProject, "project", "",
		"Filter by project")
	listCmd.Flags().BoolVar(&listWait, "wait", false,
		"Long-poll for pending work (requires --status pending)")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := getClient()
	if err != nil {
		return err
	}
	defer client.Close()

	doc, err := client.ListReviews(
		ctx, listStatus, listCategory, listProject, listWait,
	)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(doc)
	}

	reviews := docList(doc, "reviews")
	if len(reviews) == 0 {
		fmt.Println("No reviews.")
		return nil
	}

	for _, rev := range reviews {
		fmt.Println(formatSummaryLine(rev))
	}
	fmt.Printf("\n%d review(s)\n", docInt(doc, "count"))

	return nil
}
