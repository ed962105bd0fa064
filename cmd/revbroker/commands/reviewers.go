package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var spawnProject string

var spawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Spawn a reviewer worker",
	Long: `Start a reviewer worker subprocess. The pool config caps how
many run at once and throttles how often spawns happen.`,
	RunE: runSpawn,
}

var reviewersCmd = &cobra.Command{
	Use:   "reviewers",
	Short: "List reviewer workers",
	RunE:  runReviewers,
}

var killCmd = &cobra.Command{
	Use:   "kill <reviewer-id>",
	Short: "Drain and terminate a reviewer worker",
	Long: `Drain a reviewer worker: it finishes its current claim, then its
process is terminated. A worker with no active claim terminates
immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: runKill,
}

func init() {
	spawnCmd.Flags().StringVar(&spawnProject, "project", "",
		"Pin the worker to one project bucket")
}

func runSpawn(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := getClient()
	if err != nil {
		return err
	}
	defer client.Close()

	doc, err := client.SpawnReviewer(ctx, spawnProject)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(doc)
	}

	fmt.Printf("Spawned %s (%s, pid %d)\n", docStr(doc, "reviewer_id"),
		docStr(doc, "display_name"), docInt(doc, "pid"))

	return nil
}

func runReviewers(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := getClient()
	if err != nil {
		return err
	}
	defer client.Close()

	doc, err := client.Reviewers(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(doc)
	}

	reviewers := docList(doc, "reviewers")
	if len(reviewers) == 0 {
		fmt.Println("No reviewers.")
		return nil
	}

	for _, rw := range reviewers {
		fmt.Printf("%-28s %-10s pid %-7d done %-4d +%d/-%d\n",
			docStr(rw, "id"), docStr(rw, "status"),
			docInt(rw, "pid"), docInt(rw, "reviews_completed"),
			docInt(rw, "approvals"), docInt(rw, "rejections"))
	}

	return nil
}

func runKill(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := getClient()
	if err != nil {
		return err
	}
	defer client.Close()

	doc, err := client.KillReviewer(ctx, args[0])
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(doc)
	}

	if docBool(doc, "terminated") {
		fmt.Printf("Reviewer %s terminated\n",
			docStr(doc, "reviewer_id"))
	} else {
		fmt.Printf("Reviewer %s draining, will terminate after its "+
			"current review\n", docStr(doc, "reviewer_id"))
	}

	return nil
}
