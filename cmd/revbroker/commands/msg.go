package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	msgRole     string
	msgBody     string
	msgMetadata string
)

var msgCmd = &cobra.Command{
	Use:   "msg <review-id>",
	Short: "Post a discussion message",
	Long: `Append a message to a review's discussion thread. A proposer
follow-up on a changes_requested review requeues it for another round.`,
	Args: cobra.ExactArgs(1),
	RunE: runMsg,
}

func init() {
	msgCmd.Flags().StringVar(&msgRole, "role", "",
		"Sender role: proposer or reviewer (required)")
	msgCmd.Flags().StringVar(&msgBody, "body", "",
		"Message body in markdown (required)")
	msgCmd.Flags().StringVar(&msgMetadata, "metadata", "",
		"Opaque metadata stored with the message")

	msgCmd.MarkFlagRequired("role")
	msgCmd.MarkFlagRequired("body")
}

func runMsg(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := getClient()
	if err != nil {
		return err
	}
	defer client.Close()

	body := map[string]any{
		"sender_role": msgRole,
		"body":        msgBody,
	}
	if msgMetadata != "" {
		body["metadata"] = msgMetadata
	}

	doc, err := client.AddMessage(ctx, args[0], body)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(doc)
	}

	fmt.Printf("Message #%d posted on %s (round %d)\n",
		docInt(doc, "message_id"), docStr(doc, "review_id"),
		docInt(doc, "round"))
	if docBool(doc, "requeued") {
		fmt.Println("Review requeued for another round.")
	}

	return nil
}
