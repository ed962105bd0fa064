package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate review statistics",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	client, err := getClient()
	if err != nil {
		return err
	}
	defer client.Close()

	doc, err := client.Stats(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(doc)
	}

	fmt.Printf("Total reviews: %d\n", docInt(doc, "total"))

	printCountMap(doc, "by_status", "By status")
	printCountMap(doc, "by_category", "By category")

	printRate := func(key, label, unit string) {
		v, ok := doc[key]
		if !ok || v == nil {
			fmt.Printf("%s: n/a\n", label)
			return
		}
		if f, ok := asFloat(v); ok {
			fmt.Printf("%s: %.1f%s\n", label, f, unit)
		}
	}
	printRate("approval_rate_pct", "Approval rate", "%")
	printRate("avg_time_to_verdict_seconds", "Avg time to verdict", "s")
	printRate("avg_review_duration_seconds", "Avg review duration", "s")

	return nil
}

// printCountMap renders a counter map sorted by key.
func printCountMap(doc map[string]any, key, label string) {
	raw, ok := doc[key]
	if !ok {
		return
	}

	counts := make(map[string]int)
	switch m := raw.(type) {
	case map[string]any:
		for k, v := range m {
			if f, ok := asFloat(v); ok {
				counts[k] = int(f)
			}
		}
	case map[string]int:
		counts = m
	}
	if len(counts) == 0 {
		return
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("%s:\n", label)
	for _, k := range keys {
		fmt.Printf("  %-20s %d\n", k, counts[k])
	}
}

// asFloat coerces JSON and native numeric values.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case *float64:
		if n == nil {
			return 0, false
		}
		return *n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
