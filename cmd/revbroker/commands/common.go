package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// printJSON writes the document as indented JSON to stdout.
func printJSON(doc any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// docStr reads a string field, returning "" when absent.
func docStr(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

// docInt reads a numeric field. HTTP responses decode numbers as float64
// while direct-mode documents carry native ints.
func docInt(doc map[string]any, key string) int {
	switch v := doc[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

// docBool reads a boolean field.
func docBool(doc map[string]any, key string) bool {
	b, _ := doc[key].(bool)
	return b
}

// docList reads a list of sub-documents.
func docList(doc map[string]any, key string) []map[string]any {
	switch v := doc[key].(type) {
	case []map[string]any:
		return v

	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out

	default:
		return nil
	}
}

// truncate shortens a string for one-line listings.
func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}

	return s[:max-3] + "..."
}

// formatSummaryLine renders one review summary as a single listing line.
func formatSummaryLine(rev map[string]any) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%-14s %-18s", docStr(rev, "id"),
		docStr(rev, "status")))

	if by := docStr(rev, "claimed_by"); by != "" {
		sb.WriteString(fmt.Sprintf(" [%s]", by))
	}
	if project := docStr(rev, "project"); project != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", project))
	}

	sb.WriteString(" " + truncate(docStr(rev, "intent"), 60))

	return sb.String()
}
