package retrieval

import (
	"fmt"
	"strings"
)

// ContextBuilder renders ranked items into the numbered context block given
// to the generator, respecting a character budget.
type ContextBuilder struct {
	// Budget is the maximum length of the rendered block in characters.
	// Zero means unbounded.
	Budget int
}

// BuiltContext is the rendered block plus the citation map back to the
// source transactions. Citations are 1-based, matching the line numbers the
// model sees.
type BuiltContext struct {
	Text      string
	Citations map[int]string
}

// Build renders items in rank order, one numbered line each. When the
// budget would be exceeded, whole lowest-ranked items are dropped; a line
// is never truncated mid-item. Renumbering stays dense (1..n).
func (b ContextBuilder) Build(items []RetrievedItem) BuiltContext {
	built := BuiltContext{Citations: make(map[int]string)}
	if len(items) == 0 {
		return built
	}

	var sb strings.Builder
	n := 0
	for _, item := range items {
		line := formatLine(n+1, item)
		added := len(line)
		if sb.Len() > 0 {
			added++ // newline separator
		}
		if b.Budget > 0 && sb.Len()+added > b.Budget {
			break
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(line)
		n++
		built.Citations[n] = item.ID
	}

	built.Text = sb.String()
	return built
}

func formatLine(n int, item RetrievedItem) string {
	return fmt.Sprintf("%d. %s - %s - $%.2f - %s: %s",
		n, item.Date.Format("2006-01-02"), item.Merchant, item.Amount, item.Category, item.Snippet)
}
