package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/malbeclabs/askdata/agent/pkg/executor"
	"github.com/malbeclabs/askdata/agent/pkg/pipeline"
)

const (
	thinkingMessage = "_:hourglass_flowing_sand: Looking up the data..._"
	errorPrefix     = ":x: *Error*"
)

var sqlBlockRe = regexp.MustCompile("(?s)```sql\\s*\\n?(.*?)```")

// formatAnswer renders a pipeline result as a Slack reply: the SQL that ran,
// up to maxRows rows as a text table, and the chart suggestion if any.
func formatAnswer(out *pipeline.Output, maxRows int) string {
	var sb strings.Builder

	if out.SQL != "" {
		sb.WriteString("```sql\n")
		sb.WriteString(out.SQL)
		sb.WriteString("\n```\n")
	}

	if len(out.Rows) == 0 {
		sb.WriteString("_The query returned no rows._")
	} else {
		sb.WriteString("```\n")
		sb.WriteString(strings.TrimRight(executor.FormatTable(out.Columns, out.Rows, maxRows), "\n"))
		sb.WriteString("\n```")
		if out.TotalRows > len(out.Rows) {
			fmt.Fprintf(&sb, "\n_%d rows matched; the API returned the first %d._", out.TotalRows, len(out.Rows))
		}
	}

	if out.ChartType != nil && *out.ChartType != "" {
		sb.WriteString("\n")
		if out.ChartConfig != nil {
			fmt.Fprintf(&sb, "_Suggested chart: %s (x: %s, y: %s)_", *out.ChartType, out.ChartConfig.XKey, out.ChartConfig.YKey)
		} else {
			fmt.Fprintf(&sb, "_Suggested chart: %s_", *out.ChartType)
		}
	}

	return normalizeTwoWayArrow(sb.String())
}

// assistantContent is the history entry recorded for an answered question.
func assistantContent(out *pipeline.Output) string {
	if len(out.Rows) == 0 {
		return "The query returned no rows."
	}
	return fmt.Sprintf("Returned %d rows with columns %s.", out.TotalRows, strings.Join(out.Columns, ", "))
}

func formatError(err error) string {
	return fmt.Sprintf("%s\n_%s_", errorPrefix, SanitizeErrorMessage(err))
}

// isStatusMessage reports whether a bot message is a progress or error notice.
func isStatusMessage(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, thinkingMessage) || strings.HasPrefix(t, errorPrefix)
}

// extractSQLBlock returns the contents of the first ```sql block in text.
func extractSQLBlock(text string) string {
	m := sqlBlockRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// SanitizeErrorMessage converts an API or transport error to a message fit
// for a Slack thread.
func SanitizeErrorMessage(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		switch {
		case apiErr.Status == http.StatusTooManyRequests:
			return "I'm currently experiencing high demand. Please try again in a moment."
		case strings.Contains(msg, "SELECT"):
			return "I can only answer questions that translate into a read-only query. Please try rephrasing your question."
		case apiErr.Status >= 400 && apiErr.Status < 500:
			return fmt.Sprintf("I couldn't answer that: %s", msg)
		case strings.Contains(msg, "query execution failed"):
			return "I encountered an issue running the query. Please try rephrasing your question or providing more specific details."
		default:
			return "I encountered an error processing your request. Please try again."
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "That took too long to answer. Please try a narrower question."
	}

	errMsg := err.Error()
	if strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection closed") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "EOF") ||
		strings.Contains(errMsg, "broken pipe") ||
		strings.Contains(errMsg, "failed to send request") {
		return "I'm having trouble connecting to the data service. Please try again in a moment."
	}

	return "Sorry, I encountered an error processing your request. Please try again."
}

// normalizeTwoWayArrow replaces the two-way arrow (↔) and :left_right_arrow: emoji with the double arrow (⇔) and removes variation selectors
func normalizeTwoWayArrow(s string) string {
	s = strings.ReplaceAll(s, ":left_right_arrow:", "⇔")

	var b strings.Builder
	for _, r := range s {
		if unicode.Is(unicode.Variation_Selector, r) {
			continue
		}
		if r == '↔' {
			b.WriteRune('⇔')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
