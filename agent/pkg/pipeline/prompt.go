package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/malbeclabs/askdata/agent/pkg/dimensions"
	"github.com/malbeclabs/askdata/agent/pkg/schema"
)

const (
	DefaultHistoryTurns = 6
	DefaultDialect      = "ClickHouse"
)

type PromptInput struct {
	Question   string
	Fact       schema.Entry
	Dimensions *dimensions.Result
	History    []Message
	// HistoryTurns limits how many trailing messages are included.
	HistoryTurns int
	Dialect      string
}

// BuildPrompt renders the SQL generation prompt. The "FACT TABLE:" line
// names the authoritative table used for table-name correction.
func BuildPrompt(in PromptInput) string {
	dialect := in.Dialect
	if dialect == "" {
		dialect = DefaultDialect
	}
	turns := in.HistoryTurns
	if turns <= 0 {
		turns = DefaultHistoryTurns
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Convert this question to %s SQL. Respond ONLY with the SQL, no explanations.\n\n", dialect)
	fmt.Fprintf(&sb, "FACT TABLE: `%s`\n\n", in.Fact.Table)
	sb.WriteString("FACT TABLE COLUMNS:\n")
	sb.WriteString(in.Fact.Text)
	sb.WriteString("\n")

	if in.Dimensions != nil && len(in.Dimensions.Dimensions) > 0 {
		writeDimensions(&sb, in.Fact, in.Dimensions)
	}

	if len(in.History) > 0 {
		history := in.History[max(0, len(in.History)-turns):]
		sb.WriteString("\nCONVERSATION HISTORY:\n")
		for _, m := range history {
			role := "User"
			if m.Role == "assistant" {
				role = "Assistant"
			}
			fmt.Fprintf(&sb, "%s: %s\n", role, m.Content)
			if m.Role == "assistant" && m.SQL != "" {
				fmt.Fprintf(&sb, "SQL: %s\n", m.SQL)
			}
		}
	}

	sb.WriteString("\nRULES:\n")
	sb.WriteString("- SELECT only (never INSERT/UPDATE/DELETE)\n")
	sb.WriteString("- JOIN the dimension tables when needed\n")
	sb.WriteString("- Use fully qualified table names exactly as shown above\n")
	sb.WriteString("- Use only columns from the schemas provided\n")
	sb.WriteString("- Add LIMIT 100\n")
	sb.WriteString("- No markdown, no explanations\n")
	fmt.Fprintf(&sb, "\nQUESTION: %s\n\nSQL:", in.Question)
	return sb.String()
}

func writeDimensions(sb *strings.Builder, fact schema.Entry, dims *dimensions.Result) {
	names := make([]string, 0, len(dims.Dimensions))
	for name := range dims.Dimensions {
		names = append(names, name)
	}
	sort.Strings(names)

	sb.WriteString("\nDIMENSION TABLES (JOIN when needed):\n")
	for _, name := range names {
		d := dims.Dimensions[name]
		fmt.Fprintf(sb, "\n%s (`%s`):\n", name, d.Table)
		fmt.Fprintf(sb, "  Columns: %s\n", d.Schema.Text)
	}

	var lines []string
	for _, rel := range dims.Relationships {
		d, ok := dims.Dimensions[rel.Dimension]
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s.%s → %s.%s", fact.Table.Table, rel.FactColumn, d.Table.Table, rel.DimensionColumn))
	}
	if len(lines) > 0 {
		sb.WriteString("\nRELATIONSHIPS:\n")
		sb.WriteString(strings.Join(lines, "\n"))
		sb.WriteString("\n")
	}
}
