package generation

import (
	"regexp"
	"strings"

	"github.com/malbeclabs/askdata/agent/pkg/apperr"
)

var (
	sqlFenceRe    = regexp.MustCompile("(?i)```sql\\s*")
	fenceRe       = regexp.MustCompile("```\\s*")
	lineCommentRe = regexp.MustCompile(`--[^\n]*`)
)

// ExtractSQL pulls the statement out of raw model output and rejects
// anything that is not a SELECT.
func ExtractSQL(text string) (string, error) {
	sql := sqlFenceRe.ReplaceAllString(text, "")
	sql = fenceRe.ReplaceAllString(sql, "")
	sql = lineCommentRe.ReplaceAllString(sql, "")
	sql = strings.Join(strings.Fields(sql), " ")
	sql = strings.TrimSpace(strings.TrimRight(sql, "; "))

	if !strings.HasPrefix(strings.ToUpper(sql), "SELECT") {
		return "", apperr.New(apperr.KindValidation, "extract", "model did not return a SELECT statement")
	}
	return sql, nil
}
