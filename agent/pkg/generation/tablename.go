package generation

import (
	"regexp"
	"strings"

	"github.com/malbeclabs/askdata/agent/pkg/warehouse"
)

var (
	factTableLineRe = regexp.MustCompile("FACT TABLE[^:\\n]*:\\s*`([^`]+)`")
	// A backticked identifier or a bare three-part name.
	qualifiedNameRe = regexp.MustCompile("`([^`]+)`|[A-Za-z0-9_\\-]+\\.[A-Za-z0-9_\\-]+\\.[A-Za-z0-9_\\-]+")
)

// AuthoritativeTable returns the fact table named in the prompt, or fallback
// when the prompt does not name one.
func AuthoritativeTable(prompt string, fallback warehouse.TableID) (warehouse.TableID, bool) {
	if m := factTableLineRe.FindStringSubmatch(prompt); m != nil {
		if id, err := warehouse.ParseTableID(m[1]); err == nil {
			return id, true
		}
	}
	if fallback.Project != "" && fallback.Dataset != "" && fallback.Table != "" {
		return fallback, true
	}
	return warehouse.TableID{}, false
}

// FixTableName rewrites three-part names that share project and dataset with
// correct but name a different table. SQL with no such reference is
// returned unchanged.
func FixTableName(sql string, correct warehouse.TableID) (string, bool) {
	changed := false
	out := qualifiedNameRe.ReplaceAllStringFunc(sql, func(match string) string {
		quoted := strings.HasPrefix(match, "`")
		name := strings.Trim(match, "`")
		parts := strings.Split(name, ".")
		if len(parts) != 3 {
			return match
		}
		if !strings.EqualFold(parts[0], correct.Project) || !strings.EqualFold(parts[1], correct.Dataset) {
			return match
		}
		if strings.EqualFold(parts[2], correct.Table) {
			return match
		}
		changed = true
		if quoted {
			return "`" + correct.String() + "`"
		}
		return correct.String()
	})
	if !changed {
		return sql, false
	}
	return out, true
}
