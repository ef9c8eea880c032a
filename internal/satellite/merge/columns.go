package merge

import "regexp"

// validIdent allowlists identifiers that are safe to interpolate directly
// into generated SQL (table and column names cannot be bound as
// parameters). Any value failing this check is rejected rather than
// quoted-and-hoped; values themselves always travel as "?" placeholders.
var validIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validColumnName(name string) bool {
	return validIdent.MatchString(name)
}

// filterKnownColumns drops any key from row that is not both a valid
// identifier and a column that actually exists on the target table,
// preventing a crafted or stale payload from reaching raw SQL.
func filterKnownColumns(row map[string]any, known map[string]bool) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		if validColumnName(k) && known[k] {
			out[k] = v
		}
	}
	return out
}
