// Package analytics builds dialect-correct SQL for descriptive column
// statistics. Builders are pure functions over their inputs: no I/O, no
// state, same inputs always produce the same SQL text.
//
// When a query text is given as the target, the statistics run against
// the remote source with the query wrapped as a subquery, so aggregates
// reflect the complete remote result set rather than only the rows
// mirrored locally so far.
package analytics

import (
	"fmt"
	"strings"
)

// Category classifies a column for statistics purposes.
type Category string

const (
	// CategoryNumeric yields min/max/avg/stddev.
	CategoryNumeric Category = "numeric"

	// CategoryTemporal yields min/max/distinct-count.
	CategoryTemporal Category = "temporal"

	// CategoryText and CategoryBoolean yield a grouped value-frequency
	// distribution, most frequent first.
	CategoryText    Category = "text"
	CategoryBoolean Category = "boolean"
)

// CategoryOf maps a source-reported column type onto a Category.
func CategoryOf(columnType string) Category {
	switch strings.ToUpper(columnType) {
	case "INT2", "INT4", "INT8", "INTEGER", "BIGINT", "SMALLINT", "INT64",
		"FLOAT4", "FLOAT8", "FLOAT", "FLOAT64", "DOUBLE", "DOUBLE PRECISION",
		"REAL", "NUMERIC", "DECIMAL", "BIGNUMERIC", "FIXED":
		return CategoryNumeric
	case "DATE", "TIME", "DATETIME", "TIMESTAMP", "TIMESTAMPTZ",
		"TIMESTAMP_NTZ", "TIMESTAMP_LTZ", "TIMESTAMP_TZ":
		return CategoryTemporal
	case "BOOL", "BOOLEAN":
		return CategoryBoolean
	default:
		return CategoryText
	}
}

// Target names what the statistics run against: either a concrete table
// or an arbitrary query text wrapped as a subquery. Exactly one of the
// two must be set.
type Target struct {
	Table string
	Query string
}

// Build produces the statistics SQL for one column. groupBy columns, if
// given, are prepended to the select list and grouped on; every
// identifier, including group-by columns, is quoted for the dialect.
func Build(column string, category Category, dialect string, target Target, groupBy []string) (string, error) {
	if column == "" {
		return "", fmt.Errorf("column name is required")
	}
	if (target.Table == "") == (target.Query == "") {
		return "", fmt.Errorf("exactly one of table or query must be set")
	}

	col := Quote(column, dialect)
	from := fromClause(target, dialect)

	keys := make([]string, len(groupBy))
	for i, g := range groupBy {
		keys[i] = Quote(g, dialect)
	}
	prefix := ""
	if len(keys) > 0 {
		prefix = strings.Join(keys, ", ") + ", "
	}

	switch category {
	case CategoryNumeric:
		sql := fmt.Sprintf("SELECT %sMIN(%s) AS min_value, MAX(%s) AS max_value, AVG(%s) AS avg_value, STDDEV(%s) AS stddev_value FROM %s",
			prefix, col, col, col, col, from)
		if len(keys) > 0 {
			sql += " GROUP BY " + strings.Join(keys, ", ")
		}
		return sql, nil

	case CategoryTemporal:
		sql := fmt.Sprintf("SELECT %sMIN(%s) AS min_value, MAX(%s) AS max_value, COUNT(DISTINCT %s) AS distinct_count FROM %s",
			prefix, col, col, col, from)
		if len(keys) > 0 {
			sql += " GROUP BY " + strings.Join(keys, ", ")
		}
		return sql, nil

	case CategoryText, CategoryBoolean:
		group := append(append([]string{}, keys...), col)
		sql := fmt.Sprintf("SELECT %s%s AS value, COUNT(*) AS frequency FROM %s GROUP BY %s ORDER BY frequency DESC",
			prefix, col, from, strings.Join(group, ", "))
		return sql, nil

	default:
		return "", fmt.Errorf("unknown type category %q", category)
	}
}

// Quote quotes a single identifier for the dialect: backticks for
// bigquery, double quotes everywhere else.
func Quote(ident, dialect string) string {
	if dialect == "bigquery" {
		return "`" + strings.ReplaceAll(ident, "`", "\\`") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// fromClause renders the target: a quoted table name, or the query text
// wrapped as a subquery so its result acts as the statistics base.
func fromClause(target Target, dialect string) string {
	if target.Table != "" {
		return quoteQualified(target.Table, dialect)
	}
	return "(" + strings.TrimRight(strings.TrimSpace(target.Query), ";") + ") AS subq"
}

// quoteQualified quotes a possibly dot-qualified name part by part, so
// project.dataset.table stays addressable.
func quoteQualified(name string, dialect string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = Quote(p, dialect)
	}
	return strings.Join(parts, ".")
}
