package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	tests := []struct {
		name     string
		column   string
		category Category
		dialect  string
		target   Target
		groupBy  []string
		want     string
	}{
		{
			name:     "numeric against table",
			column:   "amount",
			category: CategoryNumeric,
			dialect:  "postgres",
			target:   Target{Table: "orders"},
			want:     `SELECT MIN("amount") AS min_value, MAX("amount") AS max_value, AVG("amount") AS avg_value, STDDEV("amount") AS stddev_value FROM "orders"`,
		},
		{
			name:     "numeric with group by",
			column:   "amount",
			category: CategoryNumeric,
			dialect:  "postgres",
			target:   Target{Table: "orders"},
			groupBy:  []string{"region"},
			want:     `SELECT "region", MIN("amount") AS min_value, MAX("amount") AS max_value, AVG("amount") AS avg_value, STDDEV("amount") AS stddev_value FROM "orders" GROUP BY "region"`,
		},
		{
			name:     "temporal against subquery runs on the source result",
			column:   "created_at",
			category: CategoryTemporal,
			dialect:  "snowflake",
			target:   Target{Query: "SELECT * FROM events WHERE tenant = 7"},
			want:     `SELECT MIN("created_at") AS min_value, MAX("created_at") AS max_value, COUNT(DISTINCT "created_at") AS distinct_count FROM (SELECT * FROM events WHERE tenant = 7) AS subq`,
		},
		{
			name:     "text value frequency",
			column:   "status",
			category: CategoryText,
			dialect:  "duckdb",
			target:   Target{Table: "orders"},
			want:     `SELECT "status" AS value, COUNT(*) AS frequency FROM "orders" GROUP BY "status" ORDER BY frequency DESC`,
		},
		{
			name:     "boolean frequency with group by quotes every identifier",
			column:   "active",
			category: CategoryBoolean,
			dialect:  "bigquery",
			target:   Target{Table: "proj.ds.users"},
			groupBy:  []string{"plan"},
			want:     "SELECT `plan`, `active` AS value, COUNT(*) AS frequency FROM `proj`.`ds`.`users` GROUP BY `plan`, `active` ORDER BY frequency DESC",
		},
		{
			name:     "reserved word column in postgres",
			column:   "order",
			category: CategoryNumeric,
			dialect:  "postgres",
			target:   Target{Table: "t"},
			want:     `SELECT MIN("order") AS min_value, MAX("order") AS max_value, AVG("order") AS avg_value, STDDEV("order") AS stddev_value FROM "t"`,
		},
		{
			name:     "reserved word column in bigquery",
			column:   "order",
			category: CategoryNumeric,
			dialect:  "bigquery",
			target:   Target{Table: "t"},
			want:     "SELECT MIN(`order`) AS min_value, MAX(`order`) AS max_value, AVG(`order`) AS avg_value, STDDEV(`order`) AS stddev_value FROM `t`",
		},
		{
			name:     "trailing semicolon stripped from wrapped query",
			column:   "v",
			category: CategoryText,
			dialect:  "postgres",
			target:   Target{Query: "SELECT v FROM t;"},
			want:     `SELECT "v" AS value, COUNT(*) AS frequency FROM (SELECT v FROM t) AS subq GROUP BY "v" ORDER BY frequency DESC`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Build(tt.column, tt.category, tt.dialect, tt.target, tt.groupBy)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// Deterministic: a second build yields byte-identical SQL.
			again, err := Build(tt.column, tt.category, tt.dialect, tt.target, tt.groupBy)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestBuildRejectsBadInputs(t *testing.T) {
	_, err := Build("", CategoryNumeric, "postgres", Target{Table: "t"}, nil)
	assert.Error(t, err)

	_, err = Build("c", CategoryNumeric, "postgres", Target{}, nil)
	assert.Error(t, err, "no target")

	_, err = Build("c", CategoryNumeric, "postgres", Target{Table: "t", Query: "SELECT 1"}, nil)
	assert.Error(t, err, "both targets")

	_, err = Build("c", Category("geo"), "postgres", Target{Table: "t"}, nil)
	assert.Error(t, err, "unknown category")
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		typ  string
		want Category
	}{
		{"BIGINT", CategoryNumeric},
		{"float64", CategoryNumeric},
		{"NUMERIC", CategoryNumeric},
		{"TIMESTAMP_TZ", CategoryTemporal},
		{"date", CategoryTemporal},
		{"BOOLEAN", CategoryBoolean},
		{"VARCHAR", CategoryText},
		{"JSON", CategoryText},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CategoryOf(tt.typ), tt.typ)
	}
}
