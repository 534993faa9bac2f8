// Package main provides the Dataglass CLI.
package main

import (
	"os"

	"github.com/dataglass-labs/dataglass/internal/cli"

	// Source registrations.
	_ "github.com/dataglass-labs/dataglass/pkg/sources/bigquery"
	_ "github.com/dataglass-labs/dataglass/pkg/sources/duckdb"
	_ "github.com/dataglass-labs/dataglass/pkg/sources/postgres"
	_ "github.com/dataglass-labs/dataglass/pkg/sources/snowflake"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
