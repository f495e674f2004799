package migrations

import "embed"

// PostgresFS embeds the PostgreSQL migrations in golang-migrate naming
// (NNNN_name.up.sql / NNNN_name.down.sql).
//
//go:embed postgres/*.sql
var PostgresFS embed.FS

// ClickhouseFS embeds all ClickHouse migration files.
//
//go:embed clickhouse/*.sql
var ClickhouseFS embed.FS
