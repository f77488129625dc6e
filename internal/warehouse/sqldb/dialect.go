package sqldb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/duckmesh/sqlagent/internal/schema"
)

// Dialect captures what differs between warehouses: catalog queries,
// identifier quoting and how a table is qualified in generated SQL.
type Dialect struct {
	// Name is the dialect as it appears in prompts.
	Name   string
	Driver string

	tablesQuery  string
	tablesArgs   func(project, dataset string) []any
	columnsQuery string
	columnsArgs  func(project, dataset, table string) []any
	identQuote   string
	qualify      func(project, dataset, table string) []string
	parseType    func(string) (string, bool)
}

var dialects = map[string]Dialect{
	"pgx": {
		Name:   "PostgreSQL",
		Driver: "pgx",
		tablesQuery: `SELECT table_name FROM information_schema.tables
WHERE table_schema = $1 AND table_type = 'BASE TABLE'
ORDER BY table_name`,
		tablesArgs: func(_, dataset string) []any { return []any{dataset} },
		columnsQuery: `SELECT c.column_name, c.udt_name,
COALESCE(col_description(format('%I.%I', c.table_schema, c.table_name)::regclass::oid, c.ordinal_position), '')
FROM information_schema.columns c
WHERE c.table_schema = $1 AND c.table_name = $2
ORDER BY c.ordinal_position`,
		columnsArgs: func(_, dataset, table string) []any { return []any{dataset, table} },
		identQuote:  schema.QuoteDouble,
		qualify:     datasetQualified,
		parseType:   postgresType,
	},
	"mysql": {
		Name:   "MySQL",
		Driver: "mysql",
		tablesQuery: `SELECT table_name FROM information_schema.tables
WHERE table_schema = ? AND table_type = 'BASE TABLE'
ORDER BY table_name`,
		tablesArgs: func(_, dataset string) []any { return []any{dataset} },
		columnsQuery: `SELECT column_name, column_type, column_comment FROM information_schema.columns
WHERE table_schema = ? AND table_name = ?
ORDER BY ordinal_position`,
		columnsArgs: func(_, dataset, table string) []any { return []any{dataset, table} },
		identQuote:  schema.QuoteBacktick,
		qualify:     datasetQualified,
		parseType:   plainType,
	},
	"sqlite": {
		Name:   "SQLite",
		Driver: "sqlite",
		tablesQuery: `SELECT name FROM pragma_table_list
WHERE schema = ? AND type = 'table' AND name NOT LIKE 'sqlite_%'
ORDER BY name`,
		tablesArgs:   func(_, dataset string) []any { return []any{dataset} },
		columnsQuery: `SELECT name, type, '' FROM pragma_table_info(?, ?) ORDER BY cid`,
		columnsArgs:  func(_, dataset, table string) []any { return []any{table, dataset} },
		identQuote:   schema.QuoteDouble,
		qualify:      datasetQualified,
		parseType:    plainType,
	},
	"duckdb": {
		Name:   "DuckDB",
		Driver: "duckdb",
		tablesQuery: `SELECT table_name FROM information_schema.tables
WHERE table_catalog = ? AND table_schema = ? AND table_type = 'BASE TABLE'
ORDER BY table_name`,
		tablesArgs: func(project, dataset string) []any { return []any{project, dataset} },
		columnsQuery: `SELECT column_name, data_type, COALESCE(comment, '') FROM duckdb_columns()
WHERE database_name = ? AND schema_name = ? AND table_name = ?
ORDER BY column_index`,
		columnsArgs: func(project, dataset, table string) []any { return []any{project, dataset, table} },
		identQuote:  schema.QuoteDouble,
		qualify:     projectQualified,
		parseType:   listSuffixType,
	},
}

func DialectFor(driver string) (Dialect, error) {
	dialect, ok := dialects[driver]
	if !ok {
		return Dialect{}, fmt.Errorf("unsupported warehouse driver %q", driver)
	}
	return dialect, nil
}

// QualifiedName is the dotted table name generated SQL should reference.
func (d Dialect) QualifiedName(project, dataset, table string) string {
	return strings.Join(d.qualify(project, dataset, table), ".")
}

func (d Dialect) quotedName(project, dataset, table string) string {
	parts := d.qualify(project, dataset, table)
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = schema.QuoteIdentifier(d.identQuote, part)
	}
	return strings.Join(quoted, ".")
}

func datasetQualified(_, dataset, table string) []string {
	return []string{dataset, table}
}

func projectQualified(project, dataset, table string) []string {
	return []string{project, dataset, table}
}

func plainType(raw string) (string, bool) {
	return strings.ToUpper(raw), false
}

// postgresType reads udt_name, where array element types carry a leading
// underscore.
func postgresType(raw string) (string, bool) {
	if strings.HasPrefix(raw, "_") {
		return strings.ToUpper(strings.TrimPrefix(raw, "_")), true
	}
	return strings.ToUpper(raw), false
}

func listSuffixType(raw string) (string, bool) {
	if strings.HasSuffix(raw, "[]") {
		return strings.TrimSuffix(raw, "[]"), true
	}
	return raw, false
}

// classify maps driver errors onto the schema sentinels where the engine
// reports a recognisable cause.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42501":
			return fmt.Errorf("%w: %w", schema.ErrPermissionDenied, err)
		case "3F000", "3D000":
			return fmt.Errorf("%w: %w", schema.ErrDatasetNotFound, err)
		}
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1044, 1045, 1142:
			return fmt.Errorf("%w: %w", schema.ErrPermissionDenied, err)
		case 1049:
			return fmt.Errorf("%w: %w", schema.ErrDatasetNotFound, err)
		}
	}
	return err
}
