package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type Column struct {
	Name         string
	DatabaseType string
}

// Rows is a raw result set. Columns are reported even when Values is empty;
// a result with no columns means the statement produced no result schema.
type Rows struct {
	Columns []Column
	Values  [][]any
}

type Executor interface {
	Execute(ctx context.Context, sql string) (Rows, error)
}

// ScanRows drains rows into memory, converting driver byte slices to strings.
func ScanRows(rows *sql.Rows) (Rows, error) {
	names, err := rows.Columns()
	if err != nil {
		return Rows{}, fmt.Errorf("query columns: %w", err)
	}
	columns := make([]Column, len(names))
	for i, name := range names {
		columns[i] = Column{Name: name}
	}
	if types, err := rows.ColumnTypes(); err == nil && len(types) == len(columns) {
		for i, ct := range types {
			columns[i].DatabaseType = ct.DatabaseTypeName()
		}
	}

	values := make([][]any, 0)
	for rows.Next() {
		row := make([]any, len(names))
		targets := make([]any, len(names))
		for i := range row {
			targets[i] = &row[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return Rows{}, fmt.Errorf("scan row: %w", err)
		}
		values = append(values, normalizeValues(row))
	}
	if err := rows.Err(); err != nil {
		return Rows{}, fmt.Errorf("iterate rows: %w", err)
	}
	return Rows{Columns: columns, Values: values}, nil
}

func normalizeValues(values []any) []any {
	for i, value := range values {
		if raw, ok := value.([]byte); ok {
			values[i] = string(raw)
		}
	}
	return values
}

// StripTrailingSemicolons removes statement terminators so the text can be
// embedded or sent to drivers that reject them.
func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
