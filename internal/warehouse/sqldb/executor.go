package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/duckmesh/sqlagent/internal/warehouse"
)

type Executor struct {
	db *sql.DB
}

func NewExecutor(db *sql.DB) *Executor {
	return &Executor{db: db}
}

func (e *Executor) Execute(ctx context.Context, sqlText string) (warehouse.Rows, error) {
	if e.db == nil {
		return warehouse.Rows{}, fmt.Errorf("warehouse db is required")
	}
	sqlText = warehouse.StripTrailingSemicolons(sqlText)
	if strings.TrimSpace(sqlText) == "" {
		return warehouse.Rows{}, fmt.Errorf("sql is required")
	}

	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return warehouse.Rows{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return warehouse.ScanRows(rows)
}
