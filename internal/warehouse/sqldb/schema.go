package sqldb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/duckmesh/sqlagent/internal/schema"
	"github.com/duckmesh/sqlagent/internal/warehouse"
)

type SchemaProvider struct {
	db         *sql.DB
	dialect    Dialect
	project    string
	sampleRows int
}

func NewSchemaProvider(db *sql.DB, dialect Dialect, project string, sampleRows int) *SchemaProvider {
	if sampleRows > schema.MaxExampleRows {
		sampleRows = schema.MaxExampleRows
	}
	if sampleRows < 0 {
		sampleRows = 0
	}
	return &SchemaProvider{db: db, dialect: dialect, project: project, sampleRows: sampleRows}
}

// FetchSchema lists the base tables of datasetID in name order. Views are
// not described. A dataset with no base tables is reported as not found.
func (p *SchemaProvider) FetchSchema(ctx context.Context, datasetID string) (schema.Descriptor, error) {
	names, err := p.listTables(ctx, datasetID)
	if err != nil {
		return schema.Descriptor{}, schema.Fail(datasetID, classify(err))
	}
	if len(names) == 0 {
		return schema.Descriptor{}, schema.Fail(datasetID, schema.ErrDatasetNotFound)
	}

	descriptor := schema.Descriptor{
		DatasetID:       datasetID,
		Tables:          make([]schema.Table, 0, len(names)),
		IdentifierQuote: p.dialect.identQuote,
	}
	for _, name := range names {
		table, err := p.describeTable(ctx, datasetID, name)
		if err != nil {
			return schema.Descriptor{}, schema.Fail(datasetID, classify(err))
		}
		descriptor.Tables = append(descriptor.Tables, table)
	}
	return descriptor, nil
}

func (p *SchemaProvider) listTables(ctx context.Context, datasetID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, p.dialect.tablesQuery, p.dialect.tablesArgs(p.project, datasetID)...)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return names, nil
}

func (p *SchemaProvider) describeTable(ctx context.Context, datasetID, name string) (schema.Table, error) {
	rows, err := p.db.QueryContext(ctx, p.dialect.columnsQuery, p.dialect.columnsArgs(p.project, datasetID, name)...)
	if err != nil {
		return schema.Table{}, fmt.Errorf("list columns of %s: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	table := schema.Table{Name: p.dialect.QualifiedName(p.project, datasetID, name)}
	for rows.Next() {
		var colName, rawType, description string
		if err := rows.Scan(&colName, &rawType, &description); err != nil {
			return schema.Table{}, fmt.Errorf("scan column of %s: %w", name, err)
		}
		typ, repeated := p.dialect.parseType(rawType)
		table.Columns = append(table.Columns, schema.Column{Name: colName, Type: typ, Repeated: repeated, Description: description})
	}
	if err := rows.Err(); err != nil {
		return schema.Table{}, fmt.Errorf("iterate columns of %s: %w", name, err)
	}

	if p.sampleRows == 0 {
		return table, nil
	}
	query := fmt.Sprintf("SELECT * FROM %s LIMIT %d", p.dialect.quotedName(p.project, datasetID, name), p.sampleRows)
	sample, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return schema.Table{}, fmt.Errorf("sample rows of %s: %w", name, err)
	}
	defer func() { _ = sample.Close() }()
	scanned, err := warehouse.ScanRows(sample)
	if err != nil {
		return schema.Table{}, fmt.Errorf("sample rows of %s: %w", name, err)
	}
	table.ExampleRows = scanned.Values
	return table, nil
}
