// Package duckdb serves a warehouse out of parquet files kept in the object
// store. Each dataset is materialised into an in-process DuckDB catalog named
// after the project, so tables resolve as project.dataset.table.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/sqlagent/internal/schema"
	"github.com/duckmesh/sqlagent/internal/storage"
	"github.com/duckmesh/sqlagent/internal/warehouse"
	"github.com/duckmesh/sqlagent/internal/warehouse/sqldb"
)

// defaultCatalog is the name DuckDB gives its own in-memory database.
const defaultCatalog = "memory"

type Engine struct {
	store      storage.ObjectStore
	project    string
	sampleRows int

	mu     sync.Mutex
	db     *sql.DB
	loaded map[string]bool
}

func NewEngine(store storage.ObjectStore, project string, sampleRows int) *Engine {
	return &Engine{store: store, project: project, sampleRows: sampleRows, loaded: map[string]bool{}}
}

func (e *Engine) Execute(ctx context.Context, sqlText string) (warehouse.Rows, error) {
	db, err := e.open(ctx)
	if err != nil {
		return warehouse.Rows{}, err
	}
	return sqldb.NewExecutor(db).Execute(ctx, sqlText)
}

// For returns an executor that loads datasetID before running statements,
// so SQL can reference its tables without a prior FetchSchema.
func (e *Engine) For(datasetID string) warehouse.Executor {
	return &boundExecutor{engine: e, datasetID: datasetID}
}

type boundExecutor struct {
	engine    *Engine
	datasetID string
}

func (b *boundExecutor) Execute(ctx context.Context, sqlText string) (warehouse.Rows, error) {
	if err := b.engine.ensureLoaded(ctx, b.datasetID); err != nil {
		return warehouse.Rows{}, fmt.Errorf("load dataset %q: %w", b.datasetID, err)
	}
	return b.engine.Execute(ctx, sqlText)
}

// FetchSchema loads the dataset on first use and describes it from the
// DuckDB catalog.
func (e *Engine) FetchSchema(ctx context.Context, datasetID string) (schema.Descriptor, error) {
	if err := e.ensureLoaded(ctx, datasetID); err != nil {
		return schema.Descriptor{}, schema.Fail(datasetID, err)
	}
	dialect, err := sqldb.DialectFor("duckdb")
	if err != nil {
		return schema.Descriptor{}, err
	}
	return sqldb.NewSchemaProvider(e.db, dialect, e.project, e.sampleRows).FetchSchema(ctx, datasetID)
}

// Refresh reloads every table of the dataset from the object store.
func (e *Engine) Refresh(ctx context.Context, datasetID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.loaded, datasetID)
	return e.loadLocked(ctx, datasetID)
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	e.loaded = map[string]bool{}
	return err
}

func (e *Engine) ensureLoaded(ctx context.Context, datasetID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded[datasetID] {
		return nil
	}
	return e.loadLocked(ctx, datasetID)
}

func (e *Engine) open(ctx context.Context) (*sql.DB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openLocked(ctx)
}

func (e *Engine) openLocked(ctx context.Context) (*sql.DB, error) {
	if e.db != nil {
		return e.db, nil
	}
	if strings.TrimSpace(e.project) == "" {
		return nil, fmt.Errorf("project id is required")
	}
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if e.project != defaultCatalog {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`ATTACH ':memory:' AS %s`, quoteIdent(e.project))); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("attach catalog %q: %w", e.project, err)
		}
	}
	e.db = db
	return db, nil
}

func (e *Engine) loadLocked(ctx context.Context, datasetID string) error {
	if e.store == nil {
		return fmt.Errorf("object store is required")
	}
	db, err := e.openLocked(ctx)
	if err != nil {
		return err
	}

	prefix, err := storage.DatasetPrefix(datasetID)
	if err != nil {
		return err
	}
	objects, err := e.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list dataset files: %w", err)
	}
	tables := map[string][]string{}
	for _, obj := range objects {
		dataset, table, ok := storage.ParseTableFilePath(obj.Key)
		if !ok || dataset != datasetID {
			continue
		}
		tables[table] = append(tables[table], obj.Key)
	}
	if len(tables) == 0 {
		return schema.ErrDatasetNotFound
	}

	workDir, err := os.MkdirTemp("", "sqlagent-load-")
	if err != nil {
		return fmt.Errorf("create load temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	schemaName := quoteIdent(e.project) + "." + quoteIdent(datasetID)
	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+schemaName); err != nil {
		return fmt.Errorf("create schema %s: %w", schemaName, err)
	}

	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		localPaths := make([]string, 0, len(tables[name]))
		for index, key := range tables[name] {
			localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.parquet", name, index))
			if err := e.download(ctx, key, localPath); err != nil {
				return err
			}
			localPaths = append(localPaths, localPath)
		}
		stmt := fmt.Sprintf(`CREATE OR REPLACE TABLE %s.%s AS SELECT * FROM read_parquet(%s)`, schemaName, quoteIdent(name), quoteStringArray(localPaths))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("load table %q: %w", name, err)
		}
	}
	e.loaded[datasetID] = true
	return nil
}

// download copies one parquet object to localPath so read_parquet can scan
// it without an httpfs extension.
func (e *Engine) download(ctx context.Context, key, localPath string) error {
	reader, err := e.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get object %q: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create %q: %w", localPath, err)
	}
	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		return fmt.Errorf("copy object %q: %w", key, err)
	}
	return file.Close()
}

func quoteIdent(value string) string {
	return schema.QuoteIdentifier(schema.QuoteDouble, value)
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
