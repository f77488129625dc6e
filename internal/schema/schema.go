// Package schema describes warehouse datasets for prompt assembly: the
// ordered tables and columns of a dataset plus a handful of example rows,
// rendered as DDL the language model can read.
package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// MaxExampleRows bounds the sample rows attached to each table.
const MaxExampleRows = 5

var (
	ErrDatasetNotFound  = errors.New("dataset not found")
	ErrPermissionDenied = errors.New("permission denied")
)

type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Repeated    bool   `json:"repeated,omitempty"`
	Description string `json:"description,omitempty"`
}

// Table is a base table. Name is fully qualified the way generated SQL must
// reference it, e.g. project.dataset.table.
type Table struct {
	Name        string   `json:"name"`
	Columns     []Column `json:"columns"`
	ExampleRows [][]any  `json:"example_rows,omitempty"`
}

// Identifier quote characters. Backticks suit BigQuery and MySQL; DuckDB,
// PostgreSQL and SQLite use double quotes.
const (
	QuoteBacktick = "`"
	QuoteDouble   = `"`
)

// Descriptor is immutable once fetched. A stale descriptor is replaced, never
// patched in place.
type Descriptor struct {
	DatasetID string  `json:"dataset_id"`
	Tables    []Table `json:"tables"`
	// IdentifierQuote is the quote character the warehouse accepts around
	// identifiers. Empty means QuoteBacktick.
	IdentifierQuote string `json:"identifier_quote,omitempty"`
}

// QuoteName quotes every dotted part of a table name, so a rendered
// project.dataset.table reads back as three identifiers.
func (d Descriptor) QuoteName(name string) string {
	parts := strings.Split(name, ".")
	for i, part := range parts {
		parts[i] = QuoteIdentifier(d.quote(), part)
	}
	return strings.Join(parts, ".")
}

func (d Descriptor) quote() string {
	if d.IdentifierQuote == "" {
		return QuoteBacktick
	}
	return d.IdentifierQuote
}

// QuoteIdentifier wraps one identifier in quote, doubling any quote
// character inside it.
func QuoteIdentifier(quote, ident string) string {
	return quote + strings.ReplaceAll(ident, quote, quote+quote) + quote
}

func (d Descriptor) Table(name string) (Table, bool) {
	for _, table := range d.Tables {
		if table.Name == name {
			return table, true
		}
	}
	return Table{}, false
}

type Provider interface {
	FetchSchema(ctx context.Context, datasetID string) (Descriptor, error)
}

// FetchError reports that a dataset could not be described. It is fatal for
// the request that triggered it.
type FetchError struct {
	DatasetID string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch schema for dataset %q: %v", e.DatasetID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fail wraps err as a *FetchError unless it already is one.
func Fail(datasetID string, err error) error {
	if err == nil {
		return nil
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return err
	}
	return &FetchError{DatasetID: datasetID, Err: err}
}
