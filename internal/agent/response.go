package agent

import (
	"context"
	"errors"
	"slices"

	"github.com/duckmesh/sqlagent/internal/correction"
	"github.com/duckmesh/sqlagent/internal/llm"
	"github.com/duckmesh/sqlagent/internal/nl2sql"
	"github.com/duckmesh/sqlagent/internal/schema"
	"github.com/duckmesh/sqlagent/internal/validator"
)

type ErrorKind string

const (
	KindBadRequest  ErrorKind = "bad_request"
	KindSchemaFetch ErrorKind = "schema_fetch"
	KindModelCall   ErrorKind = "model_call"
	KindInvalidSQL  ErrorKind = "invalid_sql"
	KindExecution   ErrorKind = "execution"
	KindCanceled    ErrorKind = "canceled"
	KindInternal    ErrorKind = "internal"
)

type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Response is what the caller sees and what the query tier stores. A
// response with Error set carries no SQL or rows.
type Response struct {
	SQL     string           `json:"sql,omitempty"`
	Status  validator.Status `json:"status,omitempty"`
	Rows    []validator.Row  `json:"rows,omitempty"`
	Message string           `json:"message,omitempty"`
	Summary string           `json:"summary,omitempty"`
	Error   *Error           `json:"error,omitempty"`
}

func (r Response) Failed() bool {
	return r.Error != nil
}

// Clone copies the rows and error so the copy can be modified without
// touching a cached response.
func (r Response) Clone() Response {
	if r.Rows != nil {
		rows := make([]validator.Row, len(r.Rows))
		for i, row := range r.Rows {
			rows[i] = slices.Clone(row)
		}
		r.Rows = rows
	}
	if r.Error != nil {
		e := *r.Error
		r.Error = &e
	}
	return r
}

type Result struct {
	RequestID string
	Response  Response
	CacheHit  bool
}

func failure(err error) Response {
	return Response{Error: &Error{Kind: Classify(err), Message: err.Error()}}
}

// Classify maps a pipeline error to the kind reported to callers.
func Classify(err error) ErrorKind {
	var (
		fetchErr   *schema.FetchError
		invalidErr *validator.InvalidSQLError
		execErr    *correction.ExecutionError
		modelErr   *llm.ModelCallError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingQuestion), errors.Is(err, ErrMissingDataset), errors.Is(err, ErrUnknownDataset), errors.Is(err, ErrMissingSQL):
		return KindBadRequest
	case errors.As(err, &fetchErr):
		return KindSchemaFetch
	case errors.As(err, &invalidErr):
		return KindInvalidSQL
	case errors.As(err, &execErr):
		return KindExecution
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.As(err, &modelErr),
		errors.Is(err, llm.ErrEmptyCompletion),
		errors.Is(err, llm.ErrUnsupportedSafety),
		errors.Is(err, llm.ErrBatchTimeout),
		errors.Is(err, nl2sql.ErrNoSQLBlock),
		errors.Is(err, nl2sql.ErrEmptySQL):
		return KindModelCall
	default:
		return KindInternal
	}
}
