// Package validator cleans candidate SQL, rejects statements that could
// modify the warehouse and executes the rest, shaping the outcome into a
// bounded, JSON-friendly result.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/duckmesh/sqlagent/internal/observability"
	"github.com/duckmesh/sqlagent/internal/warehouse"
)

// MaxNumRows caps both the LIMIT injected into unbounded queries and the
// rows kept from any result.
const MaxNumRows = 80

const (
	DisallowedMessage = "Invalid SQL: Contains disallowed DML/DDL operations."
	NoRowsMessage     = "Valid SQL. Query executed successfully (no results)."
)

var disallowedPattern = regexp.MustCompile(`(?i)\b(update|delete|drop|insert|create|alter|truncate|merge)\b`)

type Status string

const (
	StatusRows    Status = "rows"
	StatusNoRows  Status = "no_rows"
	StatusInvalid Status = "invalid"
	StatusFailed  Status = "failed"
)

// InvalidSQLError reports a statement rejected before execution. It is never
// sent to the correction loop.
type InvalidSQLError struct {
	SQL string
}

func (e *InvalidSQLError) Error() string {
	return DisallowedMessage
}

// Result is the outcome of one validation. Rows is set only for StatusRows
// and Error only for StatusInvalid and StatusFailed.
type Result struct {
	SQL     string `json:"sql"`
	Status  Status `json:"status"`
	Rows    []Row  `json:"rows,omitempty"`
	Error   string `json:"error_message,omitempty"`
	Message string `json:"message,omitempty"`
}

// OK reports whether the query executed, with or without rows.
func (r Result) OK() bool {
	return r.Status == StatusRows || r.Status == StatusNoRows
}

// Err converts a rejected result into *InvalidSQLError. Other results yield
// nil; executor failures are handled by the correction loop from Error.
func (r Result) Err() error {
	if r.Status == StatusInvalid {
		return &InvalidSQLError{SQL: r.SQL}
	}
	return nil
}

// Cleanup undoes the escaping models tend to add and bounds the query. Any
// occurrence of "limit", even inside an identifier, counts as a bound: the
// check is a substring match, not a parse. A terminating semicolon is
// dropped before the bound is appended.
func Cleanup(sql string) string {
	sql = strings.ReplaceAll(sql, `\"`, `"`)
	sql = strings.ReplaceAll(sql, "\\\n", "\n")
	sql = strings.ReplaceAll(sql, `\'`, `'`)
	sql = strings.ReplaceAll(sql, `\n`, "\n")
	if !strings.Contains(strings.ToLower(sql), "limit") {
		if strings.HasSuffix(strings.TrimSpace(sql), ";") {
			sql = warehouse.StripTrailingSemicolons(sql)
		}
		sql += " LIMIT " + strconv.Itoa(MaxNumRows)
	}
	return sql
}

// CheckSafety rejects text containing a data-modifying keyword as a whole
// word in any case. It is a deny-list, so identifiers such as created_at pass
// while a string literal containing "drop" does not.
func CheckSafety(sql string) error {
	if disallowedPattern.MatchString(sql) {
		return &InvalidSQLError{SQL: sql}
	}
	return nil
}

type Validator struct {
	executor warehouse.Executor
	logger   *slog.Logger
}

func New(executor warehouse.Executor, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{executor: executor, logger: logger}
}

// ValidateAndRun cleans, checks and executes sql. It never returns an error
// and never panics; every failure is reported in the Result.
func (v *Validator) ValidateAndRun(ctx context.Context, sql string) Result {
	cleaned := Cleanup(sql)
	v.logger.DebugContext(ctx, "validating sql", slog.String("sql", cleaned))

	result := v.run(ctx, cleaned)
	observability.ObserveValidation(string(result.Status))
	if !result.OK() {
		v.logger.InfoContext(ctx, "sql validation failed", slog.String("status", string(result.Status)), slog.String("error", result.Error))
	}
	return result
}

func (v *Validator) run(ctx context.Context, cleaned string) (result Result) {
	if err := CheckSafety(cleaned); err != nil {
		return Result{SQL: cleaned, Status: StatusInvalid, Error: err.Error()}
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			result = Result{SQL: cleaned, Status: StatusFailed, Error: fmt.Sprintf("Invalid SQL: executor panic: %v", recovered)}
		}
	}()

	rows, err := v.executor.Execute(ctx, cleaned)
	if err != nil {
		return Result{SQL: cleaned, Status: StatusFailed, Error: "Invalid SQL: " + err.Error()}
	}
	if len(rows.Columns) == 0 || len(rows.Values) == 0 {
		return Result{SQL: cleaned, Status: StatusNoRows, Message: NoRowsMessage}
	}
	return Result{SQL: cleaned, Status: StatusRows, Rows: shapeRows(rows, MaxNumRows)}
}
