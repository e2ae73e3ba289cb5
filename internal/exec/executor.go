package exec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/querygate/querygate/internal/safety"
)

type ErrorKind string

const (
	KindTimeout       ErrorKind = "timeout"
	KindStoreRejected ErrorKind = "storeRejected"
)

type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("query execution failed (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result is the tabular outcome of one query. The caller owns it; nothing is
// cached here.
type Result struct {
	Columns  []string
	Rows     [][]any
	Duration time.Duration
}

// Executor runs validated queries against the shared read-only pool.
type Executor struct {
	db *sql.DB
}

func NewExecutor(db *sql.DB) *Executor {
	return &Executor{db: db}
}

// Execute runs an accepted query with a store-side row cap and a deadline.
// Passing anything but an accepted validation result is a programming error
// and fails before touching the store.
func (e *Executor) Execute(ctx context.Context, accepted safety.Result, maxRows int, timeout time.Duration) (Result, error) {
	if !accepted.Accepted {
		return Result{}, fmt.Errorf("refusing to execute a query that did not pass validation")
	}
	if maxRows <= 0 {
		return Result{}, fmt.Errorf("maxRows must be positive")
	}

	sqlText := fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d", accepted.SQL, maxRows)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Result{}, wrapExecErr(ctx, fmt.Errorf("begin read-only tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, sqlText)
	if err != nil {
		return Result{}, wrapExecErr(ctx, fmt.Errorf("execute query: %w", err))
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return Result{}, wrapExecErr(ctx, fmt.Errorf("query columns: %w", err))
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return Result{}, wrapExecErr(ctx, fmt.Errorf("scan row: %w", err))
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return Result{}, wrapExecErr(ctx, fmt.Errorf("iterate rows: %w", err))
	}

	return Result{
		Columns:  columns,
		Rows:     resultRows,
		Duration: time.Since(start),
	}, nil
}

func wrapExecErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		// session cancellation is not a store failure
		return err
	}
	return &Error{Kind: KindStoreRejected, Err: err}
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}
