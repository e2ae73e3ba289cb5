package exec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/querygate/querygate/internal/safety"
)

func accepted(sqlText string) safety.Result {
	return safety.Result{Accepted: true, SQL: sqlText}
}

func TestExecuteWrapsQueryWithRowCap(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM \\(SELECT id, email FROM usertable\\) AS q LIMIT 500").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).
			AddRow(int64(1), []byte("a@example.com")).
			AddRow(int64(2), nil))
	mock.ExpectRollback()

	executor := NewExecutor(db)
	result, err := executor.Execute(context.Background(), accepted("SELECT id, email FROM usertable"), 500, time.Second)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(result.Columns) != 2 || result.Columns[0] != "id" {
		t.Fatalf("columns = %v", result.Columns)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("rows = %d", len(result.Rows))
	}
	// byte slices from the driver come back as strings
	if result.Rows[0][1] != "a@example.com" {
		t.Fatalf("normalized value = %v (%T)", result.Rows[0][1], result.Rows[0][1])
	}
	if result.Rows[1][1] != nil {
		t.Fatalf("NULL value = %v", result.Rows[1][1])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExecuteUsesReadOnlyTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectBegin().WillReturnError(errors.New("read-only violation"))

	executor := NewExecutor(db)
	_, err = executor.Execute(context.Background(), accepted("SELECT 1"), 10, time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	var execErr *Error
	if !errors.As(err, &execErr) || execErr.Kind != KindStoreRejected {
		t.Fatalf("error = %v, want storeRejected", err)
	}
}

func TestExecuteRefusesUnvalidatedInput(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	executor := NewExecutor(db)
	if _, err := executor.Execute(context.Background(), safety.Result{SQL: "SELECT 1"}, 10, time.Second); err == nil {
		t.Fatal("expected rejection of unvalidated result")
	}
	if _, err := executor.Execute(context.Background(), accepted("SELECT 1"), 0, time.Second); err == nil {
		t.Fatal("expected rejection of non-positive row cap")
	}
}

func TestExecuteClassifiesStoreRejection(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").WillReturnError(errors.New(`pq: permission denied for table usertable`))
	mock.ExpectRollback()

	executor := NewExecutor(db)
	_, err = executor.Execute(context.Background(), accepted("SELECT id FROM usertable"), 10, time.Second)

	var execErr *Error
	if !errors.As(err, &execErr) {
		t.Fatalf("error = %v, want *exec.Error", err)
	}
	if execErr.Kind != KindStoreRejected {
		t.Fatalf("kind = %s, want %s", execErr.Kind, KindStoreRejected)
	}
}

func TestExecuteClassifiesTimeout(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT").WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	executor := NewExecutor(db)
	_, err = executor.Execute(context.Background(), accepted("SELECT id FROM usertable"), 10, time.Second)

	var execErr *Error
	if !errors.As(err, &execErr) {
		t.Fatalf("error = %v, want *exec.Error", err)
	}
	if execErr.Kind != KindTimeout {
		t.Fatalf("kind = %s, want %s", execErr.Kind, KindTimeout)
	}
}

func TestExecutePassesCancellationThrough(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	mock.ExpectBegin().WillReturnError(ctx.Err())

	executor := NewExecutor(db)
	_, err = executor.Execute(ctx, accepted("SELECT 1"), 10, 0)
	if err == nil {
		t.Fatal("expected error")
	}
	var execErr *Error
	if errors.As(err, &execErr) {
		t.Fatalf("cancellation wrapped as %s", execErr.Kind)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}
