package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/querygate/querygate/internal/exec"
	"github.com/querygate/querygate/internal/memory"
	"github.com/querygate/querygate/internal/safety"
	"github.com/querygate/querygate/internal/schema"
	"github.com/querygate/querygate/internal/synth"
)

type scriptedGenerator struct {
	responses []string
	err       error
	prompts   []string
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	index := len(g.prompts) - 1
	if index >= len(g.responses) {
		index = len(g.responses) - 1
	}
	return g.responses[index], nil
}

type fakeExecutor struct {
	result   exec.Result
	err      error
	executed []string
}

func (f *fakeExecutor) Execute(_ context.Context, accepted safety.Result, _ int, _ time.Duration) (exec.Result, error) {
	f.executed = append(f.executed, accepted.SQL)
	if f.err != nil {
		return exec.Result{}, f.err
	}
	return f.result, nil
}

type staticSchema struct {
	snapshot schema.Snapshot
}

func (s staticSchema) Snapshot() schema.Snapshot {
	return s.snapshot
}

func testSnapshot() schema.Snapshot {
	return schema.Snapshot{Tables: map[string]schema.Table{
		"usertable": {Name: "usertable", Columns: []schema.Column{
			{Name: "id", DataType: "integer"},
			{Name: "email", DataType: "text", Nullable: true},
		}},
	}}
}

func newTestPipeline(gen synth.Generator, executor Executor, retries int) *Pipeline {
	return New(
		staticSchema{snapshot: testSnapshot()},
		synth.NewSynthesizer(gen, 3),
		executor,
		nil,
		Config{MaxRows: 100, QueryTimeout: time.Second, MaxRetries: retries, MemoryCapacity: 5},
	)
}

func TestHandleRequestHappyPath(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"SELECT id FROM usertable"}}
	executor := &fakeExecutor{result: exec.Result{
		Columns:  []string{"id"},
		Rows:     [][]any{{int64(1)}, {int64(2)}},
		Duration: 5 * time.Millisecond,
	}}
	p := newTestPipeline(gen, executor, 2)

	answer, err := p.HandleRequest(context.Background(), "s1", "list users")
	if err != nil {
		t.Fatalf("HandleRequest() error = %v", err)
	}
	if answer.SQL != "SELECT id FROM usertable" {
		t.Fatalf("SQL = %q", answer.SQL)
	}
	if answer.RowCount != 2 {
		t.Fatalf("RowCount = %d", answer.RowCount)
	}
	if len(executor.executed) != 1 {
		t.Fatalf("executor ran %d times", len(executor.executed))
	}

	turns := p.History("s1")
	if len(turns) != 1 {
		t.Fatalf("history len = %d", len(turns))
	}
	if turns[0].Outcome != memory.OutcomeExecuted || turns[0].RowCount != 2 {
		t.Fatalf("recorded turn = %+v", turns[0])
	}
}

func TestHandleRequestRetriesAfterRejection(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{
		"DELETE FROM usertable",
		"SELECT id FROM usertable",
	}}
	executor := &fakeExecutor{result: exec.Result{Columns: []string{"id"}}}
	p := newTestPipeline(gen, executor, 2)

	answer, err := p.HandleRequest(context.Background(), "s1", "remove users")
	if err != nil {
		t.Fatalf("HandleRequest() error = %v", err)
	}
	if answer.SQL != "SELECT id FROM usertable" {
		t.Fatalf("SQL = %q", answer.SQL)
	}
	if len(gen.prompts) != 2 {
		t.Fatalf("synthesis ran %d times", len(gen.prompts))
	}
	// the retry prompt names the rejection
	if !strings.Contains(gen.prompts[1], "previous attempt was rejected") {
		t.Fatalf("retry prompt missing rejection clause:\n%s", gen.prompts[1])
	}
	if !strings.Contains(strings.ToUpper(gen.prompts[1]), "DELETE") {
		t.Fatalf("retry prompt missing rejection reason:\n%s", gen.prompts[1])
	}
	// the rejected candidate never reached the store
	if len(executor.executed) != 1 || executor.executed[0] != "SELECT id FROM usertable" {
		t.Fatalf("executed = %v", executor.executed)
	}
}

func TestHandleRequestExhaustsRetries(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"SELECT * FROM ghost"}}
	executor := &fakeExecutor{}
	p := newTestPipeline(gen, executor, 2)

	_, err := p.HandleRequest(context.Background(), "s1", "read the ghost table")
	if err == nil {
		t.Fatal("expected error")
	}

	if len(gen.prompts) != 3 {
		t.Fatalf("synthesis ran %d times, want 3 (1 + 2 retries)", len(gen.prompts))
	}
	if len(executor.executed) != 0 {
		t.Fatalf("rejected candidates reached the store: %v", executor.executed)
	}

	var userErr *UserFacingError
	if !errors.As(err, &userErr) {
		t.Fatalf("error = %v, want *UserFacingError", err)
	}
	if userErr.Code != CodeNotTranslatable || userErr.Retryable {
		t.Fatalf("user error = %+v", userErr)
	}
	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("error chain missing rejection detail: %v", err)
	}
	if rejection.Result.Kind != safety.KindUnknownIdentifier {
		t.Fatalf("rejection kind = %s", rejection.Result.Kind)
	}

	turns := p.History("s1")
	if len(turns) != 1 || turns[0].Outcome != memory.OutcomeRejected {
		t.Fatalf("history = %+v", turns)
	}
}

func TestHandleRequestMapsSynthesisFailure(t *testing.T) {
	gen := &scriptedGenerator{err: errors.New("service exploded")}
	p := newTestPipeline(gen, &fakeExecutor{}, 2)

	_, err := p.HandleRequest(context.Background(), "s1", "list users")
	var userErr *UserFacingError
	if !errors.As(err, &userErr) {
		t.Fatalf("error = %v, want *UserFacingError", err)
	}
	if userErr.Code != CodeUnavailable || !userErr.Retryable {
		t.Fatalf("user error = %+v", userErr)
	}

	turns := p.History("s1")
	if len(turns) != 1 || turns[0].Outcome != memory.OutcomeFailed {
		t.Fatalf("history = %+v", turns)
	}
}

func TestHandleRequestRecordsStoreRejection(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"SELECT id FROM usertable"}}
	executor := &fakeExecutor{err: &exec.Error{Kind: exec.KindStoreRejected, Err: errors.New("permission denied")}}
	p := newTestPipeline(gen, executor, 2)

	_, err := p.HandleRequest(context.Background(), "s1", "list users")
	var userErr *UserFacingError
	if !errors.As(err, &userErr) {
		t.Fatalf("error = %v, want *UserFacingError", err)
	}
	if userErr.Code != CodeUnavailable {
		t.Fatalf("code = %s", userErr.Code)
	}

	// one attempt only: a store rejection is never blindly re-executed
	if len(gen.prompts) != 1 {
		t.Fatalf("synthesis ran %d times", len(gen.prompts))
	}
	turns := p.History("s1")
	if len(turns) != 1 || turns[0].Outcome != memory.OutcomeFailed {
		t.Fatalf("history = %+v", turns)
	}
}

func TestHandleRequestCancelledSessionRecordsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := &cancellingGenerator{cancel: cancel}
	p := newTestPipeline(gen, &fakeExecutor{}, 2)

	_, err := p.HandleRequest(ctx, "s1", "list users")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if turns := p.History("s1"); len(turns) != 0 {
		t.Fatalf("cancelled request left history: %+v", turns)
	}
}

// cancellingGenerator cancels the request context mid-synthesis.
type cancellingGenerator struct {
	cancel context.CancelFunc
}

func (g *cancellingGenerator) Generate(ctx context.Context, _ string) (string, error) {
	g.cancel()
	return "", ctx.Err()
}

func TestSessionsAreIsolated(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"SELECT id FROM usertable"}}
	executor := &fakeExecutor{result: exec.Result{Columns: []string{"id"}}}
	p := newTestPipeline(gen, executor, 2)

	if _, err := p.HandleRequest(context.Background(), "alice", "list users"); err != nil {
		t.Fatalf("HandleRequest() error = %v", err)
	}

	if turns := p.History("bob"); len(turns) != 0 {
		t.Fatalf("bob sees alice's history: %+v", turns)
	}
	if turns := p.History("alice"); len(turns) != 1 {
		t.Fatalf("alice history = %+v", turns)
	}
}

func TestClearSessionDropsHistoryOnly(t *testing.T) {
	gen := &scriptedGenerator{responses: []string{"SELECT id FROM usertable"}}
	executor := &fakeExecutor{result: exec.Result{Columns: []string{"id"}}}
	p := newTestPipeline(gen, executor, 2)

	if _, err := p.HandleRequest(context.Background(), "s1", "list users"); err != nil {
		t.Fatalf("HandleRequest() error = %v", err)
	}
	p.ClearSession("s1")
	if turns := p.History("s1"); len(turns) != 0 {
		t.Fatalf("history after clear = %+v", turns)
	}

	// the session keeps working after a clear
	if _, err := p.HandleRequest(context.Background(), "s1", "list users again"); err != nil {
		t.Fatalf("HandleRequest() after clear error = %v", err)
	}
}
