package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/querygate/querygate/internal/exec"
	"github.com/querygate/querygate/internal/memory"
	"github.com/querygate/querygate/internal/observability"
	"github.com/querygate/querygate/internal/safety"
	"github.com/querygate/querygate/internal/schema"
	"github.com/querygate/querygate/internal/synth"
)

// SchemaSource supplies the snapshot candidates are validated against.
type SchemaSource interface {
	Snapshot() schema.Snapshot
}

// Executor runs accepted queries. *exec.Executor satisfies it; tests use
// fakes to prove rejected candidates never reach the store.
type Executor interface {
	Execute(ctx context.Context, accepted safety.Result, maxRows int, timeout time.Duration) (exec.Result, error)
}

type Config struct {
	MaxRows        int
	QueryTimeout   time.Duration
	MaxRetries     int
	MemoryCapacity int
}

// Answer is the user-visible outcome of one successful request.
type Answer struct {
	SQL      string
	Columns  []string
	Rows     [][]any
	RowCount int
	Duration time.Duration
}

// UserFacingError separates "your request could not be safely translated"
// from "the system is temporarily unavailable". Nothing is swallowed: Err
// carries the terminal cause.
type UserFacingError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *UserFacingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *UserFacingError) Unwrap() error {
	return e.Err
}

// RejectionError carries the validator outcome through a UserFacingError.
type RejectionError struct {
	Result safety.Result
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("query rejected (%s): %s", e.Result.Kind, e.Result.Reason)
}

const (
	CodeNotTranslatable = "NOT_TRANSLATABLE"
	CodeUnavailable     = "TEMPORARILY_UNAVAILABLE"
)

type sessionState struct {
	mu  sync.Mutex
	mem *memory.Memory
}

// Pipeline drives one request through context, synthesis, validation and
// execution, and owns per-session conversation memory. There is no
// process-wide conversation state; each session's memory lives here, keyed
// by session ID.
type Pipeline struct {
	schemaSource SchemaSource
	synthesizer  *synth.Synthesizer
	executor     Executor
	logger       *slog.Logger
	cfg          Config

	mu       sync.Mutex
	sessions map[string]*sessionState
}

func New(schemaSource SchemaSource, synthesizer *synth.Synthesizer, executor Executor, logger *slog.Logger, cfg Config) *Pipeline {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 500
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MemoryCapacity <= 0 {
		cfg.MemoryCapacity = memory.DefaultCapacity
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{
		schemaSource: schemaSource,
		synthesizer:  synthesizer,
		executor:     executor,
		logger:       logger,
		cfg:          cfg,
		sessions:     map[string]*sessionState{},
	}
}

// HandleRequest is the single entry point for external callers. One request
// is one sequential pass; a rejection triggers bounded resynthesis with the
// rejection reason folded into the prompt.
func (p *Pipeline) HandleRequest(ctx context.Context, sessionID, question string) (Answer, error) {
	session := p.session(sessionID)
	session.mu.Lock()
	defer session.mu.Unlock()

	turns := session.mem.Recent(session.mem.Capacity())
	snapshot := p.schemaSource.Snapshot()

	var lastRejection safety.Result
	rejectionReason := ""

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		observability.ObserveSynthesisAttempt()
		candidate, err := p.synthesizer.Synthesize(ctx, synth.Request{
			Question:        question,
			Turns:           turns,
			Snapshot:        snapshot,
			RejectionReason: rejectionReason,
		})
		if err != nil {
			return Answer{}, p.failTurn(ctx, session, question, err)
		}

		result := safety.Validate(candidate.SQL, snapshot)
		if !result.Accepted {
			observability.ObserveValidationRejection(string(result.Kind))
			p.logger.WarnContext(ctx, "candidate rejected",
				slog.String("session_id", sessionID),
				slog.String("kind", string(result.Kind)),
				slog.String("reason", result.Reason),
				slog.Int("attempt", attempt+1),
			)
			lastRejection = result
			rejectionReason = result.Reason
			continue
		}

		execResult, err := p.executor.Execute(ctx, result, p.cfg.MaxRows, p.cfg.QueryTimeout)
		if err != nil {
			return Answer{}, p.failExecution(ctx, session, question, result.SQL, err)
		}

		observability.ObserveQueryExecution(len(execResult.Rows), execResult.Duration)
		session.mem.Append(memory.Turn{
			Seq:      session.mem.NextSeq(),
			Question: question,
			SQL:      result.SQL,
			Outcome:  memory.OutcomeExecuted,
			RowCount: len(execResult.Rows),
			At:       time.Now().UTC(),
		})
		return Answer{
			SQL:      result.SQL,
			Columns:  execResult.Columns,
			Rows:     execResult.Rows,
			RowCount: len(execResult.Rows),
			Duration: execResult.Duration,
		}, nil
	}

	// every attempt was rejected by the validator
	session.mem.Append(memory.Turn{
		Seq:      session.mem.NextSeq(),
		Question: question,
		Outcome:  memory.OutcomeRejected,
		Reason:   lastRejection.Reason,
		At:       time.Now().UTC(),
	})
	observability.ObserveSynthesisFailure(string(synth.KindRetriesExhausted))
	return Answer{}, &UserFacingError{
		Code:      CodeNotTranslatable,
		Message:   "your request could not be safely translated into a read-only query: " + lastRejection.Reason,
		Retryable: false,
		Err:       &RejectionError{Result: lastRejection},
	}
}

// failTurn records a synthesis failure and maps it to a user-facing error.
// A cancelled session records nothing.
func (p *Pipeline) failTurn(ctx context.Context, session *sessionState, question string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}

	var synthErr *synth.Error
	if errors.As(err, &synthErr) {
		observability.ObserveSynthesisFailure(string(synthErr.Kind))
	}
	session.mem.Append(memory.Turn{
		Seq:      session.mem.NextSeq(),
		Question: question,
		Outcome:  memory.OutcomeFailed,
		Reason:   err.Error(),
		At:       time.Now().UTC(),
	})
	p.logger.ErrorContext(ctx, "synthesis failed", slog.Any("error", err))
	return &UserFacingError{
		Code:      CodeUnavailable,
		Message:   "the system is temporarily unavailable, please try again",
		Retryable: true,
		Err:       err,
	}
}

// failExecution records an execution failure. A store-side rejection of a
// validated query is a validator gap: logged for gate refinement and never
// re-executed unmodified.
func (p *Pipeline) failExecution(ctx context.Context, session *sessionState, question, sqlText string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) && execErr.Kind == exec.KindStoreRejected {
		observability.ObserveValidatorGap()
		p.logger.WarnContext(ctx, "store rejected a validated query",
			slog.String("sql", sqlText),
			slog.Any("error", err),
		)
	}
	session.mem.Append(memory.Turn{
		Seq:      session.mem.NextSeq(),
		Question: question,
		SQL:      sqlText,
		Outcome:  memory.OutcomeFailed,
		Reason:   err.Error(),
		At:       time.Now().UTC(),
	})
	return &UserFacingError{
		Code:      CodeUnavailable,
		Message:   "the query could not be completed, please try again",
		Retryable: true,
		Err:       err,
	}
}

// History returns the retained turns for a session, oldest first.
func (p *Pipeline) History(sessionID string) []memory.Turn {
	session := p.session(sessionID)
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.mem.Recent(session.mem.Capacity())
}

// ClearSession drops a session's conversation memory.
func (p *Pipeline) ClearSession(sessionID string) {
	session := p.session(sessionID)
	session.mu.Lock()
	defer session.mu.Unlock()
	session.mem.Clear()
}

func (p *Pipeline) session(sessionID string) *sessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.sessions[sessionID]
	if !ok {
		state = &sessionState{mem: memory.New(p.cfg.MemoryCapacity)}
		p.sessions[sessionID] = state
	}
	return state
}
