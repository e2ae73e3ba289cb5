package synth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/querygate/querygate/internal/memory"
	"github.com/querygate/querygate/internal/schema"
)

// Generator is the whole contract with the external reasoning service.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ErrorKind classifies synthesis failures.
type ErrorKind string

const (
	KindServiceTimeout   ErrorKind = "serviceTimeout"
	KindServiceFailure   ErrorKind = "serviceFailure"
	KindRetriesExhausted ErrorKind = "retriesExhausted"
)

type Error struct {
	Kind       ErrorKind
	LastReason string
	Err        error
}

func (e *Error) Error() string {
	if e.LastReason != "" {
		return fmt.Sprintf("synthesis failed (%s): %s", e.Kind, e.LastReason)
	}
	return fmt.Sprintf("synthesis failed (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Request carries everything one synthesis call needs.
type Request struct {
	Question        string
	Turns           []memory.Turn
	Snapshot        schema.Snapshot
	RejectionReason string // set on resynthesis after a validation rejection
}

// Candidate is a not-yet-validated query together with the prompt that
// produced it. It is discarded after validation.
type Candidate struct {
	SQL    string
	Prompt string
}

// Synthesizer turns a natural-language request into a candidate query. It
// never retries internally; the pipeline owns the retry policy.
type Synthesizer struct {
	generator    Generator
	contextTurns int
}

const DefaultContextTurns = 3

func NewSynthesizer(generator Generator, contextTurns int) *Synthesizer {
	if contextTurns <= 0 {
		contextTurns = DefaultContextTurns
	}
	return &Synthesizer{generator: generator, contextTurns: contextTurns}
}

func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (Candidate, error) {
	prompt := s.BuildPrompt(req)
	raw, err := s.generator.Generate(ctx, prompt)
	if err != nil {
		kind := KindServiceFailure
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			kind = KindServiceTimeout
		}
		return Candidate{}, &Error{Kind: kind, Err: err}
	}

	sqlText := stripMarkdownFences(raw)
	if strings.TrimSpace(sqlText) == "" {
		return Candidate{}, &Error{Kind: KindServiceFailure, Err: fmt.Errorf("service returned empty query text")}
	}
	return Candidate{SQL: sqlText, Prompt: prompt}, nil
}

// BuildPrompt assembles the grounded prompt deterministically: rules, schema,
// recent turns, the new question and, on a retry, the prior rejection.
func (s *Synthesizer) BuildPrompt(req Request) string {
	var builder strings.Builder

	builder.WriteString("You are a PostgreSQL expert operating in READ-ONLY mode for data analytics.\n\n")
	builder.WriteString("CRITICAL SAFETY RULES:\n")
	builder.WriteString("- ONLY read-only operations are permitted (SELECT, WITH).\n")
	builder.WriteString("- NEVER use: INSERT, UPDATE, DELETE, DROP, CREATE, ALTER, TRUNCATE, GRANT, REVOKE, COPY, CALL, EXECUTE.\n")
	builder.WriteString("- NEVER nest aggregate functions (AVG(COUNT(x)) is invalid); use a CTE instead.\n")
	builder.WriteString("- ALWAYS give every JOIN an explicit ON condition and use table aliases.\n")
	builder.WriteString("- Qualify column names with their table alias when more than one table is involved.\n")
	builder.WriteString("- Prefer ILIKE for case-insensitive text matching, with the pattern in single quotes.\n")
	builder.WriteString("- Reference only tables and columns from the schema below.\n")
	builder.WriteString("- Output a single SQL query and nothing else.\n\n")

	builder.WriteString("Database schema:\n")
	builder.WriteString(req.Snapshot.PromptDescription())
	builder.WriteString("\n")

	builder.WriteString("Conversation context:\n")
	builder.WriteString(formatTurns(req.Turns, s.contextTurns))
	builder.WriteString("\n")

	if req.RejectionReason != "" {
		builder.WriteString("Your previous attempt was rejected: ")
		builder.WriteString(req.RejectionReason)
		builder.WriteString("\nProduce a corrected query.\n\n")
	}

	builder.WriteString("Question: ")
	builder.WriteString(strings.TrimSpace(req.Question))
	builder.WriteString("\n\nGenerate a safe, read-only PostgreSQL SELECT query:")
	return builder.String()
}

func formatTurns(turns []memory.Turn, maxTurns int) string {
	if len(turns) == 0 {
		return "No previous conversation.\n"
	}
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}

	var builder strings.Builder
	for i, turn := range turns {
		builder.WriteString(fmt.Sprintf("Exchange %d:\n", i+1))
		builder.WriteString("  User: " + turn.Question + "\n")
		switch turn.Outcome {
		case memory.OutcomeExecuted:
			builder.WriteString(fmt.Sprintf("  Assistant: executed %s (%d rows)\n", turn.SQL, turn.RowCount))
		case memory.OutcomeRejected:
			builder.WriteString("  Assistant: request was rejected: " + turn.Reason + "\n")
		default:
			builder.WriteString("  Assistant: request failed\n")
		}
	}
	return builder.String()
}

func stripMarkdownFences(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```sql")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}
