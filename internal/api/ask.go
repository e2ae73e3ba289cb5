package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/querygate/querygate/internal/auth"
	"github.com/querygate/querygate/internal/pipeline"
)

type askRequest struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

type askResponse struct {
	SQL      string         `json:"sql"`
	Columns  []string       `json:"columns"`
	Rows     [][]any        `json:"rows"`
	RowCount int            `json:"row_count"`
	Stats    map[string]any `json:"stats"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "request pipeline is not configured", false, nil)
		return
	}
	if err := requireRole(r, "query_reader"); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	var request askRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.SessionID) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SESSION_REQUIRED", "session_id is required", false, nil)
		return
	}
	if strings.TrimSpace(request.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}

	answer, err := deps.Pipeline.HandleRequest(r.Context(), request.SessionID, request.Question)
	if err != nil {
		writeAskError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, askResponse{
		SQL:      answer.SQL,
		Columns:  answer.Columns,
		Rows:     answer.Rows,
		RowCount: answer.RowCount,
		Stats: map[string]any{
			"duration_ms": answer.Duration.Milliseconds(),
		},
	})
}

func writeAskError(w http.ResponseWriter, r *http.Request, err error) {
	var userErr *pipeline.UserFacingError
	if !errors.As(err, &userErr) {
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL", "request failed", true, map[string]any{"details": err.Error()})
		return
	}

	status := http.StatusServiceUnavailable
	extra := map[string]any{}
	if userErr.Code == pipeline.CodeNotTranslatable {
		status = http.StatusUnprocessableEntity
		var rejection *pipeline.RejectionError
		if errors.As(err, &rejection) {
			extra["rejection_kind"] = string(rejection.Result.Kind)
			if rejection.Result.Fragment != "" {
				extra["fragment"] = rejection.Result.Fragment
			}
		}
	}
	writeError(r.Context(), w, status, userErr.Code, userErr.Message, userErr.Retryable, extra)
}

func requireRole(r *http.Request, role string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		// auth disabled: every caller is trusted
		return nil
	}
	if !identity.HasRole(role) {
		return fmt.Errorf("role %q is required", role)
	}
	return nil
}
