package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/querygate/querygate/internal/memory"
)

type historyTurn struct {
	Seq      int       `json:"seq"`
	Question string    `json:"question"`
	SQL      string    `json:"sql,omitempty"`
	Outcome  string    `json:"outcome"`
	Reason   string    `json:"reason,omitempty"`
	RowCount int       `json:"row_count"`
	At       time.Time `json:"at"`
}

type historyResponse struct {
	SessionID string        `json:"session_id"`
	Turns     []historyTurn `json:"turns"`
}

func handleSessionHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "request pipeline is not configured", false, nil)
		return
	}
	if err := requireRole(r, "query_reader"); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	sessionID := strings.TrimSpace(r.PathValue("session"))
	if sessionID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SESSION_REQUIRED", "session path parameter is required", false, nil)
		return
	}

	turns := deps.Pipeline.History(sessionID)
	response := historyResponse{SessionID: sessionID, Turns: make([]historyTurn, 0, len(turns))}
	for _, turn := range turns {
		response.Turns = append(response.Turns, historyTurnFromMemory(turn))
	}
	writeJSON(w, http.StatusOK, response)
}

func handleClearSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "request pipeline is not configured", false, nil)
		return
	}
	if err := requireRole(r, "query_reader"); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	sessionID := strings.TrimSpace(r.PathValue("session"))
	if sessionID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SESSION_REQUIRED", "session path parameter is required", false, nil)
		return
	}

	deps.Pipeline.ClearSession(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func historyTurnFromMemory(turn memory.Turn) historyTurn {
	return historyTurn{
		Seq:      turn.Seq,
		Question: turn.Question,
		SQL:      turn.SQL,
		Outcome:  string(turn.Outcome),
		Reason:   turn.Reason,
		RowCount: turn.RowCount,
		At:       turn.At,
	}
}
