package api

import (
	"net/http"
	"time"

	"github.com/querygate/querygate/internal/schema"
)

type schemaColumn struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

type schemaTable struct {
	Name    string         `json:"name"`
	Columns []schemaColumn `json:"columns"`
}

type schemaResponse struct {
	Tables     []schemaTable `json:"tables"`
	CapturedAt time.Time     `json:"captured_at"`
}

func handleGetSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CATALOG_NOT_CONFIGURED", "schema catalog is not configured", false, nil)
		return
	}
	if err := requireRole(r, "query_reader"); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse(deps.Catalog.Snapshot()))
}

func handleRefreshSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CATALOG_NOT_CONFIGURED", "schema catalog is not configured", false, nil)
		return
	}
	if err := requireRole(r, "admin"); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}
	snapshot, err := deps.Catalog.Introspect(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "INTROSPECTION_FAILED", "schema introspection failed", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse(snapshot))
}

func snapshotResponse(snapshot schema.Snapshot) schemaResponse {
	response := schemaResponse{CapturedAt: snapshot.CapturedAt, Tables: []schemaTable{}}
	for _, name := range snapshot.TableNames() {
		table := snapshot.Tables[name]
		columns := make([]schemaColumn, 0, len(table.Columns))
		for _, column := range table.Columns {
			columns = append(columns, schemaColumn{
				Name:     column.Name,
				DataType: column.DataType,
				Nullable: column.Nullable,
			})
		}
		response.Tables = append(response.Tables, schemaTable{Name: table.Name, Columns: columns})
	}
	return response
}
