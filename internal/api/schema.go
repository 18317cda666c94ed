package api

import (
	"net/http"
	"time"

	"github.com/datachat/datachat/internal/store"
)

type schemaColumn struct {
	Name         string   `json:"name"`
	Type         string   `json:"type,omitempty"`
	Nullable     bool     `json:"nullable"`
	SampleValues []string `json:"sample_values,omitempty"`
}

type schemaTable struct {
	Name        string         `json:"name"`
	Store       store.Kind     `json:"store"`
	RowCount    int64          `json:"row_count"`
	Unavailable bool           `json:"unavailable,omitempty"`
	Columns     []schemaColumn `json:"columns"`
}

type schemaResponse struct {
	Version int64         `json:"version"`
	TakenAt time.Time     `json:"taken_at"`
	Tables  []schemaTable `json:"tables"`
}

// handleSchema serves the catalog snapshot the engine is currently
// resolving against, sample values included, so callers can show users
// what is queryable.
func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CATALOG_NOT_CONFIGURED", "catalog dependencies are not configured", false, nil)
		return
	}
	snap := deps.Catalog.Snapshot()
	if snap == nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "CATALOG_UNAVAILABLE", "no catalog snapshot is available yet", true, nil)
		return
	}

	response := schemaResponse{Version: snap.Version, TakenAt: snap.TakenAt}
	for _, table := range snap.Tables {
		entry := schemaTable{
			Name:        table.Name,
			Store:       table.Store,
			RowCount:    table.RowCount,
			Unavailable: table.Unavailable,
		}
		for _, column := range table.Columns {
			entry.Columns = append(entry.Columns, schemaColumn{
				Name:         column.Name,
				Type:         column.DeclaredType,
				Nullable:     column.Nullable,
				SampleValues: column.SampleValues,
			})
		}
		response.Tables = append(response.Tables, entry)
	}
	writeJSON(w, http.StatusOK, response)
}
