package api

import (
	"errors"
	"net/http"

	"github.com/datachat/datachat/internal/catalog"
	"github.com/datachat/datachat/internal/dictionary"
)

type catalogRefreshResponse struct {
	Version     int64 `json:"version"`
	Tables      int   `json:"tables"`
	Unavailable int   `json:"unavailable"`
}

func handleCatalogRefresh(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Catalog == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CATALOG_NOT_CONFIGURED", "catalog dependencies are not configured", false, nil)
		return
	}

	snap, err := deps.Catalog.Refresh(r.Context())
	if err != nil {
		if errors.Is(err, catalog.ErrUnavailable) {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "CATALOG_UNAVAILABLE", "no backing store could be introspected", true, nil)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_REFRESH_FAILED", err.Error(), true, nil)
		return
	}

	response := catalogRefreshResponse{Version: snap.Version, Tables: len(snap.Tables)}
	for _, table := range snap.Tables {
		if table.Unavailable {
			response.Unavailable++
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func handleDictionaryReload(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Dictionary == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "DICTIONARY_NOT_CONFIGURED", "dictionary dependencies are not configured", false, nil)
		return
	}

	if err := deps.Dictionary.Reload(r.Context()); err != nil {
		var conflict *dictionary.ConflictError
		if errors.As(err, &conflict) {
			// The prior snapshot keeps serving; surface the collision.
			writeError(r.Context(), w, http.StatusConflict, "DICTIONARY_CONFLICT", conflict.Error(), false, map[string]any{
				"term":   conflict.Term,
				"first":  conflict.First,
				"second": conflict.Second,
			})
			return
		}
		writeError(r.Context(), w, http.StatusBadGateway, "DICTIONARY_RELOAD_FAILED", err.Error(), true, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": len(deps.Dictionary.Entries())})
}
