// Package api exposes the engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datachat/datachat/internal/catalog"
	"github.com/datachat/datachat/internal/config"
	"github.com/datachat/datachat/internal/dictionary"
	"github.com/datachat/datachat/internal/observability"
	"github.com/datachat/datachat/internal/router"
	"github.com/datachat/datachat/internal/session"
)

type ReadinessCheck func(ctx context.Context) error

type TurnEngine interface {
	Handle(ctx context.Context, req router.Request) router.Response
}

type CatalogService interface {
	Snapshot() *catalog.Snapshot
	Refresh(ctx context.Context) (*catalog.Snapshot, error)
}

type DictionaryService interface {
	Reload(ctx context.Context) error
	Entries() []dictionary.Entry
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	DependencyTimeout time.Duration
	Engine            TurnEngine
	Catalog           CatalogService
	Dictionary        DictionaryService
	Sessions          *session.Registry
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/chat", func(w http.ResponseWriter, r *http.Request) {
		handleChat(deps, w, r)
	})
	mux.HandleFunc("GET /v1/schema", func(w http.ResponseWriter, r *http.Request) {
		handleSchema(deps, w, r)
	})
	mux.HandleFunc("POST /v1/catalog/refresh", func(w http.ResponseWriter, r *http.Request) {
		handleCatalogRefresh(deps, w, r)
	})
	mux.HandleFunc("POST /v1/dictionary/reload", func(w http.ResponseWriter, r *http.Request) {
		handleDictionaryReload(deps, w, r)
	})
	mux.HandleFunc("GET /v1/sessions/{session}/filters", func(w http.ResponseWriter, r *http.Request) {
		handleGetFilters(deps, w, r)
	})
	mux.HandleFunc("DELETE /v1/sessions/{session}/filters", func(w http.ResponseWriter, r *http.Request) {
		handleClearFilters(deps, w, r)
	})

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

// CheckCatalogSnapshot reports ready only once a catalog snapshot
// exists to serve requests from.
func CheckCatalogSnapshot(svc CatalogService) ReadinessCheck {
	return func(_ context.Context) error {
		if svc == nil || svc.Snapshot() == nil {
			return errors.New("no catalog snapshot available")
		}
		return nil
	}
}

// CheckDictionaryLoaded reports ready only once the business
// dictionary has entries.
func CheckDictionaryLoaded(svc DictionaryService) ReadinessCheck {
	return func(_ context.Context) error {
		if svc == nil || len(svc.Entries()) == 0 {
			return errors.New("business dictionary is not loaded")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
