// Package session tracks the per-session filter context. The context is
// a versioned value with a single-writer commit discipline: requests
// read the latest committed value, and at most one commit per session
// is in flight at a time.
package session

import "sync"

// FilterContext maps a dashboard dimension to its active values. The
// zero value is an empty context at version zero.
type FilterContext struct {
	Version int64               `json:"version"`
	Filters map[string][]string `json:"filters"`
}

func (fc FilterContext) Clone() FilterContext {
	out := FilterContext{Version: fc.Version, Filters: make(map[string][]string, len(fc.Filters))}
	for dimension, values := range fc.Filters {
		out.Filters[dimension] = append([]string(nil), values...)
	}
	return out
}

// Values returns the active values for a dimension.
func (fc FilterContext) Values(dimension string) []string {
	return fc.Filters[dimension]
}

type Registry struct {
	mu       sync.Mutex
	sessions map[string]*state
}

type state struct {
	mu      sync.Mutex
	current FilterContext
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*state)}
}

func (r *Registry) lookup(sessionID string) *state {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sessions[sessionID]
	if !ok {
		st = &state{current: FilterContext{Filters: map[string][]string{}}}
		r.sessions[sessionID] = st
	}
	return st
}

// Current returns a copy of the latest committed context for a session.
func (r *Registry) Current(sessionID string) FilterContext {
	st := r.lookup(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current.Clone()
}

// Commit merges a filter set into the session context and bumps the
// version. Each dimension in the set replaces that dimension's prior
// values; dimensions not mentioned are kept.
func (r *Registry) Commit(sessionID string, filters map[string][]string) FilterContext {
	st := r.lookup(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	next := st.current.Clone()
	for dimension, values := range filters {
		if len(values) == 0 {
			delete(next.Filters, dimension)
			continue
		}
		next.Filters[dimension] = append([]string(nil), values...)
	}
	next.Version++
	st.current = next
	return next.Clone()
}

// Clear drops all filters for a session while preserving the version
// sequence, so callers can distinguish "cleared" from "never set".
func (r *Registry) Clear(sessionID string) FilterContext {
	st := r.lookup(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	next := FilterContext{Version: st.current.Version + 1, Filters: map[string][]string{}}
	st.current = next
	return next.Clone()
}
