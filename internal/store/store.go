// Package store defines the contract the router uses to talk to its two
// backing stores: the local tabular engine and the remote relational
// database. The engine is agnostic to which concrete technology
// implements each side.
package store

import (
	"context"
	"fmt"
	"time"
)

type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

type Column struct {
	Name         string
	DeclaredType string
	Nullable     bool
	SampleValues []string
}

type TableSchema struct {
	Name     string
	Columns  []Column
	RowCount int64
}

// Rows is the single tabular shape every backend result is normalized
// into. The caller owns it after return.
type Rows struct {
	Columns   []string      `json:"columns"`
	Rows      [][]any       `json:"rows"`
	Truncated bool          `json:"truncated"`
	Duration  time.Duration `json:"duration,omitempty"`
	Source    Kind          `json:"source"`
}

type Store interface {
	Kind() Kind
	DescribeSchema(ctx context.Context) ([]TableSchema, error)
	RunQuery(ctx context.Context, sql string, limit int) (Rows, error)
}

// ExecutionError wraps a backend failure with the store it came from.
// Transient marks connectivity-class failures eligible for one bounded
// retry; syntax and semantic errors are never retried.
type ExecutionError struct {
	Store     Kind
	Transient bool
	Cause     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("store %s: execution failed: %v", e.Store, e.Cause)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}
