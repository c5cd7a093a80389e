// Package graph is a thin Cypher transport used to mirror the referral tree
// into a graph database. Nothing in the ledger depends on it: writes here are
// best-effort and the relational store stays the source of truth.
package graph

import (
	"context"
	"errors"
	"fmt"
)

// Client runs Cypher statements.
type Client interface {
	ExecuteWrite(ctx context.Context, cypher string, params map[string]any) (Result, error)
	ExecuteRead(ctx context.Context, cypher string, params map[string]any) (Result, error)
	VerifyConnectivity(ctx context.Context) error
	Close(ctx context.Context) error
}

type Result struct {
	Records []Record
}

// Record is one row keyed by the RETURN aliases.
type Record map[string]any

// String returns the value under key if it is a string.
func (r Record) String(key string) (string, bool) {
	s, ok := r[key].(string)
	return s, ok
}

// Int returns the value under key as int64. Bolt returns integers as int64.
func (r Record) Int(key string) (int64, bool) {
	switch v := r[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

type Options struct {
	URI            string
	Database       string
	Username       string
	Password       string
	MaxConnections int
}

var ErrMissingURI = errors.New("graph URI is required")

// QueryError carries the statement that failed.
type QueryError struct {
	Cypher string
	Err    error
}

func (e *QueryError) Error() string { return fmt.Sprintf("cypher %q: %v", e.Cypher, e.Err) }

func (e *QueryError) Unwrap() error { return e.Err }
