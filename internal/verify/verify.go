// Package verify implements an optional supplementary deep-verification
// step against a direct PostgreSQL connection string, using pgx. This is
// strictly additive to the mandatory exec-based "psql -c 'SELECT 1'"
// probe the restore pipeline always runs (spec.md §4.7); it never
// replaces it, and is skipped entirely when no DSN is configured.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Result summarizes one deep-verify pass.
type Result struct {
	TableCount int
	Elapsed    time.Duration
}

// DeepVerify connects to dsn directly and confirms the restored schema is
// queryable by counting user tables in the public schema. It is meant to
// run after the handler-exec "SELECT 1" probe succeeds, as a stronger
// (but optional) second opinion reachable only when an operator has
// opted in via --direct-dsn.
func DeepVerify(ctx context.Context, dsn string, timeout time.Duration) (Result, error) {
	start := time.Now()

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.New(connectCtx, dsn)
	if err != nil {
		return Result{}, fmt.Errorf("verify: connect: %w", err)
	}
	defer pool.Close()

	var count int
	row := pool.QueryRow(connectCtx, `SELECT count(*) FROM information_schema.tables WHERE table_schema = 'public'`)
	if err := row.Scan(&count); err != nil {
		return Result{}, fmt.Errorf("verify: query public table count: %w", err)
	}

	return Result{TableCount: count, Elapsed: time.Since(start)}, nil
}
