package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// OpenReader opens an index database for queries only.
func OpenReader(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BestRuns returns, per problem, the successful run with the lowest energy.
// Ties go to the earliest finished run.
func BestRuns(ctx context.Context, db *sql.DB) ([]RunRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT r.run_id, r.problem, COALESCE(r.trace_digest,''), r.profile, r.energy, r.steps,
		       r.ok, COALESCE(r.code,''), COALESCE(r.message,''), r.started_at, r.finished_at
		FROM runs r
		WHERE r.ok = 1 AND r.run_id = (
			SELECT b.run_id FROM runs b
			WHERE b.problem = r.problem AND b.ok = 1
			ORDER BY b.energy ASC, b.finished_at ASC, b.run_id ASC
			LIMIT 1
		)
		ORDER BY r.problem`)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

// ListRuns returns the most recent runs, optionally for one problem.
func ListRuns(ctx context.Context, db *sql.DB, problem string, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT run_id, problem, COALESCE(trace_digest,''), profile, energy, steps,
	             ok, COALESCE(code,''), COALESCE(message,''), started_at, finished_at
	      FROM runs`
	args := []any{}
	if problem != "" {
		q += ` WHERE problem = ?`
		args = append(args, problem)
	}
	q += ` ORDER BY finished_at DESC, run_id LIMIT ?`
	args = append(args, limit)
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

func ListProblems(ctx context.Context, db *sql.DB) ([]ProblemRow, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, r, source_cells, target_cells FROM problems ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProblemRow
	for rows.Next() {
		var p ProblemRow
		if err := rows.Scan(&p.Name, &p.R, &p.SourceCells, &p.TargetCells); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// LookupTrace returns the trace row for a digest, or sql.ErrNoRows.
func LookupTrace(ctx context.Context, db *sql.DB, digest string) (TraceRow, error) {
	var t TraceRow
	err := db.QueryRowContext(ctx, `SELECT digest, problem, bytes, COALESCE(path,'') FROM traces WHERE digest = ?`, digest).
		Scan(&t.Digest, &t.Problem, &t.Bytes, &t.Path)
	return t, err
}

func scanRuns(rows *sql.Rows) ([]RunRow, error) {
	defer rows.Close()
	var out []RunRow
	for rows.Next() {
		var (
			r        RunRow
			ok       int
			started  string
			finished string
		)
		if err := rows.Scan(&r.RunID, &r.Problem, &r.TraceDigest, &r.Profile, &r.Energy, &r.Steps,
			&ok, &r.Code, &r.Message, &started, &finished); err != nil {
			return nil, err
		}
		r.OK = ok != 0
		var err error
		if r.StartedAt, err = time.Parse(tsLayout, started); err != nil {
			return nil, fmt.Errorf("run %s started_at: %w", r.RunID, err)
		}
		if r.FinishedAt, err = time.Parse(tsLayout, finished); err != nil {
			return nil, fmt.Errorf("run %s finished_at: %w", r.RunID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
