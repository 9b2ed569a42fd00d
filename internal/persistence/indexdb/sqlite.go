package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"nanofab.ai/internal/persistence/snapshot"
)

const schemaVersion = "1"

// tsLayout is fixed-width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteIndex records problems, traces, runs and snapshots. Writes are queued
// and applied by a single goroutine; Close drains the queue.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
	errs   atomic.Int64
}

type reqKind int

const (
	reqProblem reqKind = iota + 1
	reqTrace
	reqRun
	reqSnapshot
)

type req struct {
	kind reqKind

	problem  ProblemRow
	trace    TraceRow
	run      RunRow
	snapshot snapshotRow
}

type ProblemRow struct {
	Name        string
	R           int
	SourceCells int
	TargetCells int
}

type TraceRow struct {
	Digest  string
	Problem string
	Bytes   int
	Path    string
}

type RunRow struct {
	RunID       string    `json:"run_id"`
	Problem     string    `json:"problem"`
	TraceDigest string    `json:"trace_digest,omitempty"`
	Profile     string    `json:"profile"`
	Energy      int64     `json:"energy"`
	Steps       int       `json:"steps"`
	OK          bool      `json:"ok"`
	Code        string    `json:"code,omitempty"`
	Message     string    `json:"message,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

type snapshotRow struct {
	RunID string
	Step  int
	Path  string
	Bots  int
	Mode  string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS problems (
			name TEXT PRIMARY KEY,
			r INTEGER NOT NULL,
			source_cells INTEGER NOT NULL,
			target_cells INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS traces (
			digest TEXT PRIMARY KEY,
			problem TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			path TEXT,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_traces_problem ON traces(problem);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			problem TEXT NOT NULL,
			trace_digest TEXT,
			profile TEXT NOT NULL,
			energy INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			ok INTEGER NOT NULL,
			code TEXT,
			message TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_problem_energy ON runs(problem, ok, energy);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			run_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			path TEXT NOT NULL,
			bots INTEGER NOT NULL,
			mode TEXT NOT NULL,
			PRIMARY KEY (run_id, step)
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// TraceDigest is the hex SHA-256 of a trace, used as its key.
func TraceDigest(trace []byte) string {
	sum := sha256.Sum256(trace)
	return hex.EncodeToString(sum[:])
}

func (s *SQLiteIndex) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteErrors counts rows the writer failed to store.
func (s *SQLiteIndex) WriteErrors() int64 { return s.errs.Load() }

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	s.ch <- r
}

func (s *SQLiteIndex) RecordProblem(p ProblemRow) {
	if p.Name == "" {
		return
	}
	s.enqueue(req{kind: reqProblem, problem: p})
}

// RecordTrace stores trace metadata and returns the trace digest.
func (s *SQLiteIndex) RecordTrace(problem string, trace []byte, path string) string {
	digest := TraceDigest(trace)
	s.enqueue(req{kind: reqTrace, trace: TraceRow{Digest: digest, Problem: problem, Bytes: len(trace), Path: path}})
	return digest
}

func (s *SQLiteIndex) RecordRun(r RunRow) {
	if r.RunID == "" {
		r.RunID = NewRunID()
	}
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = r.FinishedAt
	}
	s.enqueue(req{kind: reqRun, run: r})
}

func (s *SQLiteIndex) RecordSnapshot(runID, path string, snap snapshot.SnapshotV1) {
	if path == "" {
		return
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: snapshotRow{
		RunID: runID,
		Step:  snap.Header.Step,
		Path:  path,
		Bots:  len(snap.Bots),
		Mode:  snap.Mode,
	}})
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertProblem, _ := s.db.Prepare(`INSERT OR REPLACE INTO problems(name,r,source_cells,target_cells,recorded_at) VALUES(?,?,?,?,?)`)
	insertTrace, _ := s.db.Prepare(`INSERT INTO traces(digest,problem,bytes,path,recorded_at) VALUES(?,?,?,?,?)
		ON CONFLICT(digest) DO UPDATE SET path=COALESCE(excluded.path, traces.path)`)
	insertRun, _ := s.db.Prepare(`INSERT OR REPLACE INTO runs(run_id,problem,trace_digest,profile,energy,steps,ok,code,message,started_at,finished_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(run_id,step,path,bots,mode) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertProblem, insertTrace, insertRun, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.errs.Add(int64(opCount))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil {
			s.errs.Add(1)
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			s.errs.Add(1)
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			s.errs.Add(1)
			continue
		}
		now := time.Now().UTC().Format(tsLayout)
		switch r.kind {
		case reqProblem:
			p := r.problem
			exec(insertProblem, p.Name, p.R, p.SourceCells, p.TargetCells, now)
		case reqTrace:
			t := r.trace
			exec(insertTrace, t.Digest, t.Problem, t.Bytes, nullString(t.Path), now)
		case reqRun:
			u := r.run
			exec(insertRun,
				u.RunID, u.Problem, nullString(u.TraceDigest), u.Profile,
				u.Energy, u.Steps, boolInt(u.OK), nullString(u.Code), nullString(u.Message),
				u.StartedAt.UTC().Format(tsLayout), u.FinishedAt.UTC().Format(tsLayout),
			)
		case reqSnapshot:
			n := r.snapshot
			exec(insertSnapshot, n.RunID, n.Step, n.Path, n.Bots, n.Mode)
		}
		// Commit once the queue drains so readers see rows promptly.
		if len(s.ch) == 0 || opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	commit()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
