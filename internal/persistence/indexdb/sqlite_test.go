package indexdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"nanofab.ai/internal/persistence/snapshot"
)

func TestSQLiteIndex_RecordsRowsOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	idx.RecordProblem(ProblemRow{Name: "FA001", R: 20, TargetCells: 52})
	digest := idx.RecordTrace("FA001", []byte{0xFF}, "/traces/FA001.nbt")
	if again := idx.RecordTrace("FA001", []byte{0xFF}, ""); again != digest {
		t.Fatalf("digest changed: %s vs %s", again, digest)
	}
	runID := NewRunID()
	idx.RecordRun(RunRow{RunID: runID, Problem: "FA001", TraceDigest: digest, Profile: "default", Energy: 335123, Steps: 12, OK: true})
	idx.RecordSnapshot(runID, "/snaps/12.snap.zst", snapshot.SnapshotV1{Header: snapshot.Header{Step: 12}, Mode: "Relaxed"})
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if idx.WriteErrors() != 0 {
		t.Fatalf("write errors: %d", idx.WriteErrors())
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var (
		problem string
		energy  int64
		ok      int
	)
	row := db.QueryRow(`SELECT problem,energy,ok FROM runs WHERE run_id=?`, runID)
	if err := row.Scan(&problem, &energy, &ok); err != nil {
		t.Fatalf("Scan run: %v", err)
	}
	if problem != "FA001" || energy != 335123 || ok != 1 {
		t.Fatalf("run row mismatch: problem=%q energy=%d ok=%d", problem, energy, ok)
	}

	var bytes int
	if err := db.QueryRow(`SELECT bytes FROM traces WHERE digest=?`, digest).Scan(&bytes); err != nil || bytes != 1 {
		t.Fatalf("trace row: bytes=%d err=%v", bytes, err)
	}
	tr, err := LookupTrace(context.Background(), db, digest)
	if err != nil || tr.Path != "/traces/FA001.nbt" || tr.Problem != "FA001" {
		t.Fatalf("LookupTrace: %+v %v", tr, err)
	}
	var step int
	if err := db.QueryRow(`SELECT step FROM snapshots WHERE run_id=?`, runID).Scan(&step); err != nil || step != 12 {
		t.Fatalf("snapshot row: step=%d err=%v", step, err)
	}
	problems, err := ListProblems(context.Background(), db)
	if err != nil || len(problems) != 1 || problems[0].TargetCells != 52 {
		t.Fatalf("ListProblems: %+v %v", problems, err)
	}
}

func TestBestRuns_PicksLowestSuccessfulEnergy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	runs := []RunRow{
		{RunID: "a", Problem: "FA001", Profile: "default", Energy: 500, OK: true, FinishedAt: t0},
		{RunID: "b", Problem: "FA001", Profile: "default", Energy: 300, OK: true, FinishedAt: t0.Add(time.Minute)},
		{RunID: "c", Problem: "FA001", Profile: "default", Energy: 100, OK: false, Code: "E_WRONG_RESULT", FinishedAt: t0},
		{RunID: "d", Problem: "FA001", Profile: "default", Energy: 300, OK: true, FinishedAt: t0.Add(2 * time.Minute)},
		{RunID: "e", Problem: "FD002", Profile: "contest", Energy: 42, OK: true, FinishedAt: t0},
	}
	for _, r := range runs {
		idx.RecordRun(r)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer db.Close()

	best, err := BestRuns(context.Background(), db)
	if err != nil {
		t.Fatalf("BestRuns: %v", err)
	}
	if len(best) != 2 || best[0].RunID != "b" || best[1].RunID != "e" {
		t.Fatalf("best runs: %+v", best)
	}
	if !best[0].FinishedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("finished_at round trip: %v", best[0].FinishedAt)
	}

	recent, err := ListRuns(context.Background(), db, "FA001", 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(recent) != 2 || recent[0].RunID != "d" {
		t.Fatalf("recent runs: %+v", recent)
	}
}
