package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zip"

	"nanofab.ai/internal/persistence/archive"
	"nanofab.ai/internal/persistence/indexdb"
)

func openDB(path string) *sql.DB {
	if strings.TrimSpace(path) == "" {
		fmt.Fprintln(os.Stderr, "missing -db")
		os.Exit(2)
	}
	db, err := indexdb.OpenReader(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	return db
}

func runsCmd(args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	dbPath := fs.String("db", "./data/index/nanofab.sqlite", "sqlite db path")
	problem := fs.String("problem", "", "problem filter")
	limit := fs.Int("limit", 20, "result limit")
	asJSON := fs.Bool("json", false, "print JSON lines")
	_ = fs.Parse(args)

	db := openDB(*dbPath)
	defer db.Close()
	runs, err := indexdb.ListRuns(context.Background(), db, *problem, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	printRuns(os.Stdout, runs, *asJSON)
}

func bestCmd(args []string) {
	fs := flag.NewFlagSet("best", flag.ExitOnError)
	dbPath := fs.String("db", "./data/index/nanofab.sqlite", "sqlite db path")
	export := fs.String("export", "", "copy each best trace here as NAME.nbt (a directory, or a .zip file)")
	asJSON := fs.Bool("json", false, "print JSON lines")
	_ = fs.Parse(args)

	db := openDB(*dbPath)
	defer db.Close()
	ctx := context.Background()
	best, err := indexdb.BestRuns(ctx, db)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	printRuns(os.Stdout, best, *asJSON)
	if *export == "" {
		return
	}
	n, err := exportBest(ctx, db, best, *export)
	if err != nil {
		fmt.Fprintln(os.Stderr, "export:", err)
		os.Exit(1)
	}
	fmt.Printf("exported %d traces to %s\n", n, *export)
}

func problemsCmd(args []string) {
	fs := flag.NewFlagSet("problems", flag.ExitOnError)
	dbPath := fs.String("db", "./data/index/nanofab.sqlite", "sqlite db path")
	_ = fs.Parse(args)

	db := openDB(*dbPath)
	defer db.Close()
	problems, err := indexdb.ListProblems(context.Background(), db)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROBLEM\tR\tSOURCE\tTARGET")
	for _, p := range problems {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", p.Name, p.R, humanize.Comma(int64(p.SourceCells)), humanize.Comma(int64(p.TargetCells)))
	}
	_ = tw.Flush()
}

func printRuns(w io.Writer, runs []indexdb.RunRow, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, r := range runs {
			_ = enc.Encode(r)
		}
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tPROBLEM\tPROFILE\tRESULT\tENERGY\tSTEPS\tFINISHED")
	for _, r := range runs {
		result := "ok"
		if !r.OK {
			result = r.Code
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.RunID, r.Problem, r.Profile, result, humanize.Comma(r.Energy), humanize.Comma(int64(r.Steps)),
			humanize.RelTime(r.FinishedAt, time.Now(), "ago", "from now"))
	}
	_ = tw.Flush()
}

// exportBest copies the trace of each best run to dest, named after its
// problem. Runs whose trace file is unknown are skipped.
func exportBest(ctx context.Context, db *sql.DB, best []indexdb.RunRow, dest string) (int, error) {
	put := func(name string, b []byte) error {
		return archive.WriteFile(filepath.Join(dest, name), b)
	}
	var zw *zip.Writer
	if strings.HasSuffix(dest, ".zip") {
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return 0, err
		}
		f, err := os.Create(dest)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		zw = zip.NewWriter(f)
		put = func(name string, b []byte) error {
			w, err := zw.Create(name)
			if err != nil {
				return err
			}
			_, err = w.Write(b)
			return err
		}
	}

	n := 0
	for _, r := range best {
		if r.TraceDigest == "" {
			continue
		}
		tr, err := indexdb.LookupTrace(ctx, db, r.TraceDigest)
		if err == sql.ErrNoRows || (err == nil && tr.Path == "") {
			fmt.Fprintf(os.Stderr, "%s: no trace file recorded for run %s\n", r.Problem, r.RunID)
			continue
		}
		if err != nil {
			return n, err
		}
		b, err := archive.ReadFile(tr.Path)
		if err != nil {
			return n, err
		}
		if indexdb.TraceDigest(b) != r.TraceDigest {
			return n, fmt.Errorf("%s changed since run %s", tr.Path, r.RunID)
		}
		if err := put(r.Problem+".nbt", b); err != nil {
			return n, err
		}
		n++
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return n, err
		}
	}
	return n, nil
}
