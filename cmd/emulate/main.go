package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"nanofab.ai/internal/persistence/archive"
	"nanofab.ai/internal/persistence/indexdb"
	plog "nanofab.ai/internal/persistence/log"
	"nanofab.ai/internal/persistence/snapshot"
	"nanofab.ai/internal/sim/command"
	"nanofab.ai/internal/sim/emulator"
	"nanofab.ai/internal/sim/tuning"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run is main without the exit, so deferred closes always run.
func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("emulate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		archivePath = fs.String("archive", "", "problem archive: directory or .zip")
		problem     = fs.String("problem", "", "problem name in -archive")
		all         = fs.Bool("all", false, "run every problem in -archive that has a trace")
		src         = fs.String("src", "", "source model file")
		tgt         = fs.String("tgt", "", "target model file")
		tracePath   = fs.String("trace", "", "trace file (default: the archive trace of -problem)")
		tuningPath  = fs.String("tuning", "", "tuning.yaml (default: built-in defaults)")
		profile     = fs.String("profile", "", "energy profile override: default or contest")
		maxBots     = fs.Int("max_bots", 0, "roster size override")
		dbPath      = fs.String("db", "", "record runs in this SQLite index")
		logDir      = fs.String("log_dir", "", "write a zstd JSONL step log per run here")
		expect      = fs.Int64("expect", -1, "fail unless the trace scores exactly this energy")
		dump        = fs.Bool("dump", false, "disassemble -trace and exit")
		save        = fs.String("save", "", "write a snapshot of the final state here")
		resume      = fs.String("resume", "", "resume from this snapshot before running -trace")
		out         = fs.String("out", "", "write the final grid as a model file here")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := log.New(stderr, "[emulate] ", log.LstdFlags|log.Lmicroseconds)

	if *dump {
		if *tracePath == "" {
			logger.Printf("-dump needs -trace")
			return 2
		}
		raw, err := archive.ReadFile(*tracePath)
		if err != nil {
			logger.Printf("read trace: %v", err)
			return 1
		}
		if err := disassemble(stdout, raw); err != nil {
			logger.Printf("%v", err)
			return 1
		}
		return 0
	}

	tune := tuning.Defaults()
	if *tuningPath != "" {
		t, err := tuning.Load(*tuningPath)
		if err != nil {
			logger.Printf("load tuning: %v", err)
			return 1
		}
		tune = t
	}
	if *profile != "" {
		e, err := tuning.ProfileEnergy(*profile)
		if err != nil {
			logger.Printf("%v", err)
			return 2
		}
		tune.Profile, tune.Energy = *profile, e
	}
	if *maxBots > 0 {
		tune.MaxBots = *maxBots
	}

	r := &runner{tune: tune, logDir: *logDir, logger: logger}
	if *dbPath != "" {
		idx, err := indexdb.OpenSQLite(*dbPath)
		if err != nil {
			logger.Printf("open index: %v", err)
			return 1
		}
		defer func() {
			if err := idx.Close(); err != nil {
				logger.Printf("close index: %v", err)
			}
			if n := idx.WriteErrors(); n > 0 {
				logger.Printf("index: %d rows failed to write", n)
			}
		}()
		r.index = idx
	}

	var a *archive.Archive
	if *archivePath != "" {
		var err error
		if a, err = archive.Open(*archivePath); err != nil {
			logger.Printf("open archive: %v", err)
			return 1
		}
		defer a.Close()
	}

	if *all {
		if a == nil {
			logger.Printf("-all needs -archive")
			return 2
		}
		if failed := r.runAll(stdout, a); failed > 0 {
			logger.Printf("%d runs failed", failed)
			return 1
		}
		return 0
	}

	job, err := buildJob(a, *problem, *src, *tgt, *tracePath)
	if err != nil {
		logger.Printf("%v", err)
		return 1
	}
	job.resume, job.save, job.out = *resume, *save, *out
	res := r.run(job)
	printResult(stdout, res)
	if res.err != nil {
		return 1
	}
	if *expect >= 0 && res.energy != *expect {
		logger.Printf("energy %d, expected %d", res.energy, *expect)
		return 1
	}
	return 0
}

// job is one trace to score.
type job struct {
	problem   string
	cfg       emulator.Config
	trace     []byte
	tracePath string

	resume string
	save   string
	out    string
}

type result struct {
	problem string
	runID   string
	energy  int64
	steps   int
	bytes   int
	elapsed time.Duration
	err     error
}

type runner struct {
	tune   tuning.Tuning
	index  *indexdb.SQLiteIndex
	logDir string
	logger *log.Logger
}

func buildJob(a *archive.Archive, problem, src, tgt, tracePath string) (job, error) {
	j := job{problem: problem, tracePath: tracePath}
	switch {
	case problem != "":
		if a == nil {
			return j, fmt.Errorf("-problem needs -archive")
		}
		p, err := a.LoadProblem(problem)
		if err != nil {
			return j, err
		}
		j.cfg = emulator.Config{R: p.R, Source: p.Source, Target: p.Target}
		if tracePath == "" {
			if j.trace, err = a.LoadTrace(problem); err != nil {
				return j, err
			}
			return j, nil
		}
	case src != "" || tgt != "":
		if src != "" {
			g, err := archive.ReadModelFile(src)
			if err != nil {
				return j, err
			}
			j.cfg.Source = g
		}
		if tgt != "" {
			g, err := archive.ReadModelFile(tgt)
			if err != nil {
				return j, err
			}
			j.cfg.Target = g
		}
		j.problem = problemName(src, tgt)
	default:
		return j, fmt.Errorf("need -problem or -src/-tgt")
	}
	if tracePath == "" {
		return j, fmt.Errorf("need -trace")
	}
	raw, err := archive.ReadFile(tracePath)
	if err != nil {
		return j, err
	}
	j.trace = raw
	return j, nil
}

// problemName derives a problem name from model file names like LA001_tgt.mdl.
func problemName(src, tgt string) string {
	for _, p := range []string{tgt, src} {
		if p == "" {
			continue
		}
		base := strings.TrimSuffix(filepath.Base(p), ".zst")
		base = strings.TrimSuffix(base, ".mdl")
		base = strings.TrimSuffix(base, "_tgt")
		return strings.TrimSuffix(base, "_src")
	}
	return ""
}

func (r *runner) run(j job) (res result) {
	res = result{problem: j.problem, runID: indexdb.NewRunID(), bytes: len(j.trace)}
	start := time.Now()
	defer func() { res.elapsed = time.Since(start) }()

	cfg := j.cfg
	cfg.MaxBots = r.tune.MaxBots
	cfg.Energy = r.tune.Energy

	var steps *plog.StepLogger
	if r.logDir != "" {
		steps = plog.NewStepLogger(r.logDir, res.runID)
		cfg.Observer = steps
		defer func() {
			if err := steps.Close(); err != nil {
				r.logger.Printf("step log %s: %v", steps.Path(), err)
			}
		}()
	}

	var (
		emu *emulator.Emulator
		err error
	)
	if j.resume != "" {
		snap, rerr := snapshot.ReadSnapshot(j.resume)
		if rerr != nil {
			res.err = rerr
			return res
		}
		emu, err = emulator.Restore(snap, cfg)
		if err == nil && cfg.Target != nil {
			// The snapshot carries its own target; a supplied one must agree.
			if !emu.Target().Equal(cfg.Target) {
				err = fmt.Errorf("snapshot target differs from the problem target")
			}
		}
	} else {
		emu, err = emulator.New(cfg)
	}
	if err != nil {
		res.err = err
		return res
	}

	r.index.RecordProblem(indexdb.ProblemRow{
		Name:        j.problem,
		R:           emu.R(),
		SourceCells: emu.Grid().CountFull(),
		TargetCells: emu.Target().CountFull(),
	})
	digest := r.index.RecordTrace(j.problem, j.trace, j.tracePath)

	res.energy, res.err = emu.RunTrace(j.trace)
	res.steps = emu.Steps()

	row := indexdb.RunRow{
		RunID:       res.runID,
		Problem:     j.problem,
		TraceDigest: digest,
		Profile:     r.tune.Profile,
		Energy:      res.energy,
		Steps:       res.steps,
		OK:          res.err == nil,
		StartedAt:   start,
	}
	if res.err != nil {
		row.Code = emulator.Code(res.err)
		row.Message = res.err.Error()
	}
	r.index.RecordRun(row)

	if j.save != "" {
		snap := emu.ExportSnapshot(j.problem)
		if err := snapshot.WriteSnapshot(j.save, snap); err != nil {
			r.logger.Printf("save snapshot: %v", err)
		} else {
			r.index.RecordSnapshot(res.runID, j.save, snap)
		}
	}
	if j.out != "" {
		if err := archive.WriteFile(j.out, emu.Grid().Bytes()); err != nil {
			r.logger.Printf("write model: %v", err)
		}
	}
	return res
}

// runAll scores every archive trace and prints one row per problem. It
// returns the number of failed runs.
func (r *runner) runAll(w io.Writer, a *archive.Archive) int {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROBLEM\tRESULT\tENERGY\tSTEPS\tTRACE\tTIME")
	failed := 0
	for _, name := range a.Traces() {
		j, err := buildJob(a, name, "", "", "")
		var res result
		if err != nil {
			res = result{problem: name, err: err}
		} else {
			res = r.run(j)
		}
		if res.err != nil {
			failed++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			name, status(res.err), humanize.Comma(res.energy), humanize.Comma(int64(res.steps)),
			humanize.Bytes(uint64(res.bytes)), res.elapsed.Round(time.Millisecond))
	}
	_ = tw.Flush()
	return failed
}

func status(err error) string {
	if err == nil {
		return "ok"
	}
	return emulator.Code(err)
}

func printResult(w io.Writer, res result) {
	if res.err != nil {
		fmt.Fprintf(w, "%s: FAIL %s: %v\n", res.problem, status(res.err), res.err)
		return
	}
	fmt.Fprintf(w, "%s: energy %s (%d) in %s steps, trace %s, %s\n",
		res.problem, humanize.Comma(res.energy), res.energy, humanize.Comma(int64(res.steps)),
		humanize.Bytes(uint64(res.bytes)), res.elapsed.Round(time.Millisecond))
}

// disassemble lists the commands of a trace with their byte offsets. Decoding
// stops at the first undecodable command.
func disassemble(w io.Writer, raw []byte) error {
	dec := command.NewDecoder(raw)
	n := 0
	for {
		off := dec.Offset()
		c, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%8d  %s\n", off, c)
		n++
	}
	fmt.Fprintf(w, "%d commands, %s\n", n, humanize.Bytes(uint64(len(raw))))
	return nil
}
