package main

import (
	"flag"
	"fmt"
	"os"
	"slices"

	"nanofab.ai/internal/persistence/archive"
	plog "nanofab.ai/internal/persistence/log"
	"nanofab.ai/internal/persistence/snapshot"
	"nanofab.ai/internal/sim/emulator"
	"nanofab.ai/internal/sim/tuning"
)

// replay re-runs a trace and checks every step against a recorded step log.
func main() {
	var (
		logPath     = flag.String("log", "", "step log (<run id>.steps.jsonl.zst)")
		snapPath    = flag.String("snapshot", "", "start from this snapshot (optional)")
		archivePath = flag.String("archive", "", "problem archive: directory or .zip")
		problem     = flag.String("problem", "", "problem name in -archive")
		src         = flag.String("src", "", "source model file")
		tgt         = flag.String("tgt", "", "target model file")
		tracePath   = flag.String("trace", "", "trace file (default: the archive trace of -problem)")
		tuningPath  = flag.String("tuning", "", "tuning.yaml the run used (default: built-in defaults)")
		profile     = flag.String("profile", "", "energy profile the run used")
		maxBots     = flag.Int("max_bots", 0, "roster size the run used")
	)
	flag.Parse()

	if *logPath == "" {
		fmt.Fprintln(os.Stderr, "missing -log")
		os.Exit(2)
	}
	entries, err := plog.ReadStepLog(*logPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read log:", err)
		os.Exit(1)
	}

	tune := tuning.Defaults()
	if *tuningPath != "" {
		if tune, err = tuning.Load(*tuningPath); err != nil {
			fmt.Fprintln(os.Stderr, "load tuning:", err)
			os.Exit(1)
		}
	}
	if *profile != "" {
		if tune.Energy, err = tuning.ProfileEnergy(*profile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	if *maxBots > 0 {
		tune.MaxBots = *maxBots
	}

	cfg, trace, err := load(*archivePath, *problem, *src, *tgt, *tracePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg.MaxBots = tune.MaxBots
	cfg.Energy = tune.Energy

	var e *emulator.Emulator
	if *snapPath != "" {
		snap, serr := snapshot.ReadSnapshot(*snapPath)
		if serr != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", serr)
			os.Exit(1)
		}
		fmt.Printf("snapshot v%d problem=%s step=%d bots=%d energy=%d\n",
			snap.Header.Version, snap.Header.Problem, snap.Header.Step, len(snap.Bots), snap.Energy)
		e, err = emulator.Restore(snap, cfg)
	} else {
		e, err = emulator.New(cfg)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "emulator:", err)
		os.Exit(1)
	}

	start := e.Steps()
	checked, runErr, err := verify(e, trace, entries)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	if runErr != nil {
		fmt.Printf("run ended with %s: %v\n", emulator.Code(runErr), runErr)
	}
	fmt.Printf("replay ok: checked=%d steps (from step %d), energy=%d\n", checked, start, e.Energy())
}

func load(archivePath, problem, src, tgt, tracePath string) (emulator.Config, []byte, error) {
	var cfg emulator.Config
	var trace []byte
	if problem != "" {
		if archivePath == "" {
			return cfg, nil, fmt.Errorf("-problem needs -archive")
		}
		a, err := archive.Open(archivePath)
		if err != nil {
			return cfg, nil, err
		}
		defer a.Close()
		p, err := a.LoadProblem(problem)
		if err != nil {
			return cfg, nil, err
		}
		cfg = emulator.Config{R: p.R, Source: p.Source, Target: p.Target}
		if tracePath == "" {
			trace, err = a.LoadTrace(problem)
			return cfg, trace, err
		}
	} else {
		if src != "" {
			g, err := archive.ReadModelFile(src)
			if err != nil {
				return cfg, nil, err
			}
			cfg.Source = g
		}
		if tgt != "" {
			g, err := archive.ReadModelFile(tgt)
			if err != nil {
				return cfg, nil, err
			}
			cfg.Target = g
		}
		if cfg.Source == nil && cfg.Target == nil {
			return cfg, nil, fmt.Errorf("need -problem or -src/-tgt")
		}
	}
	if tracePath == "" {
		return cfg, nil, fmt.Errorf("missing -trace")
	}
	trace, err := archive.ReadFile(tracePath)
	return cfg, trace, err
}

// verify runs trace on e and compares each executed step with the log entry
// of the same index. Entries before the emulator's current step are skipped.
// runErr is the outcome of the run itself; err reports a divergence.
func verify(e *emulator.Emulator, trace []byte, entries []plog.StepLogEntry) (checked int, runErr, err error) {
	byStep := make(map[int]plog.StepLogEntry, len(entries))
	want := 0
	for _, ent := range entries {
		if ent.Step < e.Steps() {
			continue
		}
		byStep[ent.Step] = ent
		want++
	}

	e.SetObserver(emulator.ObserverFunc(func(ev emulator.StepEvent) {
		if err != nil {
			return
		}
		logged, ok := byStep[ev.Record.Step]
		if !ok {
			err = fmt.Errorf("step %d is not in the log", ev.Record.Step)
			return
		}
		if err = compare(logged, plog.EntryFor(logged.RunID, ev)); err != nil {
			return
		}
		checked++
	}))
	defer e.SetObserver(nil)

	_, runErr = e.RunTrace(trace)
	if err != nil {
		return checked, runErr, err
	}
	if checked != want {
		return checked, runErr, fmt.Errorf("log has %d steps, the run executed %d", want, checked)
	}
	return checked, runErr, nil
}

func compare(want, got plog.StepLogEntry) error {
	switch {
	case want.Mode != got.Mode:
		return fmt.Errorf("step %d: mode %s, logged %s", got.Step, got.Mode, want.Mode)
	case want.Bots != got.Bots:
		return fmt.Errorf("step %d: %d bots, logged %d", got.Step, got.Bots, want.Bots)
	case !slices.Equal(want.Commands, got.Commands):
		return fmt.Errorf("step %d: commands %v, logged %v", got.Step, got.Commands, want.Commands)
	case want.EnergyDelta != got.EnergyDelta || want.Energy != got.Energy:
		return fmt.Errorf("step %d: energy %+d (total %d), logged %+d (total %d)",
			got.Step, got.EnergyDelta, got.Energy, want.EnergyDelta, want.Energy)
	case want.Filled != got.Filled || want.Cleared != got.Cleared:
		return fmt.Errorf("step %d: filled %d cleared %d, logged %d and %d",
			got.Step, got.Filled, got.Cleared, want.Filled, want.Cleared)
	case !slices.Equal(want.Spawned, got.Spawned) || !slices.Equal(want.Merged, got.Merged):
		return fmt.Errorf("step %d: roster changes differ from the log", got.Step)
	case want.Halted != got.Halted:
		return fmt.Errorf("step %d: halted=%v, logged %v", got.Step, got.Halted, want.Halted)
	}
	return nil
}
