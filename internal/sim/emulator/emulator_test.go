package emulator

import (
	"errors"
	"reflect"
	"testing"

	"nanofab.ai/internal/sim/command"
	"nanofab.ai/internal/sim/geom"
	"nanofab.ai/internal/sim/grid"
	"nanofab.ai/internal/sim/tuning"
)

func d(x, y, z int) geom.Diff  { return geom.Diff{DX: x, DY: y, DZ: z} }
func p(x, y, z int) geom.Point { return geom.Point{X: x, Y: y, Z: z} }

func lm(x, y, z int) command.Command   { return command.LinearMove{D: d(x, y, z)} }
func fill(x, y, z int) command.Command { return command.Fill{ND: d(x, y, z)} }

var (
	noop   = command.NoOp{}
	toggle = command.ModeToggle{}
	halt   = command.Terminate{}
)

func newEmu(t *testing.T, cfg Config) *Emulator {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func mustStep(t *testing.T, e *Emulator, cmds ...command.Command) StepEvent {
	t.Helper()
	ev, err := e.Step(cmds)
	if err != nil {
		t.Fatalf("step %d %v: %v", e.Steps(), cmds, err)
	}
	return ev
}

func encode(t *testing.T, cmds ...command.Command) []byte {
	t.Helper()
	raw, err := command.EncodeAll(cmds)
	if err != nil {
		t.Fatalf("EncodeAll: %v", err)
	}
	return raw
}

// base is the per-step charge for a Relaxed field.
func base(r, bots int) int64 { return int64(3*r*r*r + 20*bots) }

func targetWith(r int, cells ...geom.Point) *grid.Grid {
	g := grid.New(r)
	for _, c := range cells {
		g.Set(c, true)
	}
	return g
}

func TestNew_InitialState(t *testing.T) {
	e := newEmu(t, Config{R: 4, MaxBots: 5})
	bots := e.Bots()
	want := []Bot{{ID: 1, Pos: geom.Origin, Seeds: []int{2, 3, 4, 5}}}
	if !reflect.DeepEqual(bots, want) {
		t.Fatalf("bots: got %+v want %+v", bots, want)
	}
	if e.Energy() != 0 || e.Mode() != Relaxed || e.Halted() || e.Steps() != 0 {
		t.Fatalf("unexpected initial state")
	}

	if _, err := New(Config{Source: grid.New(3), Target: grid.New(4)}); err == nil {
		t.Fatalf("expected resolution mismatch error")
	}
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected missing resolution error")
	}
}

func TestRunTrace_SingleTerminate(t *testing.T) {
	energy, err := Run(Config{R: 1}, []byte{0xFF})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if energy != base(1, 1) {
		t.Fatalf("energy: got %d want %d", energy, base(1, 1))
	}
}

func TestRunTrace_KnownEnergy(t *testing.T) {
	trace := encode(t, lm(1, 0, 0), fill(0, 0, 1), lm(-1, 0, 0), halt)
	e := newEmu(t, Config{Target: targetWith(3, p(1, 0, 1))})
	energy, err := e.RunTrace(trace)
	if err != nil {
		t.Fatalf("RunTrace: %v", err)
	}
	// 4 steps at 3*27+20, plus moves 2+2 and one fill of an empty cell.
	if energy != 420 {
		t.Fatalf("energy: got %d want 420", energy)
	}
	if !e.Halted() || len(e.Bots()) != 0 {
		t.Fatalf("expected halted with no bots")
	}
	if len(e.History()) != 4 {
		t.Fatalf("history: %d records", len(e.History()))
	}
}

func TestRunTrace_MixedCommands(t *testing.T) {
	r := 5
	target := targetWith(r, p(1, 0, 0), p(1, 0, 1), p(1, 0, 2), p(2, 0, 3))
	trace := encode(t,
		// step 0: one bot
		command.Spawn{ND: d(0, 0, 1), Seeds: 0},
		// step 1: bots 1 and 2
		noop, lm(0, 0, 1),
		// step 2
		command.RegionFill{ND: d(1, 0, 0), FD: d(0, 0, 1)}, fill(1, 0, 0),
		// step 3
		toggle, command.ElbowMove{D1: d(0, 0, 1), D2: d(1, 0, 0)},
		// step 4: bot 2 at (1,0,3)
		toggle, fill(1, 0, 0),
		// step 5
		noop, command.ElbowMove{D1: d(-1, 0, 0), D2: d(0, 0, -2)},
		// step 6
		command.MergePrimary{ND: d(0, 0, 1)}, command.MergeSecondary{ND: d(0, 0, -1)},
		// step 7
		halt,
	)
	e := newEmu(t, Config{Target: target, MaxBots: 10})
	energy, err := e.RunTrace(trace)
	if err != nil {
		t.Fatalf("RunTrace: %v", err)
	}

	volume := int64(r * r * r)
	want := base(r, 1) + 24 + // spawn
		base(r, 2) + 2 + // move 1
		base(r, 2) + 3*12 + // two-cell region, one fill
		base(r, 2) + 2*(1+2+1) + // toggle to Rigid, elbow
		30*volume + 40 + 12 + // Rigid step, toggle back, fill
		base(r, 2) + 2*(1+2+2) + // elbow back
		base(r, 2) + 0 + // merge
		base(r, 1) // terminate
	if energy != want {
		t.Fatalf("energy: got %d want %d", energy, want)
	}
}

func TestSpawnMerge_RestoresSeeds(t *testing.T) {
	e := newEmu(t, Config{R: 3, MaxBots: 20})
	ev := mustStep(t, e, command.Spawn{ND: d(1, 0, 0), Seeds: 3})
	if !reflect.DeepEqual(ev.Spawned, []int{2}) {
		t.Fatalf("spawned: %v", ev.Spawned)
	}
	b2, ok := e.Bot(2)
	if !ok || b2.Pos != p(1, 0, 0) || !reflect.DeepEqual(b2.Seeds, []int{3, 4, 5}) {
		t.Fatalf("child: %+v", b2)
	}
	b1, _ := e.Bot(1)
	if b1.Seeds[0] != 6 || len(b1.Seeds) != 15 {
		t.Fatalf("parent seeds: %v", b1.Seeds)
	}

	ev = mustStep(t, e, command.MergePrimary{ND: d(1, 0, 0)}, command.MergeSecondary{ND: d(-1, 0, 0)})
	if !reflect.DeepEqual(ev.Merged, []int{2}) {
		t.Fatalf("merged: %v", ev.Merged)
	}
	bots := e.Bots()
	if len(bots) != 1 || bots[0].ID != 1 {
		t.Fatalf("bots after merge: %+v", bots)
	}
	var want []int
	for id := 2; id <= 20; id++ {
		want = append(want, id)
	}
	if !reflect.DeepEqual(bots[0].Seeds, want) {
		t.Fatalf("seeds after merge: %v", bots[0].Seeds)
	}
	if got, want := e.Energy(), base(3, 1)+24+base(3, 2); got != want {
		t.Fatalf("energy: got %d want %d", got, want)
	}
}

func TestSpawn_Preconditions(t *testing.T) {
	e := newEmu(t, Config{R: 3, MaxBots: 3})
	var pv *PreconditionViolation
	if err := e.Check(1, command.Spawn{ND: d(1, 0, 0), Seeds: 2}); !errors.As(err, &pv) {
		t.Fatalf("expected violation for too many seeds, got %v", err)
	}
	if err := e.Check(1, command.Spawn{ND: d(0, -1, 0), Seeds: 0}); !errors.As(err, &pv) {
		t.Fatalf("expected violation for out-of-grid spawn, got %v", err)
	}
	mustStep(t, e, command.Spawn{ND: d(1, 0, 0), Seeds: 1})
	b1, _ := e.Bot(1)
	if len(b1.Seeds) != 0 {
		t.Fatalf("parent seeds: %v", b1.Seeds)
	}
	if err := e.Check(1, command.Spawn{ND: d(0, 0, 1), Seeds: 0}); !errors.As(err, &pv) {
		t.Fatalf("expected violation for empty seed pool, got %v", err)
	}
}

func TestContention_IntersectingPaths(t *testing.T) {
	e := newEmu(t, Config{R: 5})
	mustStep(t, e, command.Spawn{ND: d(0, 0, 1), Seeds: 0})

	// Bot 1 sweeps (0..2,0,0); bot 2 turns through (1,0,0).
	move := lm(2, 0, 0)
	elbow := command.ElbowMove{D1: d(1, 0, 0), D2: d(0, 0, -1)}
	if err := e.Stage(1, move); err != nil {
		t.Fatalf("Stage 1: %v", err)
	}
	err := e.Stage(2, elbow)
	var pv *PreconditionViolation
	if !errors.As(err, &pv) || pv.BotID != 2 {
		t.Fatalf("expected violation for bot 2, got %v", err)
	}
	if e.Err() != nil {
		t.Fatalf("a rejected stage must not fail the emulator: %v", e.Err())
	}
	if err := e.Stage(2, noop); err != nil {
		t.Fatalf("Stage 2 NoOp: %v", err)
	}
	if _, err := e.RunStep(); err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if b, _ := e.Bot(1); b.Pos != p(2, 0, 0) {
		t.Fatalf("bot 1 at %v", b.Pos)
	}
}

func TestContention_ReadOnlyAndOccupiedCells(t *testing.T) {
	e := newEmu(t, Config{R: 5})
	mustStep(t, e, command.Spawn{ND: d(1, 0, 0), Seeds: 0})

	var pv *PreconditionViolation
	// Filling a cell another bot stands on.
	if _, err := e.Step([]command.Command{fill(1, 0, 0), noop}); !errors.As(err, &pv) || pv.BotID != 1 {
		t.Fatalf("expected violation for bot 1, got %v", err)
	}
	// The emulator stays failed.
	if err := e.Stage(1, noop); !errors.As(err, &pv) {
		t.Fatalf("expected sticky failure, got %v", err)
	}
}

func TestContention_SharedRegionRejected(t *testing.T) {
	e := newEmu(t, Config{R: 5})
	mustStep(t, e, command.Spawn{ND: d(0, 0, 1), Seeds: 0})
	mustStep(t, e, noop, lm(0, 0, 1))

	if err := e.Stage(1, command.RegionFill{ND: d(1, 0, 0), FD: d(0, 0, 2)}); err != nil {
		t.Fatalf("Stage 1: %v", err)
	}
	var pv *PreconditionViolation
	if err := e.Check(2, command.RegionFill{ND: d(1, 0, 0), FD: d(0, 0, -2)}); !errors.As(err, &pv) {
		t.Fatalf("identical cuboid from a second bot must be rejected, got %v", err)
	}
	if err := e.Stage(2, command.RegionClear{ND: d(1, 0, 0), FD: d(0, 0, -1)}); !errors.As(err, &pv) {
		t.Fatalf("clear over a fill region must be rejected, got %v", err)
	}

	e.ResetStep()
	if err := e.Stage(1, command.RegionFill{ND: d(1, 0, 0), FD: d(0, 0, 1)}); err != nil {
		t.Fatalf("Stage 1: %v", err)
	}
	if err := e.Stage(2, command.RegionFill{ND: d(1, 0, 1), FD: d(0, 0, 1)}); err != nil {
		t.Fatalf("Stage 2: %v", err)
	}
	ev, err := e.RunStep()
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if ev.Record.Filled != 4 || ev.Record.EnergyDelta != base(5, 2)+4*12 {
		t.Fatalf("record: %+v", ev.Record)
	}

	e = newEmu(t, Config{R: 5})
	mustStep(t, e, command.Spawn{ND: d(0, 0, 1), Seeds: 0})
	mustStep(t, e, noop, lm(0, 0, 3))
	_, err = e.Step([]command.Command{
		command.RegionFill{ND: d(1, 0, 0), FD: d(0, 0, 4)},
		command.RegionFill{ND: d(1, 0, 0), FD: d(0, 0, -4)},
	})
	if !errors.As(err, &pv) {
		t.Fatalf("batch step over a shared cuboid must be rejected, got %v", err)
	}
}

func TestCheck_IgnoresOwnStagedCommand(t *testing.T) {
	e := newEmu(t, Config{R: 3})
	mustStep(t, e, command.Spawn{ND: d(1, 0, 0), Seeds: 0})
	mp := command.MergePrimary{ND: d(1, 0, 0)}
	ms := command.MergeSecondary{ND: d(-1, 0, 0)}
	if err := e.Stage(1, mp); err != nil {
		t.Fatalf("Stage primary: %v", err)
	}
	if err := e.Stage(2, ms); err != nil {
		t.Fatalf("Stage secondary: %v", err)
	}

	// The secondary still touches the primary's cell, so neither half may
	// switch to a command that stands alone.
	for _, id := range []int{1, 2} {
		cerr := e.Check(id, noop)
		if cerr == nil {
			t.Fatalf("Check(%d, NoOp) accepted while the partner merges", id)
		}
		serr := e.Stage(id, noop)
		if serr == nil {
			t.Fatalf("Stage(%d, NoOp) accepted while the partner merges", id)
		}
	}
	if err := e.Check(1, mp); err != nil {
		t.Fatalf("rechecking the staged primary: %v", err)
	}
	if err := e.Stage(2, ms); err != nil {
		t.Fatalf("restaging the secondary: %v", err)
	}
	ev, err := e.RunStep()
	if err != nil || len(ev.Merged) != 1 || ev.Merged[0] != 2 {
		t.Fatalf("merge step: %+v %v", ev, err)
	}
}

func TestRegion_MayNotContainIssuer(t *testing.T) {
	e := newEmu(t, Config{R: 5})
	var pv *PreconditionViolation
	if err := e.Check(1, command.RegionFill{ND: d(1, 0, 0), FD: d(-1, 0, 1)}); !errors.As(err, &pv) {
		t.Fatalf("expected violation, got %v", err)
	}
	if err := e.Check(1, command.RegionFill{ND: d(1, 0, 0), FD: d(0, 3, 3)}); err != nil {
		t.Fatalf("single-bot region should be legal: %v", err)
	}
}

func TestMerge_RequiresMirror(t *testing.T) {
	e := newEmu(t, Config{R: 3})
	mustStep(t, e, command.Spawn{ND: d(1, 0, 0), Seeds: 0})

	var pv *PreconditionViolation
	if _, err := e.Step([]command.Command{command.MergePrimary{ND: d(1, 0, 0)}, noop}); !errors.As(err, &pv) {
		t.Fatalf("expected violation, got %v", err)
	}

	e = newEmu(t, Config{R: 3})
	mustStep(t, e, command.Spawn{ND: d(1, 0, 0), Seeds: 0})
	if _, err := e.Step([]command.Command{command.MergePrimary{ND: d(1, 0, 0)}, command.MergePrimary{ND: d(-1, 0, 0)}}); !errors.As(err, &pv) {
		t.Fatalf("expected violation for two primaries, got %v", err)
	}
	if err := newEmu(t, Config{R: 3}).Check(1, command.MergePrimary{ND: d(1, 0, 0)}); !errors.As(err, &pv) {
		t.Fatalf("expected violation for merge with nobody, got %v", err)
	}
}

func TestMove_Preconditions(t *testing.T) {
	e := newEmu(t, Config{Source: targetWith(4, p(0, 0, 2))})
	var pv *PreconditionViolation
	cases := []command.Command{
		lm(0, 0, 3),  // blocked at (0,0,2)
		lm(4, 0, 0),  // leaves the grid
		lm(-1, 0, 0), // leaves the grid
	}
	for _, c := range cases {
		if err := e.Check(1, c); !errors.As(err, &pv) {
			t.Fatalf("%v: expected violation, got %v", c, err)
		}
	}
	if err := e.Check(1, command.ElbowMove{D1: d(1, 0, 0), D2: d(0, 0, 3)}); err != nil {
		t.Fatalf("clear elbow: %v", err)
	}
	if err := e.Check(1, command.ElbowMove{D1: d(0, 0, 3), D2: d(1, 0, 0)}); !errors.As(err, &pv) {
		t.Fatalf("blocked elbow: expected violation, got %v", err)
	}
}

func TestTerminate_Preconditions(t *testing.T) {
	var pv *PreconditionViolation

	e := newEmu(t, Config{R: 3})
	mustStep(t, e, lm(1, 0, 0))
	if err := e.Check(1, halt); !errors.As(err, &pv) {
		t.Fatalf("away from origin: expected violation, got %v", err)
	}

	e = newEmu(t, Config{R: 3})
	mustStep(t, e, toggle)
	if err := e.Check(1, halt); !errors.As(err, &pv) {
		t.Fatalf("rigid field: expected violation, got %v", err)
	}

	e = newEmu(t, Config{R: 3})
	mustStep(t, e, command.Spawn{ND: d(1, 0, 0), Seeds: 0})
	if err := e.Check(1, halt); !errors.As(err, &pv) {
		t.Fatalf("two bots: expected violation, got %v", err)
	}

	e = newEmu(t, Config{R: 3})
	mustStep(t, e, halt)
	if _, err := e.Step([]command.Command{noop}); !errors.Is(err, ErrHalted) {
		t.Fatalf("after terminate: expected ErrHalted, got %v", err)
	}
}

func TestUngrounded_Relaxed(t *testing.T) {
	e := newEmu(t, Config{R: 3})
	mustStep(t, e, lm(0, 2, 0))
	_, err := e.Step([]command.Command{fill(0, -1, 0)})
	var uv *UngroundedVoxel
	if !errors.As(err, &uv) {
		t.Fatalf("expected UngroundedVoxel, got %v", err)
	}
	if uv.Cell != p(0, 1, 0) || uv.Step != 1 || uv.Count != 1 {
		t.Fatalf("error detail: %+v", uv)
	}
}

func TestUngrounded_RigidThenRelaxed(t *testing.T) {
	e := newEmu(t, Config{R: 3})
	mustStep(t, e, toggle)
	mustStep(t, e, lm(0, 2, 0))
	mustStep(t, e, fill(0, -1, 0))
	_, err := e.Step([]command.Command{toggle})
	var uv *UngroundedVoxel
	if !errors.As(err, &uv) || uv.Step != 3 {
		t.Fatalf("expected UngroundedVoxel at step 3, got %v", err)
	}
}

func TestGrounded_ClearBreaksSupport(t *testing.T) {
	e := newEmu(t, Config{R: 4})
	mustStep(t, e, lm(1, 0, 0))
	mustStep(t, e, fill(1, 0, 0)) // (2,0,0)
	mustStep(t, e, lm(0, 1, 0))   // bot at (1,1,0)
	mustStep(t, e, fill(1, 0, 0)) // (2,1,0), resting on (2,0,0)
	_, err := e.Step([]command.Command{command.Clear{ND: d(1, -1, 0)}})
	var uv *UngroundedVoxel
	if !errors.As(err, &uv) || uv.Cell != p(2, 1, 0) || uv.Count != 1 {
		t.Fatalf("expected (2,1,0) ungrounded, got %v", err)
	}
}

func TestRunTrace_WrongResult(t *testing.T) {
	_, err := Run(Config{Target: targetWith(3, p(1, 0, 1))}, []byte{0xFF})
	var wr *WrongResult
	if !errors.As(err, &wr) {
		t.Fatalf("expected WrongResult, got %v", err)
	}
	if wr.Mismatched != 1 || wr.First != p(1, 0, 1) {
		t.Fatalf("error detail: %+v", wr)
	}
}

func TestRunTrace_Malformed(t *testing.T) {
	spawn := encode(t, command.Spawn{ND: d(1, 0, 0), Seeds: 0})
	cases := map[string][]byte{
		"empty":           nil,
		"no terminate":    encode(t, noop, noop),
		"partial step":    append(append([]byte(nil), spawn...), 0xFE),
		"after terminate": {0xFF, 0xFE},
	}
	for name, trace := range cases {
		_, err := Run(Config{R: 3}, trace)
		var mt *MalformedTrace
		if !errors.As(err, &mt) {
			t.Fatalf("%s: expected MalformedTrace, got %v", name, err)
		}
	}

	_, err := Run(Config{R: 3}, []byte{0b11110110})
	var pe *command.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestStep_WrongCommandCount(t *testing.T) {
	e := newEmu(t, Config{R: 3})
	_, err := e.Step([]command.Command{noop, noop})
	var mt *MalformedTrace
	if !errors.As(err, &mt) {
		t.Fatalf("expected MalformedTrace, got %v", err)
	}
}

func TestRunStep_Incomplete(t *testing.T) {
	e := newEmu(t, Config{R: 3})
	mustStep(t, e, command.Spawn{ND: d(1, 0, 0), Seeds: 0})
	if err := e.Stage(1, noop); err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if e.StepComplete() {
		t.Fatalf("step should not be complete")
	}
	if id, ok := e.NextUnstaged(); !ok || id != 2 {
		t.Fatalf("NextUnstaged: %d %v", id, ok)
	}
	if got := e.Pending(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("Pending = %v", got)
	}
	var mt *MalformedTrace
	if _, err := e.RunStep(); !errors.As(err, &mt) {
		t.Fatalf("expected MalformedTrace, got %v", err)
	}
	if e.Err() != nil {
		t.Fatalf("incomplete RunStep must not fail the emulator")
	}
	e.Unstage(1)
	if e.StagedCount() != 0 {
		t.Fatalf("unstage left %d commands", e.StagedCount())
	}
}

func TestIncrementalMatchesBatch(t *testing.T) {
	steps := [][]command.Command{
		{command.Spawn{ND: d(1, 0, 0), Seeds: 2}},
		{lm(0, 0, 3), lm(0, 0, 1)},
		{fill(1, 0, 0), fill(0, 0, 1)},
		{command.Clear{ND: d(1, 0, 0)}, noop},
		{lm(0, 0, -3), noop},
		{noop, command.ElbowMove{D1: d(-1, 0, 0), D2: d(0, 1, 0)}},
		{command.MergePrimary{ND: d(0, 1, 1)}, command.MergeSecondary{ND: d(0, -1, -1)}},
		{halt},
	}
	var flat []command.Command
	for _, s := range steps {
		flat = append(flat, s...)
	}
	target := targetWith(5, p(1, 0, 2))

	a := newEmu(t, Config{Target: target})
	ea, err := a.RunTrace(encode(t, flat...))
	if err != nil {
		t.Fatalf("RunTrace: %v", err)
	}

	b := newEmu(t, Config{Target: target})
	for _, s := range steps {
		mustStep(t, b, s...)
	}
	if err := b.VerifyTarget(); err != nil {
		t.Fatalf("VerifyTarget: %v", err)
	}
	if ea != b.Energy() || !a.Grid().Equal(b.Grid()) {
		t.Fatalf("batch and incremental disagree: %d vs %d", ea, b.Energy())
	}
	if !reflect.DeepEqual(a.History(), b.History()) {
		t.Fatalf("histories differ")
	}
}

// stagedVerdict stages cmds for the active bots of e, either in ascending id
// order with a Check before every Stage, or in descending order followed by a
// restage of every bot. It then runs the step.
func stagedVerdict(t *testing.T, e *Emulator, cmds []command.Command, descending bool) error {
	t.Helper()
	ids := e.BotIDs()
	if len(ids) != len(cmds) {
		t.Fatalf("%d commands for %d bots", len(cmds), len(ids))
	}
	order := make([]int, len(ids))
	for i := range order {
		order[i] = i
		if descending {
			order[i] = len(ids) - 1 - i
		}
	}
	for _, i := range order {
		var cerr error
		if !descending {
			cerr = e.Check(ids[i], cmds[i])
		}
		serr := e.Stage(ids[i], cmds[i])
		if !descending && (cerr == nil) != (serr == nil) {
			t.Fatalf("bot %d %v: Check=%v Stage=%v", ids[i], cmds[i], cerr, serr)
		}
		if serr != nil {
			return serr
		}
	}
	if descending {
		for i, id := range ids {
			if err := e.Check(id, cmds[i]); err != nil {
				t.Fatalf("recheck bot %d %v: %v", id, cmds[i], err)
			}
			cerr := e.Check(id, noop)
			serr := e.Stage(id, noop)
			if (cerr == nil) != (serr == nil) {
				t.Fatalf("bot %d NoOp over a full step: Check=%v Stage=%v", id, cerr, serr)
			}
			if err := e.Stage(id, cmds[i]); err != nil {
				t.Fatalf("restage bot %d %v: %v", id, cmds[i], err)
			}
		}
	}
	_, err := e.RunStep()
	return err
}

func TestStagingAgreesWithStep(t *testing.T) {
	spawnX := command.Spawn{ND: d(1, 0, 0), Seeds: 0}
	spawnZ := command.Spawn{ND: d(0, 0, 1), Seeds: 0}
	cases := []struct {
		name   string
		prefix [][]command.Command
		step   []command.Command
		ok     bool
	}{
		{"merge pair", [][]command.Command{{spawnX}},
			[]command.Command{command.MergePrimary{ND: d(1, 0, 0)}, command.MergeSecondary{ND: d(-1, 0, 0)}}, true},
		{"merge without mirror", [][]command.Command{{spawnX}},
			[]command.Command{command.MergePrimary{ND: d(1, 0, 0)}, noop}, false},
		{"secondary without primary", [][]command.Command{{spawnX}},
			[]command.Command{noop, command.MergeSecondary{ND: d(-1, 0, 0)}}, false},
		{"disjoint fills", [][]command.Command{{spawnX}},
			[]command.Command{fill(0, 0, 1), fill(0, 0, 1)}, true},
		{"fill on a bot", [][]command.Command{{spawnX}},
			[]command.Command{fill(1, 0, 0), noop}, false},
		{"crossing paths", [][]command.Command{{spawnX}},
			[]command.Command{lm(0, 0, 1), command.ElbowMove{D1: d(0, 0, 1), D2: d(-1, 0, 0)}}, false},
		{"same destination", [][]command.Command{{spawnX}},
			[]command.Command{lm(0, 1, 0), command.ElbowMove{D1: d(0, 1, 0), D2: d(-1, 0, 0)}}, false},
		{"shared cuboid", [][]command.Command{{spawnZ}, {noop, lm(0, 0, 2)}},
			[]command.Command{
				command.RegionFill{ND: d(1, 0, 0), FD: d(0, 0, 3)},
				command.RegionFill{ND: d(1, 0, 0), FD: d(0, 0, -3)},
			}, false},
		{"adjacent cuboids", [][]command.Command{{spawnZ}, {noop, lm(0, 0, 2)}},
			[]command.Command{
				command.RegionFill{ND: d(1, 0, 0), FD: d(0, 0, 1)},
				command.RegionFill{ND: d(1, 0, 0), FD: d(0, 0, -1)},
			}, true},
		{"spawn into a path", [][]command.Command{{spawnX}},
			[]command.Command{command.Spawn{ND: d(0, 0, 1), Seeds: 0}, command.ElbowMove{D1: d(0, 0, 1), D2: d(-1, 0, 0)}}, false},
		{"ungrounded fill", [][]command.Command{{spawnX}},
			[]command.Command{fill(0, 1, 0), noop}, false},
		{"terminate with two bots", [][]command.Command{{spawnX}},
			[]command.Command{halt, noop}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			emus := make([]*Emulator, 3)
			for i := range emus {
				emus[i] = newEmu(t, Config{R: 5})
				for _, s := range tc.prefix {
					mustStep(t, emus[i], s...)
				}
			}
			ascending := stagedVerdict(t, emus[0], tc.step, false)
			descending := stagedVerdict(t, emus[1], tc.step, true)
			_, batch := emus[2].Step(tc.step)

			for name, err := range map[string]error{"ascending": ascending, "descending": descending, "batch": batch} {
				if (err == nil) != tc.ok {
					t.Fatalf("%s: ok=%v, got %v", name, tc.ok, err)
				}
			}
			if tc.ok {
				if emus[0].Energy() != emus[2].Energy() || emus[1].Energy() != emus[2].Energy() {
					t.Fatalf("energies differ: %d %d %d", emus[0].Energy(), emus[1].Energy(), emus[2].Energy())
				}
				if !emus[0].Grid().Equal(emus[2].Grid()) || !emus[1].Grid().Equal(emus[2].Grid()) {
					t.Fatalf("grids differ")
				}
			}
		})
	}
}

func TestEnergy_ContestProfile(t *testing.T) {
	e := newEmu(t, Config{R: 3, Energy: tuning.ContestEnergy()})
	mustStep(t, e, fill(1, 0, 0))
	mustStep(t, e, command.Clear{ND: d(1, 0, 0)})
	mustStep(t, e, command.Clear{ND: d(1, 0, 0)})
	want := 3*base(3, 1) + 12 - 12 + 3
	if e.Energy() != want {
		t.Fatalf("energy: got %d want %d", e.Energy(), want)
	}

	e = newEmu(t, Config{R: 3})
	mustStep(t, e, fill(1, 0, 0))
	mustStep(t, e, fill(1, 0, 0))
	mustStep(t, e, command.Clear{ND: d(1, 0, 0)})
	mustStep(t, e, command.Clear{ND: d(1, 0, 0)})
	want = 4*base(3, 1) + 12 + 6 + 12 + 6
	if e.Energy() != want {
		t.Fatalf("default energy: got %d want %d", e.Energy(), want)
	}
}

func TestObserver(t *testing.T) {
	var events []StepEvent
	e := newEmu(t, Config{R: 3, Observer: ObserverFunc(func(ev StepEvent) { events = append(events, ev) })})
	if _, err := e.RunTrace(encode(t, lm(1, 0, 0), lm(-1, 0, 0), halt)); err != nil {
		t.Fatalf("RunTrace: %v", err)
	}
	if len(events) != 3 || !events[2].Halted {
		t.Fatalf("events: %+v", events)
	}
	if events[0].Commands[0].BotID != 1 || events[0].Commands[0].Command != lm(1, 0, 0) {
		t.Fatalf("first event: %+v", events[0])
	}
	if events[2].Record.Energy != e.Energy() {
		t.Fatalf("last event energy %d, total %d", events[2].Record.Energy, e.Energy())
	}
}

func TestSnapshot_ResumeMatchesStraightRun(t *testing.T) {
	first := []command.Command{command.Spawn{ND: d(1, 0, 0), Seeds: 1}, toggle, lm(0, 0, 2)}
	rest := []command.Command{
		toggle, fill(0, 0, 1),
		noop, lm(0, 0, -2),
		command.MergePrimary{ND: d(1, 0, 0)}, command.MergeSecondary{ND: d(-1, 0, 0)},
		halt,
	}
	target := targetWith(4, p(1, 0, 3))

	straight := newEmu(t, Config{Target: target})
	want, err := straight.RunTrace(encode(t, append(append([]command.Command(nil), first...), rest...)...))
	if err != nil {
		t.Fatalf("straight run: %v", err)
	}

	e := newEmu(t, Config{Target: target})
	mustStep(t, e, first[0])
	mustStep(t, e, first[1:]...)
	snap := e.ExportSnapshot("resume")
	if snap.Header.Step != 2 || snap.Mode != "Rigid" {
		t.Fatalf("snapshot header: %+v mode %s", snap.Header, snap.Mode)
	}
	resumed, err := Restore(snap, Config{})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, err := resumed.RunTrace(encode(t, rest...))
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if got != want {
		t.Fatalf("energy: resumed %d, straight %d", got, want)
	}
}

func TestRestore_RejectsBadRoster(t *testing.T) {
	e := newEmu(t, Config{R: 3, MaxBots: 4})
	snap := e.ExportSnapshot("")
	snap.Bots[0].Seeds = append(snap.Bots[0].Seeds, 1)
	if _, err := Restore(snap, Config{}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
	snap = e.ExportSnapshot("")
	snap.Bots[0].Pos = [3]int{3, 0, 0}
	if _, err := Restore(snap, Config{}); err == nil {
		t.Fatalf("expected out-of-grid error")
	}
}
