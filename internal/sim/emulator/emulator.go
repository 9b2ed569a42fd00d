package emulator

import (
	"fmt"
	"sort"

	"nanofab.ai/internal/sim/command"
	"nanofab.ai/internal/sim/geom"
	"nanofab.ai/internal/sim/grid"
	"nanofab.ai/internal/sim/tuning"
)

// Mode is the field harmonics setting.
type Mode uint8

const (
	Relaxed Mode = iota
	Rigid
)

func (m Mode) String() string {
	if m == Rigid {
		return "Rigid"
	}
	return "Relaxed"
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "Relaxed", "relaxed", "Low", "low":
		return Relaxed, nil
	case "Rigid", "rigid", "High", "high":
		return Rigid, nil
	}
	return Relaxed, fmt.Errorf("unknown mode %q", s)
}

// Bot is a read-only view of an active nanobot.
type Bot struct {
	ID    int
	Pos   geom.Point
	Seeds []int
}

type bot struct {
	id    int
	pos   geom.Point
	seeds []int // ascending
}

func (b *bot) view() Bot {
	return Bot{ID: b.id, Pos: b.pos, Seeds: append([]int(nil), b.seeds...)}
}

type Config struct {
	// R is the resolution. It may be left zero when Source or Target is set.
	R int

	// Source is the starting grid (nil for an empty grid). It is cloned.
	Source *grid.Grid
	// Target is the grid a trace must end with (nil for an empty grid).
	Target *grid.Grid

	// MaxBots bounds the roster; the first bot holds seeds 2..MaxBots.
	MaxBots int
	// Energy is the cost table. The zero value selects tuning.DefaultEnergy.
	Energy tuning.Energy

	Observer StepObserver
}

// Emulator holds the state of one fabrication run. It is not safe for
// concurrent use.
type Emulator struct {
	r       int
	maxBots int
	costs   tuning.Energy

	grid   *grid.Grid
	target *grid.Grid

	mode   Mode
	energy int64
	step   int
	halted bool
	err    error

	// grounded is true when every filled cell is known to be grounded, which
	// lets the next Relaxed step check only the cells it added.
	grounded bool

	bots  map[int]*bot
	order []int       // active ids, ascending
	at    map[int]int // cell index -> id of the bot standing there

	staged map[int]*staged
	claims map[int][]int // cell index -> staged bots touching it

	history  []StepRecord
	observer StepObserver
}

func New(cfg Config) (*Emulator, error) {
	r := cfg.R
	for _, g := range []*grid.Grid{cfg.Source, cfg.Target} {
		if g == nil {
			continue
		}
		if r == 0 {
			r = g.R()
		}
		if g.R() != r {
			return nil, fmt.Errorf("grid resolution %d does not match %d", g.R(), r)
		}
	}
	if r < 1 || r > grid.MaxR {
		return nil, fmt.Errorf("resolution %d out of range [1,%d]", r, grid.MaxR)
	}
	maxBots := cfg.MaxBots
	if maxBots == 0 {
		maxBots = tuning.Defaults().MaxBots
	}
	if maxBots < 1 {
		return nil, fmt.Errorf("max bots must be positive, got %d", maxBots)
	}

	e := newEmulator(r, maxBots, cfg)
	if cfg.Source != nil {
		e.grid = cfg.Source.Clone()
	}
	seeds := make([]int, 0, maxBots-1)
	for id := 2; id <= maxBots; id++ {
		seeds = append(seeds, id)
	}
	e.addBot(&bot{id: 1, pos: geom.Origin, seeds: seeds})
	e.reindex()
	return e, nil
}

func newEmulator(r, maxBots int, cfg Config) *Emulator {
	costs := cfg.Energy
	if costs == (tuning.Energy{}) {
		costs = tuning.DefaultEnergy()
	}
	target := cfg.Target
	if target == nil {
		target = grid.New(r)
	}
	return &Emulator{
		r:        r,
		maxBots:  maxBots,
		costs:    costs,
		grid:     grid.New(r),
		target:   target.Clone(),
		bots:     map[int]*bot{},
		at:       map[int]int{},
		staged:   map[int]*staged{},
		claims:   map[int][]int{},
		observer: cfg.Observer,
	}
}

func (e *Emulator) addBot(b *bot) {
	e.bots[b.id] = b
}

// reindex rebuilds the id order and position index after the roster changes.
func (e *Emulator) reindex() {
	e.order = e.order[:0]
	for id := range e.bots {
		e.order = append(e.order, id)
	}
	sort.Ints(e.order)
	clear(e.at)
	for id, b := range e.bots {
		e.at[e.grid.Index(b.pos)] = id
	}
}

func (e *Emulator) R() int               { return e.r }
func (e *Emulator) MaxBots() int         { return e.maxBots }
func (e *Emulator) Energy() int64        { return e.energy }
func (e *Emulator) Mode() Mode           { return e.mode }
func (e *Emulator) Halted() bool         { return e.halted }
func (e *Emulator) Steps() int           { return e.step }
func (e *Emulator) Costs() tuning.Energy { return e.costs }

// Err returns the error that stopped the run, if any. A failed emulator
// rejects every further step.
func (e *Emulator) Err() error { return e.err }

// Grid returns a copy of the current grid.
func (e *Emulator) Grid() *grid.Grid { return e.grid.Clone() }

// Target returns a copy of the target grid.
func (e *Emulator) Target() *grid.Grid { return e.target.Clone() }

// Bots returns the active bots in ascending id order.
func (e *Emulator) Bots() []Bot {
	out := make([]Bot, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.bots[id].view())
	}
	return out
}

func (e *Emulator) Bot(id int) (Bot, bool) {
	b, ok := e.bots[id]
	if !ok {
		return Bot{}, false
	}
	return b.view(), true
}

// BotIDs returns the active ids in ascending order.
func (e *Emulator) BotIDs() []int { return append([]int(nil), e.order...) }

// History returns one record per executed step.
func (e *Emulator) History() []StepRecord { return append([]StepRecord(nil), e.history...) }

func (e *Emulator) SetObserver(o StepObserver) { e.observer = o }

func (e *Emulator) fail(err error) error {
	if e.err == nil {
		e.err = err
	}
	return err
}

func (e *Emulator) usable() error {
	if e.err != nil {
		return e.err
	}
	if e.halted {
		return ErrHalted
	}
	return nil
}

func (e *Emulator) violation(id int, c command.Command, format string, args ...any) *PreconditionViolation {
	return &PreconditionViolation{Step: e.step, BotID: id, Command: c, Reason: fmt.Sprintf(format, args...)}
}
