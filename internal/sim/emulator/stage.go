package emulator

import (
	"nanofab.ai/internal/sim/command"
	"nanofab.ai/internal/sim/geom"
)

// staged is a validated command waiting for the rest of its step.
type staged struct {
	cmd     command.Command
	cells   []int // touched cell indices, issuing bot's cell first
	partner int   // merge partner id, 0 otherwise
	region  geom.Region
}

// Check reports whether bot id may issue c in the current step, given the
// commands already staged. It changes nothing.
func (e *Emulator) Check(id int, c command.Command) error {
	if err := e.usable(); err != nil {
		return err
	}
	_, err := e.validate(id, c)
	return err
}

// Stage validates c for bot id and holds it until every active bot has a
// command. Staging a bot again replaces its earlier command. A rejected
// command leaves the step as it was.
func (e *Emulator) Stage(id int, c command.Command) error {
	if err := e.usable(); err != nil {
		return err
	}
	s, err := e.validate(id, c)
	if err != nil {
		return err
	}
	_, had := e.staged[id]
	e.staged[id] = s
	if had {
		e.rebuildClaims()
	} else {
		e.claim(id, s)
	}
	return nil
}

// Unstage drops the staged command of bot id, if any.
func (e *Emulator) Unstage(id int) {
	if _, ok := e.staged[id]; !ok {
		return
	}
	delete(e.staged, id)
	e.rebuildClaims()
}

// ResetStep drops every staged command.
func (e *Emulator) ResetStep() {
	clear(e.staged)
	clear(e.claims)
}

// NextUnstaged returns the lowest active id without a staged command.
func (e *Emulator) NextUnstaged() (int, bool) {
	for _, id := range e.order {
		if _, ok := e.staged[id]; !ok {
			return id, true
		}
	}
	return 0, false
}

// Pending lists the active ids still waiting for a command, ascending.
func (e *Emulator) Pending() []int {
	out := []int{}
	for _, id := range e.order {
		if _, ok := e.staged[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// StepComplete reports whether every active bot has a staged command.
func (e *Emulator) StepComplete() bool {
	return !e.halted && len(e.order) > 0 && len(e.staged) == len(e.order)
}

// StagedCount is the number of bots with a staged command.
func (e *Emulator) StagedCount() int { return len(e.staged) }

func (e *Emulator) claim(id int, s *staged) {
	for _, c := range s.cells {
		e.claims[c] = append(e.claims[c], id)
	}
}

func (e *Emulator) rebuildClaims() {
	clear(e.claims)
	for _, id := range e.order {
		if s, ok := e.staged[id]; ok {
			e.claim(id, s)
		}
	}
}

func (e *Emulator) validate(id int, c command.Command) (*staged, error) {
	b, ok := e.bots[id]
	if !ok {
		return nil, e.violation(id, c, "no active bot with this id")
	}
	s, err := e.touch(b, c)
	if err != nil {
		return nil, err
	}
	if err := e.contend(b, s); err != nil {
		return nil, err
	}
	return s, nil
}

// touch checks the preconditions that depend only on the issuing bot and the
// committed state, and collects the cells the command touches.
func (e *Emulator) touch(b *bot, c command.Command) (*staged, error) {
	g := e.grid
	own := g.Index(b.pos)
	s := &staged{cmd: c, cells: []int{own}}

	nearTarget := func(nd geom.Diff) (geom.Point, error) {
		if !nd.IsNear() {
			return geom.Point{}, e.violation(b.id, c, "%s is not a near displacement", nd)
		}
		p := b.pos.Add(nd)
		if !p.InBounds(e.r) {
			return geom.Point{}, e.violation(b.id, c, "target %v is outside the grid", p)
		}
		return p, nil
	}
	path := func(from geom.Point, d geom.Diff) ([]int, error) {
		end := from.Add(d)
		if !end.InBounds(e.r) {
			return nil, e.violation(b.id, c, "destination %v is outside the grid", end)
		}
		var out []int
		for _, p := range geom.Segment(from, d)[1:] {
			if g.Get(p) {
				return nil, e.violation(b.id, c, "path blocked by filled cell %v", p)
			}
			out = append(out, g.Index(p))
		}
		return out, nil
	}

	switch c := c.(type) {
	case command.NoOp, command.ModeToggle:
	case command.Terminate:
		if len(e.bots) != 1 {
			return nil, e.violation(b.id, c, "%d bots are active", len(e.bots))
		}
		if b.pos != geom.Origin {
			return nil, e.violation(b.id, c, "bot is at %v, not the origin", b.pos)
		}
		if e.mode != Relaxed {
			return nil, e.violation(b.id, c, "field is %s", e.mode)
		}
	case command.LinearMove:
		if !c.D.IsLongLinear() {
			return nil, e.violation(b.id, c, "%s is not a long linear displacement", c.D)
		}
		cells, err := path(b.pos, c.D)
		if err != nil {
			return nil, err
		}
		s.cells = append(s.cells, cells...)
	case command.ElbowMove:
		if !c.D1.IsShortLinear() || !c.D2.IsShortLinear() {
			return nil, e.violation(b.id, c, "legs must be short linear displacements")
		}
		first, err := path(b.pos, c.D1)
		if err != nil {
			return nil, err
		}
		second, err := path(b.pos.Add(c.D1), c.D2)
		if err != nil {
			return nil, err
		}
		s.cells = append(s.cells, first...)
		s.cells = append(s.cells, second...)
	case command.Spawn:
		p, err := nearTarget(c.ND)
		if err != nil {
			return nil, err
		}
		if len(b.seeds) == 0 {
			return nil, e.violation(b.id, c, "bot has no seeds")
		}
		if c.Seeds+1 > len(b.seeds) {
			return nil, e.violation(b.id, c, "needs %d seeds, bot holds %d", c.Seeds+1, len(b.seeds))
		}
		if g.Get(p) {
			return nil, e.violation(b.id, c, "target %v is filled", p)
		}
		s.cells = append(s.cells, g.Index(p))
	case command.Fill:
		p, err := nearTarget(c.ND)
		if err != nil {
			return nil, err
		}
		s.cells = append(s.cells, g.Index(p))
	case command.Clear:
		p, err := nearTarget(c.ND)
		if err != nil {
			return nil, err
		}
		s.cells = append(s.cells, g.Index(p))
	case command.MergePrimary:
		if err := e.touchMerge(b, c, c.ND, s, nearTarget); err != nil {
			return nil, err
		}
	case command.MergeSecondary:
		if err := e.touchMerge(b, c, c.ND, s, nearTarget); err != nil {
			return nil, err
		}
	case command.RegionFill:
		if err := e.touchRegion(b, c, c.ND, c.FD, s, nearTarget); err != nil {
			return nil, err
		}
	case command.RegionClear:
		if err := e.touchRegion(b, c, c.ND, c.FD, s, nearTarget); err != nil {
			return nil, err
		}
	default:
		return nil, e.violation(b.id, c, "unknown command")
	}
	return s, nil
}

func (e *Emulator) touchMerge(b *bot, c command.Command, nd geom.Diff, s *staged, nearTarget func(geom.Diff) (geom.Point, error)) error {
	p, err := nearTarget(nd)
	if err != nil {
		return err
	}
	idx := e.grid.Index(p)
	partner, ok := e.at[idx]
	if !ok {
		return e.violation(b.id, c, "no bot at %v", p)
	}
	s.partner = partner
	s.cells = append(s.cells, idx)
	return nil
}

func (e *Emulator) touchRegion(b *bot, c command.Command, nd, fd geom.Diff, s *staged, nearTarget func(geom.Diff) (geom.Point, error)) error {
	c1, err := nearTarget(nd)
	if err != nil {
		return err
	}
	if !fd.IsFar() {
		return e.violation(b.id, c, "%s is not a far displacement", fd)
	}
	c2 := c1.Add(fd)
	if !c2.InBounds(e.r) {
		return e.violation(b.id, c, "opposite corner %v is outside the grid", c2)
	}
	reg := geom.NewRegion(c1, c2)
	if reg.Contains(b.pos) {
		return e.violation(b.id, c, "region %v contains the issuing bot", reg)
	}
	s.region = reg
	reg.Each(func(p geom.Point) {
		s.cells = append(s.cells, e.grid.Index(p))
	})
	return nil
}

// contend checks s against the cells of the other bots: the cell each one
// stands on and everything their staged commands touch. A staged command of
// b itself is ignored, so checking and restaging agree.
func (e *Emulator) contend(b *bot, s *staged) error {
	for _, cell := range s.cells {
		if other, ok := e.at[cell]; ok && other != b.id && !e.shares(b, s, other) {
			return e.violation(b.id, s.cmd, "cell %v is occupied by bot %d", e.grid.PointAt(cell), other)
		}
		for _, other := range e.claims[cell] {
			if other != b.id && !e.shares(b, s, other) {
				return e.violation(b.id, s.cmd, "cell %v is already touched by bot %d", e.grid.PointAt(cell), other)
			}
		}
	}
	return nil
}

// shares reports whether bot b issuing s may touch a cell alongside bot
// other. Only the two halves of a merge share cells.
func (e *Emulator) shares(b *bot, s *staged, other int) bool {
	if s.partner != other {
		return false
	}
	o, ok := e.staged[other]
	if !ok {
		return true
	}
	return mirrored(s.cmd, o.cmd) && o.partner == b.id
}

func mirrored(a, b command.Command) bool {
	switch a.(type) {
	case command.MergePrimary:
		_, ok := b.(command.MergeSecondary)
		return ok
	case command.MergeSecondary:
		_, ok := b.(command.MergePrimary)
		return ok
	}
	return false
}
