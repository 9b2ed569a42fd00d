package emulator

import (
	"fmt"
	"sort"

	"nanofab.ai/internal/sim/command"
	"nanofab.ai/internal/sim/geom"
)

// RunStep executes the staged commands of every active bot as one step. It
// fails with *MalformedTrace if some bot has no command. Any error other than
// a missing command leaves the emulator failed.
func (e *Emulator) RunStep() (StepEvent, error) {
	if err := e.usable(); err != nil {
		return StepEvent{}, err
	}
	if !e.StepComplete() {
		return StepEvent{}, &MalformedTrace{
			Step:   e.step,
			Reason: fmt.Sprintf("%d of %d bots have a command", len(e.staged), len(e.order)),
		}
	}
	for _, id := range e.order {
		s := e.staged[id]
		if s.partner == 0 {
			continue
		}
		p := e.staged[s.partner]
		if p == nil || p.partner != id || !mirrored(s.cmd, p.cmd) {
			return StepEvent{}, e.fail(e.violation(id, s.cmd, "bot %d does not issue the matching merge", s.partner))
		}
	}
	return e.apply()
}

// Step stages cmds for the active bots in ascending id order and runs them.
// Every error from Step leaves the emulator failed.
func (e *Emulator) Step(cmds []command.Command) (StepEvent, error) {
	if err := e.usable(); err != nil {
		return StepEvent{}, err
	}
	e.ResetStep()
	if len(cmds) != len(e.order) {
		return StepEvent{}, e.fail(&MalformedTrace{
			Step:   e.step,
			Reason: fmt.Sprintf("got %d commands for %d bots", len(cmds), len(e.order)),
		})
	}
	ids := e.BotIDs()
	for i, c := range cmds {
		if err := e.Stage(ids[i], c); err != nil {
			return StepEvent{}, e.fail(err)
		}
	}
	ev, err := e.RunStep()
	if err != nil {
		return ev, e.fail(err)
	}
	return ev, nil
}

func (e *Emulator) apply() (StepEvent, error) {
	costs := e.costs
	volume := int64(e.r) * int64(e.r) * int64(e.r)
	rec := StepRecord{Step: e.step, Mode: e.mode, Bots: len(e.order)}
	ev := StepEvent{Commands: make([]BotCommand, 0, len(e.order))}

	delta := costs.RelaxedPerCell * volume
	if e.mode == Rigid {
		delta = costs.RigidPerCell * volume
	}
	delta += costs.PerBot * int64(len(e.order))

	var added []geom.Point
	removed := false

	fill := func(p geom.Point) {
		if e.grid.Get(p) {
			delta += costs.FillFull
			return
		}
		delta += costs.FillEmpty
		e.grid.Set(p, true)
		added = append(added, p)
		rec.Filled++
	}
	empty := func(p geom.Point) {
		if !e.grid.Get(p) {
			delta += costs.ClearEmpty
			return
		}
		delta += costs.ClearFull
		e.grid.Set(p, false)
		removed = true
		rec.Cleared++
	}

	ids := e.BotIDs()
	for _, id := range ids {
		s := e.staged[id]
		ev.Commands = append(ev.Commands, BotCommand{BotID: id, Command: s.cmd})
		b, ok := e.bots[id]
		if !ok {
			continue // secondary already merged away
		}
		switch c := s.cmd.(type) {
		case command.NoOp:
		case command.ModeToggle:
			// Two toggles in one step cancel out.
			if e.mode == Relaxed {
				e.mode = Rigid
			} else {
				e.mode = Relaxed
			}
		case command.Terminate:
			delete(e.bots, id)
			e.halted = true
		case command.LinearMove:
			b.pos = b.pos.Add(c.D)
			delta += costs.LinearMovePerCell * int64(c.D.MLen())
		case command.ElbowMove:
			b.pos = b.pos.Add(c.D1).Add(c.D2)
			delta += costs.ElbowMovePerCell * (int64(c.D1.MLen()+c.D2.MLen()) + costs.ElbowMoveTurn)
		case command.Spawn:
			child := &bot{id: b.seeds[0], pos: b.pos.Add(c.ND)}
			child.seeds = append([]int(nil), b.seeds[1:c.Seeds+1]...)
			b.seeds = append([]int(nil), b.seeds[c.Seeds+1:]...)
			e.addBot(child)
			ev.Spawned = append(ev.Spawned, child.id)
			delta += costs.Spawn
		case command.Fill:
			fill(b.pos.Add(c.ND))
		case command.Clear:
			empty(b.pos.Add(c.ND))
		case command.MergePrimary:
			sec := e.bots[s.partner]
			seeds := append(append(append([]int(nil), b.seeds...), sec.id), sec.seeds...)
			sort.Ints(seeds)
			b.seeds = seeds
			delete(e.bots, sec.id)
			ev.Merged = append(ev.Merged, sec.id)
			delta += costs.Merge
		case command.MergeSecondary:
			// Handled by the primary.
		case command.RegionFill:
			s.region.Each(fill)
		case command.RegionClear:
			s.region.Each(empty)
		}
	}

	e.energy += delta
	rec.EnergyDelta = delta
	rec.Energy = e.energy
	e.step++
	e.ResetStep()
	e.reindex()
	ev.Record = rec
	ev.Halted = e.halted
	e.history = append(e.history, rec)
	if e.observer != nil {
		e.observer.ObserveStep(ev)
	}

	if e.mode == Relaxed {
		var (
			cell geom.Point
			ok   bool
		)
		if e.grounded && !removed {
			cell, ok = e.grid.AddedGrounded(added)
		} else {
			cell, ok = e.grid.AllGrounded()
		}
		if !ok {
			e.grounded = false
			n := e.grid.CountFull() - e.grid.Grounded().CountFull()
			return ev, e.fail(&UngroundedVoxel{Step: rec.Step, Cell: cell, Count: n})
		}
		e.grounded = true
	} else {
		e.grounded = false
	}
	return ev, nil
}

