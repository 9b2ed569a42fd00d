package emulator

import (
	"fmt"
	"sort"

	"nanofab.ai/internal/persistence/snapshot"
	"nanofab.ai/internal/sim/geom"
	"nanofab.ai/internal/sim/grid"
)

// ExportSnapshot captures the committed state. Staged commands are not part of
// a snapshot.
func (e *Emulator) ExportSnapshot(problem string) snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{
		Header:   snapshot.Header{Version: snapshot.Version, Problem: problem, Step: e.step},
		R:        e.r,
		MaxBots:  e.maxBots,
		Grid:     e.grid.Bytes(),
		Target:   e.target.Bytes(),
		Mode:     e.mode.String(),
		Energy:   e.energy,
		Halted:   e.halted,
		Grounded: e.grounded,
	}
	for _, id := range e.order {
		b := e.bots[id]
		snap.Bots = append(snap.Bots, snapshot.BotV1{
			ID:    b.id,
			Pos:   [3]int{b.pos.X, b.pos.Y, b.pos.Z},
			Seeds: append([]int(nil), b.seeds...),
		})
	}
	return snap
}

// Restore rebuilds an emulator from a snapshot. Energy costs and the observer
// come from cfg; its grids and resolution are ignored.
func Restore(snap snapshot.SnapshotV1, cfg Config) (*Emulator, error) {
	g, err := grid.Parse(snap.Grid)
	if err != nil {
		return nil, fmt.Errorf("snapshot grid: %w", err)
	}
	if g.R() != snap.R {
		return nil, fmt.Errorf("snapshot grid resolution %d, header says %d", g.R(), snap.R)
	}
	mode, err := ParseMode(snap.Mode)
	if err != nil {
		return nil, err
	}
	cfg.Target = nil
	if len(snap.Target) > 0 {
		t, err := grid.Parse(snap.Target)
		if err != nil {
			return nil, fmt.Errorf("snapshot target: %w", err)
		}
		if t.R() != snap.R {
			return nil, fmt.Errorf("snapshot target resolution %d, header says %d", t.R(), snap.R)
		}
		cfg.Target = t
	}
	if snap.MaxBots < 1 {
		return nil, fmt.Errorf("snapshot max bots %d", snap.MaxBots)
	}

	e := newEmulator(snap.R, snap.MaxBots, cfg)
	e.grid = g
	e.mode = mode
	e.energy = snap.Energy
	e.step = snap.Header.Step
	e.halted = snap.Halted
	e.grounded = snap.Grounded

	seen := map[int]bool{}
	cells := map[geom.Point]bool{}
	for _, sb := range snap.Bots {
		pos := geom.Point{X: sb.Pos[0], Y: sb.Pos[1], Z: sb.Pos[2]}
		if !pos.InBounds(snap.R) {
			return nil, fmt.Errorf("bot %d at %v is outside the grid", sb.ID, pos)
		}
		if g.Get(pos) {
			return nil, fmt.Errorf("bot %d stands in filled cell %v", sb.ID, pos)
		}
		if cells[pos] {
			return nil, fmt.Errorf("two bots at %v", pos)
		}
		cells[pos] = true
		ids := append([]int{sb.ID}, sb.Seeds...)
		for _, id := range ids {
			if id < 1 || id > snap.MaxBots || seen[id] {
				return nil, fmt.Errorf("bot id %d is out of range or held twice", id)
			}
			seen[id] = true
		}
		seeds := append([]int(nil), sb.Seeds...)
		sort.Ints(seeds)
		e.addBot(&bot{id: sb.ID, pos: pos, seeds: seeds})
	}
	if len(e.bots) == 0 && !e.halted {
		return nil, fmt.Errorf("snapshot has no bots but is not halted")
	}
	e.reindex()
	return e, nil
}
