package protocol

import (
	"fmt"

	"nanofab.ai/internal/sim/command"
	"nanofab.ai/internal/sim/geom"
)

// Command ops.
const (
	OpNoOp           = "noop"
	OpModeToggle     = "mode_toggle"
	OpTerminate      = "terminate"
	OpLinearMove     = "linear_move"
	OpElbowMove      = "elbow_move"
	OpSpawn          = "spawn"
	OpFill           = "fill"
	OpClear          = "clear"
	OpMergePrimary   = "merge_primary"
	OpMergeSecondary = "merge_secondary"
	OpRegionFill     = "region_fill"
	OpRegionClear    = "region_clear"
)

// CommandJSON is the JSON form of a command, e.g. {"op":"linear_move","d":[0,12,0]}.
type CommandJSON struct {
	Op    string  `json:"op"`
	D     *[3]int `json:"d,omitempty"`
	D1    *[3]int `json:"d1,omitempty"`
	D2    *[3]int `json:"d2,omitempty"`
	ND    *[3]int `json:"nd,omitempty"`
	FD    *[3]int `json:"fd,omitempty"`
	Seeds *int    `json:"seeds,omitempty"`
}

func vec(d geom.Diff) *[3]int { return &[3]int{d.DX, d.DY, d.DZ} }

func diff(name string, v *[3]int) (geom.Diff, error) {
	if v == nil {
		return geom.Diff{}, fmt.Errorf("missing %s", name)
	}
	return geom.Diff{DX: v[0], DY: v[1], DZ: v[2]}, nil
}

// FromCommand converts a command to its JSON form.
func FromCommand(c command.Command) CommandJSON {
	switch c := c.(type) {
	case command.NoOp:
		return CommandJSON{Op: OpNoOp}
	case command.ModeToggle:
		return CommandJSON{Op: OpModeToggle}
	case command.Terminate:
		return CommandJSON{Op: OpTerminate}
	case command.LinearMove:
		return CommandJSON{Op: OpLinearMove, D: vec(c.D)}
	case command.ElbowMove:
		return CommandJSON{Op: OpElbowMove, D1: vec(c.D1), D2: vec(c.D2)}
	case command.Spawn:
		m := c.Seeds
		return CommandJSON{Op: OpSpawn, ND: vec(c.ND), Seeds: &m}
	case command.Fill:
		return CommandJSON{Op: OpFill, ND: vec(c.ND)}
	case command.Clear:
		return CommandJSON{Op: OpClear, ND: vec(c.ND)}
	case command.MergePrimary:
		return CommandJSON{Op: OpMergePrimary, ND: vec(c.ND)}
	case command.MergeSecondary:
		return CommandJSON{Op: OpMergeSecondary, ND: vec(c.ND)}
	case command.RegionFill:
		return CommandJSON{Op: OpRegionFill, ND: vec(c.ND), FD: vec(c.FD)}
	case command.RegionClear:
		return CommandJSON{Op: OpRegionClear, ND: vec(c.ND), FD: vec(c.FD)}
	}
	return CommandJSON{}
}

// ToCommand converts the JSON form to a command. Displacement classes are
// checked by the emulator, not here.
func (j CommandJSON) ToCommand() (command.Command, error) {
	switch j.Op {
	case OpNoOp:
		return command.NoOp{}, nil
	case OpModeToggle:
		return command.ModeToggle{}, nil
	case OpTerminate:
		return command.Terminate{}, nil
	case OpLinearMove:
		d, err := diff("d", j.D)
		if err != nil {
			return nil, err
		}
		return command.LinearMove{D: d}, nil
	case OpElbowMove:
		d1, err := diff("d1", j.D1)
		if err != nil {
			return nil, err
		}
		d2, err := diff("d2", j.D2)
		if err != nil {
			return nil, err
		}
		return command.ElbowMove{D1: d1, D2: d2}, nil
	case OpSpawn:
		nd, err := diff("nd", j.ND)
		if err != nil {
			return nil, err
		}
		if j.Seeds == nil {
			return nil, fmt.Errorf("missing seeds")
		}
		return command.Spawn{ND: nd, Seeds: *j.Seeds}, nil
	case OpFill, OpClear, OpMergePrimary, OpMergeSecondary:
		nd, err := diff("nd", j.ND)
		if err != nil {
			return nil, err
		}
		switch j.Op {
		case OpFill:
			return command.Fill{ND: nd}, nil
		case OpClear:
			return command.Clear{ND: nd}, nil
		case OpMergePrimary:
			return command.MergePrimary{ND: nd}, nil
		}
		return command.MergeSecondary{ND: nd}, nil
	case OpRegionFill, OpRegionClear:
		nd, err := diff("nd", j.ND)
		if err != nil {
			return nil, err
		}
		fd, err := diff("fd", j.FD)
		if err != nil {
			return nil, err
		}
		if j.Op == OpRegionFill {
			return command.RegionFill{ND: nd, FD: fd}, nil
		}
		return command.RegionClear{ND: nd, FD: fd}, nil
	}
	return nil, fmt.Errorf("unknown op %q", j.Op)
}
